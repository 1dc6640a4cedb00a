package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mtehrani/payment-service/internal/payerr"
	"github.com/mtehrani/payment-service/internal/repo"
	"go.uber.org/zap"
)

// Summary is the slice of an existing transaction a duplicate caller
// gets back instead of a new row.
type Summary struct {
	TransactionID uuid.UUID
	OrderID       string
	AuthorityCode string
	IsDone        bool
}

// Store is the two-tier idempotency ledger: a redis TTL cache in front
// of the durable unique index on transactions.idempotency_key. The
// cache only short-circuits duplicates; the ledger constraint is the
// authoritative de-duplication mechanism.
type Store struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

func NewStore(r repo.RepositoryInterface, log *zap.SugaredLogger) *Store {
	return &Store{repo: r, log: log}
}

// Check returns the existing transaction for the key, or nil. An empty
// key is a no-op. Ledger hits repopulate the cache tier.
func (s *Store) Check(ctx context.Context, key string) (*Summary, error) {
	if key == "" {
		return nil, nil
	}

	cached, err := s.repo.CheckIdempotency(ctx, key)
	if err != nil {
		// cache tier down; the ledger still answers
		s.log.Warnf("idempotency cache check failed: %v", err)
	}
	if cached {
		s.log.Warnw("idempotency key found in cache", "key", key)
	}

	t, err := s.repo.FindByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, payerr.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if !cached {
		s.log.Warnw("idempotency key found in ledger", "key", key)
		if err := s.repo.SetIdempotencyKey(ctx, key); err != nil {
			s.log.Warnf("idempotency cache heal failed: %v", err)
		}
	}

	summary := &Summary{
		TransactionID: t.ID,
		OrderID:       t.OrderID,
		IsDone:        t.IsDone,
	}
	if t.AuthorityCode != nil {
		summary.AuthorityCode = *t.AuthorityCode
	}
	return summary, nil
}

// Reserve marks the key taken. Returns false when the key is already
// present in either tier. Unlike Check, a bare cache entry counts even
// when no ledger row carries the key, which is what verification keys
// look like.
func (s *Store) Reserve(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	cached, err := s.repo.CheckIdempotency(ctx, key)
	if err != nil {
		s.log.Warnf("idempotency cache check failed: %v", err)
	}
	if cached {
		return false, nil
	}
	if _, err := s.repo.FindByIdempotencyKey(ctx, key); err == nil {
		if herr := s.repo.SetIdempotencyKey(ctx, key); herr != nil {
			s.log.Warnf("idempotency cache heal failed: %v", herr)
		}
		return false, nil
	} else if !errors.Is(err, payerr.ErrNotFound) {
		return false, err
	}
	if err := s.repo.SetIdempotencyKey(ctx, key); err != nil {
		s.log.Warnf("idempotency reserve cache write failed: %v", err)
	}
	return true, nil
}

// ValidateAndReserve fails with ErrDuplicateTransaction when the key is
// already held, otherwise reserves it. Concurrent duplicates that slip
// past the cache are caught later by the ledger unique constraint.
func (s *Store) ValidateAndReserve(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	existing, err := s.Check(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: key %q held by transaction %s",
			payerr.ErrDuplicateTransaction, key, existing.TransactionID)
	}
	if err := s.repo.SetIdempotencyKey(ctx, key); err != nil {
		s.log.Warnf("idempotency reserve cache write failed: %v", err)
	}
	return nil
}

// Commit refreshes the cache entry once the ledger write succeeded.
func (s *Store) Commit(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.repo.SetIdempotencyKey(ctx, key); err != nil {
		s.log.Warnf("idempotency commit cache write failed: %v", err)
	}
}

// Release undoes a reservation after a failed ledger write, keeping the
// reservation and persistence consistent.
func (s *Store) Release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.repo.ReleaseIdempotencyKey(ctx, key); err != nil {
		s.log.Warnf("idempotency release failed: %v", err)
	}
}
