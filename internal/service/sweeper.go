package service

import (
	"context"
	"time"

	"github.com/mtehrani/payment-service/internal/repo"
	"go.uber.org/zap"
)

const (
	sweepBatchSize = 500
	stateExpired   = "expired"
)

// Sweeper flags pending transactions older than the age threshold for
// manual follow-up. Flags are left untouched; the transient redis state
// is set to "expired" so operators can alert on it.
type Sweeper struct {
	repo repo.RepositoryInterface
	age  time.Duration
	log  *zap.SugaredLogger
}

func NewSweeper(r repo.RepositoryInterface, age time.Duration, logger *zap.SugaredLogger) *Sweeper {
	if age <= 0 {
		age = 24 * time.Hour
	}
	return &Sweeper{repo: r, age: age, log: logger}
}

// Sweep returns how many stale pending transactions were flagged.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.age)
	stale, err := s.repo.ListStalePending(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	flagged := 0
	for i := range stale {
		t := &stale[i]
		if state, err := s.repo.GetTransactionState(ctx, t.ID); err == nil && state == stateExpired {
			// already flagged on a previous sweep
			continue
		}
		if err := s.repo.SetTransactionState(ctx, t.ID, stateExpired); err != nil {
			s.log.Warnf("flag stale transaction %s: %v", t.ID, err)
		}
		s.log.Warnw("stale pending transaction",
			"transaction_id", t.ID, "order_id", t.OrderID,
			"age", time.Since(t.CreatedAt).Round(time.Minute))
		flagged++
	}
	if flagged > 0 {
		s.log.Infof("flagged %d stale pending transactions", flagged)
	}
	return flagged, nil
}
