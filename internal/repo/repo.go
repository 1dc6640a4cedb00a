package repo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/mtehrani/payment-service/internal/model"
	"github.com/mtehrani/payment-service/internal/payerr"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAlreadyCompleted is returned when a compare-and-set on is_done
// finds the flag already raised by a concurrent verification.
var ErrAlreadyCompleted = errors.New("transaction already completed")

// Redis key prefixes.
const (
	keyTransaction = "payment:transaction:"
	keyState       = "payment:state:"
	keyIdempotency = "payment:idempotency:"
)

// RepositoryInterface restricts Repo methods (unit test mocks).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error)
	AppendEvent(ctx context.Context, tx *gorm.DB, evt *model.TransactionEvent) error
	AppendEventIfPending(ctx context.Context, evt *model.TransactionEvent) error
	MarkCompleted(ctx context.Context, tx *gorm.DB, id uuid.UUID, refID string) error
	Transition(ctx context.Context, id uuid.UUID, source string, payload model.JSONMap, mutate func(*model.Transaction) error) (*model.Transaction, error)
	MarkRefunded(ctx context.Context, id uuid.UUID, payload model.JSONMap) (*model.Transaction, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheTransaction(ctx context.Context, t *model.Transaction) error
	GetCachedTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	RemoveTransactionCache(ctx context.Context, id uuid.UUID) error
	SetTransactionState(ctx context.Context, id uuid.UUID, state string) error
	GetTransactionState(ctx context.Context, id uuid.UUID) (string, error)
	CheckIdempotency(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db             *gorm.DB
	rdb            *redis.Client
	writer         *kafka.Writer
	log            *zap.SugaredLogger
	idempotencyTTL time.Duration
	transactionTTL time.Duration
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger, idempotencyTTL, transactionTTL time.Duration) *Repository {
	if idempotencyTTL == 0 {
		idempotencyTTL = time.Hour
	}
	if transactionTTL == 0 {
		transactionTTL = time.Hour
	}
	return &Repository{
		db: db, rdb: rdb, writer: w, log: logger,
		idempotencyTTL: idempotencyTTL, transactionTTL: transactionTTL,
	}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateTransaction inserts a new ledger row. A collision on the
// idempotency_key unique index surfaces as ErrDuplicateTransaction, not
// a generic storage error.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	if t.Amount <= 0 {
		return payerr.Invalid("amount must be positive, got %d", t.Amount)
	}
	if !t.GatewayID.Valid() {
		return payerr.Invalid("unknown gateway %d", t.GatewayID)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return payerr.ErrDuplicateTransaction
		}
		return err
	}
	return nil
}

// GetTransaction fetches one row by id.
func (r *Repository) GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payerr.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// FindByIdempotencyKey looks up the ledger by unique key.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	var t model.Transaction
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payerr.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// AppendEvent writes one audit row. Events are insert-only.
func (r *Repository) AppendEvent(ctx context.Context, tx *gorm.DB, evt *model.TransactionEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// AppendEventIfPending writes the audit row only while the transaction
// is still pending. Failure paths racing a concurrent successful
// verification get ErrAlreadyCompleted instead of recording a stale
// pending->failed row after the completed transition.
func (r *Repository) AppendEventIfPending(ctx context.Context, evt *model.TransactionEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", evt.TransactionID).First(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return payerr.ErrNotFound
			}
			return err
		}
		if t.IsDone {
			return ErrAlreadyCompleted
		}
		return tx.Create(evt).Error
	})
}

// MarkCompleted flips is_done and sets ref_id as a single conditional
// update guarded on is_done=false, so concurrent first-time
// verifications of the same transaction cannot both win.
func (r *Repository) MarkCompleted(ctx context.Context, tx *gorm.DB, id uuid.UUID, refID string) error {
	res := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND is_done = ?", id, false).
		Updates(map[string]interface{}{
			"is_done":    true,
			"ref_id":     refID,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyCompleted
	}
	return nil
}

// Transition applies a status-affecting mutation and appends the
// matching event row in one atomic unit. Either both persist or neither.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, source string, payload model.JSONMap, mutate func(*model.Transaction) error) (*model.Transaction, error) {
	var out model.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return payerr.ErrNotFound
			}
			return err
		}
		oldStatus := t.Status()
		if err := mutate(&t); err != nil {
			return err
		}
		if err := tx.Save(&t).Error; err != nil {
			return err
		}
		evt := &model.TransactionEvent{
			TransactionID: t.ID,
			OldStatus:     oldStatus,
			NewStatus:     t.Status(),
			EventSource:   source,
			Payload:       payload,
		}
		if err := tx.Create(evt).Error; err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRefunded is the administrative refund path. is_refund is terminal.
func (r *Repository) MarkRefunded(ctx context.Context, id uuid.UUID, payload model.JSONMap) (*model.Transaction, error) {
	t, err := r.Transition(ctx, id, "admin_refund", payload, func(t *model.Transaction) error {
		if t.IsRefund {
			return ErrAlreadyCompleted
		}
		t.IsRefund = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := r.RemoveTransactionCache(ctx, t.ID); err != nil {
		r.log.Warnf("remove cache after refund: %v", err)
	}
	return t, nil
}

// ListStalePending returns pending transactions older than the cutoff.
func (r *Repository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("is_done = ? AND is_refund = ? AND created_at < ?", false, false, olderThan).
		Order("created_at").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheTransaction writes the transaction summary as a redis hash with
// TTL. Best effort; callers log and continue on failure.
func (r *Repository) CacheTransaction(ctx context.Context, t *model.Transaction) error {
	fields := map[string]interface{}{
		"id":              t.ID.String(),
		"order_id":        t.OrderID,
		"user_id":         t.UserID.String(),
		"gateway_id":      strconv.Itoa(int(t.GatewayID)),
		"amount":          strconv.FormatInt(t.Amount, 10),
		"currency":        t.Currency,
		"authority_code":  deref(t.AuthorityCode),
		"ref_id":          deref(t.RefID),
		"is_done":         strconv.FormatBool(t.IsDone),
		"is_added_wallet": strconv.FormatBool(t.IsAddedWallet),
		"is_refund":       strconv.FormatBool(t.IsRefund),
		"created_at":      t.CreatedAt.UTC().Format(time.RFC3339),
	}
	key := keyTransaction + t.ID.String()
	if err := r.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return err
	}
	return r.rdb.Expire(ctx, key, r.transactionTTL).Err()
}

// GetCachedTransaction reads the redis hash back into a transaction.
// Any missing or malformed field fails the read; callers fall back to
// the ledger, which stays authoritative.
func (r *Repository) GetCachedTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	fields, err := r.rdb.HGetAll(ctx, keyTransaction+id.String()).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, redis.Nil
	}
	return transactionFromFields(fields)
}

func transactionFromFields(fields map[string]string) (*model.Transaction, error) {
	id, err := uuid.Parse(fields["id"])
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(fields["user_id"])
	if err != nil {
		return nil, err
	}
	gatewayID, err := strconv.Atoi(fields["gateway_id"])
	if err != nil {
		return nil, err
	}
	amount, err := strconv.ParseInt(fields["amount"], 10, 64)
	if err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339, fields["created_at"])
	if err != nil {
		return nil, err
	}
	t := &model.Transaction{
		ID:            id,
		OrderID:       fields["order_id"],
		UserID:        userID,
		GatewayID:     model.GatewayType(gatewayID),
		Amount:        amount,
		Currency:      fields["currency"],
		IsDone:        fields["is_done"] == "true",
		IsAddedWallet: fields["is_added_wallet"] == "true",
		IsRefund:      fields["is_refund"] == "true",
		CreatedAt:     createdAt,
	}
	if v := fields["authority_code"]; v != "" {
		t.AuthorityCode = &v
	}
	if v := fields["ref_id"]; v != "" {
		t.RefID = &v
	}
	return t, nil
}

// RemoveTransactionCache invalidates the hash after a state change.
func (r *Repository) RemoveTransactionCache(ctx context.Context, id uuid.UUID) error {
	return r.rdb.Del(ctx, keyTransaction+id.String()).Err()
}

// SetTransactionState writes the transient state marker.
func (r *Repository) SetTransactionState(ctx context.Context, id uuid.UUID, state string) error {
	return r.rdb.Set(ctx, keyState+id.String(), state, r.transactionTTL).Err()
}

// GetTransactionState reads the transient state marker.
func (r *Repository) GetTransactionState(ctx context.Context, id uuid.UUID) (string, error) {
	return r.rdb.Get(ctx, keyState+id.String()).Result()
}

// CheckIdempotency reports whether the key is present in the cache tier.
func (r *Repository) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, keyIdempotency+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetIdempotencyKey reserves the key in the cache tier with TTL.
func (r *Repository) SetIdempotencyKey(ctx context.Context, key string) error {
	return r.rdb.Set(ctx, keyIdempotency+key, "1", r.idempotencyTTL).Err()
}

// ReleaseIdempotencyKey undoes a reservation whose ledger write failed,
// so the reservation never outlives a transaction that was not persisted.
func (r *Repository) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, keyIdempotency+key).Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
