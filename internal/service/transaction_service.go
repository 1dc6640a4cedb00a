package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mtehrani/payment-service/internal/gateway"
	"github.com/mtehrani/payment-service/internal/idempotency"
	"github.com/mtehrani/payment-service/internal/model"
	"github.com/mtehrani/payment-service/internal/payerr"
	"github.com/mtehrani/payment-service/internal/repo"
	"github.com/mtehrani/payment-service/internal/signing"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Event sources recorded on audit rows.
const (
	SourceGateway      = "payment_gateway"
	SourceVerification = "payment_verification"
)

// TransactionService orchestrates payment creation and status lookup.
type TransactionService struct {
	repo     repo.RepositoryInterface
	gateways *gateway.Registry
	idem     *idempotency.Store
	log      *zap.SugaredLogger
}

func NewTransactionService(r repo.RepositoryInterface, gw *gateway.Registry, idem *idempotency.Store, logger *zap.SugaredLogger) *TransactionService {
	return &TransactionService{repo: r, gateways: gw, idem: idem, log: logger}
}

type CreatePaymentInput struct {
	OrderID        string
	UserID         uuid.UUID
	GatewayID      model.GatewayType
	Amount         int64
	Currency       string
	Description    string
	CallbackURL    string
	IdempotencyKey string
	Metadata       map[string]interface{}
}

type CreatePaymentResult struct {
	PaymentID     uuid.UUID
	RedirectURL   string
	AuthorityCode string
}

// CreatePayment opens a payment with the gateway and persists the
// pending transaction, its initial audit event and the outbox row in
// one atomic unit. The idempotency reservation is released whenever the
// ledger write does not happen, so a reserved key always corresponds to
// a persisted transaction.
func (s *TransactionService) CreatePayment(ctx context.Context, in CreatePaymentInput) (*CreatePaymentResult, error) {
	if !in.GatewayID.Valid() {
		return nil, payerr.Invalid("invalid gateway_id: %d", in.GatewayID)
	}
	if in.Amount <= 0 {
		return nil, payerr.Invalid("amount must be positive, got %d", in.Amount)
	}
	if in.Currency == "" {
		in.Currency = "IRR"
	}

	key := in.IdempotencyKey
	if key == "" {
		key = signing.IdempotencyKey(in.OrderID, in.Amount, in.GatewayID)
	}

	if err := s.idem.ValidateAndReserve(ctx, key); err != nil {
		return nil, err
	}

	gw, err := s.gateways.Get(in.GatewayID)
	if err != nil {
		s.idem.Release(ctx, key)
		return nil, err
	}

	created, err := gw.CreatePayment(ctx, gateway.CreateRequest{
		Amount:      in.Amount,
		Currency:    in.Currency,
		CallbackURL: in.CallbackURL,
		Description: in.Description,
		Metadata:    in.Metadata,
	})
	if err != nil {
		s.idem.Release(ctx, key)
		return nil, err
	}
	if created.AuthorityCode == "" {
		s.idem.Release(ctx, key)
		return nil, &payerr.GatewayError{
			Code:    "MISSING_AUTHORITY",
			Message: "gateway did not return authority code",
		}
	}

	t := &model.Transaction{
		ID:             uuid.New(),
		OrderID:        in.OrderID,
		UserID:         in.UserID,
		GatewayID:      in.GatewayID,
		Amount:         in.Amount,
		Currency:       in.Currency,
		Description:    in.Description,
		AuthorityCode:  &created.AuthorityCode,
		Meta:           in.Metadata,
		IdempotencyKey: &key,
	}

	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		evt := &model.TransactionEvent{
			TransactionID: t.ID,
			OldStatus:     "new",
			NewStatus:     "created",
			EventSource:   SourceGateway,
			Payload: model.JSONMap{
				"action":           "transaction_created",
				"gateway_response": created.Raw,
			},
		}
		if err := s.repo.AppendEvent(ctx, tx, evt); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"transaction_id": t.ID.String(),
			"order_id":       t.OrderID,
			"gateway":        t.GatewayID.String(),
			"amount":         t.Amount,
			"currency":       t.Currency,
		})
		outbox := &model.OutboxEvent{
			Aggregate: "Transaction", AggregateID: t.ID.String(),
			EventType: "TransactionCreated", Payload: string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, outbox); err != nil {
			return err
		}
		if err := s.repo.CacheTransaction(ctx, t); err != nil {
			s.log.Warnf("cache transaction: %v", err)
		}
		if err := s.repo.SetTransactionState(ctx, t.ID, model.StatusPending); err != nil {
			s.log.Warnf("set transaction state: %v", err)
		}
		return nil
	})
	if err != nil {
		s.idem.Release(ctx, key)
		return nil, err
	}

	s.idem.Commit(ctx, key)
	s.log.Infow("transaction created", "transaction_id", t.ID, "order_id", t.OrderID, "gateway", t.GatewayID.String())

	return &CreatePaymentResult{
		PaymentID:     t.ID,
		RedirectURL:   created.RedirectURL,
		AuthorityCode: created.AuthorityCode,
	}, nil
}

// GetTransactionStatus fetches a transaction by its id, cache first.
// The cache is only an accelerator for this read; a miss, error or
// malformed entry falls through to the ledger.
func (s *TransactionService) GetTransactionStatus(ctx context.Context, paymentID string) (*model.Transaction, error) {
	id, err := uuid.Parse(paymentID)
	if err != nil {
		return nil, payerr.Invalid("invalid payment_id: %s", paymentID)
	}
	if cached, err := s.repo.GetCachedTransaction(ctx, id); err == nil {
		return cached, nil
	}
	return s.repo.GetTransaction(ctx, id)
}

// Repo exposes underlying repository (unit tests helper).
func (s *TransactionService) Repo() repo.RepositoryInterface {
	return s.repo
}
