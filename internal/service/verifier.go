package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mtehrani/payment-service/internal/gateway"
	"github.com/mtehrani/payment-service/internal/idempotency"
	"github.com/mtehrani/payment-service/internal/model"
	"github.com/mtehrani/payment-service/internal/payerr"
	"github.com/mtehrani/payment-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// VerifyOutcome is the caller-facing verification result.
type VerifyOutcome struct {
	Status       string
	PaymentID    uuid.UUID
	RefID        string
	TrackingCode string
	Message      string
}

// Verifier drives the pending -> completed state machine against the
// gateway. Verification is idempotent: a completed transaction
// short-circuits before any gateway call, and the ledger flip is a
// compare-and-set so concurrent first-time verifications cannot both
// win.
type Verifier struct {
	repo     repo.RepositoryInterface
	gateways *gateway.Registry
	idem     *idempotency.Store
	log      *zap.SugaredLogger
}

func NewVerifier(r repo.RepositoryInterface, gw *gateway.Registry, idem *idempotency.Store, logger *zap.SugaredLogger) *Verifier {
	return &Verifier{repo: r, gateways: gw, idem: idem, log: logger}
}

func (v *Verifier) Verify(ctx context.Context, paymentID uuid.UUID, callbackData map[string]interface{}, idemKey string) (*VerifyOutcome, error) {
	t, err := v.repo.GetTransaction(ctx, paymentID)
	if err != nil {
		if errors.Is(err, payerr.ErrNotFound) {
			return nil, payerr.Invalid("transaction not found: %s", paymentID)
		}
		return nil, err
	}

	if t.IsDone {
		v.log.Warnw("transaction already verified", "transaction_id", paymentID)
		return alreadyVerified(t), nil
	}

	// The reservation is released on every non-success outcome so the
	// caller can retry with the same key; only a successful
	// verification consumes it.
	if idemKey != "" {
		reserved, err := v.idem.Reserve(ctx, idemKey)
		if err != nil {
			return nil, err
		}
		if !reserved {
			return nil, fmt.Errorf("%w: verification key %q already used",
				payerr.ErrDuplicateTransaction, idemKey)
		}
	}

	release := func() {
		if idemKey != "" {
			v.idem.Release(ctx, idemKey)
		}
	}

	authority := callbackAuthority(callbackData)
	if authority == "" && t.AuthorityCode != nil {
		authority = *t.AuthorityCode
	}
	if authority == "" {
		release()
		return nil, payerr.Invalid("authority code not found in callback data")
	}

	gw, err := v.gateways.Get(t.GatewayID)
	if err != nil {
		release()
		return nil, err
	}

	result, err := gw.VerifyPayment(ctx, authority, t.Amount)
	if err != nil {
		// transport-level fault; transaction stays pending and the
		// caller may retry
		release()
		return nil, err
	}

	oldStatus := t.Status()

	// Success is strictly status==success AND paid==true.
	if result.Status == gateway.VerifySuccess && result.Paid {
		return v.complete(ctx, t, oldStatus, result, idemKey)
	}

	if result.Status == gateway.VerifyAlreadyVerified {
		release()
		return &VerifyOutcome{
			Status:    gateway.VerifyAlreadyVerified,
			PaymentID: t.ID,
			Message:   orDefault(result.Message, "payment already verified"),
		}, nil
	}

	// failed / error / success-without-paid: audit the attempt, leave
	// the flags untouched, surface a VerificationError
	evt := &model.TransactionEvent{
		TransactionID: t.ID,
		OldStatus:     oldStatus,
		NewStatus:     model.StatusFailed,
		EventSource:   SourceVerification,
		Payload: model.JSONMap{
			"action":           "verification_failed",
			"gateway_response": rawPayload(result),
		},
	}
	release()
	if err := v.repo.AppendEventIfPending(ctx, evt); err != nil {
		if errors.Is(err, repo.ErrAlreadyCompleted) {
			// a concurrent verification completed while this one was
			// in flight; do not record failed after completed
			fresh, gerr := v.repo.GetTransaction(ctx, t.ID)
			if gerr == nil {
				return alreadyVerified(fresh), nil
			}
			return alreadyVerified(t), nil
		}
		return nil, err
	}
	v.log.Errorw("payment verification failed", "transaction_id", t.ID, "message", result.Message)
	return nil, &payerr.VerificationError{Message: orDefault(result.Message, "payment verification failed")}
}

// complete flips is_done, invalidates caches and appends the audit row
// in one atomic unit. A concurrent winner surfaces as already_verified.
func (v *Verifier) complete(ctx context.Context, t *model.Transaction, oldStatus string, result *gateway.VerifyResult, idemKey string) (*VerifyOutcome, error) {
	completed := *t
	completed.IsDone = true
	newStatus := completed.Status()

	err := v.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := v.repo.MarkCompleted(ctx, tx, t.ID, result.RefID); err != nil {
			return err
		}
		evt := &model.TransactionEvent{
			TransactionID: t.ID,
			OldStatus:     oldStatus,
			NewStatus:     newStatus,
			EventSource:   SourceVerification,
			Payload: model.JSONMap{
				"action":           "payment_verified",
				"ref_id":           result.RefID,
				"gateway_response": rawPayload(result),
			},
		}
		if err := v.repo.AppendEvent(ctx, tx, evt); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"transaction_id": t.ID.String(),
			"order_id":       t.OrderID,
			"ref_id":         result.RefID,
			"amount":         t.Amount,
		})
		outbox := &model.OutboxEvent{
			Aggregate: "Transaction", AggregateID: t.ID.String(),
			EventType: "PaymentVerified", Payload: string(payload),
		}
		return v.repo.CreateOutboxEvent(ctx, tx, outbox)
	})
	if err != nil {
		if idemKey != "" {
			v.idem.Release(ctx, idemKey)
		}
		if errors.Is(err, repo.ErrAlreadyCompleted) {
			// another verification won the compare-and-set
			fresh, gerr := v.repo.GetTransaction(ctx, t.ID)
			if gerr == nil {
				return alreadyVerified(fresh), nil
			}
			return alreadyVerified(t), nil
		}
		return nil, err
	}

	if err := v.repo.RemoveTransactionCache(ctx, t.ID); err != nil {
		v.log.Warnf("remove transaction cache: %v", err)
	}
	if err := v.repo.SetTransactionState(ctx, t.ID, "paid"); err != nil {
		v.log.Warnf("set transaction state: %v", err)
	}
	if idemKey != "" {
		v.idem.Commit(ctx, idemKey)
	}

	v.log.Infow("payment verified", "transaction_id", t.ID, "ref_id", result.RefID)

	return &VerifyOutcome{
		Status:       gateway.VerifySuccess,
		PaymentID:    t.ID,
		RefID:        result.RefID,
		TrackingCode: result.RefID,
		Message:      "payment verified successfully",
	}, nil
}

func alreadyVerified(t *model.Transaction) *VerifyOutcome {
	out := &VerifyOutcome{
		Status:    gateway.VerifyAlreadyVerified,
		PaymentID: t.ID,
		Message:   "transaction already verified",
	}
	if t.RefID != nil {
		out.RefID = *t.RefID
	}
	return out
}

func callbackAuthority(data map[string]interface{}) string {
	for _, key := range []string{"Authority", "authority", "authority_code"} {
		if v, ok := data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func rawPayload(result *gateway.VerifyResult) map[string]interface{} {
	raw := map[string]interface{}{
		"normalized_status": result.Status,
		"paid":              result.Paid,
		"message":           result.Message,
	}
	for k, v := range result.Raw {
		raw[k] = v
	}
	return raw
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
