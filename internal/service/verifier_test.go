package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mtehrani/payment-service/internal/gateway"
	"github.com/mtehrani/payment-service/internal/model"
	"github.com/mtehrani/payment-service/internal/payerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createPending(t *testing.T, env *testEnv) uuid.UUID {
	t.Helper()
	result, err := env.svc.CreatePayment(env.ctx, sampleInput())
	require.NoError(t, err)
	return result.PaymentID
}

func eventCount(env *testEnv, id uuid.UUID) int64 {
	var count int64
	env.repo.DB(env.ctx).Model(&model.TransactionEvent{}).
		Where("transaction_id = ?", id).Count(&count)
	return count
}

func TestVerify_Success(t *testing.T) {
	env := newTestEnv(t)
	id := createPending(t, env)

	outcome, err := env.verifier.Verify(env.ctx, id, map[string]interface{}{"Authority": "A123"}, "")
	require.NoError(t, err)
	assert.Equal(t, gateway.VerifySuccess, outcome.Status)
	assert.Equal(t, "R999", outcome.RefID)
	assert.Equal(t, "R999", outcome.TrackingCode)

	row, err := env.repo.GetTransaction(env.ctx, id)
	require.NoError(t, err)
	assert.True(t, row.IsDone)
	assert.Equal(t, model.StatusCompleted, row.Status())
	require.NotNil(t, row.RefID)
	assert.Equal(t, "R999", *row.RefID)

	// creation event + exactly one completed transition event
	var events []model.TransactionEvent
	require.NoError(t, env.repo.DB(env.ctx).
		Where("transaction_id = ?", id).Order("id").Find(&events).Error)
	require.Len(t, events, 2)
	assert.Equal(t, model.StatusPending, events[1].OldStatus)
	assert.Equal(t, model.StatusCompleted, events[1].NewStatus)
	assert.Equal(t, SourceVerification, events[1].EventSource)
}

func TestVerify_SecondCallShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	id := createPending(t, env)

	_, err := env.verifier.Verify(env.ctx, id, map[string]interface{}{"Authority": "A123"}, "")
	require.NoError(t, err)
	countAfterFirst := eventCount(env, id)

	gatewayCalls := 0
	env.gw.verifyFn = func(string, int64) (*gateway.VerifyResult, error) {
		gatewayCalls++
		return &gateway.VerifyResult{Status: gateway.VerifySuccess, Paid: true, RefID: "R999"}, nil
	}

	for i := 0; i < 2; i++ {
		outcome, err := env.verifier.Verify(env.ctx, id, map[string]interface{}{}, "")
		require.NoError(t, err)
		assert.Equal(t, gateway.VerifyAlreadyVerified, outcome.Status)
		assert.Equal(t, "R999", outcome.RefID)
	}

	assert.Equal(t, 0, gatewayCalls, "no gateway call after completion")
	assert.Equal(t, countAfterFirst, eventCount(env, id), "no extra events after completion")
}

func TestVerify_SuccessWithoutPaidIsFailure(t *testing.T) {
	env := newTestEnv(t)
	id := createPending(t, env)

	env.gw.verifyFn = func(string, int64) (*gateway.VerifyResult, error) {
		return &gateway.VerifyResult{Status: gateway.VerifySuccess, Paid: false, Message: "not settled"}, nil
	}

	_, err := env.verifier.Verify(env.ctx, id, map[string]interface{}{"Authority": "A123"}, "")
	var ve *payerr.VerificationError
	require.ErrorAs(t, err, &ve)

	row, _ := env.repo.GetTransaction(env.ctx, id)
	assert.False(t, row.IsDone)
	assert.Equal(t, model.StatusPending, row.Status())

	var events []model.TransactionEvent
	env.repo.DB(env.ctx).Where("transaction_id = ?", id).Order("id").Find(&events)
	require.Len(t, events, 2)
	assert.Equal(t, model.StatusFailed, events[1].NewStatus)
}

func TestVerify_ProviderAlreadyVerified(t *testing.T) {
	env := newTestEnv(t)
	id := createPending(t, env)

	env.gw.verifyFn = func(string, int64) (*gateway.VerifyResult, error) {
		return &gateway.VerifyResult{Status: gateway.VerifyAlreadyVerified, Message: "code 101"}, nil
	}

	outcome, err := env.verifier.Verify(env.ctx, id, map[string]interface{}{"Authority": "A123"}, "")
	require.NoError(t, err)
	assert.Equal(t, gateway.VerifyAlreadyVerified, outcome.Status)

	// no ledger mutation and no new event
	row, _ := env.repo.GetTransaction(env.ctx, id)
	assert.False(t, row.IsDone)
	assert.Equal(t, int64(1), eventCount(env, id))
}

func TestVerify_TransientGatewayError(t *testing.T) {
	env := newTestEnv(t)
	id := createPending(t, env)

	env.gw.verifyFn = func(string, int64) (*gateway.VerifyResult, error) {
		return nil, &payerr.GatewayError{Code: "TIMEOUT", Message: "timeout", Retryable: true}
	}

	_, err := env.verifier.Verify(env.ctx, id, map[string]interface{}{"Authority": "A123"}, "")
	require.Error(t, err)
	assert.True(t, payerr.IsRetryable(err))

	// stays pending, nothing audited for a transport fault
	row, _ := env.repo.GetTransaction(env.ctx, id)
	assert.False(t, row.IsDone)
	assert.Equal(t, int64(1), eventCount(env, id))
}

func TestVerify_FailureAfterConcurrentCompletion(t *testing.T) {
	env := newTestEnv(t)
	id := createPending(t, env)

	env.gw.verifyFn = func(string, int64) (*gateway.VerifyResult, error) {
		// another verification wins while this one is in flight
		require.NoError(t, env.repo.MarkCompleted(env.ctx, env.repo.DB(env.ctx), id, "R1"))
		return &gateway.VerifyResult{Status: gateway.VerifyFailed, Message: "declined"}, nil
	}

	outcome, err := env.verifier.Verify(env.ctx, id, map[string]interface{}{"Authority": "A123"}, "")
	require.NoError(t, err)
	assert.Equal(t, gateway.VerifyAlreadyVerified, outcome.Status)
	assert.Equal(t, "R1", outcome.RefID)

	// no failed event lands after the completed transition
	var events []model.TransactionEvent
	env.repo.DB(env.ctx).Where("transaction_id = ?", id).Find(&events)
	for _, e := range events {
		assert.NotEqual(t, model.StatusFailed, e.NewStatus)
	}
}

func TestVerify_UnknownTransaction(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.verifier.Verify(env.ctx, uuid.New(), map[string]interface{}{}, "")
	var inv *payerr.InvalidTransactionError
	assert.ErrorAs(t, err, &inv)
}

func TestVerify_FallsBackToStoredAuthority(t *testing.T) {
	env := newTestEnv(t)
	id := createPending(t, env)

	var seen string
	env.gw.verifyFn = func(authority string, _ int64) (*gateway.VerifyResult, error) {
		seen = authority
		return &gateway.VerifyResult{Status: gateway.VerifySuccess, Paid: true, RefID: "R1"}, nil
	}

	_, err := env.verifier.Verify(env.ctx, id, map[string]interface{}{}, "")
	require.NoError(t, err)
	assert.Equal(t, "A123", seen)
}

func TestVerify_IdempotencyKeyRejectsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	id := createPending(t, env)
	other := uuid.New()
	require.NoError(t, env.repo.DB(env.ctx).Create(&model.Transaction{
		ID: other, OrderID: "ORD-2", UserID: uuid.New(),
		GatewayID: model.GatewayZarinpal, Amount: 5000, Currency: "IRR",
	}).Error)

	idemPrefix := "payment:idempotency:"
	env.redis.ExpectExists(idemPrefix + "kv").SetVal(0)
	env.redis.ExpectSet(idemPrefix+"kv", "1", time.Hour).SetVal("OK")
	env.redis.ExpectDel("payment:transaction:" + id.String()).SetVal(1)
	env.redis.ExpectSet("payment:state:"+id.String(), "paid", time.Hour).SetVal("OK")
	env.redis.ExpectSet(idemPrefix+"kv", "1", time.Hour).SetVal("OK")
	env.redis.ExpectExists(idemPrefix + "kv").SetVal(1)

	_, err := env.verifier.Verify(env.ctx, id, map[string]interface{}{"Authority": "A123"}, "kv")
	require.NoError(t, err)

	_, err = env.verifier.Verify(env.ctx, other, map[string]interface{}{"Authority": "A999"}, "kv")
	assert.ErrorIs(t, err, payerr.ErrDuplicateTransaction)
}

func TestRetryRunner_RetriesOnlyTransientFaults(t *testing.T) {
	env := newTestEnv(t)
	id := createPending(t, env)

	attempts := 0
	env.gw.verifyFn = func(string, int64) (*gateway.VerifyResult, error) {
		attempts++
		if attempts < 3 {
			return nil, &payerr.GatewayError{Code: "TIMEOUT", Message: "timeout", Retryable: true}
		}
		return &gateway.VerifyResult{Status: gateway.VerifySuccess, Paid: true, RefID: "R42"}, nil
	}

	log := env.verifier.log
	runner := NewRetryRunner(env.verifier, 3, time.Millisecond, log)
	outcome, err := runner.Run(env.ctx, id, map[string]interface{}{"Authority": "A123"}, "")
	require.NoError(t, err)
	assert.Equal(t, gateway.VerifySuccess, outcome.Status)
	assert.Equal(t, 3, attempts)
}

func TestRetryRunner_DoesNotRetryVerificationError(t *testing.T) {
	env := newTestEnv(t)
	id := createPending(t, env)

	attempts := 0
	env.gw.verifyFn = func(string, int64) (*gateway.VerifyResult, error) {
		attempts++
		return &gateway.VerifyResult{Status: gateway.VerifyFailed, Message: "declined"}, nil
	}

	runner := NewRetryRunner(env.verifier, 3, time.Millisecond, env.verifier.log)
	_, err := runner.Run(env.ctx, id, map[string]interface{}{"Authority": "A123"}, "")
	var ve *payerr.VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 1, attempts)
}

func TestRetryRunner_ExhaustionReturnsLastError(t *testing.T) {
	env := newTestEnv(t)
	id := createPending(t, env)

	attempts := 0
	env.gw.verifyFn = func(string, int64) (*gateway.VerifyResult, error) {
		attempts++
		return nil, &payerr.GatewayError{Code: "TIMEOUT", Message: "timeout", Retryable: true}
	}

	runner := NewRetryRunner(env.verifier, 3, time.Millisecond, env.verifier.log)
	_, err := runner.Run(env.ctx, id, map[string]interface{}{"Authority": "A123"}, "")
	require.Error(t, err)
	assert.True(t, payerr.IsRetryable(err))
	assert.Equal(t, 3, attempts)
}
