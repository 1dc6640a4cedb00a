package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/mtehrani/payment-service/internal/gateway"
	"github.com/mtehrani/payment-service/internal/idempotency"
	"github.com/mtehrani/payment-service/internal/logger"
	"github.com/mtehrani/payment-service/internal/model"
	"github.com/mtehrani/payment-service/internal/payerr"
	"github.com/mtehrani/payment-service/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// fakeGateway lets tests script provider responses.
type fakeGateway struct {
	createFn func(gateway.CreateRequest) (*gateway.CreateResult, error)
	verifyFn func(authority string, amount int64) (*gateway.VerifyResult, error)
}

func (f *fakeGateway) CreatePayment(_ context.Context, req gateway.CreateRequest) (*gateway.CreateResult, error) {
	return f.createFn(req)
}

func (f *fakeGateway) VerifyPayment(_ context.Context, authority string, amount int64) (*gateway.VerifyResult, error) {
	return f.verifyFn(authority, amount)
}

func (f *fakeGateway) DefaultCallbackURL() string { return "https://example.com/cb" }

type testEnv struct {
	svc      *TransactionService
	verifier *Verifier
	repo     *repo.Repository
	gw       *fakeGateway
	redis    redismock.ClientMock
	ctx      context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Transaction{}, &model.TransactionEvent{}, &model.OutboxEvent{}))

	rdb, mock := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, nil, log, time.Hour, time.Hour)
	idem := idempotency.NewStore(repository, log)

	gw := &fakeGateway{
		createFn: func(gateway.CreateRequest) (*gateway.CreateResult, error) {
			return &gateway.CreateResult{AuthorityCode: "A123", RedirectURL: "https://pay/A123"}, nil
		},
		verifyFn: func(string, int64) (*gateway.VerifyResult, error) {
			return &gateway.VerifyResult{Status: gateway.VerifySuccess, Paid: true, RefID: "R999"}, nil
		},
	}
	registry := gateway.NewRegistry()
	registry.Register(model.GatewayZarinpal, gw)

	return &testEnv{
		svc:      NewTransactionService(repository, registry, idem, log),
		verifier: NewVerifier(repository, registry, idem, log),
		repo:     repository,
		gw:       gw,
		redis:    mock,
		ctx:      context.Background(),
	}
}

func sampleInput() CreatePaymentInput {
	return CreatePaymentInput{
		OrderID:        "ORD-1",
		UserID:         uuid.New(),
		GatewayID:      model.GatewayZarinpal,
		Amount:         150000,
		Currency:       "IRR",
		Description:    "test order",
		IdempotencyKey: "k1",
	}
}

func TestCreatePayment_Success(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.svc.CreatePayment(env.ctx, sampleInput())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, result.PaymentID)
	assert.Equal(t, "https://pay/A123", result.RedirectURL)
	assert.Equal(t, "A123", result.AuthorityCode)

	row, err := env.repo.GetTransaction(env.ctx, result.PaymentID)
	require.NoError(t, err)
	assert.False(t, row.IsDone)
	assert.Equal(t, model.StatusPending, row.Status())
	assert.Equal(t, int64(150000), row.Amount)
	require.NotNil(t, row.AuthorityCode)
	assert.Equal(t, "A123", *row.AuthorityCode)
	require.NotNil(t, row.IdempotencyKey)
	assert.Equal(t, "k1", *row.IdempotencyKey)

	var events []model.TransactionEvent
	require.NoError(t, env.repo.DB(env.ctx).Where("transaction_id = ?", row.ID).Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].OldStatus)
	assert.Equal(t, "created", events[0].NewStatus)
	assert.Equal(t, SourceGateway, events[0].EventSource)

	var outbox []model.OutboxEvent
	require.NoError(t, env.repo.DB(env.ctx).Find(&outbox).Error)
	require.Len(t, outbox, 1)
	assert.Equal(t, "TransactionCreated", outbox[0].EventType)
}

func TestCreatePayment_DuplicateKey(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.svc.CreatePayment(env.ctx, sampleInput())
	require.NoError(t, err)

	_, err = env.svc.CreatePayment(env.ctx, sampleInput())
	assert.ErrorIs(t, err, payerr.ErrDuplicateTransaction)
	assert.Contains(t, err.Error(), first.PaymentID.String())

	var count int64
	env.repo.DB(env.ctx).Model(&model.Transaction{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestCreatePayment_DerivedKeyCollision(t *testing.T) {
	env := newTestEnv(t)

	in := sampleInput()
	in.IdempotencyKey = ""
	_, err := env.svc.CreatePayment(env.ctx, in)
	require.NoError(t, err)

	// same (order, amount, gateway) without an explicit key collides
	_, err = env.svc.CreatePayment(env.ctx, in)
	assert.ErrorIs(t, err, payerr.ErrDuplicateTransaction)
}

func TestCreatePayment_InvalidAmount(t *testing.T) {
	env := newTestEnv(t)

	in := sampleInput()
	in.Amount = 0
	_, err := env.svc.CreatePayment(env.ctx, in)

	var inv *payerr.InvalidTransactionError
	assert.ErrorAs(t, err, &inv)

	// no ledger row, no event, and the key was never reserved
	var count int64
	env.repo.DB(env.ctx).Model(&model.Transaction{}).Count(&count)
	assert.Equal(t, int64(0), count)
	env.repo.DB(env.ctx).Model(&model.TransactionEvent{}).Count(&count)
	assert.Equal(t, int64(0), count)

	in.Amount = 150000
	_, err = env.svc.CreatePayment(env.ctx, in)
	assert.NoError(t, err)
}

func TestCreatePayment_InvalidGateway(t *testing.T) {
	env := newTestEnv(t)

	in := sampleInput()
	in.GatewayID = model.GatewayType(9)
	_, err := env.svc.CreatePayment(env.ctx, in)

	var inv *payerr.InvalidTransactionError
	assert.ErrorAs(t, err, &inv)
}

func TestCreatePayment_GatewayError_ReleasesReservation(t *testing.T) {
	env := newTestEnv(t)

	env.gw.createFn = func(gateway.CreateRequest) (*gateway.CreateResult, error) {
		return nil, &payerr.GatewayError{Code: "TIMEOUT", Message: "request timeout", Retryable: true}
	}
	_, err := env.svc.CreatePayment(env.ctx, sampleInput())
	var ge *payerr.GatewayError
	require.ErrorAs(t, err, &ge)

	var count int64
	env.repo.DB(env.ctx).Model(&model.Transaction{}).Count(&count)
	assert.Equal(t, int64(0), count)

	// the key must be reusable after the failed attempt
	env.gw.createFn = func(gateway.CreateRequest) (*gateway.CreateResult, error) {
		return &gateway.CreateResult{AuthorityCode: "A124", RedirectURL: "https://pay/A124"}, nil
	}
	_, err = env.svc.CreatePayment(env.ctx, sampleInput())
	assert.NoError(t, err)
}

func TestCreatePayment_MissingAuthority(t *testing.T) {
	env := newTestEnv(t)

	env.gw.createFn = func(gateway.CreateRequest) (*gateway.CreateResult, error) {
		return &gateway.CreateResult{RedirectURL: "https://pay/x"}, nil
	}
	_, err := env.svc.CreatePayment(env.ctx, sampleInput())

	var ge *payerr.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "MISSING_AUTHORITY", ge.Code)
}

func TestGetTransactionStatus(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.GetTransactionStatus(env.ctx, "not-a-uuid")
	var inv *payerr.InvalidTransactionError
	assert.ErrorAs(t, err, &inv)

	_, err = env.svc.GetTransactionStatus(env.ctx, uuid.NewString())
	assert.True(t, errors.Is(err, payerr.ErrNotFound))

	created, err := env.svc.CreatePayment(env.ctx, sampleInput())
	require.NoError(t, err)
	row, err := env.svc.GetTransactionStatus(env.ctx, created.PaymentID.String())
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", row.OrderID)
}

func TestGetTransactionStatus_CacheFirst(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.svc.CreatePayment(env.ctx, sampleInput())
	require.NoError(t, err)
	id := created.PaymentID

	env.redis.ExpectHGetAll("payment:transaction:" + id.String()).SetVal(map[string]string{
		"id":              id.String(),
		"order_id":        "ORD-CACHED",
		"user_id":         uuid.NewString(),
		"gateway_id":      "1",
		"amount":          "150000",
		"currency":        "IRR",
		"authority_code":  "A123",
		"ref_id":          "",
		"is_done":         "false",
		"is_added_wallet": "false",
		"is_refund":       "false",
		"created_at":      time.Now().UTC().Format(time.RFC3339),
	})

	row, err := env.svc.GetTransactionStatus(env.ctx, id.String())
	require.NoError(t, err)
	assert.Equal(t, "ORD-CACHED", row.OrderID, "cache tier answers before the ledger")
	require.NotNil(t, row.AuthorityCode)
	assert.Equal(t, "A123", *row.AuthorityCode)
	assert.Nil(t, row.RefID)
	assert.NoError(t, env.redis.ExpectationsWereMet())
}

func TestGetTransactionStatus_MalformedCacheFallsBack(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.svc.CreatePayment(env.ctx, sampleInput())
	require.NoError(t, err)
	id := created.PaymentID

	env.redis.ExpectHGetAll("payment:transaction:" + id.String()).
		SetVal(map[string]string{"id": "not-a-uuid"})

	row, err := env.svc.GetTransactionStatus(env.ctx, id.String())
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", row.OrderID, "the ledger stays authoritative")
}
