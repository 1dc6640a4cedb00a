package service

import (
	"testing"
	"time"

	"github.com/mtehrani/payment-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backdate(t *testing.T, env *testEnv, id interface{}, age time.Duration) {
	t.Helper()
	require.NoError(t, env.repo.DB(env.ctx).Model(&model.Transaction{}).
		Where("id = ?", id).
		Update("created_at", time.Now().Add(-age)).Error)
}

func TestSweep_FlagsStalePending(t *testing.T) {
	env := newTestEnv(t)
	stale := createPending(t, env)
	backdate(t, env, stale, 48*time.Hour)

	// a fresh pending transaction stays untouched
	in := sampleInput()
	in.OrderID, in.IdempotencyKey = "ORD-2", "k2"
	_, err := env.svc.CreatePayment(env.ctx, in)
	require.NoError(t, err)

	sweeper := NewSweeper(env.repo, 24*time.Hour, env.verifier.log)
	n, err := sweeper.Sweep(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// flags stay untouched, the sweep only marks transient state
	row, err := env.repo.GetTransaction(env.ctx, stale)
	require.NoError(t, err)
	assert.False(t, row.IsDone)
	assert.Equal(t, model.StatusPending, row.Status())
}

func TestSweep_SkipsAlreadyFlagged(t *testing.T) {
	env := newTestEnv(t)
	stale := createPending(t, env)
	backdate(t, env, stale, 48*time.Hour)

	env.redis.ExpectGet("payment:state:" + stale.String()).SetVal(stateExpired)

	sweeper := NewSweeper(env.repo, 24*time.Hour, env.verifier.log)
	n, err := sweeper.Sweep(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a transaction flagged on a previous sweep is not re-counted")
	assert.NoError(t, env.redis.ExpectationsWereMet())
}
