package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mtehrani/payment-service/internal/payerr"
	"go.uber.org/zap"
)

// RetryRunner wraps Verifier.Verify in a bounded retry envelope.
// Only transport-level gateway faults are retried; invalid input and
// provider-reported verification failures are surfaced immediately.
type RetryRunner struct {
	verifier *Verifier
	attempts int
	delay    time.Duration
	log      *zap.SugaredLogger
}

func NewRetryRunner(v *Verifier, attempts int, delay time.Duration, logger *zap.SugaredLogger) *RetryRunner {
	if attempts <= 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = 60 * time.Second
	}
	return &RetryRunner{verifier: v, attempts: attempts, delay: delay, log: logger}
}

// Run retries until success, a non-retryable error, or attempt
// exhaustion. Exhaustion returns the last error.
func (r *RetryRunner) Run(ctx context.Context, paymentID uuid.UUID, callbackData map[string]interface{}, idemKey string) (*VerifyOutcome, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		out, err := r.verifier.Verify(ctx, paymentID, callbackData, idemKey)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !payerr.IsRetryable(err) {
			return nil, err
		}
		r.log.Warnw("verification attempt failed",
			"transaction_id", paymentID, "attempt", attempt, "error", err)
		if attempt == r.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.delay):
		}
	}
	return nil, lastErr
}
