package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VerifyJob is one queued verification request.
type VerifyJob struct {
	PaymentID      uuid.UUID
	CallbackData   map[string]interface{}
	IdempotencyKey string
}

// VerifyQueue runs verifications on a fixed worker pool, decoupled from
// the request path. Enqueue is fire-and-forget; the gateway callback
// remains the authoritative reconciliation mechanism.
type VerifyQueue struct {
	jobs    chan VerifyJob
	runner  *RetryRunner
	workers int
	log     *zap.SugaredLogger
	wg      sync.WaitGroup
}

func NewVerifyQueue(runner *RetryRunner, workers, buffer int, logger *zap.SugaredLogger) *VerifyQueue {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &VerifyQueue{
		jobs:    make(chan VerifyJob, buffer),
		runner:  runner,
		workers: workers,
		log:     logger,
	}
}

func (q *VerifyQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

func (q *VerifyQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			if _, err := q.runner.Run(ctx, job.PaymentID, job.CallbackData, job.IdempotencyKey); err != nil {
				q.log.Errorw("async verification failed",
					"transaction_id", job.PaymentID, "error", err)
			}
		}
	}
}

// Enqueue returns false when the queue is full.
func (q *VerifyQueue) Enqueue(job VerifyJob) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop drains workers. Call after the server stops accepting requests.
func (q *VerifyQueue) Stop() {
	close(q.jobs)
	q.wg.Wait()
}
