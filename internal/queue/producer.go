package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
)

// Enqueuer is the slice of asynq.Client the producer needs; split out so
// tests can enqueue into a recorder instead of Redis.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Producer enqueues pipeline jobs and keeps the run's pending counter in
// step with them. The counter is reserved before enqueueing so a worker
// finishing instantly can never observe a drained run too early.
type Producer struct {
	client  Enqueuer
	tracker catalog.RunTracker
	logger  *zap.Logger
}

// NewProducer constructs a Producer.
func NewProducer(client Enqueuer, tracker catalog.RunTracker, logger *zap.Logger) *Producer {
	return &Producer{client: client, tracker: tracker, logger: logger}
}

// RootDiscoveryTaskID returns the idempotency key for a run's root
// discovery job.
func RootDiscoveryTaskID(runID int64) string {
	return fmt.Sprintf("crawl-categories-%d", runID)
}

// ReconcileTaskID returns the idempotency key for a run's reconciliation
// job.
func ReconcileTaskID(runID int64) string {
	return fmt.Sprintf("reconcile-%d", runID)
}

// EnqueueRootDiscovery starts a run's crawl. Enqueueing twice for the same
// run is a no-op thanks to the task id.
func (p *Producer) EnqueueRootDiscovery(ctx context.Context, runID, contextID int64) error {
	return p.EnqueueRootDiscoveryIn(ctx, runID, contextID, 0)
}

// EnqueueRootDiscoveryIn queues the kickoff with a processing delay. The
// scheduler staggers merchant starts this way instead of sleeping on its
// own single-file queue.
func (p *Producer) EnqueueRootDiscoveryIn(ctx context.Context, runID, contextID int64, delay time.Duration) error {
	data, err := Marshal(RootDiscoveryPayload{RunID: ID(runID), ContextID: ID(contextID)})
	if err != nil {
		return err
	}
	if _, err := p.tracker.AddPending(ctx, runID, 1); err != nil {
		return fmt.Errorf("reserve pending for run %d: %w", runID, err)
	}
	opts := []asynq.Option{
		asynq.Queue(QueueCatalogRun),
		asynq.MaxRetry(0),
		asynq.TaskID(RootDiscoveryTaskID(runID)),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err = p.client.EnqueueContext(ctx, asynq.NewTask(TypeRootDiscovery, data), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			// Already enqueued for this run; release the reservation.
			if _, derr := p.tracker.DonePending(ctx, runID); derr != nil {
				p.logger.Warn("failed to release pending after duplicate enqueue",
					zap.Int64("run_id", runID), zap.Error(derr))
			}
			return nil
		}
		p.rollbackPending(ctx, runID, 1)
		return fmt.Errorf("enqueue root discovery for run %d: %w", runID, err)
	}
	return nil
}

// EnqueueCategoryPage queues one category listing page.
func (p *Producer) EnqueueCategoryPage(ctx context.Context, payload CategoryCrawlPayload) error {
	data, err := Marshal(payload)
	if err != nil {
		return err
	}
	runID := payload.RunID.Int64()
	if _, err := p.tracker.AddPending(ctx, runID, 1); err != nil {
		return fmt.Errorf("reserve pending for run %d: %w", runID, err)
	}
	_, err = p.client.EnqueueContext(ctx, asynq.NewTask(TypeCategoryCrawl, data),
		asynq.Queue(QueueCategoryCrawl),
		asynq.MaxRetry(2),
	)
	if err != nil {
		p.rollbackPending(ctx, runID, 1)
		return fmt.Errorf("enqueue category page for run %d: %w", runID, err)
	}
	return nil
}

// EnqueueProducts queues a batch of product fetches, reserving all of them
// on the pending counter up front.
func (p *Producer) EnqueueProducts(ctx context.Context, payloads []ProductFetchPayload) error {
	if len(payloads) == 0 {
		return nil
	}
	runID := payloads[0].RunID.Int64()
	if _, err := p.tracker.AddPending(ctx, runID, int64(len(payloads))); err != nil {
		return fmt.Errorf("reserve pending for run %d: %w", runID, err)
	}
	var enqueued int64
	for _, payload := range payloads {
		data, err := Marshal(payload)
		if err != nil {
			p.rollbackPending(ctx, runID, int64(len(payloads))-enqueued)
			return err
		}
		_, err = p.client.EnqueueContext(ctx, asynq.NewTask(TypeProductFetch, data),
			asynq.Queue(QueueProductFetch),
			asynq.MaxRetry(2),
		)
		if err != nil {
			p.rollbackPending(ctx, runID, int64(len(payloads))-enqueued)
			return fmt.Errorf("enqueue product fetch for run %d: %w", runID, err)
		}
		enqueued++
	}
	return nil
}

// EnqueueReconciliation queues the close-out job for a drained run.
// Reconciliation is not counted as pending; the run has already drained
// when it is scheduled.
func (p *Producer) EnqueueReconciliation(ctx context.Context, runID, contextID int64) error {
	data, err := Marshal(ReconcilePayload{RunID: ID(runID), ContextID: ID(contextID)})
	if err != nil {
		return err
	}
	_, err = p.client.EnqueueContext(ctx, asynq.NewTask(TypeReconcile, data),
		asynq.Queue(QueueReconciliation),
		asynq.MaxRetry(1),
		asynq.TaskID(ReconcileTaskID(runID)),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue reconciliation for run %d: %w", runID, err)
	}
	return nil
}

func (p *Producer) rollbackPending(ctx context.Context, runID, n int64) {
	if _, err := p.tracker.AddPending(ctx, runID, -n); err != nil {
		p.logger.Warn("failed to roll back pending reservation",
			zap.Int64("run_id", runID),
			zap.Int64("count", n),
			zap.Error(err),
		)
	}
}
