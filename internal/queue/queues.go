// Package queue defines the pipeline's job queues, payloads, and
// enqueueing rules on top of asynq.
package queue

import (
	"time"

	"github.com/hibiken/asynq"
)

// Queue names. Each queue is served by its own asynq server so that
// concurrency and retry policy are independent per stage.
const (
	QueueCatalogRun     = "catalog-run"
	QueueCategoryCrawl  = "category-crawl"
	QueueProductFetch   = "product-fetch"
	QueueReconciliation = "reconciliation"
)

// Task type names routed by the worker mux.
const (
	TypeRootDiscovery = "run:discover"
	TypeCategoryCrawl = "category:crawl"
	TypeProductFetch  = "product:fetch"
	TypeReconcile     = "run:reconcile"
	// TypeScheduleSweep is the periodic trigger that opens runs for all
	// active contexts. Served on the catalog-run queue.
	TypeScheduleSweep = "run:schedule"
)

// Definition fixes one queue's concurrency and retry policy.
type Definition struct {
	Name        string
	TaskType    string
	Concurrency int
	// MaxRetry counts retries after the first attempt, so total
	// attempts = MaxRetry + 1.
	MaxRetry  int
	RetryBase time.Duration
	RetryMax  time.Duration
}

// Definitions returns the four pipeline queues. Root discovery and
// reconciliation run single file and root discovery never retries, so a
// failed run fails visibly instead of flapping.
func Definitions() []Definition {
	return []Definition{
		{Name: QueueCatalogRun, TaskType: TypeRootDiscovery, Concurrency: 1, MaxRetry: 0},
		{Name: QueueCategoryCrawl, TaskType: TypeCategoryCrawl, Concurrency: 5, MaxRetry: 2, RetryBase: 5 * time.Second, RetryMax: 5 * time.Minute},
		{Name: QueueProductFetch, TaskType: TypeProductFetch, Concurrency: 20, MaxRetry: 2, RetryBase: 3 * time.Second, RetryMax: 5 * time.Minute},
		{Name: QueueReconciliation, TaskType: TypeReconcile, Concurrency: 1, MaxRetry: 1, RetryBase: 5 * time.Second, RetryMax: 5 * time.Minute},
	}
}

// Backoff returns the retry delay function for a queue: base doubled per
// retry, capped at max. retried counts retries already consumed, so it is
// 0 when scheduling the first retry, which waits exactly base.
func Backoff(base, max time.Duration) asynq.RetryDelayFunc {
	if base <= 0 {
		base = time.Second
	}
	return func(retried int, _ error, _ *asynq.Task) time.Duration {
		if retried < 0 {
			retried = 0
		}
		delay := base
		for i := 0; i < retried; i++ {
			delay *= 2
			if max > 0 && delay >= max {
				return max
			}
		}
		if max > 0 && delay > max {
			return max
		}
		return delay
	}
}
