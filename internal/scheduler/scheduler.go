// Package scheduler opens recurring catalog runs for every active
// merchant context.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
	"github.com/pricepulse/catalog-crawler/internal/queue"
)

// RunStarter opens and kicks off a run with a delayed first job.
// Implemented by run.Service.
type RunStarter interface {
	CreateAndStartIn(ctx context.Context, contextID int64, runType catalog.RunType, params map[string]any, delay time.Duration) (catalog.CrawlRun, error)
}

// Sweep walks all active contexts and starts a catalog run for each one,
// skipping contexts that already have one in flight. Starts are staggered
// so dozens of merchants do not hit root discovery in the same second.
type Sweep struct {
	contexts catalog.ContextStore
	runs     RunStarter
	logger   *zap.Logger
	stagger  time.Duration
}

// NewSweep constructs the sweep handler.
func NewSweep(contexts catalog.ContextStore, runs RunStarter, logger *zap.Logger, stagger time.Duration) *Sweep {
	return &Sweep{contexts: contexts, runs: runs, logger: logger, stagger: stagger}
}

// Handle runs one sweep. Conflicts and per-context errors are logged and
// skipped; one stuck merchant must not block the rest.
func (s *Sweep) Handle(ctx context.Context, _ *asynq.Task) error {
	contexts, err := s.contexts.ListActiveContexts(ctx)
	if err != nil {
		return err
	}

	var started, skipped int
	for i, mc := range contexts {
		// The stagger rides on the kickoff job's processing delay. Sleeping
		// here would stall the single-file catalog-run queue behind the
		// sweep.
		delay := time.Duration(i) * s.stagger
		run, err := s.runs.CreateAndStartIn(ctx, mc.ID, catalog.RunTypeCatalog, nil, delay)
		switch {
		case errors.Is(err, catalog.ErrRunConflict):
			skipped++
			s.logger.Info("context already has a running crawl",
				zap.Int64("context_id", mc.ID),
				zap.String("merchant", mc.MerchantName),
			)
		case err != nil:
			skipped++
			s.logger.Error("failed to start scheduled run",
				zap.Int64("context_id", mc.ID),
				zap.Error(err),
			)
		default:
			started++
			s.logger.Info("scheduled run started",
				zap.Int64("run_id", run.ID),
				zap.Int64("context_id", mc.ID),
			)
		}
	}
	s.logger.Info("schedule sweep complete",
		zap.Int("started", started),
		zap.Int("skipped", skipped),
	)
	return nil
}

// Scheduler wraps the asynq scheduler that fires the periodic sweep task.
type Scheduler struct {
	inner *asynq.Scheduler
}

// New registers the sweep task on cronSpec, e.g. "@weekly" or
// "0 3 * * 1".
func New(opt asynq.RedisConnOpt, cronSpec string, logger *zap.Logger) (*Scheduler, error) {
	inner := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Logger: &schedulerZapLogger{sugar: logger.Named("asynq.scheduler").Sugar()},
	})
	_, err := inner.Register(cronSpec,
		asynq.NewTask(queue.TypeScheduleSweep, nil),
		asynq.Queue(queue.QueueCatalogRun),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return nil, err
	}
	return &Scheduler{inner: inner}, nil
}

// Start launches the scheduler loop.
func (s *Scheduler) Start() error {
	return s.inner.Start()
}

// Shutdown stops the scheduler.
func (s *Scheduler) Shutdown() {
	s.inner.Shutdown()
}

type schedulerZapLogger struct {
	sugar *zap.SugaredLogger
}

func (l *schedulerZapLogger) Debug(args ...interface{}) { l.sugar.Debug(args...) }
func (l *schedulerZapLogger) Info(args ...interface{})  { l.sugar.Info(args...) }
func (l *schedulerZapLogger) Warn(args ...interface{})  { l.sugar.Warn(args...) }
func (l *schedulerZapLogger) Error(args ...interface{}) { l.sugar.Error(args...) }
func (l *schedulerZapLogger) Fatal(args ...interface{}) { l.sugar.Fatal(args...) }
