// Package run manages crawl run lifecycle: creation under the single
// running-run invariant, kickoff, progress reporting, and finalization
// when the job queues drain.
package run

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
	"github.com/pricepulse/catalog-crawler/internal/metrics"
)

// JobProducer enqueues the run-scoped jobs the service schedules.
// Implemented by queue.Producer.
type JobProducer interface {
	EnqueueRootDiscovery(ctx context.Context, runID, contextID int64) error
	EnqueueRootDiscoveryIn(ctx context.Context, runID, contextID int64, delay time.Duration) error
	EnqueueReconciliation(ctx context.Context, runID, contextID int64) error
}

// EventRunFinished is published when a run reaches a terminal status.
const EventRunFinished = "catalog.run.finished"

// RunFinishedEvent is the message published on run finalization.
type RunFinishedEvent struct {
	Event      string            `json:"event"`
	RunID      int64             `json:"run_id"`
	ContextID  int64             `json:"context_id"`
	Status     catalog.RunStatus `json:"status"`
	FinishedAt time.Time         `json:"finished_at"`
	Failures   map[string]int64  `json:"failures,omitempty"`
}

// Service orchestrates run lifecycle.
type Service struct {
	runs        catalog.RunStore
	contexts    catalog.ContextStore
	categories  catalog.CategoryStore
	discoveries catalog.DiscoveryStore
	fetches     catalog.FetchStore
	tracker     catalog.RunTracker
	producer    JobProducer
	publisher   catalog.Publisher
	clock       catalog.Clock
	logger      *zap.Logger

	scraperVersion string
	eventTopic     string
}

// Deps bundles the service's collaborators.
type Deps struct {
	Runs        catalog.RunStore
	Contexts    catalog.ContextStore
	Categories  catalog.CategoryStore
	Discoveries catalog.DiscoveryStore
	Fetches     catalog.FetchStore
	Tracker     catalog.RunTracker
	Producer    JobProducer
	Publisher   catalog.Publisher
	Clock       catalog.Clock
	Logger      *zap.Logger

	ScraperVersion string
	EventTopic     string
}

// NewService constructs the run service.
func NewService(d Deps) *Service {
	return &Service{
		runs:           d.Runs,
		contexts:       d.Contexts,
		categories:     d.Categories,
		discoveries:    d.Discoveries,
		fetches:        d.Fetches,
		tracker:        d.Tracker,
		producer:       d.Producer,
		publisher:      d.Publisher,
		clock:          d.Clock,
		logger:         d.Logger,
		scraperVersion: d.ScraperVersion,
		eventTopic:     d.EventTopic,
	}
}

// Create opens a new run for the context. Returns catalog.ErrRunConflict
// when a run of the same type is already in flight for the context.
func (s *Service) Create(ctx context.Context, contextID int64, runType catalog.RunType, params map[string]any) (catalog.CrawlRun, error) {
	mc, err := s.contexts.GetContext(ctx, contextID)
	if err != nil {
		return catalog.CrawlRun{}, fmt.Errorf("load context %d: %w", contextID, err)
	}
	if !mc.Active {
		return catalog.CrawlRun{}, fmt.Errorf("context %d (%s) is inactive", contextID, mc.MerchantName)
	}

	run, err := s.runs.CreateRun(ctx, contextID, runType, params, s.scraperVersion)
	if err != nil {
		return catalog.CrawlRun{}, err
	}
	s.logger.Info("run created",
		zap.Int64("run_id", run.ID),
		zap.Int64("context_id", contextID),
		zap.String("run_type", string(runType)),
	)
	return run, nil
}

// Start enqueues the run's root category discovery job.
func (s *Service) Start(ctx context.Context, runID int64) (catalog.CrawlRun, error) {
	return s.StartIn(ctx, runID, 0)
}

// StartIn enqueues the run's root category discovery job with a processing
// delay. The run counts as running from creation; the delay only defers the
// first fetch.
func (s *Service) StartIn(ctx context.Context, runID int64, delay time.Duration) (catalog.CrawlRun, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return catalog.CrawlRun{}, err
	}
	if run.Status != catalog.RunStatusRunning {
		return catalog.CrawlRun{}, fmt.Errorf("run %d is %s, not running", runID, run.Status)
	}
	if err := s.producer.EnqueueRootDiscoveryIn(ctx, run.ID, run.ContextID, delay); err != nil {
		return catalog.CrawlRun{}, err
	}
	s.logger.Info("run started", zap.Int64("run_id", run.ID), zap.Duration("delay", delay))
	return run, nil
}

// CreateAndStart is Create followed by Start in one call, used by the API's
// convenience path.
func (s *Service) CreateAndStart(ctx context.Context, contextID int64, runType catalog.RunType, params map[string]any) (catalog.CrawlRun, error) {
	return s.CreateAndStartIn(ctx, contextID, runType, params, 0)
}

// CreateAndStartIn is CreateAndStart with the kickoff job delayed, used by
// the scheduler to stagger merchant starts.
func (s *Service) CreateAndStartIn(ctx context.Context, contextID int64, runType catalog.RunType, params map[string]any, delay time.Duration) (catalog.CrawlRun, error) {
	run, err := s.Create(ctx, contextID, runType, params)
	if err != nil {
		return catalog.CrawlRun{}, err
	}
	return s.StartIn(ctx, run.ID, delay)
}

// Get returns one run.
func (s *Service) Get(ctx context.Context, runID int64) (catalog.CrawlRun, error) {
	return s.runs.GetRun(ctx, runID)
}

// ListRecent returns the context's most recent runs, newest first.
func (s *Service) ListRecent(ctx context.Context, contextID int64, limit int) ([]catalog.CrawlRun, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.runs.ListRecentRuns(ctx, contextID, limit)
}

// Progress aggregates the run's mid-flight counters.
func (s *Service) Progress(ctx context.Context, runID int64) (catalog.RunProgress, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return catalog.RunProgress{}, err
	}

	progress := catalog.RunProgress{RunID: runID, Status: run.Status}
	if progress.DiscoveredProducts, err = s.discoveries.CountDiscoveriesForRun(ctx, runID); err != nil {
		return catalog.RunProgress{}, fmt.Errorf("count discoveries for run %d: %w", runID, err)
	}
	if progress.CategoriesCrawled, err = s.categories.CountCategoriesForRun(ctx, runID); err != nil {
		return catalog.RunProgress{}, fmt.Errorf("count categories for run %d: %w", runID, err)
	}
	if progress.HTTPFetches, err = s.fetches.CountFetchesForRun(ctx, runID); err != nil {
		return catalog.RunProgress{}, fmt.Errorf("count fetches for run %d: %w", runID, err)
	}
	if progress.FailedFetches, err = s.fetches.CountFailedFetchesForRun(ctx, runID); err != nil {
		return catalog.RunProgress{}, fmt.Errorf("count failed fetches for run %d: %w", runID, err)
	}
	return progress, nil
}

// OnJobDone marks one job terminally complete. When the run drains it is
// finalized and reconciliation is scheduled.
func (s *Service) OnJobDone(ctx context.Context, runID, contextID int64) error {
	remaining, err := s.tracker.DonePending(ctx, runID)
	if err != nil {
		return fmt.Errorf("decrement pending for run %d: %w", runID, err)
	}
	if remaining > 0 {
		return nil
	}
	if remaining < 0 {
		s.logger.Warn("pending counter went negative",
			zap.Int64("run_id", runID),
			zap.Int64("remaining", remaining),
		)
	}
	return s.finalize(ctx, runID, contextID)
}

// Fail moves the run straight to failed. Used when the run cannot make
// progress at all, such as a missing crawler or failed root discovery.
func (s *Service) Fail(ctx context.Context, runID, contextID int64, reason string) error {
	if err := s.runs.FinishRun(ctx, runID, catalog.RunStatusFailed, reason); err != nil {
		return err
	}
	metrics.ObserveRunFinished(string(catalog.RunStatusFailed))
	s.logger.Warn("run failed", zap.Int64("run_id", runID), zap.String("reason", reason))
	if err := s.tracker.Clear(ctx, runID); err != nil {
		s.logger.Warn("failed to clear run tracker", zap.Int64("run_id", runID), zap.Error(err))
	}
	s.publishFinished(ctx, runID, contextID, catalog.RunStatusFailed, nil)
	return nil
}

// finalize derives the terminal status from the failure tallies, stamps
// the run, publishes the finished event, and schedules reconciliation.
func (s *Service) finalize(ctx context.Context, runID, contextID int64) error {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	failures, err := s.tracker.Failures(ctx, runID)
	if err != nil {
		return fmt.Errorf("read failures for run %d: %w", runID, err)
	}

	status := catalog.RunStatusSucceeded
	notes := ""
	if len(failures) > 0 {
		status = catalog.RunStatusPartial
		notes = fmt.Sprintf("completed with failures: %v", failures)
	}
	if err := s.runs.FinishRun(ctx, runID, status, notes); err != nil {
		return err
	}
	metrics.ObserveRunFinished(string(status))
	s.logger.Info("run finalized",
		zap.Int64("run_id", runID),
		zap.String("status", string(status)),
		zap.Any("failures", failures),
	)

	if err := s.tracker.Clear(ctx, runID); err != nil {
		s.logger.Warn("failed to clear run tracker", zap.Int64("run_id", runID), zap.Error(err))
	}
	s.publishFinished(ctx, runID, contextID, status, failures)

	if err := s.producer.EnqueueReconciliation(ctx, runID, contextID); err != nil {
		return fmt.Errorf("schedule reconciliation for run %d: %w", runID, err)
	}
	return nil
}

func (s *Service) publishFinished(ctx context.Context, runID, contextID int64, status catalog.RunStatus, failures map[string]int64) {
	if s.publisher == nil {
		return
	}
	event := RunFinishedEvent{
		Event:      EventRunFinished,
		RunID:      runID,
		ContextID:  contextID,
		Status:     status,
		FinishedAt: s.clock.Now(),
		Failures:   failures,
	}
	if _, err := s.publisher.Publish(ctx, s.eventTopic, event); err != nil {
		s.logger.Warn("failed to publish run finished event",
			zap.Int64("run_id", runID),
			zap.Error(err),
		)
	}
}
