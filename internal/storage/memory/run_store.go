// Package memory provides in-memory store implementations for tests and
// local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
)

// RunStore implements catalog.RunStore and catalog.ContextStore.
type RunStore struct {
	mu       sync.RWMutex
	nextID   int64
	runs     map[int64]catalog.CrawlRun
	contexts map[int64]catalog.MerchantContext
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		nextID:   1,
		runs:     make(map[int64]catalog.CrawlRun),
		contexts: make(map[int64]catalog.MerchantContext),
	}
}

// AddContext seeds a merchant context (test/bootstrap helper).
func (s *RunStore) AddContext(mc catalog.MerchantContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[mc.ID] = mc
}

// CreateRun inserts a running run, enforcing at most one running run per
// (context, type) under the store lock.
func (s *RunStore) CreateRun(
	_ context.Context,
	contextID int64,
	runType catalog.RunType,
	params map[string]any,
	scraperVersion string,
) (catalog.CrawlRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.ContextID == contextID && r.RunType == runType && r.Status == catalog.RunStatusRunning {
			return catalog.CrawlRun{}, catalog.ErrRunConflict
		}
	}

	run := catalog.CrawlRun{
		ID:             s.nextID,
		ContextID:      contextID,
		RunType:        runType,
		Status:         catalog.RunStatusRunning,
		StartedAt:      time.Now().UTC(),
		Parameters:     params,
		ScraperVersion: scraperVersion,
	}
	s.nextID++
	s.runs[run.ID] = run
	return run, nil
}

// GetRun fetches a run by id.
func (s *RunStore) GetRun(_ context.Context, runID int64) (catalog.CrawlRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return catalog.CrawlRun{}, catalog.ErrNotFound
	}
	return run, nil
}

// FinishRun stamps finishedAt and the terminal status. Finished runs are
// left untouched.
func (s *RunStore) FinishRun(_ context.Context, runID int64, status catalog.RunStatus, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return catalog.ErrNotFound
	}
	if run.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	if notes != "" {
		run.Notes = notes
	}
	s.runs[runID] = run
	return nil
}

// ListRecentRuns returns runs for a context, newest first.
func (s *RunStore) ListRecentRuns(_ context.Context, contextID int64, limit int) ([]catalog.CrawlRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.CrawlRun
	for _, r := range s.runs {
		if r.ContextID == contextID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HasRunningRun reports whether a context has a running run of the type.
func (s *RunStore) HasRunningRun(_ context.Context, contextID int64, runType catalog.RunType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.runs {
		if r.ContextID == contextID && r.RunType == runType && r.Status == catalog.RunStatusRunning {
			return true, nil
		}
	}
	return false, nil
}

// GetContext fetches a merchant context.
func (s *RunStore) GetContext(_ context.Context, contextID int64) (catalog.MerchantContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mc, ok := s.contexts[contextID]
	if !ok {
		return catalog.MerchantContext{}, catalog.ErrNotFound
	}
	return mc, nil
}

// ListActiveContexts returns all active contexts ordered by id.
func (s *RunStore) ListActiveContexts(_ context.Context) ([]catalog.MerchantContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.MerchantContext
	for _, mc := range s.contexts {
		if mc.Active {
			out = append(out, mc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
