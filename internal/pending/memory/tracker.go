// Package memory provides an in-process run tracker for tests and
// single-node development.
package memory

import (
	"context"
	"sync"
)

// Tracker implements catalog.RunTracker with plain maps under a mutex.
type Tracker struct {
	mu       sync.Mutex
	pending  map[int64]int64
	failures map[int64]map[string]int64
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{
		pending:  make(map[int64]int64),
		failures: make(map[int64]map[string]int64),
	}
}

// AddPending reserves delta outstanding jobs and returns the new count.
func (t *Tracker) AddPending(_ context.Context, runID int64, delta int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[runID] += delta
	return t.pending[runID], nil
}

// DonePending marks one job complete and returns the remaining count.
func (t *Tracker) DonePending(_ context.Context, runID int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[runID]--
	return t.pending[runID], nil
}

// RecordFailure tallies a permanently failed job under kind.
func (t *Tracker) RecordFailure(_ context.Context, runID int64, kind string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	byKind, ok := t.failures[runID]
	if !ok {
		byKind = make(map[string]int64)
		t.failures[runID] = byKind
	}
	byKind[kind]++
	return nil
}

// Failures returns a copy of the failure tallies by kind.
func (t *Tracker) Failures(_ context.Context, runID int64) (map[string]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.failures[runID]))
	for kind, n := range t.failures[runID] {
		out[kind] = n
	}
	return out, nil
}

// Clear removes all state for a run.
func (t *Tracker) Clear(_ context.Context, runID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, runID)
	delete(t.failures, runID)
	return nil
}
