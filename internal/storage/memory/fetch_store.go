package memory

import (
	"context"
	"sync"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
)

// FetchStore implements catalog.FetchStore over a slice.
type FetchStore struct {
	mu      sync.RWMutex
	nextID  int64
	fetches []catalog.FetchRecord
}

// NewFetchStore constructs an empty FetchStore.
func NewFetchStore() *FetchStore {
	return &FetchStore{nextID: 1}
}

// RecordFetch appends one audit row and returns its id.
func (s *FetchStore) RecordFetch(_ context.Context, rec catalog.FetchRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextID
	s.nextID++
	s.fetches = append(s.fetches, rec)
	return rec.ID, nil
}

// CountFetchesForRun counts all fetch attempts recorded for the run.
func (s *FetchStore) CountFetchesForRun(_ context.Context, runID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, f := range s.fetches {
		if f.RunID == runID {
			n++
		}
	}
	return n, nil
}

// CountFailedFetchesForRun counts blocked or errored attempts for the run.
func (s *FetchStore) CountFailedFetchesForRun(_ context.Context, runID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, f := range s.fetches {
		if f.RunID == runID && f.Failed() {
			n++
		}
	}
	return n, nil
}

// Fetches returns a copy of all recorded rows (test helper).
func (s *FetchStore) Fetches() []catalog.FetchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]catalog.FetchRecord, len(s.fetches))
	copy(out, s.fetches)
	return out
}
