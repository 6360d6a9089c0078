package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
	"github.com/pricepulse/catalog-crawler/internal/storage/memory"
)

type fakeStarter struct {
	started   []int64
	delays    []time.Duration
	conflicts map[int64]bool
}

func (f *fakeStarter) CreateAndStartIn(_ context.Context, contextID int64, _ catalog.RunType, _ map[string]any, delay time.Duration) (catalog.CrawlRun, error) {
	if f.conflicts[contextID] {
		return catalog.CrawlRun{}, catalog.ErrRunConflict
	}
	f.started = append(f.started, contextID)
	f.delays = append(f.delays, delay)
	return catalog.CrawlRun{ID: int64(len(f.started)), ContextID: contextID}, nil
}

func TestSweepStartsRunsForActiveContexts(t *testing.T) {
	store := memory.NewRunStore()
	store.AddContext(catalog.MerchantContext{ID: 1, MerchantID: 1, Active: true})
	store.AddContext(catalog.MerchantContext{ID: 2, MerchantID: 2, Active: true})
	store.AddContext(catalog.MerchantContext{ID: 3, MerchantID: 3, Active: false})

	starter := &fakeStarter{conflicts: map[int64]bool{}}
	sweep := NewSweep(store, starter, zap.NewNop(), 0)

	require.NoError(t, sweep.Handle(context.Background(), nil))
	require.Equal(t, []int64{1, 2}, starter.started)
}

func TestSweepSkipsRunningContexts(t *testing.T) {
	store := memory.NewRunStore()
	store.AddContext(catalog.MerchantContext{ID: 1, MerchantID: 1, Active: true})
	store.AddContext(catalog.MerchantContext{ID: 2, MerchantID: 2, Active: true})

	starter := &fakeStarter{conflicts: map[int64]bool{1: true}}
	sweep := NewSweep(store, starter, zap.NewNop(), 0)

	// A context mid-crawl is skipped, the rest still start.
	require.NoError(t, sweep.Handle(context.Background(), nil))
	require.Equal(t, []int64{2}, starter.started)
}

func TestSweepStaggersKickoffsWithoutSleeping(t *testing.T) {
	store := memory.NewRunStore()
	store.AddContext(catalog.MerchantContext{ID: 1, MerchantID: 1, Active: true})
	store.AddContext(catalog.MerchantContext{ID: 2, MerchantID: 2, Active: true})
	store.AddContext(catalog.MerchantContext{ID: 3, MerchantID: 3, Active: true})

	starter := &fakeStarter{conflicts: map[int64]bool{}}
	sweep := NewSweep(store, starter, zap.NewNop(), 30*time.Second)

	// The stagger becomes a growing processing delay on each kickoff job;
	// the sweep itself returns immediately.
	begin := time.Now()
	require.NoError(t, sweep.Handle(context.Background(), nil))
	require.Less(t, time.Since(begin), time.Second)
	require.Equal(t, []time.Duration{0, 30 * time.Second, 60 * time.Second}, starter.delays)
}
