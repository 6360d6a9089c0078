package run

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
	"github.com/pricepulse/catalog-crawler/internal/clock/system"
	"github.com/pricepulse/catalog-crawler/internal/metrics"
	pendingmem "github.com/pricepulse/catalog-crawler/internal/pending/memory"
	pubmem "github.com/pricepulse/catalog-crawler/internal/publisher/memory"
	"github.com/pricepulse/catalog-crawler/internal/storage/memory"
)

type fakeProducer struct {
	rootRuns      []int64
	rootDelays    []time.Duration
	reconcileRuns []int64
}

func (f *fakeProducer) EnqueueRootDiscovery(ctx context.Context, runID, contextID int64) error {
	return f.EnqueueRootDiscoveryIn(ctx, runID, contextID, 0)
}

func (f *fakeProducer) EnqueueRootDiscoveryIn(_ context.Context, runID, _ int64, delay time.Duration) error {
	f.rootRuns = append(f.rootRuns, runID)
	f.rootDelays = append(f.rootDelays, delay)
	return nil
}

func (f *fakeProducer) EnqueueReconciliation(_ context.Context, runID, _ int64) error {
	f.reconcileRuns = append(f.reconcileRuns, runID)
	return nil
}

type fixture struct {
	svc      *Service
	runs     *memory.RunStore
	store    *memory.CatalogStore
	fetches  *memory.FetchStore
	tracker  *pendingmem.Tracker
	producer *fakeProducer
	pub      *pubmem.Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	metrics.Init()

	runs := memory.NewRunStore()
	runs.AddContext(catalog.MerchantContext{
		ID: 7, MerchantID: 1, MerchantName: "Mercado Azul",
		WebsiteBaseURL: "https://mercadoazul.example", Active: true,
	})
	runs.AddContext(catalog.MerchantContext{
		ID: 8, MerchantID: 2, MerchantName: "Loja Parada", Active: false,
	})

	f := &fixture{
		runs:     runs,
		store:    memory.NewCatalogStore(),
		fetches:  memory.NewFetchStore(),
		tracker:  pendingmem.New(),
		producer: &fakeProducer{},
		pub:      pubmem.New(),
	}
	f.svc = NewService(Deps{
		Runs:           runs,
		Contexts:       runs,
		Categories:     f.store,
		Discoveries:    f.store,
		Fetches:        f.fetches,
		Tracker:        f.tracker,
		Producer:       f.producer,
		Publisher:      f.pub,
		Clock:          system.New(),
		Logger:         zap.NewNop(),
		ScraperVersion: "1.0.0",
		EventTopic:     "catalog-events",
	})
	return f
}

func TestCreateRejectsInactiveContext(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), 8, catalog.RunTypeCatalog, nil)
	require.Error(t, err)
}

func TestCreateConflictsWithRunningRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, 7, catalog.RunTypeCatalog, nil)
	require.ErrorIs(t, err, catalog.ErrRunConflict)
}

func TestStartEnqueuesRootDiscovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.svc.CreateAndStart(ctx, 7, catalog.RunTypeCatalog, map[string]any{"depth": 2})
	require.NoError(t, err)
	require.Equal(t, []int64{run.ID}, f.producer.rootRuns)
	require.Equal(t, []time.Duration{0}, f.producer.rootDelays)
}

func TestCreateAndStartInDelaysKickoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.svc.CreateAndStartIn(ctx, 7, catalog.RunTypeCatalog, nil, 45*time.Second)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusRunning, run.Status)
	require.Equal(t, []int64{run.ID}, f.producer.rootRuns)
	require.Equal(t, []time.Duration{45 * time.Second}, f.producer.rootDelays)
}

func TestStartRejectsFinishedRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.svc.Create(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)
	require.NoError(t, f.runs.FinishRun(ctx, run.ID, catalog.RunStatusFailed, "x"))

	_, err = f.svc.Start(ctx, run.ID)
	require.Error(t, err)
}

func TestDrainFinalizesSucceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.svc.Create(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)

	_, err = f.tracker.AddPending(ctx, run.ID, 2)
	require.NoError(t, err)

	require.NoError(t, f.svc.OnJobDone(ctx, run.ID, 7))
	got, err := f.svc.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusRunning, got.Status)
	require.Empty(t, f.producer.reconcileRuns)

	require.NoError(t, f.svc.OnJobDone(ctx, run.ID, 7))
	got, err = f.svc.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
	require.Equal(t, []int64{run.ID}, f.producer.reconcileRuns)
	require.Equal(t, []string{EventRunFinished}, f.pub.Events())
}

func TestDrainWithFailuresFinalizesPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.svc.Create(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)

	_, err = f.tracker.AddPending(ctx, run.ID, 1)
	require.NoError(t, err)
	require.NoError(t, f.tracker.RecordFailure(ctx, run.ID, "product"))

	require.NoError(t, f.svc.OnJobDone(ctx, run.ID, 7))
	got, err := f.svc.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusPartial, got.Status)
	require.Contains(t, got.Notes, "product")
	// Reconciliation still runs after a partial crawl.
	require.Equal(t, []int64{run.ID}, f.producer.reconcileRuns)
}

func TestFailMarksRunFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.svc.Create(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.Fail(ctx, run.ID, 7, "no crawler registered for merchant 1"))
	got, err := f.svc.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusFailed, got.Status)
	require.Empty(t, f.producer.reconcileRuns)
	require.Equal(t, []string{EventRunFinished}, f.pub.Events())
}

func TestProgressAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.svc.Create(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)

	_, err = f.store.UpsertCategory(ctx, catalog.CategoryUpsert{
		ContextID: 7, RunID: run.ID, URL: "https://mercadoazul.example/c/dairy", Name: "Dairy",
	})
	require.NoError(t, err)
	_, err = f.store.UpsertDiscovery(ctx, run.ID, 7, "https://mercadoazul.example/p/1", nil)
	require.NoError(t, err)
	_, err = f.store.UpsertDiscovery(ctx, run.ID, 7, "https://mercadoazul.example/p/2", nil)
	require.NoError(t, err)

	_, err = f.fetches.RecordFetch(ctx, catalog.FetchRecord{RunID: run.ID, HTTPStatus: 200})
	require.NoError(t, err)
	_, err = f.fetches.RecordFetch(ctx, catalog.FetchRecord{RunID: run.ID, HTTPStatus: 429, Blocked: true, ErrorClass: catalog.ErrorClassBlocked})
	require.NoError(t, err)

	progress, err := f.svc.Progress(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), progress.DiscoveredProducts)
	require.Equal(t, int64(1), progress.CategoriesCrawled)
	require.Equal(t, int64(2), progress.HTTPFetches)
	require.Equal(t, int64(1), progress.FailedFetches)
	require.Equal(t, catalog.RunStatusRunning, progress.Status)
}
