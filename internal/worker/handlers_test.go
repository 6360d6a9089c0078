package worker

import (
	"context"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
	"github.com/pricepulse/catalog-crawler/internal/clock/system"
	"github.com/pricepulse/catalog-crawler/internal/hash/sha256"
	"github.com/pricepulse/catalog-crawler/internal/metrics"
	pendingmem "github.com/pricepulse/catalog-crawler/internal/pending/memory"
	pubmem "github.com/pricepulse/catalog-crawler/internal/publisher/memory"
	"github.com/pricepulse/catalog-crawler/internal/queue"
	"github.com/pricepulse/catalog-crawler/internal/registry"
	"github.com/pricepulse/catalog-crawler/internal/run"
	"github.com/pricepulse/catalog-crawler/internal/storage/memory"
)

// collectingEnqueuer buffers tasks so the test can pump them through the
// handlers in order, standing in for the queue broker.
type collectingEnqueuer struct {
	tasks []*asynq.Task
}

func (c *collectingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{}, nil
}

// fakeCrawler serves a small two-level catalog:
//
//	root: /c/a (5 products), /c/b (no products, one subcategory)
//	/c/sub: 3 products, one of which is a duplicate of an /c/a product
type fakeCrawler struct {
	discoverErr error
	pageErrs    map[string]error
	productErrs map[string]*catalog.CrawlError
}

func (f *fakeCrawler) ID() string           { return "mercado-azul" }
func (f *fakeCrawler) DisplayName() string  { return "Mercado Azul" }
func (f *fakeCrawler) MerchantIDs() []int64 { return []int64{1} }

func (f *fakeCrawler) DiscoverCategories(_ context.Context, cc catalog.CrawlerContext) (catalog.CategoryDiscoveryResult, error) {
	if f.discoverErr != nil {
		return catalog.CategoryDiscoveryResult{}, f.discoverErr
	}
	base := cc.WebsiteBaseURL
	return catalog.CategoryDiscoveryResult{
		Categories: []catalog.DiscoveredCategory{
			{URL: base + "/c/a", Name: "Bebidas", Breadcrumb: []string{"Bebidas"}},
			{URL: base + "/c/b", Name: "Mercearia", Breadcrumb: []string{"Mercearia"}},
		},
	}, nil
}

func (f *fakeCrawler) CrawlCategoryPage(_ context.Context, cc catalog.CrawlerContext, categoryURL string, page int) (catalog.CategoryCrawlResult, error) {
	if err := f.pageErrs[categoryURL]; err != nil {
		return catalog.CategoryCrawlResult{}, err
	}
	base := cc.WebsiteBaseURL
	switch categoryURL {
	case base + "/c/a":
		var products []catalog.DiscoveredProduct
		for i := 1; i <= 5; i++ {
			products = append(products, catalog.DiscoveredProduct{URL: fmt.Sprintf("%s/p/a-%d", base, i)})
		}
		return catalog.CategoryCrawlResult{Products: products}, nil
	case base + "/c/b":
		return catalog.CategoryCrawlResult{
			Subcategories: []catalog.DiscoveredCategory{
				{URL: base + "/c/sub", Name: "Doces", Breadcrumb: []string{"Mercearia", "Doces"}},
			},
		}, nil
	case base + "/c/sub":
		return catalog.CategoryCrawlResult{
			Products: []catalog.DiscoveredProduct{
				{URL: base + "/p/s-1"},
				{URL: base + "/p/s-2"},
				{URL: base + "/p/a-1"}, // already seen under /c/a
			},
		}, nil
	default:
		return catalog.CategoryCrawlResult{}, fmt.Errorf("unknown category %q", categoryURL)
	}
}

func (f *fakeCrawler) FetchProduct(_ context.Context, _ catalog.CrawlerContext, productURL string) (catalog.ProductFetchResult, error) {
	if ce := f.productErrs[productURL]; ce != nil {
		return catalog.ProductFetchResult{ProductURL: productURL, Err: ce}, nil
	}
	return catalog.ProductFetchResult{
		ProductURL: productURL,
		Success:    true,
		Product: &catalog.ParsedProduct{
			Name:  "Produto " + productURL,
			Brand: "Marca",
		},
	}, nil
}

type pipeline struct {
	handlers *Handlers
	runs     *run.Service
	runStore *memory.RunStore
	store    *memory.CatalogStore
	tracker  *pendingmem.Tracker
	enq      *collectingEnqueuer
	pub      *pubmem.Publisher
	crawler  *fakeCrawler
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	metrics.Init()
	logger := zap.NewNop()

	runStore := memory.NewRunStore()
	runStore.AddContext(catalog.MerchantContext{
		ID: 7, MerchantID: 1, MerchantName: "Mercado Azul",
		WebsiteBaseURL: "https://mercadoazul.example", Active: true,
	})
	store := memory.NewCatalogStore()
	fetchStore := memory.NewFetchStore()
	tracker := pendingmem.New()
	enq := &collectingEnqueuer{}
	pub := pubmem.New()
	producer := queue.NewProducer(enq, tracker, logger)

	runSvc := run.NewService(run.Deps{
		Runs:           runStore,
		Contexts:       runStore,
		Categories:     store,
		Discoveries:    store,
		Fetches:        fetchStore,
		Tracker:        tracker,
		Producer:       producer,
		Publisher:      pub,
		Clock:          system.New(),
		Logger:         logger,
		ScraperVersion: "1.0.0",
		EventTopic:     "catalog-events",
	})

	crawler := &fakeCrawler{
		pageErrs:    map[string]error{},
		productErrs: map[string]*catalog.CrawlError{},
	}
	reg := registry.New(logger)
	reg.Register(crawler)

	handlers := New(Deps{
		Registry:    reg,
		Runs:        runSvc,
		Contexts:    runStore,
		Categories:  store,
		Discoveries: store,
		Products:    store,
		Snapshots:   store,
		Tracker:     tracker,
		Producer:    producer,
		Fetcher:     nil,
		Hasher:      sha256.New(),
		Publisher:   pub,
		Clock:       system.New(),
		Logger:      logger,
	})

	return &pipeline{
		handlers: handlers,
		runs:     runSvc,
		runStore: runStore,
		store:    store,
		tracker:  tracker,
		enq:      enq,
		pub:      pub,
		crawler:  crawler,
	}
}

// pump drains the buffered tasks through the handlers, simulating the
// queue workers. Handler errors are collected, not fatal; terminal
// failure accounting is part of what the tests assert.
func (p *pipeline) pump(ctx context.Context, t *testing.T) []error {
	t.Helper()
	var errs []error
	for guard := 0; len(p.enq.tasks) > 0; guard++ {
		require.Less(t, guard, 10000, "job pump did not terminate")
		task := p.enq.tasks[0]
		p.enq.tasks = p.enq.tasks[1:]

		var err error
		switch task.Type() {
		case queue.TypeRootDiscovery:
			err = p.handlers.HandleRootDiscovery(ctx, task)
		case queue.TypeCategoryCrawl:
			err = p.handlers.HandleCategoryCrawl(ctx, task)
		case queue.TypeProductFetch:
			err = p.handlers.HandleProductFetch(ctx, task)
		case queue.TypeReconcile:
			err = p.handlers.HandleReconcile(ctx, task)
		default:
			t.Fatalf("unexpected task type %q", task.Type())
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func TestFullCrawlSucceeds(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	runObj, err := p.runs.CreateAndStart(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)

	errs := p.pump(ctx, t)
	require.Empty(t, errs)

	got, err := p.runs.Get(ctx, runObj.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusSucceeded, got.Status)

	progress, err := p.runs.Progress(ctx, runObj.ID)
	require.NoError(t, err)
	// 5 from /c/a, 2 new from /c/sub, plus the duplicate counted once.
	require.Equal(t, int64(8), progress.DiscoveredProducts)
	require.Equal(t, int64(3), progress.CategoriesCrawled)

	// One snapshot per unique product.
	snaps, err := p.store.CountSnapshotsForRun(ctx, runObj.ID)
	require.NoError(t, err)
	require.Equal(t, int64(8), snaps)

	active, err := p.store.CountActive(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(8), active)

	// Subcategory got linked to its parent.
	sub, err := p.store.FindByURL(ctx, 7, "https://mercadoazul.example/c/sub")
	require.NoError(t, err)
	require.NotNil(t, sub.ParentID)

	// Drained run is fully settled: tracker cleared, finish event out.
	pendingNow, err := p.tracker.AddPending(ctx, runObj.ID, 0)
	require.NoError(t, err)
	require.Zero(t, pendingNow)
	require.Contains(t, p.pub.Events(), run.EventRunFinished)
	require.Contains(t, p.pub.Events(), EventSnapshotCreated)
}

func TestUnchangedProductSkipsSnapshot(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	first, err := p.runs.CreateAndStart(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)
	require.Empty(t, p.pump(ctx, t))

	second, err := p.runs.CreateAndStart(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)
	require.Empty(t, p.pump(ctx, t))

	firstSnaps, err := p.store.CountSnapshotsForRun(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, int64(8), firstSnaps)

	// Content did not change between runs, so no new snapshots.
	secondSnaps, err := p.store.CountSnapshotsForRun(ctx, second.ID)
	require.NoError(t, err)
	require.Zero(t, secondSnaps)

	got, err := p.runs.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusSucceeded, got.Status)
}

func TestProductFailureMakesRunPartial(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.crawler.productErrs["https://mercadoazul.example/p/a-3"] = &catalog.CrawlError{
		Type:    catalog.ErrorClassParse,
		Message: "price block missing",
	}

	runObj, err := p.runs.CreateAndStart(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)

	errs := p.pump(ctx, t)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], asynq.SkipRetry)

	got, err := p.runs.Get(ctx, runObj.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusPartial, got.Status)
	require.Contains(t, got.Notes, "product")

	snaps, err := p.store.CountSnapshotsForRun(ctx, runObj.ID)
	require.NoError(t, err)
	require.Equal(t, int64(7), snaps)
}

func TestCategoryFailureMakesRunPartial(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.crawler.pageErrs["https://mercadoazul.example/c/a"] = fmt.Errorf("listing markup changed")

	runObj, err := p.runs.CreateAndStart(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)

	errs := p.pump(ctx, t)
	require.Len(t, errs, 1)

	got, err := p.runs.Get(ctx, runObj.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusPartial, got.Status)

	// The other branch still crawled.
	progress, err := p.runs.Progress(ctx, runObj.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), progress.DiscoveredProducts)
}

func TestRootDiscoveryFailureFailsRun(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.crawler.discoverErr = fmt.Errorf("homepage unreachable")

	runObj, err := p.runs.CreateAndStart(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)
	require.Empty(t, p.pump(ctx, t))

	got, err := p.runs.Get(ctx, runObj.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusFailed, got.Status)
	require.Contains(t, got.Notes, "root discovery failed")
}

// failingDiscoveries rejects every upsert, standing in for a database
// outage during the crawl.
type failingDiscoveries struct {
	catalog.DiscoveryStore
}

func (f *failingDiscoveries) UpsertDiscovery(context.Context, int64, int64, string, *int64) (bool, error) {
	return false, fmt.Errorf("connection reset by peer")
}

func TestDiscoveryStoreFailureStillSettlesRun(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.handlers.discoveries = &failingDiscoveries{DiscoveryStore: p.store}

	runObj, err := p.runs.CreateAndStart(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)

	errs := p.pump(ctx, t)
	require.NotEmpty(t, errs)
	for _, err := range errs {
		require.ErrorIs(t, err, asynq.SkipRetry)
	}

	// Store failures on the final attempt must not strand the run: the
	// pending counter drains, the run finalizes, and the context is free
	// for the next crawl.
	got, err := p.runs.Get(ctx, runObj.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusPartial, got.Status)

	pendingNow, err := p.tracker.AddPending(ctx, runObj.ID, 0)
	require.NoError(t, err)
	require.Zero(t, pendingNow)

	_, err = p.runs.Create(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)
}

type failingContexts struct{}

func (failingContexts) GetContext(context.Context, int64) (catalog.MerchantContext, error) {
	return catalog.MerchantContext{}, fmt.Errorf("connection refused")
}

func (failingContexts) ListActiveContexts(context.Context) ([]catalog.MerchantContext, error) {
	return nil, fmt.Errorf("connection refused")
}

func TestRootDiscoveryLoadFailureFailsRun(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	runObj, err := p.runs.CreateAndStart(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)

	// Root discovery never retries, so a store error while loading the
	// context must fail the run instead of leaving it running forever.
	p.handlers.contexts = failingContexts{}
	require.Empty(t, p.pump(ctx, t))

	got, err := p.runs.Get(ctx, runObj.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusFailed, got.Status)

	pendingNow, err := p.tracker.AddPending(ctx, runObj.ID, 0)
	require.NoError(t, err)
	require.Zero(t, pendingNow)

	_, err = p.runs.Create(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)
}

func TestMalformedPayloadSettlesPendingSlot(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	runObj, err := p.runs.Create(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)
	_, err = p.tracker.AddPending(ctx, runObj.ID, 1)
	require.NoError(t, err)

	// The payload carries ids but no category URL, so it fails validation.
	payload := []byte(fmt.Sprintf(`{"runId":"%d","contextId":"7"}`, runObj.ID))
	err = p.handlers.HandleCategoryCrawl(ctx, asynq.NewTask(queue.TypeCategoryCrawl, payload))
	require.ErrorIs(t, err, asynq.SkipRetry)

	pendingNow, err := p.tracker.AddPending(ctx, runObj.ID, 0)
	require.NoError(t, err)
	require.Zero(t, pendingNow)

	got, err := p.runs.Get(ctx, runObj.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusPartial, got.Status)
}

func TestReconciliationDeactivatesVanishedProducts(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	// Seed a product from an earlier pass that the crawl will not see.
	_, err := p.store.UpsertFromDiscovery(ctx, 7, "https://mercadoazul.example/p/discontinued", "", "")
	require.NoError(t, err)

	runObj, err := p.runs.CreateAndStart(ctx, 7, catalog.RunTypeCatalog, nil)
	require.NoError(t, err)
	require.Empty(t, p.pump(ctx, t))

	gone, err := p.store.FindByCanonicalURL(ctx, 7, "https://mercadoazul.example/p/discontinued")
	require.NoError(t, err)
	require.False(t, gone.Active)

	active, err := p.store.CountActive(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(8), active)

	got, err := p.runs.Get(ctx, runObj.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.RunStatusSucceeded, got.Status)
}

func TestPriceRunSkipsReconciliation(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	_, err := p.store.UpsertFromDiscovery(ctx, 7, "https://mercadoazul.example/p/discontinued", "", "")
	require.NoError(t, err)

	_, err = p.runs.CreateAndStart(ctx, 7, catalog.RunTypePrice, nil)
	require.NoError(t, err)
	require.Empty(t, p.pump(ctx, t))

	// Price-only runs must never deactivate catalog entries.
	kept, err := p.store.FindByCanonicalURL(ctx, 7, "https://mercadoazul.example/p/discontinued")
	require.NoError(t, err)
	require.True(t, kept.Active)
}
