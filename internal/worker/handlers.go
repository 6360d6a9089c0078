// Package worker executes the pipeline's queued jobs: root category
// discovery, category page crawls, product fetches, and run
// reconciliation.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
	"github.com/pricepulse/catalog-crawler/internal/metrics"
	"github.com/pricepulse/catalog-crawler/internal/queue"
	"github.com/pricepulse/catalog-crawler/internal/registry"
	"github.com/pricepulse/catalog-crawler/internal/run"
)

// EventSnapshotCreated is published whenever a new product snapshot is
// written.
const EventSnapshotCreated = "catalog.snapshot.created"

// SnapshotCreatedEvent is the message published for a new snapshot.
type SnapshotCreatedEvent struct {
	Event      string    `json:"event"`
	SnapshotID int64     `json:"snapshot_id"`
	ProductID  int64     `json:"product_id"`
	RunID      int64     `json:"run_id"`
	ContextID  int64     `json:"context_id"`
	CapturedAt time.Time `json:"captured_at"`
}

// Producer is the slice of queue.Producer the handlers fan out through.
type Producer interface {
	EnqueueCategoryPage(ctx context.Context, payload queue.CategoryCrawlPayload) error
	EnqueueProducts(ctx context.Context, payloads []queue.ProductFetchPayload) error
}

// Handlers implements the asynq task handlers for all four queues.
type Handlers struct {
	registry    *registry.Registry
	runs        *run.Service
	contexts    catalog.ContextStore
	categories  catalog.CategoryStore
	discoveries catalog.DiscoveryStore
	products    catalog.ProductStore
	snapshots   catalog.SnapshotStore
	tracker     catalog.RunTracker
	producer    Producer
	fetcher     catalog.Fetcher
	hasher      catalog.Hasher
	publisher   catalog.Publisher
	clock       catalog.Clock
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// Deps bundles the handlers' collaborators.
type Deps struct {
	Registry    *registry.Registry
	Runs        *run.Service
	Contexts    catalog.ContextStore
	Categories  catalog.CategoryStore
	Discoveries catalog.DiscoveryStore
	Products    catalog.ProductStore
	Snapshots   catalog.SnapshotStore
	Tracker     catalog.RunTracker
	Producer    Producer
	Fetcher     catalog.Fetcher
	Hasher      catalog.Hasher
	Publisher   catalog.Publisher
	Clock       catalog.Clock
	// Limiter throttles category page crawls across the whole process.
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

// New constructs the Handlers.
func New(d Deps) *Handlers {
	return &Handlers{
		registry:    d.Registry,
		runs:        d.Runs,
		contexts:    d.Contexts,
		categories:  d.Categories,
		discoveries: d.Discoveries,
		products:    d.Products,
		snapshots:   d.Snapshots,
		tracker:     d.Tracker,
		producer:    d.Producer,
		fetcher:     d.Fetcher,
		hasher:      d.Hasher,
		publisher:   d.Publisher,
		clock:       d.Clock,
		limiter:     d.Limiter,
		logger:      d.Logger,
	}
}

// crawlerContext assembles the per-job context handed to merchant
// crawlers.
func (h *Handlers) crawlerContext(runObj catalog.CrawlRun, mc catalog.MerchantContext) catalog.CrawlerContext {
	return catalog.CrawlerContext{
		RunID:          runObj.ID,
		ContextID:      mc.ID,
		MerchantID:     mc.MerchantID,
		WebsiteBaseURL: mc.WebsiteBaseURL,
		Params:         mc.Params,
		Fetcher:        h.fetcher,
		Logger:         h.logger.With(zap.Int64("run_id", runObj.ID), zap.Int64("context_id", mc.ID)),
	}
}

// withSession brackets fn with the crawler's optional session hooks.
func withSession(ctx context.Context, c catalog.Crawler, cc catalog.CrawlerContext, fn func() error) error {
	sc, ok := c.(catalog.SessionCrawler)
	if !ok {
		return fn()
	}
	if err := sc.SetupSession(ctx, cc); err != nil {
		return fmt.Errorf("session setup: %w", err)
	}
	defer func() {
		if terr := sc.TeardownSession(ctx, cc); terr != nil {
			cc.Logger.Warn("session teardown failed", zap.Error(terr))
		}
	}()
	return fn()
}

// lastAttempt reports whether the current task execution is its final one.
func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

// HandleRootDiscovery runs a crawl's first job: discover the merchant's
// root categories and fan out one crawl job per category. Any failure
// here fails the whole run; there is nothing to salvage without
// categories.
func (h *Handlers) HandleRootDiscovery(ctx context.Context, t *asynq.Task) error {
	p, err := queue.UnmarshalRootDiscovery(t.Payload())
	if err != nil {
		metrics.ObserveJob(queue.QueueCatalogRun, "invalid")
		if runID, contextID, ok := queue.UnmarshalScope(t.Payload()); ok {
			return h.failRootJob(ctx, runID, contextID, fmt.Sprintf("bad root discovery payload: %v", err))
		}
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	runID, contextID := p.RunID.Int64(), p.ContextID.Int64()
	logger := h.logger.With(zap.Int64("run_id", runID))

	runObj, err := h.runs.Get(ctx, runID)
	if err != nil {
		return h.failRootJob(ctx, runID, contextID, fmt.Sprintf("load run %d: %v", runID, err))
	}
	mc, err := h.contexts.GetContext(ctx, contextID)
	if err != nil {
		return h.failRootJob(ctx, runID, contextID, fmt.Sprintf("load context %d: %v", contextID, err))
	}

	crawler, err := h.registry.ForMerchant(mc.MerchantID)
	if err != nil {
		return h.failRootJob(ctx, runID, contextID,
			fmt.Sprintf("no crawler registered for merchant %d", mc.MerchantID))
	}

	cc := h.crawlerContext(runObj, mc)
	var result catalog.CategoryDiscoveryResult
	err = withSession(ctx, crawler, cc, func() error {
		var derr error
		result, derr = crawler.DiscoverCategories(ctx, cc)
		return derr
	})
	if err != nil {
		return h.failRootJob(ctx, runID, contextID,
			fmt.Sprintf("root discovery failed: %v", err))
	}
	if len(result.Categories) == 0 && len(result.Errors) > 0 {
		return h.failRootJob(ctx, runID, contextID,
			fmt.Sprintf("root discovery produced no categories: %v", result.Errors[0].Message))
	}

	for _, dc := range result.Categories {
		if _, err := h.categories.UpsertCategory(ctx, catalog.CategoryUpsert{
			ContextID:  contextID,
			RunID:      runID,
			URL:        dc.URL,
			Name:       dc.Name,
			Breadcrumb: dc.Breadcrumb,
		}); err != nil {
			return h.failRootJob(ctx, runID, contextID,
				fmt.Sprintf("upsert root category %q: %v", dc.URL, err))
		}
		if err := h.producer.EnqueueCategoryPage(ctx, queue.CategoryCrawlPayload{
			RunID:       p.RunID,
			ContextID:   p.ContextID,
			CategoryURL: dc.URL,
			Page:        1,
		}); err != nil {
			return h.failRootJob(ctx, runID, contextID,
				fmt.Sprintf("enqueue category %q: %v", dc.URL, err))
		}
	}
	logger.Info("root discovery complete",
		zap.Int("categories", len(result.Categories)),
		zap.Int("errors", len(result.Errors)),
	)
	metrics.ObserveJob(queue.QueueCatalogRun, "succeeded")
	return h.runs.OnJobDone(ctx, runID, contextID)
}

// failRootJob fails the whole run and settles its pending work. Root
// discovery never retries, so every error here is terminal for the run. A
// canceled context means the worker is shutting down and the task will be
// redelivered; the run is left untouched for that.
func (h *Handlers) failRootJob(ctx context.Context, runID, contextID int64, reason string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.ObserveJob(queue.QueueCatalogRun, "failed")
	if err := h.runs.Fail(ctx, runID, contextID, reason); err != nil {
		if cerr := h.tracker.Clear(ctx, runID); cerr != nil {
			h.logger.Warn("failed to clear run tracker",
				zap.Int64("run_id", runID), zap.Error(cerr))
		}
		return fmt.Errorf("fail run %d (%s): %v: %w", runID, reason, err, asynq.SkipRetry)
	}
	return nil
}

// HandleCategoryCrawl crawls one page of one category listing, records
// discoveries, fans out product fetches, and walks pagination and
// subcategories.
func (h *Handlers) HandleCategoryCrawl(ctx context.Context, t *asynq.Task) error {
	p, err := queue.UnmarshalCategoryCrawl(t.Payload())
	if err != nil {
		metrics.ObserveJob(queue.QueueCategoryCrawl, "invalid")
		if runID, contextID, ok := queue.UnmarshalScope(t.Payload()); ok {
			return h.failCategoryJob(ctx, runID, contextID, h.logger, err)
		}
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	runID, contextID := p.RunID.Int64(), p.ContextID.Int64()
	logger := h.logger.With(
		zap.Int64("run_id", runID),
		zap.String("category_url", p.CategoryURL),
		zap.Int("page", p.Page),
	)

	if h.limiter != nil {
		waitStart := h.clock.Now()
		if err := h.limiter.Wait(ctx); err != nil {
			return err
		}
		metrics.ObserveRateLimitDelay(queue.QueueCategoryCrawl, time.Since(waitStart))
	}

	runObj, mc, crawler, err := h.loadJobScope(ctx, runID, contextID)
	if err != nil {
		if errors.Is(err, catalog.ErrNoCrawler) {
			return h.failCategoryJob(ctx, runID, contextID, logger, err)
		}
		return h.retryCategoryJob(ctx, runID, contextID, logger, err)
	}

	cc := h.crawlerContext(runObj, mc)
	var result catalog.CategoryCrawlResult
	err = withSession(ctx, crawler, cc, func() error {
		var cerr error
		result, cerr = crawler.CrawlCategoryPage(ctx, cc, p.CategoryURL, p.Page)
		return cerr
	})
	if err != nil {
		return h.retryCategoryJob(ctx, runID, contextID, logger,
			fmt.Errorf("crawl category %q page %d: %w", p.CategoryURL, p.Page, err))
	}

	// The category link for discoveries. Root discovery upserted the
	// record before this job was enqueued.
	var categoryID *int64
	if rec, ferr := h.categories.FindByURL(ctx, contextID, p.CategoryURL); ferr == nil {
		categoryID = &rec.ID
	}

	var batch []queue.ProductFetchPayload
	for _, prod := range result.Products {
		created, derr := h.discoveries.UpsertDiscovery(ctx, runID, contextID, prod.URL, categoryID)
		if derr != nil {
			return h.retryCategoryJob(ctx, runID, contextID, logger,
				fmt.Errorf("record discovery %q: %w", prod.URL, derr))
		}
		if !created {
			continue
		}
		payload := queue.ProductFetchPayload{
			RunID:      p.RunID,
			ContextID:  p.ContextID,
			ProductURL: prod.URL,
		}
		if categoryID != nil {
			id := queue.ID(*categoryID)
			payload.CategoryID = &id
		}
		batch = append(batch, payload)
	}
	if err := h.producer.EnqueueProducts(ctx, batch); err != nil {
		return h.retryCategoryJob(ctx, runID, contextID, logger,
			fmt.Errorf("enqueue products for %q: %w", p.CategoryURL, err))
	}

	for _, sub := range result.Subcategories {
		if err := h.enqueueSubcategory(ctx, p, sub); err != nil {
			return h.retryCategoryJob(ctx, runID, contextID, logger, err)
		}
	}

	if result.HasNextPage {
		next := p
		next.Page = p.Page + 1
		if err := h.producer.EnqueueCategoryPage(ctx, next); err != nil {
			return h.retryCategoryJob(ctx, runID, contextID, logger,
				fmt.Errorf("enqueue page %d of %q: %w", next.Page, p.CategoryURL, err))
		}
	}

	for _, ce := range result.Errors {
		logger.Warn("category page error",
			zap.String("type", string(ce.Type)),
			zap.String("url", ce.URL),
			zap.String("message", ce.Message),
		)
	}
	logger.Info("category page crawled",
		zap.Int("products", len(result.Products)),
		zap.Int("new_product_jobs", len(batch)),
		zap.Int("subcategories", len(result.Subcategories)),
		zap.Bool("has_next_page", result.HasNextPage),
	)
	metrics.ObserveJob(queue.QueueCategoryCrawl, "succeeded")
	return h.runs.OnJobDone(ctx, runID, contextID)
}

// enqueueSubcategory records a subcategory sighting and queues its first
// page unless this run already visited it. The last-seen-run check is
// what keeps category cycles from crawling forever.
func (h *Handlers) enqueueSubcategory(ctx context.Context, parent queue.CategoryCrawlPayload, sub catalog.DiscoveredCategory) error {
	runID, contextID := parent.RunID.Int64(), parent.ContextID.Int64()

	seen := false
	if rec, err := h.categories.FindByURL(ctx, contextID, sub.URL); err == nil && rec.LastSeenRunID == runID {
		seen = true
	}

	var parentID *int64
	if rec, err := h.categories.FindByURL(ctx, contextID, parent.CategoryURL); err == nil {
		parentID = &rec.ID
	}
	if _, err := h.categories.UpsertCategory(ctx, catalog.CategoryUpsert{
		ContextID:  contextID,
		RunID:      runID,
		URL:        sub.URL,
		Name:       sub.Name,
		Breadcrumb: sub.Breadcrumb,
		ParentID:   parentID,
	}); err != nil {
		return fmt.Errorf("upsert subcategory %q: %w", sub.URL, err)
	}
	if seen {
		return nil
	}
	if err := h.producer.EnqueueCategoryPage(ctx, queue.CategoryCrawlPayload{
		RunID:       parent.RunID,
		ContextID:   parent.ContextID,
		CategoryURL: sub.URL,
		Page:        1,
	}); err != nil {
		return fmt.Errorf("enqueue subcategory %q: %w", sub.URL, err)
	}
	return nil
}

// retryCategoryJob surfaces the error for another attempt, or settles the
// job when no attempts remain. A canceled context means the task will be
// redelivered after shutdown, so the pending slot stays reserved.
func (h *Handlers) retryCategoryJob(ctx context.Context, runID, contextID int64, logger *zap.Logger, err error) error {
	if ctx.Err() != nil || !lastAttempt(ctx) {
		metrics.ObserveJob(queue.QueueCategoryCrawl, "retried")
		return err
	}
	return h.failCategoryJob(ctx, runID, contextID, logger, err)
}

// failCategoryJob counts the terminal category failure and settles the
// job's pending slot.
func (h *Handlers) failCategoryJob(ctx context.Context, runID, contextID int64, logger *zap.Logger, cause error) error {
	logger.Error("category crawl failed permanently", zap.Error(cause))
	metrics.ObserveJob(queue.QueueCategoryCrawl, "failed")
	if err := h.tracker.RecordFailure(ctx, runID, "category"); err != nil {
		logger.Warn("failed to record category failure", zap.Error(err))
	}
	if err := h.runs.OnJobDone(ctx, runID, contextID); err != nil {
		return err
	}
	return fmt.Errorf("category crawl: %v: %w", cause, asynq.SkipRetry)
}

// HandleProductFetch fetches one product page, upserts the durable
// product, and writes a snapshot when the parsed content changed.
func (h *Handlers) HandleProductFetch(ctx context.Context, t *asynq.Task) error {
	p, err := queue.UnmarshalProductFetch(t.Payload())
	if err != nil {
		metrics.ObserveJob(queue.QueueProductFetch, "invalid")
		if runID, contextID, ok := queue.UnmarshalScope(t.Payload()); ok {
			return h.failProductJob(ctx, runID, contextID, h.logger, err)
		}
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	runID, contextID := p.RunID.Int64(), p.ContextID.Int64()
	logger := h.logger.With(zap.Int64("run_id", runID), zap.String("product_url", p.ProductURL))

	runObj, mc, crawler, err := h.loadJobScope(ctx, runID, contextID)
	if err != nil {
		if errors.Is(err, catalog.ErrNoCrawler) {
			return h.failProductJob(ctx, runID, contextID, logger, err)
		}
		return h.retryProductJob(ctx, runID, contextID, logger, err)
	}

	cc := h.crawlerContext(runObj, mc)
	var result catalog.ProductFetchResult
	err = withSession(ctx, crawler, cc, func() error {
		var ferr error
		result, ferr = crawler.FetchProduct(ctx, cc, p.ProductURL)
		return ferr
	})
	if err == nil && !result.Success {
		if result.Err != nil {
			err = fmt.Errorf("%s: %s", result.Err.Type, result.Err.Message)
			// Parse failures are deterministic; retrying refetches the
			// same unparseable page.
			if result.Err.Type == catalog.ErrorClassParse {
				return h.failProductJob(ctx, runID, contextID, logger, err)
			}
		} else {
			err = fmt.Errorf("product fetch did not succeed")
		}
	}
	if err != nil {
		return h.retryProductJob(ctx, runID, contextID, logger,
			fmt.Errorf("fetch product %q: %w", p.ProductURL, err))
	}

	canonicalURL := result.ProductURL
	if canonicalURL == "" {
		canonicalURL = p.ProductURL
	}
	parsed := result.Product
	if parsed == nil {
		parsed = &catalog.ParsedProduct{}
	}

	product, err := h.products.UpsertFromDiscovery(ctx, contextID, canonicalURL, parsed.SourceProductID, parsed.GTIN)
	if err != nil {
		return h.retryProductJob(ctx, runID, contextID, logger,
			fmt.Errorf("upsert product %q: %w", canonicalURL, err))
	}

	changed, err := h.writeSnapshotIfChanged(ctx, runObj, product, result.FetchID, parsed)
	if err != nil {
		return h.retryProductJob(ctx, runID, contextID, logger, err)
	}
	logger.Debug("product fetched",
		zap.Int64("product_id", product.ID),
		zap.Bool("snapshot_written", changed),
	)
	metrics.ObserveJob(queue.QueueProductFetch, "succeeded")
	return h.runs.OnJobDone(ctx, runID, contextID)
}

// contentFingerprint is the canonical form hashed for change detection.
// Volatile fields like the raw payload and warnings stay out of it.
type contentFingerprint struct {
	Name               string         `json:"name"`
	Brand              string         `json:"brand"`
	Description        string         `json:"description"`
	CategoryBreadcrumb []string       `json:"category_breadcrumb"`
	PackageSizeText    string         `json:"package_size_text"`
	ImageURLs          []string       `json:"image_urls"`
	Attributes         map[string]any `json:"attributes"`
}

// writeSnapshotIfChanged hashes the parsed content and appends a snapshot
// only when it differs from the product's latest one.
func (h *Handlers) writeSnapshotIfChanged(ctx context.Context, runObj catalog.CrawlRun, product catalog.Product, fetchID int64, parsed *catalog.ParsedProduct) (bool, error) {
	canonical, err := json.Marshal(contentFingerprint{
		Name:               parsed.Name,
		Brand:              parsed.Brand,
		Description:        parsed.Description,
		CategoryBreadcrumb: parsed.CategoryBreadcrumb,
		PackageSizeText:    parsed.PackageSizeText,
		ImageURLs:          parsed.ImageURLs,
		Attributes:         parsed.Attributes,
	})
	if err != nil {
		return false, fmt.Errorf("fingerprint product %d: %w", product.ID, err)
	}
	hash, err := h.hasher.Hash(canonical)
	if err != nil {
		return false, fmt.Errorf("hash product %d content: %w", product.ID, err)
	}

	latest, err := h.snapshots.LatestContentHash(ctx, product.ID)
	if err != nil {
		return false, fmt.Errorf("load latest hash for product %d: %w", product.ID, err)
	}
	if latest == hash {
		metrics.ObserveSnapshotSkipped()
		return false, nil
	}

	snap := catalog.Snapshot{
		ProductID:          product.ID,
		RunID:              runObj.ID,
		CapturedAt:         h.clock.Now(),
		Name:               parsed.Name,
		Brand:              parsed.Brand,
		Description:        parsed.Description,
		CategoryBreadcrumb: parsed.CategoryBreadcrumb,
		PackageSizeText:    parsed.PackageSizeText,
		ImageURLs:          parsed.ImageURLs,
		Attributes:         parsed.Attributes,
		RawPayload:         parsed.RawPayload,
		ContentHash:        hash,
		ParseOK:            len(parsed.Warnings) == 0,
		ParseWarnings:      parsed.Warnings,
	}
	if fetchID != 0 {
		snap.FetchID = &fetchID
	}
	snapID, err := h.snapshots.CreateSnapshot(ctx, snap)
	if err != nil {
		return false, fmt.Errorf("create snapshot for product %d: %w", product.ID, err)
	}
	metrics.ObserveSnapshotWritten()

	if h.publisher != nil {
		event := SnapshotCreatedEvent{
			Event:      EventSnapshotCreated,
			SnapshotID: snapID,
			ProductID:  product.ID,
			RunID:      runObj.ID,
			ContextID:  product.ContextID,
			CapturedAt: snap.CapturedAt,
		}
		if _, perr := h.publisher.Publish(ctx, EventSnapshotCreated, event); perr != nil {
			h.logger.Warn("failed to publish snapshot event",
				zap.Int64("snapshot_id", snapID),
				zap.Error(perr),
			)
		}
	}
	return true, nil
}

// retryProductJob surfaces the error for another attempt, or settles the
// job when no attempts remain. A canceled context means the task will be
// redelivered after shutdown, so the pending slot stays reserved.
func (h *Handlers) retryProductJob(ctx context.Context, runID, contextID int64, logger *zap.Logger, err error) error {
	if ctx.Err() != nil || !lastAttempt(ctx) {
		metrics.ObserveJob(queue.QueueProductFetch, "retried")
		return err
	}
	return h.failProductJob(ctx, runID, contextID, logger, err)
}

// failProductJob counts the terminal product failure and settles the
// job's pending slot.
func (h *Handlers) failProductJob(ctx context.Context, runID, contextID int64, logger *zap.Logger, cause error) error {
	logger.Error("product fetch failed permanently", zap.Error(cause))
	metrics.ObserveJob(queue.QueueProductFetch, "failed")
	if err := h.tracker.RecordFailure(ctx, runID, "product"); err != nil {
		logger.Warn("failed to record product failure", zap.Error(err))
	}
	if err := h.runs.OnJobDone(ctx, runID, contextID); err != nil {
		return err
	}
	return fmt.Errorf("product fetch: %v: %w", cause, asynq.SkipRetry)
}

// HandleReconcile closes out a drained run by deactivating products the
// run never saw. The run's start time is the freshness threshold, so
// anything last seen before the crawl began is considered gone.
func (h *Handlers) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	p, err := queue.UnmarshalReconcile(t.Payload())
	if err != nil {
		metrics.ObserveJob(queue.QueueReconciliation, "invalid")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	runID, contextID := p.RunID.Int64(), p.ContextID.Int64()

	runObj, err := h.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %d: %w", runID, err)
	}
	// Price-only runs do not visit the whole catalog; deactivating from
	// them would wipe products the run never intended to see.
	if runObj.RunType != catalog.RunTypeCatalog {
		metrics.ObserveJob(queue.QueueReconciliation, "skipped")
		return nil
	}

	deactivated, err := h.products.DeactivateStale(ctx, contextID, runObj.StartedAt)
	if err != nil {
		metrics.ObserveJob(queue.QueueReconciliation, "retried")
		return fmt.Errorf("deactivate stale products for context %d: %w", contextID, err)
	}
	metrics.ObserveProductsDeactivated(deactivated)

	active, err := h.products.CountActive(ctx, contextID)
	if err != nil {
		return fmt.Errorf("count active products for context %d: %w", contextID, err)
	}
	h.logger.Info("reconciliation complete",
		zap.Int64("run_id", runID),
		zap.Int64("context_id", contextID),
		zap.Int64("deactivated", deactivated),
		zap.Int64("active_products", active),
	)
	metrics.ObserveJob(queue.QueueReconciliation, "succeeded")
	return nil
}

// loadJobScope resolves the run, context, and crawler for a queued job.
func (h *Handlers) loadJobScope(ctx context.Context, runID, contextID int64) (catalog.CrawlRun, catalog.MerchantContext, catalog.Crawler, error) {
	runObj, err := h.runs.Get(ctx, runID)
	if err != nil {
		return catalog.CrawlRun{}, catalog.MerchantContext{}, nil, fmt.Errorf("load run %d: %w", runID, err)
	}
	mc, err := h.contexts.GetContext(ctx, contextID)
	if err != nil {
		return catalog.CrawlRun{}, catalog.MerchantContext{}, nil, fmt.Errorf("load context %d: %w", contextID, err)
	}
	crawler, err := h.registry.ForMerchant(mc.MerchantID)
	if err != nil {
		if errors.Is(err, catalog.ErrNoCrawler) {
			err = fmt.Errorf("no crawler registered for merchant %d: %w", mc.MerchantID, err)
		}
		return catalog.CrawlRun{}, catalog.MerchantContext{}, nil, err
	}
	return runObj, mc, crawler, nil
}
