package catalog

import (
	"context"
	"time"
)

// RunStore persists crawl runs and enforces the one-running-run-per-context
// invariant at creation time.
type RunStore interface {
	// CreateRun inserts a run in running state. Returns ErrRunConflict when
	// the context already has a running run of the same type; the check and
	// the insert are atomic.
	CreateRun(ctx context.Context, contextID int64, runType RunType, params map[string]any, scraperVersion string) (CrawlRun, error)
	GetRun(ctx context.Context, runID int64) (CrawlRun, error)
	// FinishRun stamps finishedAt and moves the run to a terminal status.
	// Finished runs are immutable; finishing twice is a no-op.
	FinishRun(ctx context.Context, runID int64, status RunStatus, notes string) error
	ListRecentRuns(ctx context.Context, contextID int64, limit int) ([]CrawlRun, error)
	HasRunningRun(ctx context.Context, contextID int64, runType RunType) (bool, error)
}

// ContextStore reads merchant context reference data.
type ContextStore interface {
	GetContext(ctx context.Context, contextID int64) (MerchantContext, error)
	ListActiveContexts(ctx context.Context) ([]MerchantContext, error)
}

// CategoryUpsert is the input for CategoryStore.UpsertCategory.
type CategoryUpsert struct {
	ContextID  int64
	RunID      int64
	URL        string
	Name       string
	Breadcrumb []string
	ParentID   *int64
}

// CategoryStore upserts category sightings keyed by (context, url).
type CategoryStore interface {
	UpsertCategory(ctx context.Context, c CategoryUpsert) (CategoryRecord, error)
	FindByURL(ctx context.Context, contextID int64, url string) (CategoryRecord, error)
	CountCategoriesForRun(ctx context.Context, runID int64) (int64, error)
}

// DiscoveryStore records per-run product sightings keyed by (run, url).
type DiscoveryStore interface {
	// UpsertDiscovery records the sighting and reports whether it is the
	// first one for (run, url). Repeat sightings refresh the category link.
	UpsertDiscovery(ctx context.Context, runID, contextID int64, productURL string, categoryID *int64) (bool, error)
	CountDiscoveriesForRun(ctx context.Context, runID int64) (int64, error)
}

// ProductStore upserts durable products keyed by (context, canonical url)
// and drives reconciliation.
type ProductStore interface {
	// UpsertFromDiscovery refreshes lastSeenAt and reactivates the product.
	// Empty sourceProductID/gtin never overwrite stored values.
	UpsertFromDiscovery(ctx context.Context, contextID int64, canonicalURL, sourceProductID, gtin string) (Product, error)
	FindByCanonicalURL(ctx context.Context, contextID int64, canonicalURL string) (Product, error)
	// DeactivateStale flips isActive off for active products not seen since
	// the threshold and returns how many were deactivated.
	DeactivateStale(ctx context.Context, contextID int64, notSeenSince time.Time) (int64, error)
	CountActive(ctx context.Context, contextID int64) (int64, error)
}

// SnapshotStore appends immutable product snapshots.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, s Snapshot) (int64, error)
	// LatestContentHash returns the content hash of the product's most
	// recent snapshot, or "" when it has none.
	LatestContentHash(ctx context.Context, productID int64) (string, error)
	CountSnapshotsForRun(ctx context.Context, runID int64) (int64, error)
}

// FetchStore appends fetch audit rows.
type FetchStore interface {
	RecordFetch(ctx context.Context, rec FetchRecord) (int64, error)
	CountFetchesForRun(ctx context.Context, runID int64) (int64, error)
	CountFailedFetchesForRun(ctx context.Context, runID int64) (int64, error)
}

// ProxyStore manages the shared proxy pool. Counter updates are atomic
// increments at the storage layer; selection is advisory (see proxy.Pool).
type ProxyStore interface {
	// SelectIdle returns up to limit active proxies ordered by least
	// recently used.
	SelectIdle(ctx context.Context, limit int) ([]Proxy, error)
	MarkUsed(ctx context.Context, proxyID int64, at time.Time) error
	RecordResult(ctx context.Context, proxyID int64, success bool, httpStatus int) error
	// DeactivateUnhealthy disables proxies whose failures exceed successes
	// once they have at least minRequests total requests.
	DeactivateUnhealthy(ctx context.Context, minRequests int64) (int64, error)
}

// RunTracker counts outstanding jobs and terminal failures per run. The
// pipeline finalizes a run and schedules reconciliation when the pending
// count drains to zero.
type RunTracker interface {
	// AddPending reserves delta outstanding jobs before they are enqueued.
	AddPending(ctx context.Context, runID int64, delta int64) (int64, error)
	// DonePending marks one job terminally complete and returns the
	// remaining count.
	DonePending(ctx context.Context, runID int64) (int64, error)
	// RecordFailure tallies a permanently failed job under a kind such as
	// "category" or "product".
	RecordFailure(ctx context.Context, runID int64, kind string) error
	Failures(ctx context.Context, runID int64) (map[string]int64, error)
	Clear(ctx context.Context, runID int64) error
}

// BlobStore archives raw artifacts and returns a storage URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes pipeline events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (swapped out in tests).
type Clock interface {
	Now() time.Time
}
