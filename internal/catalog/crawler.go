package catalog

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CrawlerContext carries run identity and injected services into a merchant
// crawler. Built fresh by the worker for every job.
type CrawlerContext struct {
	RunID          int64
	ContextID      int64
	MerchantID     int64
	WebsiteBaseURL string
	Params         map[string]any

	Fetcher Fetcher
	Logger  *zap.Logger
}

// FetchOptions tunes a single fetch. The zero value means GET with default
// browser headers, the service default timeout, and redirects followed.
type FetchOptions struct {
	Method           string
	Headers          http.Header
	Body             []byte
	Timeout          time.Duration
	NoFollowRedirect bool
}

// FetchResult is the structured outcome of one fetch attempt. Transport
// failures, timeouts, and blocking are reported through ErrorClass rather
// than an error return; callers decide what is retryable.
type FetchResult struct {
	FetchID         int64
	URL             string
	FinalURL        string
	StatusCode      int
	ContentType     string
	ResponseHeaders http.Header
	Body            []byte
	BodySHA256      string
	Duration        time.Duration
	Blocked         bool
	ErrorClass      ErrorClass
	ErrorMessage    string
}

// OK reports whether the fetch produced a usable page.
func (r FetchResult) OK() bool {
	return r.ErrorClass == "" && !r.Blocked
}

// Fetcher performs rate-respecting, proxy-capable fetches and records every
// attempt. Implemented by the fetch service; supplied to crawlers via
// CrawlerContext.
type Fetcher interface {
	Fetch(ctx context.Context, runID int64, url string, opts FetchOptions) (FetchResult, error)
}

// CrawlError describes one failure inside a crawl step.
type CrawlError struct {
	Type       ErrorClass `json:"type"`
	Message    string     `json:"message"`
	URL        string     `json:"url,omitempty"`
	HTTPStatus int        `json:"http_status,omitempty"`
}

// DiscoveredCategory is a category found during root discovery or while
// crawling a category page.
type DiscoveredCategory struct {
	URL        string
	Name       string
	Breadcrumb []string
	ParentURL  string
}

// CategoryDiscoveryResult is returned by Crawler.DiscoverCategories.
type CategoryDiscoveryResult struct {
	Categories []DiscoveredCategory
	Errors     []CrawlError
}

// DiscoveredProduct is a product URL (plus whatever identity the listing
// exposes) found on a category page.
type DiscoveredProduct struct {
	URL             string
	SourceProductID string
	GTIN            string
	Name            string
}

// CategoryCrawlResult is returned by Crawler.CrawlCategoryPage.
// HasNextPage signals another listing page for the same category URL;
// crawlers derive page URLs from (categoryURL, page).
type CategoryCrawlResult struct {
	Products      []DiscoveredProduct
	HasNextPage   bool
	Subcategories []DiscoveredCategory
	Errors        []CrawlError
}

// ParsedProduct is the structured content extracted from a product page.
type ParsedProduct struct {
	SourceProductID    string
	GTIN               string
	Name               string
	Brand              string
	Description        string
	CategoryBreadcrumb []string
	PackageSizeText    string
	ImageURLs          []string
	Attributes         map[string]any
	RawPayload         map[string]any
	Warnings           []string
}

// ProductFetchResult is returned by Crawler.FetchProduct.
type ProductFetchResult struct {
	ProductURL string
	FetchID    int64
	Success    bool
	Product    *ParsedProduct
	Err        *CrawlError
}

// Crawler is the contract every merchant-specific crawler implements. One
// implementation per merchant, registered at startup; the pipeline ships
// none of its own.
type Crawler interface {
	// ID is a stable identifier for diagnostics, e.g. "acme-br".
	ID() string
	// DisplayName is the human-readable crawler name.
	DisplayName() string
	// MerchantIDs lists the merchant ids this crawler serves.
	MerchantIDs() []int64

	// DiscoverCategories returns the merchant's root categories.
	DiscoverCategories(ctx context.Context, cc CrawlerContext) (CategoryDiscoveryResult, error)
	// CrawlCategoryPage extracts product URLs, pagination, and subcategories
	// from one category page.
	CrawlCategoryPage(ctx context.Context, cc CrawlerContext, categoryURL string, page int) (CategoryCrawlResult, error)
	// FetchProduct fetches and parses a single product page.
	FetchProduct(ctx context.Context, cc CrawlerContext, productURL string) (ProductFetchResult, error)
}

// URLMatcher is an optional crawler hook for URL-based routing.
type URLMatcher interface {
	CanHandleURL(url string) bool
}

// SessionCrawler is an optional hook for crawlers needing cookie or session
// bootstrapping around a run.
type SessionCrawler interface {
	SetupSession(ctx context.Context, cc CrawlerContext) error
	TeardownSession(ctx context.Context, cc CrawlerContext) error
}
