// Package catalog defines the core types shared across the crawl pipeline.
package catalog

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// RunStatus represents the lifecycle state of a crawl run.
type RunStatus string

// Run status values persisted in the run store. A run is immutable once it
// leaves the running state.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusPartial:
		return true
	default:
		return false
	}
}

// RunType distinguishes full catalog passes from price-only passes.
type RunType string

const (
	RunTypeCatalog RunType = "catalog"
	RunTypePrice   RunType = "price"
)

// ErrorClass is the failure taxonomy shared by fetches and crawl steps.
type ErrorClass string

const (
	ErrorClassNetwork ErrorClass = "network"
	ErrorClassTimeout ErrorClass = "timeout"
	ErrorClassBlocked ErrorClass = "blocked"
	ErrorClassParse   ErrorClass = "parse"
	ErrorClassUnknown ErrorClass = "unknown"
)

// CrawlRun is one orchestration pass for one merchant context.
type CrawlRun struct {
	ID             int64          `json:"run_id"`
	ContextID      int64          `json:"context_id"`
	RunType        RunType        `json:"run_type"`
	Status         RunStatus      `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	ScraperVersion string         `json:"scraper_version"`
	Notes          string         `json:"notes,omitempty"`
}

// MerchantContext is a scrape configuration for one merchant, e.g. a
// region or pricing scope. Read-only to the pipeline.
type MerchantContext struct {
	ID             int64          `json:"context_id"`
	MerchantID     int64          `json:"merchant_id"`
	MerchantName   string         `json:"merchant_name"`
	WebsiteBaseURL string         `json:"website_base_url"`
	Label          string         `json:"label"`
	Params         map[string]any `json:"params,omitempty"`
	Active         bool           `json:"active"`
}

// CategoryRecord is a category URL observed during crawl runs, unique per
// (context, url). Name and breadcrumb track the most recent sighting.
type CategoryRecord struct {
	ID            int64     `json:"category_id"`
	ContextID     int64     `json:"context_id"`
	URL           string    `json:"url"`
	Name          string    `json:"name"`
	Breadcrumb    []string  `json:"breadcrumb"`
	ParentID      *int64    `json:"parent_category_id,omitempty"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	LastSeenRunID int64     `json:"last_seen_run_id"`
}

// Discovery is a (run, product URL) sighting, unique per run.
type Discovery struct {
	RunID        int64     `json:"run_id"`
	ContextID    int64     `json:"context_id"`
	ProductURL   string    `json:"product_url"`
	CategoryID   *int64    `json:"category_id,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Product is the durable record of a merchant product, unique per
// (context, canonical URL). Deactivated products are kept forever.
type Product struct {
	ID              int64     `json:"product_id"`
	ContextID       int64     `json:"context_id"`
	CanonicalURL    string    `json:"canonical_url"`
	SourceProductID string    `json:"source_product_id,omitempty"`
	GTIN            string    `json:"gtin,omitempty"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	Active          bool      `json:"is_active"`
}

// Snapshot is an immutable capture of a product page's parsed content.
type Snapshot struct {
	ID                 int64          `json:"snapshot_id"`
	ProductID          int64          `json:"product_id"`
	RunID              int64          `json:"run_id"`
	FetchID            *int64         `json:"fetch_id,omitempty"`
	CapturedAt         time.Time      `json:"captured_at"`
	Name               string         `json:"name"`
	Brand              string         `json:"brand,omitempty"`
	Description        string         `json:"description,omitempty"`
	CategoryBreadcrumb []string       `json:"category_breadcrumb,omitempty"`
	PackageSizeText    string         `json:"package_size_text,omitempty"`
	ImageURLs          []string       `json:"image_urls,omitempty"`
	Attributes         map[string]any `json:"attributes,omitempty"`
	RawPayload         map[string]any `json:"raw_payload,omitempty"`
	ContentHash        string         `json:"content_hash"`
	ParseOK            bool           `json:"parse_ok"`
	ParseWarnings      []string       `json:"parse_warnings,omitempty"`
}

// FetchRecord is the audit row written for every network fetch attempt.
type FetchRecord struct {
	ID              int64       `json:"fetch_id"`
	RunID           int64       `json:"run_id"`
	URL             string      `json:"url"`
	FinalURL        string      `json:"final_url"`
	HTTPStatus      int         `json:"http_status,omitempty"`
	ContentType     string      `json:"content_type,omitempty"`
	DurationMs      int64       `json:"duration_ms"`
	ResponseHeaders http.Header `json:"response_headers,omitempty"`
	BodySHA256      string      `json:"body_sha256,omitempty"`
	BodyBytes       int64       `json:"body_bytes"`
	BodyStorageKey  string      `json:"body_storage_key,omitempty"`
	ErrorClass      ErrorClass  `json:"error_class,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	Blocked         bool        `json:"is_blocked"`
	FetchedAt       time.Time   `json:"fetched_at"`
}

// Failed reports whether the attempt should count against a run's
// failed-fetch tally.
func (r FetchRecord) Failed() bool {
	return r.ErrorClass != "" || r.Blocked
}

// Proxy is an egress proxy endpoint with health counters.
type Proxy struct {
	ID            int64      `json:"proxy_id"`
	Address       string     `json:"address"`
	Port          int        `json:"port"`
	Username      string     `json:"username,omitempty"`
	Password      string     `json:"-"`
	Kind          string     `json:"kind,omitempty"`
	Active        bool       `json:"active"`
	TotalRequests int64      `json:"total_requests"`
	SuccessCount  int64      `json:"success_count"`
	FailureCount  int64      `json:"failure_count"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	LastStatus    int        `json:"last_status,omitempty"`
}

// URL renders the proxy as an http proxy URL suitable for http.Transport.
func (p Proxy) URL() *url.URL {
	u := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", p.Address, p.Port),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// RunProgress is the mid-run observability view returned by the API.
type RunProgress struct {
	RunID              int64     `json:"run_id"`
	DiscoveredProducts int64     `json:"discovered_products"`
	CategoriesCrawled  int64     `json:"categories_crawled"`
	HTTPFetches        int64     `json:"http_fetches"`
	FailedFetches      int64     `json:"failed_fetches"`
	Status             RunStatus `json:"status"`
}
