// Package registry maps merchant identity to crawler implementations.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
)

// Registry holds the merchant id -> crawler lookup table. Registration
// happens once at startup from an explicit list; lookups are O(1).
type Registry struct {
	mu         sync.RWMutex
	byMerchant map[int64]catalog.Crawler
	byID       map[string]catalog.Crawler
	logger     *zap.Logger
}

// New constructs an empty Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byMerchant: make(map[int64]catalog.Crawler),
		byID:       make(map[string]catalog.Crawler),
		logger:     logger,
	}
}

// Register adds a crawler for every merchant id it serves. Registering a
// second crawler for the same merchant overwrites the prior mapping with a
// warning; last write wins.
func (r *Registry) Register(c catalog.Crawler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[c.ID()] = c
	for _, merchantID := range c.MerchantIDs() {
		if prev, ok := r.byMerchant[merchantID]; ok {
			r.logger.Warn("merchant already has a registered crawler, overwriting",
				zap.Int64("merchant_id", merchantID),
				zap.String("previous_crawler", prev.ID()),
				zap.String("crawler", c.ID()),
			)
		}
		r.byMerchant[merchantID] = c
	}
	r.logger.Info("registered crawler",
		zap.String("crawler", c.ID()),
		zap.String("name", c.DisplayName()),
		zap.Int64s("merchant_ids", c.MerchantIDs()),
	)
}

// ForMerchant returns the crawler serving a merchant, or ErrNoCrawler.
func (r *Registry) ForMerchant(merchantID int64) (catalog.Crawler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byMerchant[merchantID]
	if !ok {
		return nil, catalog.ErrNoCrawler
	}
	return c, nil
}

// ByID returns a crawler by its identifier, for diagnostics.
func (r *Registry) ByID(crawlerID string) (catalog.Crawler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[crawlerID]
	return c, ok
}

// CrawlerIDs lists all registered crawler identifiers.
func (r *Registry) CrawlerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

// MerchantIDs lists all merchant ids with a crawler.
func (r *Registry) MerchantIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.byMerchant))
	for id := range r.byMerchant {
		ids = append(ids, id)
	}
	return ids
}

// Size returns how many crawlers are registered.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// WarnIfEmpty logs loudly when no crawlers are registered. Called once at
// startup; an empty registry means every job will fail fatally.
func (r *Registry) WarnIfEmpty() {
	if r.Size() == 0 {
		r.logger.Warn("no crawlers registered; every crawl job will fail until implementations are registered")
	}
}
