package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
)

type categoryKey struct {
	contextID int64
	url       string
}

// CatalogStore implements the category, discovery, product, and snapshot
// stores over maps keyed by the same unique keys the relational schema uses.
type CatalogStore struct {
	mu sync.RWMutex

	nextCategoryID int64
	nextProductID  int64
	nextSnapshotID int64

	categories  map[categoryKey]catalog.CategoryRecord
	discoveries map[int64]map[string]catalog.Discovery
	products    map[categoryKey]catalog.Product
	snapshots   []catalog.Snapshot
}

// NewCatalogStore constructs an empty CatalogStore.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{
		nextCategoryID: 1,
		nextProductID:  1,
		nextSnapshotID: 1,
		categories:     make(map[categoryKey]catalog.CategoryRecord),
		discoveries:    make(map[int64]map[string]catalog.Discovery),
		products:       make(map[categoryKey]catalog.Product),
	}
}

// UpsertCategory inserts or refreshes a category sighting keyed by
// (context, url). The latest name/breadcrumb/parent win.
func (s *CatalogStore) UpsertCategory(_ context.Context, c catalog.CategoryUpsert) (catalog.CategoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := categoryKey{contextID: c.ContextID, url: c.URL}
	rec, ok := s.categories[key]
	if !ok {
		rec = catalog.CategoryRecord{
			ID:          s.nextCategoryID,
			ContextID:   c.ContextID,
			URL:         c.URL,
			FirstSeenAt: now,
		}
		s.nextCategoryID++
	}
	rec.Name = c.Name
	rec.Breadcrumb = append([]string(nil), c.Breadcrumb...)
	rec.ParentID = c.ParentID
	rec.LastSeenAt = now
	rec.LastSeenRunID = c.RunID
	s.categories[key] = rec
	return rec, nil
}

// FindByURL fetches a category by its unique key.
func (s *CatalogStore) FindByURL(_ context.Context, contextID int64, url string) (catalog.CategoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.categories[categoryKey{contextID: contextID, url: url}]
	if !ok {
		return catalog.CategoryRecord{}, catalog.ErrNotFound
	}
	return rec, nil
}

// CountCategoriesForRun counts categories last seen by the given run.
func (s *CatalogStore) CountCategoriesForRun(_ context.Context, runID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, rec := range s.categories {
		if rec.LastSeenRunID == runID {
			n++
		}
	}
	return n, nil
}

// UpsertDiscovery records a (run, product URL) sighting exactly once and
// reports whether this was the first one.
func (s *CatalogStore) UpsertDiscovery(
	_ context.Context,
	runID, contextID int64,
	productURL string,
	categoryID *int64,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byURL, ok := s.discoveries[runID]
	if !ok {
		byURL = make(map[string]catalog.Discovery)
		s.discoveries[runID] = byURL
	}
	d, seen := byURL[productURL]
	if !seen {
		d = catalog.Discovery{
			RunID:      runID,
			ContextID:  contextID,
			ProductURL: productURL,
		}
	}
	d.CategoryID = categoryID
	d.DiscoveredAt = time.Now().UTC()
	byURL[productURL] = d
	return !seen, nil
}

// CountDiscoveriesForRun counts unique product sightings in a run.
func (s *CatalogStore) CountDiscoveriesForRun(_ context.Context, runID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.discoveries[runID])), nil
}

// UpsertFromDiscovery inserts or refreshes the durable product row,
// marking it active and updating lastSeenAt. Empty identity fields never
// erase previously stored values.
func (s *CatalogStore) UpsertFromDiscovery(
	_ context.Context,
	contextID int64,
	canonicalURL, sourceProductID, gtin string,
) (catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := categoryKey{contextID: contextID, url: canonicalURL}
	p, ok := s.products[key]
	if !ok {
		p = catalog.Product{
			ID:           s.nextProductID,
			ContextID:    contextID,
			CanonicalURL: canonicalURL,
			FirstSeenAt:  now,
		}
		s.nextProductID++
	}
	if sourceProductID != "" {
		p.SourceProductID = sourceProductID
	}
	if gtin != "" {
		p.GTIN = gtin
	}
	p.LastSeenAt = now
	p.Active = true
	s.products[key] = p
	return p, nil
}

// FindByCanonicalURL fetches a product by its unique key.
func (s *CatalogStore) FindByCanonicalURL(_ context.Context, contextID int64, canonicalURL string) (catalog.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[categoryKey{contextID: contextID, url: canonicalURL}]
	if !ok {
		return catalog.Product{}, catalog.ErrNotFound
	}
	return p, nil
}

// DeactivateStale flips active products not seen since the threshold.
func (s *CatalogStore) DeactivateStale(_ context.Context, contextID int64, notSeenSince time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, p := range s.products {
		if p.ContextID == contextID && p.Active && p.LastSeenAt.Before(notSeenSince) {
			p.Active = false
			s.products[key] = p
			n++
		}
	}
	return n, nil
}

// CountActive counts active products for a context.
func (s *CatalogStore) CountActive(_ context.Context, contextID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, p := range s.products {
		if p.ContextID == contextID && p.Active {
			n++
		}
	}
	return n, nil
}

// CreateSnapshot appends an immutable snapshot row.
func (s *CatalogStore) CreateSnapshot(_ context.Context, snap catalog.Snapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ID = s.nextSnapshotID
	s.nextSnapshotID++
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}
	s.snapshots = append(s.snapshots, snap)
	return snap.ID, nil
}

// LatestContentHash returns the newest snapshot hash for a product.
func (s *CatalogStore) LatestContentHash(_ context.Context, productID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *catalog.Snapshot
	for i := range s.snapshots {
		snap := &s.snapshots[i]
		if snap.ProductID != productID {
			continue
		}
		if latest == nil || snap.ID > latest.ID {
			latest = snap
		}
	}
	if latest == nil {
		return "", nil
	}
	return latest.ContentHash, nil
}

// CountSnapshotsForRun counts snapshots captured in a run.
func (s *CatalogStore) CountSnapshotsForRun(_ context.Context, runID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, snap := range s.snapshots {
		if snap.RunID == runID {
			n++
		}
	}
	return n, nil
}

// Snapshots returns a copy of all snapshot rows (test helper).
func (s *CatalogStore) Snapshots() []catalog.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.Snapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}
