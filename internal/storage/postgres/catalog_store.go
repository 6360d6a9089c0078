package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
)

// CatalogStore implements the category, discovery, product, and snapshot
// stores over the relational schema.
type CatalogStore struct {
	db DB
}

// NewCatalogStore constructs a CatalogStore over the shared pool.
func NewCatalogStore(db DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// UpsertCategory inserts or refreshes a category sighting keyed by
// (context, url). The latest name/breadcrumb/parent win.
func (s *CatalogStore) UpsertCategory(ctx context.Context, c catalog.CategoryUpsert) (catalog.CategoryRecord, error) {
	breadcrumbJSON, err := marshalNullable(c.Breadcrumb)
	if err != nil {
		return catalog.CategoryRecord{}, fmt.Errorf("marshal breadcrumb: %w", err)
	}

	query := `
		INSERT INTO categories (context_id, url, name, breadcrumb, parent_id, last_seen_run_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (context_id, url) DO UPDATE SET
			name = EXCLUDED.name,
			breadcrumb = EXCLUDED.breadcrumb,
			parent_id = EXCLUDED.parent_id,
			last_seen_at = now(),
			last_seen_run_id = EXCLUDED.last_seen_run_id
		RETURNING id, first_seen_at, last_seen_at
	`
	rec := catalog.CategoryRecord{
		ContextID:     c.ContextID,
		URL:           c.URL,
		Name:          c.Name,
		Breadcrumb:    c.Breadcrumb,
		ParentID:      c.ParentID,
		LastSeenRunID: c.RunID,
	}
	err = s.db.QueryRow(ctx, query, c.ContextID, c.URL, c.Name, breadcrumbJSON, c.ParentID, c.RunID).
		Scan(&rec.ID, &rec.FirstSeenAt, &rec.LastSeenAt)
	if err != nil {
		return catalog.CategoryRecord{}, fmt.Errorf("upsert category: %w", err)
	}
	return rec, nil
}

// FindByURL fetches a category by its unique key.
func (s *CatalogStore) FindByURL(ctx context.Context, contextID int64, url string) (catalog.CategoryRecord, error) {
	query := `
		SELECT id, context_id, url, name, breadcrumb, parent_id,
		       first_seen_at, last_seen_at, last_seen_run_id
		FROM categories
		WHERE context_id = $1 AND url = $2
	`
	var (
		rec            catalog.CategoryRecord
		breadcrumbJSON []byte
	)
	err := s.db.QueryRow(ctx, query, contextID, url).Scan(
		&rec.ID,
		&rec.ContextID,
		&rec.URL,
		&rec.Name,
		&breadcrumbJSON,
		&rec.ParentID,
		&rec.FirstSeenAt,
		&rec.LastSeenAt,
		&rec.LastSeenRunID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.CategoryRecord{}, catalog.ErrNotFound
		}
		return catalog.CategoryRecord{}, fmt.Errorf("find category: %w", err)
	}
	if err := unmarshalNullable(breadcrumbJSON, &rec.Breadcrumb); err != nil {
		return catalog.CategoryRecord{}, fmt.Errorf("unmarshal breadcrumb: %w", err)
	}
	return rec, nil
}

// CountCategoriesForRun counts categories last seen by the given run.
func (s *CatalogStore) CountCategoriesForRun(ctx context.Context, runID int64) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM categories WHERE last_seen_run_id = $1`, runID)
}

// UpsertDiscovery records a (run, product URL) sighting exactly once and
// reports whether this was the first one. xmax = 0 only for freshly
// inserted rows.
func (s *CatalogStore) UpsertDiscovery(
	ctx context.Context,
	runID, contextID int64,
	productURL string,
	categoryID *int64,
) (bool, error) {
	query := `
		INSERT INTO product_discoveries (run_id, context_id, product_url, category_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, product_url) DO UPDATE SET
			category_id = EXCLUDED.category_id,
			discovered_at = now()
		RETURNING (xmax = 0) AS created
	`
	var created bool
	err := s.db.QueryRow(ctx, query, runID, contextID, productURL, categoryID).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert discovery: %w", err)
	}
	return created, nil
}

// CountDiscoveriesForRun counts unique product sightings in a run.
func (s *CatalogStore) CountDiscoveriesForRun(ctx context.Context, runID int64) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM product_discoveries WHERE run_id = $1`, runID)
}

// UpsertFromDiscovery inserts or refreshes the durable product row, marking
// it active and updating last_seen_at. Empty identity fields never erase
// previously stored values.
func (s *CatalogStore) UpsertFromDiscovery(
	ctx context.Context,
	contextID int64,
	canonicalURL, sourceProductID, gtin string,
) (catalog.Product, error) {
	query := `
		INSERT INTO products (context_id, canonical_url, source_product_id, gtin)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		ON CONFLICT (context_id, canonical_url) DO UPDATE SET
			source_product_id = COALESCE(EXCLUDED.source_product_id, products.source_product_id),
			gtin = COALESCE(EXCLUDED.gtin, products.gtin),
			last_seen_at = now(),
			is_active = TRUE
		RETURNING id, COALESCE(source_product_id, ''), COALESCE(gtin, ''),
		          first_seen_at, last_seen_at, is_active
	`
	p := catalog.Product{
		ContextID:    contextID,
		CanonicalURL: canonicalURL,
	}
	err := s.db.QueryRow(ctx, query, contextID, canonicalURL, sourceProductID, gtin).Scan(
		&p.ID,
		&p.SourceProductID,
		&p.GTIN,
		&p.FirstSeenAt,
		&p.LastSeenAt,
		&p.Active,
	)
	if err != nil {
		return catalog.Product{}, fmt.Errorf("upsert product: %w", err)
	}
	return p, nil
}

// FindByCanonicalURL fetches a product by its unique key.
func (s *CatalogStore) FindByCanonicalURL(ctx context.Context, contextID int64, canonicalURL string) (catalog.Product, error) {
	query := `
		SELECT id, context_id, canonical_url, COALESCE(source_product_id, ''),
		       COALESCE(gtin, ''), first_seen_at, last_seen_at, is_active
		FROM products
		WHERE context_id = $1 AND canonical_url = $2
	`
	var p catalog.Product
	err := s.db.QueryRow(ctx, query, contextID, canonicalURL).Scan(
		&p.ID,
		&p.ContextID,
		&p.CanonicalURL,
		&p.SourceProductID,
		&p.GTIN,
		&p.FirstSeenAt,
		&p.LastSeenAt,
		&p.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Product{}, catalog.ErrNotFound
		}
		return catalog.Product{}, fmt.Errorf("find product: %w", err)
	}
	return p, nil
}

// DeactivateStale flips active products not seen since the threshold.
// Deactivated rows are kept forever.
func (s *CatalogStore) DeactivateStale(ctx context.Context, contextID int64, notSeenSince time.Time) (int64, error) {
	query := `
		UPDATE products
		SET is_active = FALSE
		WHERE context_id = $1 AND is_active AND last_seen_at < $2
	`
	tag, err := s.db.Exec(ctx, query, contextID, notSeenSince)
	if err != nil {
		return 0, fmt.Errorf("deactivate stale products: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountActive counts active products for a context.
func (s *CatalogStore) CountActive(ctx context.Context, contextID int64) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM products WHERE context_id = $1 AND is_active`, contextID)
}

// CreateSnapshot appends an immutable snapshot row.
func (s *CatalogStore) CreateSnapshot(ctx context.Context, snap catalog.Snapshot) (int64, error) {
	breadcrumbJSON, err := marshalNullable(snap.CategoryBreadcrumb)
	if err != nil {
		return 0, fmt.Errorf("marshal breadcrumb: %w", err)
	}
	imagesJSON, err := marshalNullable(snap.ImageURLs)
	if err != nil {
		return 0, fmt.Errorf("marshal image urls: %w", err)
	}
	attributesJSON, err := marshalNullable(snap.Attributes)
	if err != nil {
		return 0, fmt.Errorf("marshal attributes: %w", err)
	}
	rawJSON, err := marshalNullable(snap.RawPayload)
	if err != nil {
		return 0, fmt.Errorf("marshal raw payload: %w", err)
	}
	warningsJSON, err := marshalNullable(snap.ParseWarnings)
	if err != nil {
		return 0, fmt.Errorf("marshal parse warnings: %w", err)
	}

	capturedAt := snap.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO product_snapshots (
			product_id, run_id, fetch_id, captured_at, name, brand, description,
			category_breadcrumb, package_size_text, image_urls, attributes,
			raw_payload, content_hash, parse_ok, parse_warnings
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`
	var id int64
	err = s.db.QueryRow(ctx, query,
		snap.ProductID,
		snap.RunID,
		snap.FetchID,
		capturedAt,
		snap.Name,
		snap.Brand,
		snap.Description,
		breadcrumbJSON,
		snap.PackageSizeText,
		imagesJSON,
		attributesJSON,
		rawJSON,
		snap.ContentHash,
		snap.ParseOK,
		warningsJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return id, nil
}

// LatestContentHash returns the newest snapshot hash for a product,
// or "" when it has none.
func (s *CatalogStore) LatestContentHash(ctx context.Context, productID int64) (string, error) {
	query := `
		SELECT content_hash
		FROM product_snapshots
		WHERE product_id = $1
		ORDER BY id DESC
		LIMIT 1
	`
	var hash string
	err := s.db.QueryRow(ctx, query, productID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest content hash: %w", err)
	}
	return hash, nil
}

// CountSnapshotsForRun counts snapshots captured in a run.
func (s *CatalogStore) CountSnapshotsForRun(ctx context.Context, runID int64) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM product_snapshots WHERE run_id = $1`, runID)
}

func (s *CatalogStore) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}
