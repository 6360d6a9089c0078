package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
)

// FetchStore appends fetch audit rows to Postgres.
type FetchStore struct {
	db DB
}

// NewFetchStore constructs a FetchStore over the shared pool.
func NewFetchStore(db DB) *FetchStore {
	return &FetchStore{db: db}
}

// RecordFetch inserts one audit row per fetch attempt and returns its id.
func (s *FetchStore) RecordFetch(ctx context.Context, rec catalog.FetchRecord) (int64, error) {
	var headersJSON []byte
	if len(rec.ResponseHeaders) > 0 {
		var err error
		headersJSON, err = json.Marshal(rec.ResponseHeaders)
		if err != nil {
			return 0, fmt.Errorf("marshal response headers: %w", err)
		}
	}
	fetchedAt := rec.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO fetches (
			run_id, url, final_url, http_status, content_type, duration_ms,
			response_headers, body_sha256, body_bytes, body_storage_key,
			error_class, error_message, is_blocked, fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`
	var id int64
	err := s.db.QueryRow(ctx, query,
		rec.RunID,
		rec.URL,
		rec.FinalURL,
		rec.HTTPStatus,
		rec.ContentType,
		rec.DurationMs,
		headersJSON,
		rec.BodySHA256,
		rec.BodyBytes,
		rec.BodyStorageKey,
		string(rec.ErrorClass),
		rec.ErrorMessage,
		rec.Blocked,
		fetchedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert fetch: %w", err)
	}
	return id, nil
}

// CountFetchesForRun counts all fetch attempts in a run.
func (s *FetchStore) CountFetchesForRun(ctx context.Context, runID int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM fetches WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count fetches: %w", err)
	}
	return n, nil
}

// CountFailedFetchesForRun counts blocked or errored attempts in a run.
func (s *FetchStore) CountFailedFetchesForRun(ctx context.Context, runID int64) (int64, error) {
	query := `
		SELECT COUNT(*) FROM fetches
		WHERE run_id = $1 AND (is_blocked OR error_class <> '')
	`
	var n int64
	if err := s.db.QueryRow(ctx, query, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count failed fetches: %w", err)
	}
	return n, nil
}
