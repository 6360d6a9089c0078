package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
)

// RunStore implements catalog.RunStore and catalog.ContextStore.
type RunStore struct {
	db DB
}

// NewRunStore constructs a RunStore over the shared pool.
func NewRunStore(db DB) *RunStore {
	return &RunStore{db: db}
}

// CreateRun inserts a run in running state. The partial unique index on
// (context_id, run_type) WHERE status = 'running' makes the one-running-run
// guard atomic; a violation maps to catalog.ErrRunConflict.
func (s *RunStore) CreateRun(
	ctx context.Context,
	contextID int64,
	runType catalog.RunType,
	params map[string]any,
	scraperVersion string,
) (catalog.CrawlRun, error) {
	paramsJSON, err := marshalNullable(params)
	if err != nil {
		return catalog.CrawlRun{}, fmt.Errorf("marshal run parameters: %w", err)
	}

	query := `
		INSERT INTO crawl_runs (context_id, run_type, status, parameters, scraper_version)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, started_at
	`
	run := catalog.CrawlRun{
		ContextID:      contextID,
		RunType:        runType,
		Status:         catalog.RunStatusRunning,
		Parameters:     params,
		ScraperVersion: scraperVersion,
	}
	err = s.db.QueryRow(ctx, query, contextID, runType, catalog.RunStatusRunning, paramsJSON, scraperVersion).
		Scan(&run.ID, &run.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return catalog.CrawlRun{}, catalog.ErrRunConflict
		}
		return catalog.CrawlRun{}, fmt.Errorf("insert crawl run: %w", err)
	}
	return run, nil
}

// GetRun fetches a run by id.
func (s *RunStore) GetRun(ctx context.Context, runID int64) (catalog.CrawlRun, error) {
	query := `
		SELECT id, context_id, run_type, status, started_at, finished_at,
		       parameters, scraper_version, notes
		FROM crawl_runs
		WHERE id = $1
	`
	var (
		run        catalog.CrawlRun
		paramsJSON []byte
	)
	err := s.db.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.ContextID,
		&run.RunType,
		&run.Status,
		&run.StartedAt,
		&run.FinishedAt,
		&paramsJSON,
		&run.ScraperVersion,
		&run.Notes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.CrawlRun{}, catalog.ErrNotFound
		}
		return catalog.CrawlRun{}, fmt.Errorf("get crawl run %d: %w", runID, err)
	}
	if err := unmarshalNullable(paramsJSON, &run.Parameters); err != nil {
		return catalog.CrawlRun{}, fmt.Errorf("unmarshal run parameters: %w", err)
	}
	return run, nil
}

// FinishRun stamps finished_at and moves the run to a terminal status.
// Finished runs are immutable; finishing twice is a no-op.
func (s *RunStore) FinishRun(ctx context.Context, runID int64, status catalog.RunStatus, notes string) error {
	query := `
		UPDATE crawl_runs
		SET status = $1,
		    finished_at = now(),
		    notes = CASE WHEN $2 <> '' THEN $2 ELSE notes END
		WHERE id = $3 AND status = 'running'
	`
	tag, err := s.db.Exec(ctx, query, status, notes, runID)
	if err != nil {
		return fmt.Errorf("finish crawl run %d: %w", runID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Either the run is already terminal (fine) or it does not exist.
	var existing catalog.RunStatus
	err = s.db.QueryRow(ctx, `SELECT status FROM crawl_runs WHERE id = $1`, runID).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check crawl run %d: %w", runID, err)
	}
	return nil
}

// ListRecentRuns returns runs for a context, newest first.
func (s *RunStore) ListRecentRuns(ctx context.Context, contextID int64, limit int) ([]catalog.CrawlRun, error) {
	query := `
		SELECT id, context_id, run_type, status, started_at, finished_at,
		       parameters, scraper_version, notes
		FROM crawl_runs
		WHERE context_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, contextID, limit)
	if err != nil {
		return nil, fmt.Errorf("list crawl runs: %w", err)
	}
	defer rows.Close()

	var runs []catalog.CrawlRun
	for rows.Next() {
		var (
			run        catalog.CrawlRun
			paramsJSON []byte
		)
		err := rows.Scan(
			&run.ID,
			&run.ContextID,
			&run.RunType,
			&run.Status,
			&run.StartedAt,
			&run.FinishedAt,
			&paramsJSON,
			&run.ScraperVersion,
			&run.Notes,
		)
		if err != nil {
			return nil, fmt.Errorf("scan crawl run row: %w", err)
		}
		if err := unmarshalNullable(paramsJSON, &run.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal run parameters: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// HasRunningRun reports whether the context has a running run of the type.
func (s *RunStore) HasRunningRun(ctx context.Context, contextID int64, runType catalog.RunType) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM crawl_runs
			WHERE context_id = $1 AND run_type = $2 AND status = 'running'
		)
	`
	var running bool
	if err := s.db.QueryRow(ctx, query, contextID, runType).Scan(&running); err != nil {
		return false, fmt.Errorf("check running run: %w", err)
	}
	return running, nil
}

// GetContext fetches a merchant context by id.
func (s *RunStore) GetContext(ctx context.Context, contextID int64) (catalog.MerchantContext, error) {
	query := `
		SELECT id, merchant_id, merchant_name, website_base_url, label, params, active
		FROM merchant_contexts
		WHERE id = $1
	`
	var (
		mc         catalog.MerchantContext
		paramsJSON []byte
	)
	err := s.db.QueryRow(ctx, query, contextID).Scan(
		&mc.ID,
		&mc.MerchantID,
		&mc.MerchantName,
		&mc.WebsiteBaseURL,
		&mc.Label,
		&paramsJSON,
		&mc.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.MerchantContext{}, catalog.ErrNotFound
		}
		return catalog.MerchantContext{}, fmt.Errorf("get context %d: %w", contextID, err)
	}
	if err := unmarshalNullable(paramsJSON, &mc.Params); err != nil {
		return catalog.MerchantContext{}, fmt.Errorf("unmarshal context params: %w", err)
	}
	return mc, nil
}

// ListActiveContexts returns all active contexts ordered by id.
func (s *RunStore) ListActiveContexts(ctx context.Context) ([]catalog.MerchantContext, error) {
	query := `
		SELECT id, merchant_id, merchant_name, website_base_url, label, params, active
		FROM merchant_contexts
		WHERE active
		ORDER BY id
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active contexts: %w", err)
	}
	defer rows.Close()

	var contexts []catalog.MerchantContext
	for rows.Next() {
		var (
			mc         catalog.MerchantContext
			paramsJSON []byte
		)
		err := rows.Scan(
			&mc.ID,
			&mc.MerchantID,
			&mc.MerchantName,
			&mc.WebsiteBaseURL,
			&mc.Label,
			&paramsJSON,
			&mc.Active,
		)
		if err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		if err := unmarshalNullable(paramsJSON, &mc.Params); err != nil {
			return nil, fmt.Errorf("unmarshal context params: %w", err)
		}
		contexts = append(contexts, mc)
	}
	return contexts, rows.Err()
}

// marshalNullable renders v as JSONB, keeping NULL for empty values.
func marshalNullable(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalNullable(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
