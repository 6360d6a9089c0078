package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
)

// ProxyStore manages the shared proxy pool in Postgres. Health counters are
// updated with atomic increments so concurrent workers never lose updates.
type ProxyStore struct {
	db DB
}

// NewProxyStore constructs a ProxyStore over the shared pool.
func NewProxyStore(db DB) *ProxyStore {
	return &ProxyStore{db: db}
}

// SelectIdle returns up to limit active proxies ordered by least recently
// used, with never-used proxies first.
func (s *ProxyStore) SelectIdle(ctx context.Context, limit int) ([]catalog.Proxy, error) {
	query := `
		SELECT id, address, port, username, password, kind, active,
		       total_requests, success_count, failure_count, last_used_at, last_status
		FROM proxies
		WHERE active
		ORDER BY last_used_at ASC NULLS FIRST, id
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select idle proxies: %w", err)
	}
	defer rows.Close()

	var proxies []catalog.Proxy
	for rows.Next() {
		var p catalog.Proxy
		err := rows.Scan(
			&p.ID,
			&p.Address,
			&p.Port,
			&p.Username,
			&p.Password,
			&p.Kind,
			&p.Active,
			&p.TotalRequests,
			&p.SuccessCount,
			&p.FailureCount,
			&p.LastUsedAt,
			&p.LastStatus,
		)
		if err != nil {
			return nil, fmt.Errorf("scan proxy row: %w", err)
		}
		proxies = append(proxies, p)
	}
	return proxies, rows.Err()
}

// MarkUsed stamps the proxy's last use time.
func (s *ProxyStore) MarkUsed(ctx context.Context, proxyID int64, at time.Time) error {
	query := `UPDATE proxies SET last_used_at = $1 WHERE id = $2`
	if _, err := s.db.Exec(ctx, query, at, proxyID); err != nil {
		return fmt.Errorf("mark proxy used: %w", err)
	}
	return nil
}

// RecordResult bumps the proxy's health counters for one request outcome.
func (s *ProxyStore) RecordResult(ctx context.Context, proxyID int64, success bool, httpStatus int) error {
	query := `
		UPDATE proxies SET
			total_requests = total_requests + 1,
			success_count = success_count + CASE WHEN $1 THEN 1 ELSE 0 END,
			failure_count = failure_count + CASE WHEN $1 THEN 0 ELSE 1 END,
			last_status = $2
		WHERE id = $3
	`
	if _, err := s.db.Exec(ctx, query, success, httpStatus, proxyID); err != nil {
		return fmt.Errorf("record proxy result: %w", err)
	}
	return nil
}

// DeactivateUnhealthy disables proxies whose failures exceed successes once
// they have at least minRequests total requests.
func (s *ProxyStore) DeactivateUnhealthy(ctx context.Context, minRequests int64) (int64, error) {
	query := `
		UPDATE proxies
		SET active = FALSE
		WHERE active AND total_requests >= $1 AND failure_count > success_count
	`
	tag, err := s.db.Exec(ctx, query, minRequests)
	if err != nil {
		return 0, fmt.Errorf("deactivate unhealthy proxies: %w", err)
	}
	return tag.RowsAffected(), nil
}
