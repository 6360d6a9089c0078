// Package redis tracks outstanding jobs per crawl run in Redis so that
// every worker instance sees the same drain count.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker implements catalog.RunTracker over two Redis keys per run: an
// integer pending counter and a hash of failure tallies by kind.
type Tracker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New constructs a Tracker. Keys expire after ttl as a safety net for
// runs that never drain; pass 0 to keep them forever.
func New(client redis.UniversalClient, ttl time.Duration) *Tracker {
	return &Tracker{client: client, ttl: ttl}
}

func pendingKey(runID int64) string {
	return fmt.Sprintf("catalog:run:%d:pending", runID)
}

func failedKey(runID int64) string {
	return fmt.Sprintf("catalog:run:%d:failed", runID)
}

// AddPending reserves delta outstanding jobs and returns the new count.
func (t *Tracker) AddPending(ctx context.Context, runID int64, delta int64) (int64, error) {
	key := pendingKey(runID)
	n, err := t.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incr pending for run %d: %w", runID, err)
	}
	if t.ttl > 0 {
		t.client.Expire(ctx, key, t.ttl)
	}
	return n, nil
}

// DonePending marks one job terminally complete and returns the
// remaining count.
func (t *Tracker) DonePending(ctx context.Context, runID int64) (int64, error) {
	n, err := t.client.DecrBy(ctx, pendingKey(runID), 1).Result()
	if err != nil {
		return 0, fmt.Errorf("decr pending for run %d: %w", runID, err)
	}
	return n, nil
}

// RecordFailure tallies a permanently failed job under kind.
func (t *Tracker) RecordFailure(ctx context.Context, runID int64, kind string) error {
	key := failedKey(runID)
	if err := t.client.HIncrBy(ctx, key, kind, 1).Err(); err != nil {
		return fmt.Errorf("record failure for run %d: %w", runID, err)
	}
	if t.ttl > 0 {
		t.client.Expire(ctx, key, t.ttl)
	}
	return nil
}

// Failures returns the failure tallies by kind.
func (t *Tracker) Failures(ctx context.Context, runID int64) (map[string]int64, error) {
	raw, err := t.client.HGetAll(ctx, failedKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read failures for run %d: %w", runID, err)
	}
	out := make(map[string]int64, len(raw))
	for kind, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse failure count %q for run %d: %w", v, runID, err)
		}
		out[kind] = n
	}
	return out, nil
}

// Clear removes both keys after a run finalizes.
func (t *Tracker) Clear(ctx context.Context, runID int64) error {
	if err := t.client.Del(ctx, pendingKey(runID), failedKey(runID)).Err(); err != nil {
		return fmt.Errorf("clear tracker for run %d: %w", runID, err)
	}
	return nil
}
