// Package main hosts the catalog crawl service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, run control
//     (create/start/progress), and queue statistics. Run creation is guarded by
//     an atomic one-running-run-per-context check in the run store.
//   - Queues: four asynq queues (catalog-run, category-crawl, product-fetch,
//     reconciliation), each served by its own asynq.Server so concurrency and
//     retry backoff are tuned per queue. A per-run pending counter in Redis
//     detects when a run has drained; the worker then finalizes the run and
//     enqueues reconciliation.
//   - Fetch pipeline: internal/fetch performs browser-header HTTP fetches with
//     optional proxy rotation (LRU-biased random selection, health counters,
//     background deactivation sweep), blocking detection, and one audit row per
//     attempt. Bodies are optionally archived to GCS.
//   - Crawlers: one merchant-specific implementation per merchant, registered
//     at startup via registerCrawlers; pkg/crawlkit provides the shared
//     goquery extraction helpers. Discovery results are upserted into Postgres
//     with per-run dedup, and product snapshots are written only when the
//     parsed content hash changes.
//   - Scheduler: an asynq periodic task sweeps all active merchant contexts on
//     a cron spec and starts catalog runs with a staggered delay, skipping
//     contexts that already have one in flight.
//   - Configuration & plumbing: Viper populates config from env/files (prefix
//     CRAWLER); zap provides structured logging; Prometheus metrics are served
//     on /metrics. Pipeline events (run finished, snapshot created) go to
//     Pub/Sub when a topic is configured.
//
// Run locally: go run ./cmd/crawlerd -config config.yaml (or rely solely on
// env overrides). The process reacts to SIGTERM with a graceful drain of the
// HTTP server and all queue workers.
package main
