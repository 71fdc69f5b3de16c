// Package main hosts the bookmark crawl worker entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health probes, the Prometheus
//     /metrics handler, and submission endpoints. POST /v1/crawls validates a
//     crawl job and places it on the bounded in-memory crawl queue; POST
//     /v1/enrichments feeds the batching enrichment collector.
//   - Worker pool: a fixed set of workers sized by config.Crawler.Workers
//     dequeues jobs and runs each through the orchestrator pipeline under a
//     per-job timeout. Context cancellation stops workers cleanly on shutdown.
//   - Crawl pipeline: jobs are validated (scheme and loopback checks), probed
//     for content type, and routed. Binary assets (PDFs, images) are
//     downloaded and converted to asset bookmarks. Supported social URLs go
//     through the actor-service scraper and fall back to the generic path
//     when it yields nothing. Everything else is rendered in a pooled remote
//     Chrome tab (with an unpooled Colly fetch as the degraded fallback),
//     then run through the metadata rule chain and the readability extractor.
//   - Persistence & fanout: crawl results are committed to Postgres in one
//     transaction; screenshots, banners, and full-page archives are written
//     to the configured asset store (memory/local/GCS), and downstream jobs
//     (inference, reindex, video, webhook) are published via the configured
//     enqueuer (memory/pubsub).
//   - Configuration & plumbing: Viper populates config from file and
//     CRAWLWORKER_* env vars; zap provides structured logging; Prometheus
//     collectors track job outcomes, pool usage, scrape results, and batch
//     flushes.
//
// Operational notes:
//   - The remote browser is optional. With an empty endpoint, or while the
//     pool is reconnecting after a disconnect, jobs degrade to unpooled
//     fetches without screenshots rather than failing.
//   - Idle browser tabs are reaped on the IdleTTL cadence by a background
//     cleanup loop.
//   - SIGTERM drains in order: HTTP server, crawl queue, workers, browser
//     pool, then a final enrichment collector flush.
//
// Run locally: go run ./cmd/crawlworker -config config.yaml (or rely solely
// on CRAWLWORKER_* env overrides).
package main
