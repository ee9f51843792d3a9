// Package main hosts the scrape orchestrator entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api exposes job creation, listing, control, logs and
//     results under /api/v1, plus admin-only retention endpoints.
//   - Dispatcher & queue: created jobs flow through a bounded in-memory queue
//     to a fixed worker pool sized by worker.concurrency.
//   - Pipeline: each worker runs the executor, which walks categories, items
//     and documents through the registered extraction capability and reports
//     progress through a single per-job reporter.
//   - Persistence & fanout: job state lives in Postgres (or memory), results
//     are written under storage.base_dir, finished jobs are uploaded to
//     GCS/S3/local storage and announced on Pub/Sub when configured.
//   - Retention: a cron scheduler archives completed jobs into tar.gz bundles
//     and later deletes them, soft or hard.
//
// Run locally: go run ./cmd/scraper serve --config config.yaml
package main

import "github.com/JakeFAU/scrape-orchestrator/cmd"

func main() {
	cmd.Execute()
}
