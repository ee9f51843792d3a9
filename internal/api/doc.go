// Package api hosts the HTTP server, middleware, and REST handlers of the
// control API. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /api/v1/jobs for job creation, listing, control, logs and results.
//   - /api/v1/maintenance for admin-only archive, cleanup and restore.
package api
