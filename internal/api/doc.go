// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/workers and /v1/workers/report for worker state, and
//     POST /v1/workers/{ordinal}/kill to interrupt a hung worker.
//   - POST /v1/crawl/pause and /v1/crawl/resume to steer the continue gate.
//   - GET /v1/crawls/{crawl_id} and /v1/crawls/{crawl_id}/hosts for progress
//     reporting via the ProgressRepository interface.
package api
