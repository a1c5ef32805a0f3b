// Package api hosts the read-only admin HTTP surface. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status and /v1/status/{key} for product status snapshots.
//   - GET /v1/history for recent transitions and failure markers.
//   - GET /v1/jobs for scheduler job state.
//
// Nothing here mutates tracker state.
package api
