// Package api hosts the HTTP server and REST handlers for the ad search
// dashboard. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to start a batch search, GET /v1/runs/{run_id} to read it,
//     and GET /v1/runs/{run_id}/stream for server-sent progress events.
//   - POST /v1/runs/{run_id}/translate and GET /v1/runs/{run_id}/analytics
//     for post-run actions.
//   - GET /v1/history/... for persisted runs, search logs, and per-user
//     recent searches backed by the HistoryRepository interface.
package api
