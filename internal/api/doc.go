// Package api hosts the HTTP server, middleware, and REST handlers for the hub.
// Notable routes:
//   - GET /healthz, /readyz and /health for probes and service info.
//   - GET /metrics for Prometheus scraping.
//   - GET|POST /api/v1/lookup for interactive rank lookups.
//   - /api/v1/internal/batch/... for worker claims, renewals and reports.
//   - GET /api/v1/agents/... and /api/v1/locks/status for diagnostics.
//   - GET /ws/agent for the agent control channel.
package api
