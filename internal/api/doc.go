// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/listings and /v1/watchlist for the caller identified by the gateway header.
//   - /v1/admin for purge and account removal, which run as background tasks.
package api
