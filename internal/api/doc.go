// Package api hosts the HTTP server, middleware, and REST handlers of the hub.
// Notable routes:
//   - The provider and caller socket paths, mounted outside the request
//     timeout so upgraded connections live as long as the peer.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/queries/{query_id} and /v1/hostnames/{hostname}/queries for
//     read-only query lookups.
//   - GET /v1/hostnames and /v1/hostnames/{hostname}/stats for aggregated
//     probe statistics via the store.StatsRepository interface.
//   - DELETE /v1/jobs/{job_id}, guarded by the admin API key.
package api
