// Package main hosts the status hub entrypoint.
//
// Architecture overview:
//   - Provider socket: probing agents connect with ?token=, are geolocated once
//     and kept in the registry. Every dispatched query produces one job per
//     connected provider, pushed as dispatch-job. Providers drive their jobs
//     through accept, reject, cancel and complete.
//   - Caller socket: browsers and API clients submit query-website (reCAPTCHA
//     gated) or query-api (API client token gated) requests and subscribe to
//     query:<id> and hostname:<name> topics for job-create, job-modify,
//     job-delete, job-list and query-create pushes.
//   - Recovery: when a provider disconnects its dispatched jobs are rejected and
//     its accepted jobs canceled, with the usual change broadcasts.
//   - Persistence: queries, jobs and credentials live in memory or Postgres.
//     Lifecycle events flow through the progress hub into Prometheus, the
//     hostname statistics table, an optional log sink and an optional Pub/Sub
//     topic.
//   - REST: /healthz, /readyz, /metrics, query lookups, hostname statistics and
//     an admin job delete guarded by admin.api_key.
//
// Quick checklist:
//   - Configure env vars: STATUSHUB_SERVER_PORT, STATUSHUB_STORE_BACKEND,
//     STATUSHUB_DATABASE_DSN, STATUSHUB_CAPTCHA_SECRET, STATUSHUB_PUBSUB_PROJECT_ID
//     and STATUSHUB_PUBSUB_TOPIC_NAME. Seed credentials go in the config file.
//   - Run locally: go run ./cmd/statushub serve --config config.yaml
//   - Validate a config file: go run ./cmd/statushub validate --config config.yaml
package main
