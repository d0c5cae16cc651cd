package postgres

import (
	"context"
	"fmt"
)

// schema creates every table the hub uses. Each statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS providers (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL DEFAULT '',
	token       TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS api_clients (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL DEFAULT '',
	token       TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS queries (
	id             TEXT PRIMARY KEY,
	created_at     TIMESTAMPTZ NOT NULL,
	protocol       TEXT NOT NULL,
	hostname       TEXT NOT NULL,
	port           INTEGER,
	pathname       TEXT NOT NULL,
	search         TEXT NOT NULL,
	api_client_id  TEXT
)`,
	`CREATE INDEX IF NOT EXISTS queries_hostname_idx ON queries (hostname, created_at)`,
	`CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	query_id       TEXT NOT NULL,
	provider_id    TEXT NOT NULL,
	dispatched_at  TIMESTAMPTZ NOT NULL,
	country_code   TEXT NOT NULL DEFAULT '',
	region_code    TEXT NOT NULL DEFAULT '',
	isp_name       TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL,
	accepted_at    TIMESTAMPTZ,
	rejected_at    TIMESTAMPTZ,
	canceled_at    TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	result         JSONB
)`,
	`CREATE INDEX IF NOT EXISTS jobs_query_id_idx ON jobs (query_id)`,
	`CREATE INDEX IF NOT EXISTS jobs_provider_id_idx ON jobs (provider_id)`,
	`CREATE TABLE IF NOT EXISTS hostname_stats (
	hostname      TEXT PRIMARY KEY,
	queries       BIGINT NOT NULL DEFAULT 0,
	jobs          BIGINT NOT NULL DEFAULT 0,
	accepted      BIGINT NOT NULL DEFAULT 0,
	rejected      BIGINT NOT NULL DEFAULT 0,
	canceled      BIGINT NOT NULL DEFAULT 0,
	completed     BIGINT NOT NULL DEFAULT 0,
	fetch_2xx     BIGINT NOT NULL DEFAULT 0,
	fetch_3xx     BIGINT NOT NULL DEFAULT 0,
	fetch_4xx     BIGINT NOT NULL DEFAULT 0,
	fetch_5xx     BIGINT NOT NULL DEFAULT 0,
	fetch_other   BIGINT NOT NULL DEFAULT 0,
	timeouts      BIGINT NOT NULL DEFAULT 0,
	errors        BIGINT NOT NULL DEFAULT 0,
	exec_time_ms  DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_update   TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS hostname_stats_last_update_idx ON hostname_stats (last_update DESC)`,
}

// Bootstrap creates the tables and indexes when they do not exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}
