package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/open-website-status/internal/store"
)

// StatsStore persists per-hostname counters in the hostname_stats table.
type StatsStore struct {
	pool Pool
}

var _ store.StatsRepository = (*StatsStore)(nil)

const statsColumns = `hostname, queries, jobs, accepted, rejected, canceled, completed,
	fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx, fetch_other, timeouts, errors, exec_time_ms, last_update`

// ApplyHostnameDelta adds delta to the row for hostname, creating it if needed.
func (s *StatsStore) ApplyHostnameDelta(ctx context.Context, hostname string, d store.Counters, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO hostname_stats (`+statsColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (hostname) DO UPDATE SET
	queries      = hostname_stats.queries + EXCLUDED.queries,
	jobs         = hostname_stats.jobs + EXCLUDED.jobs,
	accepted     = hostname_stats.accepted + EXCLUDED.accepted,
	rejected     = hostname_stats.rejected + EXCLUDED.rejected,
	canceled     = hostname_stats.canceled + EXCLUDED.canceled,
	completed    = hostname_stats.completed + EXCLUDED.completed,
	fetch_2xx    = hostname_stats.fetch_2xx + EXCLUDED.fetch_2xx,
	fetch_3xx    = hostname_stats.fetch_3xx + EXCLUDED.fetch_3xx,
	fetch_4xx    = hostname_stats.fetch_4xx + EXCLUDED.fetch_4xx,
	fetch_5xx    = hostname_stats.fetch_5xx + EXCLUDED.fetch_5xx,
	fetch_other  = hostname_stats.fetch_other + EXCLUDED.fetch_other,
	timeouts     = hostname_stats.timeouts + EXCLUDED.timeouts,
	errors       = hostname_stats.errors + EXCLUDED.errors,
	exec_time_ms = hostname_stats.exec_time_ms + EXCLUDED.exec_time_ms,
	last_update  = GREATEST(hostname_stats.last_update, EXCLUDED.last_update)`,
		hostname, d.Queries, d.Jobs, d.Accepted, d.Rejected, d.Canceled, d.Completed,
		d.Fetch2xx, d.Fetch3xx, d.Fetch4xx, d.Fetch5xx, d.FetchOther, d.Timeouts, d.Errors, d.ExecTimeMs, at,
	)
	if err != nil {
		return fmt.Errorf("upsert hostname stats %s: %w", hostname, err)
	}
	return nil
}

// GetHostnameStats loads one hostname.
func (s *StatsStore) GetHostnameStats(ctx context.Context, hostname string) (store.HostnameStats, error) {
	st, err := scanStats(s.pool.QueryRow(ctx, `SELECT `+statsColumns+` FROM hostname_stats WHERE hostname = $1`, hostname))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.HostnameStats{}, fmt.Errorf("hostname %s: %w", hostname, store.ErrNotFound)
		}
		return store.HostnameStats{}, fmt.Errorf("load hostname stats %s: %w", hostname, err)
	}
	return st, nil
}

// ListHostnameStats pages through hostnames, most recently updated first. A
// non-positive limit returns every row.
func (s *StatsStore) ListHostnameStats(ctx context.Context, limit, offset int) ([]store.HostnameStats, error) {
	if offset < 0 {
		offset = 0
	}
	sql := `SELECT ` + statsColumns + ` FROM hostname_stats ORDER BY last_update DESC, hostname OFFSET $1`
	args := []any{offset}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query hostname stats: %w", err)
	}
	defer rows.Close()
	out := make([]store.HostnameStats, 0)
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hostname stats: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hostname stats: %w", err)
	}
	return out, nil
}

func scanStats(row pgx.Row) (store.HostnameStats, error) {
	var st store.HostnameStats
	err := row.Scan(&st.Hostname, &st.Queries, &st.Jobs, &st.Accepted, &st.Rejected, &st.Canceled, &st.Completed,
		&st.Fetch2xx, &st.Fetch3xx, &st.Fetch4xx, &st.Fetch5xx, &st.FetchOther, &st.Timeouts, &st.Errors,
		&st.ExecTimeMs, &st.LastUpdate)
	return st, err
}
