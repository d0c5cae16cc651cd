// Package postgres provides the Postgres-backed document store and the
// hostname statistics repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/probe"
)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of *pgxpool.Pool the store needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements probe.Store on Postgres.
type Store struct {
	pool Pool
}

var _ probe.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Stats returns the hostname statistics repository sharing this pool.
func (s *Store) Stats() *StatsStore {
	return &StatsStore{pool: s.pool}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// FindProviderByToken looks up a provider by its secret token.
func (s *Store) FindProviderByToken(ctx context.Context, token string) (probe.Provider, error) {
	var p probe.Provider
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, token, name, created_at FROM providers WHERE token = $1`, token).
		Scan(&p.ID, &p.UserID, &p.Token, &p.Name, &p.CreatedAt)
	if err != nil {
		return probe.Provider{}, notFound("provider", err)
	}
	return p, nil
}

// FindAPIClientByToken looks up an API client by its secret token.
func (s *Store) FindAPIClientByToken(ctx context.Context, token string) (probe.APIClient, error) {
	var c probe.APIClient
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, token, name, created_at FROM api_clients WHERE token = $1`, token).
		Scan(&c.ID, &c.UserID, &c.Token, &c.Name, &c.CreatedAt)
	if err != nil {
		return probe.APIClient{}, notFound("api client", err)
	}
	return c, nil
}

// PutProvider inserts or updates a provider registration.
func (s *Store) PutProvider(ctx context.Context, p probe.Provider) error {
	return s.putCredential(ctx, "providers", p.ID, p.UserID, p.Token, p.Name, p.CreatedAt)
}

// PutAPIClient inserts or updates an API client registration.
func (s *Store) PutAPIClient(ctx context.Context, c probe.APIClient) error {
	return s.putCredential(ctx, "api_clients", c.ID, c.UserID, c.Token, c.Name, c.CreatedAt)
}

func (s *Store) putCredential(ctx context.Context, table, id, userID, token, name string, createdAt time.Time) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (id, user_id, token, name, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, token = EXCLUDED.token, name = EXCLUDED.name`, table),
		id, userID, token, name, createdAt,
	)
	if err != nil {
		return conflict(table+" "+id, err)
	}
	return nil
}

const querySelect = `SELECT id, created_at, protocol, hostname, port, pathname, search, COALESCE(api_client_id, '') FROM queries`

// CreateQuery inserts a new query.
func (s *Store) CreateQuery(ctx context.Context, q probe.Query) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO queries (id, created_at, protocol, hostname, port, pathname, search, api_client_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		q.ID, q.CreatedAt, string(q.Target.Protocol), q.Target.Hostname,
		portParam(q.Target.Port), q.Target.Pathname, q.Target.Search, textParam(q.APIClientID),
	)
	if err != nil {
		return conflict("query "+q.ID, err)
	}
	return nil
}

// FindQueryByID fetches a query by ID.
func (s *Store) FindQueryByID(ctx context.Context, id string) (probe.Query, error) {
	q, err := scanQuery(s.pool.QueryRow(ctx, querySelect+` WHERE id = $1`, id))
	if err != nil {
		return probe.Query{}, notFound("query "+id, err)
	}
	return q, nil
}

// FindQueriesByHostname returns every query for hostname, oldest first.
func (s *Store) FindQueriesByHostname(ctx context.Context, hostname string) ([]probe.Query, error) {
	rows, err := s.pool.Query(ctx, querySelect+` WHERE hostname = $1 ORDER BY created_at, id`, hostname)
	if err != nil {
		return nil, fmt.Errorf("query queries: %w", err)
	}
	defer rows.Close()
	out := make([]probe.Query, 0)
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queries: %w", err)
	}
	return out, nil
}

func scanQuery(row pgx.Row) (probe.Query, error) {
	var (
		q        probe.Query
		protocol string
		port     pgtype.Int4
	)
	if err := row.Scan(&q.ID, &q.CreatedAt, &protocol, &q.Target.Hostname, &port,
		&q.Target.Pathname, &q.Target.Search, &q.APIClientID); err != nil {
		return probe.Query{}, err
	}
	q.Target.Protocol = probe.Protocol(protocol)
	if port.Valid {
		p := int(port.Int32)
		q.Target.Port = &p
	}
	return q, nil
}

const jobSelect = `SELECT id, query_id, provider_id, dispatched_at, country_code, region_code, isp_name,
	state, accepted_at, rejected_at, canceled_at, completed_at, COALESCE(result::text, '') FROM jobs`

// jobRow is the column form of a job.
type jobRow struct {
	state       string
	acceptedAt  pgtype.Timestamptz
	rejectedAt  pgtype.Timestamptz
	canceledAt  pgtype.Timestamptz
	completedAt pgtype.Timestamptz
	result      pgtype.Text
}

func encodeJob(j job.Job) (jobRow, error) {
	row := jobRow{state: string(j.State())}
	switch st := j.Status.(type) {
	case job.Accepted:
		row.acceptedAt = timestamp(st.AcceptedAt)
	case job.Rejected:
		row.rejectedAt = timestamp(st.RejectedAt)
	case job.Canceled:
		row.acceptedAt = timestamp(st.AcceptedAt)
		row.canceledAt = timestamp(st.CanceledAt)
	case job.Completed:
		row.acceptedAt = timestamp(st.AcceptedAt)
		row.completedAt = timestamp(st.CompletedAt)
		raw, err := job.MarshalResult(st.Result)
		if err != nil {
			return jobRow{}, err
		}
		row.result = pgtype.Text{String: string(raw), Valid: true}
	}
	return row, nil
}

func (r jobRow) status() (job.Status, error) {
	switch job.State(r.state) {
	case job.StateDispatched:
		return job.Dispatched{}, nil
	case job.StateAccepted:
		return job.Accepted{AcceptedAt: r.acceptedAt.Time}, nil
	case job.StateRejected:
		return job.Rejected{RejectedAt: r.rejectedAt.Time}, nil
	case job.StateCanceled:
		return job.Canceled{AcceptedAt: r.acceptedAt.Time, CanceledAt: r.canceledAt.Time}, nil
	case job.StateCompleted:
		result, err := job.UnmarshalResult([]byte(r.result.String))
		if err != nil {
			return nil, err
		}
		return job.Completed{AcceptedAt: r.acceptedAt.Time, CompletedAt: r.completedAt.Time, Result: result}, nil
	default:
		return nil, fmt.Errorf("unknown job state %q", r.state)
	}
}

func scanJob(row pgx.Row) (job.Job, error) {
	var (
		j      job.Job
		cols   jobRow
		result string
	)
	if err := row.Scan(&j.ID, &j.QueryID, &j.ProviderID, &j.DispatchedAt,
		&j.Geo.CountryCode, &j.Geo.RegionCode, &j.Geo.ISPName,
		&cols.state, &cols.acceptedAt, &cols.rejectedAt, &cols.canceledAt, &cols.completedAt, &result); err != nil {
		return job.Job{}, err
	}
	cols.result = pgtype.Text{String: result, Valid: result != ""}
	status, err := cols.status()
	if err != nil {
		return job.Job{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.Status = status
	return j, nil
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, j job.Job) error {
	cols, err := encodeJob(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO jobs (id, query_id, provider_id, dispatched_at, country_code, region_code, isp_name,
	state, accepted_at, rejected_at, canceled_at, completed_at, result)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb)`,
		j.ID, j.QueryID, j.ProviderID, j.DispatchedAt,
		j.Geo.CountryCode, j.Geo.RegionCode, j.Geo.ISPName,
		cols.state, cols.acceptedAt, cols.rejectedAt, cols.canceledAt, cols.completedAt, cols.result,
	)
	if err != nil {
		return conflict("job "+j.ID, err)
	}
	return nil
}

// ReplaceJob overwrites the job's status only while its stored state is still
// expected. Immutable columns are never rewritten.
func (s *Store) ReplaceJob(ctx context.Context, j job.Job, expected job.State) error {
	cols, err := encodeJob(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET state = $3, accepted_at = $4, rejected_at = $5, canceled_at = $6,
	completed_at = $7, result = $8::jsonb
WHERE id = $1 AND state = $2`,
		j.ID, string(expected),
		cols.state, cols.acceptedAt, cols.rejectedAt, cols.canceledAt, cols.completedAt, cols.result,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current string
	err = s.pool.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, j.ID).Scan(&current)
	if err != nil {
		return notFound("job "+j.ID, err)
	}
	return fmt.Errorf("job %s is %s, expected %s: %w", j.ID, current, expected, probe.ErrStateConflict)
}

// FindJobByID fetches a job by ID.
func (s *Store) FindJobByID(ctx context.Context, id string) (job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, jobSelect+` WHERE id = $1`, id))
	if err != nil {
		return job.Job{}, notFound("job "+id, err)
	}
	return j, nil
}

// FindJobsByProviderID returns the provider's jobs, oldest first.
func (s *Store) FindJobsByProviderID(ctx context.Context, providerID string) ([]job.Job, error) {
	return s.listJobs(ctx, jobSelect+` WHERE provider_id = $1 ORDER BY dispatched_at, id`, providerID)
}

// FindJobsByQueryID returns the query's jobs, oldest first.
func (s *Store) FindJobsByQueryID(ctx context.Context, queryID string) ([]job.Job, error) {
	return s.listJobs(ctx, jobSelect+` WHERE query_id = $1 ORDER BY dispatched_at, id`, queryID)
}

func (s *Store) listJobs(ctx context.Context, sql string, arg string) ([]job.Job, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	out := make([]job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// DeleteJob removes a job.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, probe.ErrNotFound)
	}
	return nil
}

func notFound(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, probe.ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

func conflict(what string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", what, probe.ErrAlreadyExists)
	}
	return fmt.Errorf("insert %s: %w", what, err)
}

func timestamp(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func portParam(p *int) pgtype.Int4 {
	if p == nil {
		return pgtype.Int4{}
	}
	return pgtype.Int4{Int32: int32(*p), Valid: true}
}

func textParam(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
