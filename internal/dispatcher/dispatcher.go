// Package dispatcher fans queries out to connected providers and drives every
// job through its state machine.
//
// A job only changes state through its owning provider's requests or through
// that provider's disconnect. Each change re-reads the stored job, applies the
// transition to that copy and writes it back conditionally, so a request and
// a disconnect racing on the same job cannot both win.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/logging"
	"github.com/JakeFAU/open-website-status/internal/probe"
	"github.com/JakeFAU/open-website-status/internal/progress"
	"github.com/JakeFAU/open-website-status/internal/registry"
)

var (
	// ErrJobNotFound is returned when a provider names an unknown job.
	ErrJobNotFound = errors.New("job not found")
	// ErrWrongOwner is returned when a provider acts on another provider's job.
	ErrWrongOwner = errors.New("job assigned to a different provider")
	// ErrQueryNotFound is returned when a caller names an unknown query.
	ErrQueryNotFound = errors.New("query not found")
	// ErrInvalidToken is returned when an API token does not belong to any client.
	ErrInvalidToken = errors.New("invalid api token")
	// ErrCaptchaFailed is returned when a website query fails CAPTCHA verification.
	ErrCaptchaFailed = errors.New("captcha verification failed")
)

// Broadcaster receives every job and query change for delivery to callers.
type Broadcaster interface {
	JobCreated(j job.Job, hostname string)
	JobChanged(j job.Job, hostname string)
	JobDeleted(jobID, queryID, hostname string)
	JobList(queryID, hostname string, jobs []job.Job)
	QueryCreated(q probe.Query)
	ProvidersCount(n int)
}

// Registry is the subset of the provider registry the dispatcher drives.
type Registry interface {
	Register(ctx context.Context, token string, ep registry.Endpoint) (registry.Connection, error)
	Unregister(ep registry.Endpoint) (registry.Connection, bool)
	Snapshot() []registry.Connection
	Registered(ep registry.Endpoint) bool
	Count() int
}

// Deps bundles the dispatcher's collaborators. Events and Logger are optional.
type Deps struct {
	Store    probe.Store
	Registry Registry
	Router   Broadcaster
	Captcha  probe.CaptchaVerifier
	IDs      probe.IDGenerator
	Clock    probe.Clock
	Events   progress.Emitter
	Logger   *zap.Logger
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	store    probe.Store
	registry Registry
	router   Broadcaster
	captcha  probe.CaptchaVerifier
	ids      probe.IDGenerator
	clock    probe.Clock
	events   progress.Emitter
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(d Deps) *Dispatcher {
	events := d.Events
	if events == nil {
		events = progress.Discard
	}
	return &Dispatcher{
		store:    d.Store,
		registry: d.Registry,
		router:   d.Router,
		captcha:  d.Captcha,
		ids:      d.IDs,
		clock:    d.Clock,
		events:   events,
		logger:   logging.OrNop(d.Logger),
	}
}

// ProviderCount returns the number of connected providers.
func (d *Dispatcher) ProviderCount() int {
	return d.registry.Count()
}

// NewQueryID allocates the id of a query before it is dispatched, so the
// submitting caller can subscribe to it first.
func (d *Dispatcher) NewQueryID() (string, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("query id: %w", err)
	}
	return id, nil
}

// Connect registers a provider connection and announces the new count.
func (d *Dispatcher) Connect(ctx context.Context, token string, ep registry.Endpoint) (registry.Connection, error) {
	conn, err := d.registry.Register(ctx, token, ep)
	if err != nil {
		return registry.Connection{}, fmt.Errorf("register provider: %w", err)
	}
	d.router.ProvidersCount(d.registry.Count())
	d.events.Emit(progress.Event{TS: d.clock.Now(), Stage: progress.StageProviderConnected, ProviderID: conn.Provider.ID})
	return conn, nil
}

// OnDisconnect removes the connection and recovers its unfinished jobs:
// dispatched jobs are rejected and accepted jobs are canceled. A job that
// cannot be recovered is logged and skipped.
func (d *Dispatcher) OnDisconnect(ctx context.Context, ep registry.Endpoint) {
	conn, ok := d.registry.Unregister(ep)
	if !ok {
		return
	}
	d.router.ProvidersCount(d.registry.Count())
	d.events.Emit(progress.Event{TS: d.clock.Now(), Stage: progress.StageProviderDisconnected, ProviderID: conn.Provider.ID})

	logger := d.logger.With(zap.String("provider_id", conn.Provider.ID), zap.String("conn_id", ep.ID()))
	jobs, err := d.store.FindJobsByProviderID(ctx, conn.Provider.ID)
	if err != nil {
		logger.Error("load jobs for disconnect recovery", zap.Error(err))
		return
	}
	recovered := 0
	for _, j := range jobs {
		if !job.Recoverable(j.State()) {
			continue
		}
		if _, err := d.transition(ctx, conn.Provider.ID, j.ID, job.EventDisconnect, nil); err != nil {
			logger.Warn("recover job", zap.String("job_id", j.ID), zap.String("state", string(j.State())), zap.Error(err))
			continue
		}
		recovered++
	}
	logger.Info("provider disconnected", zap.Int("recovered_jobs", recovered))
}

// DispatchWebsite verifies the CAPTCHA response and dispatches an anonymous query.
func (d *Dispatcher) DispatchWebsite(
	ctx context.Context,
	queryID string,
	target probe.Target,
	captchaResponse, remoteAddr string,
) (probe.Query, error) {
	ok, err := d.captcha.Verify(ctx, captchaResponse, remoteAddr)
	if err != nil {
		return probe.Query{}, fmt.Errorf("verify captcha: %w", err)
	}
	if !ok {
		return probe.Query{}, ErrCaptchaFailed
	}
	return d.Dispatch(ctx, probe.Query{ID: queryID, CreatedAt: d.clock.Now(), Target: target})
}

// DispatchAPI authenticates an API client token and dispatches on its behalf.
// TODO: throttle per API client before fan-out; every accepted call currently
// costs one job per connected provider.
func (d *Dispatcher) DispatchAPI(ctx context.Context, queryID, token string, target probe.Target) (probe.Query, error) {
	client, err := d.AuthenticateClient(ctx, token)
	if err != nil {
		return probe.Query{}, err
	}
	return d.Dispatch(ctx, probe.Query{ID: queryID, CreatedAt: d.clock.Now(), Target: target, APIClientID: client.ID})
}

// AuthenticateClient resolves an API client token.
func (d *Dispatcher) AuthenticateClient(ctx context.Context, token string) (probe.APIClient, error) {
	client, err := d.store.FindAPIClientByToken(ctx, token)
	if err != nil {
		if errors.Is(err, probe.ErrNotFound) {
			return probe.APIClient{}, ErrInvalidToken
		}
		return probe.APIClient{}, fmt.Errorf("find api client: %w", err)
	}
	return client, nil
}

// Dispatch stores q and creates one job per provider connected right now.
// Providers that connect afterwards never see q. Each job is announced before
// it is pushed, so a provider's first transition always follows its job-create.
// A job that fails to persist is logged; the others are kept.
func (d *Dispatcher) Dispatch(ctx context.Context, q probe.Query) (probe.Query, error) {
	start := time.Now()
	q.Target.Hostname = probe.NormalizeHostname(q.Target.Hostname)
	if err := d.store.CreateQuery(ctx, q); err != nil {
		return probe.Query{}, fmt.Errorf("create query: %w", err)
	}
	providers := d.registry.Snapshot()
	hostname := q.Target.Hostname
	d.router.QueryCreated(q)

	var (
		created atomic.Int64
		wg      sync.WaitGroup
	)
	for _, conn := range providers {
		wg.Add(1)
		go func(conn registry.Connection) {
			defer wg.Done()
			if err := d.assign(ctx, q, conn); err != nil {
				d.logger.Error("dispatch job",
					zap.String("query_id", q.ID),
					zap.String("provider_id", conn.Provider.ID),
					zap.Error(err),
				)
				return
			}
			created.Add(1)
		}(conn)
	}
	wg.Wait()

	// Providers may already have moved their jobs on; the list is read back
	// so it never reports an older state than a transition already sent.
	d.broadcastList(ctx, q.ID, hostname)

	d.events.Emit(progress.Event{
		TS:       d.clock.Now(),
		Stage:    progress.StageQueryDispatched,
		QueryID:  q.ID,
		Hostname: hostname,
		Jobs:     int(created.Load()),
		Dur:      time.Since(start),
	})
	d.logger.Info("query dispatched",
		zap.String("query_id", q.ID),
		zap.String("hostname", hostname),
		zap.Int("providers", len(providers)),
		zap.Int64("jobs", created.Load()),
	)
	return q, nil
}

// assign persists, announces and pushes one job. When the provider left while
// the job was being written, its disconnect recovery may already have run, so
// the job is rejected here instead of waiting on a connection that is gone.
func (d *Dispatcher) assign(ctx context.Context, q probe.Query, conn registry.Connection) error {
	id, err := d.ids.NewID()
	if err != nil {
		return fmt.Errorf("job id: %w", err)
	}
	j := job.New(id, q.ID, conn.Provider.ID, d.clock.Now(), conn.Geo)
	if err := d.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	d.events.Emit(progress.Event{
		TS:         j.DispatchedAt,
		Stage:      progress.StageJobCreated,
		ProviderID: j.ProviderID,
		QueryID:    q.ID,
		JobID:      j.ID,
		Hostname:   q.Target.Hostname,
		To:         job.StateDispatched,
	})
	d.router.JobCreated(j, q.Target.Hostname)

	pushErr := conn.Endpoint.Assign(probe.Assignment{JobID: j.ID, QueryID: q.ID, Target: q.Target})
	if pushErr != nil {
		d.logger.Warn("push dispatch-job",
			zap.String("job_id", j.ID),
			zap.String("provider_id", conn.Provider.ID),
			zap.Error(pushErr),
		)
	}
	if pushErr == nil && d.registry.Registered(conn.Endpoint) {
		return nil
	}
	if _, err := d.transition(ctx, conn.Provider.ID, j.ID, job.EventDisconnect, nil); err != nil {
		// Recovery for the same disconnect may have reached the job first.
		d.logger.Debug("recover undelivered job", zap.String("job_id", j.ID), zap.Error(err))
	}
	return nil
}

// Accept moves the provider's job from dispatched to accepted.
func (d *Dispatcher) Accept(ctx context.Context, conn registry.Connection, jobID string) error {
	_, err := d.transition(ctx, conn.Provider.ID, jobID, job.EventAccept, nil)
	return err
}

// Reject moves the provider's job from dispatched to rejected.
func (d *Dispatcher) Reject(ctx context.Context, conn registry.Connection, jobID string) error {
	_, err := d.transition(ctx, conn.Provider.ID, jobID, job.EventReject, nil)
	return err
}

// Cancel moves the provider's job from accepted to canceled.
func (d *Dispatcher) Cancel(ctx context.Context, conn registry.Connection, jobID string) error {
	_, err := d.transition(ctx, conn.Provider.ID, jobID, job.EventCancel, nil)
	return err
}

// Complete records the result of the provider's accepted or canceled job.
func (d *Dispatcher) Complete(ctx context.Context, conn registry.Connection, jobID string, result job.Result) error {
	_, err := d.transition(ctx, conn.Provider.ID, jobID, job.EventComplete, result)
	return err
}

func (d *Dispatcher) transition(
	ctx context.Context,
	providerID, jobID string,
	ev job.Event,
	result job.Result,
) (job.Job, error) {
	current, err := d.store.FindJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, probe.ErrNotFound) {
			return job.Job{}, ErrJobNotFound
		}
		return job.Job{}, fmt.Errorf("find job: %w", err)
	}
	if current.ProviderID != providerID {
		d.logger.Warn("provider acted on a foreign job",
			zap.String("provider_id", providerID),
			zap.String("job_id", jobID),
			zap.String("event", string(ev)),
		)
		return job.Job{}, ErrWrongOwner
	}
	next, err := job.Apply(current, ev, d.clock.Now(), result)
	if err != nil {
		return job.Job{}, err
	}
	if err := d.store.ReplaceJob(ctx, next, current.State()); err != nil {
		if errors.Is(err, probe.ErrStateConflict) || errors.Is(err, probe.ErrNotFound) {
			return job.Job{}, fmt.Errorf("%s job %s: %w: %w", ev, jobID, job.ErrInvalidTransition, err)
		}
		return job.Job{}, fmt.Errorf("replace job: %w", err)
	}

	stage := progress.StageJobTransition
	if ev == job.EventDisconnect {
		stage = progress.StageJobRecovered
	}
	hostname := d.announceChange(ctx, next)
	d.events.Emit(progress.Event{
		TS:         d.clock.Now(),
		Stage:      stage,
		ProviderID: providerID,
		QueryID:    next.QueryID,
		JobID:      next.ID,
		Hostname:   hostname,
		From:       current.State(),
		To:         next.State(),
		Event:      ev,
	}.Outcome(result))
	d.logger.Debug("job transition",
		zap.String("job_id", next.ID),
		zap.String("event", string(ev)),
		zap.String("state", string(next.State())),
	)
	return next, nil
}

// announceChange broadcasts the changed job and the query's refreshed job
// list. Lookup failures only cost the broadcast, the transition is stored.
func (d *Dispatcher) announceChange(ctx context.Context, j job.Job) string {
	q, err := d.store.FindQueryByID(ctx, j.QueryID)
	if err != nil {
		d.logger.Error("load query for broadcast", zap.String("query_id", j.QueryID), zap.Error(err))
		return ""
	}
	hostname := q.Target.Hostname
	d.router.JobChanged(j, hostname)
	d.broadcastList(ctx, j.QueryID, hostname)
	return hostname
}

func (d *Dispatcher) broadcastList(ctx context.Context, queryID, hostname string) {
	jobs, err := d.store.FindJobsByQueryID(ctx, queryID)
	if err != nil {
		d.logger.Error("load job list for broadcast", zap.String("query_id", queryID), zap.Error(err))
		return
	}
	d.router.JobList(queryID, hostname, jobs)
}

// RemoveJob deletes a job and tells its subscribers. No state transition
// uses it; it exists for administrative cleanup.
func (d *Dispatcher) RemoveJob(ctx context.Context, jobID string) error {
	j, err := d.store.FindJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, probe.ErrNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("find job: %w", err)
	}
	if err := d.store.DeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	hostname := ""
	if q, err := d.store.FindQueryByID(ctx, j.QueryID); err == nil {
		hostname = q.Target.Hostname
	}
	d.router.JobDeleted(j.ID, j.QueryID, hostname)
	d.broadcastList(ctx, j.QueryID, hostname)
	d.events.Emit(progress.Event{
		TS:         d.clock.Now(),
		Stage:      progress.StageJobRemoved,
		ProviderID: j.ProviderID,
		QueryID:    j.QueryID,
		JobID:      j.ID,
		Hostname:   hostname,
	})
	return nil
}

// QueryJobs is a query with its current jobs.
type QueryJobs struct {
	Query probe.Query
	Jobs  []job.Job
}

// GetQuery returns a stored query and its jobs.
func (d *Dispatcher) GetQuery(ctx context.Context, queryID string) (QueryJobs, error) {
	q, err := d.store.FindQueryByID(ctx, queryID)
	if err != nil {
		if errors.Is(err, probe.ErrNotFound) {
			return QueryJobs{}, ErrQueryNotFound
		}
		return QueryJobs{}, fmt.Errorf("find query: %w", err)
	}
	jobs, err := d.store.FindJobsByQueryID(ctx, queryID)
	if err != nil {
		return QueryJobs{}, fmt.Errorf("find jobs: %w", err)
	}
	return QueryJobs{Query: q, Jobs: jobs}, nil
}

// GetHostnameQueries returns every query against hostname with its jobs, oldest first.
func (d *Dispatcher) GetHostnameQueries(ctx context.Context, hostname string) ([]QueryJobs, error) {
	queries, err := d.store.FindQueriesByHostname(ctx, probe.NormalizeHostname(hostname))
	if err != nil {
		return nil, fmt.Errorf("find queries: %w", err)
	}
	out := make([]QueryJobs, 0, len(queries))
	for _, q := range queries {
		jobs, err := d.store.FindJobsByQueryID(ctx, q.ID)
		if err != nil {
			return nil, fmt.Errorf("find jobs for query %s: %w", q.ID, err)
		}
		out = append(out, QueryJobs{Query: q, Jobs: jobs})
	}
	return out, nil
}
