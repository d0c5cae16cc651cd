package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/probe"
	"github.com/JakeFAU/open-website-status/internal/progress"
	"github.com/JakeFAU/open-website-status/internal/registry"
	"github.com/JakeFAU/open-website-status/internal/storage/memory"
)

type endpoint struct {
	id string
	// onAssign runs after a push is recorded, standing in for the provider's reaction.
	onAssign func(probe.Assignment)
	// pushErr fails every push, as a closed connection does.
	pushErr error

	mu       sync.Mutex
	assigned []probe.Assignment
}

func (e *endpoint) ID() string         { return e.id }
func (e *endpoint) RemoteAddr() string { return "192.0.2.10:5000" }

func (e *endpoint) Assign(a probe.Assignment) error {
	if e.pushErr != nil {
		return e.pushErr
	}
	e.mu.Lock()
	e.assigned = append(e.assigned, a)
	e.mu.Unlock()
	if e.onAssign != nil {
		e.onAssign(a)
	}
	return nil
}

func (e *endpoint) Assigned() []probe.Assignment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]probe.Assignment(nil), e.assigned...)
}

type broadcast struct {
	kind     string
	jobID    string
	queryID  string
	hostname string
	state    job.State
	jobs     int
	states   []job.State
	count    int
}

type recordingRouter struct {
	mu  sync.Mutex
	log []broadcast
}

func (r *recordingRouter) add(b broadcast) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, b)
}

func (r *recordingRouter) JobCreated(j job.Job, hostname string) {
	r.add(broadcast{kind: "job-create", jobID: j.ID, queryID: j.QueryID, hostname: hostname, state: j.State()})
}

func (r *recordingRouter) JobChanged(j job.Job, hostname string) {
	r.add(broadcast{kind: "job-modify", jobID: j.ID, queryID: j.QueryID, hostname: hostname, state: j.State()})
}

func (r *recordingRouter) JobDeleted(jobID, queryID, hostname string) {
	r.add(broadcast{kind: "job-delete", jobID: jobID, queryID: queryID, hostname: hostname})
}

func (r *recordingRouter) JobList(queryID, hostname string, jobs []job.Job) {
	states := make([]job.State, 0, len(jobs))
	for _, j := range jobs {
		states = append(states, j.State())
	}
	r.add(broadcast{kind: "job-list", queryID: queryID, hostname: hostname, jobs: len(jobs), states: states})
}

func (r *recordingRouter) QueryCreated(q probe.Query) {
	r.add(broadcast{kind: "query-create", queryID: q.ID, hostname: q.Target.Hostname})
}

func (r *recordingRouter) ProvidersCount(n int) {
	r.add(broadcast{kind: "count", count: n})
}

func (r *recordingRouter) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.log))
	for _, b := range r.log {
		out = append(out, b.kind)
	}
	return out
}

func (r *recordingRouter) of(kind string) []broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast
	for _, b := range r.log {
		if b.kind == kind {
			out = append(out, b)
		}
	}
	return out
}

func (r *recordingRouter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n), nil
}

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type staticGeo struct{}

func (staticGeo) Locate(context.Context, string) (job.Geo, error) {
	return job.Geo{CountryCode: "nl", RegionCode: "nh", ISPName: "KPN"}, nil
}

type captchaStub struct {
	ok  bool
	err error
}

func (c captchaStub) Verify(context.Context, string, string) (bool, error) {
	return c.ok, c.err
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Emit(e progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

type fixture struct {
	store    *memory.Store
	registry *registry.Registry
	router   *recordingRouter
	events   *eventLog
	d        *Dispatcher
}

func newFixture(t *testing.T, providers int) *fixture {
	t.Helper()
	store := memory.NewStore()
	for i := range providers {
		store.PutProvider(probe.Provider{ID: fmt.Sprintf("prov-%d", i), Token: fmt.Sprintf("tok-%d", i)})
	}
	store.PutAPIClient(probe.APIClient{ID: "client-1", Token: "api-tok"})
	clock := &tickClock{now: time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(store, staticGeo{}, clock, nil)
	router := &recordingRouter{}
	events := &eventLog{}
	d := New(Deps{
		Store:    store,
		Registry: reg,
		Router:   router,
		Captcha:  captchaStub{ok: true},
		IDs:      &seqIDs{},
		Clock:    clock,
		Events:   events,
	})
	return &fixture{store: store, registry: reg, router: router, events: events, d: d}
}

func (f *fixture) connect(t *testing.T, i int) (*endpoint, registry.Connection) {
	t.Helper()
	ep := &endpoint{id: fmt.Sprintf("conn-%d", i)}
	conn, err := f.d.Connect(context.Background(), fmt.Sprintf("tok-%d", i), ep)
	require.NoError(t, err)
	return ep, conn
}

func target(host string) probe.Target {
	return probe.Target{Protocol: probe.ProtocolHTTPS, Hostname: host, Pathname: "/", Search: ""}
}

func TestDispatchWithoutProviders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	ctx := context.Background()
	q, err := f.d.DispatchWebsite(ctx, "q-1", target("Example.com"), "captcha", "198.51.100.2")
	require.NoError(t, err)
	assert.Equal(t, "example.com", q.Target.Hostname)
	assert.Empty(t, q.APIClientID)

	got, err := f.d.GetQuery(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, q, got.Query)
	assert.Empty(t, got.Jobs)
	assert.Equal(t, []string{"query-create", "job-list"}, f.router.kinds())
}

func TestDispatchFansOutToEveryConnectedProvider(t *testing.T) {
	t.Parallel()

	const n = 4
	f := newFixture(t, n)
	endpoints := make([]*endpoint, n)
	for i := range n {
		endpoints[i], _ = f.connect(t, i)
	}
	f.router.reset()

	q, err := f.d.DispatchAPI(context.Background(), "q-1", "api-tok", target("example.com"))
	require.NoError(t, err)
	assert.Equal(t, "client-1", q.APIClientID)

	jobs, err := f.store.FindJobsByQueryID(context.Background(), "q-1")
	require.NoError(t, err)
	require.Len(t, jobs, n)
	owners := map[string]bool{}
	for _, j := range jobs {
		assert.Equal(t, "q-1", j.QueryID)
		assert.Equal(t, job.StateDispatched, j.State())
		assert.Equal(t, "nl", j.Geo.CountryCode)
		owners[j.ProviderID] = true
	}
	assert.Len(t, owners, n, "one job per provider")

	for _, ep := range endpoints {
		assigned := ep.Assigned()
		require.Len(t, assigned, 1)
		assert.Equal(t, "q-1", assigned[0].QueryID)
		assert.Equal(t, "example.com", assigned[0].Target.Hostname)
	}

	kinds := f.router.kinds()
	require.Len(t, kinds, n+2)
	assert.Equal(t, "query-create", kinds[0])
	for _, k := range kinds[1 : n+1] {
		assert.Equal(t, "job-create", k)
	}
	assert.Equal(t, "job-list", kinds[n+1])
	assert.Equal(t, n, f.router.of("job-list")[0].jobs)
}

func TestProviderAcceptingDuringDispatchIsNeverReportedAsDispatched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	ep, conn := f.connect(t, 0)
	ep.onAssign = func(a probe.Assignment) {
		assert.NoError(t, f.d.Accept(context.Background(), conn, a.JobID))
	}
	f.router.reset()

	_, err := f.d.DispatchAPI(context.Background(), "q-1", "api-tok", target("example.com"))
	require.NoError(t, err)

	assert.Equal(t, []string{"query-create", "job-create", "job-modify", "job-list", "job-list"}, f.router.kinds())
	assert.Equal(t, job.StateDispatched, f.router.of("job-create")[0].state)
	for _, list := range f.router.of("job-list") {
		assert.Equal(t, []job.State{job.StateAccepted}, list.states)
	}
}

// disconnectingStore drops the provider while its job is being written, after
// the dispatch snapshot was taken.
type disconnectingStore struct {
	*memory.Store
	once       *sync.Once
	disconnect func()
}

func (s disconnectingStore) CreateJob(ctx context.Context, j job.Job) error {
	s.once.Do(s.disconnect)
	return s.Store.CreateJob(ctx, j)
}

func TestProviderLeavingMidDispatchGetsJobRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pushErr error
	}{
		{name: "push fails", pushErr: errors.New("connection closed")},
		{name: "push queued on a dead session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, 1)
			ep, _ := f.connect(t, 0)
			ep.pushErr = tt.pushErr
			ctx := context.Background()
			f.d.store = disconnectingStore{
				Store:      f.store,
				once:       &sync.Once{},
				disconnect: func() { f.d.OnDisconnect(ctx, ep) },
			}

			_, err := f.d.DispatchAPI(ctx, "q-1", "api-tok", target("example.com"))
			require.NoError(t, err)

			jobs, err := f.store.FindJobsByProviderID(ctx, "prov-0")
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			assert.Equal(t, job.StateRejected, jobs[0].State())
			assert.Equal(t, 0, f.d.ProviderCount())

			mods := f.router.of("job-modify")
			require.Len(t, mods, 1)
			assert.Equal(t, job.StateRejected, mods[0].state)
			lists := f.router.of("job-list")
			assert.Equal(t, []job.State{job.StateRejected}, lists[len(lists)-1].states)
		})
	}
}

func TestProviderConnectingAfterDispatchGetsNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.connect(t, 0)
	_, err := f.d.DispatchAPI(context.Background(), "q-1", "api-tok", target("example.com"))
	require.NoError(t, err)
	late, _ := f.connect(t, 1)
	assert.Empty(t, late.Assigned())
}

func TestDispatchRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	f.connect(t, 0)
	ctx := context.Background()

	_, err := f.d.DispatchAPI(ctx, "q-1", "wrong", target("example.com"))
	require.ErrorIs(t, err, ErrInvalidToken)

	f.d.captcha = captchaStub{ok: false}
	_, err = f.d.DispatchWebsite(ctx, "q-2", target("example.com"), "bad", "")
	require.ErrorIs(t, err, ErrCaptchaFailed)

	missing := errors.New("secret missing")
	f.d.captcha = captchaStub{err: missing}
	_, err = f.d.DispatchWebsite(ctx, "q-3", target("example.com"), "x", "")
	require.ErrorIs(t, err, missing)

	for _, id := range []string{"q-1", "q-2", "q-3"} {
		_, err := f.d.GetQuery(ctx, id)
		require.ErrorIs(t, err, ErrQueryNotFound, "nothing is stored for %s", id)
	}
}

func dispatchOne(t *testing.T, f *fixture, queryID string) job.Job {
	t.Helper()
	_, err := f.d.DispatchAPI(context.Background(), queryID, "api-tok", target("example.com"))
	require.NoError(t, err)
	jobs, err := f.store.FindJobsByQueryID(context.Background(), queryID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func TestTransitionGuards(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	_, owner := f.connect(t, 0)
	j := dispatchOne(t, f, "q-1")
	_, other := f.connect(t, 1)
	ctx := context.Background()

	require.ErrorIs(t, f.d.Accept(ctx, owner, "missing"), ErrJobNotFound)
	require.ErrorIs(t, f.d.Accept(ctx, other, j.ID), ErrWrongOwner)
	require.ErrorIs(t, f.d.Cancel(ctx, owner, j.ID), job.ErrInvalidTransition)
	require.ErrorIs(t, f.d.Complete(ctx, owner, j.ID, job.Success{HTTPCode: 200}), job.ErrInvalidTransition)

	require.NoError(t, f.d.Reject(ctx, owner, j.ID))
	err := f.d.Complete(ctx, owner, j.ID, job.Failure{ErrorCode: "EHOSTUNREACH"})
	require.ErrorIs(t, err, job.ErrInvalidTransition, "rejected is terminal")

	stored, err := f.store.FindJobByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRejected, stored.State())
}

func TestTransitionBroadcastsChangeAndList(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	_, conn := f.connect(t, 0)
	j := dispatchOne(t, f, "q-1")
	f.router.reset()

	require.NoError(t, f.d.Accept(context.Background(), conn, j.ID))
	assert.Equal(t, []string{"job-modify", "job-list"}, f.router.kinds())
	mod := f.router.of("job-modify")[0]
	assert.Equal(t, job.StateAccepted, mod.state)
	assert.Equal(t, "example.com", mod.hostname)
}

func TestLateCompletionAfterCancelAndResultRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	_, conn := f.connect(t, 0)
	j := dispatchOne(t, f, "q-1")
	ctx := context.Background()

	require.NoError(t, f.d.Accept(ctx, conn, j.ID))
	require.NoError(t, f.d.Cancel(ctx, conn, j.ID))
	result := job.Success{HTTPCode: 301, ExecutionTime: 87.5}
	require.NoError(t, f.d.Complete(ctx, conn, j.ID, result))
	require.ErrorIs(t, f.d.Complete(ctx, conn, j.ID, result), job.ErrInvalidTransition)

	got, err := f.d.GetQuery(ctx, "q-1")
	require.NoError(t, err)
	require.Len(t, got.Jobs, 1)
	completed, ok := got.Jobs[0].Status.(job.Completed)
	require.True(t, ok)
	assert.Equal(t, result, completed.Result)

	in, err := job.MarshalResult(result)
	require.NoError(t, err)
	out, err := job.MarshalResult(completed.Result)
	require.NoError(t, err)
	assert.Equal(t, string(in), string(out))
}

func TestDisconnectRecovery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	ep, conn := f.connect(t, 0)
	ctx := context.Background()
	pending := dispatchOne(t, f, "q-1")
	running := dispatchOne(t, f, "q-2")
	done := dispatchOne(t, f, "q-3")
	require.NoError(t, f.d.Accept(ctx, conn, running.ID))
	require.NoError(t, f.d.Accept(ctx, conn, done.ID))
	require.NoError(t, f.d.Complete(ctx, conn, done.ID, job.Timeout{ExecutionTime: 10000}))
	f.router.reset()

	f.d.OnDisconnect(ctx, ep)

	want := map[string]job.State{pending.ID: job.StateRejected, running.ID: job.StateCanceled, done.ID: job.StateCompleted}
	for id, state := range want {
		j, err := f.store.FindJobByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, state, j.State(), id)
	}

	counts := f.router.of("count")
	require.Len(t, counts, 1)
	assert.Equal(t, 0, counts[0].count)
	mods := f.router.of("job-modify")
	require.Len(t, mods, 2)
	got := map[string]job.State{mods[0].jobID: mods[0].state, mods[1].jobID: mods[1].state}
	assert.Equal(t, map[string]job.State{pending.ID: job.StateRejected, running.ID: job.StateCanceled}, got)
	assert.Equal(t, "count", f.router.kinds()[0], "count is announced before recovery")

	// The token can reconnect immediately and a second disconnect is a no-op.
	f.d.OnDisconnect(ctx, ep)
	assert.Len(t, f.router.of("count"), 1)
	_, err := f.d.Connect(ctx, "tok-0", &endpoint{id: "conn-new"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.d.ProviderCount())
}

func TestDuplicateConnectDoesNotBroadcast(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	f.connect(t, 0)
	_, err := f.d.Connect(context.Background(), "tok-0", &endpoint{id: "dup"})
	require.ErrorIs(t, err, registry.ErrDuplicateConnection)
	assert.Len(t, f.router.of("count"), 1)
}

// staleStore serves a job snapshot taken before a concurrent writer moved it.
type staleStore struct {
	*memory.Store
	stale job.Job
}

func (s staleStore) FindJobByID(context.Context, string) (job.Job, error) {
	return s.stale, nil
}

func TestConcurrentWriterWinsOverStaleGuard(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	ep, conn := f.connect(t, 0)
	j := dispatchOne(t, f, "q-1")
	ctx := context.Background()

	// Disconnect recovery rejects the job first.
	f.d.OnDisconnect(ctx, ep)

	// A request that read the job while it was still dispatched must not overwrite it.
	f.d.store = staleStore{Store: f.store, stale: j}
	err := f.d.Accept(ctx, conn, j.ID)
	require.ErrorIs(t, err, job.ErrInvalidTransition)

	stored, err := f.store.FindJobByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRejected, stored.State())
}

func TestRemoveJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	f.connect(t, 0)
	j := dispatchOne(t, f, "q-1")
	f.router.reset()

	require.NoError(t, f.d.RemoveJob(context.Background(), j.ID))
	assert.Equal(t, []string{"job-delete", "job-list"}, f.router.kinds())
	assert.Equal(t, 0, f.router.of("job-list")[0].jobs)
	require.ErrorIs(t, f.d.RemoveJob(context.Background(), j.ID), ErrJobNotFound)
}

func TestGetHostnameQueries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	f.connect(t, 0)
	dispatchOne(t, f, "q-1")
	dispatchOne(t, f, "q-2")
	_, err := f.d.DispatchAPI(context.Background(), "q-3", "api-tok", target("other.org"))
	require.NoError(t, err)

	got, err := f.d.GetHostnameQueries(context.Background(), "EXAMPLE.com")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "q-1", got[0].Query.ID)
	assert.Equal(t, "q-2", got[1].Query.ID)
	assert.Len(t, got[0].Jobs, 1)

	none, err := f.d.GetHostnameQueries(context.Background(), "nobody.test")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLifecycleEventsAreEmitted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	ep, conn := f.connect(t, 0)
	j := dispatchOne(t, f, "q-1")
	require.NoError(t, f.d.Accept(context.Background(), conn, j.ID))
	f.d.OnDisconnect(context.Background(), ep)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	stages := make([]progress.Stage, 0, len(f.events.events))
	for _, e := range f.events.events {
		require.NoError(t, e.Validate())
		stages = append(stages, e.Stage)
	}
	assert.Equal(t, []progress.Stage{
		progress.StageProviderConnected,
		progress.StageJobCreated,
		progress.StageQueryDispatched,
		progress.StageJobTransition,
		progress.StageProviderDisconnected,
		progress.StageJobRecovered,
	}, stages)
	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, job.StateAccepted, last.From)
	assert.Equal(t, job.StateCanceled, last.To)
	assert.Equal(t, "example.com", last.Hostname)
}
