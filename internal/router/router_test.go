package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/probe"
	"github.com/JakeFAU/open-website-status/internal/protocol"
)

type sent struct {
	event string
	data  any
}

type recorder struct {
	id   string
	fail bool

	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(event string, data any) error {
	if r.fail {
		return errors.New("buffer full")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{event: event, data: data})
	return nil
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.event)
	}
	return out
}

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func query(id, host string) probe.Query {
	return probe.Query{ID: id, CreatedAt: t0, Target: probe.Target{Protocol: probe.ProtocolHTTPS, Hostname: host, Pathname: "/"}}
}

func TestHostnameTopicOnlyReceivesMatchingQueries(t *testing.T) {
	t.Parallel()

	r := New(nil)
	watcher := &recorder{id: "w"}
	bystander := &recorder{id: "b"}
	r.Register(watcher)
	r.Register(bystander)
	require.True(t, r.Subscribe(watcher, HostnameTopic("Example.com")))

	r.QueryCreated(query("q1", "example.com"))
	r.QueryCreated(query("q2", "example.org"))

	require.Equal(t, []string{protocol.EventQueryCreate}, watcher.events())
	msg, ok := watcher.msgs[0].data.(protocol.QueryMessage)
	require.True(t, ok)
	assert.Equal(t, "q1", msg.ID)
	assert.Empty(t, bystander.events())
}

func TestJobEventsReachQueryAndHostnameTopicsOnce(t *testing.T) {
	t.Parallel()

	r := New(nil)
	both := &recorder{id: "both"}
	byQuery := &recorder{id: "query"}
	byHost := &recorder{id: "host"}
	for _, s := range []*recorder{both, byQuery, byHost} {
		r.Register(s)
	}
	r.Subscribe(both, QueryTopic("q1"))
	r.Subscribe(both, HostnameTopic("example.com"))
	r.Subscribe(byQuery, QueryTopic("q1"))
	r.Subscribe(byHost, HostnameTopic("example.com"))

	j := job.New("j1", "q1", "p1", t0, job.Geo{})
	r.JobCreated(j, "example.com")
	r.JobChanged(j, "example.com")
	r.JobList("q1", "example.com", []job.Job{j})
	r.JobDeleted("j1", "q1", "example.com")

	want := []string{protocol.EventJobCreate, protocol.EventJobModify, protocol.EventJobList, protocol.EventJobDelete}
	assert.Equal(t, want, both.events())
	assert.Equal(t, want, byQuery.events())
	assert.Equal(t, want, byHost.events())

	list, ok := both.msgs[2].data.(protocol.JobList)
	require.True(t, ok)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, job.StateDispatched, list.Jobs[0].JobState)
}

func TestOtherQueriesStayPrivate(t *testing.T) {
	t.Parallel()

	r := New(nil)
	sub := &recorder{id: "s"}
	r.Register(sub)
	r.Subscribe(sub, QueryTopic("mine"))

	r.JobCreated(job.New("j1", "theirs", "p1", t0, job.Geo{}), "other.test")
	assert.Empty(t, sub.events())
}

func TestUnregisterReleasesTopics(t *testing.T) {
	t.Parallel()

	r := New(nil)
	sub := &recorder{id: "s"}
	r.Register(sub)
	r.Subscribe(sub, QueryTopic("q1"))
	r.Subscribe(sub, HostnameTopic("example.com"))
	assert.Equal(t, 1, r.Members(QueryTopic("q1")))

	r.Unregister(sub)
	assert.Equal(t, 0, r.Members(QueryTopic("q1")))
	assert.Equal(t, 0, r.Members(HostnameTopic("example.com")))
	assert.False(t, r.Subscribe(sub, QueryTopic("q1")), "closed callers cannot rejoin")

	r.QueryCreated(query("q2", "example.com"))
	r.ProvidersCount(3)
	assert.Empty(t, sub.events())
}

func TestUnsubscribeLeavesOneTopic(t *testing.T) {
	t.Parallel()

	r := New(nil)
	sub := &recorder{id: "s"}
	r.Register(sub)
	r.Subscribe(sub, QueryTopic("q1"))
	r.Subscribe(sub, HostnameTopic("example.com"))

	r.Unsubscribe(sub, QueryTopic("q1"))
	r.Unsubscribe(sub, QueryTopic("never-joined"))
	assert.Equal(t, 0, r.Members(QueryTopic("q1")))
	assert.Equal(t, 1, r.Members(HostnameTopic("example.com")))

	r.QueryCreated(query("q1", "other.org"))
	assert.Empty(t, sub.events())
	r.QueryCreated(query("q2", "example.com"))
	assert.Equal(t, []string{protocol.EventQueryCreate}, sub.events())

	r.Unregister(sub)
	assert.Equal(t, 0, r.Members(HostnameTopic("example.com")))
}

func TestProvidersCountIsUnscoped(t *testing.T) {
	t.Parallel()

	r := New(nil)
	a := &recorder{id: "a"}
	b := &recorder{id: "b"}
	broken := &recorder{id: "broken", fail: true}
	r.Register(a)
	r.Register(b)
	r.Register(broken)
	r.Subscribe(a, QueryTopic("q1"))

	r.ProvidersCount(2)
	for _, s := range []*recorder{a, b} {
		require.Equal(t, []string{protocol.EventConnectedProvidersCount}, s.events())
		assert.Equal(t, protocol.ProvidersCount{Count: 2}, s.msgs[0].data)
	}
}
