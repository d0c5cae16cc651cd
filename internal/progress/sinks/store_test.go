package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/progress"
	"github.com/JakeFAU/open-website-status/internal/store"
)

// TestStoreSinkCollapsesPerHostname ensures one delta per hostname is persisted per batch.
func TestStoreSinkCollapsesPerHostname(t *testing.T) {
	t.Parallel()

	repo := &fakeStatsRepo{}
	sink := NewStoreSink(repo, nil)
	now := time.Now().UTC()

	batch := []progress.Event{
		{TS: now, Stage: progress.StageJobCreated, JobID: "j1", Hostname: "example.com"},
		{TS: now, Stage: progress.StageJobCreated, JobID: "j2", Hostname: "example.com"},
		{TS: now, Stage: progress.StageQueryDispatched, QueryID: "q1", Hostname: "example.com", Jobs: 2},
		{TS: now.Add(time.Second), Stage: progress.StageJobTransition, JobID: "j1", Hostname: "example.com",
			From: job.StateDispatched, To: job.StateAccepted},
		{TS: now.Add(2 * time.Second), Stage: progress.StageJobTransition, JobID: "j1", Hostname: "example.com",
			From: job.StateAccepted, To: job.StateCompleted, Result: job.ResultSuccess,
			StatusClass: progress.Status2xx, Dur: 150 * time.Millisecond},
		{TS: now.Add(3 * time.Second), Stage: progress.StageJobRecovered, JobID: "j2", Hostname: "example.com",
			From: job.StateDispatched, To: job.StateRejected},
		{TS: now, Stage: progress.StageJobTransition, JobID: "j3", Hostname: "other.org",
			From: job.StateCanceled, To: job.StateCompleted, Result: job.ResultTimeout, Dur: 10 * time.Second},
		{TS: now, Stage: progress.StageProviderConnected, ProviderID: "p1"},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.calls, 2)
	example := repo.calls["example.com"]
	require.Equal(t, store.Counters{
		Queries:    1,
		Jobs:       2,
		Accepted:   1,
		Rejected:   1,
		Completed:  1,
		Fetch2xx:   1,
		ExecTimeMs: 150,
	}, example.delta)
	require.Equal(t, now.Add(3*time.Second), example.at)

	other := repo.calls["other.org"]
	require.Equal(t, int64(1), other.delta.Timeouts)
	require.InDelta(t, 10000, other.delta.ExecTimeMs, 1e-9)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeStatsRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{TS: time.Now(), Stage: progress.StageJobCreated, JobID: "j1", Hostname: "example.com"},
	})
	require.Error(t, err)
}

func TestStoreSinkNilRepo(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewStoreSink(nil, nil).Consume(context.Background(), []progress.Event{
		{TS: time.Now(), Stage: progress.StageJobCreated, JobID: "j1", Hostname: "example.com"},
	}))
}

type statsCall struct {
	delta store.Counters
	at    time.Time
}

type fakeStatsRepo struct {
	fail  bool
	calls map[string]statsCall
}

func (f *fakeStatsRepo) ApplyHostnameDelta(_ context.Context, hostname string, delta store.Counters, at time.Time) error {
	if f.fail {
		return assertErr("apply")
	}
	if f.calls == nil {
		f.calls = make(map[string]statsCall)
	}
	f.calls[hostname] = statsCall{delta: delta, at: at}
	return nil
}

func (f *fakeStatsRepo) GetHostnameStats(context.Context, string) (store.HostnameStats, error) {
	return store.HostnameStats{}, assertErr("read")
}

func (f *fakeStatsRepo) ListHostnameStats(context.Context, int, int) ([]store.HostnameStats, error) {
	return nil, assertErr("list")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
