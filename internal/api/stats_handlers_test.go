package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/open-website-status/internal/storage/memory"
	"github.com/JakeFAU/open-website-status/internal/store"
)

func newStatsServer(t *testing.T, repo store.StatsRepository) *Server {
	t.Helper()
	return NewServer(Options{Hub: &fakeHub{}, Stats: repo, Logger: zap.NewNop()})
}

func TestStatsHandlerListHostnames(t *testing.T) {
	t.Parallel()

	repo := memory.NewStatsStore()
	t0 := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()
	require.NoError(t, repo.ApplyHostnameDelta(ctx, "old.example", store.Counters{Queries: 1}, t0))
	require.NoError(t, repo.ApplyHostnameDelta(ctx, "new.example", store.Counters{Queries: 2, Jobs: 4}, t0.Add(time.Minute)))

	rec := serve(t, newStatsServer(t, repo), http.MethodGet, "/v1/hostnames?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Hostnames []store.HostnameStats `json:"hostnames"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Hostnames, 1)
	assert.Equal(t, "new.example", body.Hostnames[0].Hostname)
	assert.Equal(t, int64(4), body.Hostnames[0].Jobs)
}

func TestStatsHandlerInvalidPaging(t *testing.T) {
	t.Parallel()

	server := newStatsServer(t, memory.NewStatsStore())
	for _, target := range []string{"/v1/hostnames?limit=0", "/v1/hostnames?limit=x", "/v1/hostnames?offset=-1"} {
		rec := serve(t, server, http.MethodGet, target, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestStatsHandlerGetHostname(t *testing.T) {
	t.Parallel()

	repo := memory.NewStatsStore()
	require.NoError(t, repo.ApplyHostnameDelta(context.Background(), "example.com",
		store.Counters{Completed: 1, Fetch2xx: 1, ExecTimeMs: 42}, time.Unix(1700000000, 0).UTC()))
	server := newStatsServer(t, repo)

	rec := serve(t, server, http.MethodGet, "/v1/hostnames/EXAMPLE.com/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stats store.HostnameStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Stats.Fetch2xx)
	assert.InDelta(t, 42.0, body.Stats.ExecTimeMs, 0.001)

	rec = serve(t, server, http.MethodGet, "/v1/hostnames/missing.example/stats", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsHandlerRepositoryFailures(t *testing.T) {
	t.Parallel()

	rec := serve(t, newStatsServer(t, nil), http.MethodGet, "/v1/hostnames", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, newStatsServer(t, failingStats{}), http.MethodGet, "/v1/hostnames/example.com/stats", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type failingStats struct{}

func (failingStats) ApplyHostnameDelta(context.Context, string, store.Counters, time.Time) error {
	return errors.New("db down")
}

func (failingStats) GetHostnameStats(context.Context, string) (store.HostnameStats, error) {
	return store.HostnameStats{}, errors.New("db down")
}

func (failingStats) ListHostnameStats(context.Context, int, int) ([]store.HostnameStats, error) {
	return nil, errors.New("db down")
}
