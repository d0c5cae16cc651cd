package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/open-website-status/internal/store"
)

func TestStatsStoreAccumulates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStatsStore()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.ApplyHostnameDelta(ctx, "example.com", store.Counters{Queries: 1, Jobs: 3}, t0))
	require.NoError(t, s.ApplyHostnameDelta(ctx, "example.com", store.Counters{Completed: 2, Fetch2xx: 2, ExecTimeMs: 40}, t0.Add(time.Minute)))
	require.NoError(t, s.ApplyHostnameDelta(ctx, "example.com", store.Counters{Rejected: 1}, t0.Add(-time.Minute)))

	row, err := s.GetHostnameStats(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Queries)
	assert.Equal(t, int64(3), row.Jobs)
	assert.Equal(t, int64(2), row.Fetch2xx)
	assert.Equal(t, int64(1), row.Rejected)
	assert.InDelta(t, 40, row.ExecTimeMs, 1e-9)
	assert.Equal(t, t0.Add(time.Minute), row.LastUpdate, "older deltas never move last update back")

	_, err = s.GetHostnameStats(ctx, "missing.org")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatsStoreListOrderAndPaging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStatsStore()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, host := range []string{"a.test", "b.test", "c.test"} {
		require.NoError(t, s.ApplyHostnameDelta(ctx, host, store.Counters{Jobs: 1}, t0.Add(time.Duration(i)*time.Second)))
	}

	all, err := s.ListHostnameStats(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c.test", all[0].Hostname)

	page, err := s.ListHostnameStats(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b.test", page[0].Hostname)

	empty, err := s.ListHostnameStats(ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
