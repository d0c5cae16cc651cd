package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClockNowUTC ensures the clock returns UTC timestamps at millisecond precision.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	require.NotNil(t, clk)

	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.After(before) && got.Before(after), "%v not within [%v, %v]", got, before, after)
	assert.Zero(t, got.Nanosecond()%int(time.Millisecond))
}

// TestClockNowMonotonic checks successive timestamps are non-decreasing.
func TestClockNowMonotonic(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	assert.False(t, second.Before(first))
}
