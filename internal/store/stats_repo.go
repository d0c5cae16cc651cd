package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("hostname stats not found")

// Counters are the per-hostname aggregates. In a delta every field is an
// increment.
type Counters struct {
	// Queries counts dispatched queries.
	Queries int64 `json:"queries"`
	// Jobs counts jobs created by fan-out.
	Jobs      int64 `json:"jobs"`
	Accepted  int64 `json:"accepted"`
	Rejected  int64 `json:"rejected"`
	Canceled  int64 `json:"canceled"`
	Completed int64 `json:"completed"`
	// Fetch2xx-5xx and FetchOther split successful probes by HTTP status class.
	Fetch2xx   int64 `json:"fetch2xx"`
	Fetch3xx   int64 `json:"fetch3xx"`
	Fetch4xx   int64 `json:"fetch4xx"`
	Fetch5xx   int64 `json:"fetch5xx"`
	FetchOther int64 `json:"fetchOther"`
	Timeouts   int64 `json:"timeouts"`
	Errors     int64 `json:"errors"`
	// ExecTimeMs sums the reported execution time of success and timeout results.
	ExecTimeMs float64 `json:"execTimeMs"`
}

// Add accumulates d into c.
func (c *Counters) Add(d Counters) {
	c.Queries += d.Queries
	c.Jobs += d.Jobs
	c.Accepted += d.Accepted
	c.Rejected += d.Rejected
	c.Canceled += d.Canceled
	c.Completed += d.Completed
	c.Fetch2xx += d.Fetch2xx
	c.Fetch3xx += d.Fetch3xx
	c.Fetch4xx += d.Fetch4xx
	c.Fetch5xx += d.Fetch5xx
	c.FetchOther += d.FetchOther
	c.Timeouts += d.Timeouts
	c.Errors += d.Errors
	c.ExecTimeMs += d.ExecTimeMs
}

// HostnameStats is the aggregate row for one probed hostname.
type HostnameStats struct {
	Hostname string `json:"hostname"`
	Counters
	// LastUpdate is the timestamp of the newest event folded in.
	LastUpdate time.Time `json:"lastUpdate"`
}

// StatsRepository persists per-hostname probe statistics.
type StatsRepository interface {
	// ApplyHostnameDelta adds delta to the hostname's counters, creating the
	// row on first use.
	ApplyHostnameDelta(ctx context.Context, hostname string, delta Counters, at time.Time) error
	// GetHostnameStats loads one hostname or returns ErrNotFound.
	GetHostnameStats(ctx context.Context, hostname string) (HostnameStats, error)
	// ListHostnameStats returns hostnames ordered by most recent update.
	ListHostnameStats(ctx context.Context, limit, offset int) ([]HostnameStats, error)
}
