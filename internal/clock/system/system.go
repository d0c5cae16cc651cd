// Package system provides the wall clock used for job timestamps.
package system

import "time"

// Clock implements probe.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC, truncated to milliseconds so stored
// and pushed timestamps compare equal.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
