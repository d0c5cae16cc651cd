package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/progress"
	"github.com/JakeFAU/open-website-status/internal/store"
)

// StoreSink folds lifecycle events into per-hostname statistics via a
// store.StatsRepository. It collapses each batch to one delta per hostname
// to reduce write amplification.
type StoreSink struct {
	repo   store.StatsRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.StatsRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume collapses hostname deltas and forwards them to the repository. It
// respects ctx deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[string]*statsDelta)
	for _, evt := range batch {
		if evt.Hostname == "" {
			continue
		}
		d := deltas[evt.Hostname]
		if d == nil {
			d = &statsDelta{}
			deltas[evt.Hostname] = d
		}
		if !record(&d.counters, evt) {
			continue
		}
		if evt.TS.After(d.at) {
			d.at = evt.TS
		}
	}

	for hostname, d := range deltas {
		if d.at.IsZero() {
			continue
		}
		if err := s.repo.ApplyHostnameDelta(ctx, hostname, d.counters, d.at); err != nil {
			return fmt.Errorf("apply hostname stats: %w", err)
		}
	}
	return nil
}

// record adds evt to c and reports whether it changed anything.
func record(c *store.Counters, evt progress.Event) bool {
	switch evt.Stage {
	case progress.StageQueryDispatched:
		c.Queries++
	case progress.StageJobCreated:
		c.Jobs++
	case progress.StageJobTransition, progress.StageJobRecovered:
		switch evt.To {
		case job.StateAccepted:
			c.Accepted++
		case job.StateRejected:
			c.Rejected++
		case job.StateCanceled:
			c.Canceled++
		case job.StateCompleted:
			c.Completed++
			recordResult(c, evt)
		default:
			return false
		}
	default:
		return false
	}
	return true
}

func recordResult(c *store.Counters, evt progress.Event) {
	switch evt.Result {
	case job.ResultSuccess:
		switch evt.StatusClass {
		case progress.Status2xx:
			c.Fetch2xx++
		case progress.Status3xx:
			c.Fetch3xx++
		case progress.Status4xx:
			c.Fetch4xx++
		case progress.Status5xx:
			c.Fetch5xx++
		default:
			c.FetchOther++
		}
	case job.ResultTimeout:
		c.Timeouts++
	case job.ResultError:
		c.Errors++
	}
	if evt.Dur > 0 {
		c.ExecTimeMs += float64(evt.Dur) / float64(time.Millisecond)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsDelta struct {
	counters store.Counters
	at       time.Time
}
