package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/progress"
)

// PrometheusSink exports lifecycle metrics via Prometheus. It owns all
// collectors for dispatches, job transitions and probe outcomes.
type PrometheusSink struct {
	queriesDispatched prometheus.Counter
	fanOut            prometheus.Histogram
	jobsCreated       prometheus.Counter
	jobsInFlight      prometheus.Gauge
	transitions       *prometheus.CounterVec
	recovered         *prometheus.CounterVec
	probeResults      *prometheus.CounterVec
	probeDuration     *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		queriesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statushub_queries_dispatched_total",
			Help: "Total queries fanned out to providers.",
		}),
		fanOut: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statushub_dispatch_fanout_jobs",
			Help:    "Jobs created per dispatched query.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statushub_jobs_created_total",
			Help: "Total jobs created by fan-out.",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statushub_jobs_in_flight",
			Help: "Jobs currently dispatched or accepted.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statushub_job_transitions_total",
			Help: "Provider driven job transitions partitioned by source and target state.",
		}, []string{"from", "to"}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statushub_jobs_recovered_total",
			Help: "Jobs moved by provider disconnect recovery partitioned by target state.",
		}, []string{"to"}),
		probeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statushub_probe_results_total",
			Help: "Completed probes partitioned by result and status class.",
		}, []string{"result", "status_class"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statushub_probe_execution_seconds",
			Help:    "Provider reported execution time partitioned by result.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"result"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.queriesDispatched,
		s.fanOut,
		s.jobsCreated,
		s.jobsInFlight,
		s.transitions,
		s.recovered,
		s.probeResults,
		s.probeDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageQueryDispatched:
		s.queriesDispatched.Inc()
		s.fanOut.Observe(float64(evt.Jobs))
	case progress.StageJobCreated:
		s.jobsCreated.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsInFlight.Inc()
		}
	case progress.StageJobTransition:
		s.transitions.WithLabelValues(string(evt.From), string(evt.To)).Inc()
		s.handleSettled(evt)
	case progress.StageJobRecovered:
		s.recovered.WithLabelValues(string(evt.To)).Inc()
		s.handleSettled(evt)
	case progress.StageJobRemoved:
		if s.tracker.complete(evt.JobID) {
			s.jobsInFlight.Dec()
		}
	}
}

func (s *PrometheusSink) handleSettled(evt progress.Event) {
	if evt.To == job.StateCompleted {
		s.observeResult(evt)
	}
	if evt.To != job.StateAccepted && s.tracker.complete(evt.JobID) {
		s.jobsInFlight.Dec()
	}
}

func (s *PrometheusSink) observeResult(evt progress.Event) {
	result := string(evt.Result)
	if result == "" {
		result = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = "none"
	}
	s.probeResults.WithLabelValues(result, statusClass).Inc()
	if evt.Dur > 0 {
		s.probeDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// jobTracker remembers in-flight jobs so the gauge survives duplicate events.
type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
