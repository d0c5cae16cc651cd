// Package router delivers job and query events to the callers that asked
// for them.
//
// Callers join topics named after a query id or a hostname. Every event is
// sent at most once per caller, however many of its topics match.
package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/logging"
	"github.com/JakeFAU/open-website-status/internal/probe"
	"github.com/JakeFAU/open-website-status/internal/protocol"
)

// Topic names a broadcast scope.
type Topic string

// QueryTopic is the topic of one query's jobs.
func QueryTopic(queryID string) Topic {
	return Topic("query:" + queryID)
}

// HostnameTopic is the topic of every query against hostname.
func HostnameTopic(hostname string) Topic {
	return Topic("hostname:" + probe.NormalizeHostname(hostname))
}

// Subscriber is a connected caller.
type Subscriber interface {
	ID() string
	Send(event string, data any) error
}

// Router is safe for concurrent use.
type Router struct {
	logger *zap.Logger

	mu      sync.RWMutex
	members map[string]Subscriber
	topics  map[Topic]map[string]Subscriber
	joined  map[string]map[Topic]struct{}
}

// New creates an empty Router.
func New(logger *zap.Logger) *Router {
	return &Router{
		logger:  logging.OrNop(logger),
		members: make(map[string]Subscriber),
		topics:  make(map[Topic]map[string]Subscriber),
		joined:  make(map[string]map[Topic]struct{}),
	}
}

// Register adds a caller. Registered callers receive unscoped broadcasts.
func (r *Router) Register(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[sub.ID()] = sub
}

// Unregister removes a caller and releases all of its topic memberships.
func (r *Router) Unregister(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := sub.ID()
	delete(r.members, id)
	for topic := range r.joined[id] {
		members := r.topics[topic]
		delete(members, id)
		if len(members) == 0 {
			delete(r.topics, topic)
		}
	}
	delete(r.joined, id)
}

// Subscribe adds a registered caller to topic. It reports false when the
// caller has already been unregistered.
func (r *Router) Subscribe(sub Subscriber, topic Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := sub.ID()
	if _, ok := r.members[id]; !ok {
		return false
	}
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]Subscriber)
	}
	r.topics[topic][id] = sub
	if r.joined[id] == nil {
		r.joined[id] = make(map[Topic]struct{})
	}
	r.joined[id][topic] = struct{}{}
	return true
}

// Unsubscribe removes the caller from topic. Leaving a topic the caller never
// joined is a no-op.
func (r *Router) Unsubscribe(sub Subscriber, topic Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := sub.ID()
	if members := r.topics[topic]; members != nil {
		delete(members, id)
		if len(members) == 0 {
			delete(r.topics, topic)
		}
	}
	if joined := r.joined[id]; joined != nil {
		delete(joined, topic)
	}
}

// Members returns the number of callers in topic.
func (r *Router) Members(topic Topic) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// JobCreated announces a new job to its query and hostname topics.
func (r *Router) JobCreated(j job.Job, hostname string) {
	r.sendJob(protocol.EventJobCreate, j, hostname)
}

// JobChanged announces a job transition to its query and hostname topics.
func (r *Router) JobChanged(j job.Job, hostname string) {
	r.sendJob(protocol.EventJobModify, j, hostname)
}

// JobDeleted announces a removed job.
func (r *Router) JobDeleted(jobID, queryID, hostname string) {
	r.publish(protocol.EventJobDelete, protocol.JobDelete{JobID: jobID, QueryID: queryID},
		QueryTopic(queryID), HostnameTopic(hostname))
}

// JobList sends the complete job set of a query.
func (r *Router) JobList(queryID, hostname string, jobs []job.Job) {
	list, err := protocol.NewJobList(queryID, jobs)
	if err != nil {
		r.logger.Error("encode job list", zap.String("query_id", queryID), zap.Error(err))
		return
	}
	r.publish(protocol.EventJobList, list, QueryTopic(queryID), HostnameTopic(hostname))
}

// QueryCreated announces a new query to its hostname topic.
func (r *Router) QueryCreated(q probe.Query) {
	r.publish(protocol.EventQueryCreate, protocol.NewQueryMessage(q), HostnameTopic(q.Target.Hostname))
}

// ProvidersCount sends the connected provider count to every caller.
func (r *Router) ProvidersCount(n int) {
	r.mu.RLock()
	targets := make([]Subscriber, 0, len(r.members))
	for _, sub := range r.members {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()
	r.deliver(protocol.EventConnectedProvidersCount, protocol.ProvidersCount{Count: n}, targets)
}

func (r *Router) sendJob(event string, j job.Job, hostname string) {
	msg, err := protocol.NewJobMessage(j)
	if err != nil {
		r.logger.Error("encode job", zap.String("job_id", j.ID), zap.Error(err))
		return
	}
	r.publish(event, msg, QueryTopic(j.QueryID), HostnameTopic(hostname))
}

func (r *Router) publish(event string, data any, topics ...Topic) {
	r.mu.RLock()
	seen := make(map[string]struct{})
	var targets []Subscriber
	for _, topic := range topics {
		for id, sub := range r.topics[topic] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()
	r.deliver(event, data, targets)
}

func (r *Router) deliver(event string, data any, targets []Subscriber) {
	for _, sub := range targets {
		if err := sub.Send(event, data); err != nil {
			r.logger.Warn("drop push",
				zap.String("event", event),
				zap.String("conn_id", sub.ID()),
				zap.Error(err),
			)
		}
	}
}
