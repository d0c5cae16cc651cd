// Package memory implements the hub's document store in process memory for
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/probe"
)

// Store provides an in-memory probe.Store.
type Store struct {
	mu         sync.RWMutex
	providers  map[string]probe.Provider  // by token
	apiClients map[string]probe.APIClient // by token
	queries    map[string]probe.Query
	jobs       map[string]job.Job
}

var _ probe.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		providers:  make(map[string]probe.Provider),
		apiClients: make(map[string]probe.APIClient),
		queries:    make(map[string]probe.Query),
		jobs:       make(map[string]job.Job),
	}
}

// PutProvider adds or replaces a provider registration.
func (s *Store) PutProvider(p probe.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.Token] = p
}

// PutAPIClient adds or replaces an API client registration.
func (s *Store) PutAPIClient(c probe.APIClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiClients[c.Token] = c
}

// FindProviderByToken looks up a provider by its secret token.
func (s *Store) FindProviderByToken(_ context.Context, token string) (probe.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[token]
	if !ok {
		return probe.Provider{}, fmt.Errorf("provider: %w", probe.ErrNotFound)
	}
	return p, nil
}

// FindAPIClientByToken looks up an API client by its secret token.
func (s *Store) FindAPIClientByToken(_ context.Context, token string) (probe.APIClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.apiClients[token]
	if !ok {
		return probe.APIClient{}, fmt.Errorf("api client: %w", probe.ErrNotFound)
	}
	return c, nil
}

// CreateQuery stores a new query.
func (s *Store) CreateQuery(_ context.Context, q probe.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queries[q.ID]; exists {
		return fmt.Errorf("query %s: %w", q.ID, probe.ErrAlreadyExists)
	}
	s.queries[q.ID] = q
	return nil
}

// FindQueryByID fetches a query by ID.
func (s *Store) FindQueryByID(_ context.Context, id string) (probe.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queries[id]
	if !ok {
		return probe.Query{}, fmt.Errorf("query %s: %w", id, probe.ErrNotFound)
	}
	return q, nil
}

// FindQueriesByHostname returns every query for hostname, oldest first.
func (s *Store) FindQueriesByHostname(_ context.Context, hostname string) ([]probe.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]probe.Query, 0)
	for _, q := range s.queries {
		if q.Target.Hostname == hostname {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("job %s: %w", j.ID, probe.ErrAlreadyExists)
	}
	s.jobs[j.ID] = j
	return nil
}

// ReplaceJob overwrites a job whose stored state is still expected.
func (s *Store) ReplaceJob(_ context.Context, j job.Job, expected job.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[j.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", j.ID, probe.ErrNotFound)
	}
	if current.State() != expected {
		return fmt.Errorf("job %s is %s, expected %s: %w", j.ID, current.State(), expected, probe.ErrStateConflict)
	}
	s.jobs[j.ID] = j
	return nil
}

// FindJobByID fetches a job by ID.
func (s *Store) FindJobByID(_ context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, fmt.Errorf("job %s: %w", id, probe.ErrNotFound)
	}
	return j, nil
}

// FindJobsByProviderID returns the provider's jobs, oldest first.
func (s *Store) FindJobsByProviderID(_ context.Context, providerID string) ([]job.Job, error) {
	return s.filterJobs(func(j job.Job) bool { return j.ProviderID == providerID }), nil
}

// FindJobsByQueryID returns the query's jobs, oldest first.
func (s *Store) FindJobsByQueryID(_ context.Context, queryID string) ([]job.Job, error) {
	return s.filterJobs(func(j job.Job) bool { return j.QueryID == queryID }), nil
}

// DeleteJob removes a job.
func (s *Store) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, probe.ErrNotFound)
	}
	delete(s.jobs, id)
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) filterJobs(keep func(job.Job) bool) []job.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]job.Job, 0)
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].DispatchedAt.Equal(out[k].DispatchedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].DispatchedAt.Before(out[k].DispatchedAt)
	})
	return out
}
