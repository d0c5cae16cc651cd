package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/open-website-status/internal/store"
)

// StatsStore provides an in-memory store.StatsRepository.
type StatsStore struct {
	mu    sync.RWMutex
	stats map[string]store.HostnameStats
}

var _ store.StatsRepository = (*StatsStore)(nil)

// NewStatsStore constructs an empty StatsStore.
func NewStatsStore() *StatsStore {
	return &StatsStore{stats: make(map[string]store.HostnameStats)}
}

// ApplyHostnameDelta adds delta to the hostname row.
func (s *StatsStore) ApplyHostnameDelta(_ context.Context, hostname string, delta store.Counters, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.stats[hostname]
	if !ok {
		row = store.HostnameStats{Hostname: hostname}
	}
	row.Add(delta)
	if at.After(row.LastUpdate) {
		row.LastUpdate = at
	}
	s.stats[hostname] = row
	return nil
}

// GetHostnameStats returns one hostname row.
func (s *StatsStore) GetHostnameStats(_ context.Context, hostname string) (store.HostnameStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.stats[hostname]
	if !ok {
		return store.HostnameStats{}, fmt.Errorf("hostname %q: %w", hostname, store.ErrNotFound)
	}
	return row, nil
}

// ListHostnameStats returns rows ordered by most recent update.
func (s *StatsStore) ListHostnameStats(_ context.Context, limit, offset int) ([]store.HostnameStats, error) {
	s.mu.RLock()
	out := make([]store.HostnameStats, 0, len(s.stats))
	for _, row := range s.stats {
		out = append(out, row)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdate.Equal(out[j].LastUpdate) {
			return out[i].Hostname < out[j].Hostname
		}
		return out[i].LastUpdate.After(out[j].LastUpdate)
	})
	if offset >= len(out) {
		return []store.HostnameStats{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
