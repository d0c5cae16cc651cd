package session

import (
	"context"
	"fmt"
	"sync"
)

// tracker holds the live sessions of one endpoint. Hijacked connections are
// invisible to http.Server.Shutdown, so the hub ends them itself.
type tracker struct {
	mu      sync.Mutex
	live    map[*socket]struct{}
	closing bool
	wg      sync.WaitGroup
}

// add records s. It reports false once shutdown has started.
func (t *tracker) add(s *socket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return false
	}
	if t.live == nil {
		t.live = make(map[*socket]struct{})
	}
	t.live[s] = struct{}{}
	t.wg.Add(1)
	return true
}

// remove is called once the session's handler has finished its cleanup.
func (t *tracker) remove(s *socket) {
	t.mu.Lock()
	delete(t.live, s)
	t.mu.Unlock()
	t.wg.Done()
}

// shutdown refuses new sessions, closes the live ones and waits until their
// handlers return.
func (t *tracker) shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closing = true
	live := make([]*socket, 0, len(t.live))
	for s := range t.live {
		live = append(live, s)
	}
	t.mu.Unlock()

	for _, s := range live {
		s.close()
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}
}
