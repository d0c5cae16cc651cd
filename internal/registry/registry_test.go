package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/probe"
)

type fakeEndpoint struct {
	id   string
	addr string
}

func (e fakeEndpoint) ID() string                    { return e.id }
func (e fakeEndpoint) RemoteAddr() string            { return e.addr }
func (e fakeEndpoint) Assign(probe.Assignment) error { return nil }

type fakeProviders struct {
	gate    chan struct{}
	calls   atomic.Int32
	byToken map[string]probe.Provider
	err     error
}

func (f *fakeProviders) FindProviderByToken(ctx context.Context, token string) (probe.Provider, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return probe.Provider{}, ctx.Err()
		}
	}
	if f.err != nil {
		return probe.Provider{}, f.err
	}
	p, ok := f.byToken[token]
	if !ok {
		return probe.Provider{}, probe.ErrNotFound
	}
	return p, nil
}

type fakeGeo struct {
	mu    sync.Mutex
	seen  []string
	fail  bool
	value job.Geo
}

func (g *fakeGeo) Locate(_ context.Context, address string) (job.Geo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, address)
	if g.fail {
		return job.Geo{}, errors.New("lookup failed")
	}
	return g.value, nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newRegistry(providers *fakeProviders, geo *fakeGeo) *Registry {
	return New(providers, geo, &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}, nil)
}

func providerSet(n int) map[string]probe.Provider {
	out := make(map[string]probe.Provider, n)
	for i := range n {
		tok := fmt.Sprintf("tok-%d", i)
		out[tok] = probe.Provider{ID: fmt.Sprintf("p-%d", i), Token: tok, Name: fmt.Sprintf("provider %d", i)}
	}
	return out
}

func TestRegisterAndUnregister(t *testing.T) {
	t.Parallel()

	geo := &fakeGeo{value: job.Geo{CountryCode: "fr", RegionCode: "idf", ISPName: "Orange"}}
	reg := newRegistry(&fakeProviders{byToken: providerSet(1)}, geo)
	ep := fakeEndpoint{id: "c1", addr: "203.0.113.7:51000"}

	conn, err := reg.Register(context.Background(), "tok-0", ep)
	require.NoError(t, err)
	assert.Equal(t, "p-0", conn.Provider.ID)
	assert.Equal(t, geo.value, conn.Geo)
	assert.Equal(t, []string{"203.0.113.7"}, geo.seen)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Registered(ep))

	removed, ok := reg.Unregister(ep)
	require.True(t, ok)
	assert.Equal(t, "p-0", removed.Provider.ID)
	assert.Equal(t, 0, reg.Count())
	assert.False(t, reg.Registered(ep))

	_, ok = reg.Unregister(ep)
	assert.False(t, ok)

	// The token is free again as soon as the old connection is gone.
	_, err = reg.Register(context.Background(), "tok-0", fakeEndpoint{id: "c2", addr: "203.0.113.7:51001"})
	require.NoError(t, err)
}

func TestRegisterInvalidToken(t *testing.T) {
	t.Parallel()

	reg := newRegistry(&fakeProviders{byToken: providerSet(1)}, &fakeGeo{})
	_, err := reg.Register(context.Background(), "bogus", fakeEndpoint{id: "c1", addr: "203.0.113.7:1"})
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, 0, reg.Count())
}

func TestRegisterStoreFailureIsNotInvalidToken(t *testing.T) {
	t.Parallel()

	reg := newRegistry(&fakeProviders{err: errors.New("connection refused")}, &fakeGeo{})
	_, err := reg.Register(context.Background(), "tok-0", fakeEndpoint{id: "c1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestRegisterGeolocationFailureReleasesToken(t *testing.T) {
	t.Parallel()

	geo := &fakeGeo{fail: true}
	reg := newRegistry(&fakeProviders{byToken: providerSet(1)}, geo)
	_, err := reg.Register(context.Background(), "tok-0", fakeEndpoint{id: "c1", addr: "198.51.100.1:9"})
	require.ErrorIs(t, err, ErrGeolocation)

	geo.mu.Lock()
	geo.fail = false
	geo.mu.Unlock()
	_, err = reg.Register(context.Background(), "tok-0", fakeEndpoint{id: "c2", addr: "198.51.100.1:9"})
	require.NoError(t, err)
}

func TestRegisterLoopbackUsesOwnAddress(t *testing.T) {
	t.Parallel()

	geo := &fakeGeo{}
	reg := newRegistry(&fakeProviders{byToken: providerSet(3)}, geo)
	ctx := context.Background()
	_, err := reg.Register(ctx, "tok-0", fakeEndpoint{id: "a", addr: "127.0.0.1:4000"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, "tok-1", fakeEndpoint{id: "b", addr: "[::1]:4000"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, "tok-2", fakeEndpoint{id: "c", addr: "[::ffff:127.0.0.1]:4000"})
	require.NoError(t, err)
	assert.Equal(t, []string{"", "", ""}, geo.seen)
}

func TestConcurrentDuplicateToken(t *testing.T) {
	t.Parallel()

	providers := &fakeProviders{gate: make(chan struct{}), byToken: providerSet(1)}
	reg := newRegistry(providers, &fakeGeo{})

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Register(context.Background(), "tok-0", fakeEndpoint{id: fmt.Sprintf("c%d", i)})
			errs <- err
		}()
	}
	// Exactly one handshake reaches the lookup; the other is refused at once.
	require.Eventually(t, func() bool { return providers.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, reg.Count(), "pending registrations are not counted")
	close(providers.gate)
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateConnection):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, dup)
	assert.Equal(t, 1, reg.Count())
}

func TestSnapshotIsPointInTime(t *testing.T) {
	t.Parallel()

	reg := newRegistry(&fakeProviders{byToken: providerSet(3)}, &fakeGeo{})
	ctx := context.Background()
	first := fakeEndpoint{id: "a"}
	_, err := reg.Register(ctx, "tok-0", first)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "tok-1", fakeEndpoint{id: "b"})
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Endpoint.ID())
	assert.Equal(t, "b", snap[1].Endpoint.ID())

	_, err = reg.Register(ctx, "tok-2", fakeEndpoint{id: "c"})
	require.NoError(t, err)
	reg.Unregister(first)
	assert.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Endpoint.ID())
	assert.Equal(t, 2, reg.Count())
}
