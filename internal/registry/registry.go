// Package registry tracks the providers currently connected to the hub.
//
// A provider token may back at most one live connection. Register reserves
// the token before the slow provider lookup and geolocation so that two
// concurrent handshakes with the same token cannot both succeed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/logging"
	"github.com/JakeFAU/open-website-status/internal/probe"
)

var (
	// ErrDuplicateConnection is returned when the token already has a live connection.
	ErrDuplicateConnection = errors.New("provider already connected")
	// ErrInvalidToken is returned when no provider owns the token.
	ErrInvalidToken = errors.New("invalid provider token")
	// ErrGeolocation wraps geolocation failures during registration.
	ErrGeolocation = errors.New("geolocate provider")
)

// Endpoint is the transport side of a provider connection.
type Endpoint interface {
	// ID identifies the connection, unique for the life of the process.
	ID() string
	RemoteAddr() string
	// Assign delivers a dispatch push to the provider.
	Assign(a probe.Assignment) error
}

// ProviderLookup resolves provider tokens.
type ProviderLookup interface {
	FindProviderByToken(ctx context.Context, token string) (probe.Provider, error)
}

// Connection binds a live endpoint to its provider and the location captured
// when it connected.
type Connection struct {
	Endpoint    Endpoint
	Provider    probe.Provider
	Geo         job.Geo
	ConnectedAt time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	providers ProviderLookup
	geo       probe.Geolocator
	clock     probe.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	byToken map[string]*Connection // nil value marks a pending registration
	byConn  map[string]*Connection
}

// New creates an empty Registry.
func New(providers ProviderLookup, geo probe.Geolocator, clock probe.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		providers: providers,
		geo:       geo,
		clock:     clock,
		logger:    logging.OrNop(logger),
		byToken:   make(map[string]*Connection),
		byConn:    make(map[string]*Connection),
	}
}

// Register authenticates token and records the connection.
func (r *Registry) Register(ctx context.Context, token string, ep Endpoint) (Connection, error) {
	if err := r.reserve(token, ep.ID()); err != nil {
		return Connection{}, err
	}
	conn, err := r.resolve(ctx, token, ep)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		delete(r.byToken, token)
		return Connection{}, err
	}
	r.byToken[token] = &conn
	r.byConn[ep.ID()] = &conn
	r.logger.Info("provider registered",
		zap.String("provider_id", conn.Provider.ID),
		zap.String("provider_name", conn.Provider.Name),
		zap.String("conn_id", ep.ID()),
		zap.String("country", conn.Geo.CountryCode),
		zap.Int("connected", len(r.byConn)),
	)
	return conn, nil
}

// Unregister removes the connection. The boolean is false when ep was never
// registered or was already removed.
func (r *Registry) Unregister(ep Endpoint) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byConn[ep.ID()]
	if !ok {
		return Connection{}, false
	}
	delete(r.byConn, ep.ID())
	delete(r.byToken, conn.Provider.Token)
	r.logger.Info("provider unregistered",
		zap.String("provider_id", conn.Provider.ID),
		zap.String("conn_id", ep.ID()),
		zap.Int("connected", len(r.byConn)),
	)
	return *conn, true
}

// Snapshot returns the registered connections, oldest first. The slice is
// not affected by later registrations.
func (r *Registry) Snapshot() []Connection {
	r.mu.Lock()
	out := make([]Connection, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, *c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].Endpoint.ID() < out[j].Endpoint.ID()
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Registered reports whether ep is currently registered.
func (r *Registry) Registered(ep Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byConn[ep.ID()]
	return ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}

func (r *Registry) reserve(token, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byToken[token]; taken {
		return ErrDuplicateConnection
	}
	if _, taken := r.byConn[connID]; taken {
		return ErrDuplicateConnection
	}
	r.byToken[token] = nil
	return nil
}

func (r *Registry) resolve(ctx context.Context, token string, ep Endpoint) (Connection, error) {
	provider, err := r.providers.FindProviderByToken(ctx, token)
	if err != nil {
		if errors.Is(err, probe.ErrNotFound) {
			return Connection{}, ErrInvalidToken
		}
		return Connection{}, fmt.Errorf("find provider: %w", err)
	}
	geo, err := r.geo.Locate(ctx, lookupAddress(ep.RemoteAddr()))
	if err != nil {
		return Connection{}, fmt.Errorf("%w: %w", ErrGeolocation, err)
	}
	return Connection{
		Endpoint:    ep,
		Provider:    provider,
		Geo:         geo,
		ConnectedAt: r.clock.Now(),
	}, nil
}

// lookupAddress strips the port and maps loopback peers to the empty
// address, which geolocators treat as "the hub's own public address".
func lookupAddress(remote string) string {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}
