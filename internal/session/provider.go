package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/logging"
	"github.com/JakeFAU/open-website-status/internal/metrics"
	"github.com/JakeFAU/open-website-status/internal/probe"
	"github.com/JakeFAU/open-website-status/internal/protocol"
	"github.com/JakeFAU/open-website-status/internal/registry"
)

// ProviderService is the dispatcher surface used by provider sessions.
type ProviderService interface {
	Connect(ctx context.Context, token string, ep registry.Endpoint) (registry.Connection, error)
	OnDisconnect(ctx context.Context, ep registry.Endpoint)
	ProviderCount() int
	Accept(ctx context.Context, conn registry.Connection, jobID string) error
	Reject(ctx context.Context, conn registry.Connection, jobID string) error
	Cancel(ctx context.Context, conn registry.Connection, jobID string) error
	Complete(ctx context.Context, conn registry.Connection, jobID string, result job.Result) error
}

// ProviderHandler upgrades and serves provider connections.
type ProviderHandler struct {
	svc    ProviderService
	ids    probe.IDGenerator
	cfg    Config
	logger *zap.Logger
	live   tracker
}

// NewProviderHandler creates a ProviderHandler.
func NewProviderHandler(svc ProviderService, ids probe.IDGenerator, cfg Config, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{svc: svc, ids: ids, cfg: cfg.withDefaults(), logger: logging.OrNop(logger)}
}

// providerEndpoint is the registry's view of a provider socket.
type providerEndpoint struct {
	*socket
}

func (p providerEndpoint) ID() string         { return p.id }
func (p providerEndpoint) RemoteAddr() string { return p.remoteAddr }

func (p providerEndpoint) Assign(a probe.Assignment) error {
	return p.push(protocol.EventDispatchJob, protocol.NewDispatchJob(a))
}

// ServeHTTP authenticates the handshake token, registers the provider and
// serves its requests until it disconnects.
func (h *ProviderHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		metrics.ObserveHandshakeFailure(metrics.EndpointProvider, "missing_token")
		http.Error(w, ackInvalidToken, http.StatusUnauthorized)
		return
	}
	connID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("allocate connection id", zap.Error(err))
		http.Error(w, "Failed to initialize provider", http.StatusInternalServerError)
		return
	}
	logger := h.logger.With(zap.String("conn_id", connID), zap.String("remote_addr", r.RemoteAddr))
	ep := providerEndpoint{newSocket(connID, r.RemoteAddr, metrics.EndpointProvider, h.cfg, logger)}
	if !h.live.add(ep.socket) {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.live.remove(ep.socket)

	conn, err := h.svc.Connect(r.Context(), token, ep)
	if err != nil {
		h.refuse(w, logger, err)
		return
	}
	metrics.SetProvidersConnected(h.svc.ProviderCount())
	logger = logger.With(zap.String("provider_id", conn.Provider.ID))

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		logger.Warn("upgrade provider connection", zap.Error(err))
		h.disconnect(r.Context(), ep)
		return
	}
	ep.attach(netConn)
	logger.Info("provider session started")

	err = ep.serve(r.Context(), h.routes(conn))
	if !isNormalClose(err) {
		logger.Warn("provider session ended", zap.Error(err))
	}
	h.disconnect(r.Context(), ep)
	logger.Info("provider session closed")
}

// Shutdown closes every provider session and waits until each has run its
// disconnect recovery. New handshakes are refused from then on.
func (h *ProviderHandler) Shutdown(ctx context.Context) error {
	return h.live.shutdown(ctx)
}

func (h *ProviderHandler) refuse(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidToken):
		metrics.ObserveHandshakeFailure(metrics.EndpointProvider, "invalid_token")
		http.Error(w, ackInvalidToken, http.StatusUnauthorized)
	case errors.Is(err, registry.ErrDuplicateConnection):
		metrics.ObserveHandshakeFailure(metrics.EndpointProvider, "duplicate")
		http.Error(w, ackAlreadyInitialized, http.StatusConflict)
	default:
		metrics.ObserveHandshakeFailure(metrics.EndpointProvider, "internal")
		logger.Error("initialize provider", zap.Error(err))
		http.Error(w, "Failed to initialize provider", http.StatusInternalServerError)
	}
}

// disconnect runs recovery on a context that outlives the request, since the
// request context may already be done once the client is gone.
func (h *ProviderHandler) disconnect(ctx context.Context, ep providerEndpoint) {
	ep.close()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.RequestTimeout)
	defer cancel()
	h.svc.OnDisconnect(ctx, ep)
	metrics.SetProvidersConnected(h.svc.ProviderCount())
}

func (h *ProviderHandler) routes(conn registry.Connection) map[string]route {
	simple := func(fn func(context.Context, registry.Connection, string) error) handlerFunc {
		return func(ctx context.Context, req protocol.Request) (any, error) {
			in, err := protocol.DecodeJobRequest(req.Data)
			if err != nil {
				return nil, err
			}
			return nil, fn(ctx, conn, in.JobID)
		}
	}
	return map[string]route{
		protocol.EventAcceptJob: {handle: simple(h.svc.Accept), fallback: "Failed to accept job"},
		protocol.EventRejectJob: {handle: simple(h.svc.Reject), fallback: "Failed to reject job"},
		protocol.EventCancelJob: {handle: simple(h.svc.Cancel), fallback: "Failed to cancel job"},
		protocol.EventCompleteJob: {
			handle: func(ctx context.Context, req protocol.Request) (any, error) {
				in, err := protocol.DecodeCompleteJobRequest(req.Data)
				if err != nil {
					return nil, err
				}
				return nil, h.svc.Complete(ctx, conn, in.JobID, in.Result)
			},
			fallback: "Failed to complete job",
		},
	}
}
