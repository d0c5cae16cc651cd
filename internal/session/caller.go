package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/JakeFAU/open-website-status/internal/dispatcher"
	"github.com/JakeFAU/open-website-status/internal/job"
	"github.com/JakeFAU/open-website-status/internal/logging"
	"github.com/JakeFAU/open-website-status/internal/metrics"
	"github.com/JakeFAU/open-website-status/internal/probe"
	"github.com/JakeFAU/open-website-status/internal/protocol"
	"github.com/JakeFAU/open-website-status/internal/router"
)

// CallerService is the dispatcher surface used by caller sessions.
type CallerService interface {
	ProviderCount() int
	AuthenticateClient(ctx context.Context, token string) (probe.APIClient, error)
	NewQueryID() (string, error)
	DispatchWebsite(ctx context.Context, queryID string, target probe.Target, captchaResponse, remoteAddr string) (probe.Query, error)
	DispatchAPI(ctx context.Context, queryID, token string, target probe.Target) (probe.Query, error)
	GetQuery(ctx context.Context, queryID string) (dispatcher.QueryJobs, error)
	GetHostnameQueries(ctx context.Context, hostname string) ([]dispatcher.QueryJobs, error)
}

// Topics manages caller subscriptions.
type Topics interface {
	Register(sub router.Subscriber)
	Unregister(sub router.Subscriber)
	Subscribe(sub router.Subscriber, topic router.Topic) bool
	Unsubscribe(sub router.Subscriber, topic router.Topic)
}

// CallerHandler upgrades and serves caller connections.
type CallerHandler struct {
	svc    CallerService
	topics Topics
	ids    probe.IDGenerator
	cfg    Config
	logger *zap.Logger
	live   tracker
}

// NewCallerHandler creates a CallerHandler.
func NewCallerHandler(svc CallerService, topics Topics, ids probe.IDGenerator, cfg Config, logger *zap.Logger) *CallerHandler {
	return &CallerHandler{svc: svc, topics: topics, ids: ids, cfg: cfg.withDefaults(), logger: logging.OrNop(logger)}
}

// callerEndpoint is the router's view of a caller socket.
type callerEndpoint struct {
	*socket
}

func (c callerEndpoint) ID() string { return c.id }

func (c callerEndpoint) Send(event string, data any) error {
	return c.push(event, data)
}

// ServeHTTP upgrades the caller connection. A token is optional; when given
// it must belong to an API client.
func (h *CallerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("token"); token != "" {
		if _, err := h.svc.AuthenticateClient(r.Context(), token); err != nil {
			if errors.Is(err, dispatcher.ErrInvalidToken) {
				metrics.ObserveHandshakeFailure(metrics.EndpointCaller, "invalid_token")
				http.Error(w, ackInvalidToken, http.StatusUnauthorized)
				return
			}
			metrics.ObserveHandshakeFailure(metrics.EndpointCaller, "internal")
			h.logger.Error("authenticate caller", zap.Error(err))
			http.Error(w, "Failed to authenticate", http.StatusInternalServerError)
			return
		}
	}
	connID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("allocate connection id", zap.Error(err))
		http.Error(w, "Failed to open session", http.StatusInternalServerError)
		return
	}
	logger := h.logger.With(zap.String("conn_id", connID), zap.String("remote_addr", r.RemoteAddr))
	c := callerEndpoint{newSocket(connID, r.RemoteAddr, metrics.EndpointCaller, h.cfg, logger)}
	if !h.live.add(c.socket) {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.live.remove(c.socket)

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		logger.Warn("upgrade caller connection", zap.Error(err))
		return
	}
	c.attach(netConn)
	h.topics.Register(c)
	metrics.IncCallerSessions()
	defer func() {
		h.topics.Unregister(c)
		c.close()
		metrics.DecCallerSessions()
		logger.Debug("caller session closed")
	}()

	if err := c.Send(protocol.EventConnectedProvidersCount, protocol.ProvidersCount{Count: h.svc.ProviderCount()}); err != nil {
		logger.Debug("send providers count", zap.Error(err))
	}

	err = c.serve(r.Context(), h.routes(c))
	if !isNormalClose(err) {
		logger.Warn("caller session ended", zap.Error(err))
	}
}

// Shutdown closes every caller session and waits for their handlers to return.
func (h *CallerHandler) Shutdown(ctx context.Context) error {
	return h.live.shutdown(ctx)
}

func (h *CallerHandler) routes(c callerEndpoint) map[string]route {
	return map[string]route{
		protocol.EventQueryWebsite: {
			handle: func(ctx context.Context, req protocol.Request) (any, error) {
				in, err := protocol.DecodeQueryWebsiteRequest(req.Data)
				if err != nil {
					return nil, err
				}
				queryID, err := h.prepareQuery(c, in.Subscribe)
				if err != nil {
					return nil, err
				}
				q, err := h.svc.DispatchWebsite(ctx, queryID, in.Target, in.CaptchaResponse, remoteHost(c.remoteAddr))
				if err != nil {
					h.abandonQuery(c, queryID, in.Subscribe)
					return nil, err
				}
				return protocol.NewQueryMessage(q), nil
			},
			fallback: "Failed to dispatch query",
		},
		protocol.EventQueryAPI: {
			handle: func(ctx context.Context, req protocol.Request) (any, error) {
				in, err := protocol.DecodeQueryAPIRequest(req.Data)
				if err != nil {
					return nil, err
				}
				queryID, err := h.prepareQuery(c, in.Subscribe)
				if err != nil {
					return nil, err
				}
				q, err := h.svc.DispatchAPI(ctx, queryID, in.Token, in.Target)
				if err != nil {
					h.abandonQuery(c, queryID, in.Subscribe)
					return nil, err
				}
				return protocol.NewQueryMessage(q), nil
			},
			fallback: "Failed to dispatch query",
		},
		protocol.EventGetQuery: {
			handle: func(ctx context.Context, req protocol.Request) (any, error) {
				in, err := protocol.DecodeGetQueryRequest(req.Data)
				if err != nil {
					return nil, err
				}
				qj, err := h.svc.GetQuery(ctx, in.QueryID)
				if err != nil {
					return nil, err
				}
				if in.Subscribe {
					h.topics.Subscribe(c, router.QueryTopic(in.QueryID))
				}
				if err := sendJobList(c, qj.Query.ID, qj.Jobs); err != nil {
					return nil, err
				}
				return protocol.NewQueryMessage(qj.Query), nil
			},
			fallback: "Failed to get query info",
		},
		protocol.EventGetHostnameQueries: {
			handle: func(ctx context.Context, req protocol.Request) (any, error) {
				in, err := protocol.DecodeGetHostnameQueriesRequest(req.Data)
				if err != nil {
					return nil, err
				}
				found, err := h.svc.GetHostnameQueries(ctx, in.Hostname)
				if err != nil {
					return nil, err
				}
				if in.Subscribe {
					h.topics.Subscribe(c, router.HostnameTopic(in.Hostname))
				}
				out := protocol.HostnameQueries{Hostname: in.Hostname, Queries: make([]protocol.QueryMessage, 0, len(found))}
				for _, qj := range found {
					if err := sendJobList(c, qj.Query.ID, qj.Jobs); err != nil {
						return nil, err
					}
					out.Queries = append(out.Queries, protocol.NewQueryMessage(qj.Query))
				}
				return out, nil
			},
			fallback: "Failed to get hostname queries",
		},
	}
}

// prepareQuery allocates the query id and, when asked, subscribes the caller
// before dispatch so it sees every job-create of its own query.
func (h *CallerHandler) prepareQuery(c callerEndpoint, subscribe bool) (string, error) {
	queryID, err := h.svc.NewQueryID()
	if err != nil {
		return "", err
	}
	if subscribe {
		h.topics.Subscribe(c, router.QueryTopic(queryID))
	}
	return queryID, nil
}

// abandonQuery drops the subscription taken for a query that was never stored.
func (h *CallerHandler) abandonQuery(c callerEndpoint, queryID string, subscribed bool) {
	if subscribed {
		h.topics.Unsubscribe(c, router.QueryTopic(queryID))
	}
}

func sendJobList(c callerEndpoint, queryID string, jobs []job.Job) error {
	list, err := protocol.NewJobList(queryID, jobs)
	if err != nil {
		return fmt.Errorf("build job list: %w", err)
	}
	return c.Send(protocol.EventJobList, list)
}
