package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/open-website-status/internal/logging"
	"github.com/JakeFAU/open-website-status/internal/probe"
	"github.com/JakeFAU/open-website-status/internal/store"
)

const (
	defaultHostnameLimit = 50
	maxHostnameLimit     = 500
	statsTimeout         = 3 * time.Second
)

// StatsHandler exposes read-only per-hostname probe statistics.
type StatsHandler struct {
	repo    store.StatsRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewStatsHandler wires the repository and logger.
func NewStatsHandler(repo store.StatsRepository, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{
		repo:    repo,
		timeout: statsTimeout,
		logger:  logging.OrNop(logger),
	}
}

// ListHostnames handles GET /v1/hostnames?limit=&offset=. It returns
// {"hostnames": [...]} ordered by most recent activity, 400 for invalid
// paging, 503 when no repository is configured, or 500 on repository errors.
func (h *StatsHandler) ListHostnames(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "stats repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHostnameLimit, maxHostnameLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.repo.ListHostnameStats(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list hostname stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list hostnames")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hostnames": stats})
}

// GetHostname handles GET /v1/hostnames/{hostname}/stats. It returns
// {"stats": {...}} on success or 404 when the hostname was never probed.
func (h *StatsHandler) GetHostname(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "stats repository unavailable")
		return
	}
	hostname := probe.NormalizeHostname(chi.URLParam(r, "hostname"))
	if hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.repo.GetHostnameStats(ctx, hostname)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "hostname not found")
			return
		}
		h.logger.Error("get hostname stats failed", zap.String("hostname", hostname), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load hostname stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
