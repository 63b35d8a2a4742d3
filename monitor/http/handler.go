// Package http serves the monitor queries as read-only JSON.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basecore/eventpipe/dlq"
	"github.com/basecore/eventpipe/monitor"
	"github.com/basecore/eventpipe/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler implements http.Handler for the monitor service.
type Handler struct {
	svc      *monitor.Service
	mux      *http.ServeMux
	gatherer prometheus.Gatherer
}

// Option configures a Handler.
type Option func(*Handler)

// WithGatherer sets the registry served on /metrics.
// Default is prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		if g != nil {
			h.gatherer = g
		}
	}
}

// New creates a new HTTP handler for the monitor service.
func New(svc *monitor.Service, opts ...Option) *Handler {
	h := &Handler{
		svc:      svc,
		mux:      http.NewServeMux(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(h)
	}

	// GET /v1/stats - Pipeline snapshot
	// GET /v1/groups/{group} - Pending and dead-letter counts of one group
	// GET /v1/dead-letters - List dead-letter entries with query params
	// GET /v1/dead-letters/count - Count dead-letter entries
	// GET /healthz - Stream health
	// GET /metrics - Prometheus exposition
	h.mux.HandleFunc("/v1/stats", h.handleStats)
	h.mux.HandleFunc("/v1/groups/", h.handleGroup)
	h.mux.HandleFunc("/v1/dead-letters", h.handleDeadLetters)
	h.mux.HandleFunc("/v1/dead-letters/count", h.handleDeadLetterCount)
	h.mux.HandleFunc("/healthz", h.handleHealth)
	h.mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type statsResponse struct {
	*monitor.Snapshot
	RelayLagSeconds float64 `json:"relay_lag_seconds"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if !h.allowGet(w, r) {
		return
	}
	snap, err := h.svc.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeResponse(w, http.StatusOK, statsResponse{Snapshot: snap, RelayLagSeconds: snap.RelayLag.Seconds()})
}

type groupResponse struct {
	Group       string `json:"group"`
	Pending     int64  `json:"pending"`
	DeadLetters int64  `json:"dead_letters"`
}

// handleGroup handles GET /v1/groups/{group}
func (h *Handler) handleGroup(w http.ResponseWriter, r *http.Request) {
	if !h.allowGet(w, r) {
		return
	}
	group := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/groups/"), "/")
	if group == "" {
		h.writeError(w, http.StatusBadRequest, "group is required")
		return
	}

	pending, err := h.svc.PendingCount(r.Context(), group)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	dead, err := h.svc.DeadLetterCount(r.Context(), group)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeResponse(w, http.StatusOK, groupResponse{Group: group, Pending: pending, DeadLetters: dead})
}

type deadLettersResponse struct {
	Entries []*dlq.Entry `json:"entries"`
	Count   int          `json:"count"`
}

// handleDeadLetters handles GET /v1/dead-letters with query parameters
func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !h.allowGet(w, r) {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.svc.DeadLetters(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	h.writeResponse(w, http.StatusOK, deadLettersResponse{Entries: entries, Count: len(entries)})
}

// handleDeadLetterCount handles GET /v1/dead-letters/count?group=
func (h *Handler) handleDeadLetterCount(w http.ResponseWriter, r *http.Request) {
	if !h.allowGet(w, r) {
		return
	}
	group := r.URL.Query().Get("group")
	n, err := h.svc.DeadLetterCount(r.Context(), group)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeResponse(w, http.StatusOK, map[string]any{"group": group, "count": n})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.allowGet(w, r) {
		return
	}
	res := h.svc.Health(r.Context())
	code := http.StatusOK
	if !res.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	h.writeResponse(w, code, res)
}

// parseFilter parses dlq.Filter from URL query parameters
func parseFilter(r *http.Request) (dlq.Filter, error) {
	q := r.URL.Query()
	filter := dlq.Filter{
		Group:     q.Get("group"),
		EventType: q.Get("event_type"),
		TenantID:  q.Get("tenant_id"),
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("invalid since: " + err.Error())
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("invalid until: " + err.Error())
		}
		filter.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("invalid offset")
		}
		filter.Offset = n
	}
	return filter, nil
}

func statusFor(err error) int {
	if errors.Is(err, monitor.ErrNoGroup) {
		return http.StatusBadRequest
	}
	if errors.Is(err, transport.ErrNoGroup) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (h *Handler) allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func (h *Handler) writeResponse(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, code int, message string) {
	data, _ := json.Marshal(map[string]string{"error": message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
