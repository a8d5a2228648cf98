// Package admin serves the operator JSON API over the server's live
// registry and session journal.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kallberg/pdt/internal/protocol"
	"github.com/kallberg/pdt/internal/registry"
	"github.com/kallberg/pdt/internal/server"
	"github.com/kallberg/pdt/internal/store"
)

const maxBodyBytes = 1 << 12

// Fleet is what the admin API needs from the control server.
type Fleet interface {
	ListDevices() []registry.Device
	Device(id registry.ID) (registry.Device, bool)
	SendCommand(id registry.ID, kind protocol.Kind) error
	Broadcast(kind protocol.Kind) (map[registry.ID]error, error)
	Disconnect(id registry.ID) error
	Sessions(ctx context.Context, limit int) ([]*store.SessionRecord, error)
}

// Device is a registry snapshot as served to operators.
type Device struct {
	registry.Device
	LastSeenAgo string `json:"last_seen_ago"`
}

// CommandRequest is the body of the command endpoints.
type CommandRequest struct {
	Command string `json:"command"`
}

// CommandResult reports the outcome of queueing a command on one session.
type CommandResult struct {
	ID    registry.ID `json:"id"`
	Error string      `json:"error,omitempty"`
}

// Handler serves the admin API.
type Handler struct {
	fleet    Fleet
	log      zerolog.Logger
	gatherer prometheus.Gatherer
	auth     *tokenAuth
	now      func() time.Time
}

// NewHandler creates the admin API over fleet. Metrics are served from
// gatherer; nil disables /metrics.
func NewHandler(fleet Fleet, gatherer prometheus.Gatherer, logger zerolog.Logger) *Handler {
	return &Handler{
		fleet:    fleet,
		log:      logger.With().Str("component", "admin").Logger(),
		gatherer: gatherer,
		now:      time.Now,
	}
}

// RequireToken guards the /api routes with a bearer token. An empty
// token leaves them open.
func (h *Handler) RequireToken(token string) *Handler {
	h.auth = nil
	if token != "" {
		h.auth = newTokenAuth(token)
	}
	return h
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/healthz", h.handleHealth)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		if h.auth != nil {
			r.Use(h.auth.Wrap)
		}
		r.Get("/devices", h.handleListDevices)
		r.Get("/devices/{id}", h.handleGetDevice)
		r.Delete("/devices/{id}", h.handleDisconnect)
		r.Post("/devices/{id}/commands", h.handleSendCommand)
		r.Post("/commands", h.handleBroadcast)
		r.Get("/sessions", h.handleListSessions)
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "devices": len(h.fleet.ListDevices())})
}

func (h *Handler) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.fleet.ListDevices()
	devices := make([]Device, 0, len(snapshot))
	for _, d := range snapshot {
		devices = append(devices, h.view(d))
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	d, ok := h.fleet.Device(id)
	if !ok {
		writeError(w, http.StatusNotFound, registry.ErrClientNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.view(d))
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.fleet.Disconnect(id); err != nil {
		writeError(w, sendStatus(err), err.Error())
		return
	}
	h.log.Info().Str("session_id", id.String()).Msg("Device disconnected by operator")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "disconnecting"})
}

func (h *Handler) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	kind, ok := decodeCommand(w, r)
	if !ok {
		return
	}

	if err := h.fleet.SendCommand(id, kind); err != nil {
		h.log.Warn().Err(err).Str("session_id", id.String()).Stringer("kind", kind).Msg("Command not queued")
		writeError(w, sendStatus(err), err.Error())
		return
	}
	h.log.Info().Str("session_id", id.String()).Stringer("kind", kind).Msg("Command queued")
	writeJSON(w, http.StatusAccepted, CommandResult{ID: id})
}

func (h *Handler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	kind, ok := decodeCommand(w, r)
	if !ok {
		return
	}

	outcomes, err := h.fleet.Broadcast(kind)
	if err != nil {
		writeError(w, sendStatus(err), err.Error())
		return
	}
	results := make([]CommandResult, 0, len(outcomes))
	for id, err := range outcomes {
		res := CommandResult{ID: id}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID.Compare(results[j].ID) < 0 })

	h.log.Info().Stringer("kind", kind).Int("sessions", len(results)).Msg("Command broadcast")
	writeJSON(w, http.StatusAccepted, results)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	sessions, err := h.fleet.Sessions(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Listing sessions failed")
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) view(d registry.Device) Device {
	v := Device{Device: d}
	if !d.LastSeen.IsZero() {
		v.LastSeenAgo = humanize.RelTime(d.LastSeen, h.now(), "ago", "from now")
	}
	return v
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Admin request")
	})
}

// sendStatus maps a send failure to an HTTP status.
func sendStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrClientNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrChannelClosed), errors.Is(err, registry.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, server.ErrNotCommand):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func parseID(w http.ResponseWriter, r *http.Request) (registry.ID, bool) {
	id, err := registry.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return registry.ID{}, false
	}
	return id, true
}

func decodeCommand(w http.ResponseWriter, r *http.Request) (protocol.Kind, bool) {
	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return 0, false
	}
	kind, err := protocol.ParseCommand(req.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return kind, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
