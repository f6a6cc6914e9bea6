// Package api serves the read-only admin endpoints next to /metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"firestige.xyz/callcore/internal/channel"
	"firestige.xyz/callcore/internal/msrp"
)

// Handlers exposes channel and session state as JSON.
type Handlers struct {
	channels *channel.Registry
	engine   *msrp.Engine // nil when MSRP is disabled
	started  time.Time
	logger   *slog.Logger
}

func New(channels *channel.Registry, engine *msrp.Engine) *Handlers {
	return &Handlers{
		channels: channels,
		engine:   engine,
		started:  time.Now(),
		logger:   slog.Default().With("component", "api"),
	}
}

// Mount registers the /api routes on r.
func (h *Handlers) Mount(r *mux.Router) {
	sub := r.PathPrefix("/api").Subrouter()
	sub.Use(h.loggingMiddleware)
	sub.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	sub.HandleFunc("/channels", h.handleListChannels).Methods(http.MethodGet)
	sub.HandleFunc("/channels/{uuid}", h.handleShowChannel).Methods(http.MethodGet)
	sub.HandleFunc("/sessions", h.handleListSessions).Methods(http.MethodGet)
}

func (h *Handlers) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.logger.Debug("api request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"time":       time.Now().Format(time.RFC3339),
		"uptime_sec": int64(time.Since(h.started).Seconds()),
		"channels":   h.channels.Count(),
		"msrp":       h.engine != nil,
	})
}

func (h *Handlers) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	chans := h.channels.List()
	infos := make([]channel.Info, 0, len(chans))
	for _, ch := range chans {
		infos = append(infos, ch.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": infos, "count": len(infos)})
}

func (h *Handlers) handleShowChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	ch, ok := h.channels.Locate(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel " + id + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, ch.Info())
}

func (h *Handlers) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "msrp engine not running"})
		return
	}
	sessions := h.engine.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}
