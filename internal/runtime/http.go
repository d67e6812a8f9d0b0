package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

type handler struct {
	rec    *Recorder
	ready  func() bool
	logger *slog.Logger
}

// NewHandler exposes health probes, metrics and recording control over HTTP.
func NewHandler(rec *Recorder, ready func() bool, metrics http.Handler, logger *slog.Logger) http.Handler {
	h := &handler{rec: rec, ready: ready, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /recording", h.handleStatus)
	mux.HandleFunc("POST /recording/start", h.handleStart)
	mux.HandleFunc("POST /recording/stop", h.handleStop)
	return mux
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready == nil || h.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (h *handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := h.rec.Status()
	h.writeJSON(w, http.StatusOK, protocol.ControlReply{OK: true, Status: &status})
}

func (h *handler) handleStart(w http.ResponseWriter, r *http.Request) {
	status, err := h.rec.Start(r.Context())
	switch {
	case errors.Is(err, ErrRecording):
		h.writeJSON(w, http.StatusConflict, protocol.ControlReply{Error: err.Error(), Status: &status})
	case err != nil:
		h.logger.Error("start recording failed", slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusInternalServerError, protocol.ControlReply{Error: err.Error()})
	default:
		h.writeJSON(w, http.StatusCreated, protocol.ControlReply{OK: true, Status: &status})
	}
}

func (h *handler) handleStop(w http.ResponseWriter, r *http.Request) {
	status, err := h.rec.Stop(r.Context())
	switch {
	case errors.Is(err, ErrNotRecording):
		h.writeJSON(w, http.StatusConflict, protocol.ControlReply{Error: err.Error()})
	case err != nil:
		h.logger.Error("stop recording failed", slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusInternalServerError, protocol.ControlReply{Error: err.Error(), Status: &status})
	default:
		h.writeJSON(w, http.StatusOK, protocol.ControlReply{OK: true, Status: &status})
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}
