package health

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// HTTPHandler exposes health endpoints on the admin mux.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes mounts /health, /health/ready and /health/live.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReady)
	mux.HandleFunc("/health/live", h.handleLive)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if overall.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		Overall
	}{Status: overall.Status.String(), Overall: overall}); err != nil {
		h.logger.Warn("Failed to write health response", zap.Error(err))
	}
}

func (h *HTTPHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.manager.Ready(r.Context()) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ready"))
}

func (h *HTTPHandler) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("alive"))
}
