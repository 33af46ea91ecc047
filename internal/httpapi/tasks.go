package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/orchestrator"
	"github.com/scholarmesh/orchestrator/internal/planner"
	"github.com/scholarmesh/orchestrator/internal/session"
)

// Runner executes one task through the answering pipeline. The indirection
// lets the caller swap in a rebuilt pipeline on config reload without
// recreating the HTTP handler.
type Runner interface {
	Run(ctx context.Context, task orchestrator.Task) (*session.ConversationTurn, error)
}

// TaskHandler exposes the answering pipeline over HTTP: submit a query, get
// the finalized conversation turn back.
type TaskHandler struct {
	orch     Runner
	sessions *session.Manager
	logger   *zap.Logger
}

func NewTaskHandler(orch Runner, sessions *session.Manager, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{orch: orch, sessions: sessions, logger: logger}
}

// RegisterRoutes mounts the task API.
func (h *TaskHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/tasks", h.handleSubmit)
	mux.HandleFunc("/v1/sessions/", h.handleHistory)
}

type submitRequest struct {
	TaskID    string `json:"task_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
}

func (h *TaskHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	turn, err := h.orch.Run(r.Context(), orchestrator.Task{
		ID:        req.TaskID,
		SessionID: req.SessionID,
		Query:     req.Query,
	})
	if err != nil {
		var pe *planner.PlanningError
		if errors.As(err, &pe) {
			http.Error(w, pe.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("Task execution failed", zap.Error(err))
		http.Error(w, "task execution failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(turn); err != nil {
		h.logger.Warn("Failed to write task response", zap.Error(err))
	}
}

// handleHistory serves GET /v1/sessions/{id}/turns?limit=N.
func (h *TaskHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.sessions == nil {
		http.Error(w, "session store not configured", http.StatusNotImplemented)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	sessionID, suffix, ok := strings.Cut(rest, "/")
	if !ok || suffix != "turns" || sessionID == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	turns, err := h.sessions.History(r.Context(), sessionID, limit)
	if err != nil {
		h.logger.Error("Failed to load session history", zap.Error(err))
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(turns); err != nil {
		h.logger.Warn("Failed to write history response", zap.Error(err))
	}
}
