// File: internal/server/handlers.go
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
	"github.com/xkilldash9x/retrace-cli/internal/session"
	"github.com/xkilldash9x/retrace-cli/internal/trace"
)

// Handlers manages the HTTP request handling for the control plane.
type Handlers struct {
	log    *zap.Logger
	server *Server
}

func NewHandlers(logger *zap.Logger, server *Server) *Handlers {
	return &Handlers{
		log:    logger.Named("handlers"),
		server: server,
	}
}

// RegisterRoutes sets up the routing for the control plane.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Post("/run_task", h.HandleRunTask)
	r.Post("/stop", h.HandleStop)
	r.Get("/status", h.HandleStatus)
	r.Get("/status/{sessionID}", h.HandleStatusByID)
}

// HandleHealthCheck is a simple handler to confirm the server is responsive.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleRunTask starts a new session. It returns as soon as the loop is
// launched; progress is observed through /status and the websocket feed.
func (h *Handlers) HandleRunTask(w http.ResponseWriter, r *http.Request) {
	var req schemas.RunTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		h.respondWithError(w, http.StatusBadRequest, "Task description is required.")
		return
	}
	if strings.TrimSpace(req.TraceID) == "" {
		h.respondWithError(w, http.StatusBadRequest, "Trace ID is required.")
		return
	}

	h.log.Info("Received run_task",
		zap.String("trace_id", req.TraceID),
		zap.Int("max_steps", req.MaxSteps))

	sess, err := h.server.StartSession(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionBusy):
			h.respondWithError(w, http.StatusConflict, "A session is already running. Stop it or wait for it to finish.")
		case errors.Is(err, trace.ErrTraceNotFound):
			h.respondWithError(w, http.StatusNotFound, fmt.Sprintf("Trace %q not found.", req.TraceID))
		case errors.Is(err, trace.ErrTraceMalformed):
			h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Trace %q is malformed: %v", req.TraceID, err))
		default:
			h.log.Error("Failed to start session", zap.Error(err))
			h.respondWithError(w, http.StatusInternalServerError, "Failed to start session.")
		}
		return
	}

	h.respondWithStatus(w, http.StatusAccepted, "accepted", map[string]string{
		"session_id": sess.ID(),
		"task_id":    sess.TaskID(),
	})
}

// HandleStop requests a stop on the active session. Idempotent: stopping a
// finished or absent session is still a success.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.server.registry.StopActive()
	h.respondWithSuccess(w, http.StatusOK, map[string]string{"message": "Stop requested."})
}

// HandleStatus returns the most recent session's snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	sess := h.server.registry.Active()
	if sess == nil {
		h.respondWithError(w, http.StatusNotFound, "No session has been started.")
		return
	}
	h.respondWithSuccess(w, http.StatusOK, sess.Snapshot())
}

// HandleStatusByID resolves a specific session id.
func (h *Handlers) HandleStatusByID(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := h.server.registry.Get(sessionID)
	if !ok {
		h.respondWithError(w, http.StatusNotFound, "Session ID not found.")
		return
	}
	h.respondWithSuccess(w, http.StatusOK, sess.Snapshot())
}

// respondWithError sends a standardized JSON error response.
func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respondWithStatus(w, statusCode, "error", map[string]string{"error": message})
}

// respondWithSuccess sends a standardized JSON success response.
func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respondWithStatus(w, statusCode, "success", data)
}

// respondWithStatus sends a standardized JSON response with a specific status string.
func (h *Handlers) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := schemas.CommandResponse{
		Status: status,
	}
	if errMap, ok := data.(map[string]string); ok && errMap["error"] != "" {
		resp.Error = errMap["error"]
	} else {
		resp.Data = data
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
