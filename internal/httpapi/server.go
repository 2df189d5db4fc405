// Package httpapi exposes the coordinator over REST plus a websocket event
// feed. Handlers stay thin: they decode, resolve the update source, call one
// manager operation, and map domain errors onto status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/maestro/internal/config"
	"github.com/antoniostano/maestro/internal/core"
	"github.com/antoniostano/maestro/internal/observability"
	"github.com/antoniostano/maestro/internal/orchestrator"
)

// SessionHeader carries the caller's session identity. Requests without it
// are treated as user-originated.
const SessionHeader = "X-Maestro-Session-Id"

type Server struct {
	cfg       config.Config
	orch      *orchestrator.Orchestrator
	metrics   *observability.Metrics
	storeMode string
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, orch *orchestrator.Orchestrator, metrics *observability.Metrics, storeMode string) *Server {
	if cfg.WSEventBuffer <= 0 {
		cfg.WSEventBuffer = 256
	}
	return &Server{
		cfg:       cfg,
		orch:      orch,
		metrics:   metrics,
		storeMode: storeMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Non-browser clients
				// (spawned agents) omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/events/ws", s.handleEventsWS)

	r.Post("/v1/projects", s.handleCreateProject)
	r.Get("/v1/projects", s.handleListProjects)
	r.Get("/v1/projects/{id}", s.handleGetProject)
	r.Patch("/v1/projects/{id}", s.handleUpdateProject)
	r.Delete("/v1/projects/{id}", s.handleDeleteProject)

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Patch("/v1/tasks/{id}", s.handleUpdateTask)
	r.Delete("/v1/tasks/{id}", s.handleDeleteTask)

	r.Post("/v1/sessions", s.handleSpawnSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/confirm", s.handleConfirmSession)
	r.Post("/v1/sessions/{id}/stop", s.handleStopSession)
	r.Post("/v1/sessions/{id}/fail", s.handleFailSession)
	r.Post("/v1/sessions/{id}/timeline", s.handleAppendTimeline)
	r.Post("/v1/sessions/{id}/tasks/{taskId}", s.handleAddSessionTask)
	r.Delete("/v1/sessions/{id}/tasks/{taskId}", s.handleRemoveSessionTask)

	r.Get("/v1/sessions/{id}/queue", s.handleListQueue)
	r.Get("/v1/sessions/{id}/queue/status", s.handleQueueStatus)
	r.Post("/v1/sessions/{id}/queue/items", s.handlePushQueueItem)
	r.Post("/v1/sessions/{id}/queue/next", s.handleStartNextQueueItem)
	r.Post("/v1/sessions/{id}/queue/complete", s.handleCompleteQueueItem)
	r.Post("/v1/sessions/{id}/queue/fail", s.handleFailQueueItem)
	r.Post("/v1/sessions/{id}/queue/skip", s.handleSkipQueueItem)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode,
	})
}

// sourceFromRequest resolves who is making the call: a spawned session
// identifies itself through the session header, everything else is the user.
func sourceFromRequest(r *http.Request) core.Source {
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return core.SessionSource(id)
	}
	return core.UserSource()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondDomainError maps the error taxonomy onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, core.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, core.ErrUnmetDependency):
		respondError(w, http.StatusConflict, "unmet_dependency", err.Error())
	case errors.Is(err, core.ErrConflict), errors.Is(err, core.ErrVersionConflict):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, core.ErrAuthorization):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, core.ErrValidation):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, core.ErrSpawn):
		respondError(w, http.StatusBadGateway, "spawn_failed", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func urlParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}
