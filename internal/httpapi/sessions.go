package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/antoniostano/maestro/internal/model"
	"github.com/antoniostano/maestro/internal/session"
)

type failSessionRequest struct {
	Reason string `json:"reason"`
}

type timelineRequest struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleSpawnSession(w http.ResponseWriter, r *http.Request) {
	var req session.SpawnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.orch.Sessions.Spawn(r.Context(), req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := session.Filter{
		ProjectID: strings.TrimSpace(q.Get("projectId")),
		TaskID:    strings.TrimSpace(q.Get("taskId")),
		Status:    model.SessionStatus(strings.TrimSpace(q.Get("status"))),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_request", "unknown status filter")
		return
	}
	sessions, err := s.orch.Sessions.List(r.Context(), filter)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.orch.Sessions.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleConfirmSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.orch.Sessions.ConfirmActive(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.orch.Sessions.Stop(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleFailSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	var req failSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "marked failed via API"
	}
	sess, err := s.orch.Sessions.MarkFailed(r.Context(), id, reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAppendTimeline(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	var req timelineRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.orch.Sessions.AppendTimeline(r.Context(), id, model.TimelineEvent{
		Type:    model.TimelineEventType(strings.TrimSpace(req.Type)),
		TaskID:  strings.TrimSpace(req.TaskID),
		Message: req.Message,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAddSessionTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	taskID := urlParam(r, "taskId")
	if id == "" || taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing session or task id")
		return
	}
	sess, err := s.orch.Sessions.AddTask(r.Context(), id, taskID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRemoveSessionTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	taskID := urlParam(r, "taskId")
	if id == "" || taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing session or task id")
		return
	}
	sess, err := s.orch.Sessions.RemoveTask(r.Context(), id, taskID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}
