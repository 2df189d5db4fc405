package httpapi

import (
	"errors"
	"net/http"
	"strings"
)

type pushQueueRequest struct {
	TaskID string `json:"taskId"`
}

type finishQueueRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	items, err := s.orch.Queue.List(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	status, err := s.orch.Queue.Status(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handlePushQueueItem(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	var req pushQueueRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	item, err := s.orch.Queue.Push(r.Context(), id, strings.TrimSpace(req.TaskID))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

func (s *Server) handleStartNextQueueItem(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	item, err := s.orch.Queue.StartNext(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleCompleteQueueItem(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	item, err := s.orch.Queue.Complete(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleFailQueueItem(w http.ResponseWriter, r *http.Request) {
	s.finishQueueItem(w, r, "fail")
}

func (s *Server) handleSkipQueueItem(w http.ResponseWriter, r *http.Request) {
	s.finishQueueItem(w, r, "skip")
}

func (s *Server) finishQueueItem(w http.ResponseWriter, r *http.Request, action string) {
	id := urlParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	var req finishQueueRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)

	var (
		item any
		err  error
	)
	if action == "fail" {
		item, err = s.orch.Queue.Fail(r.Context(), id, reason)
	} else {
		item, err = s.orch.Queue.Skip(r.Context(), id, reason)
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}
