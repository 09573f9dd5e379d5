package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/toolhub/internal/tasks"
)

type createTaskResponse struct {
	TaskID  string           `json:"task_id"`
	Status  tasks.TaskStatus `json:"status"`
	Title   string           `json:"title"`
	Steps   int              `json:"planned_steps"`
	Deduped bool             `json:"deduped"`
}

type cancelTaskRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondUnavailable(w, "task runtime")
		return
	}
	var req tasks.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = callerID(r)
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	task, deduped, err := s.tasks.CreateTask(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if deduped {
		status = http.StatusOK
	}
	respondJSON(w, status, createTaskResponse{
		TaskID:  task.ID,
		Status:  task.Status,
		Title:   task.Title,
		Steps:   len(task.Plan),
		Deduped: deduped,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondUnavailable(w, "task runtime")
		return
	}
	task, err := s.tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondUnavailable(w, "task runtime")
		return
	}
	reason := "Cancelled by API."
	var req cancelTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) != "" {
		reason = strings.TrimSpace(req.Reason)
	}

	task, err := s.tasks.CancelTask(r.Context(), callerID(r), chi.URLParam(r, "id"), reason)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	// A running task is only flagged here; the runner finishes the transition.
	status := http.StatusOK
	if !task.Terminal() {
		status = http.StatusAccepted
	}
	respondJSON(w, status, task)
}

func (s *Server) handleListTaskEvents(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondUnavailable(w, "task runtime")
		return
	}
	taskID := chi.URLParam(r, "id")
	limit, err := parseLimit(r, 100, 500)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	events, err := s.tasks.ListTaskEvents(r.Context(), taskID, limit)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"events":  events,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondUnavailable(w, "task runtime")
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id query param is required")
		return
	}
	limit, err := parseLimit(r, 20, 200)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	list, err := s.tasks.ListTasks(r.Context(), sessionID, limit)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"tasks":      list,
	})
}

func (s *Server) handleLatestTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondUnavailable(w, "task runtime")
		return
	}
	task, err := s.tasks.LatestTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondUnavailable(w, "task runtime")
		return
	}
	var tmpl tasks.Template
	if err := decodeJSON(r, &tmpl); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	tmpl.ID = ""
	if tmpl.OwnerID == "" {
		tmpl.OwnerID = callerID(r)
	}
	saved, err := s.tasks.SaveTemplate(r.Context(), tmpl)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}
