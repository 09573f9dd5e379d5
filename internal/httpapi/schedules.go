package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/toolhub/internal/schedule"
	"github.com/ent0n29/toolhub/internal/tools"
)

type tickRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil || s.tasks == nil {
		respondUnavailable(w, "scheduler")
		return
	}
	var req schedule.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = callerID(r)
	}
	tmpl, err := s.tasks.Manager().GetTemplate(r.Context(), strings.TrimSpace(req.TemplateID))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if tmpl.OwnerID != strings.TrimSpace(req.OwnerID) {
		s.respondServiceError(w, r, fmt.Errorf("%w: template %s", tools.ErrForbidden, tmpl.ID))
		return
	}
	def, err := s.scheduler.Create(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, def)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		respondUnavailable(w, "scheduler")
		return
	}
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if ownerID == "" {
		ownerID = callerID(r)
	}
	list, err := s.scheduler.List(r.Context(), ownerID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

func (s *Server) handleSetScheduleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.scheduler == nil {
			respondUnavailable(w, "scheduler")
			return
		}
		def, err := s.scheduler.SetEnabled(r.Context(), callerID(r), chi.URLParam(r, "id"), enabled)
		if err != nil {
			s.respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, def)
	}
}

func (s *Server) handleDegradedSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		respondUnavailable(w, "scheduler")
		return
	}
	list, err := s.scheduler.Degraded(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

// handleSchedulerTick runs one tick on demand, for deployments driven by an
// external clock.
func (s *Server) handleSchedulerTick(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		respondUnavailable(w, "scheduler")
		return
	}
	var req tickRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	now := time.Now()
	if req.Now != nil {
		now = *req.Now
	}
	report, err := s.scheduler.Tick(r.Context(), now)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
