package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/toolhub/internal/tools"
)

type manualTransitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) handleSubmitTool(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		respondUnavailable(w, "tool pipeline")
		return
	}
	ownerID := callerID(r)
	if ownerID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", headerUserID+" header is required")
		return
	}
	var req tools.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sub, err := s.tools.Submit(r.Context(), ownerID, req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleNewToolVersion(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		respondUnavailable(w, "tool pipeline")
		return
	}
	ownerID := callerID(r)
	if ownerID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", headerUserID+" header is required")
		return
	}
	var req tools.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sub, err := s.tools.NewVersion(r.Context(), ownerID, chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		respondUnavailable(w, "tool pipeline")
		return
	}
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if ownerID == "" {
		ownerID = callerID(r)
	}
	if ownerID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "owner_id query param is required")
		return
	}
	limit, err := parseLimit(r, 50, 200)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	list, err := s.tools.ListByOwner(r.Context(), ownerID, limit)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"owner_id": ownerID,
		"tools":    list,
	})
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		respondUnavailable(w, "tool pipeline")
		return
	}
	sub, err := s.tools.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleToolHistory(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		respondUnavailable(w, "tool pipeline")
		return
	}
	id := chi.URLParam(r, "id")
	history, err := s.tools.History(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"submission_id": id,
		"transitions":   history,
	})
}

func (s *Server) handleManualTransition(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		respondUnavailable(w, "tool pipeline")
		return
	}
	operatorID := strings.TrimSpace(r.Header.Get(headerOperatorID))
	if operatorID == "" {
		respondError(w, http.StatusForbidden, "forbidden", headerOperatorID+" header is required")
		return
	}
	var req manualTransitionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	target, err := tools.ParseStatus(req.Status)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	sub, err := s.tools.ApplyManualTransition(r.Context(), operatorID, chi.URLParam(r, "id"), target, req.Reason)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleStuckTools(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		respondUnavailable(w, "tool pipeline")
		return
	}
	olderThan := 15 * time.Minute
	if raw := strings.TrimSpace(r.URL.Query().Get("older_than")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "older_than must be a non-negative duration")
			return
		}
		olderThan = d
	}
	stuck, err := s.tools.Stuck(r.Context(), olderThan)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"older_than": olderThan.String(),
		"stuck":      stuck,
	})
}
