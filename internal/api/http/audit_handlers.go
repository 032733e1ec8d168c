package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	appAudit "github.com/cuber671/my-bcos-app-sub002/internal/application/audit"
)

func (s *Server) queryAudit(w http.ResponseWriter, r *http.Request) {
	params := appAudit.QueryParams{Limit: 50}
	q := r.URL.Query()
	if v := q.Get("entityType"); v != "" {
		params.EntityType = &v
	}
	if v := q.Get("entityId"); v != "" {
		params.EntityID = &v
	}
	if v := q.Get("action"); v != "" {
		params.Action = &v
	}
	if v := q.Get("actor"); v != "" {
		params.Actor = &v
	}
	if v := q.Get("riskLevel"); v != "" {
		params.RiskLevel = &v
	}
	if v := q.Get("traceId"); v != "" {
		params.TraceID = &v
	}
	if v := q.Get("cursor"); v != "" {
		params.Cursor = &v
	}
	if v := q.Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			params.Limit = l
		}
	}

	res, err := s.auditSvc.Query(r.Context(), params)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "auditId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid auditId")
		return
	}
	log, err := s.auditSvc.GetByID(r.Context(), id)
	if err != nil || log == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "audit log not found")
		return
	}
	respondJSON(w, http.StatusOK, log)
}

func (s *Server) verifyAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "auditId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid auditId")
		return
	}
	res, err := s.auditSvc.VerifyIntegrity(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) getEntityHistory(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	entityID := chi.URLParam(r, "entityId")
	if entityType == "" || entityID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "entityType and entityId are required")
		return
	}
	logs, err := s.auditSvc.GetEntityHistory(r.Context(), entityType, entityID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entityId": entityID, "logs": logs})
}
