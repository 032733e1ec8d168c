package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	appApproval "github.com/cuber671/my-bcos-app-sub002/internal/application/approval"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/application"
)

type submitApplicationRequest struct {
	Kind      string          `json:"kind"`
	TargetIDs []string        `json:"targetIds"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) submitApplication(w http.ResponseWriter, r *http.Request) {
	var req submitApplicationRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	targetIDs := make([]uuid.UUID, 0, len(req.TargetIDs))
	for _, raw := range req.TargetIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid target id "+raw)
			return
		}
		targetIDs = append(targetIDs, id)
	}

	app, err := s.approvalSvc.Submit(r.Context(), actorFromRequest(r), appApproval.SubmitParams{
		Kind:      application.Kind(req.Kind),
		TargetIDs: targetIDs,
		Reason:    req.Reason,
		Payload:   req.Payload,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, app)
}

func (s *Server) listApplications(w http.ResponseWriter, r *http.Request) {
	var filter application.Filter
	q := r.URL.Query()
	if v := q.Get("kind"); v != "" {
		k := application.Kind(v)
		filter.Kind = &k
	}
	if v := q.Get("reviewStatus"); v != "" {
		rs := application.ReviewStatus(v)
		filter.ReviewStatus = &rs
	}
	if v := q.Get("targetId"); v != "" {
		if id, err := uuid.Parse(v); err == nil {
			filter.TargetID = &id
		}
	}
	if v := q.Get("applicantId"); v != "" {
		if id, err := uuid.Parse(v); err == nil {
			filter.ApplicantID = &id
		}
	}
	limit, offset := parseLimitOffset(r, 50, 200)

	apps, err := s.approvalSvc.List(r.Context(), actorFromRequest(r), filter, limit, offset)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"applications": apps})
}

func (s *Server) getApplication(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "applicationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid applicationId")
		return
	}
	app, err := s.approvalSvc.Get(r.Context(), actorFromRequest(r), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, app)
}

type reviewRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) reviewApplication(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "applicationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid applicationId")
		return
	}
	var req reviewRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	res, err := s.approvalSvc.Review(r.Context(), actorFromRequest(r), appApproval.ReviewParams{
		ApplicationID: id,
		Decision:      application.Decision(req.Decision),
		Note:          req.Note,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
