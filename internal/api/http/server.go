package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	appApproval "github.com/cuber671/my-bcos-app-sub002/internal/application/approval"
	appAudit "github.com/cuber671/my-bcos-app-sub002/internal/application/audit"
	appChainsync "github.com/cuber671/my-bcos-app-sub002/internal/application/chainsync"
	appInstrument "github.com/cuber671/my-bcos-app-sub002/internal/application/instrument"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/actor"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/chain"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	instrumentSvc *appInstrument.Service
	approvalSvc   *appApproval.Service
	chainsyncSvc  *appChainsync.Service
	auditSvc      *appAudit.Service
}

func NewServer(
	instrumentSvc *appInstrument.Service,
	approvalSvc *appApproval.Service,
	chainsyncSvc *appChainsync.Service,
	auditSvc *appAudit.Service,
) *Server {
	return &Server{
		instrumentSvc: instrumentSvc,
		approvalSvc:   approvalSvc,
		chainsyncSvc:  chainsyncSvc,
		auditSvc:      auditSvc,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireActor)

			r.Route("/instruments", func(r chi.Router) {
				r.Post("/", s.issueInstrument)
				r.Get("/", s.listInstruments)
				r.Get("/{instrumentId}", s.getInstrument)
				r.Post("/{instrumentId}/transition", s.transition)
				r.Post("/{instrumentId}/transfer", s.transfer)
				r.Get("/{instrumentId}/transfers", s.listTransfers)
				r.Post("/{instrumentId}/retry-onchain", s.retryOnchain)
				r.Post("/{instrumentId}/rollback", s.rollbackToDraft)
				r.Get("/{instrumentId}/lineage", s.getLineage)
				r.Post("/{instrumentId}/reconcile", s.reconcile)
			})

			r.Route("/applications", func(r chi.Router) {
				r.Post("/", s.submitApplication)
				r.Get("/", s.listApplications)
				r.Get("/{applicationId}", s.getApplication)
				r.Post("/{applicationId}/review", s.reviewApplication)
			})

			r.Route("/audit", func(r chi.Router) {
				r.Get("/", s.queryAudit)
				r.Get("/{auditId}", s.getAudit)
				r.Get("/{auditId}/verify", s.verifyAudit)
				r.Get("/entity/{entityType}/{entityId}", s.getEntityHistory)
			})
		})
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondDomainError maps domain sentinels onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, instrument.ErrValidation):
		respondError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, instrument.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, instrument.ErrConflict):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, instrument.ErrInvalidTransition):
		respondError(w, http.StatusUnprocessableEntity, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, instrument.ErrPreconditionFailed):
		respondError(w, http.StatusUnprocessableEntity, "PRECONDITION_FAILED", err.Error())
	case errors.Is(err, chain.ErrGateway):
		respondError(w, http.StatusBadGateway, "GATEWAY_ERROR", err.Error())
	case errors.Is(err, actor.ErrForbidden):
		respondError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
