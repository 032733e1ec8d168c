package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appInstrument "github.com/cuber671/my-bcos-app-sub002/internal/application/instrument"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
)

type issueRequest struct {
	Kind      string  `json:"kind"`
	Value     string  `json:"value"`
	Quantity  *int64  `json:"quantity,omitempty"`
	GoodsType *string `json:"goodsType,omitempty"`
	BillType  *string `json:"billType,omitempty"`
	HolderID  string  `json:"holderId"`
	DueDate   *string `json:"dueDate,omitempty"`
}

func (s *Server) issueInstrument(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid value")
		return
	}
	holderID, err := uuid.Parse(req.HolderID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid holderId")
		return
	}
	params := appInstrument.IssueParams{
		Kind:      instrument.Kind(req.Kind),
		Value:     value,
		Quantity:  req.Quantity,
		GoodsType: req.GoodsType,
		BillType:  req.BillType,
		HolderID:  holderID,
	}
	if req.DueDate != nil {
		due, err := time.Parse(time.RFC3339, *req.DueDate)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid dueDate")
			return
		}
		params.DueDate = &due
	}

	res, err := s.instrumentSvc.Issue(r.Context(), actorFromRequest(r), params)
	if err != nil {
		// A parked submission still created the instrument; surface both.
		if res != nil && res.Parked {
			respondJSON(w, http.StatusAccepted, map[string]interface{}{
				"instrument": res.Instrument,
				"parked":     true,
				"message":    err.Error(),
			})
			return
		}
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) listInstruments(w http.ResponseWriter, r *http.Request) {
	var filter instrument.Filter
	q := r.URL.Query()
	if v := q.Get("kind"); v != "" {
		k := instrument.Kind(v)
		filter.Kind = &k
	}
	if v := q.Get("status"); v != "" {
		st := instrument.Status(v)
		filter.Status = &st
	}
	if v := q.Get("chainStatus"); v != "" {
		cs := instrument.ChainStatus(v)
		filter.ChainStatus = &cs
	}
	if v := q.Get("holderId"); v != "" {
		if id, err := uuid.Parse(v); err == nil {
			filter.HolderID = &id
		}
	}
	if v := q.Get("flagged"); v != "" {
		flagged := v == "true"
		filter.Flagged = &flagged
	}
	limit, offset := parseLimitOffset(r, 50, 200)

	insts, err := s.instrumentSvc.List(r.Context(), actorFromRequest(r), filter, limit, offset)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"instruments": insts})
}

func (s *Server) getInstrument(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "instrumentId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid instrumentId")
		return
	}
	inst, err := s.instrumentSvc.Get(r.Context(), actorFromRequest(r), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

type transitionRequest struct {
	Event     string `json:"event"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "instrumentId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid instrumentId")
		return
	}
	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if req.Event == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "event is required")
		return
	}
	res, err := s.instrumentSvc.Transition(r.Context(), actorFromRequest(r), id, instrument.Event(req.Event), req.RequestID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type transferRequest struct {
	ToHolderID string `json:"toHolderId"`
	RequestID  string `json:"requestId,omitempty"`
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "instrumentId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid instrumentId")
		return
	}
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	toHolder, err := uuid.Parse(req.ToHolderID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid toHolderId")
		return
	}
	res, err := s.instrumentSvc.Transfer(r.Context(), actorFromRequest(r), appInstrument.TransferParams{
		InstrumentID: id,
		ToHolderID:   toHolder,
		RequestID:    req.RequestID,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "instrumentId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid instrumentId")
		return
	}
	transfers, err := s.instrumentSvc.Transfers(r.Context(), actorFromRequest(r), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"instrumentId": id, "transfers": transfers})
}

func (s *Server) retryOnchain(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "instrumentId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid instrumentId")
		return
	}
	a := actorFromRequest(r)
	res, err := s.chainsyncSvc.RetryOnchain(r.Context(), id, a)
	if err != nil {
		if res != nil && res.Parked {
			respondJSON(w, http.StatusAccepted, map[string]interface{}{
				"instrument": res.Instrument,
				"parked":     true,
				"message":    err.Error(),
			})
			return
		}
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) rollbackToDraft(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "instrumentId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid instrumentId")
		return
	}
	var req rollbackRequest
	_ = decodeBody(r, &req)
	a := actorFromRequest(r)
	inst, err := s.chainsyncSvc.RollbackToDraft(r.Context(), id, a, req.Reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

func (s *Server) getLineage(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "instrumentId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid instrumentId")
		return
	}
	graph, err := s.instrumentSvc.Lineage(r.Context(), actorFromRequest(r), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, graph)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "instrumentId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid instrumentId")
		return
	}
	a := actorFromRequest(r)
	report, err := s.chainsyncSvc.Reconcile(r.Context(), id, a)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
