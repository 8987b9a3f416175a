package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"memberfund.org/internal/approval"
	"memberfund.org/internal/finance"
	"memberfund.org/internal/ledger"
)

type submitRequest struct {
	OwnerUserID string          `json:"owner_user_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type outcomeResponse struct {
	Entity      finance.Entity      `json:"entity"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	Warning     string              `json:"warning,omitempty"`
}

type listEntitiesResponse struct {
	Items []finance.Entity `json:"items"`
}

// kindParam parses {kind}. Unknown kinds are reported as missing routes.
func kindParam(w http.ResponseWriter, r *http.Request) (finance.Kind, bool) {
	kind, err := finance.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return "", false
	}
	return kind, true
}

func refParam(w http.ResponseWriter, r *http.Request) (finance.Ref, bool) {
	kind, ok := kindParam(w, r)
	if !ok {
		return finance.Ref{}, false
	}
	return finance.Ref{Kind: kind, ID: chi.URLParam(r, "id")}, true
}

func (a *API) submitEntity(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	e, err := a.svc.Submit(r.Context(), identity(r), approval.SubmitRequest{
		Kind:        kind,
		OwnerUserID: req.OwnerUserID,
		Title:       req.Title,
		Description: req.Description,
		Amount:      req.Amount,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) listEntities(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 100, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := finance.Filter{Kind: kind, OwnerUserID: strings.TrimSpace(q.Get("owner")), Limit: limit}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		f.Status = finance.Status(strings.ToUpper(raw))
		if !validStatus(f.Status) {
			writeError(w, r, http.StatusBadRequest, "unknown status "+raw)
			return
		}
	}
	items, err := a.svc.List(r.Context(), identity(r), f)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []finance.Entity{}
	}
	writeJSON(w, http.StatusOK, listEntitiesResponse{Items: items})
}

func (a *API) getEntity(w http.ResponseWriter, r *http.Request) {
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	e, err := a.svc.Get(r.Context(), identity(r), ref)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) approveEntity(w http.ResponseWriter, r *http.Request) {
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	out, err := a.svc.Approve(r.Context(), identity(r), ref)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeResponse(out))
}

func (a *API) rejectEntity(w http.ResponseWriter, r *http.Request) {
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.svc.Reject(r.Context(), identity(r), ref, req.Reason)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeResponse(out))
}

func (a *API) retryPosting(w http.ResponseWriter, r *http.Request) {
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	out, err := a.svc.RetryPosting(r.Context(), identity(r), ref)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeResponse(out))
}

func (a *API) deleteEntity(w http.ResponseWriter, r *http.Request) {
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	if err := a.svc.Delete(r.Context(), identity(r), ref); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toOutcomeResponse(out approval.Outcome) outcomeResponse {
	resp := outcomeResponse{Entity: out.Entity, Transaction: out.Transaction}
	if out.Warning != nil {
		resp.Warning = out.Warning.Error()
	}
	return resp
}

func validStatus(s finance.Status) bool {
	switch s {
	case finance.StatusPending, finance.StatusApproved, finance.StatusRejected, finance.StatusPaid, finance.StatusDefaulted:
		return true
	}
	return false
}
