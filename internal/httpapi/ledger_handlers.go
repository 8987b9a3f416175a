package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"memberfund.org/internal/ids"
	"memberfund.org/internal/ledger"
)

type listTransactionsResponse struct {
	Items     []ledger.Transaction `json:"items"`
	NextAfter string               `json:"next_after,omitempty"`
	AsOf      time.Time            `json:"as_of"`
}

var errInvalidCursor = errors.New("after must be a transaction id")

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 100, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	after := strings.TrimSpace(r.URL.Query().Get("after"))
	if after != "" && !ids.Valid(after) {
		writeError(w, r, http.StatusBadRequest, errInvalidCursor.Error())
		return
	}

	items, next, err := a.svc.Transactions(r.Context(), identity(r), limit, after)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Transaction{}
	}
	resp := listTransactionsResponse{Items: items, AsOf: time.Now().UTC()}
	if len(items) == limit {
		resp.NextAfter = next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteTransaction(r.Context(), identity(r), chi.URLParam(r, "id")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
