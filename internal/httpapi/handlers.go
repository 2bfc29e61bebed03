package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"pharmapos/internal/domain"
	"pharmapos/internal/service"
)

const idempotencyHeader = "Idempotency-Key"

func (a *API) handleInventory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	outcome, err := a.service.SearchItems(r.Context(), actorFrom(r).TenantID,
		query.Get("q"),
		domain.SaleType(strings.TrimSpace(query.Get("sale_type"))),
		parsePositiveLimit(query.Get("limit"), 10, 50),
	)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	sales, err := a.service.ListSales(r.Context(), actorFrom(r).TenantID, listLimit(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), actorFrom(r).TenantID, chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

// handleCreateSale answers 201 for a new sale and 200 when the idempotency
// key replays an earlier one.
func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSaleRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if key := strings.TrimSpace(r.Header.Get(idempotencyHeader)); key != "" {
		req.IdempotencyKey = key
	}

	sale, duplicate, err := a.service.CreateSale(r.Context(), actorFrom(r).TenantID, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"sale": sale})
}

func (a *API) handleVoidSale(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidSaleRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	sale, err := a.service.VoidSale(r.Context(), actorFrom(r).TenantID, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleListReturns(w http.ResponseWriter, r *http.Request) {
	list, err := a.service.ListReturns(r.Context(), actorFrom(r).TenantID, listLimit(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"returns": list})
}

func (a *API) handleGetReturn(w http.ResponseWriter, r *http.Request) {
	ret, err := a.service.GetReturn(r.Context(), actorFrom(r).TenantID, chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"return": ret})
}

func (a *API) handleCreateReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateReturnRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ret, err := a.service.CreateReturn(r.Context(), actorFrom(r).TenantID, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"return": ret})
}

func (a *API) handleDecideReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnDecisionRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ret, err := a.service.DecideReturn(r.Context(), actorFrom(r).TenantID, chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"return": ret})
}

func (a *API) handleListCreditNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := a.service.ListCreditNotes(r.Context(), actorFrom(r).TenantID, listLimit(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credit_notes": notes})
}

func (a *API) handleGetCreditNote(w http.ResponseWriter, r *http.Request) {
	note, err := a.service.GetCreditNote(r.Context(), actorFrom(r).TenantID, chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credit_note": note})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := a.service.ListAuditLogs(r.Context(), actorFrom(r).TenantID,
		strings.TrimSpace(r.URL.Query().Get("date")),
		parsePositiveLimit(r.URL.Query().Get("limit"), 100, service.MaxListLimit),
	)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func listLimit(r *http.Request) int {
	return parsePositiveLimit(r.URL.Query().Get("limit"), service.DefaultListLimit, service.MaxListLimit)
}
