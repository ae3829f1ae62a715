package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/ledger"
	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/store"
)

// CustomerResponse is a customer with the credits it still owes.
type CustomerResponse struct {
	Customer    *model.Customer `json:"customer"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Credits     []*model.Credit `json:"credits"`
}

// CustomerRequest is the body of POST /api/customers.
type CustomerRequest struct {
	Name   string `json:"name"`
	Mobile string `json:"mobile"`
}

// PaymentRequest is the body of POST /api/customers/{id}/payments.
type PaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method"`
	Note   string          `json:"note,omitempty"`
}

// CancelRequest is the body of POST /api/receipts/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CreateCustomer handles POST /api/customers.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CustomerRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	c, err := h.Ledger.CreateCustomer(r.Context(), req.Name, req.Mobile)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCustomer handles GET /api/customers/{id}.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	c, err := store.Get[*model.Customer](ctx, h.Store, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if c == nil {
		h.writeError(w, errs.ErrNotFound)
		return
	}
	total, credits, err := h.Ledger.Outstanding(ctx, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if credits == nil {
		credits = []*model.Credit{}
	}
	writeJSON(w, http.StatusOK, CustomerResponse{Customer: c, Outstanding: total, Credits: credits})
}

// CreatePayment handles POST /api/customers/{id}/payments and returns how the
// amount was spread over the customer's credits.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	allocs, err := h.Ledger.Allocate(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Method, req.Note)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if allocs == nil {
		allocs = []ledger.Allocation{}
	}
	writeJSON(w, http.StatusCreated, allocs)
}

// CreateReceipt handles POST /api/receipts.
func (h *Handler) CreateReceipt(w http.ResponseWriter, r *http.Request) {
	var sale ledger.Sale
	if err := decodeBody(r, &sale); err != nil {
		h.writeError(w, err)
		return
	}
	receipt, err := h.Ledger.CreateReceipt(r.Context(), sale)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// CancelReceipt handles POST /api/receipts/{id}/cancel.
func (h *Handler) CancelReceipt(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	receipt, err := h.Ledger.CancelReceipt(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
