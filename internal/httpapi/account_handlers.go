package httpapi

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"finledger.org/internal/ledger"
)

type createAccountRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Currency string `json:"currency"`
}

type updateAccountRequest struct {
	Name           *string          `json:"name"`
	Type           *string          `json:"type"`
	Currency       *string          `json:"currency"`
	CurrentBalance *decimal.Decimal `json:"currentBalance"`
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listAccounts(w, r)
	case http.MethodPost:
		a.createAccount(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getAccount(w, r, id)
	case http.MethodPut, http.MethodPatch:
		a.updateAccount(w, r, id)
	case http.MethodDelete:
		a.deleteAccount(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	acc, err := a.ledger.CreateAccount(r.Context(), user, ledger.AccountInput{
		Name:     req.Name,
		Type:     ledger.AccountType(req.Type),
		Currency: req.Currency,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	a.audit(r.Context(), "account.create", map[string]any{
		"account_id": acc.ID,
		"currency":   acc.Currency,
	})
	w.Header().Set("Location", "/v1/accounts/"+acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	accounts, err := a.ledger.ListAccounts(r.Context(), user)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": accounts})
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	acc, err := a.ledger.GetAccount(r.Context(), user, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) updateAccount(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req updateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	upd := ledger.AccountUpdate{
		Name:           req.Name,
		Currency:       req.Currency,
		CurrentBalance: req.CurrentBalance,
	}
	if req.Type != nil {
		typ := ledger.AccountType(*req.Type)
		upd.Type = &typ
	}
	acc, err := a.ledger.UpdateAccount(r.Context(), user, id, upd)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	a.audit(r.Context(), "account.update", map[string]any{"account_id": id})
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) deleteAccount(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.ledger.DeleteAccount(r.Context(), user, id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "account.delete", map[string]any{"account_id": id})
	w.WriteHeader(http.StatusNoContent)
}
