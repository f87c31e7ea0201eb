package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finledger.org/internal/ledger"
)

type createTransactionRequest struct {
	AccountID      string              `json:"accountId"`
	ToAccountID    string              `json:"toAccountId"`
	Type           string              `json:"type"`
	Amount         decimal.Decimal     `json:"amount"`
	Currency       string              `json:"currency"`
	Date           *time.Time          `json:"date"`
	Description    string              `json:"description"`
	Category       string              `json:"category"`
	Status         string              `json:"status"`
	PaymentMethod  string              `json:"paymentMethod"`
	TransactionRef string              `json:"transactionRef"`
	Tags           []string            `json:"tags"`
	IsRecurring    bool                `json:"isRecurring"`
	Recurrence     *ledger.Recurrence  `json:"recurrenceDetails"`
	Attachments    []ledger.Attachment `json:"attachments"`
}

type updateTransactionRequest struct {
	Status         *string             `json:"status"`
	AccountID      *string             `json:"accountId"`
	Amount         *decimal.Decimal    `json:"amount"`
	Currency       *string             `json:"currency"`
	Date           *time.Time          `json:"date"`
	Description    *string             `json:"description"`
	Category       *string             `json:"category"`
	PaymentMethod  *string             `json:"paymentMethod"`
	TransactionRef *string             `json:"transactionRef"`
	Tags           []string            `json:"tags"`
	IsRecurring    *bool               `json:"isRecurring"`
	Recurrence     *ledger.Recurrence  `json:"recurrenceDetails"`
	Attachments    []ledger.Attachment `json:"attachments"`
}

func (a *API) handleTransactionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listTransactions(w, r)
	case http.MethodPost:
		a.createTransaction(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTransactionResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getTransaction(w, r, id)
	case http.MethodPut, http.MethodPatch:
		a.updateTransaction(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodPatch)
	}
}

func (a *API) createTransaction(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req createTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	in := ledger.TransactionInput{
		AccountID:      req.AccountID,
		ToAccountID:    req.ToAccountID,
		Type:           ledger.TransactionType(req.Type),
		Amount:         req.Amount,
		Currency:       req.Currency,
		Description:    req.Description,
		Category:       ledger.TransactionCategory(req.Category),
		Status:         ledger.TransactionStatus(req.Status),
		PaymentMethod:  ledger.PaymentMethod(req.PaymentMethod),
		TransactionRef: req.TransactionRef,
		Tags:           req.Tags,
		IsRecurring:    req.IsRecurring,
		Recurrence:     req.Recurrence,
		Attachments:    req.Attachments,
	}
	if req.Date != nil {
		in.Date = *req.Date
	}

	tx, err := a.ledger.CreateTransaction(r.Context(), user, in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	a.audit(r.Context(), "transaction.create", map[string]any{
		"transaction_id": tx.ID,
		"account_id":     tx.AccountID,
		"type":           string(tx.Type),
		"amount":         tx.Amount.String(),
		"status":         string(tx.Status),
	})
	w.Header().Set("Location", "/v1/transactions/"+tx.ID)
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	tx, err := a.ledger.GetTransaction(r.Context(), user, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	f, err := parseTransactionFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, page, err := a.ledger.ListTransactions(r.Context(), user, f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: items, Pagination: page})
}

func (a *API) updateTransaction(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req updateTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	upd := ledger.TransactionUpdate{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Date:           req.Date,
		Description:    req.Description,
		TransactionRef: req.TransactionRef,
		Tags:           req.Tags,
		IsRecurring:    req.IsRecurring,
		Recurrence:     req.Recurrence,
		Attachments:    req.Attachments,
	}
	if req.Status != nil {
		status := ledger.TransactionStatus(*req.Status)
		upd.Status = &status
	}
	if req.Category != nil {
		category := ledger.TransactionCategory(*req.Category)
		upd.Category = &category
	}
	if req.PaymentMethod != nil {
		method := ledger.PaymentMethod(*req.PaymentMethod)
		upd.PaymentMethod = &method
	}

	tx, err := a.ledger.UpdateTransaction(r.Context(), user, id, upd)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	a.audit(r.Context(), "transaction.update", map[string]any{
		"transaction_id": id,
		"status":         string(tx.Status),
	})
	writeJSON(w, http.StatusOK, tx)
}

func parseTransactionFilter(r *http.Request) (ledger.TransactionFilter, error) {
	q := r.URL.Query()
	f := ledger.TransactionFilter{
		AccountID: q.Get("accountId"),
		Type:      ledger.TransactionType(q.Get("type")),
		Status:    ledger.TransactionStatus(q.Get("status")),
		Category:  ledger.TransactionCategory(q.Get("category")),
		SortBy:    q.Get("sortBy"),
		SortDesc:  strings.EqualFold(q.Get("sortOrder"), "desc"),
	}
	var err error
	if f.Page, err = parseIntParam(q.Get("page"), "page"); err != nil {
		return f, err
	}
	if f.Limit, err = parseIntParam(q.Get("limit"), "limit"); err != nil {
		return f, err
	}
	if f.DateFrom, err = parseTimeParam(q.Get("dateFrom"), "dateFrom"); err != nil {
		return f, err
	}
	if f.DateTo, err = parseTimeParam(q.Get("dateTo"), "dateTo"); err != nil {
		return f, err
	}
	if f.MinAmount, err = parseDecimalParam(q.Get("minAmount"), "minAmount"); err != nil {
		return f, err
	}
	if f.MaxAmount, err = parseDecimalParam(q.Get("maxAmount"), "maxAmount"); err != nil {
		return f, err
	}
	if f.IsRecurring, err = parseBoolParam(q.Get("isRecurring"), "isRecurring"); err != nil {
		return f, err
	}
	return f, nil
}

func parseIntParam(raw, name string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &paramError{name: name, want: "a non-negative integer"}
	}
	return v, nil
}

func parseTimeParam(raw, name string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		if d, derr := time.Parse("2006-01-02", raw); derr == nil {
			return &d, nil
		}
		return nil, &paramError{name: name, want: "an RFC 3339 timestamp or YYYY-MM-DD date"}
	}
	return &t, nil
}

func parseDecimalParam(raw, name string) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, &paramError{name: name, want: "a decimal number"}
	}
	return &d, nil
}

func parseBoolParam(raw, name string) (*bool, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, &paramError{name: name, want: "true or false"}
	}
	return &v, nil
}

type paramError struct {
	name string
	want string
}

func (e *paramError) Error() string {
	return e.name + " must be " + e.want
}
