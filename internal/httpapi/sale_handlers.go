package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finledger.org/internal/ledger"
)

type createSaleRequest struct {
	SubTotal       decimal.Decimal  `json:"subTotal"`
	TaxAmount      decimal.Decimal  `json:"taxAmount"`
	TotalAmountDue decimal.Decimal  `json:"totalAmountDue"`
	Discount       *ledger.Discount `json:"discount"`
	Notes          string           `json:"notes"`
	SaleDate       *time.Time       `json:"saleDate"`
	DueDate        *time.Time       `json:"dueDate"`
}

type updateSaleRequest struct {
	SubTotal            *decimal.Decimal `json:"subTotal"`
	TaxAmount           *decimal.Decimal `json:"taxAmount"`
	TotalAmountDue      *decimal.Decimal `json:"totalAmountDue"`
	Discount            *ledger.Discount `json:"discount"`
	Notes               *string          `json:"notes"`
	SaleDate            *time.Time       `json:"saleDate"`
	DueDate             *time.Time       `json:"dueDate"`
	Finalized           *bool            `json:"finalized"`
	Status              *string          `json:"status"`
	PaymentTransactions []string         `json:"paymentTransactions"`
	AmountPaid          *decimal.Decimal `json:"amountPaid"`
}

type linkPaymentRequest struct {
	TransactionID string `json:"transactionId"`
}

func (a *API) handleSalesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listSales(w, r)
	case http.MethodPost:
		a.createSale(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleSaleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sales/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/payments"); ok {
		if id == "" || strings.Contains(id, "/") {
			writeError(w, r, http.StatusNotFound, "not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.linkPayment(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getSale(w, r, path)
	case http.MethodPut, http.MethodPatch:
		a.updateSale(w, r, path)
	case http.MethodDelete:
		a.deleteSale(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) createSale(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req createSaleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	in := ledger.SaleInput{
		SubTotal:       req.SubTotal,
		TaxAmount:      req.TaxAmount,
		TotalAmountDue: req.TotalAmountDue,
		Discount:       req.Discount,
		Notes:          req.Notes,
		DueDate:        req.DueDate,
	}
	if req.SaleDate != nil {
		in.SaleDate = *req.SaleDate
	}

	sale, err := a.ledger.CreateSale(r.Context(), user, in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	a.audit(r.Context(), "sale.create", map[string]any{
		"sale_id":          sale.ID,
		"total_amount_due": sale.TotalAmountDue.String(),
	})
	w.Header().Set("Location", "/v1/sales/"+sale.ID)
	writeJSON(w, http.StatusCreated, sale)
}

func (a *API) getSale(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	sale, err := a.ledger.GetSale(r.Context(), user, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) listSales(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	f, err := parseSaleFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, page, err := a.ledger.ListSales(r.Context(), user, f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: items, Pagination: page})
}

func (a *API) updateSale(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req updateSaleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	upd := ledger.SaleUpdate{
		SubTotal:            req.SubTotal,
		TaxAmount:           req.TaxAmount,
		TotalAmountDue:      req.TotalAmountDue,
		Discount:            req.Discount,
		Notes:               req.Notes,
		SaleDate:            req.SaleDate,
		DueDate:             req.DueDate,
		Finalized:           req.Finalized,
		PaymentTransactions: req.PaymentTransactions,
		AmountPaid:          req.AmountPaid,
	}
	if req.Status != nil {
		status := ledger.SaleStatus(*req.Status)
		upd.Status = &status
	}

	sale, err := a.ledger.UpdateSale(r.Context(), user, id, upd)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	a.audit(r.Context(), "sale.update", map[string]any{
		"sale_id": id,
		"status":  string(sale.Status),
	})
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) deleteSale(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.ledger.DeleteSale(r.Context(), user, id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "sale.delete", map[string]any{"sale_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) linkPayment(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := owner(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req linkPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		writeError(w, r, http.StatusBadRequest, "transactionId is required")
		return
	}

	sale, err := a.ledger.LinkPayment(r.Context(), user, id, req.TransactionID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	a.audit(r.Context(), "sale.payment.link", map[string]any{
		"sale_id":        id,
		"transaction_id": req.TransactionID,
	})
	writeJSON(w, http.StatusOK, sale)
}

func parseSaleFilter(r *http.Request) (ledger.SaleFilter, error) {
	q := r.URL.Query()
	f := ledger.SaleFilter{
		Status:   ledger.SaleStatus(q.Get("status")),
		SortBy:   q.Get("sortBy"),
		SortDesc: strings.EqualFold(q.Get("sortOrder"), "desc"),
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
	if f.MinTotal, err = parseDecimalParam(q.Get("minTotal"), "minTotal"); err != nil {
		return f, err
	}
	if f.MaxTotal, err = parseDecimalParam(q.Get("maxTotal"), "maxTotal"); err != nil {
		return f, err
	}
	if f.Finalized, err = parseBoolParam(q.Get("finalized"), "finalized"); err != nil {
		return f, err
	}
	if f.Refunded, err = parseBoolParam(q.Get("refunded"), "refunded"); err != nil {
		return f, err
	}
	return f, nil
}
