package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Service defines every ledger operation. Implementations own the
// consistency discipline: balance effects fire exactly once per transaction
// status transition, transfer legs commit together, and concurrent
// completions against one account serialize.
type Service interface {
	CreateAccount(ctx context.Context, owner string, in AccountInput) (Account, error)
	GetAccount(ctx context.Context, owner, id string) (Account, error)
	ListAccounts(ctx context.Context, owner string) ([]Account, error)
	UpdateAccount(ctx context.Context, owner, id string, upd AccountUpdate) (Account, error)
	DeleteAccount(ctx context.Context, owner, id string) error

	CreateTransaction(ctx context.Context, owner string, in TransactionInput) (Transaction, error)
	GetTransaction(ctx context.Context, owner, id string) (Transaction, error)
	ListTransactions(ctx context.Context, owner string, f TransactionFilter) ([]Transaction, Page, error)
	UpdateTransaction(ctx context.Context, owner, id string, upd TransactionUpdate) (Transaction, error)

	CreateSale(ctx context.Context, owner string, in SaleInput) (Sale, error)
	GetSale(ctx context.Context, owner, id string) (Sale, error)
	ListSales(ctx context.Context, owner string, f SaleFilter) ([]Sale, Page, error)
	UpdateSale(ctx context.Context, owner, id string, upd SaleUpdate) (Sale, error)
	DeleteSale(ctx context.Context, owner, id string) error
	LinkPayment(ctx context.Context, owner, saleID, transactionID string) (Sale, error)
}

// AccountInput carries validated fields for account creation.
type AccountInput struct {
	Name     string
	Type     AccountType
	Currency string
}

// AccountUpdate is a partial update. CurrentBalance is the suspicious path:
// it is logged and only applied when the implementation's balance-override
// policy allows it.
type AccountUpdate struct {
	Name           *string
	Type           *AccountType
	Currency       *string
	CurrentBalance *decimal.Decimal
}

// TransactionInput carries fields for recording a money movement.
// ToAccountID is required for transfers and ignored otherwise.
type TransactionInput struct {
	AccountID      string
	ToAccountID    string
	Type           TransactionType
	Amount         decimal.Decimal
	Currency       string
	Date           time.Time
	Description    string
	Category       TransactionCategory
	Status         TransactionStatus
	PaymentMethod  PaymentMethod
	TransactionRef string
	Tags           []string
	IsRecurring    bool
	Recurrence     *Recurrence
	Attachments    []Attachment
}

// TransactionUpdate is a partial update. Amount, AccountID and Currency are
// immutable while a balance effect is outstanding.
type TransactionUpdate struct {
	Status         *TransactionStatus
	AccountID      *string
	Amount         *decimal.Decimal
	Currency       *string
	Date           *time.Time
	Description    *string
	Category       *TransactionCategory
	PaymentMethod  *PaymentMethod
	TransactionRef *string
	Tags           []string
	IsRecurring    *bool
	Recurrence     *Recurrence
	Attachments    []Attachment
}

// SaleInput carries fields for creating an invoice-like obligation.
type SaleInput struct {
	SubTotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalAmountDue decimal.Decimal
	Discount       *Discount
	Notes          string
	SaleDate       time.Time
	DueDate        *time.Time
}

// SaleUpdate is a partial update. AmountPaid is derived and never writable;
// Status accepts only the terminal cancelled/refunded overrides.
type SaleUpdate struct {
	SubTotal            *decimal.Decimal
	TaxAmount           *decimal.Decimal
	TotalAmountDue      *decimal.Decimal
	Discount            *Discount
	Notes               *string
	SaleDate            *time.Time
	DueDate             *time.Time
	Finalized           *bool
	Status              *SaleStatus
	PaymentTransactions []string
	AmountPaid          *decimal.Decimal
}

// TransactionFilter narrows and pages a transaction listing.
type TransactionFilter struct {
	AccountID   string
	Type        TransactionType
	Status      TransactionStatus
	Category    TransactionCategory
	DateFrom    *time.Time
	DateTo      *time.Time
	MinAmount   *decimal.Decimal
	MaxAmount   *decimal.Decimal
	IsRecurring *bool

	Page     int
	Limit    int
	SortBy   string
	SortDesc bool
}

// SaleFilter narrows and pages a sale listing.
type SaleFilter struct {
	Status    SaleStatus
	MinTotal  *decimal.Decimal
	MaxTotal  *decimal.Decimal
	DateFrom  *time.Time
	DateTo    *time.Time
	Finalized *bool
	Refunded  *bool

	Page     int
	Limit    int
	SortBy   string
	SortDesc bool
}

// Page describes the slice of a listing that was returned.
type Page struct {
	CurrentPage  int `json:"currentPage"`
	TotalPages   int `json:"totalPages"`
	TotalItems   int `json:"totalItems"`
	ItemsPerPage int `json:"itemsPerPage"`
}

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// NormalizePaging clamps client paging input to sane bounds.
func NormalizePaging(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}

// MakePage describes the returned slice of a listing.
func MakePage(page, limit, total int) Page {
	pages := total / limit
	if total%limit != 0 {
		pages++
	}
	return Page{CurrentPage: page, TotalPages: pages, TotalItems: total, ItemsPerPage: limit}
}

var transactionSortFields = map[string]struct{}{
	"date":      {},
	"amount":    {},
	"createdAt": {},
}

var saleSortFields = map[string]struct{}{
	"saleDate":       {},
	"totalAmountDue": {},
	"createdAt":      {},
}

func normalizeTransactionSort(field string) string {
	if _, ok := transactionSortFields[field]; ok {
		return field
	}
	return "date"
}

func normalizeSaleSort(field string) string {
	if _, ok := saleSortFields[field]; ok {
		return field
	}
	return "saleDate"
}
