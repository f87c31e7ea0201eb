package ledger

import (
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// AccountType classifies what kind of balance an account holds.
type AccountType string

const (
	AccountChecking   AccountType = "checking"
	AccountSavings    AccountType = "savings"
	AccountCreditCard AccountType = "credit_card"
	AccountCash       AccountType = "cash"
	AccountLoan       AccountType = "loan"
	AccountInvestment AccountType = "investment"
	AccountOther      AccountType = "other"
)

// ParseAccountType validates a client-supplied account type.
func ParseAccountType(s string) (AccountType, error) {
	t := AccountType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case AccountChecking, AccountSavings, AccountCreditCard, AccountCash,
		AccountLoan, AccountInvestment, AccountOther:
		return t, nil
	}
	return "", InvalidField("type", "unknown account type")
}

// TransactionType determines the sign of a transaction's balance effect.
type TransactionType string

const (
	TypeIncome   TransactionType = "income"
	TypeExpense  TransactionType = "expense"
	TypeTransfer TransactionType = "transfer"
)

func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeIncome, TypeExpense, TypeTransfer:
		return t, nil
	}
	return "", InvalidField("type", "unknown transaction type")
}

// TransactionStatus is the lifecycle state of a transaction. Only a
// transition into StatusCompleted carries a balance effect.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
	StatusRefunded  TransactionStatus = "refunded"
)

func ParseTransactionStatus(s string) (TransactionStatus, error) {
	t := TransactionStatus(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return t, nil
	}
	return "", InvalidField("status", "unknown transaction status")
}

// TransactionCategory is a closed set of reporting buckets.
type TransactionCategory string

const (
	CategorySalary         TransactionCategory = "salary"
	CategoryUtilities      TransactionCategory = "utilities"
	CategoryRent           TransactionCategory = "rent"
	CategoryGroceries      TransactionCategory = "groceries"
	CategoryTransportation TransactionCategory = "transportation"
	CategoryHealthcare     TransactionCategory = "healthcare"
	CategoryEntertainment  TransactionCategory = "entertainment"
	CategorySavings        TransactionCategory = "savings"
	CategoryDebtPayment    TransactionCategory = "debt_payment"
	CategoryInvestment     TransactionCategory = "investment"
	CategorySales          TransactionCategory = "sales"
	CategorySalariesPaid   TransactionCategory = "salaries_paid"
	CategoryOther          TransactionCategory = "other"
)

func ParseTransactionCategory(s string) (TransactionCategory, error) {
	c := TransactionCategory(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategorySalary, CategoryUtilities, CategoryRent, CategoryGroceries,
		CategoryTransportation, CategoryHealthcare, CategoryEntertainment,
		CategorySavings, CategoryDebtPayment, CategoryInvestment, CategorySales,
		CategorySalariesPaid, CategoryOther:
		return c, nil
	}
	return "", InvalidField("category", "unknown transaction category")
}

// PaymentMethod records how money physically moved.
type PaymentMethod string

const (
	PaymentCash          PaymentMethod = "cash"
	PaymentBankTransfer  PaymentMethod = "bank_transfer"
	PaymentOnlineGateway PaymentMethod = "online_gateway"
	PaymentOther         PaymentMethod = "other"
)

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	m := PaymentMethod(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case PaymentCash, PaymentBankTransfer, PaymentOnlineGateway, PaymentOther:
		return m, nil
	}
	return "", InvalidField("paymentMethod", "unknown payment method")
}

// TransferDirection marks which leg of a transfer a transaction row is.
// Empty for income and expense transactions.
type TransferDirection string

const (
	DirectionOutbound TransferDirection = "outbound"
	DirectionInbound  TransferDirection = "inbound"
)

// SaleStatus is derived from linked payments except for the terminal states.
type SaleStatus string

const (
	SalePending       SaleStatus = "pending"
	SalePartiallyPaid SaleStatus = "partially_paid"
	SalePaid          SaleStatus = "paid"
	SaleOverdue       SaleStatus = "overdue"
	SaleCancelled     SaleStatus = "cancelled"
	SaleRefunded      SaleStatus = "refunded"
)

func ParseSaleStatus(s string) (SaleStatus, error) {
	v := SaleStatus(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case SalePending, SalePartiallyPaid, SalePaid, SaleOverdue, SaleCancelled, SaleRefunded:
		return v, nil
	}
	return "", InvalidField("status", "unknown sale status")
}

// Terminal reports whether no further derived status transitions apply.
func (s SaleStatus) Terminal() bool {
	return s == SaleCancelled || s == SaleRefunded
}

// RecurrenceFrequency for recurring transactions.
type RecurrenceFrequency string

const (
	FreqDaily     RecurrenceFrequency = "daily"
	FreqWeekly    RecurrenceFrequency = "weekly"
	FreqMonthly   RecurrenceFrequency = "monthly"
	FreqQuarterly RecurrenceFrequency = "quarterly"
	FreqAnnually  RecurrenceFrequency = "annually"
)

func ParseRecurrenceFrequency(s string) (RecurrenceFrequency, error) {
	f := RecurrenceFrequency(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FreqDaily, FreqWeekly, FreqMonthly, FreqQuarterly, FreqAnnually:
		return f, nil
	}
	return "", InvalidField("recurrenceDetails.frequency", "unknown recurrence frequency")
}

// Recurrence describes a repeating transaction schedule.
type Recurrence struct {
	Frequency   RecurrenceFrequency `json:"frequency"`
	EndDate     *time.Time          `json:"endDate,omitempty"`
	NextDueDate *time.Time          `json:"nextDueDate,omitempty"`
}

// Advance returns the next occurrence after the given point in time.
func (r Recurrence) Advance(from time.Time) time.Time {
	switch r.Frequency {
	case FreqDaily:
		return from.AddDate(0, 0, 1)
	case FreqWeekly:
		return from.AddDate(0, 0, 7)
	case FreqMonthly:
		return from.AddDate(0, 1, 0)
	case FreqQuarterly:
		return from.AddDate(0, 3, 0)
	case FreqAnnually:
		return from.AddDate(1, 0, 0)
	}
	return from
}

// Attachment is a stored receipt or invoice reference.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Discount is either a flat amount or a percentage of the subtotal, never both.
type Discount struct {
	Description string           `json:"description,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Percentage  *decimal.Decimal `json:"percentage,omitempty"`
}

// Account is a balance-holding entity owned by one user. CurrentBalance is
// written only through transaction balance effects.
type Account struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           AccountType     `json:"type"`
	Currency       string          `json:"currency"`
	CurrentBalance decimal.Decimal `json:"currentBalance"`
	UserID         string          `json:"userId"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Transaction is a single recorded money movement. Amount is strictly
// positive; the sign of the balance effect is carried by Type (and, for
// transfers, by Direction).
type Transaction struct {
	ID                   string              `json:"id"`
	UserID               string              `json:"userId"`
	AccountID            string              `json:"accountId"`
	Type                 TransactionType     `json:"type"`
	Amount               decimal.Decimal     `json:"amount"`
	Currency             string              `json:"currency"`
	Date                 time.Time           `json:"date"`
	Description          string              `json:"description,omitempty"`
	Category             TransactionCategory `json:"category,omitempty"`
	Status               TransactionStatus   `json:"status"`
	PaymentMethod        PaymentMethod       `json:"paymentMethod,omitempty"`
	TransactionRef       string              `json:"transactionRef,omitempty"`
	RelatedTransactionID string              `json:"relatedTransactionId,omitempty"`
	Direction            TransferDirection   `json:"transferDirection,omitempty"`
	Tags                 []string            `json:"tags,omitempty"`
	IsRecurring          bool                `json:"isRecurring"`
	Recurrence           *Recurrence         `json:"recurrenceDetails,omitempty"`
	Attachments          []Attachment        `json:"attachments,omitempty"`
	CreatedAt            time.Time           `json:"createdAt"`
	UpdatedAt            time.Time           `json:"updatedAt"`

	// AppliedDelta is the signed amount currently applied to the account
	// balance for this transaction. Zero when no effect is outstanding.
	AppliedDelta decimal.Decimal `json:"-"`
}

// Sale is an invoice-like obligation settled by linked payment transactions.
// AmountPaid and Status are derived from those payments on every read.
type Sale struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"userId"`
	SubTotal            decimal.Decimal `json:"subTotal"`
	Discount            *Discount       `json:"discount,omitempty"`
	TaxAmount           decimal.Decimal `json:"taxAmount"`
	TotalAmountDue      decimal.Decimal `json:"totalAmountDue"`
	AmountPaid          decimal.Decimal `json:"amountPaid"`
	Status              SaleStatus      `json:"status"`
	PaymentTransactions []string        `json:"paymentTransactions"`
	Notes               string          `json:"notes,omitempty"`
	SaleDate            time.Time       `json:"saleDate"`
	DueDate             *time.Time      `json:"dueDate,omitempty"`
	Finalized           bool            `json:"finalized"`
	Refunded            bool            `json:"refunded"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`

	// Payments is populated on single-sale reads and list expansion.
	Payments []Transaction `json:"payments,omitempty"`
}

// NormalizeCurrency upper-cases and validates a currency code against the
// ISO table. Unknown codes are rejected at the boundary.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", InvalidField("currency", "currency is required")
	}
	if money.GetCurrency(code) == nil {
		return "", InvalidField("currency", "unknown currency code")
	}
	return code, nil
}
