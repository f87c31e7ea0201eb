package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// EffectDelta is the signed balance change this transaction contributes to
// its account once completed: +amount for income, -amount for expense, and
// for transfers -amount on the outbound leg, +amount on the inbound leg.
func EffectDelta(t Transaction) decimal.Decimal {
	switch t.Type {
	case TypeIncome:
		return t.Amount
	case TypeExpense:
		return t.Amount.Neg()
	case TypeTransfer:
		if t.Direction == DirectionInbound {
			return t.Amount
		}
		return t.Amount.Neg()
	}
	return decimal.Zero
}

// MatchCurrency reports ErrCurrencyMismatch when a transaction's currency
// does not match the account it would settle against.
func MatchCurrency(accountCurrency, txCurrency string) error {
	if accountCurrency != txCurrency {
		return fmt.Errorf("%w: account %s, transaction %s", ErrCurrencyMismatch, accountCurrency, txCurrency)
	}
	return nil
}

// ScheduleNextDue returns a copy of rec with NextDueDate filled in from the
// transaction date when the client did not supply one. Nothing is scheduled
// past the recurrence end date.
func ScheduleNextDue(rec *Recurrence, from time.Time) *Recurrence {
	if rec == nil {
		return nil
	}
	cp := *rec
	if cp.NextDueDate == nil {
		next := cp.Advance(from)
		if cp.EndDate == nil || !next.After(*cp.EndDate) {
			cp.NextDueDate = &next
		}
	}
	return &cp
}

// InboundPayment reports whether a transaction counts toward a sale's
// amountPaid: completed income or a completed inbound transfer leg.
func InboundPayment(t Transaction) bool {
	if t.Status != StatusCompleted {
		return false
	}
	return t.Type == TypeIncome || (t.Type == TypeTransfer && t.Direction == DirectionInbound)
}

// DiscountAmount resolves a discount against the subtotal. Flat amount wins
// when both are absent or present; validation keeps them exclusive upstream.
func DiscountAmount(d *Discount, subTotal decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	if d.Amount != nil {
		return *d.Amount
	}
	if d.Percentage != nil {
		return subTotal.Mul(*d.Percentage).Div(hundred)
	}
	return decimal.Zero
}

// DeriveSale recomputes AmountPaid and Status from the sale's linked
// payments. Terminal states (cancelled, refunded) are preserved; otherwise
// status is a pure function of amountPaid vs totalAmountDue, with overdue
// applied when the due date has passed without full payment.
func DeriveSale(s *Sale, payments []Transaction, now time.Time) {
	paid := decimal.Zero
	for _, p := range payments {
		if InboundPayment(p) {
			paid = paid.Add(p.Amount)
		}
	}
	s.AmountPaid = paid

	if s.Refunded {
		s.Status = SaleRefunded
		return
	}
	if s.Status.Terminal() {
		return
	}
	switch {
	case paid.GreaterThanOrEqual(s.TotalAmountDue) && s.TotalAmountDue.IsPositive():
		s.Status = SalePaid
	case paid.IsPositive():
		s.Status = SalePartiallyPaid
	default:
		s.Status = SalePending
	}
	if s.Status != SalePaid && s.DueDate != nil && s.DueDate.Before(now) {
		s.Status = SaleOverdue
	}
}

// ValidateSaleAmounts enforces the creation invariants: non-negative
// components and totalAmountDue >= subTotal + tax - discount.
func ValidateSaleAmounts(subTotal, taxAmount, totalDue decimal.Decimal, d *Discount) error {
	if subTotal.IsNegative() {
		return InvalidField("subTotal", "must be non-negative")
	}
	if taxAmount.IsNegative() {
		return InvalidField("taxAmount", "must be non-negative")
	}
	if totalDue.IsNegative() {
		return InvalidField("totalAmountDue", "must be non-negative")
	}
	if d != nil {
		if d.Amount != nil && d.Percentage != nil {
			return InvalidField("discount", "flat amount and percentage are mutually exclusive")
		}
		if d.Amount != nil && d.Amount.IsNegative() {
			return InvalidField("discount.amount", "must be non-negative")
		}
		if d.Percentage != nil && (d.Percentage.IsNegative() || d.Percentage.GreaterThan(hundred)) {
			return InvalidField("discount.percentage", "must be between 0 and 100")
		}
	}
	floor := subTotal.Add(taxAmount).Sub(DiscountAmount(d, subTotal))
	if totalDue.LessThan(floor) {
		return InvalidField("totalAmountDue", "must cover subTotal + tax - discount")
	}
	return nil
}
