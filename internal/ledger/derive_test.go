package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestEffectDelta(t *testing.T) {
	amt := dec("12.34")
	cases := []struct {
		tx   Transaction
		want decimal.Decimal
	}{
		{Transaction{Type: TypeIncome, Amount: amt}, amt},
		{Transaction{Type: TypeExpense, Amount: amt}, amt.Neg()},
		{Transaction{Type: TypeTransfer, Direction: DirectionOutbound, Amount: amt}, amt.Neg()},
		{Transaction{Type: TypeTransfer, Direction: DirectionInbound, Amount: amt}, amt},
	}
	for _, c := range cases {
		if got := EffectDelta(c.tx); !got.Equal(c.want) {
			t.Fatalf("EffectDelta(%s/%s)=%s, want %s", c.tx.Type, c.tx.Direction, got, c.want)
		}
	}
}

func TestInboundPayment(t *testing.T) {
	if !InboundPayment(Transaction{Type: TypeIncome, Status: StatusCompleted}) {
		t.Fatal("completed income counts")
	}
	if !InboundPayment(Transaction{Type: TypeTransfer, Direction: DirectionInbound, Status: StatusCompleted}) {
		t.Fatal("completed inbound transfer leg counts")
	}
	if InboundPayment(Transaction{Type: TypeIncome, Status: StatusPending}) {
		t.Fatal("pending income must not count")
	}
	if InboundPayment(Transaction{Type: TypeExpense, Status: StatusCompleted}) {
		t.Fatal("expense must not count")
	}
	if InboundPayment(Transaction{Type: TypeTransfer, Direction: DirectionOutbound, Status: StatusCompleted}) {
		t.Fatal("outbound transfer leg must not count")
	}
}

func TestDiscountAmount(t *testing.T) {
	sub := dec("200")
	if got := DiscountAmount(nil, sub); !got.IsZero() {
		t.Fatalf("nil discount: %s", got)
	}
	flat := dec("15")
	if got := DiscountAmount(&Discount{Amount: &flat}, sub); !got.Equal(flat) {
		t.Fatalf("flat discount: %s", got)
	}
	pct := dec("25")
	if got := DiscountAmount(&Discount{Percentage: &pct}, sub); !got.Equal(dec("50")) {
		t.Fatalf("percentage discount: %s", got)
	}
}

func TestDeriveSaleStatuses(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	payment := func(amount string) Transaction {
		return Transaction{Type: TypeIncome, Status: StatusCompleted, Amount: dec(amount)}
	}

	s := Sale{TotalAmountDue: dec("100")}
	DeriveSale(&s, nil, now)
	if s.Status != SalePending || !s.AmountPaid.IsZero() {
		t.Fatalf("empty sale: %s/%s", s.Status, s.AmountPaid)
	}

	DeriveSale(&s, []Transaction{payment("40")}, now)
	if s.Status != SalePartiallyPaid || !s.AmountPaid.Equal(dec("40")) {
		t.Fatalf("partial: %s/%s", s.Status, s.AmountPaid)
	}

	// Overpayment still derives paid.
	DeriveSale(&s, []Transaction{payment("40"), payment("80")}, now)
	if s.Status != SalePaid || !s.AmountPaid.Equal(dec("120")) {
		t.Fatalf("paid: %s/%s", s.Status, s.AmountPaid)
	}

	past := now.Add(-time.Hour)
	overdue := Sale{TotalAmountDue: dec("100"), DueDate: &past}
	DeriveSale(&overdue, []Transaction{payment("40")}, now)
	if overdue.Status != SaleOverdue {
		t.Fatalf("overdue: %s", overdue.Status)
	}

	// A fully settled sale is never overdue.
	settled := Sale{TotalAmountDue: dec("100"), DueDate: &past}
	DeriveSale(&settled, []Transaction{payment("100")}, now)
	if settled.Status != SalePaid {
		t.Fatalf("settled past due: %s", settled.Status)
	}

	cancelled := Sale{TotalAmountDue: dec("100"), Status: SaleCancelled}
	DeriveSale(&cancelled, []Transaction{payment("100")}, now)
	if cancelled.Status != SaleCancelled {
		t.Fatalf("terminal preserved: %s", cancelled.Status)
	}
	if !cancelled.AmountPaid.Equal(dec("100")) {
		t.Fatalf("amountPaid still derived on terminal sales: %s", cancelled.AmountPaid)
	}

	refunded := Sale{TotalAmountDue: dec("100"), Refunded: true, Status: SalePaid}
	DeriveSale(&refunded, []Transaction{payment("100")}, now)
	if refunded.Status != SaleRefunded {
		t.Fatalf("refunded flag wins: %s", refunded.Status)
	}
}

func TestRecurrenceAdvance(t *testing.T) {
	from := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	cases := map[RecurrenceFrequency]time.Time{
		FreqDaily:     time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC),
		FreqWeekly:    time.Date(2025, 2, 7, 12, 0, 0, 0, time.UTC),
		FreqMonthly:   time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC),
		FreqQuarterly: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
		FreqAnnually:  time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC),
	}
	for freq, want := range cases {
		got := Recurrence{Frequency: freq}.Advance(from)
		if !got.Equal(want) {
			t.Fatalf("%s from %s: %s, want %s", freq, from, got, want)
		}
	}
}

func TestNormalizeCurrency(t *testing.T) {
	got, err := NormalizeCurrency(" usd ")
	if err != nil || got != "USD" {
		t.Fatalf("usd: %q, %v", got, err)
	}
	if _, err := NormalizeCurrency("XXXX"); !IsValidation(err) {
		t.Fatalf("bogus code: %v", err)
	}
	if _, err := NormalizeCurrency(""); !IsValidation(err) {
		t.Fatalf("empty code: %v", err)
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseAccountType("Checking"); err != nil {
		t.Fatalf("case-insensitive account type: %v", err)
	}
	if _, err := ParseAccountType("wallet"); !IsValidation(err) {
		t.Fatalf("unknown account type: %v", err)
	}
	if _, err := ParseTransactionStatus("archived"); !IsValidation(err) {
		t.Fatalf("unknown status: %v", err)
	}
	if _, err := ParseTransactionCategory("misc"); !IsValidation(err) {
		t.Fatalf("unknown category: %v", err)
	}
	if _, err := ParseSaleStatus("open"); !IsValidation(err) {
		t.Fatalf("unknown sale status: %v", err)
	}
}

func TestMatchCurrency(t *testing.T) {
	if err := MatchCurrency("USD", "USD"); err != nil {
		t.Fatalf("matching currencies: %v", err)
	}
	err := MatchCurrency("USD", "EUR")
	if !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestScheduleNextDue(t *testing.T) {
	from := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	if got := ScheduleNextDue(nil, from); got != nil {
		t.Fatalf("nil recurrence: %v", got)
	}

	rec := ScheduleNextDue(&Recurrence{Frequency: FreqMonthly}, from)
	if rec.NextDueDate == nil || !rec.NextDueDate.Equal(time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("monthly next due: %v", rec.NextDueDate)
	}

	// A client-supplied next due date is kept.
	supplied := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rec = ScheduleNextDue(&Recurrence{Frequency: FreqMonthly, NextDueDate: &supplied}, from)
	if rec.NextDueDate == nil || !rec.NextDueDate.Equal(supplied) {
		t.Fatalf("supplied next due overwritten: %v", rec.NextDueDate)
	}

	// Nothing is scheduled past the end of the recurrence.
	end := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	rec = ScheduleNextDue(&Recurrence{Frequency: FreqMonthly, EndDate: &end}, from)
	if rec.NextDueDate != nil {
		t.Fatalf("schedule past end date: %v", rec.NextDueDate)
	}

	// The input is never mutated.
	in := &Recurrence{Frequency: FreqWeekly}
	_ = ScheduleNextDue(in, from)
	if in.NextDueDate != nil {
		t.Fatal("input recurrence mutated")
	}
}
