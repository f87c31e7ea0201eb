package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"finledger.org/internal/authz"
)

const owner = "user-1"

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newAccount(t *testing.T, m *InMemory, name, currency string) Account {
	t.Helper()
	acc, err := m.CreateAccount(context.Background(), owner, AccountInput{
		Name: name, Type: AccountChecking, Currency: currency,
	})
	if err != nil {
		t.Fatalf("create account %s: %v", name, err)
	}
	return acc
}

func TestIncomeAndExpenseBalance(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")

	if !acc.CurrentBalance.IsZero() {
		t.Fatalf("initial balance must be zero, got %s", acc.CurrentBalance)
	}

	_, err := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeIncome, Amount: dec("100"), Currency: "USD",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetAccount(ctx, owner, acc.ID)
	if !got.CurrentBalance.Equal(dec("100")) {
		t.Fatalf("balance after income: %s, want 100", got.CurrentBalance)
	}

	_, err = m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeExpense, Amount: dec("30"), Currency: "USD",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetAccount(ctx, owner, acc.ID)
	if !got.CurrentBalance.Equal(dec("70")) {
		t.Fatalf("balance after expense: %s, want 70", got.CurrentBalance)
	}
}

func TestCurrencyGuardRejectsBeforePersistence(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")

	_, err := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeIncome, Amount: dec("10"), Currency: "EUR",
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	items, page, err := m.ListTransactions(ctx, owner, TransactionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 || page.TotalItems != 0 {
		t.Fatalf("rejected transaction must not persist, got %d items", len(items))
	}
}

func TestPendingCompletionAppliesOnce(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")

	pending := StatusPending
	tx, err := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeIncome, Amount: dec("40"), Currency: "USD",
		Status: pending,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetAccount(ctx, owner, acc.ID)
	if !got.CurrentBalance.IsZero() {
		t.Fatalf("pending transaction must not move the balance, got %s", got.CurrentBalance)
	}

	completed := StatusCompleted
	if _, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Status: &completed}); err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetAccount(ctx, owner, acc.ID)
	if !got.CurrentBalance.Equal(dec("40")) {
		t.Fatalf("balance after completion: %s, want 40", got.CurrentBalance)
	}

	// Idempotence: re-saving with the same status must not re-apply.
	if _, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Status: &completed}); err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetAccount(ctx, owner, acc.ID)
	if !got.CurrentBalance.Equal(dec("40")) {
		t.Fatalf("idempotence violated: %s, want 40", got.CurrentBalance)
	}
}

func TestCancelReversesExactly(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")

	tx, err := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeExpense, Amount: dec("25.50"), Currency: "USD",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetAccount(ctx, owner, acc.ID)
	if !got.CurrentBalance.Equal(dec("-25.50")) {
		t.Fatalf("balance after expense: %s", got.CurrentBalance)
	}

	cancelled := StatusCancelled
	if _, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Status: &cancelled}); err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetAccount(ctx, owner, acc.ID)
	if !got.CurrentBalance.IsZero() {
		t.Fatalf("cancel must restore the pre-transaction balance, got %s", got.CurrentBalance)
	}

	// Cancelling twice must not reverse twice.
	failed := StatusFailed
	if _, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Status: &failed}); err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetAccount(ctx, owner, acc.ID)
	if !got.CurrentBalance.IsZero() {
		t.Fatalf("second non-completed transition must be a no-op, got %s", got.CurrentBalance)
	}
}

func TestTransferMovesBothLegs(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	src := newAccount(t, m, "Source", "USD")
	dst := newAccount(t, m, "Destination", "USD")

	tx, err := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: src.ID, ToAccountID: dst.ID, Type: TypeTransfer,
		Amount: dec("80"), Currency: "USD",
	})
	if err != nil {
		t.Fatal(err)
	}
	if tx.RelatedTransactionID == "" {
		t.Fatal("transfer must link its counterpart")
	}

	gotSrc, _ := m.GetAccount(ctx, owner, src.ID)
	gotDst, _ := m.GetAccount(ctx, owner, dst.ID)
	if !gotSrc.CurrentBalance.Equal(dec("-80")) || !gotDst.CurrentBalance.Equal(dec("80")) {
		t.Fatalf("transfer balances: src=%s dst=%s", gotSrc.CurrentBalance, gotDst.CurrentBalance)
	}

	counterpart, err := m.GetTransaction(ctx, owner, tx.RelatedTransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if counterpart.Direction != DirectionInbound || counterpart.RelatedTransactionID != tx.ID {
		t.Fatalf("counterpart not linked back: %+v", counterpart)
	}

	// Cancelling one leg reverses both.
	cancelled := StatusCancelled
	if _, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Status: &cancelled}); err != nil {
		t.Fatal(err)
	}
	gotSrc, _ = m.GetAccount(ctx, owner, src.ID)
	gotDst, _ = m.GetAccount(ctx, owner, dst.ID)
	if !gotSrc.CurrentBalance.IsZero() || !gotDst.CurrentBalance.IsZero() {
		t.Fatalf("cancel must reverse both legs: src=%s dst=%s", gotSrc.CurrentBalance, gotDst.CurrentBalance)
	}
	counterpart, _ = m.GetTransaction(ctx, owner, tx.RelatedTransactionID)
	if counterpart.Status != StatusCancelled {
		t.Fatalf("counterpart status: %s, want cancelled", counterpart.Status)
	}
}

func TestConcurrentCompletionsSerialize(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")

	var wg sync.WaitGroup
	const n = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.CreateTransaction(ctx, owner, TransactionInput{
				AccountID: acc.ID, Type: TypeIncome, Amount: dec("50"), Currency: "USD",
			})
		}()
	}
	wg.Wait()

	got, _ := m.GetAccount(ctx, owner, acc.ID)
	if !got.CurrentBalance.Equal(dec("2500")) {
		t.Fatalf("final balance %s, want 2500", got.CurrentBalance)
	}
}

func TestOwnershipIsolation(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")
	tx, _ := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeIncome, Amount: dec("5"), Currency: "USD",
	})
	sale, _ := m.CreateSale(ctx, owner, SaleInput{
		SubTotal: dec("10"), TaxAmount: dec("0"), TotalAmountDue: dec("10"),
	})

	intruder := "user-2"
	if _, err := m.GetAccount(ctx, intruder, acc.ID); !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("account read: %v", err)
	}
	if _, err := m.GetTransaction(ctx, intruder, tx.ID); !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("transaction read: %v", err)
	}
	if _, err := m.GetSale(ctx, intruder, sale.ID); !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("sale read: %v", err)
	}
	if err := m.DeleteSale(ctx, intruder, sale.ID); !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("sale delete: %v", err)
	}
	if _, err := m.CreateTransaction(ctx, intruder, TransactionInput{
		AccountID: acc.ID, Type: TypeIncome, Amount: dec("5"), Currency: "USD",
	}); !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("transaction on foreign account: %v", err)
	}
	items, _, _ := m.ListTransactions(ctx, intruder, TransactionFilter{})
	if len(items) != 0 {
		t.Fatalf("list must be caller-scoped, got %d items", len(items))
	}
}

func TestAccountDeletionGuards(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")
	tx, _ := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeIncome, Amount: dec("70"), Currency: "USD",
	})

	if err := m.DeleteAccount(ctx, owner, acc.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("delete with transactions: %v", err)
	}
	_ = tx

	empty := newAccount(t, m, "Empty", "USD")
	if err := m.DeleteAccount(ctx, owner, empty.ID); err != nil {
		t.Fatalf("delete empty account: %v", err)
	}
}

func TestDuplicateAccountNameAndRef(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")

	if _, err := m.CreateAccount(ctx, owner, AccountInput{
		Name: "Main", Type: AccountSavings, Currency: "USD",
	}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate name: %v", err)
	}

	_, err := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeIncome, Amount: dec("5"), Currency: "USD",
		TransactionRef: "ref-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeIncome, Amount: dec("5"), Currency: "USD",
		TransactionRef: "ref-1",
	}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate ref: %v", err)
	}
}

func TestBalanceOverrideIgnoredByDefault(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")

	big := dec("9999")
	got, err := m.UpdateAccount(ctx, owner, acc.ID, AccountUpdate{CurrentBalance: &big})
	if err != nil {
		t.Fatal(err)
	}
	if !got.CurrentBalance.IsZero() {
		t.Fatalf("direct balance write must be ignored, got %s", got.CurrentBalance)
	}

	permissive := NewInMemory(WithBalanceOverridePolicy(true))
	acc2, _ := permissive.CreateAccount(ctx, owner, AccountInput{
		Name: "Main", Type: AccountChecking, Currency: "USD",
	})
	got, err = permissive.UpdateAccount(ctx, owner, acc2.ID, AccountUpdate{CurrentBalance: &big})
	if err != nil {
		t.Fatal(err)
	}
	if !got.CurrentBalance.Equal(big) {
		t.Fatalf("override policy must apply the balance, got %s", got.CurrentBalance)
	}
}

func TestCurrencyMismatchLeavesBalanceUntouched(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")

	pending := StatusPending
	tx, err := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeIncome, Amount: dec("10"), Currency: "USD",
		Status: pending,
	})
	if err != nil {
		t.Fatal(err)
	}

	// The account currency changes while the transaction is pending; the
	// later completion hits the degraded mismatch path.
	eur := "EUR"
	if _, err := m.UpdateAccount(ctx, owner, acc.ID, AccountUpdate{Currency: &eur}); err != nil {
		t.Fatal(err)
	}
	completed := StatusCompleted
	got, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Status: &completed})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("transaction must still complete, got %s", got.Status)
	}
	accNow, _ := m.GetAccount(ctx, owner, acc.ID)
	if !accNow.CurrentBalance.IsZero() {
		t.Fatalf("mismatched currency must not move the balance, got %s", accNow.CurrentBalance)
	}

	// And the later cancellation must not reverse anything either.
	cancelled := StatusCancelled
	if _, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Status: &cancelled}); err != nil {
		t.Fatal(err)
	}
	accNow, _ = m.GetAccount(ctx, owner, acc.ID)
	if !accNow.CurrentBalance.IsZero() {
		t.Fatalf("reversal after mismatch must be a no-op, got %s", accNow.CurrentBalance)
	}
}

func TestImmutableFieldsWhileEffectApplied(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")
	other := newAccount(t, m, "Other", "USD")

	tx, _ := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeIncome, Amount: dec("10"), Currency: "USD",
	})

	amt := dec("20")
	if _, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Amount: &amt}); !IsValidation(err) {
		t.Fatalf("amount change on completed transaction: %v", err)
	}
	if _, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{AccountID: &other.ID}); !IsValidation(err) {
		t.Fatalf("account change on completed transaction: %v", err)
	}

	// After cancelling, the amount may change and account reassignment
	// re-validates against the new account.
	cancelled := StatusCancelled
	if _, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Status: &cancelled}); err != nil {
		t.Fatal(err)
	}
	got, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Amount: &amt, AccountID: &other.ID})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Amount.Equal(amt) || got.AccountID != other.ID {
		t.Fatalf("post-reversal update not applied: %+v", got)
	}
}

func TestListTransactionsFiltersAndPaging(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		typ := TypeIncome
		if i%2 == 1 {
			typ = TypeExpense
		}
		_, err := m.CreateTransaction(ctx, owner, TransactionInput{
			AccountID: acc.ID, Type: typ, Amount: dec("10").Mul(decimal.NewFromInt(int64(i + 1))),
			Currency: "USD", Date: base.AddDate(0, 0, i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	items, page, err := m.ListTransactions(ctx, owner, TransactionFilter{Type: TypeIncome})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 || page.TotalItems != 3 {
		t.Fatalf("income filter: %d items, total %d", len(items), page.TotalItems)
	}

	min := dec("25")
	items, _, _ = m.ListTransactions(ctx, owner, TransactionFilter{MinAmount: &min})
	if len(items) != 3 {
		t.Fatalf("min amount filter: %d items", len(items))
	}

	items, page, _ = m.ListTransactions(ctx, owner, TransactionFilter{Limit: 2, Page: 2, SortBy: "date"})
	if len(items) != 2 || page.TotalPages != 3 || page.CurrentPage != 2 {
		t.Fatalf("paging: %d items, %+v", len(items), page)
	}
	if !items[0].Date.Equal(base.AddDate(0, 0, 2)) {
		t.Fatalf("page 2 must start at the third date, got %s", items[0].Date)
	}

	items, _, _ = m.ListTransactions(ctx, owner, TransactionFilter{SortBy: "amount", SortDesc: true})
	if !items[0].Amount.Equal(dec("50")) {
		t.Fatalf("descending amount sort, first item %s", items[0].Amount)
	}
}

func TestSaleDerivation(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")

	sale, err := m.CreateSale(ctx, owner, SaleInput{
		SubTotal: dec("200"), TaxAmount: dec("20"), TotalAmountDue: dec("220"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if sale.Status != SalePending || !sale.AmountPaid.IsZero() {
		t.Fatalf("new sale: status=%s paid=%s", sale.Status, sale.AmountPaid)
	}

	half, err := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeIncome, Amount: dec("100"), Currency: "USD",
	})
	if err != nil {
		t.Fatal(err)
	}
	sale, err = m.LinkPayment(ctx, owner, sale.ID, half.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sale.Status != SalePartiallyPaid || !sale.AmountPaid.Equal(dec("100")) {
		t.Fatalf("after partial payment: status=%s paid=%s", sale.Status, sale.AmountPaid)
	}

	rest, _ := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeIncome, Amount: dec("120"), Currency: "USD",
	})
	sale, _ = m.LinkPayment(ctx, owner, sale.ID, rest.ID)
	if sale.Status != SalePaid || !sale.AmountPaid.Equal(dec("220")) {
		t.Fatalf("after full payment: status=%s paid=%s", sale.Status, sale.AmountPaid)
	}
	if len(sale.Payments) != 2 {
		t.Fatalf("payments must be expanded, got %d", len(sale.Payments))
	}

	// Linking the same transaction twice is idempotent.
	sale, _ = m.LinkPayment(ctx, owner, sale.ID, rest.ID)
	if !sale.AmountPaid.Equal(dec("220")) {
		t.Fatalf("duplicate link must not double-count: %s", sale.AmountPaid)
	}

	// A cancelled payment no longer counts.
	cancelled := StatusCancelled
	if _, err := m.UpdateTransaction(ctx, owner, rest.ID, TransactionUpdate{Status: &cancelled}); err != nil {
		t.Fatal(err)
	}
	sale, _ = m.GetSale(ctx, owner, sale.ID)
	if sale.Status != SalePartiallyPaid || !sale.AmountPaid.Equal(dec("100")) {
		t.Fatalf("after payment cancellation: status=%s paid=%s", sale.Status, sale.AmountPaid)
	}
}

func TestSaleAmountPaidNotWritable(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	sale, _ := m.CreateSale(ctx, owner, SaleInput{
		SubTotal: dec("10"), TaxAmount: dec("0"), TotalAmountDue: dec("10"),
	})
	paid := dec("10")
	if _, err := m.UpdateSale(ctx, owner, sale.ID, SaleUpdate{AmountPaid: &paid}); !IsValidation(err) {
		t.Fatalf("direct amountPaid write: %v", err)
	}
}

func TestSaleTerminalStatusAndOverdue(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	past := time.Now().UTC().Add(-24 * time.Hour)
	sale, err := m.CreateSale(ctx, owner, SaleInput{
		SubTotal: dec("50"), TaxAmount: dec("0"), TotalAmountDue: dec("50"), DueDate: &past,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetSale(ctx, owner, sale.ID)
	if got.Status != SaleOverdue {
		t.Fatalf("past due date must derive overdue, got %s", got.Status)
	}

	cancelledStatus := SaleCancelled
	got, err = m.UpdateSale(ctx, owner, sale.ID, SaleUpdate{Status: &cancelledStatus})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != SaleCancelled {
		t.Fatalf("cancelled is terminal, got %s", got.Status)
	}

	paidStatus := SalePaid
	if _, err := m.UpdateSale(ctx, owner, sale.ID, SaleUpdate{Status: &paidStatus}); !IsValidation(err) {
		t.Fatalf("derived states must not be settable: %v", err)
	}
}

func TestSaleCreationValidation(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	if _, err := m.CreateSale(ctx, owner, SaleInput{
		SubTotal: dec("-1"), TaxAmount: dec("0"), TotalAmountDue: dec("0"),
	}); !IsValidation(err) {
		t.Fatalf("negative subtotal: %v", err)
	}

	// totalAmountDue below subtotal + tax - discount.
	if _, err := m.CreateSale(ctx, owner, SaleInput{
		SubTotal: dec("100"), TaxAmount: dec("10"), TotalAmountDue: dec("50"),
	}); !IsValidation(err) {
		t.Fatalf("undershooting total: %v", err)
	}

	pct := dec("10")
	amt := dec("5")
	if _, err := m.CreateSale(ctx, owner, SaleInput{
		SubTotal: dec("100"), TaxAmount: dec("0"), TotalAmountDue: dec("100"),
		Discount: &Discount{Amount: &amt, Percentage: &pct},
	}); !IsValidation(err) {
		t.Fatalf("flat xor percentage: %v", err)
	}

	// Percentage discount: 100 + 10 tax - 10% of 100 = 100.
	sale, err := m.CreateSale(ctx, owner, SaleInput{
		SubTotal: dec("100"), TaxAmount: dec("10"), TotalAmountDue: dec("100"),
		Discount: &Discount{Percentage: &pct},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sale.Status != SalePending {
		t.Fatalf("unexpected status %s", sale.Status)
	}
}

func TestTransferLegAmendmentsRefused(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	src := newAccount(t, m, "Source", "USD")
	dst := newAccount(t, m, "Destination", "USD")

	tx, err := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: src.ID, ToAccountID: dst.ID, Type: TypeTransfer,
		Amount: dec("50"), Currency: "USD", Status: StatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	bigger := dec("80")
	if _, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Amount: &bigger}); !IsValidation(err) {
		t.Fatalf("amount edit on a transfer leg must be refused, got %v", err)
	}
	later := time.Now().UTC().Add(24 * time.Hour)
	if _, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Date: &later}); !IsValidation(err) {
		t.Fatalf("date edit on a transfer leg must be refused, got %v", err)
	}
	counterpart, err := m.GetTransaction(ctx, owner, tx.RelatedTransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpdateTransaction(ctx, owner, counterpart.ID, TransactionUpdate{Amount: &bigger}); !IsValidation(err) {
		t.Fatalf("amount edit on the inbound leg must be refused, got %v", err)
	}

	// Completing after the refused edits still moves one amount both ways.
	completed := StatusCompleted
	if _, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Status: &completed}); err != nil {
		t.Fatal(err)
	}
	gotSrc, _ := m.GetAccount(ctx, owner, src.ID)
	gotDst, _ := m.GetAccount(ctx, owner, dst.ID)
	if !gotSrc.CurrentBalance.Equal(dec("-50")) || !gotDst.CurrentBalance.Equal(dec("50")) {
		t.Fatalf("transfer balances: src=%s dst=%s", gotSrc.CurrentBalance, gotDst.CurrentBalance)
	}
	if !gotSrc.CurrentBalance.Add(gotDst.CurrentBalance).IsZero() {
		t.Fatalf("transfer created or destroyed money: src=%s dst=%s", gotSrc.CurrentBalance, gotDst.CurrentBalance)
	}
}

func TestSaleDuplicatePaymentLinkCountsOnce(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")

	sale, err := m.CreateSale(ctx, owner, SaleInput{
		SubTotal: dec("100"), TotalAmountDue: dec("100"),
	})
	if err != nil {
		t.Fatal(err)
	}
	pay, err := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeIncome, Amount: dec("100"), Currency: "USD",
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.UpdateSale(ctx, owner, sale.ID, SaleUpdate{
		PaymentTransactions: []string{pay.ID, pay.ID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.PaymentTransactions) != 1 {
		t.Fatalf("linked payments must form a set, got %v", got.PaymentTransactions)
	}
	if !got.AmountPaid.Equal(dec("100")) {
		t.Fatalf("amountPaid = %s, want 100", got.AmountPaid)
	}
	if got.Status != SalePaid {
		t.Fatalf("status = %s, want paid", got.Status)
	}
}

func TestRecurringTransactionSchedulesNextDue(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	acc := newAccount(t, m, "Main", "USD")

	date := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	tx, err := m.CreateTransaction(ctx, owner, TransactionInput{
		AccountID: acc.ID, Type: TypeExpense, Amount: dec("10"), Currency: "USD",
		Date: date, IsRecurring: true,
		Recurrence: &Recurrence{Frequency: FreqMonthly},
	})
	if err != nil {
		t.Fatal(err)
	}
	if tx.Recurrence == nil || tx.Recurrence.NextDueDate == nil {
		t.Fatal("recurring transaction must get a next due date")
	}
	want := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	if !tx.Recurrence.NextDueDate.Equal(want) {
		t.Fatalf("next due = %s, want %s", tx.Recurrence.NextDueDate, want)
	}

	// Replacing the schedule on update re-derives the next occurrence.
	weekly := &Recurrence{Frequency: FreqWeekly}
	updated, err := m.UpdateTransaction(ctx, owner, tx.ID, TransactionUpdate{Recurrence: weekly})
	if err != nil {
		t.Fatal(err)
	}
	want = date.AddDate(0, 0, 7)
	if updated.Recurrence.NextDueDate == nil || !updated.Recurrence.NextDueDate.Equal(want) {
		t.Fatalf("next due after update = %v, want %s", updated.Recurrence.NextDueDate, want)
	}
}
