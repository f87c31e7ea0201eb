package pg

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"finledger.org/internal/authz"
	"finledger.org/internal/ledger"
)

const owner = "user-1"

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, opts...), mock
}

func accountRows(id, name, currency, balance string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "user_id", "name", "type", "currency", "current_balance", "created_at", "updated_at",
	}).AddRow(id, owner, name, "checking", currency, balance, now, now)
}

func transactionRows(id, accountID, typ, amount, currency, status, appliedDelta string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "user_id", "account_id", "type", "amount", "currency", "date", "description",
		"category", "status", "payment_method", "transaction_ref", "related_transaction_id",
		"transfer_direction", "tags", "is_recurring", "recurrence", "attachments",
		"applied_delta", "created_at", "updated_at",
	}).AddRow(id, owner, accountID, typ, amount, currency, now, "",
		"", status, "", "", "", "", nil, false, nil, nil, appliedDelta, now, now)
}

func TestCreateAccountInsertsRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("insert into accounts").
		WithArgs(sqlmock.AnyArg(), owner, "Main", "checking", "USD", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	acc, err := s.CreateAccount(context.Background(), owner, ledger.AccountInput{
		Name: "Main", Type: ledger.AccountChecking, Currency: "usd",
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if acc.Currency != "USD" || !acc.CurrentBalance.IsZero() {
		t.Fatalf("unexpected account: %+v", acc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateAccountDuplicateName(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("insert into accounts").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.CreateAccount(context.Background(), owner, ledger.AccountInput{
		Name: "Main", Type: ledger.AccountChecking, Currency: "USD",
	})
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCreateAccountRejectsBadInput(t *testing.T) {
	s, _ := newMockStore(t)
	ctx := context.Background()

	if _, err := s.CreateAccount(ctx, owner, ledger.AccountInput{
		Name: "", Type: ledger.AccountChecking, Currency: "USD",
	}); !ledger.IsValidation(err) {
		t.Fatalf("blank name: %v", err)
	}
	if _, err := s.CreateAccount(ctx, owner, ledger.AccountInput{
		Name: "Main", Type: "wallet", Currency: "USD",
	}); !ledger.IsValidation(err) {
		t.Fatalf("bad type: %v", err)
	}
	if _, err := s.CreateAccount(ctx, owner, ledger.AccountInput{
		Name: "Main", Type: ledger.AccountChecking, Currency: "ZZZZ",
	}); !ledger.IsValidation(err) {
		t.Fatalf("bad currency: %v", err)
	}
}

func TestGetAccountNotFoundAndForbidden(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("select (.+) from accounts where id=").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := s.GetAccount(ctx, owner, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("missing account: %v", err)
	}

	mock.ExpectQuery("select (.+) from accounts where id=").
		WithArgs("acc-1").
		WillReturnRows(accountRows("acc-1", "Main", "USD", "0"))
	if _, err := s.GetAccount(ctx, "someone-else", "acc-1"); !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("foreign account: %v", err)
	}
}

func TestCreateIncomeAppliesBalance(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from accounts where id=(.+) for update").
		WithArgs("acc-1").
		WillReturnRows(accountRows("acc-1", "Main", "USD", "0"))
	mock.ExpectExec("update accounts set current_balance=").
		WithArgs("acc-1", decArg("100"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.CreateTransaction(context.Background(), owner, ledger.TransactionInput{
		AccountID: "acc-1", Type: ledger.TypeIncome, Amount: dec("100"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if tx.Status != ledger.StatusCompleted || !tx.AppliedDelta.Equal(dec("100")) {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateTransactionCurrencyGuard(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from accounts where id=(.+) for update").
		WithArgs("acc-1").
		WillReturnRows(accountRows("acc-1", "Main", "USD", "0"))
	mock.ExpectRollback()

	_, err := s.CreateTransaction(context.Background(), owner, ledger.TransactionInput{
		AccountID: "acc-1", Type: ledger.TypeIncome, Amount: dec("100"), Currency: "EUR",
	})
	if !ledger.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCancelReversesBalance(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from transactions where id=(.+) for update").
		WithArgs("tx-1").
		WillReturnRows(transactionRows("tx-1", "acc-1", "income", "100", "USD", "completed", "100"))
	mock.ExpectQuery("select (.+) from accounts where id=(.+) for update").
		WithArgs("acc-1").
		WillReturnRows(accountRows("acc-1", "Main", "USD", "100"))
	mock.ExpectExec("update accounts set current_balance=").
		WithArgs("acc-1", decArg("0"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update transactions set").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cancelled := ledger.StatusCancelled
	tx, err := s.UpdateTransaction(context.Background(), owner, "tx-1", ledger.TransactionUpdate{Status: &cancelled})
	if err != nil {
		t.Fatalf("UpdateTransaction: %v", err)
	}
	if tx.Status != ledger.StatusCancelled || !tx.AppliedDelta.IsZero() {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateTransactionImmutableWhileCompleted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from transactions where id=(.+) for update").
		WithArgs("tx-1").
		WillReturnRows(transactionRows("tx-1", "acc-1", "income", "100", "USD", "completed", "100"))
	mock.ExpectRollback()

	amt := dec("200")
	_, err := s.UpdateTransaction(context.Background(), owner, "tx-1", ledger.TransactionUpdate{Amount: &amt})
	if !ledger.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateTransferLegAmountRefused(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "account_id", "type", "amount", "currency", "date", "description",
		"category", "status", "payment_method", "transaction_ref", "related_transaction_id",
		"transfer_direction", "tags", "is_recurring", "recurrence", "attachments",
		"applied_delta", "created_at", "updated_at",
	}).AddRow("tx-out", owner, "acc-1", "transfer", "50", "USD", now, "",
		"", "pending", "", "", "tx-in", "outbound", nil, false, nil, nil, "0", now, now)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from transactions where id=(.+) for update").
		WithArgs("tx-out").
		WillReturnRows(rows)
	mock.ExpectRollback()

	amt := dec("80")
	_, err := s.UpdateTransaction(context.Background(), owner, "tx-out", ledger.TransactionUpdate{Amount: &amt})
	if !ledger.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteAccountGuards(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from accounts where id=(.+) for update").
		WithArgs("acc-1").
		WillReturnRows(accountRows("acc-1", "Main", "USD", "0"))
	mock.ExpectQuery("select count(.+) from transactions where account_id=").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	if err := s.DeleteAccount(ctx, owner, "acc-1"); !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("account with transactions: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from accounts where id=(.+) for update").
		WithArgs("acc-2").
		WillReturnRows(accountRows("acc-2", "Other", "USD", "50"))
	mock.ExpectQuery("select count(.+) from transactions where account_id=").
		WithArgs("acc-2").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	if err := s.DeleteAccount(ctx, owner, "acc-2"); !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("account with balance: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateSaleAndLinkPayment(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("insert into sales").
		WillReturnResult(sqlmock.NewResult(0, 1))
	sale, err := s.CreateSale(ctx, owner, ledger.SaleInput{
		SubTotal: dec("200"), TaxAmount: dec("20"), TotalAmountDue: dec("220"),
	})
	if err != nil {
		t.Fatalf("CreateSale: %v", err)
	}
	if sale.Status != ledger.SalePending {
		t.Fatalf("unexpected status: %s", sale.Status)
	}

	saleRow := func() *sqlmock.Rows {
		now := time.Now().UTC()
		return sqlmock.NewRows([]string{
			"id", "user_id", "sub_total", "discount", "tax_amount", "total_amount_due",
			"notes", "sale_date", "due_date", "finalized", "refunded", "status", "created_at", "updated_at",
		}).AddRow(sale.ID, owner, "200", nil, "20", "220", "", now, nil, false, false, "pending", now, now)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from sales s where s.id=(.+) for update").
		WithArgs(sale.ID).
		WillReturnRows(saleRow())
	mock.ExpectQuery("select user_id from transactions where id=").
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(owner))
	mock.ExpectExec("insert into sale_payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select (.+) from sale_payments sp").
		WithArgs(sale.ID).
		WillReturnRows(transactionRows("tx-1", "acc-1", "income", "220", "USD", "completed", "220"))
	mock.ExpectCommit()

	got, err := s.LinkPayment(ctx, owner, sale.ID, "tx-1")
	if err != nil {
		t.Fatalf("LinkPayment: %v", err)
	}
	if got.Status != ledger.SalePaid || !got.AmountPaid.Equal(dec("220")) {
		t.Fatalf("unexpected sale: status=%s paid=%s", got.Status, got.AmountPaid)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateSaleRejectsAmountPaid(t *testing.T) {
	s, _ := newMockStore(t)
	paid := dec("10")
	_, err := s.UpdateSale(context.Background(), owner, "sale-1", ledger.SaleUpdate{AmountPaid: &paid})
	if !ledger.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// decArg matches a decimal argument by numeric value rather than string form.
type decArg string

func (d decArg) Match(v driver.Value) bool {
	want := dec(string(d))
	switch x := v.(type) {
	case string:
		got, err := decimal.NewFromString(x)
		return err == nil && got.Equal(want)
	case []byte:
		got, err := decimal.NewFromString(string(x))
		return err == nil && got.Equal(want)
	case float64:
		return decimal.NewFromFloat(x).Equal(want)
	case int64:
		return decimal.NewFromInt(x).Equal(want)
	}
	return false
}
