package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"finledger.org/internal/authz"
	"finledger.org/internal/ids"
	"finledger.org/internal/ledger"
	"finledger.org/internal/obs"
)

const saleColumns = `s.id, s.user_id, s.sub_total, s.discount, s.tax_amount, s.total_amount_due,
	s.notes, s.sale_date, s.due_date, s.finalized, s.refunded, s.status, s.created_at, s.updated_at`

// saleAmountPaid sums the completed inbound payments linked to a sale.
// Matches the in-Go derivation: completed income or inbound transfer legs.
const saleAmountPaid = `(
	select coalesce(sum(t.amount), 0)
	from sale_payments sp
	join transactions t on t.id = sp.transaction_id
	where sp.sale_id = s.id
	  and t.status = 'completed'
	  and (t.type = 'income' or (t.type = 'transfer' and t.transfer_direction = 'inbound'))
)`

// saleDerivedStatus computes the read-time status in SQL so listings can
// filter and page on it server-side.
const saleDerivedStatus = `(case
	when s.refunded then 'refunded'
	when s.status in ('cancelled', 'refunded') then s.status
	when p.paid >= s.total_amount_due and s.total_amount_due > 0 then 'paid'
	when s.due_date is not null and s.due_date < now() then 'overdue'
	when p.paid > 0 then 'partially_paid'
	else 'pending'
end)`

func scanSale(row interface{ Scan(...any) error }) (ledger.Sale, error) {
	var s ledger.Sale
	var discount []byte
	var dueDate sql.NullTime
	err := row.Scan(&s.ID, &s.UserID, &s.SubTotal, &discount, &s.TaxAmount, &s.TotalAmountDue,
		&s.Notes, &s.SaleDate, &dueDate, &s.Finalized, &s.Refunded, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return ledger.Sale{}, err
	}
	if dueDate.Valid {
		d := dueDate.Time
		s.DueDate = &d
	}
	if err := unmarshalJSONB(discount, &s.Discount); err != nil {
		return ledger.Sale{}, err
	}
	return s, nil
}

func (s *Store) CreateSale(ctx context.Context, owner string, in ledger.SaleInput) (ledger.Sale, error) {
	if err := ledger.ValidateSaleAmounts(in.SubTotal, in.TaxAmount, in.TotalAmountDue, in.Discount); err != nil {
		return ledger.Sale{}, err
	}

	now := s.now()
	saleDate := in.SaleDate
	if saleDate.IsZero() {
		saleDate = now
	}
	sale := ledger.Sale{
		ID:                  ids.New(),
		UserID:              owner,
		SubTotal:            in.SubTotal,
		Discount:            in.Discount,
		TaxAmount:           in.TaxAmount,
		TotalAmountDue:      in.TotalAmountDue,
		AmountPaid:          decimal.Zero,
		Status:              ledger.SalePending,
		PaymentTransactions: []string{},
		Notes:               in.Notes,
		SaleDate:            saleDate,
		DueDate:             in.DueDate,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	discount, err := marshalJSONB(sale.Discount)
	if err != nil {
		return ledger.Sale{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into sales(id, user_id, sub_total, discount, tax_amount, total_amount_due,
			notes, sale_date, due_date, finalized, refunded, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, sale.ID, sale.UserID, sale.SubTotal, discount, sale.TaxAmount, sale.TotalAmountDue,
		sale.Notes, sale.SaleDate, sale.DueDate, sale.Finalized, sale.Refunded, sale.Status,
		sale.CreatedAt, sale.UpdatedAt)
	if err != nil {
		return ledger.Sale{}, err
	}
	ledger.DeriveSale(&sale, nil, now)
	return sale, nil
}

// loadPayments fetches the linked payment transactions in link order.
func (s *Store) loadPayments(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, saleID string) ([]string, []ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		select `+transactionColumns+`
		from sale_payments sp
		join transactions on transactions.id = sp.transaction_id
		where sp.sale_id = $1
		order by sp.position
	`, saleID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	idsOut := []string{}
	var payments []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, nil, err
		}
		idsOut = append(idsOut, t.ID)
		payments = append(payments, t)
	}
	return idsOut, payments, rows.Err()
}

func (s *Store) expandSale(ctx context.Context, sale *ledger.Sale) (ledger.Sale, error) {
	txIDs, payments, err := s.loadPayments(ctx, s.db, sale.ID)
	if err != nil {
		return ledger.Sale{}, err
	}
	sale.PaymentTransactions = txIDs
	sale.Payments = payments
	ledger.DeriveSale(sale, payments, s.now())
	return *sale, nil
}

func (s *Store) GetSale(ctx context.Context, owner, id string) (ledger.Sale, error) {
	row := s.db.QueryRowContext(ctx, `select `+saleColumns+` from sales s where s.id=$1`, id)
	sale, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Sale{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Sale{}, err
	}
	if err := authz.MayAccess(owner, sale.UserID); err != nil {
		return ledger.Sale{}, err
	}
	return s.expandSale(ctx, &sale)
}

var saleSortColumns = map[string]string{
	"saleDate":       "s.sale_date",
	"totalAmountDue": "s.total_amount_due",
	"createdAt":      "s.created_at",
}

func (s *Store) ListSales(ctx context.Context, owner string, f ledger.SaleFilter) ([]ledger.Sale, ledger.Page, error) {
	where := []string{"s.user_id = $1"}
	args := []any{owner}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add(saleDerivedStatus+" = $%d", f.Status)
	}
	if f.Finalized != nil {
		add("s.finalized = $%d", *f.Finalized)
	}
	if f.Refunded != nil {
		add("s.refunded = $%d", *f.Refunded)
	}
	if f.DateFrom != nil {
		add("s.sale_date >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("s.sale_date <= $%d", *f.DateTo)
	}
	if f.MinTotal != nil {
		add("s.total_amount_due >= $%d", *f.MinTotal)
	}
	if f.MaxTotal != nil {
		add("s.total_amount_due <= $%d", *f.MaxTotal)
	}
	cond := strings.Join(where, " and ")
	from := `from sales s, lateral (select ` + saleAmountPaid + ` as paid) p`

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) `+from+` where `+cond, args...).Scan(&total); err != nil {
		return nil, ledger.Page{}, err
	}

	page, limit := ledger.NormalizePaging(f.Page, f.Limit)
	sortCol, ok := saleSortColumns[f.SortBy]
	if !ok {
		sortCol = "s.sale_date"
	}
	dir := "asc"
	if f.SortDesc {
		dir = "desc"
	}
	query := fmt.Sprintf(`select %s %s where %s order by %s %s, s.id limit $%d offset $%d`,
		saleColumns, from, cond, sortCol, dir, len(args)+1, len(args)+2)
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.Page{}, err
	}
	sales := []ledger.Sale{}
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			rows.Close()
			return nil, ledger.Page{}, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, ledger.Page{}, err
	}
	rows.Close()

	for i := range sales {
		if _, err := s.expandSale(ctx, &sales[i]); err != nil {
			return nil, ledger.Page{}, err
		}
	}
	return sales, ledger.MakePage(page, limit, total), nil
}

func (s *Store) UpdateSale(ctx context.Context, owner, id string, upd ledger.SaleUpdate) (ledger.Sale, error) {
	if upd.AmountPaid != nil {
		return ledger.Sale{}, ledger.InvalidField("amountPaid", "derived from linked payments and not directly writable")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Sale{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+saleColumns+` from sales s where s.id=$1 for update`, id)
	sale, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Sale{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Sale{}, err
	}
	if err := authz.MayAccess(owner, sale.UserID); err != nil {
		return ledger.Sale{}, err
	}

	if upd.SubTotal != nil {
		sale.SubTotal = *upd.SubTotal
	}
	if upd.TaxAmount != nil {
		sale.TaxAmount = *upd.TaxAmount
	}
	if upd.TotalAmountDue != nil {
		sale.TotalAmountDue = *upd.TotalAmountDue
	}
	if upd.Discount != nil {
		sale.Discount = upd.Discount
	}
	if err := ledger.ValidateSaleAmounts(sale.SubTotal, sale.TaxAmount, sale.TotalAmountDue, sale.Discount); err != nil {
		return ledger.Sale{}, err
	}

	if upd.PaymentTransactions != nil {
		for _, txID := range upd.PaymentTransactions {
			var txOwner string
			err := tx.QueryRowContext(ctx, `select user_id from transactions where id=$1`, txID).Scan(&txOwner)
			if errors.Is(err, sql.ErrNoRows) {
				return ledger.Sale{}, ledger.ErrNotFound
			}
			if err != nil {
				return ledger.Sale{}, err
			}
			if err := authz.MayAccess(owner, txOwner); err != nil {
				return ledger.Sale{}, err
			}
		}
		if _, err := tx.ExecContext(ctx, `delete from sale_payments where sale_id=$1`, id); err != nil {
			return ledger.Sale{}, err
		}
		for i, txID := range upd.PaymentTransactions {
			if _, err := tx.ExecContext(ctx, `
				insert into sale_payments(sale_id, transaction_id, position) values ($1,$2,$3)
				on conflict do nothing
			`, id, txID, i); err != nil {
				return ledger.Sale{}, err
			}
		}
	}

	if upd.Status != nil {
		next, err := ledger.ParseSaleStatus(string(*upd.Status))
		if err != nil {
			return ledger.Sale{}, err
		}
		if !next.Terminal() {
			return ledger.Sale{}, ledger.InvalidField("status", "only cancelled or refunded may be set; other states are derived")
		}
		sale.Status = next
		if next == ledger.SaleRefunded {
			sale.Refunded = true
		}
	}

	if upd.Notes != nil {
		sale.Notes = *upd.Notes
	}
	if upd.SaleDate != nil {
		sale.SaleDate = *upd.SaleDate
	}
	if upd.DueDate != nil {
		sale.DueDate = upd.DueDate
	}
	if upd.Finalized != nil {
		sale.Finalized = *upd.Finalized
	}
	sale.UpdatedAt = s.now()

	discount, err := marshalJSONB(sale.Discount)
	if err != nil {
		return ledger.Sale{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update sales set sub_total=$2, discount=$3, tax_amount=$4, total_amount_due=$5,
			notes=$6, sale_date=$7, due_date=$8, finalized=$9, refunded=$10, status=$11, updated_at=$12
		where id=$1
	`, sale.ID, sale.SubTotal, discount, sale.TaxAmount, sale.TotalAmountDue,
		sale.Notes, sale.SaleDate, sale.DueDate, sale.Finalized, sale.Refunded, sale.Status,
		sale.UpdatedAt); err != nil {
		return ledger.Sale{}, err
	}

	txIDs, payments, err := s.loadPayments(ctx, tx, sale.ID)
	if err != nil {
		return ledger.Sale{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Sale{}, err
	}
	sale.PaymentTransactions = txIDs
	sale.Payments = payments
	ledger.DeriveSale(&sale, payments, s.now())
	return sale, nil
}

func (s *Store) DeleteSale(ctx context.Context, owner, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+saleColumns+` from sales s where s.id=$1 for update`, id)
	sale, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := authz.MayAccess(owner, sale.UserID); err != nil {
		return err
	}

	_, payments, err := s.loadPayments(ctx, tx, id)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if ledger.InboundPayment(p) {
			obs.Warn("deleting sale with completed payments", map[string]any{
				"sale_id":        id,
				"transaction_id": p.ID,
			})
			break
		}
	}
	// sale_payments rows go with the sale via on delete cascade.
	if _, err := tx.ExecContext(ctx, `delete from sales where id=$1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) LinkPayment(ctx context.Context, owner, saleID, transactionID string) (ledger.Sale, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Sale{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+saleColumns+` from sales s where s.id=$1 for update`, saleID)
	sale, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Sale{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Sale{}, err
	}
	if err := authz.MayAccess(owner, sale.UserID); err != nil {
		return ledger.Sale{}, err
	}

	var txOwner string
	err = tx.QueryRowContext(ctx, `select user_id from transactions where id=$1`, transactionID).Scan(&txOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Sale{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Sale{}, err
	}
	if err := authz.MayAccess(owner, txOwner); err != nil {
		return ledger.Sale{}, err
	}

	// Idempotent: re-linking an already linked payment is a no-op.
	if _, err := tx.ExecContext(ctx, `
		insert into sale_payments(sale_id, transaction_id, position)
		values ($1, $2, (select coalesce(max(position)+1, 0) from sale_payments where sale_id=$1))
		on conflict do nothing
	`, saleID, transactionID); err != nil {
		return ledger.Sale{}, err
	}

	txIDs, payments, err := s.loadPayments(ctx, tx, saleID)
	if err != nil {
		return ledger.Sale{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Sale{}, err
	}
	sale.PaymentTransactions = txIDs
	sale.Payments = payments
	ledger.DeriveSale(&sale, payments, s.now())
	return sale, nil
}
