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
	"finledger.org/internal/stream"
)

const transactionColumns = `id, user_id, account_id, type, amount, currency, date, description,
	category, status, payment_method, transaction_ref, related_transaction_id, transfer_direction,
	tags, is_recurring, recurrence, attachments, applied_delta, created_at, updated_at`

func scanTransaction(row interface{ Scan(...any) error }) (ledger.Transaction, error) {
	var t ledger.Transaction
	var tags, recurrence, attachments []byte
	err := row.Scan(&t.ID, &t.UserID, &t.AccountID, &t.Type, &t.Amount, &t.Currency, &t.Date,
		&t.Description, &t.Category, &t.Status, &t.PaymentMethod, &t.TransactionRef,
		&t.RelatedTransactionID, &t.Direction, &tags, &t.IsRecurring, &recurrence,
		&attachments, &t.AppliedDelta, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := unmarshalJSONB(tags, &t.Tags); err != nil {
		return ledger.Transaction{}, err
	}
	if err := unmarshalJSONB(recurrence, &t.Recurrence); err != nil {
		return ledger.Transaction{}, err
	}
	if err := unmarshalJSONB(attachments, &t.Attachments); err != nil {
		return ledger.Transaction{}, err
	}
	return t, nil
}

func (s *Store) lockAccount(ctx context.Context, tx *sql.Tx, id string) (ledger.Account, error) {
	row := tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id=$1 for update`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	return acc, err
}

// lockAccounts takes row locks in sorted id order so concurrent transfers
// touching the same pair cannot deadlock.
func (s *Store) lockAccounts(ctx context.Context, tx *sql.Tx, accountIDs ...string) (map[string]*ledger.Account, error) {
	locked := make(map[string]*ledger.Account, len(accountIDs))
	for _, id := range sortedIDs(accountIDs...) {
		if _, ok := locked[id]; ok {
			continue
		}
		acc, err := s.lockAccount(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = &acc
	}
	return locked, nil
}

func (s *Store) insertTransaction(ctx context.Context, tx *sql.Tx, t *ledger.Transaction) error {
	tags, err := marshalJSONB(t.Tags)
	if err != nil {
		return err
	}
	recurrence, err := marshalJSONB(t.Recurrence)
	if err != nil {
		return err
	}
	attachments, err := marshalJSONB(t.Attachments)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into transactions(id, user_id, account_id, type, amount, currency, date, description,
			category, status, payment_method, transaction_ref, related_transaction_id, transfer_direction,
			tags, is_recurring, recurrence, attachments, applied_delta, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, t.ID, t.UserID, t.AccountID, t.Type, t.Amount, t.Currency, t.Date, t.Description,
		t.Category, t.Status, t.PaymentMethod, t.TransactionRef, t.RelatedTransactionID, t.Direction,
		tags, t.IsRecurring, recurrence, attachments, t.AppliedDelta, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return ledger.Conflictf("transaction reference %q already exists", t.TransactionRef)
	}
	return err
}

func (s *Store) CreateTransaction(ctx context.Context, owner string, in ledger.TransactionInput) (ledger.Transaction, error) {
	if _, err := ledger.ParseTransactionType(string(in.Type)); err != nil {
		return ledger.Transaction{}, err
	}
	if !in.Amount.IsPositive() {
		return ledger.Transaction{}, ledger.InvalidField("amount", "must be greater than zero")
	}
	currency, err := ledger.NormalizeCurrency(in.Currency)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status := in.Status
	if status == "" {
		status = ledger.StatusCompleted
	}
	if _, err := ledger.ParseTransactionStatus(string(status)); err != nil {
		return ledger.Transaction{}, err
	}
	if in.Category != "" {
		if _, err := ledger.ParseTransactionCategory(string(in.Category)); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if in.PaymentMethod != "" {
		if _, err := ledger.ParsePaymentMethod(string(in.PaymentMethod)); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if in.Recurrence != nil {
		if _, err := ledger.ParseRecurrenceFrequency(string(in.Recurrence.Frequency)); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if in.Type == ledger.TypeTransfer && strings.TrimSpace(in.ToAccountID) == "" {
		return ledger.Transaction{}, ledger.InvalidField("toAccountId", "required for transfers")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	accountIDs := []string{in.AccountID}
	if in.Type == ledger.TypeTransfer {
		accountIDs = append(accountIDs, in.ToAccountID)
	}
	locked, err := s.lockAccounts(ctx, tx, accountIDs...)
	if err != nil {
		return ledger.Transaction{}, err
	}
	acc := locked[in.AccountID]
	if err := authz.MayAccess(owner, acc.UserID); err != nil {
		return ledger.Transaction{}, err
	}
	if acc.Currency != currency {
		return ledger.Transaction{}, ledger.Invalidf("transaction currency (%s) does not match account currency (%s)", currency, acc.Currency)
	}
	var dest *ledger.Account
	if in.Type == ledger.TypeTransfer {
		dest = locked[in.ToAccountID]
		if err := authz.MayAccess(owner, dest.UserID); err != nil {
			return ledger.Transaction{}, err
		}
		if dest.Currency != currency {
			return ledger.Transaction{}, ledger.Invalidf("transaction currency (%s) does not match destination account currency (%s)", currency, dest.Currency)
		}
	}

	now := s.now()
	date := in.Date
	if date.IsZero() {
		date = now
	}
	t := ledger.Transaction{
		ID:             ids.New(),
		UserID:         owner,
		AccountID:      in.AccountID,
		Type:           in.Type,
		Amount:         in.Amount,
		Currency:       currency,
		Date:           date,
		Description:    in.Description,
		Category:       in.Category,
		Status:         status,
		PaymentMethod:  in.PaymentMethod,
		TransactionRef: strings.TrimSpace(in.TransactionRef),
		Tags:           in.Tags,
		IsRecurring:    in.IsRecurring,
		Recurrence:     ledger.ScheduleNextDue(in.Recurrence, date),
		Attachments:    in.Attachments,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	var counterpart *ledger.Transaction
	if in.Type == ledger.TypeTransfer {
		t.Direction = ledger.DirectionOutbound
		counterpart = &ledger.Transaction{
			ID:                   ids.New(),
			UserID:               owner,
			AccountID:            dest.ID,
			Type:                 ledger.TypeTransfer,
			Amount:               in.Amount,
			Currency:             currency,
			Date:                 date,
			Description:          in.Description,
			Category:             in.Category,
			Status:               status,
			Direction:            ledger.DirectionInbound,
			RelatedTransactionID: t.ID,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		t.RelatedTransactionID = counterpart.ID
	}

	var pending []stream.Event
	if status == ledger.StatusCompleted {
		if err := s.applyEffect(ctx, tx, &t, acc, &pending); err != nil {
			return ledger.Transaction{}, err
		}
		if counterpart != nil {
			if err := s.applyEffect(ctx, tx, counterpart, dest, &pending); err != nil {
				return ledger.Transaction{}, err
			}
		}
	}

	if err := s.insertTransaction(ctx, tx, &t); err != nil {
		return ledger.Transaction{}, err
	}
	if counterpart != nil {
		if err := s.insertTransaction(ctx, tx, counterpart); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}
	s.publish(pending)
	return t, nil
}

// applyEffect moves the account balance by the transaction's signed delta
// and records applied_delta on the row for later exact reversal. On a
// currency mismatch the balance stays untouched and the mismatch is
// surfaced to operators.
func (s *Store) applyEffect(ctx context.Context, tx *sql.Tx, t *ledger.Transaction, acc *ledger.Account, pending *[]stream.Event) error {
	delta := ledger.EffectDelta(*t)
	if err := ledger.MatchCurrency(acc.Currency, t.Currency); errors.Is(err, ledger.ErrCurrencyMismatch) {
		obs.Warn("currency mismatch, balance not updated", map[string]any{
			"transaction_id":   t.ID,
			"account_id":       acc.ID,
			"tx_currency":      t.Currency,
			"account_currency": acc.Currency,
		})
		obs.IncCurrencyMismatch()
		*pending = append(*pending, stream.Event{
			Type:          stream.EventCurrencyMismatch,
			AccountID:     acc.ID,
			TransactionID: t.ID,
			Currency:      t.Currency,
			Delta:         delta,
			Timestamp:     s.now(),
		})
		return nil
	}
	acc.CurrentBalance = acc.CurrentBalance.Add(delta)
	if _, err := tx.ExecContext(ctx, `
		update accounts set current_balance=$2, updated_at=$3 where id=$1
	`, acc.ID, acc.CurrentBalance, s.now()); err != nil {
		return err
	}
	t.AppliedDelta = delta
	obs.IncBalanceEffect("apply")
	*pending = append(*pending, stream.Event{
		Type:          stream.EventBalanceApplied,
		AccountID:     acc.ID,
		TransactionID: t.ID,
		Currency:      t.Currency,
		Delta:         delta,
		Timestamp:     s.now(),
	})
	return nil
}

// reverseEffect undoes exactly what applyEffect applied, once.
func (s *Store) reverseEffect(ctx context.Context, tx *sql.Tx, t *ledger.Transaction, acc *ledger.Account, pending *[]stream.Event) error {
	if t.AppliedDelta.IsZero() {
		return nil
	}
	acc.CurrentBalance = acc.CurrentBalance.Sub(t.AppliedDelta)
	if _, err := tx.ExecContext(ctx, `
		update accounts set current_balance=$2, updated_at=$3 where id=$1
	`, acc.ID, acc.CurrentBalance, s.now()); err != nil {
		return err
	}
	delta := t.AppliedDelta.Neg()
	t.AppliedDelta = decimal.Zero
	obs.IncBalanceEffect("reverse")
	*pending = append(*pending, stream.Event{
		Type:          stream.EventBalanceReversed,
		AccountID:     acc.ID,
		TransactionID: t.ID,
		Currency:      t.Currency,
		Delta:         delta,
		Timestamp:     s.now(),
	})
	return nil
}

func (s *Store) publish(events []stream.Event) {
	for _, ev := range events {
		s.events.Publish(ev)
	}
}

func (s *Store) GetTransaction(ctx context.Context, owner, id string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `select `+transactionColumns+` from transactions where id=$1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := authz.MayAccess(owner, t.UserID); err != nil {
		return ledger.Transaction{}, err
	}
	return t, nil
}

var transactionSortColumns = map[string]string{
	"date":      "date",
	"amount":    "amount",
	"createdAt": "created_at",
}

func (s *Store) ListTransactions(ctx context.Context, owner string, f ledger.TransactionFilter) ([]ledger.Transaction, ledger.Page, error) {
	where := []string{"user_id = $1"}
	args := []any{owner}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.IsRecurring != nil {
		add("is_recurring = $%d", *f.IsRecurring)
	}
	if f.DateFrom != nil {
		add("date >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("date <= $%d", *f.DateTo)
	}
	if f.MinAmount != nil {
		add("amount >= $%d", *f.MinAmount)
	}
	if f.MaxAmount != nil {
		add("amount <= $%d", *f.MaxAmount)
	}
	cond := strings.Join(where, " and ")

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from transactions where `+cond, args...).Scan(&total); err != nil {
		return nil, ledger.Page{}, err
	}

	page, limit := ledger.NormalizePaging(f.Page, f.Limit)
	sortCol, ok := transactionSortColumns[f.SortBy]
	if !ok {
		sortCol = "date"
	}
	dir := "asc"
	if f.SortDesc {
		dir = "desc"
	}
	query := fmt.Sprintf(`select %s from transactions where %s order by %s %s, id limit $%d offset $%d`,
		transactionColumns, cond, sortCol, dir, len(args)+1, len(args)+2)
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.Page{}, err
	}
	defer rows.Close()

	out := []ledger.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, ledger.Page{}, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Page{}, err
	}
	return out, ledger.MakePage(page, limit, total), nil
}

func (s *Store) UpdateTransaction(ctx context.Context, owner, id string, upd ledger.TransactionUpdate) (ledger.Transaction, error) {
	if upd.Amount != nil && !upd.Amount.IsPositive() {
		return ledger.Transaction{}, ledger.InvalidField("amount", "must be greater than zero")
	}
	if upd.Category != nil && *upd.Category != "" {
		if _, err := ledger.ParseTransactionCategory(string(*upd.Category)); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if upd.PaymentMethod != nil && *upd.PaymentMethod != "" {
		if _, err := ledger.ParsePaymentMethod(string(*upd.PaymentMethod)); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if upd.Recurrence != nil {
		if _, err := ledger.ParseRecurrenceFrequency(string(upd.Recurrence.Frequency)); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if upd.Status != nil {
		if _, err := ledger.ParseTransactionStatus(string(*upd.Status)); err != nil {
			return ledger.Transaction{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+transactionColumns+` from transactions where id=$1 for update`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := authz.MayAccess(owner, t.UserID); err != nil {
		return ledger.Transaction{}, err
	}

	// Amount, account and currency are frozen while an applied effect is
	// outstanding; reverse the effect first (cancel/refund), then amend.
	if t.Status == ledger.StatusCompleted {
		if upd.Amount != nil && !upd.Amount.Equal(t.Amount) {
			return ledger.Transaction{}, ledger.InvalidField("amount", "immutable while the balance effect is applied")
		}
		if upd.AccountID != nil && *upd.AccountID != t.AccountID {
			return ledger.Transaction{}, ledger.InvalidField("accountId", "immutable while the balance effect is applied")
		}
		if upd.Currency != nil && !strings.EqualFold(*upd.Currency, t.Currency) {
			return ledger.Transaction{}, ledger.InvalidField("currency", "immutable while the balance effect is applied")
		}
	}

	// A transfer is one movement of one amount; a leg cannot drift from its
	// counterpart. Cancel and recreate the transfer to amend these fields.
	if t.Type == ledger.TypeTransfer {
		if upd.Amount != nil && !upd.Amount.Equal(t.Amount) {
			return ledger.Transaction{}, ledger.InvalidField("amount", "transfer legs cannot be amended independently")
		}
		if upd.Currency != nil && !strings.EqualFold(*upd.Currency, t.Currency) {
			return ledger.Transaction{}, ledger.InvalidField("currency", "transfer legs cannot be amended independently")
		}
		if upd.Date != nil && !upd.Date.Equal(t.Date) {
			return ledger.Transaction{}, ledger.InvalidField("date", "transfer legs cannot be amended independently")
		}
	}

	var counterpart *ledger.Transaction
	if t.Type == ledger.TypeTransfer && t.RelatedTransactionID != "" {
		crow := tx.QueryRowContext(ctx, `select `+transactionColumns+` from transactions where id=$1 for update`, t.RelatedTransactionID)
		c, err := scanTransaction(crow)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, err
		}
		if err == nil {
			counterpart = &c
		}
	}

	newCurrency := t.Currency
	if upd.Currency != nil {
		c, err := ledger.NormalizeCurrency(*upd.Currency)
		if err != nil {
			return ledger.Transaction{}, err
		}
		newCurrency = c
	}

	accountIDs := []string{t.AccountID}
	if upd.AccountID != nil && *upd.AccountID != t.AccountID {
		accountIDs = append(accountIDs, *upd.AccountID)
	}
	if counterpart != nil {
		accountIDs = append(accountIDs, counterpart.AccountID)
	}
	locked, err := s.lockAccounts(ctx, tx, accountIDs...)
	if err != nil {
		return ledger.Transaction{}, err
	}

	if upd.AccountID != nil && *upd.AccountID != t.AccountID {
		if t.Type == ledger.TypeTransfer {
			return ledger.Transaction{}, ledger.InvalidField("accountId", "transfer legs cannot be reassigned")
		}
		next := locked[*upd.AccountID]
		if err := authz.MayAccess(owner, next.UserID); err != nil {
			return ledger.Transaction{}, err
		}
		if next.Currency != newCurrency {
			return ledger.Transaction{}, ledger.Invalidf("transaction currency (%s) does not match account currency (%s)", newCurrency, next.Currency)
		}
		t.AccountID = next.ID
	} else if upd.Currency != nil {
		acc := locked[t.AccountID]
		if acc.Currency != newCurrency {
			return ledger.Transaction{}, ledger.Invalidf("transaction currency (%s) does not match account currency (%s)", newCurrency, acc.Currency)
		}
	}
	t.Currency = newCurrency

	if upd.TransactionRef != nil {
		t.TransactionRef = strings.TrimSpace(*upd.TransactionRef)
	}
	if upd.Amount != nil {
		t.Amount = *upd.Amount
	}
	if upd.Date != nil {
		t.Date = *upd.Date
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Category != nil {
		t.Category = *upd.Category
	}
	if upd.PaymentMethod != nil {
		t.PaymentMethod = *upd.PaymentMethod
	}
	if upd.Tags != nil {
		t.Tags = upd.Tags
	}
	if upd.IsRecurring != nil {
		t.IsRecurring = *upd.IsRecurring
	}
	if upd.Recurrence != nil {
		t.Recurrence = ledger.ScheduleNextDue(upd.Recurrence, t.Date)
	}
	if upd.Attachments != nil {
		t.Attachments = upd.Attachments
	}

	var pending []stream.Event
	now := s.now()
	legs := []*ledger.Transaction{&t}
	if counterpart != nil {
		legs = append(legs, counterpart)
	}
	if upd.Status != nil && *upd.Status != t.Status {
		next := *upd.Status
		for _, leg := range legs {
			prev := leg.Status
			leg.Status = next
			// The effect fires only on the transition edge, never on a
			// plain re-save of an already-completed transaction.
			acc := locked[leg.AccountID]
			if next == ledger.StatusCompleted && prev != ledger.StatusCompleted {
				if err := s.applyEffect(ctx, tx, leg, acc, &pending); err != nil {
					return ledger.Transaction{}, err
				}
			} else if next != ledger.StatusCompleted && prev == ledger.StatusCompleted {
				if err := s.reverseEffect(ctx, tx, leg, acc, &pending); err != nil {
					return ledger.Transaction{}, err
				}
			}
			leg.UpdatedAt = now
		}
	} else {
		t.UpdatedAt = now
	}

	for _, leg := range legs {
		if err := s.updateTransactionRow(ctx, tx, leg); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}
	s.publish(pending)
	return t, nil
}

func (s *Store) updateTransactionRow(ctx context.Context, tx *sql.Tx, t *ledger.Transaction) error {
	tags, err := marshalJSONB(t.Tags)
	if err != nil {
		return err
	}
	recurrence, err := marshalJSONB(t.Recurrence)
	if err != nil {
		return err
	}
	attachments, err := marshalJSONB(t.Attachments)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		update transactions set account_id=$2, amount=$3, currency=$4, date=$5, description=$6,
			category=$7, status=$8, payment_method=$9, transaction_ref=$10, tags=$11,
			is_recurring=$12, recurrence=$13, attachments=$14, applied_delta=$15, updated_at=$16
		where id=$1
	`, t.ID, t.AccountID, t.Amount, t.Currency, t.Date, t.Description,
		t.Category, t.Status, t.PaymentMethod, t.TransactionRef, tags,
		t.IsRecurring, recurrence, attachments, t.AppliedDelta, t.UpdatedAt)
	if isUniqueViolation(err) {
		return ledger.Conflictf("transaction reference %q already exists", t.TransactionRef)
	}
	return err
}
