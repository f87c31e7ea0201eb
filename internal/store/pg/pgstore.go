// Package pg persists the ledger in PostgreSQL. Every mutating operation
// runs in a single SQL transaction; account rows are locked with
// select ... for update, always in sorted id order.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"finledger.org/internal/authz"
	"finledger.org/internal/ids"
	"finledger.org/internal/ledger"
	"finledger.org/internal/obs"
	"finledger.org/internal/stream"
)

type Store struct {
	db *sql.DB

	events        *stream.Stream
	allowOverride bool
	now           func() time.Time
}

var _ ledger.Service = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithStream publishes balance events to the given stream.
func WithStream(s *stream.Stream) Option {
	return func(st *Store) { st.events = s }
}

// WithBalanceOverridePolicy permits direct balance writes on account update.
func WithBalanceOverridePolicy(allow bool) Option {
	return func(st *Store) { st.allowOverride = allow }
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db, opts...), nil
}

// NewStore wraps an existing connection pool. Used by tests with sqlmock.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// isUniqueViolation reports whether the error is a 23505 from Postgres.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sortedIDs(idsIn ...string) []string {
	out := append([]string(nil), idsIn...)
	sort.Strings(out)
	return out
}

// --- accounts ---

const accountColumns = `id, user_id, name, type, currency, current_balance, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (ledger.Account, error) {
	var a ledger.Account
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Type, &a.Currency,
		&a.CurrentBalance, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (s *Store) CreateAccount(ctx context.Context, owner string, in ledger.AccountInput) (ledger.Account, error) {
	if in.Name == "" {
		return ledger.Account{}, ledger.InvalidField("name", "name is required")
	}
	typ, err := ledger.ParseAccountType(string(in.Type))
	if err != nil {
		return ledger.Account{}, err
	}
	currency, err := ledger.NormalizeCurrency(in.Currency)
	if err != nil {
		return ledger.Account{}, err
	}

	now := s.now()
	acc := ledger.Account{
		ID:             ids.New(),
		Name:           in.Name,
		Type:           typ,
		Currency:       currency,
		CurrentBalance: decimal.Zero,
		UserID:         owner,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = s.db.ExecContext(ctx, `
		insert into accounts(id, user_id, name, type, currency, current_balance, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, acc.ID, acc.UserID, acc.Name, acc.Type, acc.Currency, acc.CurrentBalance, acc.CreatedAt, acc.UpdatedAt)
	if isUniqueViolation(err) {
		return ledger.Account{}, ledger.Conflictf("account name %q already exists", in.Name)
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return acc, nil
}

func (s *Store) GetAccount(ctx context.Context, owner, id string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id=$1`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	if err := authz.MayAccess(owner, acc.UserID); err != nil {
		return ledger.Account{}, err
	}
	return acc, nil
}

func (s *Store) ListAccounts(ctx context.Context, owner string) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+accountColumns+` from accounts where user_id=$1 order by created_at, id
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAccount(ctx context.Context, owner, id string, upd ledger.AccountUpdate) (ledger.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id=$1 for update`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	if err := authz.MayAccess(owner, acc.UserID); err != nil {
		return ledger.Account{}, err
	}

	if upd.Name != nil && *upd.Name != acc.Name {
		if *upd.Name == "" {
			return ledger.Account{}, ledger.InvalidField("name", "name is required")
		}
		acc.Name = *upd.Name
	}
	if upd.Type != nil {
		typ, err := ledger.ParseAccountType(string(*upd.Type))
		if err != nil {
			return ledger.Account{}, err
		}
		acc.Type = typ
	}
	if upd.Currency != nil {
		currency, err := ledger.NormalizeCurrency(*upd.Currency)
		if err != nil {
			return ledger.Account{}, err
		}
		acc.Currency = currency
	}
	if upd.CurrentBalance != nil {
		// Balances are ledger-derived; a direct write is always surfaced
		// and only honored under the explicit override policy.
		obs.Warn("direct balance write attempted", map[string]any{
			"account_id": acc.ID,
			"user_id":    owner,
			"applied":    s.allowOverride,
		})
		if s.allowOverride {
			acc.CurrentBalance = *upd.CurrentBalance
		}
	}
	acc.UpdatedAt = s.now()

	_, err = tx.ExecContext(ctx, `
		update accounts set name=$2, type=$3, currency=$4, current_balance=$5, updated_at=$6 where id=$1
	`, acc.ID, acc.Name, acc.Type, acc.Currency, acc.CurrentBalance, acc.UpdatedAt)
	if isUniqueViolation(err) {
		return ledger.Account{}, ledger.Conflictf("account name %q already exists", acc.Name)
	}
	if err != nil {
		return ledger.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}
	return acc, nil
}

func (s *Store) DeleteAccount(ctx context.Context, owner, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id=$1 for update`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := authz.MayAccess(owner, acc.UserID); err != nil {
		return err
	}

	var refs int
	if err := tx.QueryRowContext(ctx, `select count(*) from transactions where account_id=$1`, id).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return ledger.Conflictf("account has transactions")
	}
	if !acc.CurrentBalance.IsZero() {
		return ledger.Conflictf("account balance is not zero")
	}
	if _, err := tx.ExecContext(ctx, `delete from accounts where id=$1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- jsonb helpers ---

func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSONB(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
