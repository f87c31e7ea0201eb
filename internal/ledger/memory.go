package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"finledger.org/internal/authz"
	"finledger.org/internal/ids"
	"finledger.org/internal/obs"
	"finledger.org/internal/stream"
)

// InMemory implements Service with in-process concurrency safety. A single
// mutex spans every read-modify-write of a balance, so concurrent
// completions against one account serialize and the final balance is the
// commutative sum of applied deltas.
type InMemory struct {
	mu           sync.RWMutex
	accounts     map[string]*Account
	transactions map[string]*Transaction
	sales        map[string]*Sale
	names        map[string]string // account name -> id
	refs         map[string]string // transactionRef -> transaction id

	events               *stream.Stream
	allowBalanceOverride bool
	now                  func() time.Time
}

var _ Service = (*InMemory)(nil)

// Option configures InMemory.
type Option func(*InMemory)

// WithStream publishes balance events to the given stream.
func WithStream(s *stream.Stream) Option {
	return func(m *InMemory) { m.events = s }
}

// WithBalanceOverridePolicy permits direct balance writes on account update.
// Off by default; every attempt is logged either way.
func WithBalanceOverridePolicy(allow bool) Option {
	return func(m *InMemory) { m.allowBalanceOverride = allow }
}

// NewInMemory creates a fresh ledger.
func NewInMemory(opts ...Option) *InMemory {
	m := &InMemory{
		accounts:     make(map[string]*Account),
		transactions: make(map[string]*Transaction),
		sales:        make(map[string]*Sale),
		names:        make(map[string]string),
		refs:         make(map[string]string),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// --- accounts ---

func (m *InMemory) CreateAccount(ctx context.Context, owner string, in AccountInput) (Account, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Account{}, InvalidField("name", "name is required")
	}
	if _, err := ParseAccountType(string(in.Type)); err != nil {
		return Account{}, err
	}
	currency, err := NormalizeCurrency(in.Currency)
	if err != nil {
		return Account{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.names[name]; taken {
		return Account{}, Conflictf("account name %q already exists", name)
	}

	now := m.now()
	acc := &Account{
		ID:             ids.New(),
		Name:           name,
		Type:           in.Type,
		Currency:       currency,
		CurrentBalance: decimal.Zero,
		UserID:         owner,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.accounts[acc.ID] = acc
	m.names[name] = acc.ID
	return *acc, nil
}

func (m *InMemory) GetAccount(ctx context.Context, owner, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	if err := authz.MayAccess(owner, acc.UserID); err != nil {
		return Account{}, err
	}
	return *acc, nil
}

func (m *InMemory) ListAccounts(ctx context.Context, owner string) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Account
	for _, acc := range m.accounts {
		if acc.UserID == owner {
			out = append(out, *acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *InMemory) UpdateAccount(ctx context.Context, owner, id string, upd AccountUpdate) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	if err := authz.MayAccess(owner, acc.UserID); err != nil {
		return Account{}, err
	}

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Account{}, InvalidField("name", "name is required")
		}
		if other, taken := m.names[name]; taken && other != id {
			return Account{}, Conflictf("account name %q already exists", name)
		}
		delete(m.names, acc.Name)
		acc.Name = name
		m.names[name] = id
	}
	if upd.Type != nil {
		if _, err := ParseAccountType(string(*upd.Type)); err != nil {
			return Account{}, err
		}
		acc.Type = *upd.Type
	}
	if upd.Currency != nil {
		currency, err := NormalizeCurrency(*upd.Currency)
		if err != nil {
			return Account{}, err
		}
		acc.Currency = currency
	}
	if upd.CurrentBalance != nil {
		obs.Warn("direct balance write on account update", map[string]any{
			"account_id": id,
			"requested":  upd.CurrentBalance.String(),
			"applied":    m.allowBalanceOverride,
		})
		if m.allowBalanceOverride {
			acc.CurrentBalance = *upd.CurrentBalance
		}
	}
	acc.UpdatedAt = m.now()
	return *acc, nil
}

func (m *InMemory) DeleteAccount(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	if err := authz.MayAccess(owner, acc.UserID); err != nil {
		return err
	}
	for _, t := range m.transactions {
		if t.AccountID == id {
			return Conflictf("account has transactions")
		}
	}
	if !acc.CurrentBalance.IsZero() {
		return Conflictf("account balance is not zero")
	}
	delete(m.names, acc.Name)
	delete(m.accounts, id)
	return nil
}

// --- transactions ---

func (m *InMemory) CreateTransaction(ctx context.Context, owner string, in TransactionInput) (Transaction, error) {
	if _, err := ParseTransactionType(string(in.Type)); err != nil {
		return Transaction{}, err
	}
	if !in.Amount.IsPositive() {
		return Transaction{}, InvalidField("amount", "must be greater than zero")
	}
	currency, err := NormalizeCurrency(in.Currency)
	if err != nil {
		return Transaction{}, err
	}
	status := in.Status
	if status == "" {
		status = StatusCompleted
	}
	if _, err := ParseTransactionStatus(string(status)); err != nil {
		return Transaction{}, err
	}
	if in.Category != "" {
		if _, err := ParseTransactionCategory(string(in.Category)); err != nil {
			return Transaction{}, err
		}
	}
	if in.PaymentMethod != "" {
		if _, err := ParsePaymentMethod(string(in.PaymentMethod)); err != nil {
			return Transaction{}, err
		}
	}
	if in.Recurrence != nil {
		if _, err := ParseRecurrenceFrequency(string(in.Recurrence.Frequency)); err != nil {
			return Transaction{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[in.AccountID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if err := authz.MayAccess(owner, acc.UserID); err != nil {
		return Transaction{}, err
	}
	if acc.Currency != currency {
		return Transaction{}, Invalidf("transaction currency (%s) does not match account currency (%s)", currency, acc.Currency)
	}

	ref := strings.TrimSpace(in.TransactionRef)
	if ref != "" {
		if _, taken := m.refs[ref]; taken {
			return Transaction{}, Conflictf("transaction reference %q already exists", ref)
		}
	}

	var dest *Account
	if in.Type == TypeTransfer {
		if strings.TrimSpace(in.ToAccountID) == "" {
			return Transaction{}, InvalidField("toAccountId", "required for transfers")
		}
		dest, ok = m.accounts[in.ToAccountID]
		if !ok {
			return Transaction{}, ErrNotFound
		}
		if err := authz.MayAccess(owner, dest.UserID); err != nil {
			return Transaction{}, err
		}
		if dest.Currency != currency {
			return Transaction{}, Invalidf("transaction currency (%s) does not match destination account currency (%s)", currency, dest.Currency)
		}
	}

	now := m.now()
	date := in.Date
	if date.IsZero() {
		date = now
	}
	tx := &Transaction{
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
		TransactionRef: ref,
		Tags:           append([]string(nil), in.Tags...),
		IsRecurring:    in.IsRecurring,
		Recurrence:     ScheduleNextDue(in.Recurrence, date),
		Attachments:    append([]Attachment(nil), in.Attachments...),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var counterpart *Transaction
	if in.Type == TypeTransfer {
		tx.Direction = DirectionOutbound
		counterpart = &Transaction{
			ID:                   ids.New(),
			UserID:               owner,
			AccountID:            dest.ID,
			Type:                 TypeTransfer,
			Amount:               in.Amount,
			Currency:             currency,
			Date:                 date,
			Description:          in.Description,
			Category:             in.Category,
			Status:               status,
			Direction:            DirectionInbound,
			RelatedTransactionID: tx.ID,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		tx.RelatedTransactionID = counterpart.ID
	}

	// Persist and apply the balance effect under one critical section so a
	// completed transaction is never visible without its effect.
	m.transactions[tx.ID] = tx
	if ref != "" {
		m.refs[ref] = tx.ID
	}
	if counterpart != nil {
		m.transactions[counterpart.ID] = counterpart
	}
	if status == StatusCompleted {
		m.applyEffect(tx)
		if counterpart != nil {
			m.applyEffect(counterpart)
		}
	}
	return *tx, nil
}

func (m *InMemory) GetTransaction(ctx context.Context, owner, id string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if err := authz.MayAccess(owner, t.UserID); err != nil {
		return Transaction{}, err
	}
	return *t, nil
}

func (m *InMemory) ListTransactions(ctx context.Context, owner string, f TransactionFilter) ([]Transaction, Page, error) {
	m.mu.RLock()
	var all []Transaction
	for _, t := range m.transactions {
		if t.UserID != owner {
			continue
		}
		if matchTransaction(*t, f) {
			all = append(all, *t)
		}
	}
	m.mu.RUnlock()

	sortBy := normalizeTransactionSort(f.SortBy)
	sort.Slice(all, func(i, j int) bool {
		less := false
		switch sortBy {
		case "amount":
			less = all[i].Amount.LessThan(all[j].Amount)
		case "createdAt":
			less = all[i].CreatedAt.Before(all[j].CreatedAt)
		default:
			less = all[i].Date.Before(all[j].Date)
		}
		if f.SortDesc {
			return !less && !equalTransactionKey(all[i], all[j], sortBy)
		}
		return less
	})

	page, limit := NormalizePaging(f.Page, f.Limit)
	total := len(all)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], MakePage(page, limit, total), nil
}

func equalTransactionKey(a, b Transaction, sortBy string) bool {
	switch sortBy {
	case "amount":
		return a.Amount.Equal(b.Amount)
	case "createdAt":
		return a.CreatedAt.Equal(b.CreatedAt)
	default:
		return a.Date.Equal(b.Date)
	}
}

func matchTransaction(t Transaction, f TransactionFilter) bool {
	if f.AccountID != "" && t.AccountID != f.AccountID {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if f.IsRecurring != nil && t.IsRecurring != *f.IsRecurring {
		return false
	}
	if f.DateFrom != nil && t.Date.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && t.Date.After(*f.DateTo) {
		return false
	}
	if f.MinAmount != nil && t.Amount.LessThan(*f.MinAmount) {
		return false
	}
	if f.MaxAmount != nil && t.Amount.GreaterThan(*f.MaxAmount) {
		return false
	}
	return true
}

func (m *InMemory) UpdateTransaction(ctx context.Context, owner, id string, upd TransactionUpdate) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if err := authz.MayAccess(owner, t.UserID); err != nil {
		return Transaction{}, err
	}

	// Amount, account and currency are frozen while an applied effect is
	// outstanding; reverse the effect first (cancel/refund), then amend.
	if t.Status == StatusCompleted {
		if upd.Amount != nil && !upd.Amount.Equal(t.Amount) {
			return Transaction{}, InvalidField("amount", "immutable while the balance effect is applied")
		}
		if upd.AccountID != nil && *upd.AccountID != t.AccountID {
			return Transaction{}, InvalidField("accountId", "immutable while the balance effect is applied")
		}
		if upd.Currency != nil && !strings.EqualFold(*upd.Currency, t.Currency) {
			return Transaction{}, InvalidField("currency", "immutable while the balance effect is applied")
		}
	}

	// A transfer is one movement of one amount; a leg cannot drift from its
	// counterpart. Cancel and recreate the transfer to amend these fields.
	if t.Type == TypeTransfer {
		if upd.Amount != nil && !upd.Amount.Equal(t.Amount) {
			return Transaction{}, InvalidField("amount", "transfer legs cannot be amended independently")
		}
		if upd.Currency != nil && !strings.EqualFold(*upd.Currency, t.Currency) {
			return Transaction{}, InvalidField("currency", "transfer legs cannot be amended independently")
		}
		if upd.Date != nil && !upd.Date.Equal(t.Date) {
			return Transaction{}, InvalidField("date", "transfer legs cannot be amended independently")
		}
	}

	if upd.Amount != nil && !upd.Amount.IsPositive() {
		return Transaction{}, InvalidField("amount", "must be greater than zero")
	}
	if upd.Category != nil && *upd.Category != "" {
		if _, err := ParseTransactionCategory(string(*upd.Category)); err != nil {
			return Transaction{}, err
		}
	}
	if upd.PaymentMethod != nil && *upd.PaymentMethod != "" {
		if _, err := ParsePaymentMethod(string(*upd.PaymentMethod)); err != nil {
			return Transaction{}, err
		}
	}
	if upd.Recurrence != nil {
		if _, err := ParseRecurrenceFrequency(string(upd.Recurrence.Frequency)); err != nil {
			return Transaction{}, err
		}
	}
	if upd.Status != nil {
		if _, err := ParseTransactionStatus(string(*upd.Status)); err != nil {
			return Transaction{}, err
		}
	}

	newCurrency := t.Currency
	if upd.Currency != nil {
		c, err := NormalizeCurrency(*upd.Currency)
		if err != nil {
			return Transaction{}, err
		}
		newCurrency = c
	}

	if upd.AccountID != nil && *upd.AccountID != t.AccountID {
		if t.Type == TypeTransfer {
			return Transaction{}, InvalidField("accountId", "transfer legs cannot be reassigned")
		}
		next, ok := m.accounts[*upd.AccountID]
		if !ok {
			return Transaction{}, ErrNotFound
		}
		if err := authz.MayAccess(owner, next.UserID); err != nil {
			return Transaction{}, err
		}
		if next.Currency != newCurrency {
			return Transaction{}, Invalidf("transaction currency (%s) does not match account currency (%s)", newCurrency, next.Currency)
		}
		t.AccountID = next.ID
	} else if upd.Currency != nil {
		acc := m.accounts[t.AccountID]
		if acc != nil && acc.Currency != newCurrency {
			return Transaction{}, Invalidf("transaction currency (%s) does not match account currency (%s)", newCurrency, acc.Currency)
		}
	}
	t.Currency = newCurrency

	if upd.TransactionRef != nil {
		ref := strings.TrimSpace(*upd.TransactionRef)
		if ref != t.TransactionRef {
			if ref != "" {
				if other, taken := m.refs[ref]; taken && other != id {
					return Transaction{}, Conflictf("transaction reference %q already exists", ref)
				}
			}
			if t.TransactionRef != "" {
				delete(m.refs, t.TransactionRef)
			}
			t.TransactionRef = ref
			if ref != "" {
				m.refs[ref] = id
			}
		}
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
		t.Tags = append([]string(nil), upd.Tags...)
	}
	if upd.IsRecurring != nil {
		t.IsRecurring = *upd.IsRecurring
	}
	if upd.Recurrence != nil {
		t.Recurrence = ScheduleNextDue(upd.Recurrence, t.Date)
	}
	if upd.Attachments != nil {
		t.Attachments = append([]Attachment(nil), upd.Attachments...)
	}

	if upd.Status != nil && *upd.Status != t.Status {
		next := *upd.Status
		legs := []*Transaction{t}
		if t.Type == TypeTransfer && t.RelatedTransactionID != "" {
			if other, ok := m.transactions[t.RelatedTransactionID]; ok {
				legs = append(legs, other)
			}
		}
		for _, leg := range legs {
			prev := leg.Status
			leg.Status = next
			// The effect fires only on the transition edge, never on a
			// plain re-save of an already-completed transaction.
			if next == StatusCompleted && prev != StatusCompleted {
				m.applyEffect(leg)
			} else if next != StatusCompleted && prev == StatusCompleted {
				m.reverseEffect(leg)
			}
			leg.UpdatedAt = m.now()
		}
	} else {
		t.UpdatedAt = m.now()
	}

	return *t, nil
}

// applyEffect hands the signed delta to the account ledger. On a currency
// mismatch the transaction keeps its status, the balance stays untouched and
// the mismatch is surfaced to operators.
func (m *InMemory) applyEffect(t *Transaction) {
	acc, ok := m.accounts[t.AccountID]
	if !ok {
		return
	}
	delta := EffectDelta(*t)
	if err := MatchCurrency(acc.Currency, t.Currency); errors.Is(err, ErrCurrencyMismatch) {
		obs.Warn("currency mismatch, balance not updated", map[string]any{
			"transaction_id":   t.ID,
			"account_id":       acc.ID,
			"tx_currency":      t.Currency,
			"account_currency": acc.Currency,
		})
		obs.IncCurrencyMismatch()
		m.events.Publish(stream.Event{
			Type:          stream.EventCurrencyMismatch,
			AccountID:     acc.ID,
			TransactionID: t.ID,
			Currency:      t.Currency,
			Delta:         delta,
			Timestamp:     m.now(),
		})
		return
	}
	acc.CurrentBalance = acc.CurrentBalance.Add(delta)
	acc.UpdatedAt = m.now()
	t.AppliedDelta = delta
	obs.IncBalanceEffect("apply")
	m.events.Publish(stream.Event{
		Type:          stream.EventBalanceApplied,
		AccountID:     acc.ID,
		TransactionID: t.ID,
		Currency:      t.Currency,
		Delta:         delta,
		Timestamp:     m.now(),
	})
}

// reverseEffect undoes exactly what applyEffect applied, once.
func (m *InMemory) reverseEffect(t *Transaction) {
	if t.AppliedDelta.IsZero() {
		return
	}
	acc, ok := m.accounts[t.AccountID]
	if !ok {
		return
	}
	acc.CurrentBalance = acc.CurrentBalance.Sub(t.AppliedDelta)
	acc.UpdatedAt = m.now()
	delta := t.AppliedDelta.Neg()
	t.AppliedDelta = decimal.Zero
	obs.IncBalanceEffect("reverse")
	m.events.Publish(stream.Event{
		Type:          stream.EventBalanceReversed,
		AccountID:     acc.ID,
		TransactionID: t.ID,
		Currency:      t.Currency,
		Delta:         delta,
		Timestamp:     m.now(),
	})
}

// --- sales ---

func (m *InMemory) CreateSale(ctx context.Context, owner string, in SaleInput) (Sale, error) {
	if err := ValidateSaleAmounts(in.SubTotal, in.TaxAmount, in.TotalAmountDue, in.Discount); err != nil {
		return Sale{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	saleDate := in.SaleDate
	if saleDate.IsZero() {
		saleDate = now
	}
	s := &Sale{
		ID:                  ids.New(),
		UserID:              owner,
		SubTotal:            in.SubTotal,
		Discount:            in.Discount,
		TaxAmount:           in.TaxAmount,
		TotalAmountDue:      in.TotalAmountDue,
		AmountPaid:          decimal.Zero,
		Status:              SalePending,
		PaymentTransactions: []string{},
		Notes:               in.Notes,
		SaleDate:            saleDate,
		DueDate:             in.DueDate,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	m.sales[s.ID] = s

	out := *s
	DeriveSale(&out, nil, now)
	return out, nil
}

func (m *InMemory) GetSale(ctx context.Context, owner, id string) (Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sales[id]
	if !ok {
		return Sale{}, ErrNotFound
	}
	if err := authz.MayAccess(owner, s.UserID); err != nil {
		return Sale{}, err
	}
	return m.expandSale(s), nil
}

// expandSale returns a derived copy with linked payments attached.
// Callers hold at least the read lock.
func (m *InMemory) expandSale(s *Sale) Sale {
	out := *s
	out.PaymentTransactions = append([]string(nil), s.PaymentTransactions...)
	var payments []Transaction
	for _, txID := range s.PaymentTransactions {
		if t, ok := m.transactions[txID]; ok {
			payments = append(payments, *t)
		}
	}
	out.Payments = payments
	DeriveSale(&out, payments, m.now())
	return out
}

func (m *InMemory) ListSales(ctx context.Context, owner string, f SaleFilter) ([]Sale, Page, error) {
	m.mu.RLock()
	var all []Sale
	for _, s := range m.sales {
		if s.UserID != owner {
			continue
		}
		derived := m.expandSale(s)
		if matchSale(derived, f) {
			all = append(all, derived)
		}
	}
	m.mu.RUnlock()

	sortBy := normalizeSaleSort(f.SortBy)
	sort.Slice(all, func(i, j int) bool {
		less := false
		switch sortBy {
		case "totalAmountDue":
			less = all[i].TotalAmountDue.LessThan(all[j].TotalAmountDue)
		case "createdAt":
			less = all[i].CreatedAt.Before(all[j].CreatedAt)
		default:
			less = all[i].SaleDate.Before(all[j].SaleDate)
		}
		if f.SortDesc {
			return !less && !equalSaleKey(all[i], all[j], sortBy)
		}
		return less
	})

	page, limit := NormalizePaging(f.Page, f.Limit)
	total := len(all)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], MakePage(page, limit, total), nil
}

func equalSaleKey(a, b Sale, sortBy string) bool {
	switch sortBy {
	case "totalAmountDue":
		return a.TotalAmountDue.Equal(b.TotalAmountDue)
	case "createdAt":
		return a.CreatedAt.Equal(b.CreatedAt)
	default:
		return a.SaleDate.Equal(b.SaleDate)
	}
}

func matchSale(s Sale, f SaleFilter) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Finalized != nil && s.Finalized != *f.Finalized {
		return false
	}
	if f.Refunded != nil && s.Refunded != *f.Refunded {
		return false
	}
	if f.DateFrom != nil && s.SaleDate.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && s.SaleDate.After(*f.DateTo) {
		return false
	}
	if f.MinTotal != nil && s.TotalAmountDue.LessThan(*f.MinTotal) {
		return false
	}
	if f.MaxTotal != nil && s.TotalAmountDue.GreaterThan(*f.MaxTotal) {
		return false
	}
	return true
}

func (m *InMemory) UpdateSale(ctx context.Context, owner, id string, upd SaleUpdate) (Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[id]
	if !ok {
		return Sale{}, ErrNotFound
	}
	if err := authz.MayAccess(owner, s.UserID); err != nil {
		return Sale{}, err
	}
	if upd.AmountPaid != nil {
		return Sale{}, InvalidField("amountPaid", "derived from linked payments and not directly writable")
	}

	subTotal := s.SubTotal
	if upd.SubTotal != nil {
		subTotal = *upd.SubTotal
	}
	taxAmount := s.TaxAmount
	if upd.TaxAmount != nil {
		taxAmount = *upd.TaxAmount
	}
	totalDue := s.TotalAmountDue
	if upd.TotalAmountDue != nil {
		totalDue = *upd.TotalAmountDue
	}
	discount := s.Discount
	if upd.Discount != nil {
		discount = upd.Discount
	}
	if err := ValidateSaleAmounts(subTotal, taxAmount, totalDue, discount); err != nil {
		return Sale{}, err
	}

	if upd.PaymentTransactions != nil {
		// Linked payments are a set: a repeated id counts once.
		seen := make(map[string]struct{}, len(upd.PaymentTransactions))
		linked := make([]string, 0, len(upd.PaymentTransactions))
		for _, txID := range upd.PaymentTransactions {
			if _, dup := seen[txID]; dup {
				continue
			}
			t, ok := m.transactions[txID]
			if !ok {
				return Sale{}, ErrNotFound
			}
			if err := authz.MayAccess(owner, t.UserID); err != nil {
				return Sale{}, err
			}
			seen[txID] = struct{}{}
			linked = append(linked, txID)
		}
		s.PaymentTransactions = linked
	}

	if upd.Status != nil {
		next, err := ParseSaleStatus(string(*upd.Status))
		if err != nil {
			return Sale{}, err
		}
		if !next.Terminal() {
			return Sale{}, InvalidField("status", "only cancelled or refunded may be set; other states are derived")
		}
		s.Status = next
		if next == SaleRefunded {
			s.Refunded = true
		}
	}

	s.SubTotal = subTotal
	s.TaxAmount = taxAmount
	s.TotalAmountDue = totalDue
	s.Discount = discount
	if upd.Notes != nil {
		s.Notes = *upd.Notes
	}
	if upd.SaleDate != nil {
		s.SaleDate = *upd.SaleDate
	}
	if upd.DueDate != nil {
		s.DueDate = upd.DueDate
	}
	if upd.Finalized != nil {
		s.Finalized = *upd.Finalized
	}
	s.UpdatedAt = m.now()

	return m.expandSale(s), nil
}

func (m *InMemory) DeleteSale(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[id]
	if !ok {
		return ErrNotFound
	}
	if err := authz.MayAccess(owner, s.UserID); err != nil {
		return err
	}
	for _, txID := range s.PaymentTransactions {
		if t, ok := m.transactions[txID]; ok && InboundPayment(*t) {
			obs.Warn("deleting sale with completed payments", map[string]any{
				"sale_id":        id,
				"transaction_id": txID,
			})
			break
		}
	}
	delete(m.sales, id)
	return nil
}

func (m *InMemory) LinkPayment(ctx context.Context, owner, saleID, transactionID string) (Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[saleID]
	if !ok {
		return Sale{}, ErrNotFound
	}
	if err := authz.MayAccess(owner, s.UserID); err != nil {
		return Sale{}, err
	}
	t, ok := m.transactions[transactionID]
	if !ok {
		return Sale{}, ErrNotFound
	}
	if err := authz.MayAccess(owner, t.UserID); err != nil {
		return Sale{}, err
	}

	linked := false
	for _, existing := range s.PaymentTransactions {
		if existing == transactionID {
			linked = true
			break
		}
	}
	if !linked {
		s.PaymentTransactions = append(s.PaymentTransactions, transactionID)
		s.UpdatedAt = m.now()
	}
	return m.expandSale(s), nil
}
