// Package memstore provides an in-memory ledger.Store. Transactions work on a
// copy of the data which replaces the live state only when the callback succeeds.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coopledger/coopledger/internal/ledger"
)

// Pending statuses recognised by PendingTransactions.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Counts summarises the number of stored rows.
type Counts struct {
	Accounts int
	Entries  int
	Lines    int
	Periods  int
	Balances int
}

type balanceKey struct {
	accountID int64
	periodID  int64
}

type pendingRecord struct {
	cooperativeID int64
	kind          string
	status        string
	date          time.Time
}

type state struct {
	nextID   int64
	accounts []ledger.Account
	periods  []ledger.FiscalPeriod
	entries  []ledger.JournalEntry
	balances map[balanceKey]ledger.AccountBalance
	pending  []pendingRecord
}

// Store is a concurrency-safe in-memory ledger.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
	now  func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		st:  &state{balances: make(map[balanceKey]ledger.AccountBalance)},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// AddAccount registers an account and returns it with its assigned id.
func (s *Store) AddAccount(a ledger.Account) ledger.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.addAccount(a, s.now())
}

// AddPeriod registers a fiscal period and returns it with its assigned id.
func (s *Store) AddPeriod(p ledger.FiscalPeriod) ledger.FiscalPeriod {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.nextID++
	p.ID = s.st.nextID
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	s.st.periods = append(s.st.periods, clonePeriod(p))
	return p
}

// AddEntry stores an entry as given. Balance rules are not enforced so callers can
// seed the data the validation gate is expected to reject.
func (s *Store) AddEntry(in ledger.JournalEntryInput) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.st.insertEntry(in, s.now())
	for _, line := range in.Lines {
		s.st.appendLine(id, line)
	}
	return id
}

// AddPending records a savings or loan payment transaction with the given status.
func (s *Store) AddPending(cooperativeID int64, kind, status string, date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.pending = append(s.st.pending, pendingRecord{cooperativeID: cooperativeID, kind: kind, status: status, date: date})
}

// Counts reports row counts across every tenant.
func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := Counts{
		Accounts: len(s.st.accounts),
		Entries:  len(s.st.entries),
		Periods:  len(s.st.periods),
		Balances: len(s.st.balances),
	}
	for _, e := range s.st.entries {
		c.Lines += len(e.Lines)
	}
	return c
}

// Entries returns the cooperative's journal entries ordered by id.
func (s *Store) Entries(cooperativeID int64) []ledger.JournalEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.JournalEntry
	for _, e := range s.st.entries {
		if e.CooperativeID == cooperativeID {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

// Periods returns the cooperative's fiscal periods ordered by start date.
func (s *Store) Periods(cooperativeID int64) []ledger.FiscalPeriod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.FiscalPeriod
	for _, p := range s.st.periods {
		if p.CooperativeID == cooperativeID {
			out = append(out, clonePeriod(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out
}

// Balance returns the snapshot stored for an account and period.
func (s *Store) Balance(accountID, periodID int64) (ledger.AccountBalance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.st.balances[balanceKey{accountID: accountID, periodID: periodID}]
	return b, ok
}

// WithTx runs fn against a private copy of the data and publishes it on success.
// Transactions are serialised.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.TxStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	working := s.st.clone()
	s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx, &tx{st: working, now: s.now}); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = working
	s.mu.Unlock()
	return nil
}

func (s *Store) AccountTypeBalance(_ context.Context, cooperativeID int64, types []ledger.AccountType, r ledger.DateRange) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.accountTypeBalance(cooperativeID, types, r), nil
}

func (s *Store) AccountTotals(_ context.Context, cooperativeID int64, types []ledger.AccountType, r ledger.DateRange) ([]ledger.AccountTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.accountTotals(cooperativeID, types, r), nil
}

func (s *Store) AccountActivity(_ context.Context, account ledger.Account, r ledger.DateRange) (ledger.AccountTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.accountActivity(account, r), nil
}

func (s *Store) ListAccounts(_ context.Context, cooperativeID int64) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listAccounts(cooperativeID), nil
}

func (s *Store) FindOpenPeriods(_ context.Context, filter ledger.PeriodFilter) ([]ledger.FiscalPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asOf := filter.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	asOf = day(asOf)
	var out []ledger.FiscalPeriod
	for _, p := range s.st.periods {
		if p.IsClosed {
			continue
		}
		if filter.CooperativeID != 0 && p.CooperativeID != filter.CooperativeID {
			continue
		}
		if filter.PeriodID != 0 && p.ID != filter.PeriodID {
			continue
		}
		if filter.OnlyOverdue && !day(p.EndDate).Before(asOf) {
			continue
		}
		out = append(out, clonePeriod(p))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CooperativeID != out[j].CooperativeID {
			return out[i].CooperativeID < out[j].CooperativeID
		}
		return out[i].StartDate.Before(out[j].StartDate)
	})
	return out, nil
}

func (s *Store) LoadPeriod(_ context.Context, cooperativeID, periodID int64) (ledger.FiscalPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.st.period(periodID)
	if !ok || (cooperativeID != 0 && p.CooperativeID != cooperativeID) {
		return ledger.FiscalPeriod{}, ledger.ErrPeriodNotFound
	}
	return clonePeriod(*p), nil
}

func (s *Store) UnbalancedEntries(_ context.Context, period ledger.FiscalPeriod) ([]ledger.EntryRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var refs []ledger.EntryRef
	for _, e := range s.st.entriesIn(period) {
		if len(e.Lines) == 0 {
			continue
		}
		debit, credit := lineTotals(e.Lines)
		if debit.Sub(credit).Abs().GreaterThan(ledger.Tolerance) {
			refs = append(refs, entryRef(e))
		}
	}
	return refs, nil
}

func (s *Store) UnapprovedEntries(_ context.Context, period ledger.FiscalPeriod) ([]ledger.EntryRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var refs []ledger.EntryRef
	for _, e := range s.st.entriesIn(period) {
		if !e.IsApproved {
			refs = append(refs, entryRef(e))
		}
	}
	return refs, nil
}

func (s *Store) PendingTransactions(_ context.Context, period ledger.FiscalPeriod) ([]ledger.PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[string]int{}
	for _, rec := range s.st.pending {
		if rec.cooperativeID != period.CooperativeID || rec.status != StatusPending {
			continue
		}
		if period.Range().Contains(rec.date) {
			counts[rec.kind]++
		}
	}
	var out []ledger.PendingTransaction
	for _, kind := range []string{ledger.PendingTypeSavings, ledger.PendingTypeLoanPayment} {
		if counts[kind] > 0 {
			out = append(out, ledger.PendingTransaction{Type: kind, Count: counts[kind]})
		}
	}
	return out, nil
}

type tx struct {
	st  *state
	now func() time.Time
}

var _ ledger.TxStore = (*tx)(nil)

func (t *tx) AccountTypeBalance(_ context.Context, cooperativeID int64, types []ledger.AccountType, r ledger.DateRange) (decimal.Decimal, error) {
	return t.st.accountTypeBalance(cooperativeID, types, r), nil
}

func (t *tx) AccountTotals(_ context.Context, cooperativeID int64, types []ledger.AccountType, r ledger.DateRange) ([]ledger.AccountTotal, error) {
	return t.st.accountTotals(cooperativeID, types, r), nil
}

func (t *tx) AccountActivity(_ context.Context, account ledger.Account, r ledger.DateRange) (ledger.AccountTotal, error) {
	return t.st.accountActivity(account, r), nil
}

func (t *tx) ListAccounts(_ context.Context, cooperativeID int64) ([]ledger.Account, error) {
	return t.st.listAccounts(cooperativeID), nil
}

func (t *tx) LockPeriod(_ context.Context, cooperativeID, periodID int64) (ledger.FiscalPeriod, error) {
	p, ok := t.st.period(periodID)
	if !ok || p.CooperativeID != cooperativeID {
		return ledger.FiscalPeriod{}, ledger.ErrPeriodNotFound
	}
	return clonePeriod(*p), nil
}

func (t *tx) FindOrCreateSystemAccount(_ context.Context, cooperativeID int64, spec ledger.SystemAccountSpec) (ledger.Account, error) {
	for _, a := range t.st.accounts {
		if a.CooperativeID == cooperativeID && a.Code == spec.Code && a.Name == spec.Name {
			return a, nil
		}
	}
	return t.st.addAccount(ledger.Account{
		CooperativeID: cooperativeID,
		Code:          spec.Code,
		Name:          spec.Name,
		Type:          ledger.AccountTypeEquity,
		IsActive:      true,
	}, t.now()), nil
}

func (t *tx) InsertJournalEntry(_ context.Context, in ledger.JournalEntryInput) (int64, error) {
	for _, e := range t.st.entries {
		if e.CooperativeID == in.CooperativeID && e.ReferenceNumber == in.ReferenceNumber {
			return 0, fmt.Errorf("%w: %s", ledger.ErrDuplicateReference, in.ReferenceNumber)
		}
	}
	if _, ok := t.st.period(in.FiscalPeriodID); !ok {
		return 0, ledger.ErrPeriodNotFound
	}
	return t.st.insertEntry(in, t.now()), nil
}

func (t *tx) InsertJournalLine(_ context.Context, entryID int64, line ledger.JournalLineInput) error {
	idx := t.st.entryIndex(entryID)
	if idx < 0 {
		return fmt.Errorf("memstore: journal entry %d not found", entryID)
	}
	acc, ok := t.st.account(line.AccountID)
	if !ok || acc.CooperativeID != t.st.entries[idx].CooperativeID {
		return ledger.ErrAccountNotFound
	}
	t.st.appendLine(entryID, line)
	return nil
}

func (t *tx) UpsertAccountBalance(_ context.Context, balance ledger.AccountBalance) error {
	if _, ok := t.st.account(balance.AccountID); !ok {
		return ledger.ErrAccountNotFound
	}
	t.st.balances[balanceKey{accountID: balance.AccountID, periodID: balance.FiscalPeriodID}] = balance
	return nil
}

func (t *tx) MarkPeriodClosed(_ context.Context, periodID int64, closedAt time.Time) error {
	p, ok := t.st.period(periodID)
	if !ok {
		return ledger.ErrPeriodNotFound
	}
	if p.IsClosed {
		return ledger.ErrPeriodClosed
	}
	at := closedAt
	p.IsClosed = true
	p.ClosedAt = &at
	p.UpdatedAt = t.now()
	return nil
}

func (t *tx) FindPeriodStartingOn(_ context.Context, cooperativeID int64, date time.Time) (ledger.FiscalPeriod, bool, error) {
	target := day(date)
	for _, p := range t.st.periods {
		if p.CooperativeID == cooperativeID && day(p.StartDate).Equal(target) {
			return clonePeriod(p), true, nil
		}
	}
	return ledger.FiscalPeriod{}, false, nil
}

func (t *tx) InsertFiscalPeriod(ctx context.Context, in ledger.FiscalPeriodInput) (ledger.FiscalPeriod, error) {
	if err := in.Validate(); err != nil {
		return ledger.FiscalPeriod{}, err
	}
	if _, exists, _ := t.FindPeriodStartingOn(ctx, in.CooperativeID, in.StartDate); exists {
		return ledger.FiscalPeriod{}, errors.New("memstore: fiscal period start date already used")
	}
	t.st.nextID++
	now := t.now()
	p := ledger.FiscalPeriod{
		ID:            t.st.nextID,
		CooperativeID: in.CooperativeID,
		Name:          in.Name,
		StartDate:     in.StartDate,
		EndDate:       in.EndDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.st.periods = append(t.st.periods, p)
	return p, nil
}

func (st *state) addAccount(a ledger.Account, now time.Time) ledger.Account {
	st.nextID++
	a.ID = st.nextID
	a.CreatedAt = now
	a.UpdatedAt = now
	st.accounts = append(st.accounts, a)
	return a
}

func (st *state) insertEntry(in ledger.JournalEntryInput, now time.Time) int64 {
	st.nextID++
	st.entries = append(st.entries, ledger.JournalEntry{
		ID:              st.nextID,
		CooperativeID:   in.CooperativeID,
		FiscalPeriodID:  in.FiscalPeriodID,
		ReferenceNumber: in.ReferenceNumber,
		TransactionDate: in.TransactionDate,
		Description:     in.Description,
		IsApproved:      in.IsApproved,
		IsClosingEntry:  in.IsClosingEntry,
		CreatedBy:       in.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	return st.nextID
}

func (st *state) appendLine(entryID int64, line ledger.JournalLineInput) {
	idx := st.entryIndex(entryID)
	if idx < 0 {
		return
	}
	st.nextID++
	st.entries[idx].Lines = append(st.entries[idx].Lines, ledger.JournalLine{
		ID:             st.nextID,
		JournalEntryID: entryID,
		AccountID:      line.AccountID,
		DebitAmount:    line.DebitAmount,
		CreditAmount:   line.CreditAmount,
		Description:    line.Description,
	})
}

func (st *state) entryIndex(id int64) int {
	for i := range st.entries {
		if st.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (st *state) period(id int64) (*ledger.FiscalPeriod, bool) {
	for i := range st.periods {
		if st.periods[i].ID == id {
			return &st.periods[i], true
		}
	}
	return nil, false
}

func (st *state) account(id int64) (ledger.Account, bool) {
	for _, a := range st.accounts {
		if a.ID == id {
			return a, true
		}
	}
	return ledger.Account{}, false
}

func (st *state) entriesIn(period ledger.FiscalPeriod) []ledger.JournalEntry {
	var out []ledger.JournalEntry
	r := period.Range()
	for _, e := range st.entries {
		if e.CooperativeID == period.CooperativeID && r.Contains(e.TransactionDate) {
			out = append(out, e)
		}
	}
	return out
}

// activity sums approved lines per account id within the range.
func (st *state) activity(cooperativeID int64, r ledger.DateRange) map[int64][2]decimal.Decimal {
	totals := make(map[int64][2]decimal.Decimal)
	for _, e := range st.entries {
		if e.CooperativeID != cooperativeID || !e.IsApproved || !r.Contains(e.TransactionDate) {
			continue
		}
		for _, l := range e.Lines {
			t := totals[l.AccountID]
			t[0] = t[0].Add(l.DebitAmount)
			t[1] = t[1].Add(l.CreditAmount)
			totals[l.AccountID] = t
		}
	}
	return totals
}

func (st *state) accountTypeBalance(cooperativeID int64, types []ledger.AccountType, r ledger.DateRange) decimal.Decimal {
	total := decimal.Zero
	for _, t := range st.accountTotals(cooperativeID, types, r) {
		total = total.Add(t.Balance())
	}
	return total
}

func (st *state) accountTotals(cooperativeID int64, types []ledger.AccountType, r ledger.DateRange) []ledger.AccountTotal {
	activity := st.activity(cooperativeID, r)
	var out []ledger.AccountTotal
	for _, a := range st.listAccounts(cooperativeID) {
		if len(types) > 0 && !hasType(types, a.Type) {
			continue
		}
		sums := activity[a.ID]
		out = append(out, ledger.AccountTotal{Account: a, Debit: sums[0], Credit: sums[1]})
	}
	return out
}

func (st *state) accountActivity(account ledger.Account, r ledger.DateRange) ledger.AccountTotal {
	sums := st.activity(account.CooperativeID, r)[account.ID]
	return ledger.AccountTotal{Account: account, Debit: sums[0], Credit: sums[1]}
}

func (st *state) listAccounts(cooperativeID int64) []ledger.Account {
	var out []ledger.Account
	for _, a := range st.accounts {
		if a.CooperativeID == cooperativeID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (st *state) clone() *state {
	cp := &state{
		nextID:   st.nextID,
		accounts: append([]ledger.Account(nil), st.accounts...),
		pending:  append([]pendingRecord(nil), st.pending...),
		balances: make(map[balanceKey]ledger.AccountBalance, len(st.balances)),
	}
	for _, p := range st.periods {
		cp.periods = append(cp.periods, clonePeriod(p))
	}
	for _, e := range st.entries {
		cp.entries = append(cp.entries, cloneEntry(e))
	}
	for k, v := range st.balances {
		cp.balances[k] = v
	}
	return cp
}

func clonePeriod(p ledger.FiscalPeriod) ledger.FiscalPeriod {
	if p.ClosedAt != nil {
		at := *p.ClosedAt
		p.ClosedAt = &at
	}
	return p
}

func cloneEntry(e ledger.JournalEntry) ledger.JournalEntry {
	e.Lines = append([]ledger.JournalLine(nil), e.Lines...)
	return e
}

func entryRef(e ledger.JournalEntry) ledger.EntryRef {
	return ledger.EntryRef{ID: e.ID, ReferenceNumber: e.ReferenceNumber, Description: e.Description}
}

func lineTotals(lines []ledger.JournalLine) (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range lines {
		debit = debit.Add(l.DebitAmount)
		credit = credit.Add(l.CreditAmount)
	}
	return debit, credit
}

func hasType(types []ledger.AccountType, t ledger.AccountType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
