package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Reader exposes balance queries shared by pooled and transactional access.
// Only approved journal lines are counted and every query is scoped by cooperative.
type Reader interface {
	// AccountTypeBalance sums balances of the given types, each signed by its normal side.
	AccountTypeBalance(ctx context.Context, cooperativeID int64, types []AccountType, r DateRange) (decimal.Decimal, error)
	// AccountTotals returns one row per account of the given types (all types when empty),
	// including accounts without activity, ordered by code.
	AccountTotals(ctx context.Context, cooperativeID int64, types []AccountType, r DateRange) ([]AccountTotal, error)
	// AccountActivity returns the totals of a single account.
	AccountActivity(ctx context.Context, account Account, r DateRange) (AccountTotal, error)
	ListAccounts(ctx context.Context, cooperativeID int64) ([]Account, error)
}

// Store is the ledger storage the closing engine depends on.
type Store interface {
	Reader
	FindOpenPeriods(ctx context.Context, filter PeriodFilter) ([]FiscalPeriod, error)
	// LoadPeriod returns a period regardless of its closed flag. A zero cooperativeID skips tenant filtering.
	LoadPeriod(ctx context.Context, cooperativeID, periodID int64) (FiscalPeriod, error)
	UnbalancedEntries(ctx context.Context, period FiscalPeriod) ([]EntryRef, error)
	UnapprovedEntries(ctx context.Context, period FiscalPeriod) ([]EntryRef, error)
	PendingTransactions(ctx context.Context, period FiscalPeriod) ([]PendingTransaction, error)
	// WithTx runs fn atomically; any error rolls back every write made through the TxStore.
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
}

// TxStore exposes the writes performed while closing a period.
type TxStore interface {
	Reader
	// LockPeriod loads the cooperative's period row and holds it until the
	// transaction ends.
	LockPeriod(ctx context.Context, cooperativeID, periodID int64) (FiscalPeriod, error)
	FindOrCreateSystemAccount(ctx context.Context, cooperativeID int64, spec SystemAccountSpec) (Account, error)
	InsertJournalEntry(ctx context.Context, in JournalEntryInput) (int64, error)
	InsertJournalLine(ctx context.Context, entryID int64, line JournalLineInput) error
	UpsertAccountBalance(ctx context.Context, balance AccountBalance) error
	MarkPeriodClosed(ctx context.Context, periodID int64, closedAt time.Time) error
	FindPeriodStartingOn(ctx context.Context, cooperativeID int64, date time.Time) (FiscalPeriod, bool, error)
	InsertFiscalPeriod(ctx context.Context, in FiscalPeriodInput) (FiscalPeriod, error)
}

// PostEntry validates and writes an entry with its lines through tx.
func PostEntry(ctx context.Context, tx TxStore, in JournalEntryInput) (int64, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	id, err := tx.InsertJournalEntry(ctx, in)
	if err != nil {
		return 0, err
	}
	for _, line := range in.Lines {
		if err := tx.InsertJournalLine(ctx, id, line); err != nil {
			return 0, err
		}
	}
	return id, nil
}
