package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coopledger/coopledger/internal/platform/db"
)

// ErrPeriodClosed indicates the fiscal period was already closed.
var ErrPeriodClosed = errors.New("ledger: fiscal period already closed")

// ErrDuplicateReference indicates a journal reference number collision.
var ErrDuplicateReference = errors.New("ledger: duplicate journal reference")

// ErrConcurrentUpdate indicates the transaction lost a race with another
// writer and was rolled back.
var ErrConcurrentUpdate = errors.New("ledger: concurrent update")

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

// Repository persists ledger entities in PostgreSQL.
type Repository struct {
	queries
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{queries: queries{db: pool}, pool: pool}
}

type txRepository struct {
	queries
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{queries: queries{db: tx}, tx: tx})
	})
	return translateTxError(err)
}

func translateTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == serializationFailure {
		return fmt.Errorf("%w: %w", ErrConcurrentUpdate, err)
	}
	return err
}

const periodColumns = `id, cooperative_id, name, start_date, end_date, is_closed, closed_at, created_at, updated_at`

func scanPeriod(row pgx.Row) (FiscalPeriod, error) {
	var p FiscalPeriod
	err := row.Scan(&p.ID, &p.CooperativeID, &p.Name, &p.StartDate, &p.EndDate, &p.IsClosed, &p.ClosedAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// FindOpenPeriods lists unclosed periods matching the filter ordered by cooperative and start date.
func (r *Repository) FindOpenPeriods(ctx context.Context, filter PeriodFilter) ([]FiscalPeriod, error) {
	asOf := filter.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	rows, err := r.db.Query(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE is_closed = FALSE
  AND ($1::bigint = 0 OR cooperative_id = $1)
  AND ($2::bigint = 0 OR id = $2)
  AND (NOT $3::boolean OR end_date < $4::date)
ORDER BY cooperative_id, start_date`, filter.CooperativeID, filter.PeriodID, filter.OnlyOverdue, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var periods []FiscalPeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// LoadPeriod fetches a period by id, optionally scoped to a cooperative.
func (r *Repository) LoadPeriod(ctx context.Context, cooperativeID, periodID int64) (FiscalPeriod, error) {
	p, err := scanPeriod(r.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE id = $1 AND ($2::bigint = 0 OR cooperative_id = $2)`, periodID, cooperativeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FiscalPeriod{}, ErrPeriodNotFound
		}
		return FiscalPeriod{}, err
	}
	return p, nil
}

// UnbalancedEntries returns entries in the period range whose lines differ by more than a cent.
func (r *Repository) UnbalancedEntries(ctx context.Context, period FiscalPeriod) ([]EntryRef, error) {
	return r.entryRefs(ctx, `SELECT je.id, je.reference_number, COALESCE(je.description, '')
FROM journal_entries je
JOIN journal_lines jl ON jl.journal_entry_id = je.id
WHERE je.cooperative_id = $1 AND je.transaction_date BETWEEN $2 AND $3
GROUP BY je.id, je.reference_number, je.description
HAVING ABS(SUM(jl.debit_amount) - SUM(jl.credit_amount)) > 0.01
ORDER BY je.id`, period)
}

// UnapprovedEntries returns entries in the period range still awaiting approval.
func (r *Repository) UnapprovedEntries(ctx context.Context, period FiscalPeriod) ([]EntryRef, error) {
	return r.entryRefs(ctx, `SELECT id, reference_number, COALESCE(description, '')
FROM journal_entries
WHERE cooperative_id = $1 AND transaction_date BETWEEN $2 AND $3 AND is_approved = FALSE
ORDER BY id`, period)
}

func (r *Repository) entryRefs(ctx context.Context, sql string, period FiscalPeriod) ([]EntryRef, error) {
	rows, err := r.db.Query(ctx, sql, period.CooperativeID, period.StartDate, period.EndDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []EntryRef
	for rows.Next() {
		var ref EntryRef
		if err := rows.Scan(&ref.ID, &ref.ReferenceNumber, &ref.Description); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// PendingTransactions counts pending savings and loan payment records inside the period.
func (r *Repository) PendingTransactions(ctx context.Context, period FiscalPeriod) ([]PendingTransaction, error) {
	rows, err := r.db.Query(ctx, `SELECT 'savings' AS type, COUNT(*) FROM savings_transactions
WHERE cooperative_id = $1 AND status = 'pending' AND transaction_date BETWEEN $2 AND $3
UNION ALL
SELECT 'loan_payment' AS type, COUNT(*) FROM loan_payments
WHERE cooperative_id = $1 AND status = 'pending' AND payment_date BETWEEN $2 AND $3`,
		period.CooperativeID, period.StartDate, period.EndDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pending []PendingTransaction
	for rows.Next() {
		var p PendingTransaction
		if err := rows.Scan(&p.Type, &p.Count); err != nil {
			return nil, err
		}
		if p.Count > 0 {
			pending = append(pending, p)
		}
	}
	return pending, rows.Err()
}

func (q queries) AccountTypeBalance(ctx context.Context, cooperativeID int64, types []AccountType, r DateRange) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.db.QueryRow(ctx, `SELECT COALESCE(SUM(CASE WHEN a.type IN ('ASSET', 'EXPENSE')
    THEN jl.debit_amount - jl.credit_amount
    ELSE jl.credit_amount - jl.debit_amount END), 0)
FROM journal_lines jl
JOIN journal_entries je ON je.id = jl.journal_entry_id
JOIN accounts a ON a.id = jl.account_id
WHERE je.cooperative_id = $1 AND a.cooperative_id = $1
  AND je.is_approved = TRUE
  AND a.type = ANY($2::text[])
  AND ($3::date IS NULL OR je.transaction_date >= $3::date)
  AND je.transaction_date <= $4::date`, cooperativeID, typeNames(types), nullDate(r.Start), r.End).Scan(&total)
	return total, err
}

func (q queries) AccountTotals(ctx context.Context, cooperativeID int64, types []AccountType, r DateRange) ([]AccountTotal, error) {
	rows, err := q.db.Query(ctx, `SELECT a.id, a.cooperative_id, a.code, a.name, a.type, a.parent_id, a.is_active,
  COALESCE(SUM(jl.debit_amount) FILTER (WHERE je.id IS NOT NULL), 0),
  COALESCE(SUM(jl.credit_amount) FILTER (WHERE je.id IS NOT NULL), 0)
FROM accounts a
LEFT JOIN journal_lines jl ON jl.account_id = a.id
LEFT JOIN journal_entries je ON je.id = jl.journal_entry_id
  AND je.cooperative_id = a.cooperative_id
  AND je.is_approved = TRUE
  AND ($3::date IS NULL OR je.transaction_date >= $3::date)
  AND je.transaction_date <= $4::date
WHERE a.cooperative_id = $1
  AND (cardinality($2::text[]) = 0 OR a.type = ANY($2::text[]))
GROUP BY a.id
ORDER BY a.code, a.id`, cooperativeID, typeNames(types), nullDate(r.Start), r.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var totals []AccountTotal
	for rows.Next() {
		var t AccountTotal
		a := &t.Account
		if err := rows.Scan(&a.ID, &a.CooperativeID, &a.Code, &a.Name, &a.Type, &a.ParentID, &a.IsActive, &t.Debit, &t.Credit); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

func (q queries) AccountActivity(ctx context.Context, account Account, r DateRange) (AccountTotal, error) {
	total := AccountTotal{Account: account}
	err := q.db.QueryRow(ctx, `SELECT COALESCE(SUM(jl.debit_amount), 0), COALESCE(SUM(jl.credit_amount), 0)
FROM journal_lines jl
JOIN journal_entries je ON je.id = jl.journal_entry_id
WHERE jl.account_id = $1 AND je.cooperative_id = $2
  AND je.is_approved = TRUE
  AND ($3::date IS NULL OR je.transaction_date >= $3::date)
  AND je.transaction_date <= $4::date`, account.ID, account.CooperativeID, nullDate(r.Start), r.End).Scan(&total.Debit, &total.Credit)
	return total, err
}

func (q queries) ListAccounts(ctx context.Context, cooperativeID int64) ([]Account, error) {
	rows, err := q.db.Query(ctx, `SELECT id, cooperative_id, code, name, type, parent_id, is_active, created_at, updated_at
FROM accounts WHERE cooperative_id = $1 ORDER BY code, id`, cooperativeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.CooperativeID, &a.Code, &a.Name, &a.Type, &a.ParentID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *txRepository) LockPeriod(ctx context.Context, cooperativeID, periodID int64) (FiscalPeriod, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods WHERE id = $1 AND cooperative_id = $2 FOR UPDATE`, periodID, cooperativeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FiscalPeriod{}, ErrPeriodNotFound
		}
		return FiscalPeriod{}, err
	}
	return p, nil
}

func (r *txRepository) FindOrCreateSystemAccount(ctx context.Context, cooperativeID int64, spec SystemAccountSpec) (Account, error) {
	account, err := r.findAccount(ctx, cooperativeID, spec)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}
	var a Account
	err = r.tx.QueryRow(ctx, `INSERT INTO accounts (cooperative_id, code, name, type, parent_id, is_active)
VALUES ($1, $2, $3, 'EQUITY', NULL, TRUE)
ON CONFLICT (cooperative_id, code, name) DO NOTHING
RETURNING id, cooperative_id, code, name, type, parent_id, is_active, created_at, updated_at`, cooperativeID, spec.Code, spec.Name).
		Scan(&a.ID, &a.CooperativeID, &a.Code, &a.Name, &a.Type, &a.ParentID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// lost the insert race to a concurrent transaction
		return r.findAccount(ctx, cooperativeID, spec)
	}
	if err != nil {
		return Account{}, fmt.Errorf("ledger: create system account %s: %w", spec.Code, err)
	}
	return a, nil
}

func (r *txRepository) findAccount(ctx context.Context, cooperativeID int64, spec SystemAccountSpec) (Account, error) {
	var a Account
	err := r.tx.QueryRow(ctx, `SELECT id, cooperative_id, code, name, type, parent_id, is_active, created_at, updated_at
FROM accounts WHERE cooperative_id = $1 AND code = $2 AND name = $3 ORDER BY id LIMIT 1`, cooperativeID, spec.Code, spec.Name).
		Scan(&a.ID, &a.CooperativeID, &a.Code, &a.Name, &a.Type, &a.ParentID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func (r *txRepository) InsertJournalEntry(ctx context.Context, in JournalEntryInput) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO journal_entries
(cooperative_id, fiscal_period_id, reference_number, transaction_date, description, is_approved, is_closing_entry, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		in.CooperativeID, in.FiscalPeriodID, in.ReferenceNumber, in.TransactionDate, in.Description, in.IsApproved, in.IsClosingEntry, in.CreatedBy).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateReference, in.ReferenceNumber)
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) InsertJournalLine(ctx context.Context, entryID int64, line JournalLineInput) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO journal_lines (journal_entry_id, account_id, debit_amount, credit_amount, description)
VALUES ($1, $2, $3, $4, $5)`, entryID, line.AccountID, line.DebitAmount, line.CreditAmount, line.Description)
	return err
}

func (r *txRepository) UpsertAccountBalance(ctx context.Context, balance AccountBalance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO account_balances (account_id, fiscal_period_id, cooperative_id, ending_balance, balance_date)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (account_id, fiscal_period_id)
DO UPDATE SET ending_balance = EXCLUDED.ending_balance, balance_date = EXCLUDED.balance_date, updated_at = NOW()`,
		balance.AccountID, balance.FiscalPeriodID, balance.CooperativeID, balance.EndingBalance, balance.BalanceDate)
	return err
}

func (r *txRepository) MarkPeriodClosed(ctx context.Context, periodID int64, closedAt time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE fiscal_periods SET is_closed = TRUE, closed_at = $2, updated_at = NOW()
WHERE id = $1 AND is_closed = FALSE`, periodID, closedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrPeriodClosed
	}
	return nil
}

func (r *txRepository) FindPeriodStartingOn(ctx context.Context, cooperativeID int64, date time.Time) (FiscalPeriod, bool, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE cooperative_id = $1 AND start_date = $2::date LIMIT 1`, cooperativeID, date))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FiscalPeriod{}, false, nil
		}
		return FiscalPeriod{}, false, err
	}
	return p, true, nil
}

func (r *txRepository) InsertFiscalPeriod(ctx context.Context, in FiscalPeriodInput) (FiscalPeriod, error) {
	if err := in.Validate(); err != nil {
		return FiscalPeriod{}, err
	}
	return scanPeriod(r.tx.QueryRow(ctx, `INSERT INTO fiscal_periods (cooperative_id, name, start_date, end_date, is_closed)
VALUES ($1, $2, $3, $4, FALSE) RETURNING `+periodColumns, in.CooperativeID, in.Name, in.StartDate, in.EndDate))
}

func typeNames(types []AccountType) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
