package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coopledger/coopledger/internal/platform/db"
)

func TestTranslateTxError(t *testing.T) {
	serialization := fmt.Errorf("commit: %w", &pgconn.PgError{Code: serializationFailure})
	err := translateTxError(serialization)
	require.ErrorIs(t, err, ErrConcurrentUpdate)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)

	other := &pgconn.PgError{Code: uniqueViolation}
	require.NotErrorIs(t, translateTxError(other), ErrConcurrentUpdate)

	boom := errors.New("boom")
	require.Equal(t, boom, translateTxError(boom))
	require.NoError(t, translateTxError(nil))
}

type pgFixture struct {
	pool    *pgxpool.Pool
	repo    *Repository
	coop    int64
	other   int64
	cash    int64
	fees    int64
	expense int64
	unused  int64
	period  FiscalPeriod
}

func newPGFixture(t *testing.T) pgFixture {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	_, err := db.Migrate(dsn, false)
	require.NoError(t, err)

	ctx := context.Background()
	pool, err := db.New(ctx, dsn, db.PoolOptions{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	f := pgFixture{pool: pool, repo: NewRepository(pool)}
	f.coop = insertCooperative(t, pool)
	f.other = insertCooperative(t, pool)
	f.cash = insertAccount(t, pool, f.coop, "1100", "Cash", AccountTypeAsset)
	f.fees = insertAccount(t, pool, f.coop, "4100", "Fees", AccountTypeRevenue)
	f.expense = insertAccount(t, pool, f.coop, "5100", "Office Expense", AccountTypeExpense)
	f.unused = insertAccount(t, pool, f.coop, "4200", "Grants", AccountTypeRevenue)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	var periodID int64
	require.NoError(t, pool.QueryRow(ctx, `INSERT INTO fiscal_periods (cooperative_id, name, start_date, end_date)
VALUES ($1, '2024-01', $2, $3) RETURNING id`, f.coop, start, end).Scan(&periodID))
	f.period, err = f.repo.LoadPeriod(ctx, f.coop, periodID)
	require.NoError(t, err)

	f.post(t, "JE-1", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), true, f.cash, f.fees, "250.00")
	f.post(t, "JE-2", time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC), true, f.expense, f.cash, "40.50")
	// unapproved and out-of-range entries are ignored
	f.post(t, "JE-3", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), false, f.cash, f.fees, "999.00")
	f.post(t, "JE-4", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), true, f.cash, f.fees, "5.00")
	return f
}

func insertCooperative(t *testing.T, pool *pgxpool.Pool) int64 {
	t.Helper()
	var id int64
	require.NoError(t, pool.QueryRow(context.Background(),
		`INSERT INTO cooperatives (code, name) VALUES ($1, 'Test Cooperative') RETURNING id`, uuid.NewString()).Scan(&id))
	return id
}

func insertAccount(t *testing.T, pool *pgxpool.Pool, coop int64, code, name string, typ AccountType) int64 {
	t.Helper()
	var id int64
	require.NoError(t, pool.QueryRow(context.Background(),
		`INSERT INTO accounts (cooperative_id, code, name, type) VALUES ($1, $2, $3, $4) RETURNING id`,
		coop, code, name, string(typ)).Scan(&id))
	return id
}

func (f pgFixture) post(t *testing.T, ref string, on time.Time, approved bool, debit, credit int64, amount string) {
	t.Helper()
	ctx := context.Background()
	var entryID int64
	require.NoError(t, f.pool.QueryRow(ctx, `INSERT INTO journal_entries (cooperative_id, fiscal_period_id, reference_number, transaction_date, is_approved)
VALUES ($1, $2, $3, $4, $5) RETURNING id`, f.coop, f.period.ID, ref, on, approved).Scan(&entryID))
	value := decimal.RequireFromString(amount)
	_, err := f.pool.Exec(ctx, `INSERT INTO journal_lines (journal_entry_id, account_id, debit_amount, credit_amount) VALUES
($1, $2, $3, 0), ($1, $4, 0, $3)`, entryID, debit, value, credit)
	require.NoError(t, err)
}

func TestRepositoryAgainstPostgres(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	t.Run("account type balance follows normal side", func(t *testing.T) {
		cases := []struct {
			types []AccountType
			want  string
		}{
			{types: []AccountType{AccountTypeRevenue}, want: "250"},
			{types: []AccountType{AccountTypeExpense}, want: "40.5"},
			{types: DebitNormalTypes, want: "250"},
		}
		for _, tc := range cases {
			got, err := f.repo.AccountTypeBalance(ctx, f.coop, tc.types, f.period.Range())
			require.NoError(t, err)
			require.True(t, got.Equal(decimal.RequireFromString(tc.want)), "types %v: got %s", tc.types, got)
		}
	})

	t.Run("account totals keep zero activity rows", func(t *testing.T) {
		totals, err := f.repo.AccountTotals(ctx, f.coop, []AccountType{AccountTypeRevenue}, f.period.Range())
		require.NoError(t, err)
		require.Len(t, totals, 2)
		byID := map[int64]AccountTotal{}
		for _, total := range totals {
			byID[total.Account.ID] = total
		}
		require.True(t, byID[f.fees].Balance().Equal(decimal.NewFromInt(250)))
		require.True(t, byID[f.unused].Debit.IsZero())
		require.True(t, byID[f.unused].Credit.IsZero())
	})

	t.Run("lock period is scoped to the cooperative", func(t *testing.T) {
		err := f.repo.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			_, err := tx.LockPeriod(ctx, f.other, f.period.ID)
			require.ErrorIs(t, err, ErrPeriodNotFound)
			locked, err := tx.LockPeriod(ctx, f.coop, f.period.ID)
			require.NoError(t, err)
			require.Equal(t, f.period.ID, locked.ID)
			require.False(t, locked.IsClosed)
			return nil
		})
		require.NoError(t, err)
	})
}
