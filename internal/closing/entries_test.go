package closing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coopledger/coopledger/internal/ledger"
	"github.com/coopledger/coopledger/internal/ledger/memstore"
)

func generate(t *testing.T, s *memstore.Store, period ledger.FiscalPeriod) ClosingEntries {
	t.Helper()
	var out ClosingEntries
	err := s.WithTx(context.Background(), func(ctx context.Context, tx ledger.TxStore) error {
		accounts, err := ResolveSystemAccounts(ctx, tx, period.CooperativeID, ledger.DefaultSystemAccounts())
		if err != nil {
			return err
		}
		out, err = NewGenerator().Generate(ctx, tx, period, accounts, 42)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestGenerateZeroesRevenueAndExpense(t *testing.T) {
	s := memstore.New()
	c := seedCoop(s, 1)
	c.seedActivity(s)

	out := generate(t, s, c.period)
	require.Equal(t, 3, out.Count())
	require.Equal(t, "CLOSE-CR-"+itoa(c.period.ID)+"-20240131", out.Revenue.Reference)
	require.Equal(t, "CLOSE-CE-"+itoa(c.period.ID)+"-20240131", out.Expense.Reference)
	require.Equal(t, "CLOSE-CNI-"+itoa(c.period.ID)+"-20240131", out.NetIncome.Reference)
	requireDecimal(t, "180", out.NetIncomeAmount)

	requireDecimal(t, "0", periodBalance(t, s, c.period, c.revenue))
	requireDecimal(t, "0", periodBalance(t, s, c.period, c.expense))
	requireDecimal(t, "0", periodBalance(t, s, c.period, findAccount(t, s, c.id, "3900")))
	requireDecimal(t, "180", periodBalance(t, s, c.period, findAccount(t, s, c.id, "3200")))

	for _, e := range s.Entries(c.id) {
		if !e.IsClosingEntry {
			continue
		}
		require.True(t, e.IsApproved)
		require.True(t, e.TransactionDate.Equal(c.period.EndDate))
		require.NotNil(t, e.CreatedBy)
		require.Equal(t, int64(42), *e.CreatedBy)
		debit, credit := amount("0"), amount("0")
		for _, l := range e.Lines {
			debit = debit.Add(l.DebitAmount)
			credit = credit.Add(l.CreditAmount)
			require.False(t, l.DebitAmount.IsNegative() || l.CreditAmount.IsNegative())
		}
		require.Truef(t, debit.Equal(credit), "%s unbalanced", e.ReferenceNumber)
	}
}

func TestGenerateNetLossDebitsRetainedEarnings(t *testing.T) {
	s := memstore.New()
	c := seedCoop(s, 1)
	c.post(s, "JE-1", day(2024, 1, 3), true, dr(c.cash, "50"), cr(c.revenue, "50"))
	c.post(s, "JE-2", day(2024, 1, 4), true, dr(c.expense, "80"), cr(c.cash, "80"))

	out := generate(t, s, c.period)
	requireDecimal(t, "-30", out.NetIncomeAmount)

	re := findAccount(t, s, c.id, "3200")
	requireDecimal(t, "-30", periodBalance(t, s, c.period, re))
	requireDecimal(t, "0", periodBalance(t, s, c.period, findAccount(t, s, c.id, "3900")))

	var cni ledger.JournalEntry
	for _, e := range s.Entries(c.id) {
		if e.ReferenceNumber == out.NetIncome.Reference {
			cni = e
		}
	}
	require.Len(t, cni.Lines, 2)
	require.True(t, cni.Lines[0].CreditAmount.Equal(amount("30")))
	require.Equal(t, re.ID, cni.Lines[1].AccountID)
	require.True(t, cni.Lines[1].DebitAmount.Equal(amount("30")))
}

func TestGenerateSkipsContraBalances(t *testing.T) {
	s := memstore.New()
	c := seedCoop(s, 1)
	returns := s.AddAccount(ledger.Account{CooperativeID: c.id, Code: "4200", Name: "Fee Refunds", Type: ledger.AccountTypeRevenue, IsActive: true})
	c.post(s, "JE-1", day(2024, 1, 3), true, dr(c.cash, "300"), cr(c.revenue, "300"))
	c.post(s, "JE-2", day(2024, 1, 4), true, dr(returns, "20"), cr(c.cash, "20"))

	out := generate(t, s, c.period)
	require.Nil(t, out.Expense)
	require.Equal(t, 2, out.Revenue.Lines)
	requireDecimal(t, "300", out.NetIncomeAmount)
	requireDecimal(t, "0", periodBalance(t, s, c.period, c.revenue))
	requireDecimal(t, "-20", periodBalance(t, s, c.period, returns))
}

func TestGenerateWithoutActivityPostsNothing(t *testing.T) {
	s := memstore.New()
	c := seedCoop(s, 1)

	out := generate(t, s, c.period)
	require.Zero(t, out.Count())
	require.Empty(t, s.Entries(c.id))
	// system accounts are still provisioned
	findAccount(t, s, c.id, "3900")
	findAccount(t, s, c.id, "3200")
}

func TestResolveSystemAccountsIsIdempotent(t *testing.T) {
	s := memstore.New()
	var first, second ResolvedAccounts
	for _, target := range []*ResolvedAccounts{&first, &second} {
		err := s.WithTx(context.Background(), func(ctx context.Context, tx ledger.TxStore) error {
			var err error
			*target, err = ResolveSystemAccounts(ctx, tx, 9, ledger.DefaultSystemAccounts())
			return err
		})
		require.NoError(t, err)
	}
	require.Equal(t, first.IncomeSummary.ID, second.IncomeSummary.ID)
	require.Equal(t, first.RetainedEarnings.ID, second.RetainedEarnings.ID)
	require.NotEqual(t, first.IncomeSummary.ID, first.RetainedEarnings.ID)
	require.Equal(t, ledger.AccountTypeEquity, first.IncomeSummary.Type)
}

func TestResolveSystemAccountsRejectsBadConfig(t *testing.T) {
	s := memstore.New()
	err := s.WithTx(context.Background(), func(ctx context.Context, tx ledger.TxStore) error {
		_, err := ResolveSystemAccounts(ctx, tx, 1, ledger.SystemAccounts{})
		return err
	})
	require.ErrorIs(t, err, ErrSystemAccount)
}

func TestSideLine(t *testing.T) {
	l := sideLine(1, amount("10"), true, "")
	require.True(t, l.DebitAmount.Equal(amount("10")))
	require.True(t, l.CreditAmount.IsZero())

	l = sideLine(1, amount("-10"), true, "")
	require.True(t, l.CreditAmount.Equal(amount("10")))

	l = sideLine(1, amount("10"), false, "")
	require.True(t, l.CreditAmount.Equal(amount("10")))
}
