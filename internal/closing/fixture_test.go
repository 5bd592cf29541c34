package closing

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coopledger/coopledger/internal/ledger"
	"github.com/coopledger/coopledger/internal/ledger/memstore"
	_ "github.com/coopledger/coopledger/testing"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func amount(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type coop struct {
	id      int64
	cash    ledger.Account
	capital ledger.Account
	revenue ledger.Account
	expense ledger.Account
	period  ledger.FiscalPeriod
}

// seedCoop creates a chart of accounts and a January 2024 period.
func seedCoop(s *memstore.Store, id int64) coop {
	c := coop{id: id}
	c.cash = s.AddAccount(ledger.Account{CooperativeID: id, Code: "1100", Name: "Cash", Type: ledger.AccountTypeAsset, IsActive: true})
	c.capital = s.AddAccount(ledger.Account{CooperativeID: id, Code: "3100", Name: "Member Capital", Type: ledger.AccountTypeEquity, IsActive: true})
	c.revenue = s.AddAccount(ledger.Account{CooperativeID: id, Code: "4100", Name: "Loan Interest Income", Type: ledger.AccountTypeRevenue, IsActive: true})
	c.expense = s.AddAccount(ledger.Account{CooperativeID: id, Code: "5100", Name: "Office Expense", Type: ledger.AccountTypeExpense, IsActive: true})
	c.period = s.AddPeriod(ledger.FiscalPeriod{CooperativeID: id, Name: "2024-01", StartDate: day(2024, 1, 1), EndDate: day(2024, 1, 31)})
	return c
}

func (c coop) post(s *memstore.Store, ref string, on time.Time, approved bool, lines ...ledger.JournalLineInput) {
	s.AddEntry(ledger.JournalEntryInput{
		CooperativeID:   c.id,
		FiscalPeriodID:  c.period.ID,
		ReferenceNumber: ref,
		TransactionDate: on,
		Description:     ref,
		IsApproved:      approved,
		Lines:           lines,
	})
}

// seedActivity books capital 1000, revenue 300 and expense 120 in January.
func (c coop) seedActivity(s *memstore.Store) {
	c.post(s, "JE-1", day(2024, 1, 2), true, dr(c.cash, "1000"), cr(c.capital, "1000"))
	c.post(s, "JE-2", day(2024, 1, 10), true, dr(c.cash, "300"), cr(c.revenue, "300"))
	c.post(s, "JE-3", day(2024, 1, 20), true, dr(c.expense, "120"), cr(c.cash, "120"))
}

func dr(a ledger.Account, v string) ledger.JournalLineInput {
	return ledger.JournalLineInput{AccountID: a.ID, DebitAmount: amount(v)}
}

func cr(a ledger.Account, v string) ledger.JournalLineInput {
	return ledger.JournalLineInput{AccountID: a.ID, CreditAmount: amount(v)}
}

func newTestService(store ledger.Store, now time.Time) *Service {
	svc := NewService(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.WithNow(func() time.Time { return now })
	return svc
}

func periodBalance(t *testing.T, s *memstore.Store, period ledger.FiscalPeriod, account ledger.Account) decimal.Decimal {
	t.Helper()
	total, err := s.AccountActivity(context.Background(), account, period.Range())
	require.NoError(t, err)
	return total.Balance()
}

func findAccount(t *testing.T, s *memstore.Store, cooperativeID int64, code string) ledger.Account {
	t.Helper()
	accounts, err := s.ListAccounts(context.Background(), cooperativeID)
	require.NoError(t, err)
	for _, a := range accounts {
		if a.Code == code {
			return a
		}
	}
	t.Fatalf("account %s not found", code)
	return ledger.Account{}
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, amount(want).Equal(got), "want %s got %s", want, got.String())
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
