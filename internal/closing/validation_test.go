package closing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coopledger/coopledger/internal/ledger"
	"github.com/coopledger/coopledger/internal/ledger/memstore"
)

func TestValidateReportsEveryIssue(t *testing.T) {
	s := memstore.New()
	c := seedCoop(s, 1)
	c.post(s, "JE-1", day(2024, 1, 5), true, dr(c.cash, "100"), cr(c.revenue, "87.50"))
	c.post(s, "JE-2", day(2024, 1, 6), false, dr(c.cash, "10"), cr(c.capital, "10"))
	s.AddPending(c.id, ledger.PendingTypeSavings, memstore.StatusPending, day(2024, 1, 7))
	s.AddPending(c.id, ledger.PendingTypeSavings, memstore.StatusPending, day(2024, 1, 8))
	s.AddPending(c.id, ledger.PendingTypeLoanPayment, memstore.StatusPending, day(2024, 1, 9))
	s.AddPending(c.id, ledger.PendingTypeLoanPayment, memstore.StatusCompleted, day(2024, 1, 9))

	period := c.period
	period.IsClosed = true

	v := NewValidator(s)
	v.WithNow(func() time.Time { return day(2024, 1, 15) })
	report, err := v.Validate(context.Background(), period)
	require.NoError(t, err)
	require.False(t, report.CanClose)
	require.Equal(t, []string{
		"Period is already closed",
		"1 unbalanced journal entry found (JE-1)",
		"Trial balance is out of balance by 12.50",
	}, report.Errors)
	require.Equal(t, []string{
		"Period end date 2024-01-31 is in the future",
		"1 unapproved journal entry found",
		"Pending transactions: savings (2), loan_payment (1)",
	}, report.Warnings)
}

func TestValidateCleanPeriod(t *testing.T) {
	s := memstore.New()
	c := seedCoop(s, 1)
	c.seedActivity(s)

	v := NewValidator(s)
	v.WithNow(func() time.Time { return day(2024, 2, 1) })
	report, err := v.Validate(context.Background(), c.period)
	require.NoError(t, err)
	require.True(t, report.CanClose)
	require.Empty(t, report.Errors)
	require.Empty(t, report.Warnings)
	require.True(t, report.TrialBalance.Balanced)
}

func TestValidateEndDateTodayIsNotFuture(t *testing.T) {
	s := memstore.New()
	c := seedCoop(s, 1)

	v := NewValidator(s)
	v.WithNow(func() time.Time { return time.Date(2024, 1, 31, 18, 0, 0, 0, time.UTC) })
	report, err := v.Validate(context.Background(), c.period)
	require.NoError(t, err)
	require.Empty(t, report.Warnings)
}

func TestRefListTruncates(t *testing.T) {
	var refs []ledger.EntryRef
	for i := 1; i <= 7; i++ {
		refs = append(refs, ledger.EntryRef{ID: int64(i), ReferenceNumber: fmt.Sprintf("JE-%d", i)})
	}
	require.Equal(t, "JE-1, JE-2, JE-3, JE-4, JE-5, ...", refList(refs))
	require.Equal(t, "JE-1", refList(refs[:1]))
}
