package closing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coopledger/coopledger/internal/ledger"
)

// maxListedRefs caps how many entry references are echoed in a message.
const maxListedRefs = 5

// Validator runs the pre-close checks for a period.
type Validator struct {
	store ledger.Store
	now   func() time.Time
}

// NewValidator constructs a Validator.
func NewValidator(store ledger.Store) *Validator {
	return &Validator{store: store, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (v *Validator) WithNow(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// Validate evaluates every check and collects errors and warnings. A returned
// error means a check could not run, not that the period failed validation.
func (v *Validator) Validate(ctx context.Context, period ledger.FiscalPeriod) (ValidationReport, error) {
	var report ValidationReport

	if period.IsClosed {
		report.Errors = append(report.Errors, "Period is already closed")
	}

	if dateOnly(period.EndDate).After(dateOnly(v.now())) {
		report.Warnings = append(report.Warnings, fmt.Sprintf("Period end date %s is in the future", period.EndDate.Format("2006-01-02")))
	}

	unbalanced, err := v.store.UnbalancedEntries(ctx, period)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("closing: unbalanced entries: %w", err)
	}
	if len(unbalanced) > 0 {
		report.Errors = append(report.Errors, fmt.Sprintf("%d unbalanced journal %s found (%s)",
			len(unbalanced), plural(len(unbalanced), "entry", "entries"), refList(unbalanced)))
	}

	unapproved, err := v.store.UnapprovedEntries(ctx, period)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("closing: unapproved entries: %w", err)
	}
	if len(unapproved) > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d unapproved journal %s found",
			len(unapproved), plural(len(unapproved), "entry", "entries")))
	}

	pending, err := v.store.PendingTransactions(ctx, period)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("closing: pending transactions: %w", err)
	}
	if msg := pendingMessage(pending); msg != "" {
		report.Warnings = append(report.Warnings, msg)
	}

	tb, err := TrialBalance(ctx, v.store, period.CooperativeID, period.Range())
	if err != nil {
		return ValidationReport{}, fmt.Errorf("closing: trial balance: %w", err)
	}
	report.TrialBalance = tb
	if !tb.Balanced {
		report.Errors = append(report.Errors, fmt.Sprintf("Trial balance is out of balance by %s", tb.Difference.StringFixed(2)))
	}

	report.CanClose = len(report.Errors) == 0
	return report, nil
}

func pendingMessage(pending []ledger.PendingTransaction) string {
	parts := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Count <= 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%d)", p.Type, p.Count))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Pending transactions: " + strings.Join(parts, ", ")
}

func refList(refs []ledger.EntryRef) string {
	names := make([]string, 0, maxListedRefs+1)
	for i, ref := range refs {
		if i == maxListedRefs {
			names = append(names, "...")
			break
		}
		names = append(names, ref.ReferenceNumber)
	}
	return strings.Join(names, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
