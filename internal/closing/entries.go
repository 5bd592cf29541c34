package closing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coopledger/coopledger/internal/ledger"
)

// Closing entry reference prefixes.
const (
	refCloseRevenue   = "CLOSE-CR"
	refCloseExpense   = "CLOSE-CE"
	refCloseNetIncome = "CLOSE-CNI"
)

// ClosingLine is a temporary account and its period balance signed by its normal side.
type ClosingLine struct {
	Account ledger.Account
	Balance decimal.Decimal
}

// Preview is the closing plan for a period computed without writing anything.
type Preview struct {
	Revenue      []ClosingLine
	Expense      []ClosingLine
	TotalRevenue decimal.Decimal
	TotalExpense decimal.Decimal
	NetIncome    decimal.Decimal
}

// AccountsToClose counts the revenue and expense accounts carrying a balance.
func (p Preview) AccountsToClose() int {
	return len(p.Revenue) + len(p.Expense)
}

// PostedEntry describes a closing entry written to the ledger.
type PostedEntry struct {
	ID        int64
	Reference string
	Amount    decimal.Decimal
	Lines     int
}

// ClosingEntries collects the entries posted for a period.
type ClosingEntries struct {
	Revenue   *PostedEntry
	Expense   *PostedEntry
	NetIncome *PostedEntry
	// NetIncomeAmount is the Income Summary balance transferred to Retained Earnings.
	NetIncomeAmount decimal.Decimal
}

// Count returns how many entries were posted.
func (c ClosingEntries) Count() int {
	n := 0
	for _, e := range []*PostedEntry{c.Revenue, c.Expense, c.NetIncome} {
		if e != nil {
			n++
		}
	}
	return n
}

// ResolvedAccounts holds the system accounts after find-or-create.
type ResolvedAccounts struct {
	IncomeSummary    ledger.Account
	RetainedEarnings ledger.Account
}

// ResolveSystemAccounts finds or creates Income Summary and Retained Earnings for the cooperative.
func ResolveSystemAccounts(ctx context.Context, tx ledger.TxStore, cooperativeID int64, specs ledger.SystemAccounts) (ResolvedAccounts, error) {
	if err := specs.Validate(); err != nil {
		return ResolvedAccounts{}, fmt.Errorf("%w: %v", ErrSystemAccount, err)
	}
	is, err := tx.FindOrCreateSystemAccount(ctx, cooperativeID, specs[ledger.IncomeSummary])
	if err != nil {
		return ResolvedAccounts{}, fmt.Errorf("%w: income summary: %v", ErrSystemAccount, err)
	}
	re, err := tx.FindOrCreateSystemAccount(ctx, cooperativeID, specs[ledger.RetainedEarnings])
	if err != nil {
		return ResolvedAccounts{}, fmt.Errorf("%w: retained earnings: %v", ErrSystemAccount, err)
	}
	return ResolvedAccounts{IncomeSummary: is, RetainedEarnings: re}, nil
}

// Generator emits the closing entries of a period.
type Generator struct{}

// NewGenerator constructs a Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Preview computes revenue and expense balances that closing would zero.
func (g *Generator) Preview(ctx context.Context, reader ledger.Reader, period ledger.FiscalPeriod) (Preview, error) {
	revenue, err := closingLines(ctx, reader, period, ledger.AccountTypeRevenue)
	if err != nil {
		return Preview{}, err
	}
	expense, err := closingLines(ctx, reader, period, ledger.AccountTypeExpense)
	if err != nil {
		return Preview{}, err
	}
	p := Preview{Revenue: revenue, Expense: expense, TotalRevenue: sumLines(revenue), TotalExpense: sumLines(expense)}
	p.NetIncome = p.TotalRevenue.Sub(p.TotalExpense)
	return p, nil
}

// Generate posts the revenue, expense and net income transfer entries. Income
// Summary is read back only after the first two entries are inserted.
func (g *Generator) Generate(ctx context.Context, tx ledger.TxStore, period ledger.FiscalPeriod, accounts ResolvedAccounts, actorID int64) (ClosingEntries, error) {
	plan, err := g.Preview(ctx, tx, period)
	if err != nil {
		return ClosingEntries{}, err
	}
	var out ClosingEntries

	if len(plan.Revenue) > 0 {
		in := closingEntry(period, refCloseRevenue, "Closing revenue accounts", actorID)
		for _, l := range plan.Revenue {
			// revenue is credit-normal: a positive balance is zeroed with a debit
			in.Lines = append(in.Lines, sideLine(l.Account.ID, l.Balance, true, lineDescription(l.Account)))
		}
		if !plan.TotalRevenue.IsZero() {
			in.Lines = append(in.Lines, sideLine(accounts.IncomeSummary.ID, plan.TotalRevenue, false, "Revenue to income summary"))
		}
		if out.Revenue, err = post(ctx, tx, in); err != nil {
			return ClosingEntries{}, err
		}
	}

	if len(plan.Expense) > 0 {
		in := closingEntry(period, refCloseExpense, "Closing expense accounts", actorID)
		for _, l := range plan.Expense {
			in.Lines = append(in.Lines, sideLine(l.Account.ID, l.Balance, false, lineDescription(l.Account)))
		}
		if !plan.TotalExpense.IsZero() {
			in.Lines = append(in.Lines, sideLine(accounts.IncomeSummary.ID, plan.TotalExpense, true, "Expenses to income summary"))
		}
		if out.Expense, err = post(ctx, tx, in); err != nil {
			return ClosingEntries{}, err
		}
	}

	summary, err := tx.AccountActivity(ctx, accounts.IncomeSummary, period.Range())
	if err != nil {
		return ClosingEntries{}, err
	}
	balance := summary.Credit.Sub(summary.Debit)
	out.NetIncomeAmount = balance
	if balance.Abs().GreaterThan(ledger.Tolerance) {
		in := closingEntry(period, refCloseNetIncome, "Transfer net income to retained earnings", actorID)
		in.Lines = append(in.Lines,
			sideLine(accounts.IncomeSummary.ID, balance, true, "Close income summary"),
			sideLine(accounts.RetainedEarnings.ID, balance, false, "Net income for "+period.Name),
		)
		if out.NetIncome, err = post(ctx, tx, in); err != nil {
			return ClosingEntries{}, err
		}
	}
	return out, nil
}

func closingLines(ctx context.Context, reader ledger.Reader, period ledger.FiscalPeriod, t ledger.AccountType) ([]ClosingLine, error) {
	totals, err := reader.AccountTotals(ctx, period.CooperativeID, []ledger.AccountType{t}, period.Range())
	if err != nil {
		return nil, err
	}
	var lines []ClosingLine
	for _, total := range totals {
		balance := total.Balance()
		// contra balances stay open
		if !balance.IsPositive() {
			continue
		}
		lines = append(lines, ClosingLine{Account: total.Account, Balance: balance})
	}
	return lines, nil
}

func closingEntry(period ledger.FiscalPeriod, prefix, description string, actorID int64) ledger.JournalEntryInput {
	var createdBy *int64
	if actorID > 0 {
		id := actorID
		createdBy = &id
	}
	return ledger.JournalEntryInput{
		CooperativeID:   period.CooperativeID,
		FiscalPeriodID:  period.ID,
		ReferenceNumber: ClosingReference(prefix, period),
		TransactionDate: period.EndDate,
		Description:     fmt.Sprintf("%s for period %s", description, period.Name),
		IsApproved:      true,
		IsClosingEntry:  true,
		CreatedBy:       createdBy,
	}
}

// ClosingReference builds the reference number of a closing entry, e.g. CLOSE-CR-12-20240131.
func ClosingReference(prefix string, period ledger.FiscalPeriod) string {
	return fmt.Sprintf("%s-%d-%s", prefix, period.ID, period.EndDate.Format("20060102"))
}

// sideLine places amount on the debit side when debitIfPositive is true and the
// amount is positive; a negative amount lands on the opposite side.
func sideLine(accountID int64, amount decimal.Decimal, debitIfPositive bool, description string) ledger.JournalLineInput {
	line := ledger.JournalLineInput{AccountID: accountID, Description: description}
	debitSide := debitIfPositive == amount.IsPositive()
	if debitSide {
		line.DebitAmount = amount.Abs()
	} else {
		line.CreditAmount = amount.Abs()
	}
	return line
}

func post(ctx context.Context, tx ledger.TxStore, in ledger.JournalEntryInput) (*PostedEntry, error) {
	id, err := ledger.PostEntry(ctx, tx, in)
	if err != nil {
		if errors.Is(err, ledger.ErrUnbalanced) {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnbalancedClosingEntry, in.ReferenceNumber, err)
		}
		return nil, fmt.Errorf("closing: post %s: %w", in.ReferenceNumber, err)
	}
	debit, _ := in.Totals()
	return &PostedEntry{ID: id, Reference: in.ReferenceNumber, Amount: debit, Lines: len(in.Lines)}, nil
}

func lineDescription(a ledger.Account) string {
	return fmt.Sprintf("Close %s %s", a.Code, a.Name)
}

func sumLines(lines []ClosingLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Balance)
	}
	return total
}
