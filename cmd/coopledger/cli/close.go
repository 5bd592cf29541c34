package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/coopledger/coopledger/internal/closing"
	"github.com/coopledger/coopledger/internal/ledger"
)

// Runner executes a close batch; *closing.Service satisfies it.
type Runner interface {
	Run(ctx context.Context, opts closing.RunOptions) (closing.BatchReport, error)
}

// CloseOptions configures the close command execution.
type CloseOptions struct {
	CooperativeID int64
	PeriodID      int64
	ActorID       int64
	Force         bool
	DryRun        bool
	Auto          bool
	// AssumeYes accepts validation warnings without prompting.
	AssumeYes  bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
	Stdin      io.Reader
	Confirm    func(io.Reader, io.Writer, ledger.FiscalPeriod, []string) (bool, error)
}

// CloseCLI drives period closing from the command line.
type CloseCLI struct {
	runner  Runner
	printer *message.Printer
}

// NewCloseCLI constructs the close command.
func NewCloseCLI(runner Runner) (*CloseCLI, error) {
	if runner == nil {
		return nil, errors.New("close cli: runner is required")
	}
	return &CloseCLI{runner: runner, printer: message.NewPrinter(language.English)}, nil
}

// CloseSummary is the JSON rendering of a batch.
type CloseSummary struct {
	RunID     string          `json:"run_id"`
	Succeeded int             `json:"succeeded"`
	Warned    int             `json:"warned"`
	Failed    int             `json:"failed"`
	Periods   []PeriodSummary `json:"periods"`
}

// PeriodSummary is the JSON rendering of one period outcome.
type PeriodSummary struct {
	ID            int64           `json:"id"`
	CooperativeID int64           `json:"cooperative_id"`
	Name          string          `json:"name"`
	StartDate     string          `json:"start_date"`
	EndDate       string          `json:"end_date"`
	Outcome       string          `json:"outcome"`
	Severity      string          `json:"severity"`
	Message       string          `json:"message"`
	Forced        bool            `json:"forced,omitempty"`
	Errors        []string        `json:"errors,omitempty"`
	Warnings      []string        `json:"warnings,omitempty"`
	TrialBalance  *TrialBalance   `json:"trial_balance,omitempty"`
	Preview       *PreviewSummary `json:"preview,omitempty"`
	Entries       []EntrySummary  `json:"entries,omitempty"`
	NetIncome     string          `json:"net_income,omitempty"`
	Balances      int             `json:"balances_written,omitempty"`
	NextPeriod    string          `json:"next_period,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
}

// TrialBalance is the JSON rendering of the trial balance check.
type TrialBalance struct {
	Balanced   bool   `json:"balanced"`
	Difference string `json:"difference"`
}

// PreviewSummary lists the accounts a dry run would close.
type PreviewSummary struct {
	Revenue      []AccountAmount `json:"revenue"`
	Expense      []AccountAmount `json:"expense"`
	TotalRevenue string          `json:"total_revenue"`
	TotalExpense string          `json:"total_expense"`
	NetIncome    string          `json:"net_income"`
}

// AccountAmount is one account balance.
type AccountAmount struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Balance string `json:"balance"`
}

// EntrySummary is one posted closing entry.
type EntrySummary struct {
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
	Lines     int    `json:"lines"`
}

// CloseCommand runs the close workflow and returns the process exit code.
func (c *CloseCLI) CloseCommand(ctx context.Context, opts CloseOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	stdin := bufio.NewReader(opts.Stdin)
	confirm := opts.Confirm
	if confirm == nil {
		confirm = defaultCloseConfirm
	}
	if opts.JSONOutput && !opts.AssumeYes {
		// the prompt would corrupt JSON output; periods with warnings are skipped
		confirm = func(io.Reader, io.Writer, ledger.FiscalPeriod, []string) (bool, error) { return false, nil }
	}
	confirmer := closing.ConfirmFunc(func(ctx context.Context, period ledger.FiscalPeriod, warnings []string) (bool, error) {
		if opts.AssumeYes {
			return true, nil
		}
		return confirm(stdin, opts.Stderr, period, warnings)
	})

	report, err := c.runner.Run(ctx, closing.RunOptions{
		Options: closing.Options{
			CooperativeID: opts.CooperativeID,
			PeriodID:      opts.PeriodID,
			ActorID:       opts.ActorID,
			Force:         opts.Force,
			DryRun:        opts.DryRun,
			Auto:          opts.Auto,
		},
		Confirmer: confirmer,
	})
	if err != nil {
		fmt.Fprintf(opts.Stderr, "close: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(c.summarise(report)); err != nil {
			fmt.Fprintf(opts.Stderr, "close: %v\n", err)
			return 1
		}
		return report.ExitCode()
	}
	c.renderHuman(opts.Stdout, report)
	return report.ExitCode()
}

func (c *CloseCLI) summarise(report closing.BatchReport) CloseSummary {
	summary := CloseSummary{
		RunID:     report.RunID.String(),
		Succeeded: report.Succeeded,
		Warned:    report.Warned,
		Failed:    report.Failed,
		Periods:   make([]PeriodSummary, 0, len(report.Outcomes)),
	}
	for _, o := range report.Outcomes {
		p := PeriodSummary{
			ID:            o.Period.ID,
			CooperativeID: o.Period.CooperativeID,
			Name:          o.Period.Name,
			StartDate:     o.Period.StartDate.Format("2006-01-02"),
			EndDate:       o.Period.EndDate.Format("2006-01-02"),
			Outcome:       string(o.Kind),
			Severity:      string(o.Kind.Severity()),
			Message:       o.Message(),
			Forced:        o.Forced,
			Errors:        o.Report.Errors,
			Warnings:      o.Report.Warnings,
			DurationMS:    o.Duration.Milliseconds(),
		}
		if o.Kind != closing.OutcomeAlreadyClosed {
			p.TrialBalance = &TrialBalance{
				Balanced:   o.Report.TrialBalance.Balanced,
				Difference: o.Report.TrialBalance.Difference.StringFixed(2),
			}
		}
		if o.Preview != nil {
			p.Preview = &PreviewSummary{
				Revenue:      accountAmounts(o.Preview.Revenue),
				Expense:      accountAmounts(o.Preview.Expense),
				TotalRevenue: o.Preview.TotalRevenue.StringFixed(2),
				TotalExpense: o.Preview.TotalExpense.StringFixed(2),
				NetIncome:    o.Preview.NetIncome.StringFixed(2),
			}
		}
		if o.Summary != nil {
			for _, e := range postedEntries(o.Summary.Entries) {
				p.Entries = append(p.Entries, EntrySummary{Reference: e.Reference, Amount: e.Amount.StringFixed(2), Lines: e.Lines})
			}
			p.NetIncome = o.Summary.Entries.NetIncomeAmount.StringFixed(2)
			p.Balances = o.Summary.BalancesWritten
			if o.Summary.Rollover.Period.ID != 0 {
				p.NextPeriod = o.Summary.Rollover.Period.Name
			}
		}
		summary.Periods = append(summary.Periods, p)
	}
	return summary
}

func (c *CloseCLI) renderHuman(out io.Writer, report closing.BatchReport) {
	if len(report.Outcomes) == 0 {
		fmt.Fprintln(out, "No periods selected.")
	}
	for _, o := range report.Outcomes {
		fmt.Fprintf(out, "[%s] %s (cooperative %d, %s to %s): %s\n",
			o.Kind, o.Period.Name, o.Period.CooperativeID,
			o.Period.StartDate.Format("2006-01-02"), o.Period.EndDate.Format("2006-01-02"), o.Message())
		for _, msg := range o.Report.Errors {
			fmt.Fprintf(out, "  error: %s\n", msg)
		}
		for _, msg := range o.Report.Warnings {
			fmt.Fprintf(out, "  warning: %s\n", msg)
		}
		if o.Forced {
			fmt.Fprintln(out, "  forced: validation errors were overridden")
		}
		if o.Preview != nil {
			for _, line := range o.Preview.Revenue {
				fmt.Fprintf(out, "  revenue %s %s: %s\n", line.Account.Code, line.Account.Name, c.amount(line.Balance))
			}
			for _, line := range o.Preview.Expense {
				fmt.Fprintf(out, "  expense %s %s: %s\n", line.Account.Code, line.Account.Name, c.amount(line.Balance))
			}
			fmt.Fprintf(out, "  net income: %s\n", c.amount(o.Preview.NetIncome))
		}
		if o.Summary != nil {
			for _, e := range postedEntries(o.Summary.Entries) {
				fmt.Fprintf(out, "  posted %s: %s (%d lines)\n", e.Reference, c.amount(e.Amount), e.Lines)
			}
			fmt.Fprintf(out, "  net income: %s\n", c.amount(o.Summary.Entries.NetIncomeAmount))
		}
	}
	fmt.Fprintf(out, "%d period(s): %d succeeded, %d warned, %d failed (run %s)\n",
		len(report.Outcomes), report.Succeeded, report.Warned, report.Failed, report.RunID)
}

func (c *CloseCLI) amount(d decimal.Decimal) string {
	return c.printer.Sprintf("%.2f", d.Round(2).InexactFloat64())
}

func postedEntries(entries closing.ClosingEntries) []*closing.PostedEntry {
	var out []*closing.PostedEntry
	for _, e := range []*closing.PostedEntry{entries.Revenue, entries.Expense, entries.NetIncome} {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func accountAmounts(lines []closing.ClosingLine) []AccountAmount {
	out := make([]AccountAmount, len(lines))
	for i, line := range lines {
		out[i] = AccountAmount{Code: line.Account.Code, Name: line.Account.Name, Balance: line.Balance.StringFixed(2)}
	}
	return out
}

func defaultCloseConfirm(r io.Reader, w io.Writer, period ledger.FiscalPeriod, warnings []string) (bool, error) {
	fmt.Fprintf(w, "Period %s (cooperative %d) has warnings:\n", period.Name, period.CooperativeID)
	for _, msg := range warnings {
		fmt.Fprintf(w, " - %s\n", msg)
	}
	fmt.Fprint(w, "Close anyway? Type YES to confirm: ")
	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "YES"), nil
}
