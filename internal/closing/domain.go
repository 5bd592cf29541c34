package closing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/coopledger/coopledger/internal/ledger"
)

// OutcomeKind tags the terminal state reached by a single period.
type OutcomeKind string

const (
	OutcomeClosed        OutcomeKind = "closed"
	OutcomeDryRun        OutcomeKind = "dry_run"
	OutcomeAlreadyClosed OutcomeKind = "already_closed"
	OutcomeSkipped       OutcomeKind = "skipped"
	OutcomeBlocked       OutcomeKind = "blocked"
	OutcomeFailed        OutcomeKind = "failed"
)

// Severity groups outcome kinds for batch summaries.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Severity maps the outcome kind to its summary bucket.
func (k OutcomeKind) Severity() Severity {
	switch k {
	case OutcomeClosed, OutcomeDryRun:
		return SeveritySuccess
	case OutcomeAlreadyClosed, OutcomeSkipped:
		return SeverityWarning
	default:
		return SeverityError
	}
}

var (
	// ErrPeriodClosed is reported when the period was already closed.
	ErrPeriodClosed = ledger.ErrPeriodClosed
	// ErrPeriodLocked indicates another process holds the close lock for the period.
	ErrPeriodLocked = errors.New("closing: period is being closed by another process")
	// ErrSystemAccount indicates Income Summary or Retained Earnings could not be resolved.
	ErrSystemAccount = errors.New("closing: system account unavailable")
	// ErrUnbalancedClosingEntry is returned if a generated entry fails its own balance check.
	ErrUnbalancedClosingEntry = errors.New("closing: generated closing entry does not balance")
)

// Options mirrors the operator command flags.
type Options struct {
	CooperativeID int64 `validate:"gte=0"`
	PeriodID      int64 `validate:"gte=0"`
	Force         bool
	DryRun        bool
	// Auto restricts selection to periods whose end date has passed.
	Auto    bool
	ActorID int64 `validate:"gte=0"`
}

var validate = validator.New()

// Validate checks option bounds.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("closing: invalid options: %w", err)
	}
	return nil
}

// ValidationReport is the result of the pre-close gate.
type ValidationReport struct {
	CanClose     bool
	Errors       []string
	Warnings     []string
	TrialBalance TrialBalanceResult
}

// HasWarnings reports whether operator confirmation is needed.
func (r ValidationReport) HasWarnings() bool {
	return len(r.Warnings) > 0
}

// Outcome is the tagged result of closing a single period.
type Outcome struct {
	Kind     OutcomeKind
	Period   ledger.FiscalPeriod
	Report   ValidationReport
	Forced   bool
	Preview  *Preview
	Summary  *Summary
	Err      error
	Duration time.Duration
}

// Message renders a one-line description of the outcome.
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeClosed:
		if o.Summary == nil {
			return "closed"
		}
		msg := fmt.Sprintf("closed with %d closing entries, %d balances snapshotted", o.Summary.Entries.Count(), o.Summary.BalancesWritten)
		if o.Summary.Rollover.Created {
			msg += fmt.Sprintf(", next period %s created", o.Summary.Rollover.Period.Name)
		}
		return msg
	case OutcomeDryRun:
		if o.Preview == nil {
			return "dry run"
		}
		return fmt.Sprintf("dry run: %d revenue and %d expense accounts would close", len(o.Preview.Revenue), len(o.Preview.Expense))
	case OutcomeAlreadyClosed:
		return "period is already closed"
	case OutcomeSkipped:
		return "skipped: warnings were not confirmed"
	case OutcomeBlocked:
		return "blocked: " + strings.Join(o.Report.Errors, "; ")
	default:
		if o.Err != nil {
			return "failed: " + o.Err.Error()
		}
		return "failed"
	}
}

// Summary describes the writes committed for a closed period.
type Summary struct {
	Entries         ClosingEntries
	BalancesWritten int
	Rollover        RolloverResult
}

// BatchReport accumulates outcomes for one invocation.
type BatchReport struct {
	RunID     uuid.UUID
	Outcomes  []Outcome
	Succeeded int
	Warned    int
	Failed    int
}

func (b *BatchReport) add(o Outcome) {
	b.Outcomes = append(b.Outcomes, o)
	switch o.Kind.Severity() {
	case SeveritySuccess:
		b.Succeeded++
	case SeverityWarning:
		b.Warned++
	default:
		b.Failed++
	}
}

// ExitCode is non-zero when any period ended in an error outcome.
func (b BatchReport) ExitCode() int {
	if b.Failed > 0 {
		return 1
	}
	return 0
}

// Confirmer asks an operator to accept validation warnings.
type Confirmer interface {
	Confirm(ctx context.Context, period ledger.FiscalPeriod, warnings []string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, period ledger.FiscalPeriod, warnings []string) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmFunc) Confirm(ctx context.Context, period ledger.FiscalPeriod, warnings []string) (bool, error) {
	return f(ctx, period, warnings)
}

// Locker provides cross-process exclusion per period. acquired is false when
// another holder owns the lock.
type Locker interface {
	TryLock(ctx context.Context, cooperativeID, periodID int64) (release func(), acquired bool, err error)
}

// OutcomeObserver receives one notification per period outcome.
type OutcomeObserver interface {
	ObserveClosing(outcome string, duration time.Duration)
}
