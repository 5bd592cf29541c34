package closing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/coopledger/coopledger/internal/ledger"
	"github.com/coopledger/coopledger/internal/shared"
)

// AuditAction is recorded for every committed close.
const AuditAction = "fiscal_period.close"

// AuditRecorder persists audit records.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// RunOptions carries per-invocation collaborators alongside the flags.
type RunOptions struct {
	Options
	// Confirmer is asked to accept warnings; nil declines.
	Confirmer Confirmer
}

// Service sequences validation, closing entries, snapshots, the closed flag and
// rollover for each selected period.
type Service struct {
	store     ledger.Store
	validator *Validator
	generator *Generator
	accounts  ledger.SystemAccounts
	locker    Locker
	audit     AuditRecorder
	observer  OutcomeObserver
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs a Service. Nil accounts fall back to the default codes.
func NewService(store ledger.Store, accounts ledger.SystemAccounts, logger *slog.Logger) *Service {
	if accounts == nil {
		accounts = ledger.DefaultSystemAccounts()
	}
	return &Service{
		store:     store,
		validator: NewValidator(store),
		generator: NewGenerator(),
		accounts:  accounts,
		logger:    logger,
		now:       time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
		s.validator.WithNow(now)
	}
}

// WithLocker enables cross-process period locks.
func (s *Service) WithLocker(l Locker) {
	s.locker = l
}

// WithAudit records committed closes.
func (s *Service) WithAudit(a AuditRecorder) {
	s.audit = a
}

// WithObserver reports outcomes to metrics.
func (s *Service) WithObserver(o OutcomeObserver) {
	s.observer = o
}

// Run closes every period selected by opts sequentially. A period failure never
// stops the batch; the returned error covers selection problems only.
func (s *Service) Run(ctx context.Context, opts RunOptions) (BatchReport, error) {
	report := BatchReport{RunID: uuid.New()}
	if err := opts.Validate(); err != nil {
		return report, err
	}
	logger := s.log().With(slog.String("run_id", report.RunID.String()))

	periods, err := s.selectPeriods(ctx, opts.Options)
	if err != nil {
		return report, err
	}
	logger.Info("period close batch started",
		slog.Int("periods", len(periods)),
		slog.Bool("force", opts.Force),
		slog.Bool("dry_run", opts.DryRun),
		slog.Bool("auto", opts.Auto))

	for _, period := range periods {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.add(s.closePeriod(ctx, logger, report.RunID, period, opts))
	}

	logger.Info("period close batch finished",
		slog.Int("succeeded", report.Succeeded),
		slog.Int("warned", report.Warned),
		slog.Int("failed", report.Failed))
	return report, nil
}

// ClosePeriod runs the close state machine for a single period.
func (s *Service) ClosePeriod(ctx context.Context, period ledger.FiscalPeriod, opts RunOptions) Outcome {
	runID := uuid.New()
	return s.closePeriod(ctx, s.log().With(slog.String("run_id", runID.String())), runID, period, opts)
}

func (s *Service) selectPeriods(ctx context.Context, opts Options) ([]ledger.FiscalPeriod, error) {
	now := s.now()
	if opts.PeriodID != 0 {
		period, err := s.store.LoadPeriod(ctx, opts.CooperativeID, opts.PeriodID)
		if err != nil {
			return nil, fmt.Errorf("closing: load period %d: %w", opts.PeriodID, err)
		}
		if opts.Auto && !dateOnly(period.EndDate).Before(dateOnly(now)) {
			return nil, nil
		}
		return []ledger.FiscalPeriod{period}, nil
	}
	periods, err := s.store.FindOpenPeriods(ctx, ledger.PeriodFilter{
		CooperativeID: opts.CooperativeID,
		OnlyOverdue:   opts.Auto,
		AsOf:          now,
	})
	if err != nil {
		return nil, fmt.Errorf("closing: find open periods: %w", err)
	}
	return periods, nil
}

func (s *Service) closePeriod(ctx context.Context, logger *slog.Logger, runID uuid.UUID, period ledger.FiscalPeriod, opts RunOptions) Outcome {
	start := s.now()
	logger = logger.With(
		slog.Int64("cooperative_id", period.CooperativeID),
		slog.Int64("period_id", period.ID),
		slog.String("period", period.Name))

	outcome := s.process(ctx, logger, runID, period, opts)
	outcome.Duration = s.now().Sub(start)

	if s.observer != nil {
		s.observer.ObserveClosing(string(outcome.Kind), outcome.Duration)
	}
	attrs := []any{slog.String("outcome", string(outcome.Kind)), slog.Bool("forced", outcome.Forced)}
	switch outcome.Kind.Severity() {
	case SeveritySuccess:
		logger.Info(outcome.Message(), attrs...)
	case SeverityWarning:
		logger.Warn(outcome.Message(), attrs...)
	default:
		if outcome.Err != nil {
			attrs = append(attrs, slog.Any("error", outcome.Err))
		}
		logger.Error("period close failed", append(attrs, slog.String("detail", outcome.Message()))...)
	}
	return outcome
}

func (s *Service) process(ctx context.Context, logger *slog.Logger, runID uuid.UUID, period ledger.FiscalPeriod, opts RunOptions) Outcome {
	outcome := Outcome{Period: period}
	if period.IsClosed {
		outcome.Kind = OutcomeAlreadyClosed
		outcome.Err = ErrPeriodClosed
		return outcome
	}

	report, err := s.validator.Validate(ctx, period)
	if err != nil {
		return failed(outcome, err)
	}
	outcome.Report = report

	if !report.CanClose {
		if !opts.Force {
			outcome.Kind = OutcomeBlocked
			return outcome
		}
		outcome.Forced = true
		logger.Warn("closing period with validation errors overridden",
			slog.Bool("forced", true),
			slog.Any("errors", report.Errors))
	}

	if report.HasWarnings() {
		if opts.Force {
			outcome.Forced = true
		} else {
			ok, err := s.confirm(ctx, opts.Confirmer, period, report.Warnings)
			if err != nil {
				return failed(outcome, fmt.Errorf("closing: confirmation: %w", err))
			}
			if !ok {
				outcome.Kind = OutcomeSkipped
				return outcome
			}
		}
	}

	if opts.DryRun {
		preview, err := s.generator.Preview(ctx, s.store, period)
		if err != nil {
			return failed(outcome, err)
		}
		outcome.Kind = OutcomeDryRun
		outcome.Preview = &preview
		return outcome
	}

	if s.locker != nil {
		release, acquired, err := s.locker.TryLock(ctx, period.CooperativeID, period.ID)
		if err != nil {
			return failed(outcome, fmt.Errorf("closing: acquire lock: %w", err))
		}
		if !acquired {
			return failed(outcome, ErrPeriodLocked)
		}
		defer release()
	}

	var summary Summary
	closedAt := s.now()
	err = s.store.WithTx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		locked, err := tx.LockPeriod(ctx, period.CooperativeID, period.ID)
		if err != nil {
			return err
		}
		if locked.IsClosed {
			return ErrPeriodClosed
		}
		accounts, err := ResolveSystemAccounts(ctx, tx, locked.CooperativeID, s.accounts)
		if err != nil {
			return err
		}
		entries, err := s.generator.Generate(ctx, tx, locked, accounts, opts.ActorID)
		if err != nil {
			return err
		}
		written, err := SnapshotBalances(ctx, tx, locked)
		if err != nil {
			return err
		}
		if err := tx.MarkPeriodClosed(ctx, locked.ID, closedAt); err != nil {
			return err
		}
		next, err := Rollover(ctx, tx, locked)
		if err != nil {
			return err
		}
		summary = Summary{Entries: entries, BalancesWritten: written, Rollover: next}
		return nil
	})
	if errors.Is(err, ledger.ErrConcurrentUpdate) && s.closedElsewhere(ctx, period) {
		err = fmt.Errorf("%w: %w", ErrPeriodClosed, err)
	}
	if errors.Is(err, ErrPeriodClosed) {
		outcome.Kind = OutcomeAlreadyClosed
		outcome.Err = err
		return outcome
	}
	if err != nil {
		return failed(outcome, err)
	}

	outcome.Kind = OutcomeClosed
	outcome.Summary = &summary
	outcome.Period.IsClosed = true
	outcome.Period.ClosedAt = &closedAt
	s.recordAudit(ctx, logger, runID, outcome, opts.ActorID, closedAt)
	return outcome
}

// closedElsewhere reports whether a concurrent run closed the period after
// this transaction started.
func (s *Service) closedElsewhere(ctx context.Context, period ledger.FiscalPeriod) bool {
	current, err := s.store.LoadPeriod(ctx, period.CooperativeID, period.ID)
	return err == nil && current.IsClosed
}

func (s *Service) confirm(ctx context.Context, c Confirmer, period ledger.FiscalPeriod, warnings []string) (bool, error) {
	if c == nil {
		return false, nil
	}
	return c.Confirm(ctx, period, warnings)
}

func (s *Service) recordAudit(ctx context.Context, logger *slog.Logger, runID uuid.UUID, o Outcome, actorID int64, at time.Time) {
	if s.audit == nil || o.Summary == nil {
		return
	}
	meta := map[string]any{
		"cooperative_id":   o.Period.CooperativeID,
		"run_id":           runID.String(),
		"forced":           o.Forced,
		"closing_entries":  o.Summary.Entries.Count(),
		"balances_written": o.Summary.BalancesWritten,
		"net_income":       o.Summary.Entries.NetIncomeAmount.StringFixed(2),
	}
	if o.Summary.Rollover.Period.ID != 0 {
		meta["next_period_id"] = o.Summary.Rollover.Period.ID
	}
	if o.Forced {
		meta["overridden_errors"] = o.Report.Errors
		meta["overridden_warnings"] = o.Report.Warnings
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   AuditAction,
		Entity:   "fiscal_period",
		EntityID: strconv.FormatInt(o.Period.ID, 10),
		Meta:     meta,
		At:       at,
	})
	if err != nil {
		logger.Warn("audit record failed", slog.Any("error", err))
	}
}

func failed(o Outcome, err error) Outcome {
	o.Kind = OutcomeFailed
	o.Err = err
	return o
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
