package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/singleflight"

	"github.com/coopledger/coopledger/internal/closing"
	jobmetrics "github.com/coopledger/coopledger/internal/jobs"
	"github.com/coopledger/coopledger/internal/shared"
)

// PeriodCloser runs a close batch.
type PeriodCloser interface {
	Run(ctx context.Context, opts closing.RunOptions) (closing.BatchReport, error)
}

// RunClaimer claims run ids once. Release drops a claim so a failed run can
// be retried with the same id.
type RunClaimer interface {
	CheckAndInsert(ctx context.Context, key, scope string) error
	Release(ctx context.Context, key, scope string) error
}

// PeriodCloseJob closes overdue periods without operator interaction, so
// periods with warnings are skipped unless the payload forces them.
type PeriodCloseJob struct {
	Service PeriodCloser
	Claims  RunClaimer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	// ActorID is recorded as created_by on closing entries.
	ActorID int64

	group singleflight.Group
	clock func() time.Time
}

// NewPeriodCloseJob constructs the job handler.
func NewPeriodCloseJob(service PeriodCloser, claims RunClaimer, logger *slog.Logger, metrics *jobmetrics.Metrics, actorID int64) *PeriodCloseJob {
	return &PeriodCloseJob{
		Service: service,
		Claims:  claims,
		Logger:  logger,
		Metrics: metrics,
		ActorID: actorID,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the period close job. A run id is claimed before closing and
// released again when the run errors, so asynq retries reach the service.
func (j *PeriodCloseJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("period close: dependencies not configured")
	}
	var payload PeriodClosePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.CooperativeID < 0 {
		return asynq.SkipRetry
	}
	logger := j.log().With(slog.Int64("cooperative_id", payload.CooperativeID), slog.Bool("force", payload.Force))

	claimed := false
	if payload.RunID != "" && j.Claims != nil {
		claimErr := j.Claims.CheckAndInsert(ctx, payload.RunID, TaskPeriodClose)
		if errors.Is(claimErr, shared.ErrIdempotencyConflict) {
			logger.Info("period close run already processed", slog.String("task_run_id", payload.RunID))
			return nil
		}
		if claimErr != nil {
			return claimErr
		}
		claimed = true
	}

	tracker := j.metrics().Track(TaskPeriodClose)
	defer func() {
		err = tracker.End(err)
	}()

	start := j.now()
	v, runErr, coalesced := j.group.Do(flightKey(payload), func() (any, error) {
		return j.Service.Run(ctx, closing.RunOptions{Options: closing.Options{
			CooperativeID: payload.CooperativeID,
			Force:         payload.Force,
			Auto:          true,
			ActorID:       j.ActorID,
		}})
	})
	if runErr != nil {
		logger.Error("period close run", slog.Any("error", runErr))
		if claimed {
			// keep the retry path open
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if relErr := j.Claims.Release(releaseCtx, payload.RunID, TaskPeriodClose); relErr != nil {
				logger.Warn("release period close claim", slog.String("task_run_id", payload.RunID), slog.Any("error", relErr))
				return errors.Join(runErr, relErr)
			}
		}
		return runErr
	}
	report := v.(closing.BatchReport)
	logger.Info("period close run finished",
		slog.String("run_id", report.RunID.String()),
		slog.Bool("coalesced", coalesced),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("warned", report.Warned),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", j.now().Sub(start)))

	if report.Failed > 0 {
		// failed periods need operator attention; retrying would not help
		return fmt.Errorf("period close: %d period(s) failed: %w", report.Failed, asynq.SkipRetry)
	}
	return nil
}

// flightKey groups concurrent deliveries that would run the same close.
func flightKey(payload PeriodClosePayload) string {
	return strconv.FormatInt(payload.CooperativeID, 10) + ":" + strconv.FormatBool(payload.Force)
}

func (j *PeriodCloseJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PeriodCloseJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPeriodClose))
	}
	return slog.Default().With(slog.String("job", TaskPeriodClose))
}

func (j *PeriodCloseJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *PeriodCloseJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
