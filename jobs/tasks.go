package jobs

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/coopledger/coopledger/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPeriodClose closes overdue fiscal periods.
	TaskPeriodClose = "ledger:period_close"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PeriodClosePayload scopes an automatic close run. A zero cooperative id covers every cooperative.
type PeriodClosePayload struct {
	CooperativeID int64  `json:"cooperative_id"`
	Force         bool   `json:"force"`
	RunID         string `json:"run_id,omitempty"`
}

// NewPeriodCloseTask constructs an Asynq task for closing overdue periods.
func NewPeriodCloseTask(payload PeriodClosePayload) (*asynq.Task, error) {
	if payload.CooperativeID < 0 {
		return nil, errors.New("period close: cooperative id must not be negative")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPeriodClose, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// NewManualPeriodCloseTask is NewPeriodCloseTask with a fresh run id so redelivery is detected.
func NewManualPeriodCloseTask(cooperativeID int64, force bool) (*asynq.Task, error) {
	return NewPeriodCloseTask(PeriodClosePayload{CooperativeID: cooperativeID, Force: force, RunID: uuid.NewString()})
}
