package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskEnsurePeriods makes sure the current and next order periods exist.
	TaskEnsurePeriods = "periods:ensure"
)

// EnsurePeriodsPayload describes why an ensure run was requested.
type EnsurePeriodsPayload struct {
	Reason string `json:"reason"`
}

// NewEnsurePeriodsTask constructs an Asynq task.
func NewEnsurePeriodsTask(reason string) (*asynq.Task, error) {
	data, err := json.Marshal(EnsurePeriodsPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskEnsurePeriods, data), nil
}
