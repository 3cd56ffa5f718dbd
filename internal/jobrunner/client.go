// Package jobrunner triggers and observes remote installation jobs.
package jobrunner

import (
	"context"

	"github.com/ILLUVRSE/installdesk/internal/models"
)

const serviceName = "jobrunner"

type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

func (s State) Done() bool { return s == StateSucceeded || s == StateFailed }

type Execution struct {
	State State
	// Detail is the remote status and, on failure, any log tail fetched.
	Detail string
}

// Client makes a single call per method; polling cadence belongs to the caller.
type Client interface {
	TriggerJob(ctx context.Context, externalID string) (string, error)
	PollExecution(ctx context.Context, executionID string) (Execution, error)
}

func failure(op string, status int, detail string, err error) error {
	return &models.ExternalServiceError{
		Service:    serviceName,
		Op:         op,
		StatusCode: status,
		Detail:     detail,
		Err:        err,
	}
}
