package queue

import (
	"errors"
	"time"

	"github.com/dwsmith1983/ferry/pkg/types"
)

var (
	// ErrJobNotFound is returned for unknown or already-evicted job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobActive is returned when cancelling a job a worker has already picked up.
	ErrJobActive = errors.New("job is active")
	// ErrNotStarted is returned by Stop on a queue that was never started.
	ErrNotStarted = errors.New("queue not started")
)

// Job is a queued request to run one stage of one execution.
type Job struct {
	ID           string               `json:"id"`
	ProjectID    string               `json:"projectId"`
	ExecutionID  string               `json:"executionId"`
	StageID      types.StageID        `json:"stageId"`
	Config       types.PipelineConfig `json:"config"`
	Priority     int                  `json:"priority"`
	DependsOn    string               `json:"dependsOn,omitempty"`
	State        types.JobState       `json:"state"`
	Progress     int                  `json:"progress"`
	AttemptsMade int                  `json:"attemptsMade"`
	MaxAttempts  int                  `json:"maxAttempts"`
	Backoff      time.Duration        `json:"backoff"`
	FailedReason string               `json:"failedReason,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	ProcessAt    time.Time            `json:"processAt,omitempty"`
	StartedAt    *time.Time           `json:"startedAt,omitempty"`
	FinishedAt   *time.Time           `json:"finishedAt,omitempty"`

	heapIndex int
}

// JobID returns the deterministic id of the job for a stage of an execution.
func JobID(executionID string, stage types.StageID) string {
	return executionID + "-" + string(stage)
}

// FinalAttempt reports whether the attempt in progress is the last one allowed.
func (j Job) FinalAttempt() bool { return j.AttemptsMade >= j.MaxAttempts }

// Status converts the job to its externally visible form.
func (j Job) Status() types.JobStatus {
	return types.JobStatus{
		ID:           j.ID,
		State:        j.State,
		Progress:     j.Progress,
		AttemptsMade: j.AttemptsMade,
		FailedReason: j.FailedReason,
	}
}

type unrecoverableError struct{ err error }

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so the queue fails the job without further attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was wrapped with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}
