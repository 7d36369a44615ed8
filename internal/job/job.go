package job

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a processing job. Exactly one of
// completed or failed is reached from running, never both.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var ErrJobNotFound = errors.New("processing job not found")

// StageError marks a job failure with the stage that caused it. Stage
// failures are reported, not retried: stages mutate a working directory whose
// intermediate state is not safely resumable.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Job is the persistent record of one pipeline run. The record outlives the
// request that started the job so progress can be polled from any connection.
type Job struct {
	ID          string     `json:"job_id"`
	Tool        string     `json:"tool"`
	Status      Status     `json:"status"`
	Stage       string     `json:"stage,omitempty"`
	Progress    int        `json:"progress"`
	InputPath   string     `json:"input_path,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	OutputRef   string     `json:"output_ref,omitempty"`
}

// IsDone reports whether the job reached a terminal state.
func (j *Job) IsDone() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

func (j *Job) snapshot() Job {
	cp := *j
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		cp.CompletedAt = &ts
	}
	return cp
}
