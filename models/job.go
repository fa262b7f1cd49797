// -----------------------------------------------------------------------
// Job - Persisted unit of deferred work
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"time"
)

// JobState represents the lifecycle state of a job.
// Values are stable and persisted; do not renumber.
type JobState int

const (
	JobStateCreated JobState = iota
	JobStateScheduled
	JobStateProcessing
	JobStateSucceeded
	// JobStateFailed is reserved. The retry path re-schedules and the
	// terminal failure state is JobStateAbandoned; storage must still
	// accept this value for forward compatibility.
	JobStateFailed
	JobStateCancelled
	JobStateAbandoned
	JobStateAwaitingContinuation
	JobStateAwaitingBatch
)

// String returns the human-readable state name.
func (s JobState) String() string {
	switch s {
	case JobStateCreated:
		return "created"
	case JobStateScheduled:
		return "scheduled"
	case JobStateProcessing:
		return "processing"
	case JobStateSucceeded:
		return "succeeded"
	case JobStateFailed:
		return "failed"
	case JobStateCancelled:
		return "cancelled"
	case JobStateAbandoned:
		return "abandoned"
	case JobStateAwaitingContinuation:
		return "awaiting_continuation"
	case JobStateAwaitingBatch:
		return "awaiting_batch"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for states the processor never leaves.
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateCancelled || s == JobStateAbandoned
}

// Job is the persisted record for a unit of deferred work.
//
// The client creates jobs; after submission only the processor mutates
// them. Arguments and Result are opaque serialized payloads - the engine
// never inspects them beyond handing them to the registered handler.
type Job struct {
	ID            string     `json:"id" badgerhold:"key"`
	TypeName      string     `json:"type_name"`
	Arguments     string     `json:"arguments,omitempty"`
	State         JobState   `json:"state" badgerhold:"index"`
	CreatedAt     time.Time  `json:"created_at"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MaxRetryCount int        `json:"max_retry_count"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	Result        string     `json:"result,omitempty"`
	BatchID       string     `json:"batch_id,omitempty" badgerhold:"index"`
	ParentJobID   string     `json:"parent_job_id,omitempty" badgerhold:"index"`
}

// NewJob creates a job in the Created state. Callers move it to its
// initial submitted state before storing.
func NewJob(id, typeName, arguments string, maxRetryCount int) *Job {
	return &Job{
		ID:            id,
		TypeName:      typeName,
		Arguments:     arguments,
		State:         JobStateCreated,
		CreatedAt:     time.Now().UTC(),
		MaxRetryCount: maxRetryCount,
	}
}

// Validate checks the fields every persisted job must carry.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("job ID is required")
	}
	if len(j.ID) > 36 {
		return errors.New("job ID exceeds 36 bytes")
	}
	if j.TypeName == "" {
		return errors.New("job type name is required")
	}
	if j.RetryCount < 0 {
		return errors.New("retry count cannot be negative")
	}
	if j.MaxRetryCount < 0 {
		return errors.New("max retry count cannot be negative")
	}
	return nil
}

// IsTerminal returns true if the job reached a terminal state.
func (j *Job) IsTerminal() bool {
	return j.State.IsTerminal()
}

// IsDue returns true if the job is eligible for dispatch at the given
// instant: Scheduled with a due scheduled_at.
func (j *Job) IsDue(now time.Time) bool {
	return j.State == JobStateScheduled && j.ScheduledAt != nil && !j.ScheduledAt.After(now)
}

// MarkScheduled moves the job to Scheduled, eligible at the given time.
func (j *Job) MarkScheduled(at time.Time) {
	at = at.UTC()
	j.State = JobStateScheduled
	j.ScheduledAt = &at
}

// MarkProcessing records the start of an execution attempt.
func (j *Job) MarkProcessing() {
	now := time.Now().UTC()
	j.State = JobStateProcessing
	j.ExecutedAt = &now
}

// MarkSucceeded records a successful execution with its result payload.
func (j *Job) MarkSucceeded(result string) {
	j.State = JobStateSucceeded
	j.Result = result
	j.ErrorMessage = ""
}

// MarkCancelled transitions a scheduled job to Cancelled.
func (j *Job) MarkCancelled() {
	j.State = JobStateCancelled
}

// MarkAbandoned records a permanent failure.
func (j *Job) MarkAbandoned(errorMessage string) {
	j.State = JobStateAbandoned
	j.ErrorMessage = errorMessage
}

// RecordFailure increments the retry counter and stores the failure
// reason. The caller decides between re-scheduling and abandonment.
func (j *Job) RecordFailure(errorMessage string) {
	j.RetryCount++
	j.ErrorMessage = errorMessage
}

// RetriesExhausted returns true once another retry would exceed the
// configured budget.
func (j *Job) RetriesExhausted() bool {
	return j.RetryCount > j.MaxRetryCount
}

// Clone returns a copy of the job. The processor clones before mutating
// so storage snapshots are never shared with callers.
func (j *Job) Clone() *Job {
	clone := *j
	if j.ScheduledAt != nil {
		t := *j.ScheduledAt
		clone.ScheduledAt = &t
	}
	if j.ExecutedAt != nil {
		t := *j.ExecutedAt
		clone.ExecutedAt = &t
	}
	return &clone
}
