// -----------------------------------------------------------------------
// RecurringJob - Cron schedule plus job template
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"time"
)

// RecurringJob pairs a cron schedule with the template used to
// materialize job instances on each fire. The ID is caller-chosen and
// acts as the idempotency key: registering the same ID again replaces
// the schedule and template in place.
type RecurringJob struct {
	ID             string     `json:"id" badgerhold:"key"`
	CronExpression string     `json:"cron_expression"`
	JobTypeName    string     `json:"job_type_name"`
	JobArguments   string     `json:"job_arguments,omitempty"`
	MaxRetryCount  int        `json:"max_retry_count"`
	NextExecution  *time.Time `json:"next_execution,omitempty"`
	LastExecution  *time.Time `json:"last_execution,omitempty"`
	IsEnabled      bool       `json:"is_enabled" badgerhold:"index"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NewRecurringJob creates an enabled recurring definition.
func NewRecurringJob(id, cronExpression, jobTypeName, jobArguments string, maxRetryCount int) *RecurringJob {
	return &RecurringJob{
		ID:             id,
		CronExpression: cronExpression,
		JobTypeName:    jobTypeName,
		JobArguments:   jobArguments,
		MaxRetryCount:  maxRetryCount,
		IsEnabled:      true,
		CreatedAt:      time.Now().UTC(),
	}
}

// Validate checks the fields every recurring definition must carry.
// Cron expression syntax is validated by the caller through the cron
// parser; this only checks structure.
func (r *RecurringJob) Validate() error {
	if r.ID == "" {
		return errors.New("recurring job ID is required")
	}
	if len(r.ID) > 200 {
		return errors.New("recurring job ID exceeds 200 bytes")
	}
	if r.CronExpression == "" {
		return errors.New("cron expression is required")
	}
	if r.JobTypeName == "" {
		return errors.New("job type name is required")
	}
	if r.MaxRetryCount < 0 {
		return errors.New("max retry count cannot be negative")
	}
	return nil
}

// MarkFired records a materialization at the given instant.
func (r *RecurringJob) MarkFired(at time.Time, next *time.Time) {
	at = at.UTC()
	r.LastExecution = &at
	r.NextExecution = next
}
