package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/pensum/models"
)

// ErrJobNotFound is returned by UpdateJob when no stored job matches
// the given ID.
var ErrJobNotFound = errors.New("job not found")

// JobStorage is the persistence contract the processor and client are
// written against. Implementations must be safe for concurrent use and
// durable across restarts (the in-memory store is the deliberate
// exception, for tests and embedded use).
//
// Queries are best-effort read-committed: callers tolerate a job
// appearing in a result window after it already transitioned, by
// re-checking state before acting on it.
type JobStorage interface {
	// StoreJob inserts a new job and returns its ID. The caller
	// guarantees ID uniqueness.
	StoreJob(ctx context.Context, job *models.Job) (string, error)

	// UpdateJob overwrites the mutable fields of an existing job.
	// Returns ErrJobNotFound when no job matches the ID.
	UpdateJob(ctx context.Context, job *models.Job) error

	// GetJob returns the job, or nil when it does not exist.
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// DeleteJob removes a job. Deleting a missing ID is not an error.
	DeleteJob(ctx context.Context, id string) error

	// GetScheduledJobs returns up to limit jobs that are Scheduled and
	// due now, ordered by scheduled_at ascending.
	GetScheduledJobs(ctx context.Context, limit int) ([]*models.Job, error)

	// GetJobsByState returns up to limit jobs in the given state,
	// ordered by created_at ascending.
	GetJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error)

	// GetJobCount returns the number of jobs currently in the state.
	GetJobCount(ctx context.Context, state models.JobState) (int, error)

	// StoreBatch inserts all jobs of a batch; every job carries the
	// given batch ID.
	StoreBatch(ctx context.Context, batchID string, jobs []*models.Job) error

	// GetBatchJobs returns every job with the given batch ID,
	// regardless of state.
	GetBatchJobs(ctx context.Context, batchID string) ([]*models.Job, error)

	// StoreContinuation inserts a continuation job with the given
	// parent job ID.
	StoreContinuation(ctx context.Context, parentJobID string, job *models.Job) error

	// GetContinuations returns every job awaiting the given parent,
	// i.e. parent_job_id matches and state is AwaitingContinuation.
	GetContinuations(ctx context.Context, parentJobID string) ([]*models.Job, error)

	// StoreRecurringJob inserts or replaces a recurring definition,
	// keyed by its ID.
	StoreRecurringJob(ctx context.Context, recurring *models.RecurringJob) error

	// GetRecurringJobs returns all enabled recurring definitions.
	GetRecurringJobs(ctx context.Context) ([]*models.RecurringJob, error)

	// GetRecurringJob returns the definition, or nil when it does not
	// exist, regardless of its enabled flag.
	GetRecurringJob(ctx context.Context, id string) (*models.RecurringJob, error)

	// RemoveRecurringJob deletes a recurring definition. Removing a
	// missing ID is not an error.
	RemoveRecurringJob(ctx context.Context, id string) error

	// Close releases the underlying backend.
	Close() error
}
