// Package client provides the job submission API. The client writes
// job records through the storage contract; the processor picks them
// up asynchronously.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pensum/common"
	"github.com/ternarybob/pensum/cron"
	"github.com/ternarybob/pensum/interfaces"
	"github.com/ternarybob/pensum/models"
)

// Client submits jobs, batches, continuations and recurring
// definitions. It is safe for concurrent use.
type Client struct {
	storage interfaces.JobStorage
	logger  arbor.ILogger
}

// BatchItem describes one member of a batch submission.
type BatchItem struct {
	TypeName string
	Args     interface{}
}

// NewClient creates a job client over the given storage.
func NewClient(storage interfaces.JobStorage, logger arbor.ILogger) *Client {
	return &Client{
		storage: storage,
		logger:  logger,
	}
}

// Enqueue submits a job for immediate execution.
func (c *Client) Enqueue(ctx context.Context, typeName string, args interface{}, maxRetryCount int) (string, error) {
	return c.ScheduleAt(ctx, typeName, args, time.Now().UTC(), maxRetryCount)
}

// Schedule submits a job that becomes eligible after the given delay.
func (c *Client) Schedule(ctx context.Context, typeName string, args interface{}, delay time.Duration, maxRetryCount int) (string, error) {
	return c.ScheduleAt(ctx, typeName, args, time.Now().UTC().Add(delay), maxRetryCount)
}

// ScheduleAt submits a job that becomes eligible at the given instant.
func (c *Client) ScheduleAt(ctx context.Context, typeName string, args interface{}, at time.Time, maxRetryCount int) (string, error) {
	arguments, err := serializeArgs(args)
	if err != nil {
		return "", err
	}

	job := models.NewJob(common.NewJobID(), typeName, arguments, maxRetryCount)
	job.MarkScheduled(at)

	id, err := c.storage.StoreJob(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	c.logger.Debug().
		Str("job_id", id).
		Str("type_name", typeName).
		Str("scheduled_at", at.UTC().Format(time.RFC3339)).
		Msg("Job scheduled")
	return id, nil
}

// ContinueWith submits a continuation that becomes eligible once the
// parent job succeeds. The job starts in AwaitingContinuation with no
// scheduled time; the processor sets one when the parent completes.
func (c *Client) ContinueWith(ctx context.Context, parentJobID string, typeName string, args interface{}, maxRetryCount int) (string, error) {
	if parentJobID == "" {
		return "", errors.New("parent job ID is required")
	}

	arguments, err := serializeArgs(args)
	if err != nil {
		return "", err
	}

	job := models.NewJob(common.NewJobID(), typeName, arguments, maxRetryCount)
	job.State = models.JobStateAwaitingContinuation

	if err := c.storage.StoreContinuation(ctx, parentJobID, job); err != nil {
		return "", fmt.Errorf("failed to store continuation: %w", err)
	}

	c.logger.Debug().
		Str("job_id", job.ID).
		Str("parent_job_id", parentJobID).
		Str("type_name", typeName).
		Msg("Continuation registered")
	return job.ID, nil
}

// EnqueueBatch submits a group of jobs sharing a fresh batch ID and
// returns the batch ID with the member job IDs.
//
// Regular members are stored already Scheduled and eligible now; only
// batch continuations (ContinueBatchWith) wait in AwaitingBatch. This
// keeps members independent of any processor admission step.
func (c *Client) EnqueueBatch(ctx context.Context, items []BatchItem, maxRetryCount int) (string, []string, error) {
	if len(items) == 0 {
		return "", nil, errors.New("batch must contain at least one job")
	}

	batchID := common.NewBatchID()
	now := time.Now().UTC()

	jobs := make([]*models.Job, 0, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		arguments, err := serializeArgs(item.Args)
		if err != nil {
			return "", nil, err
		}
		job := models.NewJob(common.NewJobID(), item.TypeName, arguments, maxRetryCount)
		job.MarkScheduled(now)
		jobs = append(jobs, job)
		ids = append(ids, job.ID)
	}

	if err := c.storage.StoreBatch(ctx, batchID, jobs); err != nil {
		return "", nil, fmt.Errorf("failed to store batch: %w", err)
	}

	c.logger.Debug().
		Str("batch_id", batchID).
		Int("jobs", len(jobs)).
		Msg("Batch enqueued")
	return batchID, ids, nil
}

// ContinueBatchWith submits a continuation that fires once every
// regular member of the batch has reached a terminal state.
func (c *Client) ContinueBatchWith(ctx context.Context, batchID string, typeName string, args interface{}, maxRetryCount int) (string, error) {
	if batchID == "" {
		return "", errors.New("batch ID is required")
	}

	arguments, err := serializeArgs(args)
	if err != nil {
		return "", err
	}

	job := models.NewJob(common.NewJobID(), typeName, arguments, maxRetryCount)
	job.State = models.JobStateAwaitingBatch

	if err := c.storage.StoreBatch(ctx, batchID, []*models.Job{job}); err != nil {
		return "", fmt.Errorf("failed to store batch continuation: %w", err)
	}

	c.logger.Debug().
		Str("job_id", job.ID).
		Str("batch_id", batchID).
		Str("type_name", typeName).
		Msg("Batch continuation registered")
	return job.ID, nil
}

// AddOrUpdateRecurringJob registers a recurring definition, replacing
// any existing definition with the same ID. The cron expression is
// validated before anything is written.
func (c *Client) AddOrUpdateRecurringJob(ctx context.Context, id string, typeName string, args interface{}, cronExpression string, maxRetryCount int) error {
	if _, err := cron.Parse(cronExpression); err != nil {
		return err
	}

	arguments, err := serializeArgs(args)
	if err != nil {
		return err
	}

	recurring := models.NewRecurringJob(id, cronExpression, typeName, arguments, maxRetryCount)

	// Preserve run bookkeeping and the enabled flag across upserts.
	existing, err := c.storage.GetRecurringJob(ctx, id)
	if err != nil {
		return err
	}
	if existing != nil {
		recurring.CreatedAt = existing.CreatedAt
		recurring.LastExecution = existing.LastExecution
		recurring.NextExecution = existing.NextExecution
		recurring.IsEnabled = existing.IsEnabled
	}

	if err := c.storage.StoreRecurringJob(ctx, recurring); err != nil {
		return fmt.Errorf("failed to store recurring job: %w", err)
	}

	c.logger.Debug().
		Str("recurring_id", id).
		Str("cron", cronExpression).
		Str("type_name", typeName).
		Msg("Recurring job registered")
	return nil
}

// RemoveRecurringJob deletes a recurring definition. Removing a
// missing ID is not an error.
func (c *Client) RemoveRecurringJob(ctx context.Context, id string) error {
	return c.storage.RemoveRecurringJob(ctx, id)
}

// EnableRecurringJob re-enables a disabled recurring definition.
func (c *Client) EnableRecurringJob(ctx context.Context, id string) error {
	return c.setRecurringEnabled(ctx, id, true)
}

// DisableRecurringJob suppresses materialization while preserving the
// definition.
func (c *Client) DisableRecurringJob(ctx context.Context, id string) error {
	return c.setRecurringEnabled(ctx, id, false)
}

func (c *Client) setRecurringEnabled(ctx context.Context, id string, enabled bool) error {
	recurring, err := c.storage.GetRecurringJob(ctx, id)
	if err != nil {
		return err
	}
	if recurring == nil {
		return fmt.Errorf("recurring job %s not found", id)
	}
	if recurring.IsEnabled == enabled {
		return nil
	}

	recurring.IsEnabled = enabled
	return c.storage.StoreRecurringJob(ctx, recurring)
}

// CancelJob cancels a job that has not been dispatched yet. Returns
// true when the job was Scheduled and is now Cancelled; false for any
// other state and for missing jobs, without writing anything.
func (c *Client) CancelJob(ctx context.Context, id string) (bool, error) {
	job, err := c.storage.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if job == nil || job.State != models.JobStateScheduled {
		return false, nil
	}

	job.MarkCancelled()
	if err := c.storage.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}

	c.logger.Debug().Str("job_id", id).Msg("Job cancelled")
	return true, nil
}

// DeleteJob removes a job. Deleting a missing ID is not an error.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.storage.DeleteJob(ctx, id)
}

// GetJob returns a job, or nil when it does not exist.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return c.storage.GetJob(ctx, id)
}

// GetJobCount returns the number of jobs currently in a state.
func (c *Client) GetJobCount(ctx context.Context, state models.JobState) (int, error) {
	return c.storage.GetJobCount(ctx, state)
}

// GetJobsByState lists jobs in a state, oldest first.
func (c *Client) GetJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error) {
	return c.storage.GetJobsByState(ctx, state, limit)
}

// PurgeJobs deletes terminal jobs created before the cutoff and
// returns the number removed. Only terminal states are accepted.
func (c *Client) PurgeJobs(ctx context.Context, olderThan time.Duration, states ...models.JobState) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	purged := 0
	for _, state := range states {
		if !state.IsTerminal() {
			return purged, fmt.Errorf("cannot purge non-terminal state %s", state)
		}

		jobs, err := c.storage.GetJobsByState(ctx, state, 0)
		if err != nil {
			return purged, err
		}
		for _, job := range jobs {
			if job.CreatedAt.After(cutoff) {
				continue
			}
			if err := c.storage.DeleteJob(ctx, job.ID); err != nil {
				return purged, err
			}
			purged++
		}
	}

	if purged > 0 {
		c.logger.Info().Int("count", purged).Msg("Purged finished jobs")
	}
	return purged, nil
}

// serializeArgs turns the caller's argument value into the opaque
// payload string. JSON is the canonical format; nil means no payload.
func serializeArgs(args interface{}) (string, error) {
	if args == nil {
		return "", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to serialize job arguments: %w", err)
	}
	return string(data), nil
}
