// Package badger provides the durable BadgerDB-backed JobStorage.
package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pensum/interfaces"
	"github.com/ternarybob/pensum/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage contract over badgerhold.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a badger-backed JobStorage.
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) StoreJob(ctx context.Context, job *models.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	if err := s.db.Store().Insert(job.ID, job); err != nil {
		return "", fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

func (s *JobStorage) UpdateJob(ctx context.Context, job *models.Job) error {
	if err := s.db.Store().Update(job.ID, job); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrJobNotFound
		}
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &job, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

func (s *JobStorage) GetScheduledJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("State").Eq(models.JobStateScheduled).Index("State")); err != nil {
		return nil, fmt.Errorf("failed to query scheduled jobs: %w", err)
	}

	// Due-ness and ordering are filtered here: ScheduledAt is a
	// pointer field, which badgerhold cannot compare reliably.
	now := time.Now().UTC()
	due := make([]*models.Job, 0, len(jobs))
	for i := range jobs {
		if jobs[i].IsDue(now) {
			due = append(due, &jobs[i])
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(*due[j].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *JobStorage) GetJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error) {
	query := badgerhold.Where("State").Eq(state).Index("State").SortBy("CreatedAt")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query jobs by state %s: %w", state, err)
	}
	return jobPointers(jobs), nil
}

func (s *JobStorage) GetJobCount(ctx context.Context, state models.JobState) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("State").Eq(state).Index("State"))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs in state %s: %w", state, err)
	}
	return int(count), nil
}

func (s *JobStorage) StoreBatch(ctx context.Context, batchID string, jobs []*models.Job) error {
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return err
		}
	}
	for _, job := range jobs {
		job.BatchID = batchID
		if err := s.db.Store().Insert(job.ID, job); err != nil {
			return fmt.Errorf("failed to store batch job %s: %w", job.ID, err)
		}
	}
	return nil
}

func (s *JobStorage) GetBatchJobs(ctx context.Context, batchID string) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("BatchID").Eq(batchID).Index("BatchID").SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to query batch %s: %w", batchID, err)
	}
	return jobPointers(jobs), nil
}

func (s *JobStorage) StoreContinuation(ctx context.Context, parentJobID string, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	job.ParentJobID = parentJobID
	if err := s.db.Store().Insert(job.ID, job); err != nil {
		return fmt.Errorf("failed to store continuation %s: %w", job.ID, err)
	}
	return nil
}

func (s *JobStorage) GetContinuations(ctx context.Context, parentJobID string) ([]*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("ParentJobID").Eq(parentJobID).Index("ParentJobID").
		And("State").Eq(models.JobStateAwaitingContinuation).
		SortBy("CreatedAt")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query continuations of %s: %w", parentJobID, err)
	}
	return jobPointers(jobs), nil
}

func (s *JobStorage) StoreRecurringJob(ctx context.Context, recurring *models.RecurringJob) error {
	if err := recurring.Validate(); err != nil {
		return err
	}

	if err := s.db.Store().Upsert(recurring.ID, recurring); err != nil {
		return fmt.Errorf("failed to store recurring job %s: %w", recurring.ID, err)
	}
	return nil
}

func (s *JobStorage) GetRecurringJobs(ctx context.Context) ([]*models.RecurringJob, error) {
	var recurring []models.RecurringJob
	if err := s.db.Store().Find(&recurring, badgerhold.Where("IsEnabled").Eq(true).Index("IsEnabled")); err != nil {
		return nil, fmt.Errorf("failed to query recurring jobs: %w", err)
	}

	result := make([]*models.RecurringJob, len(recurring))
	for i := range recurring {
		result[i] = &recurring[i]
	}
	return result, nil
}

func (s *JobStorage) GetRecurringJob(ctx context.Context, id string) (*models.RecurringJob, error) {
	var recurring models.RecurringJob
	if err := s.db.Store().Get(id, &recurring); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get recurring job %s: %w", id, err)
	}
	return &recurring, nil
}

func (s *JobStorage) RemoveRecurringJob(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.RecurringJob{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to remove recurring job %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *JobStorage) Close() error {
	return s.db.Close()
}

func jobPointers(jobs []models.Job) []*models.Job {
	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result
}
