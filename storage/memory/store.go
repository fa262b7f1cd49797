// Package memory provides an in-memory JobStorage for tests and
// embedded use. It honors the full storage contract but offers no
// durability across restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pensum/interfaces"
	"github.com/ternarybob/pensum/models"
)

// Store is a mutex-guarded in-memory JobStorage.
type Store struct {
	jobs      map[string]*models.Job
	recurring map[string]*models.RecurringJob
	logger    arbor.ILogger
	mu        sync.RWMutex
}

// NewStore creates an empty in-memory store.
func NewStore(logger arbor.ILogger) interfaces.JobStorage {
	return &Store{
		jobs:      make(map[string]*models.Job),
		recurring: make(map[string]*models.RecurringJob),
		logger:    logger,
	}
}

func (s *Store) StoreJob(ctx context.Context, job *models.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return job.ID, nil
}

func (s *Store) UpdateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; !exists {
		return interfaces.ErrJobNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, nil
	}
	return job.Clone(), nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *Store) GetScheduledJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	now := time.Now().UTC()

	s.mu.RLock()
	var due []*models.Job
	for _, job := range s.jobs {
		if job.IsDue(now) {
			due = append(due, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(*due[j].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) GetJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error) {
	s.mu.RLock()
	var matched []*models.Job
	for _, job := range s.jobs {
		if job.State == state {
			matched = append(matched, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) GetJobCount(ctx context.Context, state models.JobState) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, job := range s.jobs {
		if job.State == state {
			count++
		}
	}
	return count, nil
}

func (s *Store) StoreBatch(ctx context.Context, batchID string, jobs []*models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return err
		}
	}
	for _, job := range jobs {
		clone := job.Clone()
		clone.BatchID = batchID
		s.jobs[clone.ID] = clone
	}
	return nil
}

func (s *Store) GetBatchJobs(ctx context.Context, batchID string) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var members []*models.Job
	for _, job := range s.jobs {
		if job.BatchID == batchID {
			members = append(members, job.Clone())
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].CreatedAt.Before(members[j].CreatedAt)
	})
	return members, nil
}

func (s *Store) StoreContinuation(ctx context.Context, parentJobID string, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := job.Clone()
	clone.ParentJobID = parentJobID
	s.jobs[clone.ID] = clone
	return nil
}

func (s *Store) GetContinuations(ctx context.Context, parentJobID string) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var continuations []*models.Job
	for _, job := range s.jobs {
		if job.ParentJobID == parentJobID && job.State == models.JobStateAwaitingContinuation {
			continuations = append(continuations, job.Clone())
		}
	}
	sort.Slice(continuations, func(i, j int) bool {
		return continuations[i].CreatedAt.Before(continuations[j].CreatedAt)
	})
	return continuations, nil
}

func (s *Store) StoreRecurringJob(ctx context.Context, recurring *models.RecurringJob) error {
	if err := recurring.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *recurring
	s.recurring[recurring.ID] = &clone
	return nil
}

func (s *Store) GetRecurringJobs(ctx context.Context) ([]*models.RecurringJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var enabled []*models.RecurringJob
	for _, recurring := range s.recurring {
		if recurring.IsEnabled {
			clone := *recurring
			enabled = append(enabled, &clone)
		}
	}
	sort.Slice(enabled, func(i, j int) bool {
		return enabled[i].ID < enabled[j].ID
	})
	return enabled, nil
}

func (s *Store) GetRecurringJob(ctx context.Context, id string) (*models.RecurringJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recurring, exists := s.recurring[id]
	if !exists {
		return nil, nil
	}
	clone := *recurring
	return &clone, nil
}

func (s *Store) RemoveRecurringJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recurring, id)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
