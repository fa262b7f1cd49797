package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/pensum/common"
	"github.com/ternarybob/pensum/interfaces"
	"github.com/ternarybob/pensum/models"
)

func newStore(t *testing.T) interfaces.JobStorage {
	t.Helper()
	store := NewStore(common.GetLogger())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func scheduledJob(id string, at time.Time) *models.Job {
	job := models.NewJob(id, "test-type", "", 3)
	job.MarkScheduled(at)
	return job
}

func TestStoreAndGetJob(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	job := scheduledJob("job-1", time.Now().UTC())
	id, err := store.StoreJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	loaded, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, job.TypeName, loaded.TypeName)
	assert.Equal(t, models.JobStateScheduled, loaded.State)
}

func TestGetJobMissingReturnsNil(t *testing.T) {
	store := newStore(t)

	job, err := store.GetJob(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestStoreJobRejectsInvalid(t *testing.T) {
	store := newStore(t)

	_, err := store.StoreJob(context.Background(), models.NewJob("", "test-type", "", 0))
	assert.Error(t, err)

	_, err = store.StoreJob(context.Background(), models.NewJob("id", "", "", 0))
	assert.Error(t, err)
}

func TestUpdateJobMissingReturnsErrJobNotFound(t *testing.T) {
	store := newStore(t)

	err := store.UpdateJob(context.Background(), scheduledJob("ghost", time.Now().UTC()))
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestGetJobReturnsIsolatedCopy(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.StoreJob(ctx, scheduledJob("job-1", time.Now().UTC()))
	require.NoError(t, err)

	first, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	first.State = models.JobStateAbandoned

	second, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateScheduled, second.State)
}

func TestDeleteJobIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.StoreJob(ctx, scheduledJob("job-1", time.Now().UTC()))
	require.NoError(t, err)

	require.NoError(t, store.DeleteJob(ctx, "job-1"))
	require.NoError(t, store.DeleteJob(ctx, "job-1"))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestGetScheduledJobsFiltersAndOrders(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.StoreJob(ctx, scheduledJob("due-late", now.Add(-time.Minute)))
	require.NoError(t, err)
	_, err = store.StoreJob(ctx, scheduledJob("due-early", now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = store.StoreJob(ctx, scheduledJob("future", now.Add(time.Hour)))
	require.NoError(t, err)

	processing := scheduledJob("processing", now.Add(-time.Hour))
	processing.MarkProcessing()
	_, err = store.StoreJob(ctx, processing)
	require.NoError(t, err)

	due, err := store.GetScheduledJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "due-early", due[0].ID)
	assert.Equal(t, "due-late", due[1].ID)

	limited, err := store.GetScheduledJobs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "due-early", limited[0].ID)
}

func TestGetJobsByStateAndCount(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.StoreJob(ctx, scheduledJob(id, now))
		require.NoError(t, err)
	}
	done := scheduledJob("d", now)
	done.MarkSucceeded("")
	_, err := store.StoreJob(ctx, done)
	require.NoError(t, err)

	scheduled, err := store.GetJobsByState(ctx, models.JobStateScheduled, 0)
	require.NoError(t, err)
	assert.Len(t, scheduled, 3)

	count, err := store.GetJobCount(ctx, models.JobStateScheduled)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = store.GetJobCount(ctx, models.JobStateSucceeded)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBatchRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	jobs := []*models.Job{
		scheduledJob("m1", now),
		scheduledJob("m2", now),
	}
	require.NoError(t, store.StoreBatch(ctx, "batch-1", jobs))

	members, err := store.GetBatchJobs(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	for _, member := range members {
		assert.Equal(t, "batch-1", member.BatchID)
	}

	empty, err := store.GetBatchJobs(ctx, "no-such-batch")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestContinuationRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	child := models.NewJob("child-1", "child-type", "", 0)
	child.State = models.JobStateAwaitingContinuation
	require.NoError(t, store.StoreContinuation(ctx, "parent-1", child))

	continuations, err := store.GetContinuations(ctx, "parent-1")
	require.NoError(t, err)
	require.Len(t, continuations, 1)
	assert.Equal(t, "parent-1", continuations[0].ParentJobID)

	// Once scheduled it no longer shows up as a pending continuation.
	continuations[0].MarkScheduled(time.Now().UTC())
	require.NoError(t, store.UpdateJob(ctx, continuations[0]))

	continuations, err = store.GetContinuations(ctx, "parent-1")
	require.NoError(t, err)
	assert.Empty(t, continuations)
}

func TestRecurringJobRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	recurring := models.NewRecurringJob("nightly", "0 3 * * *", "cleanup", "", 1)
	require.NoError(t, store.StoreRecurringJob(ctx, recurring))

	loaded, err := store.GetRecurringJob(ctx, "nightly")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "0 3 * * *", loaded.CronExpression)

	// Upsert replaces in place.
	recurring.CronExpression = "0 4 * * *"
	require.NoError(t, store.StoreRecurringJob(ctx, recurring))
	all, err := store.GetRecurringJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "0 4 * * *", all[0].CronExpression)

	// Disabled definitions drop out of the enabled listing.
	recurring.IsEnabled = false
	require.NoError(t, store.StoreRecurringJob(ctx, recurring))
	all, err = store.GetRecurringJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, store.RemoveRecurringJob(ctx, "nightly"))
	require.NoError(t, store.RemoveRecurringJob(ctx, "nightly"))
	loaded, err = store.GetRecurringJob(ctx, "nightly")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
