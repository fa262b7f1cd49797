package processor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/pensum/client"
	"github.com/ternarybob/pensum/common"
	"github.com/ternarybob/pensum/handlers"
	"github.com/ternarybob/pensum/interfaces"
	"github.com/ternarybob/pensum/models"
	"github.com/ternarybob/pensum/storage/memory"
)

// testConfig returns a config tuned for fast polling in tests.
func testConfig() *common.Config {
	config := common.NewDefaultConfig()
	config.Processor.PollingInterval = "10ms"
	config.Processor.RecurringPollingInterval = "10ms"
	config.Processor.DefaultRetryDelay = "10ms"
	config.Processor.ShutdownTimeout = "5s"
	config.Storage.Type = "memory"
	return config
}

func newTestEngine(t *testing.T) (interfaces.JobStorage, *handlers.Registry, *client.Client, *Processor) {
	t.Helper()

	logger := common.GetLogger()
	store := memory.NewStore(logger)
	registry := handlers.NewRegistry(logger)
	jobClient := client.NewClient(store, logger)
	proc := NewProcessor(store, registry, testConfig(), logger)

	t.Cleanup(func() {
		_ = proc.Stop(context.Background())
		_ = store.Close()
	})
	return store, registry, jobClient, proc
}

// waitForState polls until the job reaches the wanted state or the
// deadline passes.
func waitForState(t *testing.T, store interfaces.JobStorage, jobID string, want models.JobState) *models.Job {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job != nil && job.State == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := store.GetJob(context.Background(), jobID)
	if job != nil {
		t.Fatalf("job %s never reached state %s, last state %s", jobID, want, job.State)
	} else {
		t.Fatalf("job %s never reached state %s, job missing", jobID, want)
	}
	return nil
}

func TestProcessorExecutesEnqueuedJob(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	var executed atomic.Int32
	registry.MustRegister(handlers.NewFunc("noop", func(ctx context.Context, arguments string) models.ExecutionResult {
		executed.Add(1)
		return models.SuccessWithResult(`{"ok":true}`)
	}))

	require.NoError(t, proc.Start())

	jobID, err := jobClient.Enqueue(context.Background(), "noop", nil, 3)
	require.NoError(t, err)

	job := waitForState(t, store, jobID, models.JobStateSucceeded)
	assert.Equal(t, int32(1), executed.Load())
	assert.Equal(t, `{"ok":true}`, job.Result)
	assert.Equal(t, 0, job.RetryCount)
	assert.NotNil(t, job.ExecutedAt)
	assert.Empty(t, job.ErrorMessage)
}

func TestProcessorDecodesTypedArguments(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	type greetArgs struct {
		Name string `json:"name"`
	}

	got := make(chan string, 1)
	registry.MustRegister(handlers.NewTyped("greet", func(ctx context.Context, args greetArgs) models.ExecutionResult {
		got <- args.Name
		return models.Success()
	}))

	require.NoError(t, proc.Start())

	jobID, err := jobClient.Enqueue(context.Background(), "greet", greetArgs{Name: "ada"}, 0)
	require.NoError(t, err)

	waitForState(t, store, jobID, models.JobStateSucceeded)
	assert.Equal(t, "ada", <-got)
}

func TestProcessorRetriesUntilSuccess(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	var attempts atomic.Int32
	registry.MustRegister(handlers.NewFunc("flaky", func(ctx context.Context, arguments string) models.ExecutionResult {
		if attempts.Add(1) < 3 {
			return models.Failure("transient")
		}
		return models.Success()
	}))

	require.NoError(t, proc.Start())

	jobID, err := jobClient.Enqueue(context.Background(), "flaky", nil, 5)
	require.NoError(t, err)

	job := waitForState(t, store, jobID, models.JobStateSucceeded)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 2, job.RetryCount)
	assert.Empty(t, job.ErrorMessage)
}

func TestProcessorAbandonsAfterRetryBudget(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	var attempts atomic.Int32
	registry.MustRegister(handlers.NewFunc("always-fails", func(ctx context.Context, arguments string) models.ExecutionResult {
		attempts.Add(1)
		return models.Failure("still broken")
	}))

	require.NoError(t, proc.Start())

	jobID, err := jobClient.Enqueue(context.Background(), "always-fails", nil, 2)
	require.NoError(t, err)

	job := waitForState(t, store, jobID, models.JobStateAbandoned)
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 3, job.RetryCount)
	assert.LessOrEqual(t, job.RetryCount, job.MaxRetryCount+1)
	assert.Equal(t, "still broken", job.ErrorMessage)
}

func TestProcessorAbandonsPermanentFailureImmediately(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	var attempts atomic.Int32
	registry.MustRegister(handlers.NewFunc("fatal", func(ctx context.Context, arguments string) models.ExecutionResult {
		attempts.Add(1)
		return models.PermanentFailure("bad input")
	}))

	require.NoError(t, proc.Start())

	jobID, err := jobClient.Enqueue(context.Background(), "fatal", nil, 10)
	require.NoError(t, err)

	job := waitForState(t, store, jobID, models.JobStateAbandoned)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "bad input", job.ErrorMessage)
}

func TestProcessorAbandonsJobWithoutHandler(t *testing.T) {
	store, _, jobClient, proc := newTestEngine(t)

	require.NoError(t, proc.Start())

	jobID, err := jobClient.Enqueue(context.Background(), "unregistered", nil, 5)
	require.NoError(t, err)

	job := waitForState(t, store, jobID, models.JobStateAbandoned)
	assert.Equal(t, 1, job.RetryCount)
	assert.Contains(t, job.ErrorMessage, "no handler registered")
}

func TestProcessorRecoversFromHandlerPanic(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	var attempts atomic.Int32
	registry.MustRegister(handlers.NewFunc("panics", func(ctx context.Context, arguments string) models.ExecutionResult {
		if attempts.Add(1) == 1 {
			panic("boom")
		}
		return models.Success()
	}))

	require.NoError(t, proc.Start())

	jobID, err := jobClient.Enqueue(context.Background(), "panics", nil, 3)
	require.NoError(t, err)

	job := waitForState(t, store, jobID, models.JobStateSucceeded)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, 1, job.RetryCount)
}

func TestProcessorHonorsPerFailureRetryDelay(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	var attempts atomic.Int32
	var firstFailure time.Time
	registry.MustRegister(handlers.NewFunc("backoff", func(ctx context.Context, arguments string) models.ExecutionResult {
		if attempts.Add(1) == 1 {
			firstFailure = time.Now()
			return models.Failure("wait a bit").WithRetryDelay(150 * time.Millisecond)
		}
		return models.Success()
	}))

	require.NoError(t, proc.Start())

	jobID, err := jobClient.Enqueue(context.Background(), "backoff", nil, 3)
	require.NoError(t, err)

	waitForState(t, store, jobID, models.JobStateSucceeded)
	assert.GreaterOrEqual(t, time.Since(firstFailure), 150*time.Millisecond)
}

func TestProcessorRunsContinuationAfterParentSucceeds(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	order := make(chan string, 2)
	registry.MustRegister(handlers.NewFunc("parent", func(ctx context.Context, arguments string) models.ExecutionResult {
		order <- "parent"
		return models.Success()
	}))
	registry.MustRegister(handlers.NewFunc("child", func(ctx context.Context, arguments string) models.ExecutionResult {
		order <- "child"
		return models.Success()
	}))

	require.NoError(t, proc.Start())

	parentID, err := jobClient.Enqueue(context.Background(), "parent", nil, 0)
	require.NoError(t, err)

	childID, err := jobClient.ContinueWith(context.Background(), parentID, "child", nil, 0)
	require.NoError(t, err)

	child, err := store.GetJob(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateAwaitingContinuation, child.State)
	assert.Equal(t, parentID, child.ParentJobID)

	waitForState(t, store, childID, models.JobStateSucceeded)
	assert.Equal(t, "parent", <-order)
	assert.Equal(t, "child", <-order)
}

func TestProcessorSkipsContinuationOfAbandonedParent(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	registry.MustRegister(handlers.NewFunc("doomed", func(ctx context.Context, arguments string) models.ExecutionResult {
		return models.PermanentFailure("nope")
	}))
	registry.MustRegister(handlers.NewFunc("never", func(ctx context.Context, arguments string) models.ExecutionResult {
		t.Error("continuation of a failed parent must not run")
		return models.Success()
	}))

	require.NoError(t, proc.Start())

	parentID, err := jobClient.Enqueue(context.Background(), "doomed", nil, 0)
	require.NoError(t, err)

	childID, err := jobClient.ContinueWith(context.Background(), parentID, "never", nil, 0)
	require.NoError(t, err)

	waitForState(t, store, parentID, models.JobStateAbandoned)
	time.Sleep(100 * time.Millisecond)

	child, err := store.GetJob(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateAwaitingContinuation, child.State)
}

func TestProcessorRunsBatchContinuationAfterAllMembersFinish(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	var members atomic.Int32
	registry.MustRegister(handlers.NewFunc("member", func(ctx context.Context, arguments string) models.ExecutionResult {
		members.Add(1)
		return models.Success()
	}))
	registry.MustRegister(handlers.NewFunc("member-fails", func(ctx context.Context, arguments string) models.ExecutionResult {
		members.Add(1)
		return models.PermanentFailure("one member down")
	}))

	finale := make(chan struct{}, 1)
	registry.MustRegister(handlers.NewFunc("finale", func(ctx context.Context, arguments string) models.ExecutionResult {
		finale <- struct{}{}
		return models.Success()
	}))

	batchID, jobIDs, err := jobClient.EnqueueBatch(context.Background(), []client.BatchItem{
		{TypeName: "member"},
		{TypeName: "member"},
		{TypeName: "member-fails"},
	}, 0)
	require.NoError(t, err)
	require.Len(t, jobIDs, 3)

	continuationID, err := jobClient.ContinueBatchWith(context.Background(), batchID, "finale", nil, 0)
	require.NoError(t, err)

	require.NoError(t, proc.Start())

	waitForState(t, store, continuationID, models.JobStateSucceeded)
	select {
	case <-finale:
	default:
		t.Fatal("batch continuation handler never ran")
	}
	// Every regular member ran before the continuation, abandoned one
	// included.
	assert.Equal(t, int32(3), members.Load())
}

func TestProcessorSkipsCancelledJob(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	registry.MustRegister(handlers.NewFunc("cancellable", func(ctx context.Context, arguments string) models.ExecutionResult {
		t.Error("cancelled job must not execute")
		return models.Success()
	}))

	// Schedule far enough out to cancel before the processor sees it.
	jobID, err := jobClient.Schedule(context.Background(), "cancellable", nil, time.Hour, 0)
	require.NoError(t, err)

	cancelled, err := jobClient.CancelJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	require.NoError(t, proc.Start())
	time.Sleep(100 * time.Millisecond)

	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, job.State)
}

func TestProcessorWaitsForDelayedJob(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	var executedAt atomic.Value
	registry.MustRegister(handlers.NewFunc("delayed", func(ctx context.Context, arguments string) models.ExecutionResult {
		executedAt.Store(time.Now())
		return models.Success()
	}))

	require.NoError(t, proc.Start())

	enqueuedAt := time.Now()
	jobID, err := jobClient.Schedule(context.Background(), "delayed", nil, 200*time.Millisecond, 0)
	require.NoError(t, err)

	waitForState(t, store, jobID, models.JobStateSucceeded)
	ran := executedAt.Load().(time.Time)
	assert.GreaterOrEqual(t, ran.Sub(enqueuedAt), 200*time.Millisecond)
}

func TestProcessorMaterializesRecurringJob(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	var fired atomic.Int32
	registry.MustRegister(handlers.NewFunc("tick", func(ctx context.Context, arguments string) models.ExecutionResult {
		fired.Add(1)
		return models.Success()
	}))

	err := jobClient.AddOrUpdateRecurringJob(context.Background(), "every-minute", "tick", nil, "* * * * *", 0)
	require.NoError(t, err)

	require.NoError(t, proc.Start())

	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Greater(t, fired.Load(), int32(0), "recurring job never fired")

	definition, err := store.GetRecurringJob(context.Background(), "every-minute")
	require.NoError(t, err)
	require.NotNil(t, definition.LastExecution)
	require.NotNil(t, definition.NextExecution)
	assert.True(t, definition.NextExecution.After(*definition.LastExecution))

	// The anchor moved to the fire time, so further ticks in the same
	// minute do not fire again. A minute boundary crossing during the
	// wait legitimately adds one more.
	count := fired.Load()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, fired.Load(), count+1)
}

func TestProcessorSkipsDisabledRecurringJob(t *testing.T) {
	_, registry, jobClient, proc := newTestEngine(t)

	registry.MustRegister(handlers.NewFunc("tick", func(ctx context.Context, arguments string) models.ExecutionResult {
		t.Error("disabled recurring job must not fire")
		return models.Success()
	}))

	err := jobClient.AddOrUpdateRecurringJob(context.Background(), "muted", "tick", nil, "* * * * *", 0)
	require.NoError(t, err)
	require.NoError(t, jobClient.DisableRecurringJob(context.Background(), "muted"))

	require.NoError(t, proc.Start())
	time.Sleep(150 * time.Millisecond)
}

func TestProcessorReschedulesStaleProcessingJob(t *testing.T) {
	logger := common.GetLogger()
	store := memory.NewStore(logger)
	registry := handlers.NewRegistry(logger)
	jobClient := client.NewClient(store, logger)

	config := testConfig()
	config.Processor.StaleCheckInterval = "20ms"
	config.Processor.StaleThreshold = "50ms"
	proc := NewProcessor(store, registry, config, logger)
	t.Cleanup(func() {
		_ = proc.Stop(context.Background())
		_ = store.Close()
	})

	var attempts atomic.Int32
	registry.MustRegister(handlers.NewFunc("orphaned", func(ctx context.Context, arguments string) models.ExecutionResult {
		attempts.Add(1)
		return models.Success()
	}))

	// Simulate a job a crashed run left behind in Processing.
	jobID, err := jobClient.Enqueue(context.Background(), "orphaned", nil, 0)
	require.NoError(t, err)
	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	stale := time.Now().UTC().Add(-time.Minute)
	job.State = models.JobStateProcessing
	job.ExecutedAt = &stale
	require.NoError(t, store.UpdateJob(context.Background(), job))

	require.NoError(t, proc.Start())

	recovered := waitForState(t, store, jobID, models.JobStateSucceeded)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, 0, recovered.RetryCount)
}

func TestProcessorStartIsIdempotent(t *testing.T) {
	_, _, _, proc := newTestEngine(t)

	require.NoError(t, proc.Start())
	require.NoError(t, proc.Start())
	require.NoError(t, proc.Stop(context.Background()))
	require.NoError(t, proc.Stop(context.Background()))
}

func TestProcessorStopWaitsForInflightJob(t *testing.T) {
	store, registry, jobClient, proc := newTestEngine(t)

	release := make(chan struct{})
	started := make(chan struct{})
	registry.MustRegister(handlers.NewFunc("slow", func(ctx context.Context, arguments string) models.ExecutionResult {
		close(started)
		<-release
		return models.Success()
	}))

	require.NoError(t, proc.Start())

	jobID, err := jobClient.Enqueue(context.Background(), "slow", nil, 0)
	require.NoError(t, err)

	<-started
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, proc.Stop(context.Background()))

	job, err := store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, job.State)
}

func TestProcessorLimitsConcurrency(t *testing.T) {
	logger := common.GetLogger()
	store := memory.NewStore(logger)
	registry := handlers.NewRegistry(logger)
	jobClient := client.NewClient(store, logger)

	config := testConfig()
	config.Processor.MaxConcurrentJobs = 2
	proc := NewProcessor(store, registry, config, logger)
	t.Cleanup(func() {
		_ = proc.Stop(context.Background())
		_ = store.Close()
	})

	var inflight atomic.Int32
	var peak atomic.Int32
	registry.MustRegister(handlers.NewFunc("parallel", func(ctx context.Context, arguments string) models.ExecutionResult {
		current := inflight.Add(1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inflight.Add(-1)
		return models.Success()
	}))

	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		id, err := jobClient.Enqueue(context.Background(), "parallel", nil, 0)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, proc.Start())

	for _, id := range ids {
		waitForState(t, store, id, models.JobStateSucceeded)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
