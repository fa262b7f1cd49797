// -----------------------------------------------------------------------
// Processor - Polls storage and drives jobs through their lifecycle
// -----------------------------------------------------------------------

package processor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pensum/common"
	"github.com/ternarybob/pensum/cron"
	"github.com/ternarybob/pensum/handlers"
	"github.com/ternarybob/pensum/interfaces"
	"github.com/ternarybob/pensum/models"
)

// Processor polls storage for due jobs and executes them through
// registered handlers. One processor instance owns the jobs it
// dispatches; run a single processor per storage.
type Processor struct {
	storage  interfaces.JobStorage
	registry *handlers.Registry
	logger   arbor.ILogger

	maxConcurrentJobs int
	pollingInterval   time.Duration
	recurringInterval time.Duration
	batchSize         int
	defaultRetryDelay time.Duration
	shutdownTimeout   time.Duration
	staleInterval     time.Duration
	staleThreshold    time.Duration

	// Snapshot of the registry taken at Start. Immutable afterwards.
	handlers map[string]interfaces.JobHandler

	slots  chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
}

// NewProcessor creates a processor over the given storage and handler
// registry. Call Start to begin polling.
func NewProcessor(storage interfaces.JobStorage, registry *handlers.Registry, config *common.Config, logger arbor.ILogger) *Processor {
	pc := config.Processor

	maxJobs := pc.MaxConcurrentJobs
	if maxJobs < 1 {
		maxJobs = 1
	}
	batchSize := pc.BatchSize
	if batchSize < 1 {
		batchSize = 100
	}

	return &Processor{
		storage:           storage,
		registry:          registry,
		logger:            logger,
		maxConcurrentJobs: maxJobs,
		pollingInterval:   common.Duration(pc.PollingInterval, 5*time.Second),
		recurringInterval: common.Duration(pc.RecurringPollingInterval, time.Minute),
		batchSize:         batchSize,
		defaultRetryDelay: common.Duration(pc.DefaultRetryDelay, 30*time.Second),
		shutdownTimeout:   common.Duration(pc.ShutdownTimeout, 30*time.Second),
		staleInterval:     common.Duration(pc.StaleCheckInterval, 0),
		staleThreshold:    common.Duration(pc.StaleThreshold, 10*time.Minute),
	}
}

// Start begins the polling loops. Calling Start on a running processor
// is a no-op.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	p.handlers = p.registry.Snapshot()
	p.slots = make(chan struct{}, p.maxConcurrentJobs)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	common.SafeGo(p.logger, "processor.scheduled", func() {
		p.scheduledLoop(ctx)
	})
	common.SafeGo(p.logger, "processor.recurring", func() {
		p.recurringLoop(ctx)
	})
	if p.staleInterval > 0 {
		common.SafeGo(p.logger, "processor.stale", func() {
			p.staleLoop(ctx)
		})
	}

	p.logger.Info().
		Int("max_concurrent_jobs", p.maxConcurrentJobs).
		Str("polling_interval", p.pollingInterval.String()).
		Str("recurring_polling_interval", p.recurringInterval.String()).
		Int("handlers", len(p.handlers)).
		Msg("Job processor started")
	return nil
}

// Stop halts polling and waits for in-flight jobs to finish, up to the
// configured shutdown timeout or the caller's context, whichever ends
// first. Jobs still running after that are left in Processing; the
// stale sweep re-schedules them on the next start.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		p.logger.Info().Msg("Job processor stopped")
		return nil
	case <-timer.C:
		p.logger.Warn().
			Str("timeout", p.shutdownTimeout.String()).
			Msg("Shutdown timeout reached with jobs still running")
		return fmt.Errorf("shutdown timeout after %s", p.shutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -----------------------------------------------------------------------
// Scheduled job loop
// -----------------------------------------------------------------------

func (p *Processor) scheduledLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollingInterval)
	defer ticker.Stop()

	// Poll immediately on start so short-lived processes pick up
	// already-due work without waiting a full interval.
	p.pollScheduled(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollScheduled(ctx)
		}
	}
}

func (p *Processor) pollScheduled(ctx context.Context) {
	jobs, err := p.storage.GetScheduledJobs(ctx, p.batchSize)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to query scheduled jobs")
		return
	}
	if len(jobs) == 0 {
		return
	}

	p.logger.Debug().Int("count", len(jobs)).Msg("Dispatching due jobs")

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return
		case p.slots <- struct{}{}:
		}

		p.wg.Add(1)
		go func(job *models.Job) {
			defer p.wg.Done()
			defer func() { <-p.slots }()
			p.executeJob(ctx, job)
		}(job)
	}
}

// executeJob runs one execution attempt. The polled snapshot may be
// stale, so the job is re-read and dropped silently unless it is still
// Scheduled; cancellation between poll and dispatch wins.
func (p *Processor) executeJob(ctx context.Context, polled *models.Job) {
	job, err := p.storage.GetJob(ctx, polled.ID)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", polled.ID).Msg("Failed to re-read job before execution")
		return
	}
	if job == nil || job.State != models.JobStateScheduled {
		return
	}

	job.MarkProcessing()
	if err := p.storage.UpdateJob(ctx, job); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job processing")
		return
	}

	handler, ok := p.handlers[job.TypeName]
	if !ok {
		p.logger.Warn().
			Str("job_id", job.ID).
			Str("type_name", job.TypeName).
			Msg("No handler registered for job type")
		p.completeFailure(ctx, job, models.PermanentFailure(
			fmt.Sprintf("no handler registered for type %s", job.TypeName)))
		return
	}

	result := p.invoke(ctx, handler, job)

	if result.Succeeded {
		p.completeSuccess(ctx, job, result)
	} else {
		p.completeFailure(ctx, job, result)
	}
}

// invoke calls the handler with panic recovery. A panicking handler is
// treated as a retryable failure.
func (p *Processor) invoke(ctx context.Context, handler interfaces.JobHandler, job *models.Job) (result models.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			p.logger.Error().
				Str("job_id", job.ID).
				Str("type_name", job.TypeName).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(buf[:n])).
				Msg("Job handler panicked")
			result = models.Failure(fmt.Sprintf("handler panic: %v", r))
		}
	}()

	return handler.Handle(ctx, job.Arguments)
}

func (p *Processor) completeSuccess(ctx context.Context, job *models.Job, result models.ExecutionResult) {
	job.MarkSucceeded(result.Result)
	if err := p.storage.UpdateJob(ctx, job); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job succeeded")
		return
	}

	p.logger.Debug().
		Str("job_id", job.ID).
		Str("type_name", job.TypeName).
		Msg("Job succeeded")

	p.promoteContinuations(ctx, job.ID)
	p.checkBatchCompletion(ctx, job.BatchID)
}

// completeFailure records the attempt and either re-schedules or
// abandons the job. Abandonment is also a batch-terminal event, so the
// batch completion check runs on that path too.
func (p *Processor) completeFailure(ctx context.Context, job *models.Job, result models.ExecutionResult) {
	job.RecordFailure(result.ErrorMessage)

	if !result.ShouldRetry || job.RetriesExhausted() {
		job.MarkAbandoned(result.ErrorMessage)
		if err := p.storage.UpdateJob(ctx, job); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job abandoned")
			return
		}

		p.logger.Warn().
			Str("job_id", job.ID).
			Str("type_name", job.TypeName).
			Int("retry_count", job.RetryCount).
			Str("error", result.ErrorMessage).
			Msg("Job abandoned")

		p.checkBatchCompletion(ctx, job.BatchID)
		return
	}

	delay := p.defaultRetryDelay
	if result.RetryDelay != nil {
		delay = *result.RetryDelay
	}
	job.MarkScheduled(time.Now().UTC().Add(delay))

	if err := p.storage.UpdateJob(ctx, job); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to re-schedule job for retry")
		return
	}

	p.logger.Debug().
		Str("job_id", job.ID).
		Str("type_name", job.TypeName).
		Int("retry_count", job.RetryCount).
		Str("retry_delay", delay.String()).
		Str("error", result.ErrorMessage).
		Msg("Job scheduled for retry")
}

// promoteContinuations schedules every continuation awaiting the
// parent. Runs only after the parent succeeded.
func (p *Processor) promoteContinuations(ctx context.Context, parentJobID string) {
	continuations, err := p.storage.GetContinuations(ctx, parentJobID)
	if err != nil {
		p.logger.Error().Err(err).Str("parent_job_id", parentJobID).Msg("Failed to query continuations")
		return
	}

	now := time.Now().UTC()
	for _, continuation := range continuations {
		continuation.MarkScheduled(now)
		if err := p.storage.UpdateJob(ctx, continuation); err != nil {
			p.logger.Error().Err(err).
				Str("job_id", continuation.ID).
				Str("parent_job_id", parentJobID).
				Msg("Failed to schedule continuation")
			continue
		}
		p.logger.Debug().
			Str("job_id", continuation.ID).
			Str("parent_job_id", parentJobID).
			Msg("Continuation scheduled")
	}
}

// checkBatchCompletion schedules waiting batch continuations once every
// regular member of the batch has reached a terminal state.
func (p *Processor) checkBatchCompletion(ctx context.Context, batchID string) {
	if batchID == "" {
		return
	}

	members, err := p.storage.GetBatchJobs(ctx, batchID)
	if err != nil {
		p.logger.Error().Err(err).Str("batch_id", batchID).Msg("Failed to query batch members")
		return
	}

	var waiting []*models.Job
	for _, member := range members {
		if member.State == models.JobStateAwaitingBatch {
			waiting = append(waiting, member)
			continue
		}
		if !member.IsTerminal() {
			return
		}
	}
	if len(waiting) == 0 {
		return
	}

	now := time.Now().UTC()
	for _, continuation := range waiting {
		continuation.MarkScheduled(now)
		if err := p.storage.UpdateJob(ctx, continuation); err != nil {
			p.logger.Error().Err(err).
				Str("job_id", continuation.ID).
				Str("batch_id", batchID).
				Msg("Failed to schedule batch continuation")
			continue
		}
		p.logger.Debug().
			Str("job_id", continuation.ID).
			Str("batch_id", batchID).
			Msg("Batch continuation scheduled")
	}
}

// -----------------------------------------------------------------------
// Recurring job loop
// -----------------------------------------------------------------------

func (p *Processor) recurringLoop(ctx context.Context) {
	ticker := time.NewTicker(p.recurringInterval)
	defer ticker.Stop()

	p.pollRecurring(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollRecurring(ctx)
		}
	}
}

// pollRecurring materializes at most one job per due definition per
// tick. Missed occurrences are not backfilled: after a fire the anchor
// moves to the fire time, so downtime produces a single catch-up run.
func (p *Processor) pollRecurring(ctx context.Context) {
	definitions, err := p.storage.GetRecurringJobs(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to query recurring jobs")
		return
	}

	now := time.Now().UTC()
	for _, definition := range definitions {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.fireIfDue(ctx, definition, now)
	}
}

func (p *Processor) fireIfDue(ctx context.Context, definition *models.RecurringJob, now time.Time) {
	schedule, err := cron.Parse(definition.CronExpression)
	if err != nil {
		// Validated at registration; a parse failure here means the
		// stored record was corrupted or written by an older build.
		p.logger.Error().Err(err).
			Str("recurring_id", definition.ID).
			Str("cron", definition.CronExpression).
			Msg("Stored cron expression no longer parses")
		return
	}

	anchor := now.Add(-time.Minute)
	if definition.LastExecution != nil {
		anchor = *definition.LastExecution
	}

	next, err := schedule.NextOccurrence(anchor)
	if err != nil {
		p.logger.Warn().
			Str("recurring_id", definition.ID).
			Str("cron", definition.CronExpression).
			Msg("Cron schedule has no next occurrence")
		return
	}

	if next.After(now) {
		// Not due. Keep the advertised next run current.
		if definition.NextExecution == nil || !definition.NextExecution.Equal(next) {
			definition.NextExecution = &next
			if err := p.storage.StoreRecurringJob(ctx, definition); err != nil {
				p.logger.Error().Err(err).
					Str("recurring_id", definition.ID).
					Msg("Failed to update recurring job next execution")
			}
		}
		return
	}

	job := models.NewJob(common.NewJobID(), definition.JobTypeName, definition.JobArguments, definition.MaxRetryCount)
	job.MarkScheduled(now)

	if _, err := p.storage.StoreJob(ctx, job); err != nil {
		p.logger.Error().Err(err).
			Str("recurring_id", definition.ID).
			Msg("Failed to materialize recurring job")
		return
	}

	var nextAfter *time.Time
	if upcoming, err := schedule.NextOccurrence(now); err == nil {
		nextAfter = &upcoming
	}
	definition.MarkFired(now, nextAfter)

	if err := p.storage.StoreRecurringJob(ctx, definition); err != nil {
		p.logger.Error().Err(err).
			Str("recurring_id", definition.ID).
			Msg("Failed to record recurring job fire")
		return
	}

	p.logger.Debug().
		Str("recurring_id", definition.ID).
		Str("job_id", job.ID).
		Str("type_name", definition.JobTypeName).
		Msg("Recurring job materialized")
}

// -----------------------------------------------------------------------
// Stale job sweep
// -----------------------------------------------------------------------

func (p *Processor) staleLoop(ctx context.Context) {
	ticker := time.NewTicker(p.staleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepStale(ctx)
		}
	}
}

// sweepStale re-schedules jobs stuck in Processing past the threshold,
// typically left behind by a crashed run. The retry counter is not
// touched; the sweep recovers work, it does not judge it.
func (p *Processor) sweepStale(ctx context.Context) {
	jobs, err := p.storage.GetJobsByState(ctx, models.JobStateProcessing, 0)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to query processing jobs for stale sweep")
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.ExecutedAt == nil || now.Sub(*job.ExecutedAt) < p.staleThreshold {
			continue
		}

		job.MarkScheduled(now)
		if err := p.storage.UpdateJob(ctx, job); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to re-schedule stale job")
			continue
		}
		p.logger.Warn().
			Str("job_id", job.ID).
			Str("type_name", job.TypeName).
			Msg("Re-scheduled stale processing job")
	}
}
