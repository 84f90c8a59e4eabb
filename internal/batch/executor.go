package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/mailtriage/internal/config"
	"github.com/timmy/mailtriage/internal/domain"
	"github.com/timmy/mailtriage/internal/logger"
)

// Settings are the tunables of chunk execution.
type Settings struct {
	ChunkMonths    int
	ChunkSize      int
	CostPerEmail   float64
	LockTimeout    time.Duration
	NextChunkDelay time.Duration
	MaxRetries     int
}

// DefaultSettings mirrors the config defaults.
func DefaultSettings() Settings {
	return Settings{
		ChunkMonths:    2,
		ChunkSize:      500,
		CostPerEmail:   0.00124,
		LockTimeout:    DefaultLockTimeout,
		NextChunkDelay: 5 * time.Second,
		MaxRetries:     3,
	}
}

// SettingsFromConfig fills unset values from DefaultSettings.
func SettingsFromConfig(cfg *config.BatchConfig) Settings {
	s := DefaultSettings()
	if cfg == nil {
		return s
	}
	if cfg.ChunkMonths > 0 {
		s.ChunkMonths = cfg.ChunkMonths
	}
	if cfg.ChunkSize > 0 {
		s.ChunkSize = cfg.ChunkSize
	}
	if cfg.CostPerEmail > 0 {
		s.CostPerEmail = cfg.CostPerEmail
	}
	if cfg.LockTimeout > 0 {
		s.LockTimeout = cfg.LockTimeout
	}
	if cfg.NextChunkDelay > 0 {
		s.NextChunkDelay = cfg.NextChunkDelay
	}
	if cfg.MaxRetries > 0 {
		s.MaxRetries = cfg.MaxRetries
	}
	return s
}

// Executor advances a job by exactly one chunk per call.
type Executor struct {
	store     JobStore
	locks     *LockManager
	processor EmailProcessor
	queue     ChunkEnqueuer
	archive   ReportArchiver
	settings  Settings

	now       func() time.Time
	newLockID func() string
}

// NewExecutor wires the executor. archive may be nil.
func NewExecutor(store JobStore, processor EmailProcessor, queue ChunkEnqueuer, archive ReportArchiver, settings Settings) *Executor {
	return &Executor{
		store:     store,
		locks:     NewLockManager(store, settings.LockTimeout),
		processor: processor,
		queue:     queue,
		archive:   archive,
		settings:  settings,
		now:       utcNow,
		newLockID: uuid.NewString,
	}
}

// ProcessChunk runs the next unprocessed range of jobID.
//
// Expected non-failures (unknown job, inactive job, lock held by another worker)
// come back as a result with the matching Outcome and a nil error. An error
// means the chunk failed and was recorded on the job; the caller should let
// the queue redeliver.
func (e *Executor) ProcessChunk(ctx context.Context, jobID, taskID string) (*ChunkResult, error) {
	ctx = logger.SetJobID(ctx, jobID)
	if taskID != "" {
		ctx = logger.SetTaskID(ctx, taskID)
	}
	result := &ChunkResult{JobID: jobID, TaskID: taskID}

	job, err := e.store.GetByID(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		logger.CtxWarn(ctx, "Batch job %s not found, dropping task", jobID)
		result.Outcome = OutcomeNotFound
		result.Reason = "job not found"
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !job.Status.IsActive() {
		return e.skip(ctx, result, job, "job_status_"+string(job.Status)), nil
	}

	holder := e.newLockID()
	ctx = logger.WithField(ctx, logger.FieldLockID, holder)
	acquired, err := e.locks.TryAcquire(ctx, jobID, holder)
	if err != nil {
		return nil, err
	}
	if !acquired {
		logger.CtxInfo(ctx, "Job %s is locked by another worker", jobID)
		result.Outcome = OutcomeLockHeld
		result.JobStatus = job.Status
		result.Reason = "another worker is processing this job"
		return result, nil
	}

	// Read again under the lock; the first read may predate a commit by the previous holder.
	job, err = e.store.GetByID(ctx, jobID)
	if err != nil {
		e.release(ctx, jobID, holder)
		return nil, fmt.Errorf("reload job %s: %w", jobID, err)
	}
	if !job.Status.IsActive() {
		e.release(ctx, jobID, holder)
		return e.skip(ctx, result, job, "job_status_"+string(job.Status)), nil
	}

	plan, err := PlanJob(job)
	if err != nil {
		e.release(ctx, jobID, holder)
		return nil, fmt.Errorf("plan job %s: %w", jobID, err)
	}
	result.ChunksTotal = len(plan)

	next, remaining, found := NextRange(plan, job.CompletedRanges)
	if !found {
		return e.complete(ctx, result, job, holder)
	}

	marked, err := e.store.MarkRunning(ctx, jobID, holder, next, e.now())
	if err != nil {
		e.release(ctx, jobID, holder)
		return nil, fmt.Errorf("mark job %s running: %w", jobID, err)
	}
	if !marked {
		// Paused between the reload and this write.
		e.release(ctx, jobID, holder)
		current, err := e.store.GetByID(ctx, jobID)
		if err != nil {
			current = job
		}
		return e.skip(ctx, result, current, "job left active state"), nil
	}

	ctx = logger.SetChunk(ctx, next.Start(), next.End())
	logger.CtxInfo(ctx, "Processing chunk %s (%d of %d)", next, len(job.CompletedRanges)+1, len(plan))
	started := time.Now()

	counts, err := e.processor.ProcessBatch(ctx, BuildQuery(job.QueryTemplate, next), job.ChunkSize)
	if err != nil {
		return nil, e.fail(ctx, job, holder, next, err)
	}
	if counts == nil {
		counts = &domain.ChunkCounts{}
	}

	remaining--
	applyCounts(job, counts, e.settings.CostPerEmail)
	job.CompletedRanges = append(job.CompletedRanges, next)
	job.ChunksCompleted = len(job.CompletedRanges)
	job.RetryCount = 0
	if remaining == 0 {
		job.Status = domain.JobStatusCompleted
	}

	status, saved, err := e.store.SaveChunkProgress(ctx, job, holder, e.now())
	if err != nil {
		e.release(ctx, jobID, holder)
		return nil, fmt.Errorf("save progress for job %s: %w", jobID, err)
	}
	if !saved {
		// Lock was taken over as stale while the processor ran; the new holder redoes this chunk.
		logger.CtxWarn(ctx, "Lock lost while processing chunk %s, discarding result", next)
		result.Outcome = OutcomeLockHeld
		result.Reason = "lock lost before commit"
		return result, nil
	}

	logger.With(logger.Fields{
		"processed":  counts.Processed,
		"errors":     counts.Errors,
		"remaining":  remaining,
		"total_cost": job.EstimatedCost,
	}).WithDuration(time.Since(started).Milliseconds()).Info(ctx, "Chunk %s complete", next)

	result.Outcome = OutcomeChunkCompleted
	result.JobStatus = status
	result.Chunk = next.String()
	result.Processed = counts.Processed
	result.Errors = counts.Errors
	result.ChunksCompleted = job.ChunksCompleted
	result.RemainingChunks = remaining

	if remaining == 0 {
		logger.CtxInfo(ctx, "Batch job %s completed", jobID)
		result.ReportURL = e.archiveReport(ctx, jobID)
		return result, nil
	}

	if !status.IsActive() {
		logger.CtxInfo(ctx, "Job %s is %s, not enqueueing the next chunk", jobID, status)
		return result, nil
	}

	nextTaskID, err := e.queue.EnqueueChunk(ctx, jobID, e.settings.NextChunkDelay)
	if err != nil {
		return nil, fmt.Errorf("enqueue next chunk for job %s: %w", jobID, err)
	}
	logger.CtxInfo(ctx, "Enqueued next task %s, %d chunks remaining", nextTaskID, remaining)
	result.NextTaskID = nextTaskID
	return result, nil
}

func (e *Executor) complete(ctx context.Context, result *ChunkResult, job *domain.BatchJob, holder string) (*ChunkResult, error) {
	done, err := e.store.Complete(ctx, job.JobID, holder, e.now())
	if err != nil {
		e.release(ctx, job.JobID, holder)
		return nil, fmt.Errorf("complete job %s: %w", job.JobID, err)
	}
	if !done {
		result.Outcome = OutcomeLockHeld
		result.Reason = "lock lost before commit"
		return result, nil
	}

	logger.CtxInfo(ctx, "Batch job %s completed", job.JobID)
	result.Outcome = OutcomeCompleted
	result.JobStatus = domain.JobStatusCompleted
	result.ChunksCompleted = len(job.CompletedRanges)
	result.ReportURL = e.archiveReport(ctx, job.JobID)
	return result, nil
}

func (e *Executor) fail(ctx context.Context, job *domain.BatchJob, holder string, chunk domain.DateRange, cause error) error {
	logger.FromContext(ctx).WithError(cause).Errorf("Chunk %s failed", chunk)

	recorded, err := e.store.RecordChunkFailure(ctx, job.JobID, holder, cause.Error(), e.settings.MaxRetries, e.now())
	if err != nil {
		e.release(ctx, job.JobID, holder)
		logger.CtxError(ctx, "Failed to record chunk failure: %v", err)
	} else if !recorded {
		logger.CtxWarn(ctx, "Lock lost before recording failure for job %s", job.JobID)
	} else if job.RetryCount+1 >= e.settings.MaxRetries {
		logger.CtxError(ctx, "Batch job %s failed after %d consecutive errors", job.JobID, job.RetryCount+1)
	}
	return fmt.Errorf("process chunk %s: %w", chunk, cause)
}

func (e *Executor) skip(ctx context.Context, result *ChunkResult, job *domain.BatchJob, reason string) *ChunkResult {
	logger.CtxInfo(ctx, "Job %s is %s, skipping", job.JobID, job.Status)
	result.Outcome = OutcomeSkipped
	result.JobStatus = job.Status
	result.Reason = reason
	result.ChunksCompleted = job.ChunksCompleted
	result.ChunksTotal = job.ChunksTotal
	return result
}

func (e *Executor) release(ctx context.Context, jobID, holder string) {
	if err := e.locks.Release(ctx, jobID, holder); err != nil {
		logger.CtxError(ctx, "Failed to release lock: %v", err)
	}
}

func (e *Executor) archiveReport(ctx context.Context, jobID string) string {
	if e.archive == nil {
		return ""
	}
	job, err := e.store.GetByID(ctx, jobID)
	if err != nil {
		logger.CtxWarn(ctx, "Skipping report for job %s: %v", jobID, err)
		return ""
	}
	url, err := e.archive.Archive(ctx, job)
	if err != nil {
		logger.CtxWarn(ctx, "Failed to archive report for job %s: %v", jobID, err)
		return ""
	}
	return url
}

func applyCounts(job *domain.BatchJob, c *domain.ChunkCounts, costPerEmail float64) {
	job.EmailsProcessed += c.Processed
	job.EmailsCategorized += c.Categorized
	job.EmailsLabeled += c.Labeled
	job.EmailsPendingApproval += c.PendingApproval
	job.EmailsErrors += c.Errors
	job.EstimatedCost = float64(job.EmailsProcessed) * costPerEmail
}

// BuildQuery renders the mailbox search filter for one range.
func BuildQuery(template string, r domain.DateRange) string {
	if template == "" {
		template = domain.DefaultQueryTemplate
	}
	return strings.NewReplacer("{start}", r.Start(), "{end}", r.End()).Replace(template)
}
