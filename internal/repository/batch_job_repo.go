package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/mailtriage/internal/domain"
	"gorm.io/gorm"
)

// BatchJobRepository persists batch jobs. Writes that advance a job are
// column-targeted and conditional, so a concurrent status change is never
// overwritten by a stale in-memory copy.
type BatchJobRepository struct {
	db *gorm.DB
}

// NewBatchJobRepository creates a new BatchJobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *BatchJobRepository: repository instance bound to db.
func NewBatchJobRepository(db *gorm.DB) *BatchJobRepository {
	return &BatchJobRepository{db: db}
}

func (r *BatchJobRepository) jobs(ctx context.Context, jobID string) *gorm.DB {
	return r.db.WithContext(ctx).Model(&domain.BatchJob{}).Where("job_id = ?", jobID)
}

func (r *BatchJobRepository) heldBy(ctx context.Context, jobID, holder string) *gorm.DB {
	return r.jobs(ctx, jobID).Where("processing_lock_id = ?", holder)
}

func affected(tx *gorm.DB) (bool, error) {
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// Create inserts a new job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record to persist.
// Returns:
//   - error: domain.ErrActiveJobExists when another job is pending or running.
func (r *BatchJobRepository) Create(ctx context.Context, job *domain.BatchJob) error {
	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) && job.Status.IsActive() {
		if active, findErr := r.FindActive(ctx); findErr == nil && active != nil && active.JobID != job.JobID {
			return fmt.Errorf("%w: %s", domain.ErrActiveJobExists, active.JobID)
		}
	}
	return err
}

// GetByID retrieves a job by id.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job id.
// Returns:
//   - *domain.BatchJob: job record if found.
//   - error: domain.ErrJobNotFound when no row matches.
func (r *BatchJobRepository) GetByID(ctx context.Context, jobID string) (*domain.BatchJob, error) {
	var job domain.BatchJob
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// FindActive returns the pending or running job, or nil when there is none.
func (r *BatchJobRepository) FindActive(ctx context.Context) (*domain.BatchJob, error) {
	var job domain.BatchJob
	err := r.db.WithContext(ctx).
		Where("status IN ?", statusStrings(domain.ActiveStatuses)).
		Order("created_at DESC").
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Latest returns the most recently created job, or domain.ErrNoJobs.
func (r *BatchJobRepository) Latest(ctx context.Context) (*domain.BatchJob, error) {
	var job domain.BatchJob
	err := r.db.WithContext(ctx).Order("created_at DESC").Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNoJobs
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// TryLock sets the processing lock when it is free or was taken before staleBefore.
func (r *BatchJobRepository) TryLock(ctx context.Context, jobID, holder string, now, staleBefore time.Time) (bool, error) {
	return affected(r.jobs(ctx, jobID).
		Where("(processing_lock_id IS NULL OR processing_lock_time IS NULL OR processing_lock_time < ?)", staleBefore).
		Updates(map[string]interface{}{
			"processing_lock_id":   holder,
			"processing_lock_time": now,
		}))
}

// Unlock clears the processing lock if holder owns it.
func (r *BatchJobRepository) Unlock(ctx context.Context, jobID, holder string, now time.Time) (bool, error) {
	return affected(r.heldBy(ctx, jobID, holder).Updates(map[string]interface{}{
		"processing_lock_id":   nil,
		"processing_lock_time": nil,
		"last_activity":        now,
	}))
}

// MarkRunning records the in-flight chunk while the job is still pending or running.
func (r *BatchJobRepository) MarkRunning(ctx context.Context, jobID, holder string, chunk domain.DateRange, now time.Time) (bool, error) {
	return affected(r.heldBy(ctx, jobID, holder).
		Where("status IN ?", statusStrings(domain.ActiveStatuses)).
		Updates(map[string]interface{}{
			"status":              string(domain.JobStatusRunning),
			"current_chunk_start": chunk.Start(),
			"current_chunk_end":   chunk.End(),
			"started_at":          gorm.Expr("COALESCE(started_at, ?)", now),
			"last_activity":       now,
		}))
}

// SaveChunkProgress commits the counters and completed ranges from job and
// releases the lock. Status is written only when job is completed, so a pause
// issued during the chunk survives. It returns the status the row holds after
// the write, and false when holder no longer owns the lock.
func (r *BatchJobRepository) SaveChunkProgress(ctx context.Context, job *domain.BatchJob, holder string, now time.Time) (domain.JobStatus, bool, error) {
	fields := map[string]interface{}{
		"emails_processed":        job.EmailsProcessed,
		"emails_categorized":      job.EmailsCategorized,
		"emails_labeled":          job.EmailsLabeled,
		"emails_pending_approval": job.EmailsPendingApproval,
		"emails_errors":           job.EmailsErrors,
		"estimated_cost":          job.EstimatedCost,
		"completed_ranges":        job.CompletedRanges,
		"chunks_completed":        len(job.CompletedRanges),
		"retry_count":             0,
		"processing_lock_id":      nil,
		"processing_lock_time":    nil,
		"last_activity":           now,
	}
	if job.Status == domain.JobStatusCompleted {
		fields["status"] = string(domain.JobStatusCompleted)
		fields["completed_at"] = now
	}

	var (
		saved    bool
		statuses []string
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.BatchJob{}).
			Where("job_id = ? AND processing_lock_id = ?", job.JobID, holder).
			Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		saved = true
		return tx.Model(&domain.BatchJob{}).Where("job_id = ?", job.JobID).Pluck("status", &statuses).Error
	})
	if err != nil {
		return "", false, err
	}
	if !saved || len(statuses) == 0 {
		return "", saved, nil
	}
	return domain.JobStatus(statuses[0]), true, nil
}

// RecordChunkFailure stores the error, bumps retry_count, releases the lock and
// fails the job once retry_count reaches maxRetries.
func (r *BatchJobRepository) RecordChunkFailure(ctx context.Context, jobID, holder, message string, maxRetries int, now time.Time) (bool, error) {
	return affected(r.heldBy(ctx, jobID, holder).Updates(map[string]interface{}{
		"last_error":           message,
		"retry_count":          gorm.Expr("retry_count + 1"),
		"status":               gorm.Expr("CASE WHEN retry_count + 1 >= ? THEN ? ELSE status END", maxRetries, string(domain.JobStatusFailed)),
		"processing_lock_id":   nil,
		"processing_lock_time": nil,
		"last_activity":        now,
	}))
}

// Complete marks the job completed and releases the lock.
func (r *BatchJobRepository) Complete(ctx context.Context, jobID, holder string, now time.Time) (bool, error) {
	return affected(r.heldBy(ctx, jobID, holder).Updates(map[string]interface{}{
		"status":               string(domain.JobStatusCompleted),
		"completed_at":         now,
		"processing_lock_id":   nil,
		"processing_lock_time": nil,
		"last_activity":        now,
	}))
}

// Resume moves a failed or paused job back to running, force-clearing the lock.
func (r *BatchJobRepository) Resume(ctx context.Context, jobID string, now time.Time) (bool, error) {
	return affected(r.jobs(ctx, jobID).
		Where("status IN ?", statusStrings(domain.ResumableStatuses)).
		Updates(map[string]interface{}{
			"status":               string(domain.JobStatusRunning),
			"retry_count":          0,
			"processing_lock_id":   nil,
			"processing_lock_time": nil,
			"last_activity":        now,
		}))
}

// Pause moves a pending or running job to paused. The lock is left to its holder.
func (r *BatchJobRepository) Pause(ctx context.Context, jobID string, now time.Time) (bool, error) {
	return affected(r.jobs(ctx, jobID).
		Where("status IN ?", statusStrings(domain.ActiveStatuses)).
		Updates(map[string]interface{}{
			"status":        string(domain.JobStatusPaused),
			"last_activity": now,
		}))
}

// Fail marks a job failed outside chunk execution, e.g. when its first task could not be enqueued.
func (r *BatchJobRepository) Fail(ctx context.Context, jobID, message string, now time.Time) error {
	return r.jobs(ctx, jobID).Updates(map[string]interface{}{
		"status":        string(domain.JobStatusFailed),
		"last_error":    message,
		"last_activity": now,
	}).Error
}

func statusStrings(statuses []domain.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
