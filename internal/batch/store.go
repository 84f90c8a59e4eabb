package batch

import (
	"context"
	"time"

	"github.com/timmy/mailtriage/internal/domain"
)

// JobStore persists batch jobs. Every method that takes a holder only writes
// when that holder owns the processing lock, and reports whether it wrote.
type JobStore interface {
	Create(ctx context.Context, job *domain.BatchJob) error
	GetByID(ctx context.Context, jobID string) (*domain.BatchJob, error)
	FindActive(ctx context.Context) (*domain.BatchJob, error)
	Latest(ctx context.Context) (*domain.BatchJob, error)

	TryLock(ctx context.Context, jobID, holder string, now, staleBefore time.Time) (bool, error)
	Unlock(ctx context.Context, jobID, holder string, now time.Time) (bool, error)

	MarkRunning(ctx context.Context, jobID, holder string, chunk domain.DateRange, now time.Time) (bool, error)
	// SaveChunkProgress also returns the status the job holds after the write.
	SaveChunkProgress(ctx context.Context, job *domain.BatchJob, holder string, now time.Time) (domain.JobStatus, bool, error)
	RecordChunkFailure(ctx context.Context, jobID, holder, message string, maxRetries int, now time.Time) (bool, error)
	Complete(ctx context.Context, jobID, holder string, now time.Time) (bool, error)

	Resume(ctx context.Context, jobID string, now time.Time) (bool, error)
	Pause(ctx context.Context, jobID string, now time.Time) (bool, error)
	Fail(ctx context.Context, jobID, message string, now time.Time) error
}

// EmailProcessor triages one date range of the mailbox.
type EmailProcessor interface {
	ProcessBatch(ctx context.Context, query string, maxEmails int) (*domain.ChunkCounts, error)
}

// ChunkEnqueuer schedules the next "advance this job" invocation.
type ChunkEnqueuer interface {
	EnqueueChunk(ctx context.Context, jobID string, delay time.Duration) (string, error)
}

// ReportArchiver stores the final record of a completed job.
type ReportArchiver interface {
	Archive(ctx context.Context, job *domain.BatchJob) (string, error)
	URL(jobID string) string
}
