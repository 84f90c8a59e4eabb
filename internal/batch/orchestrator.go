package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/mailtriage/internal/domain"
	"github.com/timmy/mailtriage/internal/logger"
	"gorm.io/datatypes"
)

// StartRequest is the input of StartJob and Plan. Zero values take the defaults:
// today for EndDate, the configured chunk width and size otherwise.
type StartRequest struct {
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date,omitempty"`
	ChunkMonths int    `json:"chunk_months,omitempty"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
}

// StartResult is returned by StartJob.
type StartResult struct {
	Job    *domain.BatchJob
	TaskID string
}

// ResumeResult is returned by ResumeJob.
type ResumeResult struct {
	Status    string           `json:"status"` // resumed, already_completed, already_active
	JobID     string           `json:"job_id"`
	JobStatus domain.JobStatus `json:"job_status"`
	TaskID    string           `json:"task_id,omitempty"`
	Message   string           `json:"message"`
}

// PauseResult is returned by PauseJob.
type PauseResult struct {
	Status    string           `json:"status"` // paused, not_pausable
	JobID     string           `json:"job_id"`
	JobStatus domain.JobStatus `json:"job_status"`
	Message   string           `json:"message"`
}

// Plan is a dry run of StartJob.
type Plan struct {
	StartDate        string             `json:"start_date"`
	EndDate          string             `json:"end_date"`
	ChunkMonths      int                `json:"chunk_months"`
	ChunkSize        int                `json:"chunk_size"`
	ChunksTotal      int                `json:"chunks_total"`
	Ranges           []domain.DateRange `json:"ranges"`
	MaxEmails        int                `json:"max_emails"`
	MaxEstimatedCost float64            `json:"max_estimated_cost"`
}

// Orchestrator is the entry point for starting and controlling batch jobs.
type Orchestrator struct {
	store    JobStore
	queue    ChunkEnqueuer
	archive  ReportArchiver
	settings Settings

	now      func() time.Time
	newJobID func() string
}

// NewOrchestrator creates an Orchestrator. archive may be nil.
func NewOrchestrator(store JobStore, queue ChunkEnqueuer, archive ReportArchiver, settings Settings) *Orchestrator {
	return &Orchestrator{
		store:    store,
		queue:    queue,
		archive:  archive,
		settings: settings,
		now:      utcNow,
		newJobID: shortID,
	}
}

// shortID returns the first 8 hex digits of a random UUID.
func shortID() string {
	return uuid.NewString()[:8]
}

// Plan validates req and computes its partition without persisting anything.
func (o *Orchestrator) Plan(req StartRequest) (*Plan, error) {
	if req.StartDate == "" {
		return nil, invalidf("start_date is required")
	}
	start, err := ParseDate(req.StartDate)
	if err != nil {
		return nil, err
	}

	var end time.Time
	if req.EndDate == "" {
		end = midnightUTC(o.now())
	} else if end, err = ParseDate(req.EndDate); err != nil {
		return nil, err
	}
	if !start.Before(end) {
		return nil, invalidf("start_date %s must be before end_date %s",
			start.Format(domain.DateLayout), end.Format(domain.DateLayout))
	}

	months, size := req.ChunkMonths, req.ChunkSize
	if months < 0 || size < 0 {
		return nil, invalidf("chunk_months and chunk_size must be positive")
	}
	if months == 0 {
		months = o.settings.ChunkMonths
	}
	if size == 0 {
		size = o.settings.ChunkSize
	}

	ranges := PlanRanges(start, end, months)
	return &Plan{
		StartDate:        start.Format(domain.DateLayout),
		EndDate:          end.Format(domain.DateLayout),
		ChunkMonths:      months,
		ChunkSize:        size,
		ChunksTotal:      len(ranges),
		Ranges:           ranges,
		MaxEmails:        len(ranges) * size,
		MaxEstimatedCost: float64(len(ranges)*size) * o.settings.CostPerEmail,
	}, nil
}

// StartJob creates a pending job and enqueues its first chunk.
// Parameters:
//   - ctx: request context.
//   - req: date range and chunking options.
// Returns:
//   - *StartResult: the persisted job and the first task id.
//   - error: ErrInvalidRequest, *ActiveJobError, or a storage/queue failure.
func (o *Orchestrator) StartJob(ctx context.Context, req StartRequest) (*StartResult, error) {
	plan, err := o.Plan(req)
	if err != nil {
		return nil, err
	}

	active, err := o.store.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("check active jobs: %w", err)
	}
	if active != nil {
		return nil, &ActiveJobError{JobID: active.JobID, Status: active.Status}
	}

	now := o.now()
	job := &domain.BatchJob{
		JobID:           o.newJobID(),
		JobType:         domain.JobTypeFullInbox,
		QueryTemplate:   domain.DefaultQueryTemplate,
		StartDate:       plan.StartDate,
		EndDate:         plan.EndDate,
		ChunkSize:       plan.ChunkSize,
		ChunkMonths:     plan.ChunkMonths,
		Status:          domain.JobStatusPending,
		ChunksTotal:     plan.ChunksTotal,
		CompletedRanges: datatypes.JSONSlice[domain.DateRange]{},
		LastActivity:    now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := o.store.Create(ctx, job); err != nil {
		if errors.Is(err, domain.ErrActiveJobExists) {
			// Lost a start race; report the winner.
			if active, findErr := o.store.FindActive(ctx); findErr == nil && active != nil {
				return nil, &ActiveJobError{JobID: active.JobID, Status: active.Status}
			}
			return nil, &ActiveJobError{}
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	ctx = logger.SetJobID(ctx, job.JobID)
	logger.With(logger.Fields{
		"start_date":   job.StartDate,
		"end_date":     job.EndDate,
		"chunks_total": job.ChunksTotal,
	}).Info(ctx, "Created batch job %s", job.JobID)

	taskID, err := o.queue.EnqueueChunk(ctx, job.JobID, 0)
	if err != nil {
		msg := fmt.Sprintf("enqueue first chunk: %v", err)
		if failErr := o.store.Fail(ctx, job.JobID, msg, o.now()); failErr != nil {
			logger.CtxError(ctx, "Failed to mark job %s failed: %v", job.JobID, failErr)
		}
		return nil, fmt.Errorf("enqueue first chunk of job %s: %w", job.JobID, err)
	}

	logger.CtxInfo(ctx, "Enqueued first task %s", taskID)
	return &StartResult{Job: job, TaskID: taskID}, nil
}

// ResumeJob makes a failed or paused job eligible again and enqueues a chunk.
// Completed and active jobs are reported, not changed.
func (o *Orchestrator) ResumeJob(ctx context.Context, jobID string) (*ResumeResult, error) {
	ctx = logger.SetJobID(ctx, jobID)
	job, err := o.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	result := &ResumeResult{JobID: jobID, JobStatus: job.Status}
	switch {
	case job.Status == domain.JobStatusCompleted:
		result.Status = "already_completed"
		result.Message = "Job already completed"
		return result, nil
	case job.Status.IsActive():
		result.Status = "already_active"
		result.Message = fmt.Sprintf("Job is already %s", job.Status)
		return result, nil
	}

	resumed, err := o.store.Resume(ctx, jobID, o.now())
	if err != nil {
		return nil, fmt.Errorf("resume job %s: %w", jobID, err)
	}
	if !resumed {
		// Someone else changed the status first.
		current, err := o.store.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		result.JobStatus = current.Status
		result.Status = "already_active"
		if current.Status == domain.JobStatusCompleted {
			result.Status = "already_completed"
		}
		result.Message = fmt.Sprintf("Job is %s", current.Status)
		return result, nil
	}

	taskID, err := o.queue.EnqueueChunk(ctx, jobID, 0)
	if err != nil {
		msg := fmt.Sprintf("enqueue on resume: %v", err)
		if failErr := o.store.Fail(ctx, jobID, msg, o.now()); failErr != nil {
			logger.CtxError(ctx, "Failed to mark job %s failed: %v", jobID, failErr)
		}
		return nil, fmt.Errorf("enqueue chunk for job %s: %w", jobID, err)
	}

	logger.CtxInfo(ctx, "Resumed job %s with task %s", jobID, taskID)
	result.Status = "resumed"
	result.JobStatus = domain.JobStatusRunning
	result.TaskID = taskID
	result.Message = "Job resumed"
	return result, nil
}

// PauseJob stops a pending or running job from being re-enqueued.
// A chunk already in flight is allowed to finish.
func (o *Orchestrator) PauseJob(ctx context.Context, jobID string) (*PauseResult, error) {
	ctx = logger.SetJobID(ctx, jobID)
	job, err := o.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	result := &PauseResult{JobID: jobID, JobStatus: job.Status}
	if !job.Status.IsActive() {
		result.Status = "not_pausable"
		result.Message = fmt.Sprintf("Job is %s, cannot pause", job.Status)
		return result, nil
	}

	paused, err := o.store.Pause(ctx, jobID, o.now())
	if err != nil {
		return nil, fmt.Errorf("pause job %s: %w", jobID, err)
	}
	if !paused {
		current, err := o.store.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		result.JobStatus = current.Status
		result.Status = "not_pausable"
		result.Message = fmt.Sprintf("Job is %s, cannot pause", current.Status)
		return result, nil
	}

	logger.CtxInfo(ctx, "Paused job %s", jobID)
	result.Status = "paused"
	result.JobStatus = domain.JobStatusPaused
	result.Message = "Job paused, resume to continue"
	return result, nil
}

// GetStatus returns the status view of a job, or ErrJobNotFound.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*domain.JobStatusSummary, error) {
	job, err := o.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return o.summary(job), nil
}

// LatestStatus returns the status of the most recently created job, or ErrNoJobs.
func (o *Orchestrator) LatestStatus(ctx context.Context) (*domain.JobStatusSummary, error) {
	job, err := o.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	return o.summary(job), nil
}

func (o *Orchestrator) summary(job *domain.BatchJob) *domain.JobStatusSummary {
	s := job.Summary()
	if job.Status == domain.JobStatusCompleted && o.archive != nil {
		s.ReportURL = o.archive.URL(job.JobID)
	}
	return s
}
