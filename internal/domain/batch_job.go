package domain

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus represents the lifecycle state of a batch job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPaused    JobStatus = "paused"
)

// ActiveStatuses are the statuses a worker may advance.
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusRunning}

// ResumableStatuses are the statuses that accept an explicit resume.
var ResumableStatuses = []JobStatus{JobStatusFailed, JobStatusPaused}

// IsActive reports whether a job in this status is eligible for chunk execution.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// IsResumable reports whether a job in this status accepts a resume request.
func (s JobStatus) IsResumable() bool {
	return s == JobStatusFailed || s == JobStatusPaused
}

const (
	// JobTypeFullInbox sweeps every message in the configured date range.
	JobTypeFullInbox = "full_inbox"

	// DefaultQueryTemplate is the mailbox search filter used for each chunk.
	DefaultQueryTemplate = "after:{start} before:{end}"

	// DateLayout is the layout of start_date and end_date on the job record.
	DateLayout = "2006-01-02"

	// RangeLayout is the layout of chunk bounds, as accepted by mailbox search.
	RangeLayout = "2006/01/02"
)

// DateRange is one chunk of a job, stored as a two-element [start, end] array.
type DateRange [2]string

// NewDateRange builds a DateRange from two dates.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{start.Format(RangeLayout), end.Format(RangeLayout)}
}

// Start returns the inclusive start of the range.
func (r DateRange) Start() string { return r[0] }

// End returns the exclusive end of the range.
func (r DateRange) End() string { return r[1] }

// String renders the range the way status responses show it.
func (r DateRange) String() string {
	return r[0] + " to " + r[1]
}

// BatchJob is one long-running mailbox sweep, advanced one chunk per invocation.
type BatchJob struct {
	JobID         string `gorm:"column:job_id;type:varchar(255);primaryKey" json:"job_id"`
	JobType       string `gorm:"type:varchar(50);not null" json:"job_type"`
	QueryTemplate string `gorm:"type:text;not null" json:"query_template"`
	StartDate     string `gorm:"type:varchar(20);not null" json:"start_date"`
	EndDate       string `gorm:"type:varchar(20);not null" json:"end_date"`
	ChunkSize     int    `gorm:"default:500" json:"chunk_size"`
	ChunkMonths   int    `gorm:"default:2" json:"chunk_months"`

	Status            JobStatus                     `gorm:"type:varchar(50);default:pending;index" json:"status"`
	CurrentChunkStart *string                       `gorm:"type:varchar(20)" json:"current_chunk_start,omitempty"`
	CurrentChunkEnd   *string                       `gorm:"type:varchar(20)" json:"current_chunk_end,omitempty"`
	ChunksCompleted   int                           `gorm:"default:0" json:"chunks_completed"`
	ChunksTotal       int                           `gorm:"default:0" json:"chunks_total"`
	CompletedRanges   datatypes.JSONSlice[DateRange] `json:"completed_ranges"`

	EmailsProcessed       int     `gorm:"default:0" json:"emails_processed"`
	EmailsCategorized     int     `gorm:"default:0" json:"emails_categorized"`
	EmailsLabeled         int     `gorm:"default:0" json:"emails_labeled"`
	EmailsPendingApproval int     `gorm:"default:0" json:"emails_pending_approval"`
	EmailsErrors          int     `gorm:"default:0" json:"emails_errors"`
	EstimatedCost         float64 `gorm:"default:0" json:"estimated_cost"`

	LastError  *string `gorm:"type:text" json:"last_error,omitempty"`
	RetryCount int     `gorm:"default:0" json:"retry_count"`

	ProcessingLockID   *string    `gorm:"type:varchar(36)" json:"processing_lock_id,omitempty"`
	ProcessingLockTime *time.Time `json:"processing_lock_time,omitempty"`

	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the database table name for BatchJob.
func (BatchJob) TableName() string {
	return "batch_jobs"
}

// IsLocked reports whether some worker holds the processing lock.
func (j *BatchJob) IsLocked() bool {
	return j.ProcessingLockID != nil && *j.ProcessingLockID != ""
}

// ProgressPercent is chunks_completed over chunks_total, or 0 when nothing was planned.
func (j *BatchJob) ProgressPercent() float64 {
	if j.ChunksTotal == 0 {
		return 0
	}
	return float64(j.ChunksCompleted) / float64(j.ChunksTotal) * 100
}

// HasCompleted reports whether r is already recorded in completed_ranges.
func (j *BatchJob) HasCompleted(r DateRange) bool {
	for _, done := range j.CompletedRanges {
		if done == r {
			return true
		}
	}
	return false
}

// CurrentChunk renders the in-flight range, or nil when none is recorded.
func (j *BatchJob) CurrentChunk() *string {
	if j.CurrentChunkStart == nil || j.CurrentChunkEnd == nil {
		return nil
	}
	s := DateRange{*j.CurrentChunkStart, *j.CurrentChunkEnd}.String()
	return &s
}

// ChunkCounts are the aggregate results the email processor reports for one chunk.
type ChunkCounts struct {
	Processed       int `json:"processed"`
	Categorized     int `json:"categorized"`
	Labeled         int `json:"labeled"`
	PendingApproval int `json:"pending_approval"`
	Errors          int `json:"errors"`
}

// JobStatusSummary is the read-only projection served by status endpoints.
type JobStatusSummary struct {
	JobID                 string     `json:"job_id"`
	Status                JobStatus  `json:"status"`
	StartDate             string     `json:"start_date"`
	EndDate               string     `json:"end_date"`
	ProgressPercent       float64    `json:"progress_percent"`
	ChunksCompleted       int        `json:"chunks_completed"`
	ChunksTotal           int        `json:"chunks_total"`
	EmailsProcessed       int        `json:"emails_processed"`
	EmailsCategorized     int        `json:"emails_categorized"`
	EmailsLabeled         int        `json:"emails_labeled"`
	EmailsPendingApproval int        `json:"emails_pending_approval"`
	EmailsErrors          int        `json:"emails_errors"`
	EstimatedCost         float64    `json:"estimated_cost"`
	RetryCount            int        `json:"retry_count"`
	StartedAt             *time.Time `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at"`
	LastActivity          time.Time  `json:"last_activity"`
	CurrentChunk          *string    `json:"current_chunk"`
	Error                 *string    `json:"error"`
	IsLocked              bool       `json:"is_locked"`
	ReportURL             string     `json:"report_url,omitempty"`
}

// Summary projects the job into its status view.
func (j *BatchJob) Summary() *JobStatusSummary {
	return &JobStatusSummary{
		JobID:                 j.JobID,
		Status:                j.Status,
		StartDate:             j.StartDate,
		EndDate:               j.EndDate,
		ProgressPercent:       j.ProgressPercent(),
		ChunksCompleted:       j.ChunksCompleted,
		ChunksTotal:           j.ChunksTotal,
		EmailsProcessed:       j.EmailsProcessed,
		EmailsCategorized:     j.EmailsCategorized,
		EmailsLabeled:         j.EmailsLabeled,
		EmailsPendingApproval: j.EmailsPendingApproval,
		EmailsErrors:          j.EmailsErrors,
		EstimatedCost:         j.EstimatedCost,
		RetryCount:            j.RetryCount,
		StartedAt:             j.StartedAt,
		CompletedAt:           j.CompletedAt,
		LastActivity:          j.LastActivity,
		CurrentChunk:          j.CurrentChunk(),
		Error:                 j.LastError,
		IsLocked:              j.IsLocked(),
	}
}
