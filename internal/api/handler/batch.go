package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/mailtriage/internal/batch"
	"github.com/timmy/mailtriage/internal/domain"
	"github.com/timmy/mailtriage/internal/logger"
	"github.com/timmy/mailtriage/internal/taskqueue"
)

// JobService starts and controls batch jobs.
type JobService interface {
	Plan(req batch.StartRequest) (*batch.Plan, error)
	StartJob(ctx context.Context, req batch.StartRequest) (*batch.StartResult, error)
	ResumeJob(ctx context.Context, jobID string) (*batch.ResumeResult, error)
	PauseJob(ctx context.Context, jobID string) (*batch.PauseResult, error)
	GetStatus(ctx context.Context, jobID string) (*domain.JobStatusSummary, error)
	LatestStatus(ctx context.Context) (*domain.JobStatusSummary, error)
}

// ChunkProcessor advances a job by one chunk.
type ChunkProcessor interface {
	ProcessChunk(ctx context.Context, jobID, taskID string) (*batch.ChunkResult, error)
}

// QueueInspector reports on the task queue.
type QueueInspector interface {
	Stats(ctx context.Context) (*taskqueue.Stats, error)
}

// BatchHandler serves the batch job API and the queue callback.
type BatchHandler struct {
	jobs   JobService
	chunks ChunkProcessor
	queue  QueueInspector
}

// NewBatchHandler creates a batch handler. queue may be nil.
func NewBatchHandler(jobs JobService, chunks ChunkProcessor, queue QueueInspector) *BatchHandler {
	return &BatchHandler{jobs: jobs, chunks: chunks, queue: queue}
}

// StartJobRequest is the body of POST /api/v1/batch/jobs.
type StartJobRequest struct {
	StartDate   string `json:"start_date" binding:"required"`
	EndDate     string `json:"end_date"`
	ChunkMonths int    `json:"chunk_months" binding:"min=0,max=24"`
	ChunkSize   int    `json:"chunk_size" binding:"min=0,max=10000"`
}

// StartJobResponse is returned with 202 Accepted.
type StartJobResponse struct {
	JobID       string           `json:"job_id"`
	Status      domain.JobStatus `json:"status"`
	Message     string           `json:"message"`
	ChunksTotal int              `json:"chunks_total"`
	TaskID      string           `json:"task_id"`
}

// WorkerRequest is the task payload delivered by the queue.
type WorkerRequest struct {
	JobID  string `json:"job_id" binding:"required"`
	TaskID string `json:"task_id"`
}

// WorkerResponse wraps a chunk result with the delivery status the queue sees.
type WorkerResponse struct {
	Status string `json:"status"` // ok, skipped
	*batch.ChunkResult
}

// PlanQuery carries the query parameters of GET /api/v1/batch/plan.
type PlanQuery struct {
	StartDate   string `form:"start_date" binding:"required"`
	EndDate     string `form:"end_date"`
	ChunkMonths int    `form:"chunk_months"`
	ChunkSize   int    `form:"chunk_size"`
}

// StartJob handles POST /api/v1/batch/jobs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes 202, 400, 409 or 500).
func (h *BatchHandler) StartJob(c *gin.Context) {
	ctx := c.Request.Context()

	var req StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.CtxWarn(ctx, "Invalid start request: client_ip=%s, error=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	logger.CtxInfo(ctx, "Received start request: start_date=%s, end_date=%s, chunk_months=%d, chunk_size=%d",
		req.StartDate, req.EndDate, req.ChunkMonths, req.ChunkSize)

	res, err := h.jobs.StartJob(ctx, batch.StartRequest{
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		ChunkMonths: req.ChunkMonths,
		ChunkSize:   req.ChunkSize,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, StartJobResponse{
		JobID:       res.Job.JobID,
		Status:      res.Job.Status,
		Message:     "Batch job started",
		ChunksTotal: res.Job.ChunksTotal,
		TaskID:      res.TaskID,
	})
}

// ProcessChunk handles the queue callback. Anything but a 2xx makes the queue redeliver,
// so lock contention and unknown jobs answer 200 skipped.
func (h *BatchHandler) ProcessChunk(c *gin.Context) {
	var req WorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Redelivering a malformed payload cannot succeed.
		logger.CtxWarn(c.Request.Context(), "Dropping malformed worker payload: %v", err)
		c.JSON(http.StatusOK, gin.H{"status": "skipped", "reason": "malformed payload"})
		return
	}

	// The chunk keeps running if the queue gives up on the request.
	ctx := context.WithoutCancel(c.Request.Context())
	start := time.Now()

	res, err := h.chunks.ProcessChunk(ctx, req.JobID, req.TaskID)
	if err != nil {
		logger.With(logger.Fields{
			logger.FieldDurationMs: time.Since(start).Milliseconds(),
		}).Error(ctx, "Chunk processing failed for job %s: %v", req.JobID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "error",
			"job_id": req.JobID,
			"error":  err.Error(),
		})
		return
	}

	status := "ok"
	if !res.Advanced() {
		status = "skipped"
	}
	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldCount:      res.Processed,
		logger.FieldStatus:     string(res.Outcome),
	}).Info(ctx, "Worker task handled for job %s", req.JobID)

	c.JSON(http.StatusOK, WorkerResponse{Status: status, ChunkResult: res})
}

// ResumeJob handles POST /api/v1/batch/jobs/:job_id/resume.
func (h *BatchHandler) ResumeJob(c *gin.Context) {
	res, err := h.jobs.ResumeJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// PauseJob handles POST /api/v1/batch/jobs/:job_id/pause.
func (h *BatchHandler) PauseJob(c *gin.Context) {
	res, err := h.jobs.PauseJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetStatus handles GET /api/v1/batch/jobs/:job_id.
func (h *BatchHandler) GetStatus(c *gin.Context) {
	summary, err := h.jobs.GetStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// LatestStatus handles GET /api/v1/batch/latest.
func (h *BatchHandler) LatestStatus(c *gin.Context) {
	summary, err := h.jobs.LatestStatus(c.Request.Context())
	if errors.Is(err, batch.ErrNoJobs) {
		c.JSON(http.StatusOK, gin.H{"status": "no_jobs", "message": "No batch jobs found"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Plan handles GET /api/v1/batch/plan.
func (h *BatchHandler) Plan(c *gin.Context) {
	var q PlanQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	plan, err := h.jobs.Plan(batch.StartRequest{
		StartDate:   q.StartDate,
		EndDate:     q.EndDate,
		ChunkMonths: q.ChunkMonths,
		ChunkSize:   q.ChunkSize,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// QueueStats handles GET /api/v1/batch/queue.
func (h *BatchHandler) QueueStats(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task queue not configured"})
		return
	}
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		logger.CtxWarn(c.Request.Context(), "Failed to read queue stats: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// writeError maps engine errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	ctx := c.Request.Context()

	var active *batch.ActiveJobError
	switch {
	case errors.As(err, &active):
		logger.CtxWarn(ctx, "Request rejected: %v", err)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "active_job_id": active.JobID})
	case errors.Is(err, batch.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, batch.ErrJobNotFound), errors.Is(err, batch.ErrNoJobs):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		logger.CtxError(ctx, "Request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
