// Package sweepctl is the operator command line for the batch job API.
package sweepctl

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/mailtriage/internal/batch"
	"github.com/timmy/mailtriage/internal/domain"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode  int
	Message     string
	ActiveJobID string
}

func (e *APIError) Error() string {
	if e.ActiveJobID != "" {
		return fmt.Sprintf("%s (active job %s)", e.Message, e.ActiveJobID)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

type errorBody struct {
	Error       string `json:"error"`
	ActiveJobID string `json:"active_job_id"`
}

// StartResponse is the 202 body of a job start.
type StartResponse struct {
	JobID       string           `json:"job_id"`
	Status      domain.JobStatus `json:"status"`
	Message     string           `json:"message"`
	ChunksTotal int              `json:"chunks_total"`
	TaskID      string           `json:"task_id"`
}

// Client calls the batch job API.
type Client struct {
	client *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetHeader("Content-Type", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &Client{client: client}
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}, query map[string]string) error {
	var apiErr errorBody
	req := c.client.R().SetContext(ctx).SetResult(result).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = resp.Status()
		}
		return &APIError{StatusCode: resp.StatusCode(), Message: msg, ActiveJobID: apiErr.ActiveJobID}
	}
	return nil
}

func (c *Client) Start(ctx context.Context, req batch.StartRequest) (*StartResponse, error) {
	var out StartResponse
	if err := c.do(ctx, resty.MethodPost, "/api/v1/batch/jobs", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, jobID string) (*domain.JobStatusSummary, error) {
	var out domain.JobStatusSummary
	if err := c.do(ctx, resty.MethodGet, "/api/v1/batch/jobs/"+jobID, nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Latest returns the most recent job, or nil when there are none.
func (c *Client) Latest(ctx context.Context) (*domain.JobStatusSummary, error) {
	var out domain.JobStatusSummary
	if err := c.do(ctx, resty.MethodGet, "/api/v1/batch/latest", nil, &out, nil); err != nil {
		return nil, err
	}
	if out.JobID == "" && out.Status == "no_jobs" {
		return nil, nil
	}
	return &out, nil
}

func (c *Client) Pause(ctx context.Context, jobID string) (*batch.PauseResult, error) {
	var out batch.PauseResult
	if err := c.do(ctx, resty.MethodPost, "/api/v1/batch/jobs/"+jobID+"/pause", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Resume(ctx context.Context, jobID string) (*batch.ResumeResult, error) {
	var out batch.ResumeResult
	if err := c.do(ctx, resty.MethodPost, "/api/v1/batch/jobs/"+jobID+"/resume", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Plan(ctx context.Context, req batch.StartRequest) (*batch.Plan, error) {
	query := map[string]string{"start_date": req.StartDate}
	if req.EndDate != "" {
		query["end_date"] = req.EndDate
	}
	if req.ChunkMonths > 0 {
		query["chunk_months"] = strconv.Itoa(req.ChunkMonths)
	}
	if req.ChunkSize > 0 {
		query["chunk_size"] = strconv.Itoa(req.ChunkSize)
	}

	var out batch.Plan
	if err := c.do(ctx, resty.MethodGet, "/api/v1/batch/plan", nil, &out, query); err != nil {
		return nil, err
	}
	return &out, nil
}
