package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/mailtriage/internal/config"
	"github.com/timmy/mailtriage/internal/domain"
	"github.com/timmy/mailtriage/internal/logger"
)

const processPath = "/process"

// Client calls the triage service that classifies and labels one batch of mail.
type Client struct {
	client  *resty.Client
	baseURL string
}

// NewClient creates a processor client.
func NewClient(cfg *config.ProcessorConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("processor base_url is not configured")
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return &Client{client: client, baseURL: cfg.BaseURL}, nil
}

type processRequest struct {
	Trigger   string `json:"trigger"`
	Mode      string `json:"mode"`
	Query     string `json:"query"`
	MaxEmails int    `json:"max_emails"`
}

type processResponse struct {
	Status          string  `json:"status"`
	Processed       int     `json:"processed"`
	Categorized     int     `json:"categorized"`
	PendingApproval int     `json:"pending_approval"`
	Labeled         int     `json:"labeled"`
	Errors          int     `json:"errors"`
	DurationSeconds float64 `json:"duration_seconds"`
	ErrorDetails    []struct {
		EmailID string `json:"email_id"`
		Error   string `json:"error"`
	} `json:"error_details"`
	Detail string `json:"detail,omitempty"`
}

// ProcessBatch triages up to maxEmails messages matching query and returns the aggregate counts.
func (c *Client) ProcessBatch(ctx context.Context, query string, maxEmails int) (*domain.ChunkCounts, error) {
	req := processRequest{
		Trigger:   "batch",
		Mode:      "batch",
		Query:     query,
		MaxEmails: maxEmails,
	}

	var resp processResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(processPath)
	if err != nil {
		return nil, fmt.Errorf("failed to call processor: %w", err)
	}

	if httpResp.IsError() {
		if resp.Detail != "" {
			return nil, fmt.Errorf("processor error: status %d: %s", httpResp.StatusCode(), resp.Detail)
		}
		return nil, fmt.Errorf("processor error: status %d", httpResp.StatusCode())
	}
	if resp.Status == "failed" {
		return nil, fmt.Errorf("processor reported failure for query %q", query)
	}

	logger.With(logger.Fields{
		"processed": resp.Processed,
		"errors":    resp.Errors,
	}).WithDuration(int64(resp.DurationSeconds * float64(time.Second/time.Millisecond))).
		Debug(ctx, "Processor finished query %q", query)
	for _, d := range resp.ErrorDetails {
		logger.CtxDebug(ctx, "Processor error on %s: %s", d.EmailID, d.Error)
	}

	return &domain.ChunkCounts{
		Processed:       resp.Processed,
		Categorized:     resp.Categorized,
		Labeled:         resp.Labeled,
		PendingApproval: resp.PendingApproval,
		Errors:          resp.Errors,
	}, nil
}
