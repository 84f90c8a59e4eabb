// Package report archives the final record of completed batch jobs to object storage.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/timmy/mailtriage/internal/domain"
	"github.com/timmy/mailtriage/internal/logger"
	"github.com/timmy/mailtriage/internal/storage"
)

// KeyPrefix is where job reports are stored in the bucket.
const KeyPrefix = "reports/batch-jobs/"

// JobReport is the archived document.
type JobReport struct {
	GeneratedAt     time.Time                `json:"generated_at"`
	Summary         *domain.JobStatusSummary `json:"summary"`
	QueryTemplate   string                   `json:"query_template"`
	ChunkMonths     int                      `json:"chunk_months"`
	ChunkSize       int                      `json:"chunk_size"`
	CompletedRanges []domain.DateRange       `json:"completed_ranges"`
}

// Archiver uploads job reports to object storage.
type Archiver struct {
	store storage.ObjectStorage
	now   func() time.Time
}

// NewArchiver creates an Archiver backed by store.
func NewArchiver(store storage.ObjectStorage) *Archiver {
	return &Archiver{store: store, now: time.Now}
}

// Key returns the object key of a job's report.
func Key(jobID string) string {
	return KeyPrefix + jobID + ".json"
}

// Archive uploads the report for job and returns its URL.
func (a *Archiver) Archive(ctx context.Context, job *domain.BatchJob) (string, error) {
	doc := JobReport{
		GeneratedAt:     a.now().UTC(),
		Summary:         job.Summary(),
		QueryTemplate:   job.QueryTemplate,
		ChunkMonths:     job.ChunkMonths,
		ChunkSize:       job.ChunkSize,
		CompletedRanges: []domain.DateRange(job.CompletedRanges),
	}
	if doc.CompletedRanges == nil {
		doc.CompletedRanges = []domain.DateRange{}
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}

	key := Key(job.JobID)
	if err := a.store.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return "", err
	}

	url := a.store.GetURL(key)
	logger.CtxInfo(ctx, "Archived report for job %s to %s", job.JobID, url)
	return url, nil
}

// URL returns where the report of jobID is, or will be, served from.
func (a *Archiver) URL(jobID string) string {
	return a.store.GetURL(Key(jobID))
}
