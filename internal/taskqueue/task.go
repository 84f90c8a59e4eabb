// Package taskqueue hands "advance this job" tasks to an at-least-once push queue.
package taskqueue

import (
	"context"
	"errors"
	"time"
)

const (
	// HeaderWorkerToken carries the shared secret expected by the worker endpoint.
	HeaderWorkerToken = "X-Worker-Token"

	// MetadataNotBefore holds the RFC 3339 time before which a message must not be delivered.
	MetadataNotBefore = "not_before"

	// MetadataTargetURL holds the worker endpoint a message is destined for.
	MetadataTargetURL = "target_url"
)

// ErrNotConfigured is returned when the queue destination or target endpoint is missing.
var ErrNotConfigured = errors.New("task queue not configured")

// Task is the payload delivered to the worker endpoint.
type Task struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id"`
}

// Stats describes the backing queue.
type Stats struct {
	Driver                  string  `json:"driver"`
	Name                    string  `json:"name"`
	State                   string  `json:"state,omitempty"`
	MaxDispatchesPerSecond  float64 `json:"max_dispatches_per_second,omitempty"`
	MaxConcurrentDispatches int     `json:"max_concurrent_dispatches,omitempty"`
}

// Queue enqueues chunk tasks.
type Queue interface {
	EnqueueChunk(ctx context.Context, jobID string, delay time.Duration) (string, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
