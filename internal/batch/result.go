package batch

import "github.com/timmy/mailtriage/internal/domain"

// Outcome is how a single chunk invocation ended. Only a returned error means failure.
type Outcome string

const (
	OutcomeChunkCompleted Outcome = "chunk_completed"
	OutcomeCompleted      Outcome = "completed"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeLockHeld       Outcome = "lock_held"
	OutcomeNotFound       Outcome = "not_found"
)

// ChunkResult describes one ProcessChunk invocation.
type ChunkResult struct {
	Outcome         Outcome          `json:"outcome"`
	JobID           string           `json:"job_id"`
	TaskID          string           `json:"task_id,omitempty"`
	JobStatus       domain.JobStatus `json:"job_status,omitempty"`
	Chunk           string           `json:"chunk,omitempty"`
	Processed       int              `json:"processed"`
	Errors          int              `json:"errors"`
	ChunksCompleted int              `json:"chunks_completed"`
	ChunksTotal     int              `json:"chunks_total"`
	RemainingChunks int              `json:"remaining_chunks"`
	NextTaskID      string           `json:"next_task_id,omitempty"`
	ReportURL       string           `json:"report_url,omitempty"`
	Reason          string           `json:"reason,omitempty"`
}

// Advanced reports whether the invocation moved the job forward.
func (r *ChunkResult) Advanced() bool {
	return r.Outcome == OutcomeChunkCompleted || r.Outcome == OutcomeCompleted
}
