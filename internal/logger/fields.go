package logger

import "context"

// Fields is a set of structured log fields.
type Fields map[string]interface{}

// Tracing fields, carried on the context logger.
const (
	FieldRequestID  = "request_id"
	FieldJobID      = "job_id"
	FieldTaskID     = "task_id"
	FieldLockID     = "lock_id"
	FieldChunkStart = "chunk_start"
	FieldChunkEnd   = "chunk_end"
	FieldComponent  = "component"
)

// Metric fields, attached per log line through Entry.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldCost       = "cost"
	FieldStatus     = "status"
	FieldSize       = "size"
)

// Entry is a single log line with metric fields.
//
//	logger.With(logger.Fields{"duration_ms": 1234}).Info(ctx, "chunk processed")
type Entry struct {
	fields Fields
}

// With starts an Entry with fields.
func With(fields Fields) *Entry {
	return &Entry{fields: fields}
}

// With returns a new Entry holding both sets of fields.
func (e *Entry) With(fields Fields) *Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Entry{fields: merged}
}

func (e *Entry) WithDuration(ms int64) *Entry { return e.With(Fields{FieldDurationMs: ms}) }
func (e *Entry) WithCount(n int) *Entry { return e.With(Fields{FieldCount: n}) }
func (e *Entry) WithStatus(s string) *Entry { return e.With(Fields{FieldStatus: s}) }
func (e *Entry) WithCost(cost float64) *Entry { return e.With(Fields{FieldCost: cost}) }

func (e *Entry) Debug(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).WithFields(e.fields).Debugf(format, args...)
}

func (e *Entry) Info(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).WithFields(e.fields).Infof(format, args...)
}

func (e *Entry) Warn(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).WithFields(e.fields).Warnf(format, args...)
}

func (e *Entry) Error(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).WithFields(e.fields).Errorf(format, args...)
}
