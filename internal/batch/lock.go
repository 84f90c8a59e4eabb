package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/mailtriage/internal/logger"
)

// DefaultLockTimeout is how long a lock may be held before another worker may take it over.
const DefaultLockTimeout = 30 * time.Minute

// LockManager serializes chunk execution for a job across workers.
type LockManager struct {
	store   JobStore
	timeout time.Duration
	now     func() time.Time
}

// NewLockManager creates a LockManager that treats locks older than timeout as stale.
func NewLockManager(store JobStore, timeout time.Duration) *LockManager {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LockManager{store: store, timeout: timeout, now: utcNow}
}

// TryAcquire takes the lock for holder when it is free or stale, then re-reads
// the row to confirm holder won. A lost race returns false without error.
// Parameters:
//   - ctx: request context.
//   - jobID: job to lock.
//   - holder: opaque token identifying this attempt.
// Returns:
//   - bool: true when holder owns the lock.
//   - error: non-nil on storage failure.
func (m *LockManager) TryAcquire(ctx context.Context, jobID, holder string) (bool, error) {
	now := m.now()
	written, err := m.store.TryLock(ctx, jobID, holder, now, now.Add(-m.timeout))
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	if !written {
		return false, nil
	}

	job, err := m.store.GetByID(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("verify lock: %w", err)
	}
	if job.ProcessingLockID == nil || *job.ProcessingLockID != holder {
		logger.CtxWarn(ctx, "Lost lock race for job %s", jobID)
		return false, nil
	}
	return true, nil
}

// Release clears the lock if holder still owns it. Releasing a lock owned by
// someone else is logged and ignored.
func (m *LockManager) Release(ctx context.Context, jobID, holder string) error {
	released, err := m.store.Unlock(ctx, jobID, holder, m.now())
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if !released {
		logger.FromContext(ctx).WithField(logger.FieldLockID, holder).
			Warnf("Lock for job %s not held by this worker, leaving it", jobID)
	}
	return nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}
