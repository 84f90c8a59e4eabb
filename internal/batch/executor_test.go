package batch

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/timmy/mailtriage/internal/domain"
)

func countsOf(processed int) func(string) (*domain.ChunkCounts, error) {
	return func(string) (*domain.ChunkCounts, error) {
		return &domain.ChunkCounts{
			Processed:       processed,
			Categorized:     processed - 10,
			Labeled:         processed / 2,
			PendingApproval: 3,
			Errors:          1,
		}, nil
	}
}

func TestProcessChunkFirstChunk(t *testing.T) {
	store := newMemStore()
	job := newTestJob("job00001", "2024-01-01", "2024-06-29", 1)
	store.put(job)
	if job.ChunksTotal != 6 {
		t.Fatalf("expected 6 planned chunks, got %d", job.ChunksTotal)
	}

	proc := &fakeProcessor{fn: countsOf(500)}
	queue := &fakeQueue{}
	exec := newTestExecutor(store, proc, queue, nil)

	res, err := exec.ProcessChunk(context.Background(), job.JobID, "task-0")
	if err != nil {
		t.Fatalf("ProcessChunk() error = %v", err)
	}
	if res.Outcome != OutcomeChunkCompleted {
		t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeChunkCompleted)
	}
	if res.RemainingChunks != 5 || res.Processed != 500 {
		t.Errorf("result = %+v", res)
	}
	if res.JobStatus != domain.JobStatusRunning {
		t.Errorf("result job_status = %s, want %s", res.JobStatus, domain.JobStatusRunning)
	}

	got := store.get(job.JobID)
	if got.ChunksCompleted != 1 || len(got.CompletedRanges) != 1 {
		t.Errorf("chunks_completed = %d, completed_ranges = %v", got.ChunksCompleted, got.CompletedRanges)
	}
	if got.EmailsProcessed != 500 || got.EmailsCategorized != 490 || got.EmailsLabeled != 250 ||
		got.EmailsPendingApproval != 3 || got.EmailsErrors != 1 {
		t.Errorf("counters = %+v", got)
	}
	if want := 0.62; math.Abs(got.EstimatedCost-want) > 1e-9 {
		t.Errorf("estimated_cost = %v, want %v", got.EstimatedCost, want)
	}
	if got.IsLocked() {
		t.Errorf("lock still held: %v", *got.ProcessingLockID)
	}
	if got.Status != domain.JobStatusRunning || got.StartedAt == nil {
		t.Errorf("status = %s, started_at = %v", got.Status, got.StartedAt)
	}
	if got.CurrentChunk() == nil || *got.CurrentChunk() != "2024/01/01 to 2024/01/31" {
		t.Errorf("current chunk = %v", got.CurrentChunk())
	}

	if queue.count() != 1 {
		t.Fatalf("expected one enqueued task, got %d", queue.count())
	}
	if queue.tasks[0].JobID != job.JobID || queue.tasks[0].Delay != 5*time.Second {
		t.Errorf("enqueued %+v", queue.tasks[0])
	}
	if res.NextTaskID != "task-1" {
		t.Errorf("next task id = %q", res.NextTaskID)
	}
	if proc.queries[0] != "after:2024/01/01 before:2024/01/31" {
		t.Errorf("query = %q", proc.queries[0])
	}
}

func TestProcessChunkPausedMidChunkIsNotEnqueued(t *testing.T) {
	store := newMemStore()
	job := newTestJob("job00009", "2024-01-01", "2024-06-29", 1)
	store.put(job)

	proc := &fakeProcessor{fn: func(string) (*domain.ChunkCounts, error) {
		if ok, err := store.Pause(context.Background(), "job00009", testNow); err != nil || !ok {
			t.Errorf("Pause() = %v, %v", ok, err)
		}
		return &domain.ChunkCounts{Processed: 40}, nil
	}}
	queue := &fakeQueue{}
	exec := newTestExecutor(store, proc, queue, nil)

	res, err := exec.ProcessChunk(context.Background(), job.JobID, "task-0")
	if err != nil {
		t.Fatalf("ProcessChunk() error = %v", err)
	}
	if res.Outcome != OutcomeChunkCompleted {
		t.Errorf("outcome = %s, want %s", res.Outcome, OutcomeChunkCompleted)
	}
	if res.JobStatus != domain.JobStatusPaused {
		t.Errorf("result job_status = %s, want %s", res.JobStatus, domain.JobStatusPaused)
	}
	if res.NextTaskID != "" || queue.count() != 0 {
		t.Errorf("paused job was enqueued: next task %q, %d tasks", res.NextTaskID, queue.count())
	}

	got := store.get(job.JobID)
	if got.Status != domain.JobStatusPaused {
		t.Errorf("status = %s, want %s", got.Status, domain.JobStatusPaused)
	}
	if got.ChunksCompleted != 1 || got.EmailsProcessed != 40 || got.IsLocked() {
		t.Errorf("chunks_completed = %d, emails_processed = %d, locked = %v",
			got.ChunksCompleted, got.EmailsProcessed, got.IsLocked())
	}
}

func TestProcessChunkRunsWholeJobInOrder(t *testing.T) {
	store := newMemStore()
	job := newTestJob("job00002", "2024-01-01", "2024-07-01", 2)
	store.put(job)

	proc := &fakeProcessor{fn: countsOf(100)}
	queue := &fakeQueue{}
	archive := &fakeArchive{}
	exec := newTestExecutor(store, proc, queue, archive)

	plan, _ := PlanJob(job)
	for i := range plan {
		res, err := exec.ProcessChunk(context.Background(), job.JobID, "")
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if res.Outcome != OutcomeChunkCompleted {
			t.Fatalf("chunk %d: outcome %s", i, res.Outcome)
		}
		if res.Chunk != plan[i].String() {
			t.Errorf("chunk %d: processed %s, want %s", i, res.Chunk, plan[i])
		}
	}

	got := store.get(job.JobID)
	if got.Status != domain.JobStatusCompleted || got.CompletedAt == nil {
		t.Errorf("status = %s, completed_at = %v", got.Status, got.CompletedAt)
	}
	if !reflect.DeepEqual([]domain.DateRange(got.CompletedRanges), plan) {
		t.Errorf("completed_ranges = %v, want %v", got.CompletedRanges, plan)
	}
	if got.ChunksCompleted != len(got.CompletedRanges) {
		t.Errorf("chunks_completed = %d, len(completed_ranges) = %d", got.ChunksCompleted, len(got.CompletedRanges))
	}
	if got.EmailsProcessed != 100*len(plan) {
		t.Errorf("emails_processed = %d, want %d", got.EmailsProcessed, 100*len(plan))
	}
	// No enqueue after the last chunk.
	if queue.count() != len(plan)-1 {
		t.Errorf("enqueued %d tasks, want %d", queue.count(), len(plan)-1)
	}
	if len(archive.archived) != 1 || archive.archived[0] != job.JobID {
		t.Errorf("archived = %v", archive.archived)
	}
}

func TestProcessChunkCompletesWhenAllRangesDone(t *testing.T) {
	store := newMemStore()
	job := newTestJob("job00003", "2024-01-01", "2024-07-01", 2)
	plan, _ := PlanJob(job)
	// Completion is matched by value, in any order.
	for i := len(plan) - 1; i >= 0; i-- {
		job.CompletedRanges = append(job.CompletedRanges, plan[i])
	}
	job.ChunksCompleted = len(plan)
	job.Status = domain.JobStatusRunning
	store.put(job)

	proc := &fakeProcessor{fn: countsOf(1)}
	queue := &fakeQueue{}
	exec := newTestExecutor(store, proc, queue, &fakeArchive{})

	res, err := exec.ProcessChunk(context.Background(), job.JobID, "task-9")
	if err != nil {
		t.Fatalf("ProcessChunk() error = %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, want completed", res.Outcome)
	}
	if res.ReportURL == "" {
		t.Error("expected a report url")
	}
	if proc.calls() != 0 {
		t.Errorf("processor called %d times", proc.calls())
	}
	if queue.count() != 0 {
		t.Errorf("enqueued %d tasks", queue.count())
	}

	got := store.get(job.JobID)
	if got.Status != domain.JobStatusCompleted || got.IsLocked() || got.CompletedAt == nil {
		t.Errorf("job = status %s locked %v completed_at %v", got.Status, got.IsLocked(), got.CompletedAt)
	}
}

func TestProcessChunkFailureEscalation(t *testing.T) {
	store := newMemStore()
	job := newTestJob("job00004", "2024-01-01", "2024-07-01", 2)
	store.put(job)

	proc := &fakeProcessor{fn: func(string) (*domain.ChunkCounts, error) { return nil, errMailbox }}
	queue := &fakeQueue{}
	exec := newTestExecutor(store, proc, queue, nil)

	for i := 1; i <= 3; i++ {
		_, err := exec.ProcessChunk(context.Background(), job.JobID, "")
		if !errors.Is(err, errMailbox) {
			t.Fatalf("attempt %d: error = %v, want %v", i, err, errMailbox)
		}
		got := store.get(job.JobID)
		if got.RetryCount != i {
			t.Errorf("attempt %d: retry_count = %d", i, got.RetryCount)
		}
		if got.IsLocked() {
			t.Errorf("attempt %d: lock leaked", i)
		}
		wantStatus := domain.JobStatusRunning
		if i == 3 {
			wantStatus = domain.JobStatusFailed
		}
		if got.Status != wantStatus {
			t.Errorf("attempt %d: status = %s, want %s", i, got.Status, wantStatus)
		}
	}

	got := store.get(job.JobID)
	if got.LastError == nil || *got.LastError != errMailbox.Error() {
		t.Errorf("last_error = %v", got.LastError)
	}
	if len(got.CompletedRanges) != 0 {
		t.Errorf("completed_ranges = %v", got.CompletedRanges)
	}
	if queue.count() != 0 {
		t.Errorf("enqueued %d tasks", queue.count())
	}

	// A failed job is no longer advanced.
	res, err := exec.ProcessChunk(context.Background(), job.JobID, "")
	if err != nil || res.Outcome != OutcomeSkipped {
		t.Errorf("after failure: outcome = %v, err = %v", res, err)
	}
	if proc.calls() != 3 {
		t.Errorf("processor called %d times, want 3", proc.calls())
	}
}

func TestProcessChunkSuccessResetsRetryCount(t *testing.T) {
	store := newMemStore()
	job := newTestJob("job00005", "2024-01-01", "2024-07-01", 2)
	store.put(job)

	fail := true
	proc := &fakeProcessor{fn: func(string) (*domain.ChunkCounts, error) {
		if fail {
			return nil, errMailbox
		}
		return &domain.ChunkCounts{Processed: 10}, nil
	}}
	exec := newTestExecutor(store, proc, &fakeQueue{}, nil)

	for i := 0; i < 2; i++ {
		if _, err := exec.ProcessChunk(context.Background(), job.JobID, ""); err == nil {
			t.Fatal("expected failure")
		}
	}
	if got := store.get(job.JobID); got.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", got.RetryCount)
	}

	fail = false
	if _, err := exec.ProcessChunk(context.Background(), job.JobID, ""); err != nil {
		t.Fatalf("ProcessChunk() error = %v", err)
	}
	got := store.get(job.JobID)
	if got.RetryCount != 0 || got.Status != domain.JobStatusRunning || got.ChunksCompleted != 1 {
		t.Errorf("retry_count = %d, status = %s, chunks_completed = %d", got.RetryCount, got.Status, got.ChunksCompleted)
	}
}

func TestProcessChunkMutualExclusion(t *testing.T) {
	store := newMemStore()
	job := newTestJob("job00006", "2024-01-01", "2024-07-01", 2)
	store.put(job)

	entered := make(chan struct{})
	release := make(chan struct{})
	proc := &fakeProcessor{fn: func(string) (*domain.ChunkCounts, error) {
		close(entered)
		<-release
		return &domain.ChunkCounts{Processed: 42}, nil
	}}
	exec := newTestExecutor(store, proc, &fakeQueue{}, nil)

	type outcome struct {
		res *ChunkResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := exec.ProcessChunk(context.Background(), job.JobID, "task-a")
		first <- outcome{res, err}
	}()
	<-entered

	before := store.get(job.JobID)
	res, err := exec.ProcessChunk(context.Background(), job.JobID, "task-b")
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if res.Outcome != OutcomeLockHeld {
		t.Errorf("second call outcome = %s, want lock_held", res.Outcome)
	}
	if after := store.get(job.JobID); !reflect.DeepEqual(before, after) {
		t.Errorf("lock-held call mutated the job:\nbefore %+v\nafter  %+v", before, after)
	}

	close(release)
	o := <-first
	if o.err != nil || o.res.Outcome != OutcomeChunkCompleted {
		t.Fatalf("first call = %+v, %v", o.res, o.err)
	}
	got := store.get(job.JobID)
	if len(got.CompletedRanges) != 1 || got.EmailsProcessed != 42 {
		t.Errorf("completed_ranges = %v, emails_processed = %d", got.CompletedRanges, got.EmailsProcessed)
	}
}

func TestProcessChunkConcurrentDeliveries(t *testing.T) {
	const workers = 8
	store := newMemStore()
	job := newTestJob("job00007", "2024-01-01", "2024-07-01", 2)
	store.put(job)

	release := make(chan struct{})
	proc := &fakeProcessor{fn: func(string) (*domain.ChunkCounts, error) {
		<-release
		return &domain.ChunkCounts{Processed: 5}, nil
	}}
	exec := newTestExecutor(store, proc, &fakeQueue{}, nil)

	results := make(chan *ChunkResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := exec.ProcessChunk(context.Background(), job.JobID, "dup")
			if err != nil {
				t.Errorf("ProcessChunk() error = %v", err)
				return
			}
			results <- res
		}()
	}

	// Everyone but the lock holder returns while the holder is blocked.
	for i := 0; i < workers-1; i++ {
		if res := <-results; res.Outcome != OutcomeLockHeld {
			t.Errorf("outcome = %s, want lock_held", res.Outcome)
		}
	}
	close(release)
	wg.Wait()
	close(results)

	if res := <-results; res == nil || res.Outcome != OutcomeChunkCompleted {
		t.Errorf("holder outcome = %+v", res)
	}
	if got := store.get(job.JobID); len(got.CompletedRanges) != 1 || proc.calls() != 1 {
		t.Errorf("completed_ranges = %v, processor calls = %d", got.CompletedRanges, proc.calls())
	}
}

func TestProcessChunkStaleLockTakeover(t *testing.T) {
	tests := []struct {
		name     string
		lockAge  time.Duration
		expected Outcome
	}{
		{"fresh lock is respected", time.Minute, OutcomeLockHeld},
		{"lock just inside the window", 29 * time.Minute, OutcomeLockHeld},
		{"stale lock is taken over", 31 * time.Minute, OutcomeChunkCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			job := newTestJob("job00008", "2024-01-01", "2024-07-01", 2)
			crashed := "crashed-worker"
			lockedAt := testNow.Add(-tt.lockAge)
			job.Status = domain.JobStatusRunning
			job.ProcessingLockID, job.ProcessingLockTime = &crashed, &lockedAt
			store.put(job)

			exec := newTestExecutor(store, &fakeProcessor{fn: countsOf(20)}, &fakeQueue{}, nil)
			res, err := exec.ProcessChunk(context.Background(), job.JobID, "")
			if err != nil {
				t.Fatalf("ProcessChunk() error = %v", err)
			}
			if res.Outcome != tt.expected {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.expected)
			}

			got := store.get(job.JobID)
			if tt.expected == OutcomeLockHeld && (got.ProcessingLockID == nil || *got.ProcessingLockID != crashed) {
				t.Errorf("live lock was disturbed: %v", got.ProcessingLockID)
			}
			if tt.expected == OutcomeChunkCompleted && got.IsLocked() {
				t.Errorf("lock not released after takeover")
			}
		})
	}
}

func TestProcessChunkSkipsInactiveJobs(t *testing.T) {
	for _, status := range []domain.JobStatus{domain.JobStatusPaused, domain.JobStatusFailed, domain.JobStatusCompleted} {
		t.Run(string(status), func(t *testing.T) {
			store := newMemStore()
			job := newTestJob("job00009", "2024-01-01", "2024-07-01", 2)
			job.Status = status
			store.put(job)
			before := store.get(job.JobID)

			proc := &fakeProcessor{}
			exec := newTestExecutor(store, proc, &fakeQueue{}, nil)
			res, err := exec.ProcessChunk(context.Background(), job.JobID, "")
			if err != nil {
				t.Fatalf("ProcessChunk() error = %v", err)
			}
			if res.Outcome != OutcomeSkipped || res.Advanced() {
				t.Errorf("outcome = %s", res.Outcome)
			}
			if proc.calls() != 0 {
				t.Errorf("processor called")
			}
			if after := store.get(job.JobID); !reflect.DeepEqual(before, after) {
				t.Errorf("skipped call mutated the job")
			}
		})
	}
}

func TestProcessChunkUnknownJob(t *testing.T) {
	exec := newTestExecutor(newMemStore(), &fakeProcessor{}, &fakeQueue{}, nil)
	res, err := exec.ProcessChunk(context.Background(), "missing", "")
	if err != nil {
		t.Fatalf("ProcessChunk() error = %v", err)
	}
	if res.Outcome != OutcomeNotFound {
		t.Errorf("outcome = %s, want not_found", res.Outcome)
	}
}

func TestProcessChunkEnqueueFailureKeepsProgress(t *testing.T) {
	store := newMemStore()
	job := newTestJob("job00010", "2024-01-01", "2024-07-01", 2)
	store.put(job)

	queueErr := errors.New("queue down")
	exec := newTestExecutor(store, &fakeProcessor{fn: countsOf(30)}, &fakeQueue{err: queueErr}, nil)

	if _, err := exec.ProcessChunk(context.Background(), job.JobID, ""); !errors.Is(err, queueErr) {
		t.Fatalf("error = %v, want %v", err, queueErr)
	}
	got := store.get(job.JobID)
	if got.ChunksCompleted != 1 || got.IsLocked() || got.RetryCount != 0 {
		t.Errorf("chunks_completed = %d, locked = %v, retry_count = %d", got.ChunksCompleted, got.IsLocked(), got.RetryCount)
	}
}

func TestLockManagerRelease(t *testing.T) {
	store := newMemStore()
	job := newTestJob("job00011", "2024-01-01", "2024-07-01", 2)
	store.put(job)

	locks := NewLockManager(store, time.Minute)
	locks.now = func() time.Time { return testNow }
	ctx := context.Background()

	ok, err := locks.TryAcquire(ctx, job.JobID, "holder-a")
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = %v, %v", ok, err)
	}
	if ok, _ := locks.TryAcquire(ctx, job.JobID, "holder-b"); ok {
		t.Fatal("second holder acquired a live lock")
	}

	// Releasing someone else's lock is a no-op.
	if err := locks.Release(ctx, job.JobID, "holder-b"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if got := store.get(job.JobID); got.ProcessingLockID == nil || *got.ProcessingLockID != "holder-a" {
		t.Errorf("lock = %v, want holder-a", got.ProcessingLockID)
	}

	if err := locks.Release(ctx, job.JobID, "holder-a"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if got := store.get(job.JobID); got.IsLocked() || got.ProcessingLockTime != nil {
		t.Errorf("lock not cleared")
	}
}
