package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/mailtriage/internal/domain"
	"gorm.io/datatypes"
)

// memStore is an in-memory JobStore with the same write conditions as the gorm repository.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.BatchJob
	order []string
	err   error
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*domain.BatchJob)}
}

func cloneJob(j *domain.BatchJob) *domain.BatchJob {
	c := *j
	c.CompletedRanges = append(datatypes.JSONSlice[domain.DateRange]{}, j.CompletedRanges...)
	return &c
}

func (s *memStore) put(j *domain.BatchJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.JobID]; !ok {
		s.order = append(s.order, j.JobID)
	}
	s.jobs[j.JobID] = cloneJob(j)
}

func (s *memStore) get(id string) *domain.BatchJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJob(s.jobs[id])
}

func (s *memStore) Create(ctx context.Context, job *domain.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.jobs[job.JobID]; ok {
		return fmt.Errorf("duplicate job id %s", job.JobID)
	}
	if job.Status.IsActive() {
		for _, j := range s.jobs {
			if j.Status.IsActive() {
				return domain.ErrActiveJobExists
			}
		}
	}
	s.order = append(s.order, job.JobID)
	s.jobs[job.JobID] = cloneJob(job)
	return nil
}

func (s *memStore) GetByID(ctx context.Context, jobID string) (*domain.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (s *memStore) FindActive(ctx context.Context) (*domain.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if j := s.jobs[id]; j.Status.IsActive() {
			return cloneJob(j), nil
		}
	}
	return nil, nil
}

func (s *memStore) Latest(ctx context.Context) (*domain.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil, domain.ErrNoJobs
	}
	return cloneJob(s.jobs[s.order[len(s.order)-1]]), nil
}

// withJob runs fn on the stored job under the mutex when cond holds.
func (s *memStore) withJob(jobID string, cond func(*domain.BatchJob) bool, fn func(*domain.BatchJob)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	j, ok := s.jobs[jobID]
	if !ok || !cond(j) {
		return false, nil
	}
	fn(j)
	return true, nil
}

func holds(holder string) func(*domain.BatchJob) bool {
	return func(j *domain.BatchJob) bool {
		return j.ProcessingLockID != nil && *j.ProcessingLockID == holder
	}
}

func (s *memStore) TryLock(ctx context.Context, jobID, holder string, now, staleBefore time.Time) (bool, error) {
	free := func(j *domain.BatchJob) bool {
		return j.ProcessingLockID == nil || j.ProcessingLockTime == nil || j.ProcessingLockTime.Before(staleBefore)
	}
	return s.withJob(jobID, free, func(j *domain.BatchJob) {
		h, t := holder, now
		j.ProcessingLockID, j.ProcessingLockTime = &h, &t
	})
}

func (s *memStore) Unlock(ctx context.Context, jobID, holder string, now time.Time) (bool, error) {
	return s.withJob(jobID, holds(holder), func(j *domain.BatchJob) {
		j.ProcessingLockID, j.ProcessingLockTime = nil, nil
	})
}

func (s *memStore) MarkRunning(ctx context.Context, jobID, holder string, chunk domain.DateRange, now time.Time) (bool, error) {
	cond := func(j *domain.BatchJob) bool { return holds(holder)(j) && j.Status.IsActive() }
	return s.withJob(jobID, cond, func(j *domain.BatchJob) {
		start, end := chunk.Start(), chunk.End()
		j.Status = domain.JobStatusRunning
		j.CurrentChunkStart, j.CurrentChunkEnd = &start, &end
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
		j.LastActivity = now
	})
}

func (s *memStore) SaveChunkProgress(ctx context.Context, job *domain.BatchJob, holder string, now time.Time) (domain.JobStatus, bool, error) {
	var status domain.JobStatus
	saved, err := s.withJob(job.JobID, holds(holder), func(j *domain.BatchJob) {
		j.EmailsProcessed = job.EmailsProcessed
		j.EmailsCategorized = job.EmailsCategorized
		j.EmailsLabeled = job.EmailsLabeled
		j.EmailsPendingApproval = job.EmailsPendingApproval
		j.EmailsErrors = job.EmailsErrors
		j.EstimatedCost = job.EstimatedCost
		j.CompletedRanges = append(datatypes.JSONSlice[domain.DateRange]{}, job.CompletedRanges...)
		j.ChunksCompleted = len(job.CompletedRanges)
		j.RetryCount = 0
		j.ProcessingLockID, j.ProcessingLockTime = nil, nil
		j.LastActivity = now
		if job.Status == domain.JobStatusCompleted {
			t := now
			j.Status, j.CompletedAt = domain.JobStatusCompleted, &t
		}
		status = j.Status
	})
	return status, saved, err
}

func (s *memStore) RecordChunkFailure(ctx context.Context, jobID, holder, message string, maxRetries int, now time.Time) (bool, error) {
	return s.withJob(jobID, holds(holder), func(j *domain.BatchJob) {
		msg := message
		j.LastError = &msg
		j.RetryCount++
		if j.RetryCount >= maxRetries {
			j.Status = domain.JobStatusFailed
		}
		j.ProcessingLockID, j.ProcessingLockTime = nil, nil
		j.LastActivity = now
	})
}

func (s *memStore) Complete(ctx context.Context, jobID, holder string, now time.Time) (bool, error) {
	return s.withJob(jobID, holds(holder), func(j *domain.BatchJob) {
		t := now
		j.Status, j.CompletedAt = domain.JobStatusCompleted, &t
		j.ProcessingLockID, j.ProcessingLockTime = nil, nil
		j.LastActivity = now
	})
}

func (s *memStore) Resume(ctx context.Context, jobID string, now time.Time) (bool, error) {
	cond := func(j *domain.BatchJob) bool { return j.Status.IsResumable() }
	return s.withJob(jobID, cond, func(j *domain.BatchJob) {
		j.Status = domain.JobStatusRunning
		j.RetryCount = 0
		j.ProcessingLockID, j.ProcessingLockTime = nil, nil
		j.LastActivity = now
	})
}

func (s *memStore) Pause(ctx context.Context, jobID string, now time.Time) (bool, error) {
	cond := func(j *domain.BatchJob) bool { return j.Status.IsActive() }
	return s.withJob(jobID, cond, func(j *domain.BatchJob) {
		j.Status = domain.JobStatusPaused
		j.LastActivity = now
	})
}

func (s *memStore) Fail(ctx context.Context, jobID, message string, now time.Time) error {
	_, err := s.withJob(jobID, func(*domain.BatchJob) bool { return true }, func(j *domain.BatchJob) {
		msg := message
		j.Status, j.LastError = domain.JobStatusFailed, &msg
		j.LastActivity = now
	})
	return err
}

// fakeProcessor returns counts from fn and records every query.
type fakeProcessor struct {
	mu      sync.Mutex
	queries []string
	fn      func(query string) (*domain.ChunkCounts, error)
}

func (p *fakeProcessor) ProcessBatch(ctx context.Context, query string, maxEmails int) (*domain.ChunkCounts, error) {
	p.mu.Lock()
	p.queries = append(p.queries, query)
	fn := p.fn
	p.mu.Unlock()
	if fn == nil {
		return &domain.ChunkCounts{}, nil
	}
	return fn(query)
}

func (p *fakeProcessor) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queries)
}

type enqueued struct {
	JobID string
	Delay time.Duration
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []enqueued
	err   error
}

func (q *fakeQueue) EnqueueChunk(ctx context.Context, jobID string, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.tasks = append(q.tasks, enqueued{JobID: jobID, Delay: delay})
	return fmt.Sprintf("task-%d", len(q.tasks)), nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type fakeArchive struct {
	mu       sync.Mutex
	archived []string
}

func (a *fakeArchive) Archive(ctx context.Context, job *domain.BatchJob) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, job.JobID)
	return a.URL(job.JobID), nil
}

func (a *fakeArchive) URL(jobID string) string {
	return "https://reports.example/" + jobID + ".json"
}

var errMailbox = errors.New("mailbox api unavailable")

var testNow = time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)

// newTestJob builds a pending job the way StartJob does.
func newTestJob(id, start, end string, months int) *domain.BatchJob {
	j := &domain.BatchJob{
		JobID:           id,
		JobType:         domain.JobTypeFullInbox,
		QueryTemplate:   domain.DefaultQueryTemplate,
		StartDate:       start,
		EndDate:         end,
		ChunkSize:       500,
		ChunkMonths:     months,
		Status:          domain.JobStatusPending,
		CompletedRanges: datatypes.JSONSlice[domain.DateRange]{},
		LastActivity:    testNow,
		CreatedAt:       testNow,
	}
	if plan, err := PlanJob(j); err == nil {
		j.ChunksTotal = len(plan)
	}
	return j
}

func newTestExecutor(store JobStore, p EmailProcessor, q ChunkEnqueuer, a ReportArchiver) *Executor {
	e := NewExecutor(store, p, q, a, DefaultSettings())
	e.now = func() time.Time { return testNow }
	e.locks.now = e.now
	return e
}
