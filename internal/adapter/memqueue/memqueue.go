// Package memqueue is the in-memory queue.Queue used by tests and
// single-process development. It mirrors the Redis adapter's semantics:
// at-least-once delivery, per-queue FIFO by next_run_at, exponential
// backoff on failure, and visibility-timeout reaping.
package memqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/port/queue"
)

// Queue implements queue.Queue in memory.
type Queue struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
	// claimedAt tracks when a started job was claimed, for reaping.
	claimedAt map[string]time.Time
}

// New creates an empty in-memory queue.
func New() *Queue {
	return &Queue{
		jobs:      make(map[string]*job.Job),
		claimedAt: make(map[string]time.Time),
	}
}

func (q *Queue) Enqueue(_ context.Context, jobType job.Type, payload []byte, queueName string) (*job.Job, error) {
	if queueName == "" {
		queueName = job.DefaultQueue
	}
	now := time.Now().UTC()
	j := &job.Job{
		JobID:       uuid.NewString(),
		JobType:     jobType,
		Payload:     payload,
		Queue:       queueName,
		Status:      job.StatusQueued,
		MaxAttempts: job.DefaultMaxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[j.JobID] = j
	out := *j
	return &out, nil
}

func (q *Queue) Claim(_ context.Context, queueName string) (*job.Job, error) {
	if queueName == "" {
		queueName = job.DefaultQueue
	}
	now := time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest *job.Job
	for _, j := range q.jobs {
		if j.Status != job.StatusQueued || j.Queue != queueName || j.NextRunAt.After(now) {
			continue
		}
		if oldest == nil || j.NextRunAt.Before(oldest.NextRunAt) ||
			(j.NextRunAt.Equal(oldest.NextRunAt) && j.CreatedAt.Before(oldest.CreatedAt)) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.Status = job.StatusStarted
	oldest.Attempts++
	oldest.StartedAt = &now
	q.claimedAt[oldest.JobID] = now
	out := *oldest
	return &out, nil
}

func (q *Queue) Complete(_ context.Context, jobID string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.startedLocked(jobID, "complete")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	j.Status = job.StatusFinished
	j.Result = result
	j.EndedAt = &now
	delete(q.claimedAt, jobID)
	return nil
}

func (q *Queue) Fail(_ context.Context, jobID string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.startedLocked(jobID, "fail")
	if err != nil {
		return err
	}
	j.Error = errMsg

	if j.Attempts >= j.MaxAttempts {
		now := time.Now().UTC()
		j.Status = job.StatusFailed
		j.EndedAt = &now
		delete(q.claimedAt, jobID)
		return nil
	}

	q.requeueLocked(j, job.Backoff(j.Attempts))
	return nil
}

func (q *Queue) Requeue(_ context.Context, jobID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.startedLocked(jobID, "requeue")
	if err != nil {
		return err
	}
	q.requeueLocked(j, delay)
	return nil
}

func (q *Queue) List(_ context.Context, status job.Status) ([]job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var jobs []job.Job
	for _, j := range q.jobs {
		if status == "" || j.Status == status {
			jobs = append(jobs, *j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs, nil
}

func (q *Queue) Stats(_ context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s queue.Stats
	for _, j := range q.jobs {
		switch j.Status {
		case job.StatusQueued:
			s.Queued++
		case job.StatusStarted:
			s.Started++
		case job.StatusFinished:
			s.Finished++
		case job.StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (q *Queue) ReapExpired(_ context.Context, visibility time.Duration) (int, error) {
	if visibility <= 0 {
		visibility = queue.DefaultVisibility
	}
	cutoff := time.Now().UTC().Add(-visibility)

	q.mu.Lock()
	defer q.mu.Unlock()

	reaped := 0
	for id, claimed := range q.claimedAt {
		if claimed.After(cutoff) {
			continue
		}
		j, ok := q.jobs[id]
		if !ok || j.Status != job.StatusStarted {
			delete(q.claimedAt, id)
			continue
		}
		q.requeueLocked(j, 0)
		reaped++
	}
	return reaped, nil
}

func (q *Queue) startedLocked(jobID, op string) (*job.Job, error) {
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%s job %s: %w", op, jobID, domain.ErrNotFound)
	}
	if j.Status != job.StatusStarted {
		return nil, fmt.Errorf("%s job %s: status %s: %w", op, jobID, j.Status, domain.ErrIllegalTransition)
	}
	return j, nil
}

func (q *Queue) requeueLocked(j *job.Job, delay time.Duration) {
	j.Status = job.StatusQueued
	j.NextRunAt = time.Now().UTC().Add(delay)
	j.StartedAt = nil
	delete(q.claimedAt, j.JobID)
}
