// Package queue defines the durable job queue port. Two interchangeable
// implementations exist: Redis-backed (production) and in-memory (tests
// and single-process dev). Callers never observe the difference.
package queue

import (
	"context"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain/job"
)

// DefaultVisibility is how long a claimed job may stay in started before
// the reaper returns it to queued.
const DefaultVisibility = 30 * time.Minute

// Stats summarizes queue depth per status.
type Stats struct {
	Queued   int `json:"queued"`
	Started  int `json:"started"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
}

// Queue is the at-least-once job queue port.
type Queue interface {
	// Enqueue adds a job. Empty queue name maps to job.DefaultQueue.
	Enqueue(ctx context.Context, jobType job.Type, payload []byte, queueName string) (*job.Job, error)

	// Claim returns the oldest runnable job (smallest next_run_at <= now)
	// moved to started, or nil when the queue is empty.
	Claim(ctx context.Context, queueName string) (*job.Job, error)

	// Complete marks a started job finished with an optional result.
	Complete(ctx context.Context, jobID string, result []byte) error

	// Fail records a failure. The job is requeued with exponential
	// backoff until max_attempts, then moves to the failed registry.
	Fail(ctx context.Context, jobID string, errMsg string) error

	// Requeue puts a started job back in queued after delay.
	Requeue(ctx context.Context, jobID string, delay time.Duration) error

	// List returns jobs filtered by status; empty status returns all.
	List(ctx context.Context, status job.Status) ([]job.Job, error)

	// Stats returns per-status counts.
	Stats(ctx context.Context) (Stats, error)

	// ReapExpired requeues started jobs whose visibility timeout passed,
	// incrementing attempts. Returns the number of jobs requeued.
	ReapExpired(ctx context.Context, visibility time.Duration) (int, error)
}
