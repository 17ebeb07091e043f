package memqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
)

func TestEnqueueClaimComplete(t *testing.T) {
	q := New()
	ctx := t.Context()

	enq, err := q.Enqueue(ctx, job.TypeExecuteStep, []byte(`{"step_run_id":1}`), "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if enq.Queue != job.DefaultQueue || enq.Status != job.StatusQueued {
		t.Fatalf("enqueued job = %+v", enq)
	}
	if enq.MaxAttempts != job.DefaultMaxAttempts {
		t.Fatalf("max attempts = %d", enq.MaxAttempts)
	}

	claimed, err := q.Claim(ctx, "")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed == nil || claimed.JobID != enq.JobID {
		t.Fatalf("claimed = %+v, want %s", claimed, enq.JobID)
	}
	if claimed.Status != job.StatusStarted || claimed.Attempts != 1 {
		t.Fatalf("claimed status/attempts = %s/%d", claimed.Status, claimed.Attempts)
	}

	// A started job is owned; nobody else can claim it.
	if again, _ := q.Claim(ctx, ""); again != nil {
		t.Fatalf("second claim got %+v, want nil", again)
	}

	if err := q.Complete(ctx, claimed.JobID, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Finished != 1 || stats.Queued != 0 || stats.Started != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestClaimOrderIsFIFO(t *testing.T) {
	q := New()
	ctx := t.Context()

	first, _ := q.Enqueue(ctx, job.TypePlanProtocol, nil, "")
	time.Sleep(2 * time.Millisecond)
	q.Enqueue(ctx, job.TypePlanProtocol, nil, "")

	claimed, err := q.Claim(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if claimed.JobID != first.JobID {
		t.Fatalf("claimed %s, want oldest %s", claimed.JobID, first.JobID)
	}
}

func TestClaimHonorsQueueName(t *testing.T) {
	q := New()
	ctx := t.Context()
	q.Enqueue(ctx, job.TypeOpenPR, nil, "slow")

	if j, _ := q.Claim(ctx, "default"); j != nil {
		t.Fatalf("claimed %+v from wrong queue", j)
	}
	if j, _ := q.Claim(ctx, "slow"); j == nil {
		t.Fatal("job not claimable from its own queue")
	}
}

func TestFailRequeuesWithBackoff(t *testing.T) {
	q := New()
	ctx := t.Context()

	enq, _ := q.Enqueue(ctx, job.TypeExecuteStep, nil, "")
	claimed, _ := q.Claim(ctx, "")

	before := time.Now().UTC()
	if err := q.Fail(ctx, claimed.JobID, "engine timeout"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	jobs, _ := q.List(ctx, job.StatusQueued)
	if len(jobs) != 1 {
		t.Fatalf("queued = %d, want 1", len(jobs))
	}
	requeued := jobs[0]
	if requeued.JobID != enq.JobID || requeued.Error != "engine timeout" {
		t.Fatalf("requeued = %+v", requeued)
	}

	// First failure backs off ~2s; the job must not be claimable yet.
	delay := requeued.NextRunAt.Sub(before)
	if delay < 1500*time.Millisecond || delay > 3*time.Second {
		t.Fatalf("backoff delay = %v, want about 2s", delay)
	}
	if j, _ := q.Claim(ctx, ""); j != nil {
		t.Fatalf("backed-off job claimed early: %+v", j)
	}
}

func TestFailAfterMaxAttemptsLandsInFailedRegistry(t *testing.T) {
	q := New()
	ctx := t.Context()
	enq, _ := q.Enqueue(ctx, job.TypeExecuteStep, nil, "")

	// Walk the job to its attempt limit by resetting next_run_at between rounds.
	for attempt := 1; attempt <= job.DefaultMaxAttempts; attempt++ {
		q.mu.Lock()
		q.jobs[enq.JobID].NextRunAt = time.Now().UTC().Add(-time.Second)
		q.mu.Unlock()

		claimed, err := q.Claim(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if claimed == nil {
			t.Fatalf("attempt %d: nothing claimable", attempt)
		}
		if claimed.Attempts != attempt {
			t.Fatalf("attempt count = %d, want %d", claimed.Attempts, attempt)
		}
		if err := q.Fail(ctx, claimed.JobID, "still broken"); err != nil {
			t.Fatal(err)
		}
	}

	failed, _ := q.List(ctx, job.StatusFailed)
	if len(failed) != 1 || failed[0].JobID != enq.JobID {
		t.Fatalf("failed registry = %+v", failed)
	}
	if failed[0].EndedAt == nil || failed[0].Error != "still broken" {
		t.Fatalf("failed job = %+v", failed[0])
	}
	if j, _ := q.Claim(ctx, ""); j != nil {
		t.Fatalf("dead job still claimable: %+v", j)
	}
}

func TestReapExpiredRequeuesAbandonedJobs(t *testing.T) {
	q := New()
	ctx := t.Context()
	enq, _ := q.Enqueue(ctx, job.TypeRunQuality, nil, "")
	claimed, _ := q.Claim(ctx, "")

	// Pretend the worker died 10 minutes ago.
	q.mu.Lock()
	q.claimedAt[claimed.JobID] = time.Now().UTC().Add(-10 * time.Minute)
	q.mu.Unlock()

	reaped, err := q.ReapExpired(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReapExpired: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	// At-least-once: the job comes back and keeps its attempt count.
	again, err := q.Claim(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if again == nil || again.JobID != enq.JobID {
		t.Fatalf("reclaim = %+v", again)
	}
	if again.Attempts != 2 {
		t.Fatalf("attempts after reap = %d, want 2", again.Attempts)
	}
}

func TestReapLeavesFreshClaimsAlone(t *testing.T) {
	q := New()
	ctx := t.Context()
	q.Enqueue(ctx, job.TypeRunQuality, nil, "")
	q.Claim(ctx, "")

	reaped, err := q.ReapExpired(ctx, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if reaped != 0 {
		t.Fatalf("reaped fresh claim: %d", reaped)
	}
}

func TestCompleteRequiresStartedJob(t *testing.T) {
	q := New()
	ctx := t.Context()

	if err := q.Complete(ctx, "no-such-job", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown job: %v", err)
	}

	enq, _ := q.Enqueue(ctx, job.TypeOpenPR, nil, "")
	if err := q.Complete(ctx, enq.JobID, nil); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("queued job completed: %v", err)
	}
}
