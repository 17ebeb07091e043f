package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/adapter/memqueue"
	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
)

func testPool(q *memqueue.Queue) *Pool {
	cfg := config.Worker{
		Count:             1,
		Queue:             job.DefaultQueue,
		PollInterval:      time.Millisecond,
		HeartbeatInterval: time.Second,
	}
	return NewPool(q, nil, cfg, slog.New(slog.DiscardHandler))
}

func TestProcessCompletesOnHandlerSuccess(t *testing.T) {
	ctx := context.Background()
	q := memqueue.New()
	p := testPool(q)

	var got int64
	p.handlers[job.TypeExecuteStep] = func(_ context.Context, payload json.RawMessage) error {
		var pl job.ExecuteStepPayload
		if err := json.Unmarshal(payload, &pl); err != nil {
			return err
		}
		got = pl.StepRunID
		return nil
	}

	if _, err := q.Enqueue(ctx, job.TypeExecuteStep, []byte(`{"step_run_id":42}`), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j, err := q.Claim(ctx, job.DefaultQueue)
	if err != nil || j == nil {
		t.Fatalf("Claim: job=%v err=%v", j, err)
	}

	p.process(ctx, p.log, j)

	if got != 42 {
		t.Fatalf("handler saw step_run_id=%d, want 42", got)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Finished != 1 {
		t.Fatalf("finished=%d, want 1", stats.Finished)
	}
}

func TestProcessRequeuesOnHandlerError(t *testing.T) {
	ctx := context.Background()
	q := memqueue.New()
	p := testPool(q)

	p.handlers[job.TypePlanProtocol] = func(context.Context, json.RawMessage) error {
		return errors.New("transient engine failure")
	}

	if _, err := q.Enqueue(ctx, job.TypePlanProtocol, []byte(`{"protocol_run_id":1}`), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j, err := q.Claim(ctx, job.DefaultQueue)
	if err != nil || j == nil {
		t.Fatalf("Claim: job=%v err=%v", j, err)
	}

	p.process(ctx, p.log, j)

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Queued != 1 {
		t.Fatalf("queued=%d, want 1 (backoff requeue)", stats.Queued)
	}
	jobs, err := q.List(ctx, job.StatusQueued)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Attempts != 1 {
		t.Fatalf("jobs=%+v, want one job with attempts=1", jobs)
	}
}

func TestProcessFailsUnknownJobType(t *testing.T) {
	ctx := context.Background()
	q := memqueue.New()
	p := testPool(q)

	if _, err := q.Enqueue(ctx, job.Type("mystery"), []byte(`{}`), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j, err := q.Claim(ctx, job.DefaultQueue)
	if err != nil || j == nil {
		t.Fatalf("Claim: job=%v err=%v", j, err)
	}

	p.process(ctx, p.log, j)

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Queued+stats.Failed != 1 {
		t.Fatalf("stats=%+v, want the job queued for retry or failed", stats)
	}
}
