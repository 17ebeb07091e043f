// Package worker runs the job-consuming pool: claim, dispatch by job
// type, report. Each worker holds at most one in-flight job; horizontal
// scaling is more workers on the same queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/port/queue"
	"github.com/devgodzilla/devgodzilla/internal/service"
)

// Handler processes one claimed job payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Pool is a fixed-size worker pool over one queue.
type Pool struct {
	queue    queue.Queue
	svc      *service.Service
	cfg      config.Worker
	log      *slog.Logger
	handlers map[job.Type]Handler
	inflight atomic.Int64
}

// NewPool builds a pool with the dispatch table fixed at construction.
func NewPool(q queue.Queue, svc *service.Service, cfg config.Worker, log *slog.Logger) *Pool {
	p := &Pool{queue: q, svc: svc, cfg: cfg, log: log}
	p.handlers = map[job.Type]Handler{
		job.TypePlanProtocol: func(ctx context.Context, payload json.RawMessage) error {
			var pl job.PlanProtocolPayload
			if err := json.Unmarshal(payload, &pl); err != nil {
				return fmt.Errorf("%w: plan payload: %v", domain.ErrValidation, err)
			}
			return svc.PlanProtocol(ctx, pl.ProtocolRunID)
		},
		job.TypeExecuteStep: func(ctx context.Context, payload json.RawMessage) error {
			var pl job.ExecuteStepPayload
			if err := json.Unmarshal(payload, &pl); err != nil {
				return fmt.Errorf("%w: execute payload: %v", domain.ErrValidation, err)
			}
			return svc.ExecuteStep(ctx, pl.StepRunID)
		},
		job.TypeRunQuality: func(ctx context.Context, payload json.RawMessage) error {
			var pl job.RunQualityPayload
			if err := json.Unmarshal(payload, &pl); err != nil {
				return fmt.Errorf("%w: quality payload: %v", domain.ErrValidation, err)
			}
			return svc.RunQuality(ctx, pl.StepRunID, pl.Gates)
		},
		job.TypeOpenPR: func(ctx context.Context, payload json.RawMessage) error {
			var pl job.OpenPRPayload
			if err := json.Unmarshal(payload, &pl); err != nil {
				return fmt.Errorf("%w: open_pr payload: %v", domain.ErrValidation, err)
			}
			return svc.OpenPR(ctx, pl.ProtocolRunID)
		},
		job.TypeProjectSetup: func(ctx context.Context, payload json.RawMessage) error {
			var pl job.ProjectSetupPayload
			if err := json.Unmarshal(payload, &pl); err != nil {
				return fmt.Errorf("%w: setup payload: %v", domain.ErrValidation, err)
			}
			return svc.ProjectSetup(ctx, pl.ProjectID, pl.ProtocolRunID)
		},
	}
	return p
}

// Run starts cfg.Count workers plus the heartbeat and supervisor
// goroutines, and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Count; i++ {
		id := fmt.Sprintf("worker-%d", i)
		g.Go(func() error { return p.loop(ctx, id) })
	}
	g.Go(func() error { return p.heartbeat(ctx) })
	g.Go(func() error { return p.supervise(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loop is one worker: claim with a poll interval, dispatch, report.
func (p *Pool) loop(ctx context.Context, workerID string) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	log := p.log.With("worker", workerID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		j, err := p.queue.Claim(ctx, p.cfg.Queue)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("claim failed", "error", err)
			continue
		}
		if j == nil {
			continue
		}

		p.inflight.Add(1)
		p.process(ctx, log, j)
		p.inflight.Add(-1)
	}
}

// process dispatches one job and reports the outcome. Handlers settle
// non-retryable failures themselves and return nil; a returned error
// means the queue should back off and redeliver.
func (p *Pool) process(ctx context.Context, log *slog.Logger, j *job.Job) {
	log = log.With("job_id", j.JobID, "job_type", j.JobType, "attempt", j.Attempts)

	handler, ok := p.handlers[j.JobType]
	if !ok {
		log.Error("no handler for job type")
		if err := p.queue.Fail(ctx, j.JobID, fmt.Sprintf("unknown job type %s", j.JobType)); err != nil {
			log.Error("fail report", "error", err)
		}
		return
	}

	start := time.Now()
	err := handler(ctx, j.Payload)
	elapsed := time.Since(start)

	if err == nil {
		if cerr := p.queue.Complete(ctx, j.JobID, nil); cerr != nil {
			log.Error("complete report", "error", cerr)
		}
		log.Info("job finished", "elapsed", elapsed)
		return
	}

	errMsg := err.Error()
	if errors.Is(err, domain.ErrDependency) {
		// A missing binary will not appear between retries; record the
		// CLI-equivalent exit code and let attempts exhaust quickly.
		errMsg = fmt.Sprintf("[exit_code=3] %s", errMsg)
	}
	if ferr := p.queue.Fail(ctx, j.JobID, errMsg); ferr != nil {
		log.Error("fail report", "error", ferr)
	}
	log.Warn("job failed", "elapsed", elapsed, "error", err)
}

// heartbeat periodically records pool liveness to the worker log file.
// The supervisor treats a claim older than the visibility timeout as a
// dead worker's job.
func (p *Pool) heartbeat(ctx context.Context) error {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	path := filepath.Join(os.TempDir(), "devgodzilla", "worker-heartbeat.log")
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		line := fmt.Sprintf("%s inflight=%d\n", time.Now().UTC().Format(time.RFC3339), p.inflight.Load())
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString(line)
			_ = f.Close()
		}
		p.log.Debug("heartbeat", "inflight", p.inflight.Load())
	}
}

// supervise requeues jobs whose claim outlived the visibility timeout:
// the holding worker is presumed dead.
func (p *Pool) supervise(ctx context.Context) error {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(3 * interval)
	defer ticker.Stop()

	visibility := p.cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = queue.DefaultVisibility
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := p.queue.ReapExpired(ctx, visibility)
		if err != nil {
			p.log.Error("reap expired claims", "error", err)
			continue
		}
		if n > 0 {
			p.log.Warn("requeued expired claims", "count", n)
		}
	}
}
