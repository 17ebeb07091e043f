// Package service implements the lifecycle controller: the single
// authority for mutating protocol and step status. One handler per job
// type; everything else (store, queue, engines, git, policy) is reached
// through ports injected at construction.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/dag"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/domain/policy"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/spec"
	"github.com/devgodzilla/devgodzilla/internal/domain/step"
	"github.com/devgodzilla/devgodzilla/internal/git"
	"github.com/devgodzilla/devgodzilla/internal/port/database"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
	"github.com/devgodzilla/devgodzilla/internal/port/eventbus"
	"github.com/devgodzilla/devgodzilla/internal/port/queue"
	"github.com/devgodzilla/devgodzilla/internal/secrets"
	"github.com/devgodzilla/devgodzilla/internal/tracker"
)

// ProtocolsDir is the directory under a worktree holding per-protocol
// plan artifacts.
const ProtocolsDir = ".protocols"

// Service is the lifecycle controller. All protocol and step status
// mutations flow through its handlers.
type Service struct {
	store    database.Store
	queue    queue.Queue
	bus      eventbus.Bus
	engines  *engine.Registry
	git      *git.Client
	packs    *policy.Loader
	trk      *tracker.Tracker
	box      *secrets.Box
	cfg      config.Config
	log      *slog.Logger
	workerID string
}

// New creates a Service. A nil bus falls back to the no-op bus; a nil
// tracker falls back to the process-wide one.
func New(store database.Store, q queue.Queue, bus eventbus.Bus, engines *engine.Registry,
	gitClient *git.Client, packs *policy.Loader, trk *tracker.Tracker,
	cfg config.Config, log *slog.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if trk == nil {
		trk = tracker.Default()
	}
	host, _ := os.Hostname()
	return &Service{
		store:    store,
		queue:    q,
		bus:      bus,
		engines:  engines,
		git:      gitClient,
		packs:    packs,
		trk:      trk,
		box:      secrets.NewBox(cfg.Secrets.Key),
		cfg:      cfg,
		log:      log,
		workerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// appendEvent persists an event and mirrors it on the bus. Bus failures
// are logged, never propagated: the store row is the source of truth.
func (s *Service) appendEvent(ctx context.Context, e event.Event) {
	saved, err := s.store.AppendEvent(ctx, e)
	if err != nil {
		s.log.Error("append event failed", "event_type", e.EventType, "error", err)
		return
	}
	if err := s.bus.PublishEvent(ctx, *saved); err != nil {
		s.log.Warn("event fan-out failed", "event_type", e.EventType, "error", err)
	}
}

func metaJSON(m map[string]any) json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}

// cancelRequested reloads the protocol run and reports whether the user
// cancelled it. Workers call this at every state boundary; cancellation
// is cooperative, never preemptive.
func (s *Service) cancelRequested(ctx context.Context, protocolRunID int64) (bool, error) {
	run, err := s.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return false, err
	}
	return run.Status == protocol.StatusCancelled, nil
}

// cancelStep marks a step cancelled and records the protocol_cancelled
// event. Called when a worker observes a cancelled protocol mid-job.
func (s *Service) cancelStep(ctx context.Context, st *step.Run) {
	if _, err := s.store.UpdateStepStatus(ctx, st.ID, step.StatusCancelled, "cancelled by user"); err != nil {
		s.log.Warn("cancel step", "step_run_id", st.ID, "error", err)
	}
	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &st.ProtocolRunID,
		StepRunID:     &st.ID,
		EventType:     event.TypeStepCancelled,
		Message:       fmt.Sprintf("step %s cancelled", st.StepName),
	})
	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &st.ProtocolRunID,
		EventType:     event.TypeProtocolCancel,
		Message:       "protocol cancelled; worker stopped at state boundary",
	})
}

// engineFor resolves a step's engine, falling back to the registry default.
func (s *Service) engineFor(id string) (engine.Engine, error) {
	if id == "" {
		return s.engines.Default()
	}
	return s.engines.Get(id)
}

// protocolSpecOf extracts the ProtocolSpec persisted during planning
// from the run's template_config.
func protocolSpecOf(run *protocol.Run) (*spec.ProtocolSpec, error) {
	raw, ok := run.TemplateConfig["protocol_spec"]
	if !ok {
		return nil, fmt.Errorf("%w: protocol run %d has no planned spec", domain.ErrValidation, run.ID)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: encode stored spec: %v", domain.ErrValidation, err)
	}
	var ps spec.ProtocolSpec
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("%w: decode stored spec: %v", domain.ErrValidation, err)
	}
	return &ps, nil
}

// stepSpecOf finds the StepSpec matching a persisted step run by name.
func stepSpecOf(ps *spec.ProtocolSpec, name string) (*spec.StepSpec, error) {
	for i := range ps.Steps {
		if ps.Steps[i].Name == name {
			return &ps.Steps[i], nil
		}
	}
	return nil, fmt.Errorf("%w: step %q not in planned spec", domain.ErrValidation, name)
}

// effectivePolicyOf returns the policy frozen on the run at creation, or
// recomputes it from the pack loader when the run predates freezing.
func (s *Service) effectivePolicyOf(ctx context.Context, run *protocol.Run, proj *project.Project) (*policy.Effective, error) {
	if len(run.PolicyEffectiveJSON) > 0 {
		var m map[string]any
		if err := json.Unmarshal(run.PolicyEffectiveJSON, &m); err != nil {
			return nil, fmt.Errorf("%w: decode frozen policy: %v", domain.ErrValidation, err)
		}
		return &policy.Effective{
			Policy: m,
			JSON:   run.PolicyEffectiveJSON,
			Hash:   run.PolicyEffectiveHash,
			Sources: policy.Sources{
				PackKey:     run.PolicyPackKey,
				PackVersion: run.PolicyPackVersion,
			},
		}, nil
	}

	key := run.PolicyPackKey
	if key == "" {
		key = proj.PolicyPackKey
	}
	if key == "" || s.packs == nil {
		return nil, nil
	}
	pack, err := s.packs.LoadPack(ctx, key, run.PolicyPackVersion)
	if err != nil {
		return nil, err
	}
	return policy.ComputeEffective(pack, proj)
}

// enqueue marshals a payload and enqueues a job on the default queue.
func (s *Service) enqueue(ctx context.Context, jobType job.Type, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	if _, err := s.queue.Enqueue(ctx, jobType, data, s.cfg.Worker.Queue); err != nil {
		return err
	}
	return nil
}

// scheduleNext enqueues an execute_step job for the next runnable step,
// or completes the protocol when every step is terminal.
func (s *Service) scheduleNext(ctx context.Context, run *protocol.Run) error {
	steps, err := s.store.ListStepRuns(ctx, run.ID)
	if err != nil {
		return err
	}

	if next := dag.NextRunnable(steps); next != nil {
		if err := s.enqueue(ctx, job.TypeExecuteStep, job.ExecuteStepPayload{StepRunID: next.ID}); err != nil {
			s.log.Error("enqueue next step", "step_run_id", next.ID, "error", err)
			return err
		}
		return nil
	}

	if dag.AllTerminal(steps) && run.Status == protocol.StatusRunning {
		if _, err := s.store.UpdateProtocolStatus(ctx, run.ID, protocol.StatusCompleted); err != nil {
			return err
		}
		s.appendEvent(ctx, event.Event{
			ProtocolRunID: &run.ID,
			EventType:     event.TypeProtocolComplete,
			Message:       fmt.Sprintf("protocol %s completed", run.ProtocolName),
		})
	}
	return nil
}

// artifactsDir returns the per-step artifact directory under the
// protocol root, creating it.
func artifactsDir(protocolRoot string, stepRunID int64) (string, error) {
	dir := filepath.Join(protocolRoot, ".devgodzilla", "steps", fmt.Sprintf("%d", stepRunID), "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	return dir, nil
}

func newRunID() string { return uuid.NewString() }
