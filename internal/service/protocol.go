package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/domain/policy"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/secrets"
)

// CreateProject registers a project and enqueues its setup job.
func (s *Service) CreateProject(ctx context.Context, req project.CreateRequest) (*project.Project, error) {
	proj, err := s.store.CreateProject(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, job.TypeProjectSetup, job.ProjectSetupPayload{ProjectID: proj.ID}); err != nil {
		s.log.Error("enqueue project_setup", "project_id", proj.ID, "error", err)
	}
	return proj, nil
}

// SetProjectSecrets encrypts secret values with the operator key and
// stores the ciphertext on the project. Steps see them as engine env.
func (s *Service) SetProjectSecrets(ctx context.Context, projectID int64, values map[string]string) error {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	enc, err := s.box.SealMap(values)
	if err != nil {
		if errors.Is(err, secrets.ErrNoKey) {
			return fmt.Errorf("%w: no secrets key configured (DEVGODZILLA_SECRET_KEY)", domain.ErrValidation)
		}
		return err
	}
	return s.store.UpdateProjectSecrets(ctx, projectID, enc)
}

// CreateProtocol creates a protocol run with the project's effective
// policy frozen onto it, then enqueues planning.
func (s *Service) CreateProtocol(ctx context.Context, req protocol.CreateRequest) (*protocol.Run, error) {
	proj, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	var hash string
	var policyJSON []byte
	var eff *policy.Effective
	packKey, packVersion := proj.PolicyPackKey, proj.PolicyPackVersion
	if packKey != "" && s.packs != nil {
		pack, err := s.packs.LoadPack(ctx, packKey, packVersion)
		if err != nil {
			return nil, fmt.Errorf("resolve policy pack %s: %w", packKey, err)
		}
		if eff, err = policy.ComputeEffective(pack, proj); err != nil {
			return nil, err
		}
		hash = eff.Hash
		policyJSON = eff.JSON
		packVersion = pack.Version
	}

	run, err := s.store.CreateProtocolRun(ctx, req, hash, policyJSON, packKey, packVersion)
	if err != nil {
		return nil, err
	}
	s.seedClarifications(ctx, run, proj, eff)
	if err := s.enqueue(ctx, job.TypePlanProtocol, job.PlanProtocolPayload{ProtocolRunID: run.ID}); err != nil {
		s.log.Error("enqueue plan_protocol", "protocol_run_id", run.ID, "error", err)
	}
	return run, nil
}

// StartProtocol moves a planned protocol to running and schedules its
// first runnable step.
func (s *Service) StartProtocol(ctx context.Context, protocolRunID int64) (*protocol.Run, error) {
	run, err := s.store.UpdateProtocolStatus(ctx, protocolRunID, protocol.StatusRunning)
	if err != nil {
		return nil, err
	}
	if err := s.scheduleNext(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

// SetProtocolStatus applies a user-initiated transition (pause, resume,
// cancel). Cancellation is cooperative: running jobs observe the status
// at their next state boundary. Cancelling an already-terminal protocol
// is a no-op.
func (s *Service) SetProtocolStatus(ctx context.Context, protocolRunID int64, status protocol.Status) (*protocol.Run, error) {
	current, err := s.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return nil, err
	}
	if status == protocol.StatusCancelled && current.Status.IsTerminal() {
		return current, nil
	}

	run, err := s.store.UpdateProtocolStatus(ctx, protocolRunID, status)
	if err != nil {
		return nil, err
	}
	if status == protocol.StatusCancelled {
		s.appendEvent(ctx, event.Event{
			ProtocolRunID: &run.ID,
			EventType:     event.TypeProtocolCancel,
			Message:       fmt.Sprintf("protocol %s cancelled by user", run.ProtocolName),
		})
	}
	if status == protocol.StatusRunning {
		if err := s.scheduleNext(ctx, run); err != nil {
			return run, err
		}
	}
	return run, nil
}
