package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/policy"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
)

// ProjectSetup handles project_setup jobs: ensure the local checkout
// exists (cloning only when auto-clone is enabled), provision starter
// assets, and configure the git remote.
func (s *Service) ProjectSetup(ctx context.Context, projectID int64, protocolRunID *int64) error {
	proj, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	s.appendEvent(ctx, event.Event{
		ProjectID:     &proj.ID,
		ProtocolRunID: protocolRunID,
		EventType:     event.TypeSetupStarted,
		Message:       fmt.Sprintf("setting up project %s", proj.Name),
	})

	localPath := proj.LocalPath
	if localPath == "" {
		localPath = filepath.Join(os.TempDir(), "devgodzilla", "projects", proj.Name)
	}

	if s.git == nil || s.git.CheckAvailable() != nil {
		return s.setupFailed(ctx, proj.ID, protocolRunID, fmt.Errorf("git binary not available"))
	}

	if !s.git.IsRepo(ctx, localPath) {
		if !s.cfg.Worker.AutoClone {
			s.appendEvent(ctx, event.Event{
				ProjectID:     &proj.ID,
				ProtocolRunID: protocolRunID,
				EventType:     event.TypeSetupBlocked,
				Message:       fmt.Sprintf("repository missing at %s and auto-clone is disabled", localPath),
				Metadata:      metaJSON(map[string]any{"local_path": localPath}),
			})
			s.blockProtocol(ctx, protocolRunID)
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return s.setupFailed(ctx, proj.ID, protocolRunID, err)
		}
		if err := s.git.Clone(ctx, proj.GitURL, localPath); err != nil {
			return s.setupFailed(ctx, proj.ID, protocolRunID, err)
		}
	}

	if proj.LocalPath != localPath {
		if err := s.store.UpdateProjectLocalPath(ctx, proj.ID, localPath); err != nil {
			return err
		}
	}

	// Starter assets: the repo-local policy directory, so overrides
	// have a place to live from day one.
	if proj.PolicyRepoLocalEnabled {
		if err := os.MkdirAll(filepath.Join(localPath, policy.RepoLocalDir), 0o755); err != nil {
			s.log.Warn("create repo-local policy dir", "error", err)
		}
	}

	s.appendEvent(ctx, event.Event{
		ProjectID:     &proj.ID,
		ProtocolRunID: protocolRunID,
		EventType:     event.TypeSetupCompleted,
		Message:       fmt.Sprintf("project %s ready at %s", proj.Name, localPath),
		Metadata:      metaJSON(map[string]any{"local_path": localPath}),
	})
	return nil
}

func (s *Service) setupFailed(ctx context.Context, projectID int64, protocolRunID *int64, cause error) error {
	s.appendEvent(ctx, event.Event{
		ProjectID:     &projectID,
		ProtocolRunID: protocolRunID,
		EventType:     event.TypeSetupFailed,
		Message:       "setup failed: " + cause.Error(),
	})
	s.blockProtocol(ctx, protocolRunID)
	return nil
}

func (s *Service) blockProtocol(ctx context.Context, protocolRunID *int64) {
	if protocolRunID == nil {
		return
	}
	run, err := s.store.GetProtocolRun(ctx, *protocolRunID)
	if err != nil {
		return
	}
	if run.Status.CanTransitionTo(protocol.StatusBlocked) {
		if _, err := s.store.UpdateProtocolStatus(ctx, run.ID, protocol.StatusBlocked); err != nil {
			s.log.Warn("block protocol after setup", "protocol_run_id", run.ID, "error", err)
		}
	}
}
