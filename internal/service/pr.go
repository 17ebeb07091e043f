package service

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
)

// OpenPR handles open_pr jobs: push the protocol branch, open a PR/MR
// through the host CLI, trigger CI. Every stage is best-effort; failures
// append events and the job still finishes.
func (s *Service) OpenPR(ctx context.Context, protocolRunID int64) error {
	run, err := s.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return err
	}
	proj, err := s.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return err
	}

	if run.WorktreePath == "" || s.git == nil || !s.git.IsRepo(ctx, run.WorktreePath) {
		s.log.Info("open_pr skipped: no git worktree", "protocol_run_id", run.ID)
		return nil
	}

	if err := s.git.Push(ctx, run.WorktreePath, run.ProtocolName); err != nil {
		s.appendEvent(ctx, event.Event{
			ProtocolRunID: &run.ID,
			EventType:     event.TypeOpenPRFailed,
			Message:       "push failed: " + err.Error(),
		})
		return nil
	}

	if err := s.createPullRequest(ctx, run.WorktreePath, run.ProtocolName, run.BaseBranch, run.Description); err != nil {
		s.appendEvent(ctx, event.Event{
			ProtocolRunID: &run.ID,
			EventType:     event.TypeOpenPRFailed,
			Message:       "open pr failed: " + err.Error(),
			Metadata:      metaJSON(map[string]any{"ci_provider": proj.CIProvider}),
		})
		return nil
	}

	if err := s.triggerCI(ctx, run.WorktreePath, proj.CIProvider, run.ProtocolName); err != nil {
		s.appendEvent(ctx, event.Event{
			ProtocolRunID: &run.ID,
			EventType:     event.TypeCIFailed,
			Message:       "ci trigger failed: " + err.Error(),
		})
	}
	return nil
}

// createPullRequest shells out to gh or glab, whichever is installed.
func (s *Service) createPullRequest(ctx context.Context, dir, branch, base, description string) error {
	title := branch
	if description == "" {
		description = "Automated protocol run " + branch
	}

	if _, err := exec.LookPath("gh"); err == nil {
		return runHostCLI(ctx, dir, "gh", "pr", "create",
			"--title", title, "--body", description, "--base", base, "--head", branch)
	}
	if _, err := exec.LookPath("glab"); err == nil {
		return runHostCLI(ctx, dir, "glab", "mr", "create",
			"--title", title, "--description", description,
			"--target-branch", base, "--source-branch", branch, "--yes")
	}
	return fmt.Errorf("no host CLI (gh or glab) on PATH")
}

// triggerCI nudges the host CI for the pushed branch. GitHub Actions
// reruns on push already, so this only matters for explicit providers.
func (s *Service) triggerCI(ctx context.Context, dir, provider, branch string) error {
	switch provider {
	case "github":
		if _, err := exec.LookPath("gh"); err != nil {
			return fmt.Errorf("gh not on PATH: %w", err)
		}
		return runHostCLI(ctx, dir, "gh", "workflow", "run", "--ref", branch)
	case "gitlab":
		if _, err := exec.LookPath("glab"); err != nil {
			return fmt.Errorf("glab not on PATH: %w", err)
		}
		return runHostCLI(ctx, dir, "glab", "ci", "run", "--branch", branch)
	default:
		return nil
	}
}

func runHostCLI(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // fixed binary, internal args
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), detail)
	}
	return nil
}
