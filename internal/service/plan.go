package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/dag"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/spec"
	"github.com/devgodzilla/devgodzilla/internal/domain/step"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
)

// planningPrompt frames the planning engine invocation. The engine is
// expected to leave NN-<step>.md files under the protocol root; when it
// produces nothing usable the planner falls back to a default scaffold.
const planningPrompt = `You are planning a protocol run for an automated coding workflow.
Read the repository in the working directory and the description below,
then write one numbered step file per unit of work into the protocol
directory, named NN-<step>.md (00-setup.md first). Each file must contain
the full instructions an autonomous coding agent needs for that step.
`

// defaultStepFiles is the scaffold used when no planning engine is
// available. Two steps: workspace setup, then implementation.
var defaultStepFiles = map[string]string{
	"00-setup.md": "# Setup\n\nPrepare the workspace: install dependencies, verify the build runs.\n",
	"01-impl.md":  "# Implement\n\nImplement the protocol described in plan.md. Commit incrementally.\n",
}

// PlanProtocol handles plan_protocol jobs: worktree provisioning,
// planning-engine invocation, spec derivation, and step creation.
func (s *Service) PlanProtocol(ctx context.Context, protocolRunID int64) error {
	run, err := s.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return err
	}
	proj, err := s.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return err
	}

	switch run.Status {
	case protocol.StatusPending, protocol.StatusPlanning:
	case protocol.StatusCancelled:
		return nil
	default:
		s.log.Warn("plan rejected: protocol not plannable", "protocol_run_id", run.ID, "status", run.Status)
		return nil
	}

	if run, err = s.store.UpdateProtocolStatus(ctx, run.ID, protocol.StatusPlanning); err != nil {
		return err
	}
	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &run.ID,
		EventType:     event.TypePlanningStarted,
		Message:       fmt.Sprintf("planning %s", run.ProtocolName),
	})

	worktree, protocolRoot, err := s.ensureWorktree(ctx, run, proj.LocalPath)
	if err != nil {
		return s.failPlanning(ctx, run.ID, fmt.Errorf("provision worktree: %w", err))
	}
	if err := s.store.UpdateProtocolWorktree(ctx, run.ID, worktree, protocolRoot); err != nil {
		return err
	}

	if err := s.seedPlanArtifacts(protocolRoot, run); err != nil {
		return s.failPlanning(ctx, run.ID, err)
	}

	// Planning engine is best-effort: a missing binary falls back to
	// the scaffold rather than failing the run.
	s.invokePlanner(ctx, run, worktree, protocolRoot)

	ps, err := spec.FromStepDir(protocolRoot)
	if errors.Is(err, domain.ErrValidation) {
		if werr := writeScaffold(protocolRoot); werr != nil {
			return s.failPlanning(ctx, run.ID, werr)
		}
		ps, err = spec.FromStepDir(protocolRoot)
	}
	if err != nil {
		return s.failPlanning(ctx, run.ID, err)
	}

	if err := checkSpecCycles(ps); err != nil {
		return s.failPlanning(ctx, run.ID, err)
	}

	tc := run.TemplateConfig
	if tc == nil {
		tc = map[string]any{}
	}
	tc["protocol_spec"] = ps
	if err := s.store.UpdateProtocolTemplateConfig(ctx, run.ID, tc); err != nil {
		return err
	}

	created, err := spec.CreateStepRuns(ctx, s.store, run.ID, ps)
	if err != nil {
		return s.failPlanning(ctx, run.ID, err)
	}

	if _, err := s.store.UpdateProtocolStatus(ctx, run.ID, protocol.StatusPlanned); err != nil {
		return err
	}
	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &run.ID,
		EventType:     event.TypePlanned,
		Message:       fmt.Sprintf("planned %s with %d steps", run.ProtocolName, len(ps.Steps)),
		Metadata:      metaJSON(map[string]any{"steps_created": len(created), "steps_total": len(ps.Steps)}),
	})

	// Best-effort outer surface: push, PR, CI. Failures become events,
	// never a planning failure.
	if err := s.enqueue(ctx, job.TypeOpenPR, job.OpenPRPayload{ProtocolRunID: run.ID}); err != nil {
		s.log.Warn("enqueue open_pr", "protocol_run_id", run.ID, "error", err)
	}
	return nil
}

// ensureWorktree creates the protocol branch and worktree next to the
// project checkout. When git or the checkout is absent a plain stub
// directory keeps planning alive; the gap is recorded as a warning.
func (s *Service) ensureWorktree(ctx context.Context, run *protocol.Run, localPath string) (worktree, protocolRoot string, err error) {
	if localPath == "" {
		localPath = filepath.Join(os.TempDir(), "devgodzilla", fmt.Sprintf("project-%d", run.ProjectID))
	}
	worktree = filepath.Join(filepath.Dir(localPath), "worktrees", run.ProtocolName)
	protocolRoot = filepath.Join(worktree, ProtocolsDir, run.ProtocolName)

	gitOK := s.git != nil && s.git.CheckAvailable() == nil && s.git.IsRepo(ctx, localPath)
	if gitOK {
		if err := s.git.AddWorktree(ctx, localPath, worktree, run.ProtocolName, run.BaseBranch); err != nil {
			// The worktree may survive a previous planning attempt.
			if _, statErr := os.Stat(worktree); statErr != nil {
				s.log.Warn("git worktree add failed, using stub path", "worktree", worktree, "error", err)
			}
		}
	} else {
		s.log.Warn("git or repository unavailable, using stub worktree", "path", worktree)
	}

	if err := os.MkdirAll(protocolRoot, 0o755); err != nil {
		return "", "", fmt.Errorf("create protocol root: %w", err)
	}
	return worktree, protocolRoot, nil
}

// seedPlanArtifacts writes the plan/context/log skeleton that both the
// planning engine and later QA prompts build on.
func (s *Service) seedPlanArtifacts(protocolRoot string, run *protocol.Run) error {
	files := map[string]string{
		"plan.md":    fmt.Sprintf("# %s\n\n%s\n", run.ProtocolName, run.Description),
		"context.md": fmt.Sprintf("Base branch: %s\n", run.BaseBranch),
		"log.md":     "# Protocol log\n",
	}
	for name, content := range files {
		path := filepath.Join(protocolRoot, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return nil
}

// invokePlanner runs the default engine in plan mode against the
// worktree. Failures are logged; the scaffold fallback covers them.
func (s *Service) invokePlanner(ctx context.Context, run *protocol.Run, worktree, protocolRoot string) {
	eng, err := s.engines.Default()
	if err != nil {
		s.log.Warn("no planning engine registered", "error", err)
		return
	}
	if err := eng.CheckAvailability(ctx); err != nil {
		s.log.Warn("planning engine unavailable", "engine", eng.Metadata().ID, "error", err)
		return
	}

	promptPath := filepath.Join(protocolRoot, "planning-prompt.md")
	prompt := planningPrompt + "\nProtocol directory: " + protocolRoot + "\n\n" + run.Description + "\n"
	if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
		s.log.Warn("write planning prompt", "error", err)
		return
	}

	res, err := eng.Plan(ctx, engine.Request{
		ProjectID:     run.ProjectID,
		ProtocolRunID: run.ID,
		PromptFiles:   []string{promptPath},
		WorkingDir:    worktree,
	})
	if err != nil {
		s.log.Warn("planning engine failed", "engine", eng.Metadata().ID, "error", err)
		return
	}
	if res.Stdout != "" {
		_ = os.WriteFile(filepath.Join(protocolRoot, "planning-output.md"), []byte(res.Stdout), 0o644)
	}
}

func writeScaffold(protocolRoot string) error {
	for name, content := range defaultStepFiles {
		if err := os.WriteFile(filepath.Join(protocolRoot, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write scaffold step %s: %w", name, err)
		}
	}
	return nil
}

// checkSpecCycles rejects plans whose dependency graph is cyclic.
func checkSpecCycles(ps *spec.ProtocolSpec) error {
	stubs := make([]step.Run, len(ps.Steps))
	for i, st := range ps.Steps {
		stubs[i] = step.Run{
			ID:        int64(i + 1),
			StepName:  st.Name,
			StepIndex: st.Order,
			DependsOn: st.DependsOn,
		}
	}
	g, err := dag.Build(stubs)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if cycles := g.TarjanSCC(); len(cycles) > 0 {
		return fmt.Errorf("%w: dependency cycle %v", domain.ErrValidation, cycles[0])
	}
	return nil
}

// failPlanning moves the protocol to failed and records planning_failed.
// The returned error is nil for validation failures (no point retrying)
// and the original error otherwise.
func (s *Service) failPlanning(ctx context.Context, protocolRunID int64, cause error) error {
	if _, err := s.store.UpdateProtocolStatus(ctx, protocolRunID, protocol.StatusFailed); err != nil {
		s.log.Error("mark planning failed", "protocol_run_id", protocolRunID, "error", err)
	}
	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &protocolRunID,
		EventType:     event.TypePlanningFailed,
		Message:       "planning failed: " + cause.Error(),
		Metadata:      metaJSON(map[string]any{"error": cause.Error()}),
	})
	if errors.Is(cause, domain.ErrValidation) {
		return nil
	}
	return cause
}
