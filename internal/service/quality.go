package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/spec"
	"github.com/devgodzilla/devgodzilla/internal/domain/step"
)

// qaSystemPrompt frames every QA review. The verdict contract is the
// last line of the reviewer's output.
const qaSystemPrompt = `You are a strict reviewer for automated coding work.
Review the step output below against the plan and the step instructions.
Check the git status and the last commit for evidence the work was done.
End your review with exactly one line: "VERDICT: PASS" or "VERDICT: FAIL".
`

// RunQuality handles run_quality jobs: QA prompt assembly, read-only
// engine review, and verdict application.
func (s *Service) RunQuality(ctx context.Context, stepRunID int64, gates []string) error {
	st, err := s.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return err
	}
	run, err := s.store.GetProtocolRun(ctx, st.ProtocolRunID)
	if err != nil {
		return err
	}

	if run.Status == protocol.StatusCancelled {
		if st.Status == step.StatusNeedsQA || st.Status == step.StatusRunning {
			s.cancelStep(ctx, st)
		}
		return nil
	}
	if st.Status != step.StatusNeedsQA && st.Status != step.StatusRunning {
		s.log.Warn("qa rejected: step not reviewable", "step_run_id", st.ID, "status", st.Status)
		return nil
	}

	ps, err := protocolSpecOf(run)
	if err != nil {
		return s.failStepValidation(ctx, run, st, err)
	}
	stepSpec, err := stepSpecOf(ps, st.StepName)
	if err != nil {
		return s.failStepValidation(ctx, run, st, err)
	}

	if stepSpec.QA.Policy == spec.QASkip {
		if _, err := s.store.UpdateStepStatus(ctx, st.ID, step.StatusCompleted, "qa skipped"); err != nil {
			return err
		}
		s.appendEvent(ctx, event.Event{
			ProtocolRunID: &run.ID,
			StepRunID:     &st.ID,
			EventType:     event.TypeQASkipped,
			Message:       fmt.Sprintf("qa skipped for step %s", st.StepName),
		})
		return s.scheduleNext(ctx, run)
	}

	res, err := spec.ResolveStep(stepSpec, run.ProtocolRoot, run.WorktreePath, ps, s.engines.DefaultID())
	if err != nil {
		return s.failStepValidation(ctx, run, st, err)
	}
	if stepSpec.QA.Model != "" {
		res.Model = stepSpec.QA.Model
	}

	promptPath, err := s.buildQAPrompt(ctx, run, st, res, gates)
	if err != nil {
		return s.failStepValidation(ctx, run, st, err)
	}
	res.PromptPath = promptPath

	eng, err := s.engineFor(res.EngineID)
	if err != nil {
		return s.failStepValidation(ctx, run, st, err)
	}

	// QA reviews run read-only and never need project secrets.
	result, execErr := s.invokeEngine(ctx, eng, "run_quality", run, st, res, nil)
	if execErr != nil || result == nil || !result.Success {
		return s.failStepExecution(ctx, run, st, result, execErr)
	}

	if VerdictFailed(result.Stdout) {
		return s.applyQAFail(ctx, run, st, result.Stdout)
	}
	return s.applyQAPass(ctx, run, st)
}

func (s *Service) applyQAPass(ctx context.Context, run *protocol.Run, st *step.Run) error {
	if _, err := s.store.UpdateStepStatus(ctx, st.ID, step.StatusCompleted, "qa passed"); err != nil {
		return err
	}
	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &run.ID,
		StepRunID:     &st.ID,
		EventType:     event.TypeQAPassed,
		Message:       fmt.Sprintf("qa passed for step %s", st.StepName),
	})
	return s.scheduleNext(ctx, run)
}

func (s *Service) applyQAFail(ctx context.Context, run *protocol.Run, st *step.Run, review string) error {
	if _, err := s.store.UpdateStepStatus(ctx, st.ID, step.StatusFailed, "qa failed"); err != nil {
		return err
	}

	report := fmt.Sprintf("# Quality report: %s\n\nGenerated: %s\n\n%s\n",
		st.StepName, time.Now().UTC().Format(time.RFC3339), review)
	reportPath := filepath.Join(run.ProtocolRoot, "quality-report.md")
	if err := os.WriteFile(reportPath, []byte(report), 0o644); err != nil {
		s.log.Warn("write quality report", "path", reportPath, "error", err)
	}

	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &run.ID,
		StepRunID:     &st.ID,
		EventType:     event.TypeQAFailed,
		Message:       fmt.Sprintf("qa failed for step %s", st.StepName),
		Metadata:      metaJSON(map[string]any{"report": reportPath}),
	})

	if run.Status.CanTransitionTo(protocol.StatusBlocked) {
		if _, err := s.store.UpdateProtocolStatus(ctx, run.ID, protocol.StatusBlocked); err != nil {
			s.log.Warn("block protocol after qa failure", "protocol_run_id", run.ID, "error", err)
		}
	}
	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &run.ID,
		EventType:     event.TypeProtocolBlocked,
		Message:       fmt.Sprintf("protocol blocked: qa failed on step %s", st.StepName),
	})
	return nil
}

// buildQAPrompt assembles the review prompt: system framing, plan,
// context, step instructions, git status, last commit.
func (s *Service) buildQAPrompt(ctx context.Context, run *protocol.Run, st *step.Run, res *spec.StepResolution, gates []string) (string, error) {
	var sb strings.Builder
	sb.WriteString(qaSystemPrompt)
	sb.WriteString("\n")

	appendFile := func(title, path string) {
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", title, strings.TrimSpace(string(data)))
	}
	appendFile("Plan", filepath.Join(run.ProtocolRoot, "plan.md"))
	appendFile("Context", filepath.Join(run.ProtocolRoot, "context.md"))
	appendFile("Step instructions", res.PromptPath)
	if res.OutputPath != "" {
		appendFile("Step output", res.OutputPath)
	}

	if s.git != nil && run.WorktreePath != "" && s.git.IsRepo(ctx, run.WorktreePath) {
		if status, err := s.git.StatusPorcelain(ctx, run.WorktreePath); err == nil {
			fmt.Fprintf(&sb, "## Git status\n\n```\n%s```\n\n", status)
		}
		if msg, err := s.git.LastCommitMessage(ctx, run.WorktreePath); err == nil {
			fmt.Fprintf(&sb, "## Last commit\n\n%s\n\n", msg)
		}
	}
	if len(gates) > 0 {
		fmt.Fprintf(&sb, "## Required gates\n\n%s\n", strings.Join(gates, "\n"))
	}

	dir, err := artifactsDir(run.ProtocolRoot, st.ID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "qa-prompt.md")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("write qa prompt: %w", err)
	}
	return path, nil
}

// VerdictFailed parses a QA review. "VERDICT: FAIL" on any line fails;
// so does a trailing line that starts with VERDICT and contains FAIL.
// Everything else passes.
func VerdictFailed(review string) bool {
	lines := strings.Split(review, "\n")
	for _, line := range lines {
		if strings.Contains(line, "VERDICT: FAIL") {
			return true
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		return strings.HasPrefix(trimmed, "VERDICT") && strings.Contains(trimmed, "FAIL")
	}
	return false
}
