package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/enginerun"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/domain/policy"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/spec"
	"github.com/devgodzilla/devgodzilla/internal/domain/step"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
)

// ExecuteStep handles execute_step jobs. Validation and policy failures
// settle the step in-handler and return nil; only retryable engine and
// storage failures propagate so the queue can back off and redeliver.
func (s *Service) ExecuteStep(ctx context.Context, stepRunID int64) error {
	st, err := s.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return err
	}
	run, err := s.store.GetProtocolRun(ctx, st.ProtocolRunID)
	if err != nil {
		return err
	}
	proj, err := s.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return err
	}

	if run.Status == protocol.StatusCancelled {
		s.cancelStep(ctx, st)
		return nil
	}

	switch st.Status {
	case step.StatusPending:
	case step.StatusFailed:
		// Retry path: failed steps re-enter through pending.
		if st, err = s.store.UpdateStepStatus(ctx, st.ID, step.StatusPending, ""); err != nil {
			return err
		}
	default:
		s.log.Warn("execute rejected: step not runnable", "step_run_id", st.ID, "status", st.Status)
		return nil
	}

	if st, err = s.store.UpdateStepStatus(ctx, st.ID, step.StatusRunning, ""); err != nil {
		return err
	}
	if run.Status != protocol.StatusPaused && run.Status != protocol.StatusBlocked &&
		run.Status != protocol.StatusRunning {
		if run.Status.CanTransitionTo(protocol.StatusRunning) {
			if run, err = s.store.UpdateProtocolStatus(ctx, run.ID, protocol.StatusRunning); err != nil {
				return err
			}
		}
	}
	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &run.ID,
		StepRunID:     &st.ID,
		EventType:     event.TypeStepStarted,
		Message:       fmt.Sprintf("executing step %s", st.StepName),
	})

	ps, err := protocolSpecOf(run)
	if err != nil {
		return s.failStepValidation(ctx, run, st, err)
	}
	stepSpec, err := stepSpecOf(ps, st.StepName)
	if err != nil {
		return s.failStepValidation(ctx, run, st, err)
	}
	if errs := spec.Validate(run.ProtocolRoot, &spec.ProtocolSpec{Steps: []spec.StepSpec{*stepSpec}}); len(errs) > 0 {
		return s.failStepValidation(ctx, run, st, errs[0])
	}

	res, err := spec.ResolveStep(stepSpec, run.ProtocolRoot, run.WorktreePath, ps, s.engines.DefaultID())
	if err != nil {
		return s.failStepValidation(ctx, run, st, err)
	}

	blocked, err := s.enforcePolicy(ctx, run, st, proj, res.PromptPath)
	if err != nil {
		return err
	}
	if blocked {
		return nil
	}
	if blocked, err = s.enforceClarifications(ctx, run, st, proj); err != nil {
		return err
	} else if blocked {
		return nil
	}

	// Cancellation boundary: last check before spawning the engine.
	if cancelled, err := s.cancelRequested(ctx, run.ID); err != nil {
		return err
	} else if cancelled {
		s.cancelStep(ctx, st)
		return nil
	}

	eng, err := s.engineFor(res.EngineID)
	if err != nil {
		return s.failStepValidation(ctx, run, st, err)
	}
	if err := s.store.UpdateStepAssignment(ctx, st.ID, res.EngineID, res.Model, eng.Metadata().DisplayName); err != nil {
		return err
	}

	result, execErr := s.invokeEngine(ctx, eng, "execute_step", run, st, res, s.secretEnv(proj))
	if execErr != nil || result == nil || !result.Success {
		return s.failStepExecution(ctx, run, st, result, execErr)
	}

	outputs, err := writeStepOutputs(res, result.Stdout)
	if err != nil {
		return s.failStepExecution(ctx, run, st, result, err)
	}

	next := step.StatusCompleted
	if res.QA.Policy == spec.QAFull {
		next = step.StatusNeedsQA
	}
	if st, err = s.store.UpdateStepStatus(ctx, st.ID, next, firstLine(result.Stdout)); err != nil {
		return err
	}
	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &run.ID,
		StepRunID:     &st.ID,
		EventType:     event.TypeStepCompleted,
		Message:       fmt.Sprintf("step %s finished execution", st.StepName),
		Metadata: metaJSON(map[string]any{
			"outputs":         outputs,
			"prompt_versions": map[string]string{stepSpec.Name: res.PromptVersion},
			"status":          string(next),
		}),
	})

	if next == step.StatusNeedsQA {
		if s.cfg.Worker.AutoQAAfterExec {
			if err := s.enqueue(ctx, job.TypeRunQuality, job.RunQualityPayload{StepRunID: st.ID}); err != nil {
				s.log.Error("enqueue run_quality", "step_run_id", st.ID, "error", err)
			}
		}
		return nil
	}
	return s.scheduleNext(ctx, run)
}

// enforcePolicy evaluates findings for the step. Returns blocked=true
// when a block-severity finding stops execution before the engine runs.
func (s *Service) enforcePolicy(ctx context.Context, run *protocol.Run, st *step.Run, proj *project.Project, promptPath string) (bool, error) {
	eff, err := s.effectivePolicyOf(ctx, run, proj)
	if err != nil {
		if domain.Retryable(err) {
			return false, err
		}
		s.log.Warn("policy resolution failed, continuing unguarded", "protocol_run_id", run.ID, "error", err)
		return false, nil
	}
	if eff == nil {
		return false, nil
	}

	markdown := ""
	if data, err := os.ReadFile(promptPath); err == nil {
		markdown = string(data)
	}

	ev := policy.NewEvaluator(eff, proj.PolicyEnforcementMode)
	findings := ev.FindingsForStep(st, run, proj, markdown)

	var blocking []policy.Finding
	for _, f := range findings {
		if f.Severity == policy.SeverityBlock {
			blocking = append(blocking, f)
		}
	}
	if len(blocking) == 0 {
		return false, nil
	}

	if _, err := s.store.UpdateStepStatus(ctx, st.ID, step.StatusBlocked, blocking[0].Message); err != nil {
		return false, err
	}
	codes := make([]string, len(blocking))
	for i, f := range blocking {
		codes[i] = f.Code
	}
	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &run.ID,
		StepRunID:     &st.ID,
		EventType:     event.TypePolicyBlocked,
		Message:       fmt.Sprintf("step %s blocked by policy: %s", st.StepName, blocking[0].Message),
		Metadata:      metaJSON(map[string]any{"codes": codes, "findings": blocking}),
	})
	return true, nil
}

// invokeEngine runs one engine verb with a persisted execution record
// and filesystem artifacts. The record outlives the process; the
// tracker ring inside the adapter covers live streaming.
func (s *Service) invokeEngine(ctx context.Context, eng engine.Engine, jobType string,
	run *protocol.Run, st *step.Run, res *spec.StepResolution, extra map[string]any) (*engine.Result, error) {

	artDir, err := artifactsDir(run.ProtocolRoot, st.ID)
	if err != nil {
		return nil, err
	}

	rec := &enginerun.Run{
		RunID:         newRunID(),
		JobType:       jobType,
		RunKind:       string(eng.Metadata().Kind),
		Status:        enginerun.StatusQueued,
		ProjectID:     &run.ProjectID,
		ProtocolRunID: &run.ID,
		StepRunID:     &st.ID,
		Queue:         s.cfg.Worker.Queue,
		Attempt:       st.Retries + 1,
		PromptVersion: res.PromptVersion,
		LogPath:       filepath.Join(artDir, "stdout.log"),
	}
	if _, err := s.store.CreateEngineRun(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.store.UpdateEngineRunStatus(ctx, rec.RunID, enginerun.StatusRunning, s.workerID); err != nil {
		return nil, err
	}

	req := engine.Request{
		ProjectID:     run.ProjectID,
		ProtocolRunID: run.ID,
		StepRunID:     st.ID,
		Model:         res.Model,
		PromptFiles:   []string{res.PromptPath},
		WorkingDir:    res.Workdir,
		Extra:         extra,
	}

	var result *engine.Result
	var execErr error
	switch jobType {
	case "run_quality":
		result, execErr = eng.QA(ctx, req)
	default:
		result, execErr = eng.Execute(ctx, req)
	}

	s.finishEngineRun(ctx, rec.RunID, result, execErr)
	s.writeExecutionArtifacts(artDir, req, result, execErr)
	return result, execErr
}

func (s *Service) finishEngineRun(ctx context.Context, runID string, result *engine.Result, execErr error) {
	status := enginerun.StatusSucceeded
	errMsg := ""
	var resJSON []byte
	var tokens *int64
	if result != nil {
		resJSON, _ = json.Marshal(result)
		if result.TokensUsed > 0 {
			tokens = &result.TokensUsed
		}
	}
	if execErr != nil || result == nil || !result.Success {
		status = enginerun.StatusFailed
		if execErr != nil {
			errMsg = execErr.Error()
		} else if result != nil {
			errMsg = result.Error
		}
	}
	if err := s.store.FinishEngineRun(ctx, runID, status, resJSON, errMsg, tokens, nil); err != nil {
		s.log.Warn("finish engine run", "run_id", runID, "error", err)
	}
}

// writeExecutionArtifacts persists execution.json and stdout.log next
// to the step's other artifacts. Failures are logged only.
func (s *Service) writeExecutionArtifacts(dir string, req engine.Request, result *engine.Result, execErr error) {
	record := map[string]any{
		"request":     req,
		"finished_at": time.Now().UTC().Format(time.RFC3339),
	}
	if result != nil {
		record["result"] = result
	}
	if execErr != nil {
		record["error"] = execErr.Error()
	}
	if data, err := json.MarshalIndent(record, "", "  "); err == nil {
		if err := os.WriteFile(filepath.Join(dir, "execution.json"), data, 0o644); err != nil {
			s.log.Warn("write execution.json", "error", err)
		}
	}
	if result != nil {
		if err := os.WriteFile(filepath.Join(dir, "stdout.log"), []byte(result.Stdout), 0o644); err != nil {
			s.log.Warn("write stdout.log", "error", err)
		}
	}
}

// writeStepOutputs materializes the declared outputs from the engine's
// stdout. Files the engine already wrote are left alone.
func writeStepOutputs(res *spec.StepResolution, stdout string) ([]string, error) {
	var written []string
	write := func(path string) error {
		if _, err := os.Stat(path); err == nil {
			written = append(written, path)
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(stdout), 0o644); err != nil {
			return fmt.Errorf("write output %s: %w", path, err)
		}
		written = append(written, path)
		return nil
	}

	if res.OutputPath != "" {
		if err := write(res.OutputPath); err != nil {
			return written, err
		}
	}
	for _, path := range res.AuxOutputs {
		if err := write(path); err != nil {
			return written, err
		}
	}
	return written, nil
}

// secretEnv decrypts the project's stored secrets into the engine env
// block. Decryption failures degrade to no env, never a step failure.
func (s *Service) secretEnv(proj *project.Project) map[string]any {
	if len(proj.SecretsEnc) == 0 {
		return nil
	}
	values, err := s.box.OpenMap(proj.SecretsEnc)
	if err != nil {
		s.log.Warn("decrypt project secrets", "project_id", proj.ID, "error", err)
		return nil
	}
	return map[string]any{"env": values}
}

// failStepValidation settles a non-retryable spec failure.
func (s *Service) failStepValidation(ctx context.Context, run *protocol.Run, st *step.Run, cause error) error {
	if _, err := s.store.UpdateStepStatus(ctx, st.ID, step.StatusFailed, cause.Error()); err != nil {
		return err
	}
	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &run.ID,
		StepRunID:     &st.ID,
		EventType:     event.TypeSpecInvalid,
		Message:       fmt.Sprintf("step %s failed validation: %v", st.StepName, cause),
		Metadata:      metaJSON(map[string]any{"error": cause.Error()}),
	})
	return nil
}

// failStepExecution settles an engine failure: bump retries, mark the
// step failed, and propagate the error only while retries remain.
func (s *Service) failStepExecution(ctx context.Context, run *protocol.Run, st *step.Run, result *engine.Result, cause error) error {
	retries, err := s.store.IncrementStepRetries(ctx, st.ID)
	if err != nil {
		return err
	}
	summary := "engine failure"
	if cause != nil {
		summary = cause.Error()
	} else if result != nil && result.Error != "" {
		summary = result.Error
	}

	retryable := cause == nil || domain.Retryable(cause) || errors.Is(cause, domain.ErrEngineFailure)
	if retryable && retries < s.cfg.Worker.MaxStepRetries {
		// Execution retries re-enter through failed -> pending. A QA
		// retry re-reviews the step, so it must stay in needs_qa for
		// the redelivered job to pick it up.
		if st.Status != step.StatusNeedsQA {
			if _, err := s.store.UpdateStepStatus(ctx, st.ID, step.StatusFailed, summary); err != nil {
				return err
			}
		}
		if cause == nil {
			cause = fmt.Errorf("step %s: %s: %w", st.StepName, summary, domain.ErrEngineFailure)
		}
		return cause
	}

	if _, err := s.store.UpdateStepStatus(ctx, st.ID, step.StatusFailed, summary); err != nil {
		return err
	}

	s.appendEvent(ctx, event.Event{
		ProtocolRunID: &run.ID,
		StepRunID:     &st.ID,
		EventType:     event.TypeStepFailed,
		Message:       fmt.Sprintf("step %s failed after %d retries: %s", st.StepName, retries, summary),
		Metadata:      metaJSON(map[string]any{"retries": retries, "error": summary}),
	})
	if run.Status == protocol.StatusRunning {
		if _, err := s.store.UpdateProtocolStatus(ctx, run.ID, protocol.StatusBlocked); err != nil {
			s.log.Warn("block protocol after step failure", "protocol_run_id", run.ID, "error", err)
		}
	}
	return nil
}

func firstLine(text string) string {
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			return text[:i]
		}
	}
	if len(text) > 200 {
		return text[:200]
	}
	return text
}
