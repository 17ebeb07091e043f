// Package cli implements the engine port for command-line coding agents
// (codex, opencode, cursor-agent and compatible binaries). The adapter
// spawns the agent as a child process, feeds the prompt through a file
// argument or stdin, streams output lines into the execution tracker,
// and enforces the sandbox via adapter flags.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
	"github.com/devgodzilla/devgodzilla/internal/tracker"
)

const (
	// termGrace is how long a child gets after SIGTERM before SIGKILL.
	termGrace = 5 * time.Second

	defaultTimeout = 30 * time.Minute
)

// Config describes one CLI engine binary.
type Config struct {
	ID           string
	DisplayName  string
	Binary       string
	BaseArgs     []string
	DefaultModel string
	// ModelFlag names the flag carrying the model (empty disables it).
	ModelFlag string
	// SandboxFlag names the flag carrying the sandbox level (empty
	// disables it; the binary is then trusted to honor the working dir).
	SandboxFlag string
	// PromptViaStdin feeds the concatenated prompt on stdin instead of
	// passing prompt file paths as arguments.
	PromptViaStdin bool
	// ChunkTimeout bounds one attempt; the overall request timeout is
	// the retry budget. Zero disables chunking.
	ChunkTimeout time.Duration
}

// Engine is a CLI-backed engine adapter.
type Engine struct {
	cfg Config
	trk *tracker.Tracker
}

// New creates a CLI engine. A nil tracker falls back to the process-wide one.
func New(cfg Config, trk *tracker.Tracker) *Engine {
	if trk == nil {
		trk = tracker.Default()
	}
	return &Engine{cfg: cfg, trk: trk}
}

func (e *Engine) Metadata() engine.Metadata {
	return engine.Metadata{
		ID:           e.cfg.ID,
		DisplayName:  e.cfg.DisplayName,
		Kind:         engine.KindCLI,
		DefaultModel: e.cfg.DefaultModel,
		Capabilities: []string{"plan", "execute", "qa"},
		Description:  fmt.Sprintf("CLI agent %s", e.cfg.Binary),
	}
}

func (e *Engine) Plan(ctx context.Context, req engine.Request) (*engine.Result, error) {
	req.Sandbox = engine.SandboxFullAccess
	return e.run(ctx, "plan", req)
}

func (e *Engine) Execute(ctx context.Context, req engine.Request) (*engine.Result, error) {
	req.Sandbox = engine.SandboxWorkspaceWrite
	return e.run(ctx, "execute", req)
}

func (e *Engine) QA(ctx context.Context, req engine.Request) (*engine.Result, error) {
	req.Sandbox = engine.SandboxReadOnly
	return e.run(ctx, "qa", req)
}

// CheckAvailability verifies the binary is on PATH.
func (e *Engine) CheckAvailability(context.Context) error {
	if _, err := exec.LookPath(e.cfg.Binary); err != nil {
		return fmt.Errorf("engine %s: binary %q not found: %w", e.cfg.ID, e.cfg.Binary, domain.ErrDependency)
	}
	return nil
}

// run executes the binary, retrying timed-out chunks while the overall
// budget lasts. A chunk that produces output resets nothing: the budget
// is wall-clock from the first attempt.
func (e *Engine) run(ctx context.Context, kind string, req engine.Request) (*engine.Result, error) {
	budget := defaultTimeout
	if req.TimeoutSecs > 0 {
		budget = time.Duration(req.TimeoutSecs) * time.Second
	}
	deadline := time.Now().Add(budget)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	attempt := 0
	for {
		attempt++
		res, err := e.runOnce(ctx, kind, req)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("engine %s %s: budget exhausted after %d attempts: %w",
				e.cfg.ID, kind, attempt, domain.ErrTimeout)
		}
		if !isChunkTimeout(err) {
			return nil, err
		}
		// Chunk timed out with budget remaining; retry.
	}
}

type chunkTimeoutError struct{ attemptErr error }

func (e chunkTimeoutError) Error() string { return "chunk timeout: " + e.attemptErr.Error() }
func (e chunkTimeoutError) Unwrap() error { return e.attemptErr }

func isChunkTimeout(err error) bool {
	var cte chunkTimeoutError
	return errors.As(err, &cte)
}

func (e *Engine) runOnce(ctx context.Context, kind string, req engine.Request) (*engine.Result, error) {
	attemptCtx := ctx
	var attemptCancel context.CancelFunc
	if e.cfg.ChunkTimeout > 0 {
		attemptCtx, attemptCancel = context.WithTimeout(ctx, e.cfg.ChunkTimeout)
		defer attemptCancel()
	}

	args := append([]string{}, e.cfg.BaseArgs...)
	model := req.Model
	if model == "" {
		model = e.cfg.DefaultModel
	}
	if e.cfg.ModelFlag != "" && model != "" {
		args = append(args, e.cfg.ModelFlag, model)
	}
	if e.cfg.SandboxFlag != "" && req.Sandbox != "" {
		args = append(args, e.cfg.SandboxFlag, string(req.Sandbox))
	}

	var stdin *bytes.Buffer
	if e.cfg.PromptViaStdin {
		prompt, err := concatFiles(req.PromptFiles)
		if err != nil {
			return nil, err
		}
		stdin = bytes.NewBuffer(prompt)
	} else {
		args = append(args, req.PromptFiles...)
	}

	projectID := req.ProjectID
	exec0 := e.trk.StartExecution(kind, e.cfg.ID, &projectID, map[string]any{
		"protocol_run_id": req.ProtocolRunID,
		"step_run_id":     req.StepRunID,
		"binary":          e.cfg.Binary,
	})

	cmd := exec.Command(e.cfg.Binary, args...) //nolint:gosec // binary comes from operator config
	cmd.Dir = req.WorkingDir
	if env, ok := req.Extra["env"].(map[string]string); ok && len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	// Own process group so the whole child tree can be signalled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if stdin != nil {
		cmd.Stdin = stdin
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine %s: stdout pipe: %w", e.cfg.ID, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine %s: stderr pipe: %w", e.cfg.ID, err)
	}

	if err := cmd.Start(); err != nil {
		e.trk.Complete(exec0.ExecutionID, false, nil, err.Error())
		return nil, fmt.Errorf("engine %s: start %s: %w", e.cfg.ID, e.cfg.Binary, domain.ErrEngineFailure)
	}
	e.trk.SetPID(exec0.ExecutionID, cmd.Process.Pid)

	var stdout, stderr strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stdoutPipe)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			stdout.WriteString(line)
			stdout.WriteByte('\n')
			e.trk.Log(exec0.ExecutionID, "info", line, "stdout")
		}
	}()
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderrPipe)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			stderr.WriteString(line)
			stderr.WriteByte('\n')
			e.trk.Log(exec0.ExecutionID, "warn", line, "stderr")
		}
	}()

	// Terminate the process group on context cancellation: SIGTERM,
	// grace period, then SIGKILL.
	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-attemptCtx.Done():
		timedOut = true
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		select {
		case waitErr = <-done:
		case <-time.After(termGrace):
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			waitErr = <-done
		}
	}

	if timedOut {
		e.trk.Complete(exec0.ExecutionID, false, nil, "timeout")
		if ctx.Err() != nil {
			// Overall budget or caller cancellation, not a retryable chunk.
			return nil, fmt.Errorf("engine %s %s: %w", e.cfg.ID, kind, domain.ErrTimeout)
		}
		return nil, chunkTimeoutError{fmt.Errorf("engine %s %s attempt timed out", e.cfg.ID, kind)}
	}

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		e.trk.Complete(exec0.ExecutionID, false, &exitCode, waitErr.Error())
		return &engine.Result{
			Success:  false,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Error:    waitErr.Error(),
			Metadata: map[string]any{"exit_code": exitCode, "execution_id": exec0.ExecutionID},
		}, fmt.Errorf("engine %s %s: exit %d: %w", e.cfg.ID, kind, exitCode, domain.ErrEngineFailure)
	}

	e.trk.Complete(exec0.ExecutionID, true, &exitCode, "")
	return &engine.Result{
		Success:  true,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Metadata: map[string]any{"exit_code": 0, "execution_id": exec0.ExecutionID},
	}, nil
}

func concatFiles(paths []string) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range paths {
		data, err := os.ReadFile(p) //nolint:gosec // prompt paths are resolved by the spec resolver
		if err != nil {
			return nil, fmt.Errorf("read prompt %s: %w", p, err)
		}
		buf.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}
