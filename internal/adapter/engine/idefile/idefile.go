// Package idefile implements the engine port for IDE agents driven by
// command files (Cursor and compatible). The adapter writes a JSON
// command file into the workspace, then polls for a result file with
// the same stem and a .result.json extension until the request timeout.
package idefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
)

const (
	// pollInterval bounds how often the result file is checked. Never
	// below one second: the IDE side writes slowly.
	pollInterval = time.Second

	defaultTimeout = 10 * time.Minute
)

// Command is the wire format of one instruction in the command file.
type Command struct {
	CommandType string         `json:"command_type"`
	Target      string         `json:"target,omitempty"`
	Instruction string         `json:"instruction"`
	Context     string         `json:"context,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// commandFile is the on-disk envelope the IDE watcher consumes.
type commandFile struct {
	Commands      []Command      `json:"commands"`
	ProjectID     int64          `json:"project_id"`
	ProtocolRunID int64          `json:"protocol_run_id"`
	StepRunID     int64          `json:"step_run_id"`
	CreatedAt     time.Time      `json:"created_at"`
	Sandbox       string         `json:"sandbox"`
	Model         string         `json:"model,omitempty"`
	TimeoutSecs   int            `json:"timeout_seconds,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// resultFile is the on-disk result the IDE watcher produces.
type resultFile struct {
	Success      bool   `json:"success"`
	Stdout       string `json:"stdout,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	Error        string `json:"error,omitempty"`
	Changes      []any  `json:"changes,omitempty"`
	Suggestions  []any  `json:"suggestions,omitempty"`
	ChatResponse string `json:"chat_response,omitempty"`
}

// Engine is an IDE command-file engine adapter.
type Engine struct {
	id           string
	displayName  string
	projectName  string
	defaultModel string
}

// New creates an IDE-file engine. projectName becomes part of the
// command file stem so multiple projects can share a workspace.
func New(id, displayName, projectName, defaultModel string) *Engine {
	return &Engine{id: id, displayName: displayName, projectName: projectName, defaultModel: defaultModel}
}

func (e *Engine) Metadata() engine.Metadata {
	return engine.Metadata{
		ID:           e.id,
		DisplayName:  e.displayName,
		Kind:         engine.KindIDE,
		DefaultModel: e.defaultModel,
		Capabilities: []string{"plan", "execute", "qa"},
		Description:  "IDE command-file agent",
	}
}

func (e *Engine) Plan(ctx context.Context, req engine.Request) (*engine.Result, error) {
	req.Sandbox = engine.SandboxFullAccess
	return e.roundTrip(ctx, "plan", req)
}

func (e *Engine) Execute(ctx context.Context, req engine.Request) (*engine.Result, error) {
	req.Sandbox = engine.SandboxWorkspaceWrite
	return e.roundTrip(ctx, "execute", req)
}

func (e *Engine) QA(ctx context.Context, req engine.Request) (*engine.Result, error) {
	req.Sandbox = engine.SandboxReadOnly
	return e.roundTrip(ctx, "qa", req)
}

// CheckAvailability only needs a writable workspace, checked per call;
// the IDE watcher is external and cannot be probed from here.
func (e *Engine) CheckAvailability(context.Context) error {
	return nil
}

func (e *Engine) roundTrip(ctx context.Context, kind string, req engine.Request) (*engine.Result, error) {
	if req.WorkingDir == "" {
		return nil, fmt.Errorf("engine %s: working_dir is required: %w", e.id, domain.ErrValidation)
	}

	instruction, err := readPrompts(req.PromptFiles)
	if err != nil {
		return nil, err
	}

	stem := fmt.Sprintf("cmd-%s-%d-%d", e.projectName, req.ProtocolRunID, req.StepRunID)
	cmdPath := filepath.Join(req.WorkingDir, stem+".json")
	resultPath := filepath.Join(req.WorkingDir, stem+".result.json")

	model := req.Model
	if model == "" {
		model = e.defaultModel
	}
	cf := commandFile{
		Commands: []Command{{
			CommandType: kind,
			Instruction: instruction,
		}},
		ProjectID:     req.ProjectID,
		ProtocolRunID: req.ProtocolRunID,
		StepRunID:     req.StepRunID,
		CreatedAt:     time.Now().UTC(),
		Sandbox:       string(req.Sandbox),
		Model:         model,
		TimeoutSecs:   req.TimeoutSecs,
		Metadata:      req.Extra,
	}

	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("engine %s: marshal command file: %w", e.id, err)
	}
	// Stale files from a crashed earlier attempt would be read as this
	// attempt's result.
	_ = os.Remove(resultPath)
	if err := os.WriteFile(cmdPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("engine %s: write command file: %w", e.id, err)
	}
	defer func() { _ = os.Remove(cmdPath) }()

	timeout := defaultTimeout
	if req.TimeoutSecs > 0 {
		timeout = time.Duration(req.TimeoutSecs) * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("engine %s %s: %w", e.id, kind, ctx.Err())
		case <-deadline.C:
			return nil, fmt.Errorf("engine %s %s: no result after %s: %w", e.id, kind, timeout, domain.ErrTimeout)
		case <-tick.C:
			res, ok, err := readResult(resultPath)
			if err != nil {
				return nil, fmt.Errorf("engine %s: %w", e.id, err)
			}
			if !ok {
				continue
			}
			_ = os.Remove(resultPath)
			return toEngineResult(res), nil
		}
	}
}

func readResult(path string) (*resultFile, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path built from workspace stem
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read result file: %w", err)
	}
	var res resultFile
	if err := json.Unmarshal(data, &res); err != nil {
		// Partially written file; poll again next tick.
		return nil, false, nil //nolint:nilerr // partial writes are expected
	}
	return &res, true, nil
}

func toEngineResult(res *resultFile) *engine.Result {
	stdout := res.Stdout
	if stdout == "" {
		stdout = res.ChatResponse
	}
	return &engine.Result{
		Success: res.Success,
		Stdout:  stdout,
		Stderr:  res.Stderr,
		Error:   res.Error,
		Metadata: map[string]any{
			"changes":     len(res.Changes),
			"suggestions": len(res.Suggestions),
		},
	}
}

func readPrompts(paths []string) (string, error) {
	var sb strings.Builder
	for _, p := range paths {
		data, err := os.ReadFile(p) //nolint:gosec // prompt paths are resolved by the spec resolver
		if err != nil {
			return "", fmt.Errorf("read prompt %s: %w", p, err)
		}
		sb.Write(data)
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteByte('\n')
		}
	}
	return sb.String(), nil
}
