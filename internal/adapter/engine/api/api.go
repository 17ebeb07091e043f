// Package api implements the engine port over an OpenAI-compatible
// chat-completion HTTP API (OpenCode server, Copilot proxy and
// compatibles). Prompt files become one user message; the completion
// text is the result's stdout. API engines cannot touch the workspace,
// so the sandbox level is carried for the record only.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
)

const defaultTimeout = 180 * time.Second

// Config describes one API engine endpoint.
type Config struct {
	ID           string
	DisplayName  string
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
	Temperature  float64
}

// Engine is an HTTP API engine adapter.
type Engine struct {
	cfg    Config
	client *http.Client
}

// New creates an API engine.
func New(cfg Config) *Engine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Engine{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (e *Engine) Metadata() engine.Metadata {
	return engine.Metadata{
		ID:           e.cfg.ID,
		DisplayName:  e.cfg.DisplayName,
		Kind:         engine.KindAPI,
		DefaultModel: e.cfg.DefaultModel,
		Capabilities: []string{"plan", "qa"},
		Description:  "OpenAI-compatible chat completion API",
	}
}

func (e *Engine) Plan(ctx context.Context, req engine.Request) (*engine.Result, error) {
	req.Sandbox = engine.SandboxFullAccess
	return e.complete(ctx, req)
}

func (e *Engine) Execute(ctx context.Context, req engine.Request) (*engine.Result, error) {
	req.Sandbox = engine.SandboxWorkspaceWrite
	return e.complete(ctx, req)
}

func (e *Engine) QA(ctx context.Context, req engine.Request) (*engine.Result, error) {
	req.Sandbox = engine.SandboxReadOnly
	return e.complete(ctx, req)
}

// CheckAvailability verifies the endpoint is configured. Reachability is
// only known at call time.
func (e *Engine) CheckAvailability(context.Context) error {
	if e.cfg.BaseURL == "" {
		return fmt.Errorf("engine %s: base url not configured: %w", e.cfg.ID, domain.ErrDependency)
	}
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (e *Engine) complete(ctx context.Context, req engine.Request) (*engine.Result, error) {
	if err := e.CheckAvailability(ctx); err != nil {
		return nil, err
	}

	prompt, err := readPrompts(req.PromptFiles)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = e.cfg.DefaultModel
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: e.cfg.Temperature,
		Stream:      false,
	})
	if err != nil {
		return nil, fmt.Errorf("engine %s: marshal request: %w", e.cfg.ID, err)
	}

	if req.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSecs)*time.Second)
		defer cancel()
	}

	url := strings.TrimSuffix(e.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("engine %s: new request: %w", e.cfg.ID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("engine %s: %w", e.cfg.ID, domain.ErrTimeout)
		}
		return nil, fmt.Errorf("engine %s: %v: %w", e.cfg.ID, err, domain.ErrEngineFailure)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("engine %s: read response: %w", e.cfg.ID, err)
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, fmt.Errorf("engine %s: decode response (status %d): %w", e.cfg.ID, resp.StatusCode, domain.ErrEngineFailure)
	}

	meta := map[string]any{"http_status": resp.StatusCode, "model": model}

	if resp.StatusCode != http.StatusOK || cr.Error != nil {
		errMsg := fmt.Sprintf("http %d", resp.StatusCode)
		if cr.Error != nil {
			errMsg = cr.Error.Message
		}
		return &engine.Result{
			Success:  false,
			Error:    errMsg,
			Metadata: meta,
		}, fmt.Errorf("engine %s: %s: %w", e.cfg.ID, errMsg, domain.ErrEngineFailure)
	}
	if len(cr.Choices) == 0 {
		return &engine.Result{Success: false, Error: "no choices", Metadata: meta},
			fmt.Errorf("engine %s: empty completion: %w", e.cfg.ID, domain.ErrEngineFailure)
	}

	return &engine.Result{
		Success:    true,
		Stdout:     cr.Choices[0].Message.Content,
		TokensUsed: cr.Usage.TotalTokens,
		Metadata:   meta,
	}, nil
}

func readPrompts(paths []string) (string, error) {
	var sb strings.Builder
	for _, p := range paths {
		data, err := os.ReadFile(p) //nolint:gosec // prompt paths are resolved by the spec resolver
		if err != nil {
			return "", fmt.Errorf("read prompt %s: %w", p, err)
		}
		sb.Write(data)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
