package spec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/step"
)

// StepResolution carries everything an engine invocation needs for one
// step: absolute paths, content fingerprints, and the QA block.
type StepResolution struct {
	PromptPath    string            `json:"prompt_path"`
	OutputPath    string            `json:"output_path,omitempty"`
	AuxOutputs    map[string]string `json:"aux_outputs,omitempty"`
	PromptVersion string            `json:"prompt_version"`
	SpecHash      string            `json:"spec_hash"`
	EngineID      string            `json:"engine_id"`
	Model         string            `json:"model,omitempty"`
	QA            QASpec            `json:"qa"`
	Workdir       string            `json:"workdir"`
}

// ResolveStep resolves one step against the protocol root and workspace.
// Prompt and spec fingerprints are 12 hex chars of SHA-256.
func ResolveStep(stepSpec *StepSpec, protocolRoot, workspaceRoot string, protocolSpec *ProtocolSpec, defaultEngineID string) (*StepResolution, error) {
	promptPath := stepSpec.PromptRef
	if !filepath.IsAbs(promptPath) {
		promptPath = filepath.Join(protocolRoot, promptPath)
	}

	promptVersion, err := FingerprintFile(promptPath)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve prompt for step %s: %v", domain.ErrValidation, stepSpec.Name, err)
	}

	specHash, err := Fingerprint(protocolSpec)
	if err != nil {
		return nil, err
	}

	engineID := stepSpec.EngineID
	if engineID == "" {
		engineID = defaultEngineID
	}

	res := &StepResolution{
		PromptPath:    promptPath,
		PromptVersion: promptVersion,
		SpecHash:      specHash,
		EngineID:      engineID,
		Model:         stepSpec.Model,
		QA:            stepSpec.QA,
		Workdir:       workspaceRoot,
	}

	if stepSpec.Outputs.Protocol != "" {
		res.OutputPath = absUnder(protocolRoot, stepSpec.Outputs.Protocol)
	}
	if len(stepSpec.Outputs.Aux) > 0 {
		res.AuxOutputs = make(map[string]string, len(stepSpec.Outputs.Aux))
		for name, path := range stepSpec.Outputs.Aux {
			res.AuxOutputs[name] = absUnder(protocolRoot, path)
		}
	}

	return res, nil
}

// StepCreator is the minimal store surface needed to persist planned steps.
type StepCreator interface {
	CreateStepRun(ctx context.Context, req step.CreateRequest) (*step.Run, error)
	ListStepRuns(ctx context.Context, protocolRunID int64) ([]step.Run, error)
}

// CreateStepRuns writes one StepRun per spec entry. Steps whose names
// already exist on the run are skipped, making planning idempotent.
func CreateStepRuns(ctx context.Context, store StepCreator, protocolRunID int64, protocolSpec *ProtocolSpec) ([]step.Run, error) {
	existing, err := store.ListStepRuns(ctx, protocolRunID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s.StepName] = true
	}

	var created []step.Run
	for _, s := range protocolSpec.Steps {
		if seen[s.Name] {
			continue
		}
		run, err := store.CreateStepRun(ctx, step.CreateRequest{
			ProtocolRunID: protocolRunID,
			StepIndex:     s.Order,
			StepName:      s.Name,
			StepType:      s.StepType,
			Status:        step.StatusPending,
			Model:         s.Model,
			EngineID:      s.EngineID,
			DependsOn:     s.DependsOn,
		})
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return nil, err
		}
		created = append(created, *run)
	}
	return created, nil
}

// FingerprintFile returns the 12-hex-char SHA-256 fingerprint of a file's bytes.
func FingerprintFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return FingerprintBytes(data), nil
}

// Fingerprint returns the 12-hex-char fingerprint of a spec's canonical JSON.
func Fingerprint(protocolSpec *ProtocolSpec) (string, error) {
	raw, err := json.Marshal(protocolSpec)
	if err != nil {
		return "", fmt.Errorf("marshal spec: %w", err)
	}
	return FingerprintBytes(raw), nil
}

// FingerprintBytes returns the first 12 hex chars of SHA-256(data).
func FingerprintBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

func absUnder(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
