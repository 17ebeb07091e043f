// Package policy implements versioned policy packs, the effective-policy
// merge (pack < project overrides < repo-local file), and the finding
// evaluator that can warn or block execution.
package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
)

// PackStatus is the publication state of a policy pack row.
type PackStatus string

const (
	PackActive     PackStatus = "active"
	PackDraft      PackStatus = "draft"
	PackDeprecated PackStatus = "deprecated"
)

// Pack is one versioned policy pack. (key, version) is unique.
type Pack struct {
	ID          int64      `json:"id"`
	Key         string     `json:"key"`
	Version     string     `json:"version"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      PackStatus `json:"status"`
	Document    Document   `json:"pack"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Document is the pack JSON payload.
type Document struct {
	Meta           Meta           `json:"meta"`
	Defaults       map[string]any `json:"defaults,omitempty"`
	Requirements   Requirements   `json:"requirements,omitempty"`
	Clarifications []any          `json:"clarifications,omitempty"`
	Enforcement    Enforcement    `json:"enforcement"`
}

// Meta identifies the pack; it must match the row identity.
type Meta struct {
	Key     string `json:"key"`
	Version string `json:"version"`
	Name    string `json:"name"`
}

// Requirements are structural rules checked against step markdown and
// the protocol file layout.
type Requirements struct {
	StepSections  []string `json:"step_sections,omitempty"`
	ProtocolFiles []string `json:"protocol_files,omitempty"`
}

// Enforcement controls how warnings escalate.
type Enforcement struct {
	Mode       string   `json:"mode"` // "warn" | "block"
	BlockCodes []string `json:"block_codes,omitempty"`
}

// Validate checks pack identity consistency and enum values.
func (p *Pack) Validate() error {
	if p.Key == "" || p.Version == "" {
		return fmt.Errorf("%w: pack key and version are required", domain.ErrValidation)
	}
	if p.Document.Meta.Key != p.Key || p.Document.Meta.Version != p.Version {
		return fmt.Errorf("%w: pack meta (%s@%s) does not match row identity (%s@%s)",
			domain.ErrValidation, p.Document.Meta.Key, p.Document.Meta.Version, p.Key, p.Version)
	}
	switch p.Status {
	case PackActive, PackDraft, PackDeprecated:
	default:
		return fmt.Errorf("%w: unknown pack status %q", domain.ErrValidation, p.Status)
	}
	switch p.Document.Enforcement.Mode {
	case "", "warn", "block":
	default:
		return fmt.Errorf("%w: unknown enforcement mode %q", domain.ErrValidation, p.Document.Enforcement.Mode)
	}
	return nil
}

// AsMap returns the pack document as a generic map for merging.
func (p *Pack) AsMap() (map[string]any, error) {
	raw, err := json.Marshal(p.Document)
	if err != nil {
		return nil, fmt.Errorf("marshal pack document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal pack document: %w", err)
	}
	return m, nil
}
