// Package spec normalizes protocol step definitions — from a directory
// of step markdown files or from an external agent configuration — into
// a single ProtocolSpec, and resolves individual steps to absolute
// prompt and output paths.
package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/step"
)

// QAPolicy controls whether a step's output is reviewed.
type QAPolicy string

const (
	QASkip QAPolicy = "skip"
	QAFull QAPolicy = "full"
)

// QASpec configures the QA phase of one step.
type QASpec struct {
	Policy QAPolicy `json:"policy"`
	Prompt string   `json:"prompt,omitempty"`
	Model  string   `json:"model,omitempty"`
}

// Outputs declares where a step writes its results, relative to the
// protocol root.
type Outputs struct {
	Protocol string            `json:"protocol,omitempty"`
	Aux      map[string]string `json:"aux,omitempty"`
}

// StepSpec is one normalized step definition.
type StepSpec struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	EngineID    string    `json:"engine_id,omitempty"`
	Model       string    `json:"model,omitempty"`
	PromptRef   string    `json:"prompt_ref"`
	Outputs     Outputs   `json:"outputs"`
	StepType    step.Type `json:"step_type"`
	Policies    []string  `json:"policies,omitempty"`
	QA          QASpec    `json:"qa"`
	Order       int       `json:"order"`
	Description string    `json:"description,omitempty"`
	DependsOn   []string  `json:"depends_on,omitempty"`
}

// ProtocolSpec is the normalized plan for one protocol run.
type ProtocolSpec struct {
	Steps        []StepSpec        `json:"steps"`
	Placeholders map[string]string `json:"placeholders,omitempty"`
	Template     string            `json:"template,omitempty"`
}

// stepFilePattern matches NN-<name>.md step files.
var stepFilePattern = regexp.MustCompile(`^(\d{2})-(.+)\.md$`)

// FromStepDir builds a ProtocolSpec from a directory of NN-*.md files.
// Step type is inferred from the filename: 00-* or *setup* is setup,
// *qa* is qa, anything else is work.
func FromStepDir(dir string) (*ProtocolSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read step directory %s: %v", domain.ErrValidation, dir, err)
	}

	var steps []StepSpec
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := stepFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		order, _ := strconv.Atoi(m[1])
		name := m[2]

		steps = append(steps, StepSpec{
			ID:        strings.TrimSuffix(entry.Name(), ".md"),
			Name:      name,
			PromptRef: entry.Name(),
			StepType:  inferStepType(order, name),
			QA:        QASpec{Policy: QAFull},
			Order:     order,
		})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no step files (NN-*.md) in %s", domain.ErrValidation, dir)
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return &ProtocolSpec{Steps: steps}, nil
}

// AgentConfig is the external agent-configuration shape. Each main agent
// becomes a step; policies come from the referenced modules.
type AgentConfig struct {
	Agents  []AgentEntry           `json:"agents" yaml:"agents"`
	Modules map[string]ModuleEntry `json:"modules,omitempty" yaml:"modules,omitempty"`
}

// AgentEntry is one agent in an external configuration.
type AgentEntry struct {
	Name        string   `json:"name" yaml:"name"`
	Engine      string   `json:"engine,omitempty" yaml:"engine,omitempty"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty"`
	Prompt      string   `json:"prompt" yaml:"prompt"`
	Modules     []string `json:"modules,omitempty" yaml:"modules,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// ModuleEntry carries the policies an agent inherits from a module.
type ModuleEntry struct {
	Policies []string `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// FromAgentConfig builds a ProtocolSpec from an external agent
// configuration. QA defaults to skip for configured agents.
func FromAgentConfig(cfg *AgentConfig) (*ProtocolSpec, error) {
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("%w: agent configuration has no agents", domain.ErrValidation)
	}

	var steps []StepSpec
	for i, agent := range cfg.Agents {
		if agent.Name == "" || agent.Prompt == "" {
			return nil, fmt.Errorf("%w: agent %d needs a name and a prompt", domain.ErrValidation, i)
		}
		var policies []string
		for _, modName := range agent.Modules {
			if mod, ok := cfg.Modules[modName]; ok {
				policies = append(policies, mod.Policies...)
			}
		}
		steps = append(steps, StepSpec{
			ID:          fmt.Sprintf("%02d-%s", i, agent.Name),
			Name:        agent.Name,
			EngineID:    agent.Engine,
			Model:       agent.Model,
			PromptRef:   agent.Prompt,
			StepType:    inferStepType(i, agent.Name),
			Policies:    policies,
			QA:          QASpec{Policy: QASkip},
			Order:       i,
			Description: agent.Description,
			DependsOn:   agent.DependsOn,
		})
	}
	return &ProtocolSpec{Steps: steps, Template: "agent_config"}, nil
}

// Validate checks that every step's prompt_ref resolves to a file under
// base. An empty slice means the spec is valid.
func Validate(base string, spec *ProtocolSpec) []error {
	var errs []error
	for _, s := range spec.Steps {
		path := s.PromptRef
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("%w: step %s: prompt %s not found under %s",
				domain.ErrValidation, s.Name, s.PromptRef, base))
		}
	}
	return errs
}

func inferStepType(order int, name string) step.Type {
	lower := strings.ToLower(name)
	switch {
	case order == 0, strings.Contains(lower, "setup"):
		return step.TypeSetup
	case strings.Contains(lower, "qa"):
		return step.TypeQA
	default:
		return step.TypeWork
	}
}
