package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/domain/step"
)

// Evaluator emits findings against an effective policy. It is stateless
// apart from the merged policy document it was built with.
type Evaluator struct {
	effective   *Effective
	enforcement Enforcement
	mode        string
}

// NewEvaluator builds an Evaluator from a computed effective policy and
// the project's enforcement mode.
func NewEvaluator(eff *Effective, mode project.EnforcementMode) *Evaluator {
	return &Evaluator{
		effective:   eff,
		enforcement: eff.EnforcementSection(),
		mode:        string(mode),
	}
}

// EnforcementSection extracts the enforcement block from the merged policy.
func (e *Effective) EnforcementSection() Enforcement {
	out := Enforcement{}
	section, ok := e.Policy["enforcement"].(map[string]any)
	if !ok {
		return out
	}
	if mode, ok := section["mode"].(string); ok {
		out.Mode = mode
	}
	if codes, ok := section["block_codes"].([]any); ok {
		for _, c := range codes {
			if s, ok := c.(string); ok {
				out.BlockCodes = append(out.BlockCodes, s)
			}
		}
	}
	return out
}

// requiredChecks returns defaults.ci.required_checks from the merged policy.
func (e *Evaluator) requiredChecks() []string {
	defaults, ok := e.effective.Policy["defaults"].(map[string]any)
	if !ok {
		return nil
	}
	ci, ok := defaults["ci"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := ci["required_checks"].([]any)
	if !ok {
		return nil
	}
	var checks []string
	for _, c := range raw {
		if s, ok := c.(string); ok {
			checks = append(checks, s)
		}
	}
	return checks
}

// requirements returns the structural requirements from the merged policy.
func (e *Evaluator) requirements() Requirements {
	out := Requirements{}
	section, ok := e.effective.Policy["requirements"].(map[string]any)
	if !ok {
		return out
	}
	if raw, ok := section["step_sections"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out.StepSections = append(out.StepSections, s)
			}
		}
	}
	if raw, ok := section["protocol_files"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out.ProtocolFiles = append(out.ProtocolFiles, s)
			}
		}
	}
	return out
}

// FindingsForProject checks project-level rules: repo-local configuration
// and the existence and executability of required CI check files.
func (e *Evaluator) FindingsForProject(proj *project.Project) []Finding {
	var findings []Finding

	if proj.PolicyRepoLocalEnabled && proj.LocalPath == "" {
		findings = append(findings, Finding{
			Code:        CodeRepoLocalNoLocalPath,
			SeverityRaw: SeverityWarning,
			Scope:       FindingScopeProject,
			SubjectID:   proj.ID,
			Message:     "repo-local policy is enabled but the project has no local path configured",
		})
	}

	for _, check := range e.requiredChecks() {
		if proj.LocalPath == "" {
			continue
		}
		path := filepath.Join(proj.LocalPath, check)
		info, err := os.Stat(path)
		if err != nil {
			findings = append(findings, Finding{
				Code:        CodeCIRequiredCheckMissing,
				SeverityRaw: SeverityWarning,
				Scope:       FindingScopeProject,
				SubjectID:   proj.ID,
				Message:     fmt.Sprintf("required CI check %s does not exist", check),
				Metadata:    map[string]any{"path": check},
			})
			continue
		}
		if info.Mode()&0o111 == 0 {
			findings = append(findings, Finding{
				Code:        CodeCIRequiredCheckNotExec,
				SeverityRaw: SeverityWarning,
				Scope:       FindingScopeProject,
				SubjectID:   proj.ID,
				Message:     fmt.Sprintf("required CI check %s is not executable", check),
				Metadata:    map[string]any{"path": check},
			})
		}
	}

	return Escalate(findings, e.enforcement, e.mode)
}

// FindingsForProtocol checks that required protocol files exist under
// the run's protocol root.
func (e *Evaluator) FindingsForProtocol(run *protocol.Run) []Finding {
	var findings []Finding

	if run.ProtocolRoot != "" {
		for _, name := range e.requirements().ProtocolFiles {
			if _, err := os.Stat(filepath.Join(run.ProtocolRoot, name)); err != nil {
				findings = append(findings, Finding{
					Code:        CodeProtocolFileMissing,
					SeverityRaw: SeverityWarning,
					Scope:       FindingScopeProtocol,
					SubjectID:   run.ID,
					Message:     fmt.Sprintf("required protocol file %s is missing", name),
					Metadata:    map[string]any{"file": name},
				})
			}
		}
	}

	return Escalate(findings, e.enforcement, e.mode)
}

// FindingsForStep checks step markdown for required sections and folds in
// the project-level findings, since a step cannot run against a project
// whose checks are broken.
func (e *Evaluator) FindingsForStep(s *step.Run, run *protocol.Run, proj *project.Project, stepMarkdown string) []Finding {
	var findings []Finding

	for _, section := range e.requirements().StepSections {
		if !hasMarkdownSection(stepMarkdown, section) {
			findings = append(findings, Finding{
				Code:        CodeStepMissingSection,
				SeverityRaw: SeverityWarning,
				Scope:       FindingScopeStep,
				SubjectID:   s.ID,
				Message:     fmt.Sprintf("step %s is missing required section %q", s.StepName, section),
				Metadata:    map[string]any{"section": section},
			})
		}
	}

	findings = append(findings, e.FindingsForProject(proj)...)
	findings = append(findings, e.FindingsForProtocol(run)...)
	return Escalate(findings, e.enforcement, e.mode)
}

// hasMarkdownSection reports whether the markdown contains a heading
// whose text matches section (case-insensitive, any heading level).
func hasMarkdownSection(markdown, section string) bool {
	want := strings.ToLower(strings.TrimSpace(section))
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		heading := strings.ToLower(strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
		if heading == want {
			return true
		}
	}
	return false
}
