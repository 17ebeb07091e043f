package policy

// Severity of a policy finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityBlock   Severity = "block"
)

// FindingScope identifies what a finding applies to.
type FindingScope string

const (
	FindingScopeProject  FindingScope = "project"
	FindingScopeProtocol FindingScope = "protocol"
	FindingScopeStep     FindingScope = "step"
)

// Finding codes the evaluator emits. The set is open-ended; these are
// the codes with defined escalation behavior.
const (
	CodeStepMissingSection        = "policy.step.missing_section"
	CodeCIRequiredCheckMissing    = "policy.ci.required_check_missing"
	CodeCIRequiredCheckNotExec    = "policy.ci.required_check_not_executable"
	CodeRepoLocalNoLocalPath      = "policy.repo_local.no_local_path"
	CodeProtocolFileMissing       = "policy.protocol.required_file_missing"
)

// Finding is one deterministic policy result.
type Finding struct {
	Code        string         `json:"code"`
	Severity    Severity       `json:"severity"`
	SeverityRaw Severity       `json:"severity_raw"`
	Scope       FindingScope   `json:"scope"`
	SubjectID   int64          `json:"subject_id,omitempty"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Escalate maps warning findings to block when their code appears in
// the enforcement block list and the mode is block. Raw block findings
// stay block; warnings outside the list are untouched.
func Escalate(findings []Finding, enforcement Enforcement, mode string) []Finding {
	blockCodes := make(map[string]bool, len(enforcement.BlockCodes))
	for _, c := range enforcement.BlockCodes {
		blockCodes[c] = true
	}

	out := make([]Finding, len(findings))
	for i, f := range findings {
		if f.SeverityRaw == "" {
			f.SeverityRaw = f.Severity
		}
		f.Severity = f.SeverityRaw
		if f.SeverityRaw == SeverityWarning && mode == "block" && blockCodes[f.Code] {
			f.Severity = SeverityBlock
		}
		out[i] = f
	}
	return out
}

// AnyBlocking returns true if at least one finding is block severity.
func AnyBlocking(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityBlock {
			return true
		}
	}
	return false
}
