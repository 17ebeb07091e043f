package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/devgodzilla/devgodzilla/internal/domain/project"
)

func testPack() *Pack {
	return &Pack{
		Key:     "beginner-guided",
		Version: "1.0.0",
		Name:    "Beginner Guided",
		Status:  PackActive,
		Document: Document{
			Meta: Meta{Key: "beginner-guided", Version: "1.0.0", Name: "Beginner Guided"},
			Defaults: map[string]any{
				"ci": map[string]any{"required_checks": []any{"scripts/ci/test.sh"}},
			},
			Requirements: Requirements{StepSections: []string{"Acceptance Criteria"}},
			Enforcement: Enforcement{
				Mode:       "block",
				BlockCodes: []string{CodeCIRequiredCheckMissing},
			},
		},
	}
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]any{
		"a": map[string]any{"x": 1, "y": 2},
		"b": []any{"keep"},
		"c": "old",
	}
	src := map[string]any{
		"a": map[string]any{"y": 3},
		"b": []any{"replace"},
		"d": "new",
	}
	out := DeepMerge(dst, src)

	a := out["a"].(map[string]any)
	if a["x"] != 1 || a["y"] != 3 {
		t.Fatalf("nested merge = %v", a)
	}
	if out["b"].([]any)[0] != "replace" {
		t.Fatal("slices must replace wholesale")
	}
	if out["c"] != "old" || out["d"] != "new" {
		t.Fatalf("merge result = %v", out)
	}
	if dst["a"].(map[string]any)["y"] != 2 {
		t.Fatal("DeepMerge mutated its input")
	}
}

func TestComputeEffectiveHashStable(t *testing.T) {
	proj := &project.Project{
		ID:              1,
		PolicyOverrides: map[string]any{"defaults": map[string]any{"models": map[string]any{"work": "gpt-5"}}},
	}

	first, err := ComputeEffective(testPack(), proj)
	if err != nil {
		t.Fatalf("ComputeEffective: %v", err)
	}
	second, err := ComputeEffective(testPack(), proj)
	if err != nil {
		t.Fatalf("ComputeEffective: %v", err)
	}

	if first.Hash != second.Hash {
		t.Fatalf("hash not stable: %s vs %s", first.Hash, second.Hash)
	}
	if string(first.JSON) != string(second.JSON) {
		t.Fatal("canonical JSON not stable")
	}
	if !first.Sources.OverridesApplied {
		t.Fatal("overrides not recorded in sources")
	}
}

func TestComputeEffectiveRepoLocalMerge(t *testing.T) {
	repo := t.TempDir()
	dir := filepath.Join(repo, RepoLocalDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	local := `{"defaults":{"ci":{"required_checks":["scripts/ci/custom.sh"]}}}`
	if err := os.WriteFile(filepath.Join(dir, "policy.json"), []byte(local), 0o644); err != nil {
		t.Fatal(err)
	}

	proj := &project.Project{
		ID:                     1,
		LocalPath:              repo,
		PolicyOverrides:        map[string]any{},
		PolicyRepoLocalEnabled: true,
	}

	eff, err := ComputeEffective(testPack(), proj)
	if err != nil {
		t.Fatalf("ComputeEffective: %v", err)
	}
	if !eff.Sources.RepoLocalApplied {
		t.Fatal("repo-local file not applied")
	}

	defaults := eff.Policy["defaults"].(map[string]any)
	ci := defaults["ci"].(map[string]any)
	checks := ci["required_checks"].([]any)
	if len(checks) != 1 || checks[0] != "scripts/ci/custom.sh" {
		t.Fatalf("required_checks = %v, want [scripts/ci/custom.sh]", checks)
	}
}

func TestEscalate(t *testing.T) {
	enforcement := Enforcement{Mode: "block", BlockCodes: []string{CodeCIRequiredCheckMissing}}

	findings := []Finding{
		{Code: CodeCIRequiredCheckMissing, SeverityRaw: SeverityWarning},
		{Code: CodeStepMissingSection, SeverityRaw: SeverityWarning},
		{Code: "raw.block", SeverityRaw: SeverityBlock},
	}

	out := Escalate(findings, enforcement, "block")
	if out[0].Severity != SeverityBlock {
		t.Fatalf("listed warning should escalate, got %s", out[0].Severity)
	}
	if out[1].Severity != SeverityWarning {
		t.Fatalf("unlisted warning should stay warning, got %s", out[1].Severity)
	}
	if out[2].Severity != SeverityBlock {
		t.Fatalf("raw block should stay block, got %s", out[2].Severity)
	}

	// In warn mode nothing escalates.
	out = Escalate(findings, enforcement, "warn")
	if out[0].Severity != SeverityWarning {
		t.Fatalf("warn mode must not escalate, got %s", out[0].Severity)
	}
	if out[2].Severity != SeverityBlock {
		t.Fatalf("raw block stays block in warn mode, got %s", out[2].Severity)
	}
}

func TestEvaluatorRequiredCheckMissing(t *testing.T) {
	proj := &project.Project{
		ID:                    1,
		LocalPath:             t.TempDir(),
		PolicyEnforcementMode: project.EnforcementBlock,
	}
	eff, err := ComputeEffective(testPack(), proj)
	if err != nil {
		t.Fatalf("ComputeEffective: %v", err)
	}

	ev := NewEvaluator(eff, proj.PolicyEnforcementMode)
	findings := ev.FindingsForProject(proj)

	var found *Finding
	for i := range findings {
		if findings[i].Code == CodeCIRequiredCheckMissing {
			found = &findings[i]
		}
	}
	if found == nil {
		t.Fatalf("missing check not reported: %v", findings)
	}
	if found.Severity != SeverityBlock {
		t.Fatalf("missing check severity = %s, want block (escalated)", found.Severity)
	}
}

func TestPackValidate(t *testing.T) {
	p := testPack()
	if err := p.Validate(); err != nil {
		t.Fatalf("valid pack rejected: %v", err)
	}

	p.Document.Meta.Version = "9.9.9"
	if err := p.Validate(); err == nil {
		t.Fatal("meta/identity mismatch accepted")
	}
}
