package spec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/step"
)

func writeStepFiles(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("# "+name+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestFromStepDir(t *testing.T) {
	dir := writeStepFiles(t, "01-implement.md", "00-setup.md", "02-qa-review.md", "notes.txt", "README.md")

	spec, err := FromStepDir(dir)
	if err != nil {
		t.Fatalf("FromStepDir: %v", err)
	}
	if len(spec.Steps) != 3 {
		t.Fatalf("got %d steps, want 3 (non-step files skipped)", len(spec.Steps))
	}

	// Sorted by order regardless of directory listing order.
	wantNames := []string{"setup", "implement", "qa-review"}
	wantTypes := []step.Type{step.TypeSetup, step.TypeWork, step.TypeQA}
	for i, s := range spec.Steps {
		if s.Name != wantNames[i] {
			t.Errorf("step %d name = %s, want %s", i, s.Name, wantNames[i])
		}
		if s.StepType != wantTypes[i] {
			t.Errorf("step %d type = %s, want %s", i, s.StepType, wantTypes[i])
		}
		if s.Order != i {
			t.Errorf("step %d order = %d", i, s.Order)
		}
		if s.QA.Policy != QAFull {
			t.Errorf("step %d qa policy = %s, want full", i, s.QA.Policy)
		}
	}
	if spec.Steps[0].ID != "00-setup" || spec.Steps[0].PromptRef != "00-setup.md" {
		t.Fatalf("id/prompt_ref = %s / %s", spec.Steps[0].ID, spec.Steps[0].PromptRef)
	}
}

func TestFromStepDirEmpty(t *testing.T) {
	dir := writeStepFiles(t, "README.md")
	if _, err := FromStepDir(dir); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestInferStepType(t *testing.T) {
	tests := []struct {
		order int
		name  string
		want  step.Type
	}{
		{0, "anything", step.TypeSetup},
		{3, "env-setup", step.TypeSetup},
		{2, "qa-review", step.TypeQA},
		{1, "implement", step.TypeWork},
	}
	for _, tt := range tests {
		if got := inferStepType(tt.order, tt.name); got != tt.want {
			t.Errorf("inferStepType(%d, %q) = %s, want %s", tt.order, tt.name, got, tt.want)
		}
	}
}

func TestFromAgentConfig(t *testing.T) {
	cfg := &AgentConfig{
		Agents: []AgentEntry{
			{Name: "planner", Prompt: "plan.md", Engine: "codex-cli"},
			{Name: "builder", Prompt: "build.md", Modules: []string{"tdd"}, DependsOn: []string{"planner"}},
		},
		Modules: map[string]ModuleEntry{
			"tdd": {Policies: []string{"tests-first"}},
		},
	}

	spec, err := FromAgentConfig(cfg)
	if err != nil {
		t.Fatalf("FromAgentConfig: %v", err)
	}
	if spec.Template != "agent_config" {
		t.Fatalf("template = %s", spec.Template)
	}
	if len(spec.Steps) != 2 {
		t.Fatalf("got %d steps", len(spec.Steps))
	}
	builder := spec.Steps[1]
	if builder.ID != "01-builder" || builder.QA.Policy != QASkip {
		t.Fatalf("builder = %+v", builder)
	}
	if len(builder.Policies) != 1 || builder.Policies[0] != "tests-first" {
		t.Fatalf("module policies not resolved: %v", builder.Policies)
	}
	if len(builder.DependsOn) != 1 || builder.DependsOn[0] != "planner" {
		t.Fatalf("depends_on = %v", builder.DependsOn)
	}
}

func TestFromAgentConfigRejectsIncomplete(t *testing.T) {
	if _, err := FromAgentConfig(&AgentConfig{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty config: %v", err)
	}
	cfg := &AgentConfig{Agents: []AgentEntry{{Name: "x"}}}
	if _, err := FromAgentConfig(cfg); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("agent without prompt: %v", err)
	}
}

func TestValidate(t *testing.T) {
	dir := writeStepFiles(t, "00-setup.md")
	spec := &ProtocolSpec{Steps: []StepSpec{
		{Name: "setup", PromptRef: "00-setup.md"},
		{Name: "ghost", PromptRef: "99-missing.md"},
	}}

	errs := Validate(dir, spec)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
	if !errors.Is(errs[0], domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", errs[0])
	}
}

func TestResolveStep(t *testing.T) {
	root := writeStepFiles(t, "01-impl.md")
	workspace := t.TempDir()
	ps := &ProtocolSpec{Steps: []StepSpec{{
		ID: "01-impl", Name: "impl", PromptRef: "01-impl.md",
		Outputs: Outputs{Protocol: "out/impl.md", Aux: map[string]string{"log": "log.md"}},
		QA:      QASpec{Policy: QAFull},
		Order:   1,
	}}}

	res, err := ResolveStep(&ps.Steps[0], root, workspace, ps, "codex-cli")
	if err != nil {
		t.Fatalf("ResolveStep: %v", err)
	}
	if res.PromptPath != filepath.Join(root, "01-impl.md") {
		t.Fatalf("prompt path = %s", res.PromptPath)
	}
	if res.OutputPath != filepath.Join(root, "out", "impl.md") {
		t.Fatalf("output path = %s", res.OutputPath)
	}
	if res.AuxOutputs["log"] != filepath.Join(root, "log.md") {
		t.Fatalf("aux outputs = %v", res.AuxOutputs)
	}
	if res.EngineID != "codex-cli" {
		t.Fatalf("engine not defaulted: %s", res.EngineID)
	}
	if res.Workdir != workspace {
		t.Fatalf("workdir = %s", res.Workdir)
	}

	hexFP := regexp.MustCompile(`^[0-9a-f]{12}$`)
	if !hexFP.MatchString(res.PromptVersion) {
		t.Fatalf("prompt version %q is not a 12-hex fingerprint", res.PromptVersion)
	}
	if !hexFP.MatchString(res.SpecHash) {
		t.Fatalf("spec hash %q is not a 12-hex fingerprint", res.SpecHash)
	}
}

func TestResolveStepMissingPrompt(t *testing.T) {
	ps := &ProtocolSpec{Steps: []StepSpec{{Name: "impl", PromptRef: "gone.md"}}}
	if _, err := ResolveStep(&ps.Steps[0], t.TempDir(), "", ps, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	ps := &ProtocolSpec{Steps: []StepSpec{{ID: "00-a", Name: "a", PromptRef: "00-a.md"}}}
	first, err := Fingerprint(ps)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Fingerprint(ps)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("fingerprint unstable: %s vs %s", first, second)
	}

	ps.Steps[0].Name = "b"
	changed, err := Fingerprint(ps)
	if err != nil {
		t.Fatal(err)
	}
	if changed == first {
		t.Fatal("fingerprint did not change with content")
	}
}

type fakeStepCreator struct {
	existing []step.Run
	created  []step.CreateRequest
}

func (f *fakeStepCreator) ListStepRuns(_ context.Context, _ int64) ([]step.Run, error) {
	return f.existing, nil
}

func (f *fakeStepCreator) CreateStepRun(_ context.Context, req step.CreateRequest) (*step.Run, error) {
	f.created = append(f.created, req)
	return &step.Run{ID: int64(len(f.created)), StepName: req.StepName, Status: req.Status}, nil
}

func TestCreateStepRunsIdempotent(t *testing.T) {
	store := &fakeStepCreator{existing: []step.Run{{StepName: "setup"}}}
	ps := &ProtocolSpec{Steps: []StepSpec{
		{Name: "setup", Order: 0},
		{Name: "impl", Order: 1, DependsOn: []string{"setup"}},
	}}

	created, err := CreateStepRuns(t.Context(), store, 7, ps)
	if err != nil {
		t.Fatalf("CreateStepRuns: %v", err)
	}
	if len(created) != 1 || created[0].StepName != "impl" {
		t.Fatalf("created = %v, want only impl", created)
	}
	if store.created[0].ProtocolRunID != 7 || store.created[0].Status != step.StatusPending {
		t.Fatalf("request = %+v", store.created[0])
	}
}
