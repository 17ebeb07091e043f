package service

import (
	"testing"

	"github.com/devgodzilla/devgodzilla/internal/domain/clarification"
	"github.com/devgodzilla/devgodzilla/internal/domain/policy"
)

func TestClarificationsFromPolicy(t *testing.T) {
	eff := &policy.Effective{
		Policy: map[string]any{
			"clarifications": []any{
				map[string]any{
					"key":         "target-branch",
					"question":    "Which branch should the work land on?",
					"options":     []any{"main", "develop"},
					"recommended": "main",
					"blocking":    true,
				},
				map[string]any{
					"key":      "style-notes",
					"question": "Any style preferences?",
				},
				// Missing question: dropped.
				map[string]any{"key": "orphan"},
				// Not a map: dropped.
				"garbage",
			},
		},
	}

	got := clarificationsFromPolicy(eff, 42, 7)
	if len(got) != 2 {
		t.Fatalf("got %d clarifications, want 2", len(got))
	}

	first := got[0]
	if first.Key != "target-branch" || !first.Blocking {
		t.Errorf("first = %q blocking=%v, want target-branch blocking=true", first.Key, first.Blocking)
	}
	if first.Scope != clarification.ScopeProtocol || first.Status != clarification.StatusOpen {
		t.Errorf("scope/status = %s/%s, want protocol/open", first.Scope, first.Status)
	}
	if first.ProjectID != 42 || first.ProtocolRunID == nil || *first.ProtocolRunID != 7 {
		t.Errorf("ids = %d/%v, want 42/7", first.ProjectID, first.ProtocolRunID)
	}
	if len(first.Options) != 2 || first.Options[0] != "main" {
		t.Errorf("options = %v, want [main develop]", first.Options)
	}
	if first.Recommended != "main" {
		t.Errorf("recommended = %q, want main", first.Recommended)
	}

	if got[1].Key != "style-notes" || got[1].Blocking {
		t.Errorf("second = %q blocking=%v, want style-notes blocking=false", got[1].Key, got[1].Blocking)
	}
}

func TestClarificationsFromPolicyAbsent(t *testing.T) {
	if got := clarificationsFromPolicy(nil, 1, 1); got != nil {
		t.Fatalf("nil policy: got %v, want nil", got)
	}
	eff := &policy.Effective{Policy: map[string]any{"defaults": map[string]any{}}}
	if got := clarificationsFromPolicy(eff, 1, 1); got != nil {
		t.Fatalf("no clarifications section: got %v, want nil", got)
	}
}
