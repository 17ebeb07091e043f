package dag

import (
	"testing"

	"github.com/devgodzilla/devgodzilla/internal/domain/step"
)

func mkSteps(deps map[string][]string, order []string) []step.Run {
	steps := make([]step.Run, 0, len(order))
	for i, name := range order {
		steps = append(steps, step.Run{
			ID:        int64(i + 1),
			StepName:  name,
			StepIndex: i,
			DependsOn: deps[name],
			Status:    step.StatusPending,
		})
	}
	return steps
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	steps := mkSteps(map[string][]string{"b": {"ghost"}}, []string{"a", "b"})
	if _, err := Build(steps); err == nil {
		t.Fatal("expected unknown dependency error")
	}
}

func TestTarjanAgreesWithDFS(t *testing.T) {
	tests := []struct {
		name  string
		deps  map[string][]string
		order []string
		cyclic bool
	}{
		{"empty", nil, nil, false},
		{"single", nil, []string{"a"}, false},
		{"chain", map[string][]string{"b": {"a"}, "c": {"b"}}, []string{"a", "b", "c"}, false},
		{"diamond", map[string][]string{"b": {"a"}, "c": {"a"}, "d": {"b", "c"}}, []string{"a", "b", "c", "d"}, false},
		{"self loop", map[string][]string{"a": {"a"}}, []string{"a"}, true},
		{"three cycle", map[string][]string{"a": {"c"}, "b": {"a"}, "c": {"b"}}, []string{"a", "b", "c"}, true},
		{"cycle plus tail", map[string][]string{"a": {"b"}, "b": {"a"}, "c": {"b"}}, []string{"a", "b", "c"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(mkSteps(tt.deps, tt.order))
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			tarjanCyclic := len(g.TarjanSCC()) > 0
			dfsCyclic := g.CyclesDFS()
			if tarjanCyclic != dfsCyclic {
				t.Fatalf("tarjan=%v dfs=%v disagree", tarjanCyclic, dfsCyclic)
			}
			if tarjanCyclic != tt.cyclic {
				t.Fatalf("cyclic=%v, want %v", tarjanCyclic, tt.cyclic)
			}
		})
	}
}

func TestTarjanFindsWholeCycle(t *testing.T) {
	g, err := Build(mkSteps(map[string][]string{"a": {"c"}, "b": {"a"}, "c": {"b"}}, []string{"a", "b", "c"}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cycles := g.TarjanSCC()
	if len(cycles) != 1 || len(cycles[0]) != 3 {
		t.Fatalf("cycles = %v, want one SCC of size 3", cycles)
	}
}

func TestLevelsRespectDependencies(t *testing.T) {
	g, err := Build(mkSteps(map[string][]string{
		"b": {"a"}, "c": {"a"}, "d": {"b", "c"},
	}, []string{"a", "b", "c", "d"}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	levels, err := g.Levels()
	if err != nil {
		t.Fatalf("Levels: %v", err)
	}

	// Every node's dependencies must appear in an earlier level.
	seen := map[string]int{}
	for i, level := range levels {
		for _, name := range level {
			seen[name] = i
		}
	}
	for name, node := range g.Nodes {
		for _, dep := range node.DependsOn {
			if seen[dep] >= seen[name] {
				t.Errorf("dep %s of %s at level %d, node at %d", dep, name, seen[dep], seen[name])
			}
		}
	}

	if len(levels) != 3 || len(levels[1]) != 2 {
		t.Fatalf("levels = %v, want [[a] [b c] [d]]", levels)
	}
}

func TestLevelsRejectsCycle(t *testing.T) {
	g, err := Build(mkSteps(map[string][]string{"a": {"b"}, "b": {"a"}}, []string{"a", "b"}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := g.Levels(); err == nil {
		t.Fatal("expected cycle error from Levels")
	}
}

func TestNextRunnable(t *testing.T) {
	steps := mkSteps(map[string][]string{"b": {"a"}, "c": {"b"}}, []string{"a", "b", "c"})

	if next := NextRunnable(steps); next == nil || next.StepName != "a" {
		t.Fatalf("NextRunnable = %v, want a", next)
	}

	steps[0].Status = step.StatusCompleted
	if next := NextRunnable(steps); next == nil || next.StepName != "b" {
		t.Fatalf("NextRunnable after a = %v, want b", next)
	}

	steps[1].Status = step.StatusRunning
	if next := NextRunnable(steps); next != nil {
		t.Fatalf("NextRunnable with b running = %v, want nil", next)
	}
}

func TestAllTerminal(t *testing.T) {
	steps := mkSteps(nil, []string{"a", "b"})
	if AllTerminal(steps) {
		t.Fatal("pending steps reported terminal")
	}
	steps[0].Status = step.StatusCompleted
	steps[1].Status = step.StatusCancelled
	if !AllTerminal(steps) {
		t.Fatal("completed+cancelled should be terminal")
	}
}
