package service

import (
	"errors"
	"testing"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/domain/spec"
)

func TestCheckSpecCyclesAcyclic(t *testing.T) {
	ps := &spec.ProtocolSpec{Steps: []spec.StepSpec{
		{Name: "setup", Order: 0},
		{Name: "impl", Order: 1, DependsOn: []string{"setup"}},
		{Name: "docs", Order: 2, DependsOn: []string{"impl"}},
	}}
	if err := checkSpecCycles(ps); err != nil {
		t.Fatalf("acyclic spec rejected: %v", err)
	}
}

func TestCheckSpecCyclesCycle(t *testing.T) {
	ps := &spec.ProtocolSpec{Steps: []spec.StepSpec{
		{Name: "a", Order: 0, DependsOn: []string{"c"}},
		{Name: "b", Order: 1, DependsOn: []string{"a"}},
		{Name: "c", Order: 2, DependsOn: []string{"b"}},
	}}
	err := checkSpecCycles(ps)
	if err == nil {
		t.Fatal("expected cycle to be rejected")
	}
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("cycle error = %v, want ErrValidation", err)
	}
}

func TestCheckSpecCyclesUnknownDependency(t *testing.T) {
	ps := &spec.ProtocolSpec{Steps: []spec.StepSpec{
		{Name: "impl", Order: 0, DependsOn: []string{"ghost"}},
	}}
	if err := checkSpecCycles(ps); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown dependency error = %v, want ErrValidation", err)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("hello\nworld"); got != "hello" {
		t.Fatalf("firstLine = %q", got)
	}
	if got := firstLine("short"); got != "short" {
		t.Fatalf("firstLine = %q", got)
	}
}
