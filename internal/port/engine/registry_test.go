package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/devgodzilla/devgodzilla/internal/domain"
)

type stubEngine struct{ id string }

func (e stubEngine) Metadata() Metadata { return Metadata{ID: e.id, Kind: KindCLI} }
func (e stubEngine) Plan(context.Context, Request) (*Result, error) {
	return &Result{Success: true}, nil
}
func (e stubEngine) Execute(context.Context, Request) (*Result, error) {
	return &Result{Success: true}, nil
}
func (e stubEngine) QA(context.Context, Request) (*Result, error) {
	return &Result{Success: true}, nil
}
func (e stubEngine) CheckAvailability(context.Context) error { return nil }

func TestRegistryGetUnknownEngine(t *testing.T) {
	r := NewRegistry()
	r.Register(stubEngine{id: "codex-cli"}, true)

	if _, err := r.Get("codex-cli"); err != nil {
		t.Fatalf("Get(codex-cli) = %v, want nil", err)
	}

	_, err := r.Get("no-such-engine")
	if !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("Get(no-such-engine) = %v, want ErrUnknownEngine", err)
	}
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown engine error %v does not wrap ErrValidation", err)
	}
}

func TestRegistryDefault(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Default(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty registry Default() = %v, want ErrValidation", err)
	}

	r.Register(stubEngine{id: "first"}, false)
	r.Register(stubEngine{id: "chosen"}, true)
	if got := r.DefaultID(); got != "chosen" {
		t.Fatalf("DefaultID = %q, want chosen", got)
	}

	eng, err := r.Default()
	if err != nil || eng.Metadata().ID != "chosen" {
		t.Fatalf("Default() = %v, %v", eng, err)
	}
}

func TestRegistryListMetadataSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		r.Register(stubEngine{id: id}, false)
	}

	got := r.ListMetadata()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("got %d engines, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.ID != want[i] {
			t.Errorf("ListMetadata[%d] = %q, want %q", i, m.ID, want[i])
		}
	}
}

func TestRegistryDuplicateRegistrationPanics(t *testing.T) {
	r := NewRegistry()
	r.Register(stubEngine{id: "dup"}, false)

	defer func() {
		if recover() == nil {
			t.Fatal("duplicate Register did not panic")
		}
	}()
	r.Register(stubEngine{id: "dup"}, false)
}
