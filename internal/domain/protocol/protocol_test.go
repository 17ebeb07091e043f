package protocol

import "testing"

var allStatuses = []Status{
	StatusPending, StatusPlanning, StatusPlanned, StatusRunning,
	StatusPaused, StatusBlocked, StatusFailed, StatusCancelled, StatusCompleted,
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusPlanning}:   true,
		{StatusPending, StatusCancelled}:  true,
		{StatusPlanning, StatusPlanned}:   true,
		{StatusPlanning, StatusFailed}:    true,
		{StatusPlanning, StatusCancelled}: true,
		{StatusPlanned, StatusRunning}:    true,
		{StatusPlanned, StatusCancelled}:  true,
		{StatusRunning, StatusPaused}:     true,
		{StatusRunning, StatusBlocked}:    true,
		{StatusRunning, StatusCompleted}:  true,
		{StatusRunning, StatusFailed}:     true,
		{StatusRunning, StatusCancelled}:  true,
		{StatusPaused, StatusRunning}:     true,
		{StatusPaused, StatusCancelled}:   true,
		{StatusBlocked, StatusRunning}:    true,
		{StatusBlocked, StatusFailed}:     true,
		{StatusBlocked, StatusCancelled}:  true,
		{StatusFailed, StatusRunning}:     true,
		{StatusFailed, StatusCancelled}:   true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]Status{from, to}]
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusCancelled} {
		if !from.IsTerminal() {
			t.Fatalf("%s should be terminal", from)
		}
		for _, to := range allStatuses {
			if from.CanTransitionTo(to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestValid(t *testing.T) {
	for _, s := range allStatuses {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Status("exploded").Valid() {
		t.Error("unknown status reported valid")
	}
}
