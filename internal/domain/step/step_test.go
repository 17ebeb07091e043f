package step

import "testing"

var allStatuses = []Status{
	StatusPending, StatusRunning, StatusNeedsQA, StatusCompleted,
	StatusFailed, StatusCancelled, StatusBlocked,
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusCancelled}: true,
		{StatusPending, StatusBlocked}:   true,
		{StatusRunning, StatusNeedsQA}:   true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusRunning, StatusCancelled}: true,
		{StatusNeedsQA, StatusCompleted}: true,
		{StatusNeedsQA, StatusFailed}:    true,
		{StatusBlocked, StatusPending}:   true,
		{StatusBlocked, StatusCancelled}: true,
		{StatusFailed, StatusPending}:    true,
		{StatusFailed, StatusCancelled}:  true,
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

func TestRetryPathGoesThroughPending(t *testing.T) {
	// failed -> pending -> running is the only way back to execution.
	if StatusFailed.CanTransitionTo(StatusRunning) {
		t.Fatal("failed must not jump straight to running")
	}
	if !StatusFailed.CanTransitionTo(StatusPending) {
		t.Fatal("failed -> pending must be allowed")
	}
	if !StatusPending.CanTransitionTo(StatusRunning) {
		t.Fatal("pending -> running must be allowed")
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range allStatuses {
		wantTerminal := s == StatusCompleted || s == StatusCancelled
		if s.IsTerminal() != wantTerminal {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, s.IsTerminal(), wantTerminal)
		}
	}
}
