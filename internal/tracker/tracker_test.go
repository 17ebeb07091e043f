package tracker

import (
	"fmt"
	"testing"
)

func TestCancelWinsOverComplete(t *testing.T) {
	trk := New()
	exec := trk.StartExecution("step", "codex-cli", nil, nil)

	trk.Cancel(exec.ExecutionID)

	// The child exits later; the race must resolve to cancelled.
	code := 0
	trk.Complete(exec.ExecutionID, true, &code, "")

	got, ok := trk.Get(exec.ExecutionID)
	if !ok {
		t.Fatal("execution evicted")
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("exit code not recorded for diagnostics: %v", got.ExitCode)
	}
	if got.FinishedAt == nil {
		t.Fatal("finished_at not set")
	}
}

func TestCompleteIsTerminal(t *testing.T) {
	trk := New()
	exec := trk.StartExecution("step", "codex-cli", nil, nil)

	trk.Complete(exec.ExecutionID, false, nil, "boom")
	trk.Complete(exec.ExecutionID, true, nil, "")
	trk.Cancel(exec.ExecutionID)

	got, _ := trk.Get(exec.ExecutionID)
	if got.Status != StatusFailed || got.Error != "boom" {
		t.Fatalf("terminal status overwritten: %+v", got)
	}
}

func TestLogRingIsBounded(t *testing.T) {
	trk := New()
	exec := trk.StartExecution("step", "codex-cli", nil, nil)

	total := maxLogEntries + 250
	for i := 0; i < total; i++ {
		trk.Log(exec.ExecutionID, "info", fmt.Sprintf("line %d", i), "stdout")
	}

	logs := trk.Logs(exec.ExecutionID)
	if len(logs) != maxLogEntries {
		t.Fatalf("ring size = %d, want %d", len(logs), maxLogEntries)
	}
	// Oldest entries dropped; the ring starts where the overflow began.
	if logs[0].Message != "line 250" {
		t.Fatalf("oldest retained = %q, want line 250", logs[0].Message)
	}
	if logs[len(logs)-1].Message != fmt.Sprintf("line %d", total-1) {
		t.Fatalf("newest = %q", logs[len(logs)-1].Message)
	}
}

func TestTerminalRetentionEvictsOldest(t *testing.T) {
	trk := New()

	var first string
	for i := 0; i < maxCompleted+1; i++ {
		exec := trk.StartExecution("step", "codex-cli", nil, nil)
		if i == 0 {
			first = exec.ExecutionID
		}
		trk.Complete(exec.ExecutionID, true, nil, "")
	}

	if _, ok := trk.Get(first); ok {
		t.Fatal("oldest terminal execution not evicted")
	}
	if got := len(trk.List()); got != maxCompleted {
		t.Fatalf("retained = %d, want %d", got, maxCompleted)
	}
}

func TestSubscriberPanicIsSwallowed(t *testing.T) {
	trk := New()
	exec := trk.StartExecution("step", "codex-cli", nil, nil)

	var delivered []string
	trk.Subscribe(exec.ExecutionID, func(LogEntry) { panic("subscriber bug") })
	trk.Subscribe(exec.ExecutionID, func(e LogEntry) { delivered = append(delivered, e.Message) })

	trk.Log(exec.ExecutionID, "info", "hello", "stdout")
	trk.Log(exec.ExecutionID, "info", "world", "stdout")

	if len(delivered) != 2 {
		t.Fatalf("healthy subscriber got %d entries, want 2", len(delivered))
	}
	if len(trk.Logs(exec.ExecutionID)) != 2 {
		t.Fatal("log ring lost entries after subscriber panic")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	trk := New()
	exec := trk.StartExecution("step", "codex-cli", nil, nil)

	count := 0
	token := trk.Subscribe(exec.ExecutionID, func(LogEntry) { count++ })
	trk.Log(exec.ExecutionID, "info", "one", "stdout")
	trk.Unsubscribe(exec.ExecutionID, token)
	trk.Log(exec.ExecutionID, "info", "two", "stdout")

	if count != 1 {
		t.Fatalf("delivered = %d, want 1", count)
	}
}

func TestListActive(t *testing.T) {
	trk := New()
	running := trk.StartExecution("step", "codex-cli", nil, nil)
	done := trk.StartExecution("qa", "claude-cli", nil, nil)
	trk.Complete(done.ExecutionID, true, nil, "")

	active := trk.ListActive()
	if len(active) != 1 || active[0].ExecutionID != running.ExecutionID {
		t.Fatalf("active = %+v", active)
	}
}
