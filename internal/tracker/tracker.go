// Package tracker maintains the process-wide registry of live engine
// child processes with bounded per-execution log rings and subscribers.
// It is deliberately a singleton: it models OS-level state.
package tracker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// maxLogEntries bounds each execution's log ring. When full, the
	// oldest entries are dropped silently.
	maxLogEntries = 10000

	// maxCompleted bounds how many terminal executions are retained;
	// older terminal entries are evicted oldest-first.
	maxCompleted = 100
)

// Status of one tracked execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// LogEntry is one line captured from a child process.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Source  string    `json:"source,omitempty"`
}

// Execution is one tracked child process.
type Execution struct {
	ExecutionID   string         `json:"execution_id"`
	ExecutionType string         `json:"execution_type"`
	EngineID      string         `json:"engine_id"`
	ProjectID     *int64         `json:"project_id,omitempty"`
	Status        Status         `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	PID           int            `json:"pid,omitempty"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	Error         string         `json:"error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	logs      []LogEntry // ring buffer
	logStart  int
	logCount  int
	cancelled bool
}

// Subscriber receives each new log entry for one execution. Callback
// panics are swallowed and logged; they never affect the execution.
type Subscriber func(entry LogEntry)

// Tracker is the in-memory execution registry. All mutations are guarded
// by one lock; log appends are O(1).
type Tracker struct {
	mu          sync.Mutex
	executions  map[string]*Execution
	subscribers map[string]map[int]Subscriber
	nextSubID   int
	terminalIDs []string // terminal executions in completion order
}

var (
	defaultOnce    sync.Once
	defaultTracker *Tracker
)

// Default returns the lazily-initialized process-wide tracker.
func Default() *Tracker {
	defaultOnce.Do(func() {
		defaultTracker = New()
	})
	return defaultTracker
}

// ResetForTests replaces the process-wide tracker with a fresh one.
func ResetForTests() {
	defaultOnce.Do(func() {})
	defaultTracker = New()
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		executions:  make(map[string]*Execution),
		subscribers: make(map[string]map[int]Subscriber),
	}
}

// StartExecution registers a new running execution and returns a copy of it.
func (t *Tracker) StartExecution(executionType, engineID string, projectID *int64, metadata map[string]any) Execution {
	t.mu.Lock()
	defer t.mu.Unlock()

	exec := &Execution{
		ExecutionID:   uuid.NewString(),
		ExecutionType: executionType,
		EngineID:      engineID,
		ProjectID:     projectID,
		Status:        StatusRunning,
		StartedAt:     time.Now().UTC(),
		Metadata:      metadata,
		logs:          make([]LogEntry, 0, 64),
	}
	t.executions[exec.ExecutionID] = exec
	return snapshot(exec)
}

// Log appends a line to an execution's ring and notifies subscribers.
// Unknown ids are ignored: the child may outlive the record.
func (t *Tracker) Log(id, level, message, source string) {
	t.mu.Lock()
	exec, ok := t.executions[id]
	if !ok {
		t.mu.Unlock()
		return
	}

	entry := LogEntry{Time: time.Now().UTC(), Level: level, Message: message, Source: source}
	if t.logCountOf(exec) < maxLogEntries {
		exec.logs = append(exec.logs, entry)
		exec.logCount++
	} else {
		exec.logs[exec.logStart] = entry
		exec.logStart = (exec.logStart + 1) % maxLogEntries
	}

	subs := make([]Subscriber, 0, len(t.subscribers[id]))
	for _, fn := range t.subscribers[id] {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		notify(fn, entry)
	}
}

func notify(fn Subscriber, entry LogEntry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("tracker subscriber panicked", "panic", r)
		}
	}()
	fn(entry)
}

func (t *Tracker) logCountOf(exec *Execution) int {
	return exec.logCount
}

// SetPID records the child process id for later termination by the caller.
func (t *Tracker) SetPID(id string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if exec, ok := t.executions[id]; ok {
		exec.PID = pid
	}
}

// Complete marks an execution terminal. If Cancel was called earlier the
// status stays cancelled; exit code and error are still recorded for
// diagnostics.
func (t *Tracker) Complete(id string, success bool, exitCode *int, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	exec, ok := t.executions[id]
	if !ok {
		return
	}
	if exec.Status == StatusSucceeded || exec.Status == StatusFailed {
		return
	}

	now := time.Now().UTC()
	exec.FinishedAt = &now
	exec.ExitCode = exitCode
	exec.Error = errMsg
	if exec.cancelled {
		exec.Status = StatusCancelled
	} else if success {
		exec.Status = StatusSucceeded
	} else {
		exec.Status = StatusFailed
	}
	t.retireLocked(id)
}

// Cancel sets the logical status to cancelled. It does NOT kill the
// child; the caller terminates the PID it recorded via SetPID.
func (t *Tracker) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	exec, ok := t.executions[id]
	if !ok {
		return
	}
	if exec.Status != StatusPending && exec.Status != StatusRunning {
		return
	}
	exec.cancelled = true
	exec.Status = StatusCancelled
	now := time.Now().UTC()
	exec.FinishedAt = &now
	t.retireLocked(id)
}

// retireLocked records a terminal execution and evicts beyond the
// retention limit. Caller holds the lock.
func (t *Tracker) retireLocked(id string) {
	for _, existing := range t.terminalIDs {
		if existing == id {
			return
		}
	}
	t.terminalIDs = append(t.terminalIDs, id)
	for len(t.terminalIDs) > maxCompleted {
		oldest := t.terminalIDs[0]
		t.terminalIDs = t.terminalIDs[1:]
		delete(t.executions, oldest)
		delete(t.subscribers, oldest)
	}
}

// Get returns a copy of one execution.
func (t *Tracker) Get(id string) (Execution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.executions[id]
	if !ok {
		return Execution{}, false
	}
	return snapshot(exec), true
}

// List returns copies of all tracked executions.
func (t *Tracker) List() []Execution {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Execution, 0, len(t.executions))
	for _, exec := range t.executions {
		out = append(out, snapshot(exec))
	}
	return out
}

// ListActive returns copies of executions that are pending or running.
func (t *Tracker) ListActive() []Execution {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Execution
	for _, exec := range t.executions {
		if exec.Status == StatusPending || exec.Status == StatusRunning {
			out = append(out, snapshot(exec))
		}
	}
	return out
}

// Logs returns the execution's log entries in append order.
func (t *Tracker) Logs(id string) []LogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.executions[id]
	if !ok {
		return nil
	}
	return logsOf(exec)
}

// Subscribe registers a callback for new log entries on one execution
// and returns an unsubscribe token.
func (t *Tracker) Subscribe(id string, fn Subscriber) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribers[id] == nil {
		t.subscribers[id] = make(map[int]Subscriber)
	}
	t.nextSubID++
	t.subscribers[id][t.nextSubID] = fn
	return t.nextSubID
}

// Unsubscribe removes a previously registered callback.
func (t *Tracker) Unsubscribe(id string, token int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribers[id], token)
}

func snapshot(exec *Execution) Execution {
	out := *exec
	out.logs = nil
	return out
}

func logsOf(exec *Execution) []LogEntry {
	if exec.logCount <= len(exec.logs) && exec.logStart == 0 {
		out := make([]LogEntry, len(exec.logs))
		copy(out, exec.logs)
		return out
	}
	out := make([]LogEntry, 0, len(exec.logs))
	n := len(exec.logs)
	for i := 0; i < n; i++ {
		out = append(out, exec.logs[(exec.logStart+i)%n])
	}
	return out
}
