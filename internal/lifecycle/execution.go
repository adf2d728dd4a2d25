package lifecycle

import "time"

// ExecutionStatus is the state of one destroy attempt
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// IsTerminal reports whether the execution can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// ProjectStatus maps a terminal execution status to the project status it
// produces. A cancelled execution fails the project: cancelled is only
// reachable before a destroy starts.
func (s ExecutionStatus) ProjectStatus() Status {
	if s == ExecutionCompleted {
		return StatusDestroyed
	}
	return StatusFailed
}

// Execution is the auditable record of one destroy attempt
type Execution struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Attempt     int             `json:"attempt"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	Stdout      string          `json:"stdout"`
	Stderr      string          `json:"stderr"`
	Truncated   bool            `json:"truncated"`
	DurationMS  int64           `json:"duration_ms"`
	Error       string          `json:"error,omitempty"`
}

// Finish stamps the terminal status, exit code and duration.
func (e *Execution) Finish(status ExecutionStatus, exitCode *int, at time.Time) {
	e.Status = status
	e.ExitCode = exitCode
	e.CompletedAt = &at
	e.DurationMS = at.Sub(e.StartedAt).Milliseconds()
}

// Clone returns a copy safe to hand to other goroutines.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	if e.ExitCode != nil {
		c := *e.ExitCode
		out.ExitCode = &c
	}
	return &out
}
