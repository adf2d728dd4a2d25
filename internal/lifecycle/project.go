// Package lifecycle defines the Project and Execution entities and the status
// graph a project moves through from discovery to destruction:
//
//	discovered -> scheduled -> destroying -> destroyed | failed
//
// scheduled may re-enter itself (reschedule). cancelled is reachable only from
// discovered or scheduled. failed may loop back to scheduled while the
// retry policy allows it. Every other request is rejected with a
// *TransitionError and leaves the project untouched.
package lifecycle

import (
	"maps"
	"slices"
	"time"

	"github.com/gurisko/reaper/internal/projectconfig"
)

// Status is a project's lifecycle state
type Status string

const (
	StatusDiscovered Status = "discovered"
	StatusScheduled  Status = "scheduled"
	StatusDestroying Status = "destroying"
	StatusDestroyed  Status = "destroyed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Metadata keys written by the engine
const (
	MetaLastError      = "last_error"
	MetaRetryCount     = "retry_count"
	MetaTransitionedAt = "transitioned_at"
	MetaRemoved        = "removed"
	MetaGitHead        = "git_head"
	MetaGitBranch      = "git_branch"
	MetaWarned         = "warned"
)

var edges = map[Status][]Status{
	StatusDiscovered: {StatusScheduled, StatusCancelled},
	StatusScheduled:  {StatusScheduled, StatusDestroying, StatusCancelled},
	StatusDestroying: {StatusDestroyed, StatusFailed},
	StatusFailed:     {StatusScheduled},
}

// Statuses lists every status in lifecycle order
var Statuses = []Status{
	StatusDiscovered, StatusScheduled, StatusDestroying,
	StatusDestroyed, StatusFailed, StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return slices.Contains(Statuses, s) }

// Active reports whether a project in this status still has work ahead.
func (s Status) Active() bool {
	return s == StatusDiscovered || s == StatusScheduled || s == StatusDestroying
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	return slices.Contains(edges[from], to)
}

// SourcesOf returns every status that may transition into to.
func SourcesOf(to Status) []Status {
	var out []Status
	for _, from := range Statuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Transition is one recorded status change
type Transition struct {
	From   Status    `yaml:"from" json:"from"`
	To     Status    `yaml:"to" json:"to"`
	At     time.Time `yaml:"at" json:"at"`
	Reason string    `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Project is a tracked infrastructure directory with a destroy schedule
type Project struct {
	ID              string                      `yaml:"id" json:"id"`
	Path            string                      `yaml:"path" json:"path"`
	Config          projectconfig.ProjectConfig `yaml:"config" json:"config"`
	DiscoveredAt    time.Time                   `yaml:"discovered_at" json:"discovered_at"`
	DestroyAt       time.Time                   `yaml:"destroy_at" json:"destroy_at"`
	Status          Status                      `yaml:"status" json:"status"`
	LastExecutionID string                      `yaml:"last_execution_id,omitempty" json:"last_execution_id,omitempty"`
	Metadata        map[string]string           `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Transitions     []Transition                `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// NewProject builds a discovered project whose DestroyAt is discoveredAt plus
// the config timeout.
func NewProject(id, path string, cfg projectconfig.ProjectConfig, discoveredAt time.Time) *Project {
	return &Project{
		ID:           id,
		Path:         path,
		Config:       cfg.Clone(),
		DiscoveredAt: discoveredAt,
		DestroyAt:    discoveredAt.Add(cfg.TimeoutDuration),
		Status:       StatusDiscovered,
		Metadata:     map[string]string{},
	}
}

// DisplayName is the configured name, falling back to the path.
func (p *Project) DisplayName() string {
	if p.Config.Name != "" {
		return p.Config.Name
	}
	return p.Path
}

// Transition moves the project to status to. For failures reason is kept as
// the last error. Rejected requests return a *TransitionError and change
// nothing.
func (p *Project) Transition(to Status, reason string, at time.Time) error {
	if !CanTransition(p.Status, to) {
		return &TransitionError{ProjectID: p.ID, From: p.Status, To: to, Required: SourcesOf(to)}
	}
	p.Transitions = append(p.Transitions, Transition{From: p.Status, To: to, At: at, Reason: reason})
	p.Status = to
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	p.Metadata[MetaTransitionedAt] = at.UTC().Format(time.RFC3339Nano)
	if to == StatusFailed && reason != "" {
		p.Metadata[MetaLastError] = reason
	}
	return nil
}

// Reschedule moves DestroyAt while the project stays scheduled. The new time
// may not precede DiscoveredAt.
func (p *Project) Reschedule(destroyAt time.Time, at time.Time) error {
	if p.Status != StatusScheduled {
		return &TransitionError{ProjectID: p.ID, From: p.Status, To: StatusScheduled, Required: []Status{StatusScheduled}}
	}
	if destroyAt.Before(p.DiscoveredAt) {
		destroyAt = p.DiscoveredAt
	}
	if err := p.Transition(StatusScheduled, "rescheduled", at); err != nil {
		return err
	}
	p.DestroyAt = destroyAt
	return nil
}

// Clone returns a deep copy.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	out := *p
	out.Config = p.Config.Clone()
	out.Metadata = maps.Clone(p.Metadata)
	out.Transitions = slices.Clone(p.Transitions)
	return &out
}
