package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurisko/reaper/internal/projectconfig"
)

func newTestProject(t *testing.T) *Project {
	t.Helper()
	cfg, err := projectconfig.Validate(map[string]any{"version": 1, "timeout": "1 hour"}, "/work/infra")
	require.NoError(t, err)
	return NewProject("p-1", "/work/infra", *cfg, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
}

func TestNewProject_DestroyAtFromTimeout(t *testing.T) {
	p := newTestProject(t)
	assert.Equal(t, StatusDiscovered, p.Status)
	assert.Equal(t, int64(3_600_000), p.DestroyAt.Sub(p.DiscoveredAt).Milliseconds())
	assert.False(t, p.DestroyAt.Before(p.DiscoveredAt))
}

func TestCanTransition_Graph(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusDiscovered, StatusScheduled}: true,
		{StatusDiscovered, StatusCancelled}: true,
		{StatusScheduled, StatusScheduled}:  true,
		{StatusScheduled, StatusDestroying}: true,
		{StatusScheduled, StatusCancelled}:  true,
		{StatusDestroying, StatusDestroyed}: true,
		{StatusDestroying, StatusFailed}:    true,
		{StatusFailed, StatusScheduled}:     true,
	}

	for _, from := range Statuses {
		for _, to := range Statuses {
			want := allowed[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransition_InvalidLeavesProjectUnchanged(t *testing.T) {
	p := newTestProject(t)
	require.NoError(t, p.Transition(StatusScheduled, "", time.Now()))
	require.NoError(t, p.Transition(StatusDestroying, "", time.Now()))
	before := p.Clone()

	err := p.Transition(StatusCancelled, "user", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StatusDestroying, terr.From)
	assert.Equal(t, []Status{StatusDiscovered, StatusScheduled}, terr.Required)
	assert.Contains(t, err.Error(), "is destroying")
	assert.Contains(t, err.Error(), "discovered or scheduled")

	assert.Equal(t, before, p)
}

func TestTransition_RecordsHistoryAndFailure(t *testing.T) {
	p := newTestProject(t)
	at := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)

	require.NoError(t, p.Transition(StatusScheduled, "", at))
	require.NoError(t, p.Transition(StatusDestroying, "", at))
	require.NoError(t, p.Transition(StatusFailed, "exit status 1", at))

	require.Len(t, p.Transitions, 3)
	assert.Equal(t, Transition{From: StatusDestroying, To: StatusFailed, At: at, Reason: "exit status 1"}, p.Transitions[2])
	assert.Equal(t, "exit status 1", p.Metadata[MetaLastError])
	assert.Equal(t, at.Format(time.RFC3339Nano), p.Metadata[MetaTransitionedAt])

	// retry loop
	require.NoError(t, p.Transition(StatusScheduled, "retry", at))
	assert.Equal(t, StatusScheduled, p.Status)
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusDestroyed, StatusCancelled} {
		for _, to := range Statuses {
			assert.False(t, CanTransition(s, to), "%s must be terminal", s)
		}
	}
	assert.False(t, StatusDestroyed.Active())
	assert.True(t, StatusScheduled.Active())
}

func TestReschedule(t *testing.T) {
	p := newTestProject(t)
	newAt := p.DestroyAt.Add(2 * time.Hour)

	err := p.Reschedule(newAt, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition, "discovered projects cannot be rescheduled")

	require.NoError(t, p.Transition(StatusScheduled, "", time.Now()))
	require.NoError(t, p.Reschedule(newAt, time.Now()))
	assert.Equal(t, newAt, p.DestroyAt)
	assert.Equal(t, StatusScheduled, p.Status)

	require.NoError(t, p.Reschedule(p.DiscoveredAt.Add(-time.Hour), time.Now()))
	assert.Equal(t, p.DiscoveredAt, p.DestroyAt, "destroyAt is clamped to discoveredAt")
}

func TestExecutionStatus(t *testing.T) {
	assert.False(t, ExecutionQueued.IsTerminal())
	assert.False(t, ExecutionRunning.IsTerminal())
	assert.True(t, ExecutionTimeout.IsTerminal())

	assert.Equal(t, StatusDestroyed, ExecutionCompleted.ProjectStatus())
	assert.Equal(t, StatusFailed, ExecutionTimeout.ProjectStatus())
	assert.Equal(t, StatusFailed, ExecutionCancelled.ProjectStatus())
}

func TestExecutionFinish(t *testing.T) {
	start := time.Now()
	e := &Execution{ID: "e", StartedAt: start, Status: ExecutionRunning}
	code := 3
	e.Finish(ExecutionFailed, &code, start.Add(1500*time.Millisecond))

	assert.Equal(t, ExecutionFailed, e.Status)
	assert.Equal(t, int64(1500), e.DurationMS)
	require.NotNil(t, e.CompletedAt)

	c := e.Clone()
	*c.ExitCode = 9
	assert.Equal(t, 3, *e.ExitCode)
}

func TestNotFoundError(t *testing.T) {
	err := error(&NotFoundError{Kind: "project", ID: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "project x not found", err.Error())
}
