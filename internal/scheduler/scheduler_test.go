package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurisko/reaper/internal/lifecycle"
	"github.com/gurisko/reaper/internal/metrics"
	"github.com/gurisko/reaper/internal/notify"
	"github.com/gurisko/reaper/internal/projectconfig"
)

const waitFor = 5 * time.Second

type memStore struct {
	mu       sync.Mutex
	projects map[string]*lifecycle.Project
	failures int
}

func newMemStore() *memStore {
	return &memStore{projects: make(map[string]*lifecycle.Project)}
}

func (m *memStore) Update(p *lifecycle.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("disk full")
	}
	m.projects[p.ID] = p.Clone()
	return nil
}

func (m *memStore) status(id string) lifecycle.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projects[id]; ok {
		return p.Status
	}
	return ""
}

func (m *memStore) get(id string) *lifecycle.Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projects[id].Clone()
}

// fakeDispatcher records handoffs. When gate is set each Execute blocks
// until the gate is closed.
type fakeDispatcher struct {
	gate   chan struct{}
	delay  time.Duration
	status lifecycle.ExecutionStatus

	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32
}

func (d *fakeDispatcher) Execute(ctx context.Context, p *lifecycle.Project) (*lifecycle.Execution, error) {
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		cur := d.maxActive.Load()
		if n <= cur || d.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	call := d.calls.Add(1)

	if d.gate != nil {
		<-d.gate
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	status := d.status
	if status == "" {
		status = lifecycle.ExecutionCompleted
	}
	exec := &lifecycle.Execution{
		ID:        fmt.Sprintf("exec-%d", call),
		ProjectID: p.ID,
		Attempt:   1,
		StartedAt: time.Now(),
		Status:    lifecycle.ExecutionRunning,
	}
	code := 0
	if status != lifecycle.ExecutionCompleted {
		code = 1
		exec.Error = "boom"
	}
	exec.Finish(status, &code, time.Now())
	return exec, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProject(t *testing.T, id string, destroyIn time.Duration) *lifecycle.Project {
	t.Helper()
	cfg, err := projectconfig.Validate(map[string]any{"version": 1, "timeout": "1h"}, "/srv/"+id)
	require.NoError(t, err)

	discovered := time.Now().UTC().Add(destroyIn - time.Hour)
	return lifecycle.NewProject(id, "/srv/"+id, *cfg, discovered)
}

type harness struct {
	sched      *Scheduler
	store      *memStore
	dispatcher *fakeDispatcher
	events     *notify.Recorder
	metrics    *metrics.Collector
}

func newHarness(t *testing.T, cfg Config, d *fakeDispatcher) *harness {
	t.Helper()
	if d == nil {
		d = &fakeDispatcher{}
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	h := &harness{
		store:      newMemStore(),
		dispatcher: d,
		events:     notify.NewRecorder(0),
		metrics:    metrics.NewCollector(),
	}
	h.sched = New(cfg, h.store, d, h.events, h.metrics, testLogger())
	h.sched.Start(context.Background())
	t.Cleanup(func() {
		h.sched.Stop()
		if d.gate != nil {
			select {
			case <-d.gate:
			default:
				close(d.gate)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.sched.Wait(ctx)
	})
	return h
}

func TestSchedule_TransitionsAndPersists(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentExecutions: 1}, nil)
	ctx := context.Background()

	p := newProject(t, "a", time.Hour)
	got, err := h.sched.Schedule(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.StatusScheduled, got.Status)
	assert.Equal(t, lifecycle.StatusDiscovered, p.Status, "caller's project is not mutated")
	assert.Equal(t, lifecycle.StatusScheduled, h.store.status("a"))
	assert.Contains(t, h.events.Types(), notify.ProjectScheduled)

	expected := `
# HELP reaper_projects_scheduled Projects waiting in the scheduler queue
# TYPE reaper_projects_scheduled gauge
reaper_projects_scheduled 1
`
	require.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected), "reaper_projects_scheduled"))
}

func TestSchedule_Duplicate(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	p := newProject(t, "a", time.Hour)
	_, err := h.sched.Schedule(ctx, p)
	require.NoError(t, err)

	_, err = h.sched.Schedule(ctx, p)
	assert.ErrorIs(t, err, lifecycle.ErrDuplicate)
}

func TestScheduler_NotRunning(t *testing.T) {
	s := New(Config{}, newMemStore(), &fakeDispatcher{}, nil, nil, nil)
	_, err := s.Schedule(context.Background(), newProject(t, "a", time.Hour))
	assert.ErrorIs(t, err, ErrNotRunning)

	s.Start(context.Background())
	s.Stop()
	_, err = s.Scheduled(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestScheduler_NeverExceedsCap(t *testing.T) {
	d := &fakeDispatcher{delay: 30 * time.Millisecond}
	h := newHarness(t, Config{MaxConcurrentExecutions: 2}, d)
	ctx := context.Background()

	const n = 10
	for i := range n {
		_, err := h.sched.Schedule(ctx, newProject(t, fmt.Sprintf("p%02d", i), -time.Minute))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		assert.LessOrEqual(t, h.sched.Running(), 2)
		for i := range n {
			if h.store.status(fmt.Sprintf("p%02d", i)) != lifecycle.StatusDestroyed {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, int32(n), d.calls.Load())
	assert.Equal(t, int32(2), d.maxActive.Load())
	assert.Zero(t, h.sched.Running())
}

func TestCancel_Scheduled(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	_, err := h.sched.Schedule(ctx, newProject(t, "a", time.Hour))
	require.NoError(t, err)
	scheduled, err := h.sched.Scheduled(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)

	got, err := h.sched.Cancel(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCancelled, got.Status)

	scheduled, err = h.sched.Scheduled(ctx)
	require.NoError(t, err)
	assert.Empty(t, scheduled)
	assert.Equal(t, lifecycle.StatusCancelled, h.store.status("a"))
	assert.Contains(t, h.events.Types(), notify.ProjectCancelled)

	_, err = h.sched.Get(ctx, "a")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestCancel_Unknown(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, err := h.sched.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

// A destroying project cannot be cancelled and stays destroying.
func TestCancel_DestroyingIsRejected(t *testing.T) {
	d := &fakeDispatcher{gate: make(chan struct{})}
	h := newHarness(t, Config{}, d)
	ctx := context.Background()

	_, err := h.sched.Schedule(ctx, newProject(t, "a", -time.Second))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.sched.Running() == 1 }, waitFor, 5*time.Millisecond)

	_, err = h.sched.Cancel(ctx, "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	var terr *lifecycle.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, lifecycle.StatusDestroying, terr.From)

	got, err := h.sched.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusDestroying, got.Status)
	assert.Equal(t, lifecycle.StatusDestroying, h.store.status("a"))
	assert.NotContains(t, h.events.Types(), notify.ProjectCancelled)

	close(d.gate)
	require.Eventually(t, func() bool {
		return h.store.status("a") == lifecycle.StatusDestroyed
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "exec-1", h.store.get("a").LastExecutionID)
}

func TestScheduled_Ordering(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	base := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	b := newProject(t, "b", 2*time.Hour)
	c := newProject(t, "c", time.Hour)
	c.DestroyAt = base
	a := newProject(t, "a", time.Hour)
	a.DestroyAt = base

	for _, p := range []*lifecycle.Project{b, c, a} {
		_, err := h.sched.Schedule(ctx, p)
		require.NoError(t, err)
	}

	got, err := h.sched.Scheduled(ctx)
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, p := range got {
		ids[i] = p.ID
	}
	assert.Equal(t, []string{"a", "c", "b"}, ids)
}

func TestReschedule(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	p := newProject(t, "a", time.Hour)
	_, err := h.sched.Schedule(ctx, p)
	require.NoError(t, err)

	at := time.Now().UTC().Add(3 * time.Hour)
	got, err := h.sched.Reschedule(ctx, "a", at)
	require.NoError(t, err)
	assert.True(t, got.DestroyAt.Equal(at))
	assert.True(t, h.store.get("a").DestroyAt.Equal(at))
	assert.Contains(t, h.events.Types(), notify.ProjectRescheduled)

	_, err = h.sched.Reschedule(ctx, "missing", at)
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestReschedule_ClampsToDiscovery(t *testing.T) {
	d := &fakeDispatcher{gate: make(chan struct{})}
	h := newHarness(t, Config{}, d)
	ctx := context.Background()

	p := newProject(t, "a", 2*time.Hour)
	_, err := h.sched.Schedule(ctx, p)
	require.NoError(t, err)

	got, err := h.sched.Reschedule(ctx, "a", p.DiscoveredAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, got.DestroyAt.Equal(p.DiscoveredAt))
}

func TestReschedule_DestroyingIsRejected(t *testing.T) {
	d := &fakeDispatcher{gate: make(chan struct{})}
	h := newHarness(t, Config{}, d)
	ctx := context.Background()

	_, err := h.sched.Schedule(ctx, newProject(t, "a", -time.Second))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.sched.Running() == 1 }, waitFor, 5*time.Millisecond)

	_, err = h.sched.Reschedule(ctx, "a", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestPostpone(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	p := newProject(t, "a", 2*time.Hour)
	scheduled, err := h.sched.Schedule(ctx, p)
	require.NoError(t, err)
	due := scheduled.DestroyAt

	got, err := h.sched.Postpone(ctx, "a", time.Time{}, time.Hour)
	require.NoError(t, err)
	assert.True(t, got.DestroyAt.Equal(due.Add(time.Hour)))
	due = got.DestroyAt

	for _, until := range []time.Time{time.Now().Add(-time.Minute), due.Add(-time.Hour), due} {
		_, err = h.sched.Postpone(ctx, "a", until, 0)
		assert.ErrorIs(t, err, lifecycle.ErrNotLater)
	}
	_, err = h.sched.Postpone(ctx, "a", time.Time{}, -time.Minute)
	assert.ErrorIs(t, err, lifecycle.ErrNotLater)

	current, err := h.sched.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, current.DestroyAt.Equal(due))
	assert.True(t, h.store.get("a").DestroyAt.Equal(due))

	_, err = h.sched.Postpone(ctx, "missing", time.Time{}, time.Hour)
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestDispatchNow(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	_, err := h.sched.Schedule(ctx, newProject(t, "a", 24*time.Hour))
	require.NoError(t, err)

	_, err = h.sched.DispatchNow(ctx, "a")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.store.status("a") == lifecycle.StatusDestroyed
	}, waitFor, 5*time.Millisecond)

	_, err = h.sched.DispatchNow(ctx, "missing")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestDispatchNow_RespectsCap(t *testing.T) {
	d := &fakeDispatcher{gate: make(chan struct{})}
	h := newHarness(t, Config{MaxConcurrentExecutions: 1}, d)
	ctx := context.Background()

	_, err := h.sched.Schedule(ctx, newProject(t, "a", -time.Second))
	require.NoError(t, err)
	_, err = h.sched.Schedule(ctx, newProject(t, "b", 24*time.Hour))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.sched.Running() == 1 }, waitFor, 5*time.Millisecond)

	got, err := h.sched.DispatchNow(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusScheduled, got.Status)
	assert.Equal(t, 1, h.sched.Running())

	_, err = h.sched.DispatchNow(ctx, "a")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	close(d.gate)
	require.Eventually(t, func() bool {
		return h.store.status("b") == lifecycle.StatusDestroyed
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(1), d.maxActive.Load())
}

func TestSetConfig_RaisesCap(t *testing.T) {
	d := &fakeDispatcher{gate: make(chan struct{})}
	h := newHarness(t, Config{MaxConcurrentExecutions: 1}, d)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := h.sched.Schedule(ctx, newProject(t, id, -time.Second))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return h.sched.Running() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.sched.SetConfig(ctx, Config{MaxConcurrentExecutions: 2, PollInterval: 10 * time.Millisecond}))
	require.Eventually(t, func() bool { return h.sched.Running() == 2 }, waitFor, 5*time.Millisecond)
}

func TestFailure_RetriesProject(t *testing.T) {
	d := &fakeDispatcher{status: lifecycle.ExecutionFailed}
	h := newHarness(t, Config{RetryAttempts: 1, RetryDelay: 20 * time.Millisecond}, d)
	ctx := context.Background()

	_, err := h.sched.Schedule(ctx, newProject(t, "a", -time.Second))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.calls.Load() == 2 && h.store.status("a") == lifecycle.StatusFailed
	}, waitFor, 5*time.Millisecond)

	got := h.store.get("a")
	assert.Equal(t, "1", got.Metadata[lifecycle.MetaRetryCount])
	assert.Equal(t, "boom", got.Metadata[lifecycle.MetaLastError])
	assert.Equal(t, "exec-2", got.LastExecutionID)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), d.calls.Load(), "retry budget is exhausted")
	assert.Contains(t, h.events.Types(), notify.ProjectRescheduled)
}

func TestCancelledExecution_FailsWithoutRetry(t *testing.T) {
	d := &fakeDispatcher{status: lifecycle.ExecutionCancelled}
	h := newHarness(t, Config{RetryAttempts: 3}, d)
	ctx := context.Background()

	_, err := h.sched.Schedule(ctx, newProject(t, "a", -time.Second))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.store.status("a") == lifecycle.StatusFailed
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "execution cancelled", h.store.get("a").Metadata[lifecycle.MetaLastError])

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestPersistFailure_RetriedOnTick(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	h.store.mu.Lock()
	h.store.failures = 1
	h.store.mu.Unlock()

	_, err := h.sched.Schedule(ctx, newProject(t, "a", time.Hour))
	require.NoError(t, err, "a failed write does not fail the transition")

	require.Eventually(t, func() bool {
		return h.store.status("a") == lifecycle.StatusScheduled
	}, waitFor, 5*time.Millisecond)
}

func TestWarning_EmittedOnce(t *testing.T) {
	h := newHarness(t, Config{WarningLead: time.Hour}, nil)
	ctx := context.Background()

	_, err := h.sched.Schedule(ctx, newProject(t, "a", 30*time.Minute))
	require.NoError(t, err)
	_, err = h.sched.Schedule(ctx, newProject(t, "b", 3*time.Hour))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return countType(h.events, notify.ProjectWarning) == 1
	}, waitFor, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, countType(h.events, notify.ProjectWarning))
	assert.Equal(t, "true", h.store.get("a").Metadata[lifecycle.MetaWarned])
	assert.Empty(t, h.store.get("b").Metadata[lifecycle.MetaWarned])
}

func countType(r *notify.Recorder, typ notify.Type) int {
	n := 0
	for _, t := range r.Types() {
		if t == typ {
			n++
		}
	}
	return n
}

func TestRestore(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	discovered := newProject(t, "discovered", time.Hour)
	scheduled := newProject(t, "scheduled", 2*time.Hour)
	require.NoError(t, scheduled.Transition(lifecycle.StatusScheduled, "scheduled", now))
	destroying := newProject(t, "destroying", -time.Hour)
	require.NoError(t, destroying.Transition(lifecycle.StatusScheduled, "scheduled", now))
	require.NoError(t, destroying.Transition(lifecycle.StatusDestroying, "due", now))
	cancelled := newProject(t, "cancelled", time.Hour)
	require.NoError(t, cancelled.Transition(lifecycle.StatusCancelled, "cancelled", now))

	require.NoError(t, h.sched.Restore(ctx, []*lifecycle.Project{discovered, scheduled, destroying, cancelled}))

	got, err := h.sched.Scheduled(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "discovered", got[0].ID)
	assert.Equal(t, "scheduled", got[1].ID)

	failed := h.store.get("destroying")
	require.NotNil(t, failed)
	assert.Equal(t, lifecycle.StatusFailed, failed.Status)
	assert.Equal(t, "interrupted", failed.Metadata[lifecycle.MetaLastError])
	assert.Empty(t, h.store.status("cancelled"))
	assert.Zero(t, h.dispatcher.calls.Load())
}

func TestStop_LeavesStatuses(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	_, err := h.sched.Schedule(ctx, newProject(t, "a", 50*time.Millisecond))
	require.NoError(t, err)
	h.sched.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, lifecycle.StatusScheduled, h.store.status("a"))
	assert.Zero(t, h.dispatcher.calls.Load())
}

func TestStop_CompletionPersistedAfterStop(t *testing.T) {
	d := &fakeDispatcher{gate: make(chan struct{})}
	h := newHarness(t, Config{}, d)
	ctx := context.Background()

	_, err := h.sched.Schedule(ctx, newProject(t, "a", -time.Second))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.sched.Running() == 1 }, waitFor, 5*time.Millisecond)

	h.sched.Stop()
	close(d.gate)

	waitCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, h.sched.Wait(waitCtx))
	assert.Equal(t, lifecycle.StatusDestroyed, h.store.status("a"))
}
