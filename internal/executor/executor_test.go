//go:build unix

package executor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurisko/reaper/internal/lifecycle"
	"github.com/gurisko/reaper/internal/notify"
	"github.com/gurisko/reaper/internal/projectconfig"
)

// memStore is an in-memory ExecutionStore
type memStore struct {
	mu    sync.Mutex
	execs map[string]*lifecycle.Execution
	order []string
}

func newMemStore() *memStore { return &memStore{execs: map[string]*lifecycle.Execution{}} }

func (s *memStore) Create(_ context.Context, e *lifecycle.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[e.ID] = e.Clone()
	s.order = append(s.order, e.ID)
	return nil
}

func (s *memStore) Update(_ context.Context, e *lifecycle.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[e.ID]; !ok {
		return &lifecycle.NotFoundError{Kind: "execution", ID: e.ID}
	}
	s.execs[e.ID] = e.Clone()
	return nil
}

func (s *memStore) FindByID(_ context.Context, id string) (*lifecycle.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, &lifecycle.NotFoundError{Kind: "execution", ID: id}
	}
	return e.Clone(), nil
}

func (s *memStore) all() []*lifecycle.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*lifecycle.Execution, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.execs[id].Clone())
	}
	return out
}

func testConfig() Config {
	return Config{
		DefaultShell:   "/bin/sh",
		Environment:    map[string]string{"PATH": os.Getenv("PATH")},
		RetryBackoff:   10 * time.Millisecond,
		GracePeriod:    200 * time.Millisecond,
		MaxOutputBytes: 4096,
	}
}

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *memStore, *notify.Recorder) {
	t.Helper()
	store := newMemStore()
	rec := notify.NewRecorder(0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, store, rec, nil, logger), store, rec
}

func testProject(t *testing.T, raw map[string]any) *lifecycle.Project {
	t.Helper()
	dir := t.TempDir()
	if _, ok := raw["version"]; !ok {
		raw["version"] = 1
	}
	if _, ok := raw["timeout"]; !ok {
		raw["timeout"] = "10s"
	}
	cfg, err := projectconfig.Validate(raw, dir)
	require.NoError(t, err)
	p := lifecycle.NewProject("proj-1", dir, *cfg, time.Now())
	return p
}

func TestExecute_Success(t *testing.T) {
	ex, store, rec := newTestExecutor(t, testConfig())
	p := testProject(t, map[string]any{"command": "echo destroyed; echo warn >&2"})

	got, err := ex.Execute(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.ExecutionCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, "destroyed\n", got.Stdout)
	assert.Equal(t, "warn\n", got.Stderr)
	assert.Equal(t, 1, got.Attempt)
	assert.NotNil(t, got.CompletedAt)

	stored := store.all()
	require.Len(t, stored, 1)
	assert.Equal(t, lifecycle.ExecutionCompleted, stored[0].Status)

	assert.Equal(t, []notify.Type{notify.ExecutionStarted, notify.ExecutionCompleted}, rec.Types())
	assert.Empty(t, ex.Running())
}

func TestExecute_NoCommandIsNoopSuccess(t *testing.T) {
	ex, _, _ := newTestExecutor(t, testConfig())
	p := testProject(t, map[string]any{})

	got, err := ex.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ExecutionCompleted, got.Status)
}

func TestExecute_HooksOrderAndEnvironment(t *testing.T) {
	ex, _, _ := newTestExecutor(t, testConfig())
	p := testProject(t, map[string]any{
		"command": "echo main $TARGET",
		"execution": map[string]any{
			"environment":      map[string]any{"TARGET": "sandbox"},
			"workingDirectory": ".",
		},
		"hooks": map[string]any{
			"beforeDestroy": []any{"echo before", "echo attempt=$REAPER_ATTEMPT"},
			"afterDestroy":  []any{"echo after"},
			"onFailure":     []any{"echo never"},
		},
	})

	got, err := ex.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ExecutionCompleted, got.Status)
	assert.Equal(t, "before\nattempt=1\nmain sandbox\nafter\n", got.Stdout)
}

func TestExecute_BeforeHookFailureRunsOnFailure(t *testing.T) {
	ex, _, rec := newTestExecutor(t, testConfig())
	p := testProject(t, map[string]any{
		"command": "echo should-not-run",
		"hooks": map[string]any{
			"beforeDestroy": []any{"exit 3"},
			"onFailure":     []any{"echo cleanup"},
		},
	})

	got, err := ex.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ExecutionFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 3, *got.ExitCode)
	assert.Equal(t, "cleanup\n", got.Stdout)
	assert.Contains(t, got.Error, "beforeDestroy")
	assert.Contains(t, rec.Types(), notify.ExecutionFailed)
}

// Scenario: retries=2 yields three failed attempts.
func TestExecute_RetriesExhausted(t *testing.T) {
	ex, store, rec := newTestExecutor(t, testConfig())
	p := testProject(t, map[string]any{
		"command":   "exit 1",
		"execution": map[string]any{"retries": 2},
	})

	got, err := ex.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ExecutionFailed, got.Status)
	assert.Equal(t, 3, got.Attempt)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 1, *got.ExitCode)

	stored := store.all()
	require.Len(t, stored, 3)
	for i, e := range stored {
		assert.Equal(t, i+1, e.Attempt)
		assert.Equal(t, lifecycle.ExecutionFailed, e.Status)
	}

	started := 0
	for _, typ := range rec.Types() {
		if typ == notify.ExecutionStarted {
			started++
		}
	}
	assert.Equal(t, 3, started)
}

func TestExecute_RetrySucceeds(t *testing.T) {
	ex, store, _ := newTestExecutor(t, testConfig())
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	p := testProject(t, map[string]any{
		"command":   "if [ -f " + marker + " ]; then exit 0; fi; touch " + marker + "; exit 1",
		"execution": map[string]any{"retries": 3},
	})

	got, err := ex.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ExecutionCompleted, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Len(t, store.all(), 2)
}

func TestExecute_Timeout(t *testing.T) {
	ex, _, _ := newTestExecutor(t, testConfig())
	p := testProject(t, map[string]any{
		"timeout": "1s",
		"command": "sleep 30",
	})

	start := time.Now()
	got, err := ex.Execute(context.Background(), p)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, lifecycle.ExecutionTimeout, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, TimeoutExitCode, *got.ExitCode)
}

func TestExecute_TimeoutKillsProcessTree(t *testing.T) {
	ex, _, _ := newTestExecutor(t, testConfig())
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	p := testProject(t, map[string]any{
		"timeout": "1s",
		// the grandchild ignores SIGTERM so only SIGKILL to the group stops it
		"command": "sh -c 'trap \"\" TERM; echo $$ > " + pidFile + "; sleep 30' & wait",
	})

	got, err := ex.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ExecutionTimeout, got.Status)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid := strings.TrimSpace(string(data))
	require.NotEmpty(t, pid)

	assert.Eventually(t, func() bool { return processGone(pid) },
		5*time.Second, 50*time.Millisecond, "grandchild %s should be killed", pid)
}

// processGone treats zombies as gone: an unreaped child of init still has a
// /proc entry.
func processGone(pid string) bool {
	data, err := os.ReadFile("/proc/" + pid + "/stat")
	if err != nil {
		return true
	}
	fields := strings.Fields(string(data[strings.LastIndexByte(string(data), ')')+1:]))
	return len(fields) > 0 && (fields[0] == "Z" || fields[0] == "X")
}

func TestExecute_OutputTruncated(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOutputBytes = 1024
	ex, _, _ := newTestExecutor(t, cfg)
	p := testProject(t, map[string]any{
		"command": "i=0; while [ $i -lt 500 ]; do echo line-$i; i=$((i+1)); done",
	})

	got, err := ex.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ExecutionCompleted, got.Status)
	assert.True(t, got.Truncated)
	assert.LessOrEqual(t, len(got.Stdout), 1024)
	assert.True(t, strings.HasSuffix(got.Stdout, "line-499\n"), "tail of the output is kept")
}

func TestCancel_RunningExecution(t *testing.T) {
	ex, store, _ := newTestExecutor(t, testConfig())
	p := testProject(t, map[string]any{
		"command":   "sleep 30",
		"execution": map[string]any{"retries": 2},
	})

	type result struct {
		exec *lifecycle.Execution
		err  error
	}
	done := make(chan result, 1)
	go func() {
		e, err := ex.Execute(context.Background(), p)
		done <- result{e, err}
	}()

	require.Eventually(t, func() bool {
		r := ex.Running()
		return len(r) == 1 && r[0].Status == lifecycle.ExecutionRunning
	}, 5*time.Second, 10*time.Millisecond)
	running := ex.Running()[0]

	require.NoError(t, ex.Cancel(context.Background(), running.ID))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, lifecycle.ExecutionCancelled, r.exec.Status)
		assert.Equal(t, 1, r.exec.Attempt, "cancellation stops retries")
	case <-time.After(10 * time.Second):
		t.Fatal("execution did not stop after cancel")
	}

	// cancelling again is a no-op on a terminal record
	assert.NoError(t, ex.Cancel(context.Background(), running.ID))
	assert.Len(t, store.all(), 1)
}

func TestCancel_DuringRetryBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoff = 5 * time.Second
	ex, store, rec := newTestExecutor(t, cfg)
	p := testProject(t, map[string]any{
		"command":   "exit 1",
		"execution": map[string]any{"retries": 2},
	})

	done := make(chan *lifecycle.Execution, 1)
	go func() {
		e, err := ex.Execute(context.Background(), p)
		assert.NoError(t, err)
		done <- e
	}()

	require.Eventually(t, func() bool {
		all := store.all()
		return len(all) == 1 && all[0].Status == lifecycle.ExecutionFailed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, ex.Running(), "nothing runs during the backoff")

	first := store.all()[0]
	require.NoError(t, ex.Cancel(context.Background(), first.ID))

	select {
	case got := <-done:
		assert.Equal(t, first.ID, got.ID)
		assert.Equal(t, lifecycle.ExecutionCancelled, got.Status)
		assert.Equal(t, 1, got.Attempt)
		assert.Contains(t, got.Error, "retries cancelled")
	case <-time.After(3 * time.Second):
		t.Fatal("retry loop kept going after cancel")
	}

	stored := store.all()
	require.Len(t, stored, 1, "no further attempts")
	assert.Equal(t, lifecycle.ExecutionCancelled, stored[0].Status)
	assert.Contains(t, rec.Types(), notify.ExecutionFailed)

	assert.NoError(t, ex.Cancel(context.Background(), first.ID))
}

// statusLog remembers every status an execution was stored with
type statusLog struct {
	*memStore
	mu   sync.Mutex
	seen []lifecycle.ExecutionStatus
}

func (s *statusLog) Create(ctx context.Context, e *lifecycle.Execution) error {
	s.note(e)
	return s.memStore.Create(ctx, e)
}

func (s *statusLog) Update(ctx context.Context, e *lifecycle.Execution) error {
	s.note(e)
	return s.memStore.Update(ctx, e)
}

func (s *statusLog) note(e *lifecycle.Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, e.Status)
}

func TestExecute_QueuedUntilFirstStep(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want []lifecycle.ExecutionStatus
	}{
		{
			name: "command",
			raw:  map[string]any{"command": "true"},
			want: []lifecycle.ExecutionStatus{lifecycle.ExecutionQueued, lifecycle.ExecutionRunning, lifecycle.ExecutionCompleted},
		},
		{
			name: "nothing to run",
			raw:  map[string]any{},
			want: []lifecycle.ExecutionStatus{lifecycle.ExecutionQueued, lifecycle.ExecutionCompleted},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &statusLog{memStore: newMemStore()}
			ex := New(testConfig(), store, nil, nil, nil)

			got, err := ex.Execute(context.Background(), testProject(t, tt.raw))
			require.NoError(t, err)
			assert.Equal(t, lifecycle.ExecutionCompleted, got.Status)
			assert.Equal(t, tt.want, store.seen)
		})
	}
}

func TestExecute_BackgroundProcessHoldingOutput(t *testing.T) {
	ex, _, _ := newTestExecutor(t, testConfig())
	p := testProject(t, map[string]any{"command": "sleep 3 & echo done"})

	start := time.Now()
	got, err := ex.Execute(context.Background(), p)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second, "the grace period bounds the wait")
	assert.Equal(t, lifecycle.ExecutionCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, "done\n", got.Stdout)
	assert.True(t, got.Truncated)
	assert.Contains(t, got.Error, "background process")
}

func TestCancel_Unknown(t *testing.T) {
	ex, _, _ := newTestExecutor(t, testConfig())
	err := ex.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestExecute_ContextAlreadyDone(t *testing.T) {
	ex, store, _ := newTestExecutor(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ex.Execute(ctx, testProject(t, map[string]any{"command": "true"}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.all())
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(8)
	_, _ = b.Write([]byte("abcd"))
	assert.False(t, b.Truncated())
	_, _ = b.Write([]byte("efghij"))
	assert.Equal(t, "cdefghij", b.String())
	assert.True(t, b.Truncated())
	_, _ = b.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", b.String())
}
