package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurisko/reaper/internal/lifecycle"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 5, 1, 9, 0, 0, 123456789, time.UTC)
	e := &lifecycle.Execution{
		ID:        "exec-1",
		ProjectID: "proj-1",
		Attempt:   1,
		StartedAt: start,
		Status:    lifecycle.ExecutionRunning,
	}
	require.NoError(t, s.Create(ctx, e))

	got, err := s.FindByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ExecutionRunning, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.ExitCode)
	assert.True(t, start.Equal(got.StartedAt))

	code := 0
	e.Stdout = "Destroy complete! Resources: 3 destroyed.\n"
	e.Truncated = true
	e.Finish(lifecycle.ExecutionCompleted, &code, start.Add(2*time.Second))
	require.NoError(t, s.Update(ctx, e))

	got, err = s.FindByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ExecutionCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(2000), got.DurationMS)
	assert.True(t, got.Truncated)
	assert.Equal(t, e.Stdout, got.Stdout)
}

func TestStore_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.FindByID(ctx, "nope")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)

	err = s.Update(ctx, &lifecycle.Execution{ID: "nope", Status: lifecycle.ExecutionFailed})
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestStore_ListByProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Create(ctx, &lifecycle.Execution{
			ID:        "a" + string(rune('0'+i)),
			ProjectID: "proj-a",
			Attempt:   i,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Status:    lifecycle.ExecutionFailed,
		}))
	}
	require.NoError(t, s.Create(ctx, &lifecycle.Execution{ID: "b1", ProjectID: "proj-b", Attempt: 1, StartedAt: base, Status: lifecycle.ExecutionCompleted}))

	all, err := s.ListByProject(ctx, "proj-a", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a3", all[0].ID)
	assert.Equal(t, 3, all[0].Attempt)

	limited, err := s.ListByProject(ctx, "proj-a", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := s.ListByProject(ctx, "proj-c", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_MarkInterrupted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Create(ctx, &lifecycle.Execution{ID: "r", ProjectID: "p", Attempt: 1, StartedAt: now, Status: lifecycle.ExecutionRunning}))
	require.NoError(t, s.Create(ctx, &lifecycle.Execution{ID: "c", ProjectID: "p", Attempt: 1, StartedAt: now, Status: lifecycle.ExecutionCompleted}))

	n, err := s.MarkInterrupted(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.FindByID(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ExecutionFailed, got.Status)
	assert.Equal(t, "interrupted", got.Error)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, &lifecycle.Execution{ID: "x", ProjectID: "p", Attempt: 1, StartedAt: time.Now(), Status: lifecycle.ExecutionQueued}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.FindByID(ctx, "x")
	assert.NoError(t, err)
}
