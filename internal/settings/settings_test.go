package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Defaults().Validate())

	r, err := Defaults().Resolve()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, r.DefaultTimeout)
	assert.Equal(t, time.Second, r.PollInterval)
	assert.Equal(t, 10*time.Minute, r.WarningLead)
}

func TestKeys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "max_concurrent_executions")
	assert.Contains(t, keys, "environment")
	assert.Len(t, keys, 15)
}

func TestMerge_KnownKeysOverride(t *testing.T) {
	base := Defaults()
	patch := map[string]any{
		"max_concurrent_executions": float64(5), // as decoded from JSON
		"default_shell":             "/bin/bash",
		"environment":               map[string]any{"AWS_PROFILE": "sandbox"},
	}

	out, unknown, err := Merge(base, patch, nil)
	require.NoError(t, err)
	assert.Empty(t, unknown)
	assert.Equal(t, 5, out.MaxConcurrentExecutions)
	assert.Equal(t, "/bin/bash", out.DefaultShell)
	assert.Equal(t, map[string]string{"AWS_PROFILE": "sandbox"}, out.Environment)

	// inputs untouched
	assert.Equal(t, 2, base.MaxConcurrentExecutions)
	assert.Empty(t, base.Environment)
}

func TestMerge_ReportsUnknownKeys(t *testing.T) {
	out, unknown, err := Merge(Defaults(), map[string]any{
		"retry_attempts": 3,
		"maxConcurrent":  9,
		"theme":          "dark",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"maxConcurrent", "theme"}, unknown)
	assert.Equal(t, 3, out.RetryAttempts)
}

func TestMerge_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		patch map[string]any
		key   string
	}{
		{"zero cap", map[string]any{"max_concurrent_executions": 0}, "max_concurrent_executions"},
		{"too many retries", map[string]any{"retry_attempts": 11}, "retry_attempts"},
		{"bad timeout", map[string]any{"default_timeout": "forever"}, "default_timeout"},
		{"timeout too long", map[string]any{"default_timeout": "31d"}, "default_timeout"},
		{"bad delay", map[string]any{"retry_delay": "-5m"}, "retry_delay"},
		{"empty shell", map[string]any{"default_shell": ""}, "default_shell"},
		{"bad level", map[string]any{"log_level": "trace"}, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := Defaults()
			out, _, err := Merge(base, tt.patch, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)

			var cerr *ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.key, cerr.Key)
			assert.Equal(t, base, out, "failed merge returns base")
		})
	}
}

func TestMerge_TypeMismatch(t *testing.T) {
	_, _, err := Merge(Defaults(), map[string]any{"watch_paths": map[string]any{"a": 1}}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestStore_MissingFileUsesDefaults(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "config.yaml"), nil)
	require.NoError(t, err)

	got := s.Get()
	assert.Equal(t, 2, got.MaxConcurrentExecutions)
	assert.Equal(t, "1d", got.DefaultTimeout)
	assert.Equal(t, 1<<20, got.MaxOutputBytes)
	assert.Empty(t, got.WatchPaths)
	assert.NotNil(t, got.Environment)
}

func TestStore_UpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reaper", "config.yaml")
	s, err := Open(path, nil)
	require.NoError(t, err)

	got, unknown, err := s.Update(map[string]any{"retry_attempts": 2, "bogus": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"bogus"}, unknown)
	assert.Equal(t, 2, got.RetryAttempts)

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Get().RetryAttempts)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "bogus")
}

func TestStore_UpdateRejectsInvalid(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "config.yaml"), nil)
	require.NoError(t, err)

	_, _, err = s.Update(map[string]any{"max_concurrent_jobs": -1})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 4, s.Get().MaxConcurrentJobs)
}

func TestStore_Reset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s, err := Open(path, nil)
	require.NoError(t, err)

	_, _, err = s.Update(map[string]any{"default_shell": "/bin/zsh"})
	require.NoError(t, err)

	d, err := s.Reset()
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", d.DefaultShell)

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", reopened.Get().DefaultShell)
}

func TestStore_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_executions: 0\n"), 0o600))

	_, err := Open(path, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestStore_EnvOverride(t *testing.T) {
	t.Setenv("REAPER_DEFAULT_SHELL", "/bin/dash")
	s, err := Open(filepath.Join(t.TempDir(), "config.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, "/bin/dash", s.Get().DefaultShell)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "config.yaml"), nil)
	require.NoError(t, err)

	got := s.Get()
	got.Environment["X"] = "y"
	assert.Empty(t, s.Get().Environment)
}

func TestStore_EnvironmentKeepsCase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment:\n  AWS_PROFILE: sandbox\n"), 0o600))

	s, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"AWS_PROFILE": "sandbox"}, s.Get().Environment)

	got, _, err := s.Update(map[string]any{
		"environment": map[string]any{"AWS_PROFILE": "sandbox", "TF_VAR_region": "eu"},
	})
	require.NoError(t, err)
	want := map[string]string{"AWS_PROFILE": "sandbox", "TF_VAR_region": "eu"}
	assert.Equal(t, want, got.Environment)

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, want, reopened.Get().Environment)

	_, err = reopened.Reset()
	require.NoError(t, err)
	_, _, err = reopened.Update(map[string]any{"environment": map[string]any{"Mixed_Case": 1}})
	require.NoError(t, err)

	again, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Mixed_Case": "1"}, again.Get().Environment)
}

func TestStore_OverridesStayOutOfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_shell: /bin/bash\n"), 0o600))
	t.Setenv("REAPER_DEFAULT_SHELL", "/bin/dash")

	s, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/bin/dash", s.Get().DefaultShell)

	got, _, err := s.Update(map[string]any{"retry_attempts": 1})
	require.NoError(t, err)
	assert.Equal(t, "/bin/dash", got.DefaultShell)
	assert.Equal(t, 1, got.RetryAttempts)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "/bin/bash")
	assert.NotContains(t, string(data), "/bin/dash")

	// an empty variable counts as unset
	t.Setenv("REAPER_DEFAULT_SHELL", "")
	reopened, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/bin/bash", reopened.Get().DefaultShell)
	assert.Equal(t, 1, reopened.Get().RetryAttempts)
}

func TestStore_UnknownFileKeysKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("theme: dark\n"), 0o600))

	s, err := Open(path, nil)
	require.NoError(t, err)
	_, _, err = s.Update(map[string]any{"retry_attempts": 1})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "theme: dark")
}
