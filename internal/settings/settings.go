// Package settings holds the daemon-wide tuning knobs for the scheduler,
// executor and discovery watcher.
//
// Settings are stored as YAML, layered over the defaults with viper and may
// be overridden with REAPER_* environment variables. Updates go through
// Merge, which applies a patch to a known schema and reports every key it
// does not recognise.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/gurisko/reaper/internal/duration"
	"github.com/gurisko/reaper/internal/limits"
)

// ErrConfiguration marks malformed app-level settings
var ErrConfiguration = errors.New("invalid configuration")

// ConfigurationError names the offending key
type ConfigurationError struct {
	Key     string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return "configuration: " + e.Message
	}
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Message)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Settings is the schema of config.yaml. Durations are kept as the human
// strings users write ("90s", "1d 2h") and resolved by Resolve.
type Settings struct {
	MaxConcurrentJobs       int               `mapstructure:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	MaxConcurrentExecutions int               `mapstructure:"max_concurrent_executions" json:"max_concurrent_executions"`
	DefaultTimeout          string            `mapstructure:"default_timeout" json:"default_timeout"`
	RetryAttempts           int               `mapstructure:"retry_attempts" json:"retry_attempts"`
	RetryDelay              string            `mapstructure:"retry_delay" json:"retry_delay"`
	RetryBackoff            string            `mapstructure:"retry_backoff" json:"retry_backoff"`
	DefaultShell            string            `mapstructure:"default_shell" json:"default_shell"`
	Environment             map[string]string `mapstructure:"environment" json:"environment"`
	PollInterval            string            `mapstructure:"poll_interval" json:"poll_interval"`
	GracePeriod             string            `mapstructure:"grace_period" json:"grace_period"`
	MaxOutputBytes          int               `mapstructure:"max_output_bytes" json:"max_output_bytes"`
	WarningLead             string            `mapstructure:"warning_lead" json:"warning_lead"`
	WatchPaths              []string          `mapstructure:"watch_paths" json:"watch_paths"`
	WatchMaxDepth           int               `mapstructure:"watch_max_depth" json:"watch_max_depth"`
	LogLevel                string            `mapstructure:"log_level" json:"log_level"`
}

// Resolved carries the parsed durations of a valid Settings
type Resolved struct {
	DefaultTimeout time.Duration
	RetryDelay     time.Duration
	RetryBackoff   time.Duration
	PollInterval   time.Duration
	GracePeriod    time.Duration
	WarningLead    time.Duration
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		MaxConcurrentJobs:       4,
		MaxConcurrentExecutions: 2,
		DefaultTimeout:          "1d",
		RetryAttempts:           0,
		RetryDelay:              "5m",
		RetryBackoff:            "30s",
		DefaultShell:            "/bin/sh",
		Environment:             map[string]string{},
		PollInterval:            "1s",
		GracePeriod:             "10s",
		MaxOutputBytes:          limits.Output,
		WarningLead:             "10m",
		WatchPaths:              []string{},
		WatchMaxDepth:           4,
		LogLevel:                "info",
	}
}

// Keys lists every known setting key in sorted order.
func Keys() []string {
	m, _ := toMap(Defaults())
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var logLevels = []string{"debug", "info", "warn", "error"}

// Validate checks every field and returns the first problem found.
func (s Settings) Validate() error {
	if s.MaxConcurrentJobs < 1 {
		return &ConfigurationError{Key: "max_concurrent_jobs", Message: "must be at least 1"}
	}
	if s.MaxConcurrentExecutions < 1 {
		return &ConfigurationError{Key: "max_concurrent_executions", Message: "must be at least 1"}
	}
	if s.RetryAttempts < 0 || s.RetryAttempts > 10 {
		return &ConfigurationError{Key: "retry_attempts", Message: "must be between 0 and 10"}
	}
	if s.DefaultShell == "" {
		return &ConfigurationError{Key: "default_shell", Message: "must not be empty"}
	}
	if s.MaxOutputBytes < 1024 {
		return &ConfigurationError{Key: "max_output_bytes", Message: "must be at least 1024"}
	}
	if s.WatchMaxDepth < 0 {
		return &ConfigurationError{Key: "watch_max_depth", Message: "must not be negative"}
	}
	if !slices.Contains(logLevels, s.LogLevel) {
		return &ConfigurationError{Key: "log_level", Message: fmt.Sprintf("must be one of %v", logLevels)}
	}
	_, err := s.Resolve()
	return err
}

// Resolve parses the duration fields.
func (s Settings) Resolve() (Resolved, error) {
	var r Resolved
	timeout, err := duration.ParseTimeout(s.DefaultTimeout)
	if err != nil {
		return r, &ConfigurationError{Key: "default_timeout", Message: err.Error()}
	}
	r.DefaultTimeout = timeout

	fields := []struct {
		key string
		in  string
		out *time.Duration
	}{
		{"retry_delay", s.RetryDelay, &r.RetryDelay},
		{"retry_backoff", s.RetryBackoff, &r.RetryBackoff},
		{"poll_interval", s.PollInterval, &r.PollInterval},
		{"grace_period", s.GracePeriod, &r.GracePeriod},
		{"warning_lead", s.WarningLead, &r.WarningLead},
	}
	for _, f := range fields {
		d, err := duration.Parse(f.in)
		if err != nil {
			return r, &ConfigurationError{Key: f.key, Message: err.Error()}
		}
		*f.out = d
	}
	if r.PollInterval <= 0 {
		return r, &ConfigurationError{Key: "poll_interval", Message: "must be positive"}
	}
	return r, nil
}

// Merge applies patch on top of base. Keys outside the schema are logged and
// returned in unknown rather than dropped silently. Merge never mutates its
// inputs.
func Merge(base Settings, patch map[string]any, logger *slog.Logger) (Settings, []string, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	merged, err := toMap(base)
	if err != nil {
		return base, nil, &ConfigurationError{Message: err.Error()}
	}

	var unknown []string
	for k, v := range patch {
		if _, ok := merged[k]; !ok {
			unknown = append(unknown, k)
			continue
		}
		merged[k] = v
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		logger.Warn("ignoring unknown setting", "key", k)
	}

	out, err := fromMap(merged)
	if err != nil {
		return base, unknown, err
	}
	if err := out.Validate(); err != nil {
		return base, unknown, err
	}
	return out, unknown, nil
}

func toMap(s Settings) (map[string]any, error) {
	out := map[string]any{}
	if err := mapstructure.Decode(s, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromMap(m map[string]any) (Settings, error) {
	var out Settings
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(m); err != nil {
		return out, &ConfigurationError{Message: err.Error()}
	}
	if out.Environment == nil {
		out.Environment = map[string]string{}
	}
	return out, nil
}
