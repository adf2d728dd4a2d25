// Package projectconfig validates the declarative .reaper.yaml file that marks
// a project directory for scheduled destruction.
//
// Validation is all-or-nothing: Validate either returns a fully typed
// ProjectConfig or the first violated rule as a *ValidationError.
package projectconfig

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gurisko/reaper/internal/duration"
)

// ErrValidation is matched by every *ValidationError via errors.Is
var ErrValidation = errors.New("invalid project config")

// ValidationError names the offending field and what was wrong with it
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid project config: " + e.Message
	}
	return fmt.Sprintf("invalid project config: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

const (
	maxRetries   = 10
	maxTagLength = 50
)

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.-]{0,99}$`)
	tagPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Validate checks raw (as decoded from YAML or JSON) and returns the typed
// config. projectPath anchors execution.workingDirectory.
func Validate(raw any, projectPath string) (*ProjectConfig, error) {
	obj, ok := asObject(raw)
	if !ok {
		return nil, invalid("", "config must be an object, got %s", typeName(raw))
	}

	cfg := &ProjectConfig{}

	// version
	v, present := obj["version"]
	if !present {
		return nil, invalid("version", "is required")
	}
	version, ok := asInt(v)
	if !ok || version != SupportedVersion {
		return nil, invalid("version", "must be %d, got %v", SupportedVersion, v)
	}
	cfg.Version = version

	// timeout
	t, present := obj["timeout"]
	if !present {
		return nil, invalid("timeout", "is required")
	}
	timeout, ok := t.(string)
	if !ok {
		return nil, invalid("timeout", "must be a duration string, got %s", typeName(t))
	}
	d, err := duration.ParseTimeout(timeout)
	if err != nil {
		return nil, invalid("timeout", "%v", err)
	}
	cfg.Timeout = timeout
	cfg.TimeoutDuration = d

	if c, present := obj["command"]; present {
		cmd, ok := c.(string)
		if !ok || strings.TrimSpace(cmd) == "" {
			return nil, invalid("command", "must be a non-empty string")
		}
		cfg.Command = cmd
	}

	if n, present := obj["name"]; present {
		name, ok := n.(string)
		if !ok || !namePattern.MatchString(name) {
			return nil, invalid("name", "must be 1-100 characters of letters, digits, spaces, '.', '_' or '-'")
		}
		cfg.Name = name
	}

	if raw, present := obj["tags"]; present {
		tags, err := validateTags(raw)
		if err != nil {
			return nil, err
		}
		cfg.Tags = tags
	}

	if raw, present := obj["execution"]; present {
		exec, err := validateExecution(raw, projectPath)
		if err != nil {
			return nil, err
		}
		cfg.Execution = exec
	}

	if raw, present := obj["hooks"]; present {
		hooks, err := validateHooks(raw)
		if err != nil {
			return nil, err
		}
		cfg.Hooks = hooks
	}

	return cfg, nil
}

func validateTags(raw any) ([]string, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, invalid("tags", "must be a list of strings")
	}
	tags := make([]string, 0, len(list))
	for i, item := range list {
		tag, ok := item.(string)
		field := fmt.Sprintf("tags[%d]", i)
		if !ok {
			return nil, invalid(field, "must be a string")
		}
		if len(tag) == 0 || len(tag) > maxTagLength {
			return nil, invalid(field, "must be 1-%d characters", maxTagLength)
		}
		if !tagPattern.MatchString(tag) {
			return nil, invalid(field, "may only contain letters, digits, '_' and '-'")
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

func validateExecution(raw any, projectPath string) (*ExecutionOptions, error) {
	obj, ok := asObject(raw)
	if !ok {
		return nil, invalid("execution", "must be an object")
	}
	opts := &ExecutionOptions{}

	if r, present := obj["retries"]; present {
		retries, ok := asInt(r)
		if !ok || retries < 0 || retries > maxRetries {
			return nil, invalid("execution.retries", "must be an integer between 0 and %d", maxRetries)
		}
		opts.Retries = retries
	}

	if e, present := obj["environment"]; present {
		env, ok := asObject(e)
		if !ok {
			return nil, invalid("execution.environment", "must be a map of strings")
		}
		opts.Environment = make(map[string]string, len(env))
		for k, v := range env {
			s, ok := v.(string)
			if !ok {
				return nil, invalid("execution.environment."+k, "must be a string, got %s", typeName(v))
			}
			opts.Environment[k] = s
		}
	}

	if w, present := obj["workingDirectory"]; present {
		wd, ok := w.(string)
		if !ok || strings.TrimSpace(wd) == "" {
			return nil, invalid("execution.workingDirectory", "must be a non-empty string")
		}
		if !withinProject(projectPath, wd) {
			return nil, invalid("execution.workingDirectory", "%q escapes the project directory", wd)
		}
		opts.WorkingDirectory = wd
	}

	if s, present := obj["shell"]; present {
		shell, ok := s.(string)
		if !ok || strings.TrimSpace(shell) == "" {
			return nil, invalid("execution.shell", "must be a non-empty string")
		}
		opts.Shell = shell
	}

	return opts, nil
}

func validateHooks(raw any) (*Hooks, error) {
	obj, ok := asObject(raw)
	if !ok {
		return nil, invalid("hooks", "must be an object")
	}
	hooks := &Hooks{}
	for _, h := range []struct {
		key string
		dst *[]string
	}{
		{"beforeDestroy", &hooks.BeforeDestroy},
		{"afterDestroy", &hooks.AfterDestroy},
		{"onFailure", &hooks.OnFailure},
	} {
		v, present := obj[h.key]
		if !present {
			continue
		}
		field := "hooks." + h.key
		list, ok := v.([]any)
		if !ok || len(list) == 0 {
			return nil, invalid(field, "must be a non-empty list of commands")
		}
		cmds := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, invalid(fmt.Sprintf("%s[%d]", field, i), "must be a non-empty string")
			}
			cmds = append(cmds, s)
		}
		*h.dst = cmds
	}
	return hooks, nil
}

// withinProject reports whether wd, resolved against projectPath, stays inside it.
func withinProject(projectPath, wd string) bool {
	base := filepath.Clean(projectPath)
	target := wd
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	rel, err := filepath.Rel(base, filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		if n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64, uint64, float64:
		return "number"
	case []any:
		return "list"
	}
	if _, ok := asObject(v); ok {
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
