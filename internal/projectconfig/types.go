package projectconfig

import (
	"maps"
	"path/filepath"
	"slices"
	"time"
)

// SupportedVersion is the only config version this build understands
const SupportedVersion = 1

// FileNames lists the config file names that mark a project directory, in
// lookup order.
var FileNames = []string{".reaper.yaml", ".reaper.yml", "reaper.yaml"}

// ProjectConfig is the validated form of a project's .reaper.yaml
type ProjectConfig struct {
	Version         int               `yaml:"version" json:"version"`
	Timeout         string            `yaml:"timeout" json:"timeout"`
	TimeoutDuration time.Duration     `yaml:"timeout_duration" json:"timeout_ms"`
	Command         string            `yaml:"command,omitempty" json:"command,omitempty"`
	Name            string            `yaml:"name,omitempty" json:"name,omitempty"`
	Tags            []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	Execution       *ExecutionOptions `yaml:"execution,omitempty" json:"execution,omitempty"`
	Hooks           *Hooks            `yaml:"hooks,omitempty" json:"hooks,omitempty"`
}

// ExecutionOptions tunes how the destroy command runs
type ExecutionOptions struct {
	Retries          int               `yaml:"retries" json:"retries"`
	Environment      map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	WorkingDirectory string            `yaml:"workingDirectory,omitempty" json:"working_directory,omitempty"`
	Shell            string            `yaml:"shell,omitempty" json:"shell,omitempty"`
}

// Hooks are ordered shell command sequences around the destroy command
type Hooks struct {
	BeforeDestroy []string `yaml:"beforeDestroy,omitempty" json:"before_destroy,omitempty"`
	AfterDestroy  []string `yaml:"afterDestroy,omitempty" json:"after_destroy,omitempty"`
	OnFailure     []string `yaml:"onFailure,omitempty" json:"on_failure,omitempty"`
}

// Retries returns the configured retry count, zero when unset.
func (c ProjectConfig) Retries() int {
	if c.Execution == nil {
		return 0
	}
	return c.Execution.Retries
}

// WorkingDir resolves the execution working directory against projectPath.
func (c ProjectConfig) WorkingDir(projectPath string) string {
	if c.Execution == nil || c.Execution.WorkingDirectory == "" {
		return projectPath
	}
	wd := c.Execution.WorkingDirectory
	if filepath.IsAbs(wd) {
		return filepath.Clean(wd)
	}
	return filepath.Join(projectPath, wd)
}

// Clone returns a deep copy so callers cannot alias the attached config.
func (c ProjectConfig) Clone() ProjectConfig {
	out := c
	out.Tags = slices.Clone(c.Tags)
	if c.Execution != nil {
		e := *c.Execution
		e.Environment = maps.Clone(c.Execution.Environment)
		out.Execution = &e
	}
	if c.Hooks != nil {
		h := Hooks{
			BeforeDestroy: slices.Clone(c.Hooks.BeforeDestroy),
			AfterDestroy:  slices.Clone(c.Hooks.AfterDestroy),
			OnFailure:     slices.Clone(c.Hooks.OnFailure),
		}
		out.Hooks = &h
	}
	return out
}
