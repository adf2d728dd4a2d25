package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Store owns the settings file. It is safe for concurrent use.
//
// The file is read and written with yaml.v3 rather than through viper:
// viper folds every key to lower case, including the variable names under
// environment. Viper still supplies defaults, REAPER_* overrides and
// decoding.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.RWMutex
	// file holds the document as it is on disk. Overrides never land here.
	file    map[string]any
	current Settings
}

// Open loads path (missing files mean defaults) and applies REAPER_*
// environment overrides.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		path:   path,
		logger: logger.With("component", "settings"),
	}

	file, err := readFile(path)
	if err != nil {
		return nil, err
	}
	for _, k := range unknownKeys(file) {
		s.logger.Warn("ignoring unknown setting in config file", "key", k, "path", path)
	}

	cur, err := load(file)
	if err != nil {
		return nil, err
	}
	s.file = file
	s.current = cur
	return s, nil
}

func readFile(path string) (map[string]any, error) {
	file := map[string]any{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return file, nil
	}
	if err != nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("read %s: %v", path, err)}
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("parse %s: %v", path, err)}
	}
	if file == nil {
		file = map[string]any{}
	}
	return file, nil
}

// load resolves a file document against the defaults and the REAPER_*
// environment.
func load(file map[string]any) (Settings, error) {
	v := newViper()
	if err := v.MergeConfigMap(file); err != nil {
		return Settings{}, &ConfigurationError{Message: err.Error()}
	}

	var cur Settings
	if err := v.Unmarshal(&cur); err != nil {
		return Settings{}, &ConfigurationError{Message: err.Error()}
	}

	cur.Environment = map[string]string{}
	if raw, ok := file["environment"]; ok && raw != nil {
		if err := mapstructure.WeakDecode(raw, &cur.Environment); err != nil {
			return Settings{}, &ConfigurationError{Key: "environment", Message: err.Error()}
		}
	}

	if err := cur.Validate(); err != nil {
		return Settings{}, err
	}
	return cur, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("REAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults, _ := toMap(Defaults())
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

func unknownKeys(file map[string]any) []string {
	known := map[string]bool{}
	for _, k := range Keys() {
		known[k] = true
	}
	var out []string
	for k := range file {
		if !known[strings.ToLower(k)] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Path is the backing file.
func (s *Store) Path() string { return s.path }

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// Update merges patch into the current settings and persists the patched
// keys. Unknown keys are returned and left out of the file. REAPER_*
// overrides keep winning over the file, so the result is what a restart
// would load.
func (s *Store) Update(patch map[string]any) (Settings, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, unknown, err := Merge(s.current, patch, s.logger)
	if err != nil {
		return s.current.clone(), unknown, err
	}
	values, err := toMap(merged)
	if err != nil {
		return s.current.clone(), unknown, &ConfigurationError{Message: err.Error()}
	}

	file := maps.Clone(s.file)
	for k := range patch {
		if v, ok := values[k]; ok {
			file[k] = v
		}
	}
	next, err := s.commitNoLock(file)
	if err != nil {
		return s.current.clone(), unknown, err
	}
	return next, unknown, nil
}

// Reset restores and persists the defaults.
func (s *Store) Reset() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := toMap(Defaults())
	if err != nil {
		return s.current.clone(), &ConfigurationError{Message: err.Error()}
	}
	return s.commitNoLock(file)
}

// commitNoLock writes file and makes it current (caller must hold lock)
func (s *Store) commitNoLock(file map[string]any) (Settings, error) {
	next, err := load(file)
	if err != nil {
		return s.current.clone(), err
	}
	if err := s.writeNoLock(file); err != nil {
		return s.current.clone(), err
	}
	s.file = file
	s.current = next
	return next.clone(), nil
}

// writeNoLock replaces the settings file atomically
func (s *Store) writeNoLock(file map[string]any) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close settings file: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		return fmt.Errorf("failed to set settings permissions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}

func (s Settings) clone() Settings {
	out := s
	out.Environment = maps.Clone(s.Environment)
	if out.Environment == nil {
		out.Environment = map[string]string{}
	}
	out.WatchPaths = append([]string(nil), s.WatchPaths...)
	return out
}
