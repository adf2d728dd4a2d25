package projectconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// ErrNoConfig indicates a directory carries none of FileNames
var ErrNoConfig = errors.New("no reaper config file")

// IsConfigFile reports whether path's base name is one of FileNames.
func IsConfigFile(path string) bool {
	return slices.Contains(FileNames, filepath.Base(path))
}

// Find returns the first config file present in dir.
func Find(dir string) (string, error) {
	for _, name := range FileNames {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoConfig, dir)
}

// Parse decodes YAML bytes and validates them against projectPath.
func Parse(data []byte, projectPath string) (*ProjectConfig, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("malformed YAML: %v", err)}
	}
	return Validate(raw, projectPath)
}

// Load reads and validates the config file at path. The project directory
// is the file's parent.
func Load(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(data, filepath.Dir(path))
}
