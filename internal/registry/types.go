package registry

import "github.com/gurisko/reaper/internal/lifecycle"

// RegistryData is the on-disk shape of projects.yaml
type RegistryData struct {
	Version  int                           `yaml:"version" json:"version"`
	Projects map[string]*lifecycle.Project `yaml:"projects" json:"projects"` // Map of project ID to Project
}

const dataVersion = 1
