// Package registry persists tracked projects to a single YAML file. Every
// mutation is written through an atomic temp-file rename and rolled back in
// memory when the write fails.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/gurisko/reaper/internal/lifecycle"
)

var (
	// ErrProjectAlreadyExists indicates the path is already registered
	ErrProjectAlreadyExists = errors.New("project already exists")
	// ErrInvalidPath indicates the path doesn't exist or is not accessible
	ErrInvalidPath = errors.New("invalid path")
)

// Registry manages the collection of tracked projects
type Registry struct {
	filePath string
	data     *RegistryData
	mu       sync.RWMutex
}

// New creates a new Registry instance
func New(filePath string) (*Registry, error) {
	r := &Registry{
		filePath: filePath,
		data:     emptyData(),
	}

	// Try to load existing registry
	if err := r.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	return r, nil
}

func emptyData() *RegistryData {
	return &RegistryData{Version: dataVersion, Projects: make(map[string]*lifecycle.Project)}
}

// Load reads the registry from disk
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			r.data = emptyData()
			return nil
		}
		return err
	}

	var registryData RegistryData
	if err := yaml.Unmarshal(data, &registryData); err != nil {
		return fmt.Errorf("failed to unmarshal registry: %w", err)
	}
	if registryData.Version > dataVersion {
		return fmt.Errorf("registry version %d is newer than supported %d", registryData.Version, dataVersion)
	}
	if registryData.Projects == nil {
		registryData.Projects = make(map[string]*lifecycle.Project)
	}
	registryData.Version = dataVersion

	r.data = &registryData
	return nil
}

// saveNoLock persists registry without locking (caller must hold lock)
func (r *Registry) saveNoLock() error {
	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(r.data)
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	f, err := os.CreateTemp(dir, ".projects-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to fsync registry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close registry file: %w", err)
	}

	if err := os.Rename(tmp, r.filePath); err != nil {
		return fmt.Errorf("failed to replace registry: %w", err)
	}

	// Ensure directory metadata is persisted
	if dirf, err := os.Open(dir); err == nil {
		_ = dirf.Sync()
		_ = dirf.Close()
	}

	return nil
}

// CanonicalPath resolves path to an absolute, symlink-free directory that
// exists.
func CanonicalPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: path=%s: %v", ErrInvalidPath, path, err)
	}
	if realPath, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = realPath
	}
	if _, err := os.Stat(absPath); err != nil {
		return "", fmt.Errorf("%w: path=%s: %v", ErrInvalidPath, absPath, err)
	}
	return absPath, nil
}

// Create registers project and persists. The path is canonicalized and must
// not already be tracked. On save failure, the in-memory change is rolled
// back.
func (r *Registry) Create(project *lifecycle.Project) error {
	absPath, err := CanonicalPath(project.Path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.data.Projects {
		if p.Path == absPath {
			return fmt.Errorf("%w: %s", ErrProjectAlreadyExists, absPath)
		}
	}

	project.Path = absPath
	if project.ID == "" {
		project.ID = lifecycle.NewProjectID()
	}
	if _, ok := r.data.Projects[project.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrProjectAlreadyExists, project.ID)
	}

	r.data.Projects[project.ID] = project.Clone()

	if err := r.saveNoLock(); err != nil {
		delete(r.data.Projects, project.ID)
		return fmt.Errorf("persist failed: %w", err)
	}
	return nil
}

// Update replaces the stored project with the same ID.
// On save failure, the previous version is restored.
func (r *Registry) Update(project *lifecycle.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.data.Projects[project.ID]
	if !ok {
		return &lifecycle.NotFoundError{Kind: "project", ID: project.ID}
	}

	r.data.Projects[project.ID] = project.Clone()

	if err := r.saveNoLock(); err != nil {
		r.data.Projects[project.ID] = prev
		return fmt.Errorf("persist failed: %w", err)
	}
	return nil
}

// Delete removes and persists.
// On save failure, the removal is rolled back.
func (r *Registry) Delete(projectID string) (*lifecycle.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	proj, ok := r.data.Projects[projectID]
	if !ok {
		return nil, &lifecycle.NotFoundError{Kind: "project", ID: projectID}
	}

	delete(r.data.Projects, projectID)

	if err := r.saveNoLock(); err != nil {
		r.data.Projects[projectID] = proj
		return nil, fmt.Errorf("persist failed: %w", err)
	}
	return proj.Clone(), nil
}

// FindByID returns a copy of the project.
func (r *Registry) FindByID(projectID string) (*lifecycle.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.data.Projects[projectID]
	if !ok {
		return nil, &lifecycle.NotFoundError{Kind: "project", ID: projectID}
	}
	return p.Clone(), nil
}

// FindByPath looks a project up by its directory. path is canonicalized the
// same way Create does when it still exists on disk.
func (r *Registry) FindByPath(path string) (*lifecycle.Project, error) {
	if abs, err := CanonicalPath(path); err == nil {
		path = abs
	} else if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.data.Projects {
		if p.Path == path {
			return p.Clone(), nil
		}
	}
	return nil, &lifecycle.NotFoundError{Kind: "project", ID: path}
}

// FindByStatus returns the projects in any of the given statuses.
func (r *Registry) FindByStatus(statuses ...lifecycle.Status) []*lifecycle.Project {
	return r.filter(func(p *lifecycle.Project) bool {
		for _, s := range statuses {
			if p.Status == s {
				return true
			}
		}
		return false
	})
}

// List returns all tracked projects sorted by destroy time then ID
func (r *Registry) List() []*lifecycle.Project {
	return r.filter(func(*lifecycle.Project) bool { return true })
}

func (r *Registry) filter(keep func(*lifecycle.Project) bool) []*lifecycle.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	projects := make([]*lifecycle.Project, 0, len(r.data.Projects))
	for _, p := range r.data.Projects {
		if keep(p) {
			projects = append(projects, p.Clone())
		}
	}

	sort.Slice(projects, func(i, j int) bool {
		if projects[i].DestroyAt.Equal(projects[j].DestroyAt) {
			return projects[i].ID < projects[j].ID
		}
		return projects[i].DestroyAt.Before(projects[j].DestroyAt)
	})

	return projects
}
