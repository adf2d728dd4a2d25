// Package service is the projects facade used by the daemon. It turns
// discovered directories into scheduled projects and exposes the user
// operations (cancel, extend, destroy) on top of the scheduler.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gurisko/reaper/internal/gitinfo"
	"github.com/gurisko/reaper/internal/lifecycle"
	"github.com/gurisko/reaper/internal/notify"
	"github.com/gurisko/reaper/internal/projectconfig"
	"github.com/gurisko/reaper/internal/registry"
	"github.com/gurisko/reaper/internal/scheduler"
)

// DefaultExtend is used when an extend request names no amount
const DefaultExtend = time.Hour

// ProjectRepository stores projects
type ProjectRepository interface {
	Create(project *lifecycle.Project) error
	Update(project *lifecycle.Project) error
	Delete(id string) (*lifecycle.Project, error)
	FindByID(id string) (*lifecycle.Project, error)
	FindByPath(path string) (*lifecycle.Project, error)
	FindByStatus(statuses ...lifecycle.Status) []*lifecycle.Project
	List() []*lifecycle.Project
}

// ExecutionRepository stores execution records
type ExecutionRepository interface {
	Create(ctx context.Context, e *lifecycle.Execution) error
	Update(ctx context.Context, e *lifecycle.Execution) error
	FindByID(ctx context.Context, id string) (*lifecycle.Execution, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]*lifecycle.Execution, error)
}

// Runtime controls executions that are in flight
type Runtime interface {
	Cancel(ctx context.Context, executionID string) error
	Running() []*lifecycle.Execution
}

// Config tunes the service
type Config struct {
	// MaxConcurrentJobs bounds how many discovered directories are
	// validated and registered at once.
	MaxConcurrentJobs int
	DefaultExtend     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.DefaultExtend <= 0 {
		c.DefaultExtend = DefaultExtend
	}
	return c
}

// Filter selects projects in List
type Filter struct {
	Status lifecycle.Status
	Active bool
}

// Extension moves a project's due time. Until wins over By; neither means
// the configured default amount.
type Extension struct {
	By    time.Duration
	Until time.Time
}

// Service implements discovery.Handler and the project operations
type Service struct {
	projects   ProjectRepository
	executions ExecutionRepository
	scheduler  *scheduler.Scheduler
	runtime    Runtime
	emitter    notify.Emitter
	log        *slog.Logger

	now       func() time.Time
	gitLookup func(dir string) (gitinfo.Info, error)

	mu   sync.RWMutex
	cfg  Config
	jobs chan struct{}
	wg   sync.WaitGroup
}

// New wires a Service. A nil emitter or logger is replaced by a no-op.
func New(cfg Config, projects ProjectRepository, executions ExecutionRepository, sched *scheduler.Scheduler, runtime Runtime, emitter notify.Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if emitter == nil {
		emitter = notify.Discard{}
	}
	cfg = cfg.withDefaults()
	return &Service{
		projects:   projects,
		executions: executions,
		scheduler:  sched,
		runtime:    runtime,
		emitter:    emitter,
		log:        logger.With("component", "service"),
		now:        func() time.Time { return time.Now().UTC() },
		gitLookup:  gitinfo.Lookup,
		cfg:        cfg,
		jobs:       make(chan struct{}, cfg.MaxConcurrentJobs),
	}
}

// SetConfig applies new tuning to jobs started afterwards.
func (s *Service) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.MaxConcurrentJobs != s.cfg.MaxConcurrentJobs {
		s.jobs = make(chan struct{}, cfg.MaxConcurrentJobs)
	}
	s.cfg = cfg
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Restore hands the persisted active projects back to the scheduler.
func (s *Service) Restore(ctx context.Context) error {
	active := s.projects.FindByStatus(
		lifecycle.StatusDiscovered,
		lifecycle.StatusScheduled,
		lifecycle.StatusDestroying,
	)
	if len(active) == 0 {
		return nil
	}
	s.log.Info("restoring projects", "count", len(active))
	return s.scheduler.Restore(ctx, active)
}

// Close waits for discovery jobs that are still running.
func (s *Service) Close() {
	s.wg.Wait()
}

// ProjectDiscovered registers the project in the background, bounded by
// MaxConcurrentJobs.
func (s *Service) ProjectDiscovered(ctx context.Context, path string) {
	s.mu.RLock()
	jobs := s.jobs
	s.mu.RUnlock()

	select {
	case jobs <- struct{}{}:
	case <-ctx.Done():
		return
	}
	s.wg.Go(func() {
		defer func() { <-jobs }()
		if _, err := s.Register(ctx, path); err != nil {
			s.log.Warn("project not registered", "path", path, "error", err)
		}
	})
}

// Register validates the config in dir and schedules the project. A
// directory that is already tracked returns the existing project.
func (s *Service) Register(ctx context.Context, dir string) (*lifecycle.Project, error) {
	path, err := registry.CanonicalPath(dir)
	if err != nil {
		return nil, err
	}

	if existing, err := s.projects.FindByPath(path); err == nil {
		if existing.Metadata[lifecycle.MetaRemoved] != "true" {
			return existing, nil
		}
		if existing.Status.Active() {
			return nil, fmt.Errorf("%w: project %s at %s is still %s", lifecycle.ErrInvalidTransition,
				existing.ID, path, existing.Status)
		}
		// config came back after a removal
		if _, err := s.projects.Delete(existing.ID); err != nil {
			return nil, fmt.Errorf("failed to drop removed project: %w", err)
		}
	}

	file, err := projectconfig.Find(path)
	if err != nil {
		return nil, err
	}
	cfg, err := projectconfig.Load(file)
	if err != nil {
		return nil, err
	}

	project := lifecycle.NewProject("", path, *cfg, s.now())
	if info, err := s.gitLookup(path); err == nil {
		for k, v := range info.Metadata() {
			project.Metadata[k] = v
		}
	} else if !errors.Is(err, gitinfo.ErrNotRepository) {
		s.log.Debug("git lookup failed", "path", path, "error", err)
	}

	if err := s.projects.Create(project); err != nil {
		if errors.Is(err, registry.ErrProjectAlreadyExists) {
			return s.projects.FindByPath(path)
		}
		return nil, err
	}
	s.emitter.Notify(notify.Message{
		Type:      notify.ProjectDiscovered,
		Title:     "Discovered " + project.DisplayName(),
		Body:      "timeout " + cfg.Timeout,
		ProjectID: project.ID,
	})
	s.log.Info("project registered", "project_id", project.ID, "path", path, "timeout", cfg.Timeout)

	return s.scheduler.Schedule(ctx, project)
}

// ProjectRemoved reacts to a project's config disappearing. Pending
// projects are cancelled and a running destroy is marked removed; both are
// replaced by a new project if the config comes back. Finished ones are
// forgotten so the directory can be discovered again.
func (s *Service) ProjectRemoved(ctx context.Context, path string) {
	project, err := s.projects.FindByPath(path)
	if err != nil {
		return
	}
	log := s.log.With("project_id", project.ID, "path", project.Path)

	switch project.Status {
	case lifecycle.StatusDiscovered, lifecycle.StatusScheduled, lifecycle.StatusDestroying:
		if _, err := s.scheduler.Remove(ctx, project.ID); err != nil {
			log.Warn("failed to mark removed project", "error", err)
		}
	default:
		if _, err := s.projects.Delete(project.ID); err != nil {
			log.Warn("failed to forget removed project", "error", err)
			return
		}
		log.Info("forgot removed project", "status", project.Status)
	}
}

// Get returns the freshest view of a project.
func (s *Service) Get(ctx context.Context, id string) (*lifecycle.Project, error) {
	if p, err := s.scheduler.Get(ctx, id); err == nil {
		return p, nil
	}
	return s.projects.FindByID(id)
}

// List returns the projects matching f, ordered by DestroyAt.
func (s *Service) List(f Filter) []*lifecycle.Project {
	var projects []*lifecycle.Project
	switch {
	case f.Status != "":
		projects = s.projects.FindByStatus(f.Status)
	default:
		projects = s.projects.List()
	}
	if !f.Active {
		return projects
	}
	out := projects[:0]
	for _, p := range projects {
		if p.Status.Active() {
			out = append(out, p)
		}
	}
	return out
}

// Scheduled lists queued projects in due order.
func (s *Service) Scheduled(ctx context.Context) ([]*lifecycle.Project, error) {
	return s.scheduler.Scheduled(ctx)
}

// Cancel withdraws a pending project.
func (s *Service) Cancel(ctx context.Context, id string) (*lifecycle.Project, error) {
	p, err := s.scheduler.Cancel(ctx, id)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return nil, s.untracked(id, lifecycle.StatusCancelled, lifecycle.SourcesOf(lifecycle.StatusCancelled))
	}
	return p, err
}

// Extend postpones a scheduled project. The new due time must be later
// than the current one.
func (s *Service) Extend(ctx context.Context, id string, ext Extension) (*lifecycle.Project, error) {
	by := ext.By
	if ext.Until.IsZero() && by <= 0 {
		by = s.config().DefaultExtend
	}

	p, err := s.scheduler.Postpone(ctx, id, ext.Until, by)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return nil, s.untracked(id, lifecycle.StatusScheduled, []lifecycle.Status{lifecycle.StatusScheduled})
	}
	return p, err
}

// Destroy hands a scheduled project to the executor without waiting for its
// due time.
func (s *Service) Destroy(ctx context.Context, id string) (*lifecycle.Project, error) {
	p, err := s.scheduler.DispatchNow(ctx, id)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return nil, s.untracked(id, lifecycle.StatusDestroying, []lifecycle.Status{lifecycle.StatusScheduled})
	}
	return p, err
}

// untracked explains why the scheduler does not know id: either the project
// does not exist or it is in a status the operation cannot start from.
func (s *Service) untracked(id string, to lifecycle.Status, required []lifecycle.Status) error {
	p, err := s.projects.FindByID(id)
	if err != nil {
		return err
	}
	return &lifecycle.TransitionError{ProjectID: id, From: p.Status, To: to, Required: required}
}

// Executions lists a project's destroy attempts, newest first.
func (s *Service) Executions(ctx context.Context, projectID string, limit int) ([]*lifecycle.Execution, error) {
	if _, err := s.projects.FindByID(projectID); err != nil {
		return nil, err
	}
	return s.executions.ListByProject(ctx, projectID, limit)
}

// Execution returns one attempt.
func (s *Service) Execution(ctx context.Context, id string) (*lifecycle.Execution, error) {
	return s.executions.FindByID(ctx, id)
}

// RunningExecutions lists attempts in flight.
func (s *Service) RunningExecutions() []*lifecycle.Execution {
	return s.runtime.Running()
}

// CancelExecution stops a running attempt.
func (s *Service) CancelExecution(ctx context.Context, id string) error {
	return s.runtime.Cancel(ctx, id)
}
