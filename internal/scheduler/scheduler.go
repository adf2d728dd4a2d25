// Package scheduler owns the destroy queue. A single goroutine holds a
// priority queue of scheduled projects keyed by due time and hands due
// projects to a Dispatcher without ever exceeding the concurrency cap.
// Callers talk to that goroutine only through request messages.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gurisko/reaper/internal/duration"
	"github.com/gurisko/reaper/internal/lifecycle"
	"github.com/gurisko/reaper/internal/metrics"
	"github.com/gurisko/reaper/internal/notify"
)

// ErrNotRunning is returned by calls made before Start or after Stop
var ErrNotRunning = errors.New("scheduler is not running")

const DefaultPollInterval = time.Second

// Config tunes the scheduler
type Config struct {
	MaxConcurrentExecutions int
	PollInterval            time.Duration
	// RetryAttempts is how many times a failed project goes back into the
	// queue, RetryDelay after the failure.
	RetryAttempts int
	RetryDelay    time.Duration
	// WarningLead emits a project.warning once a project is this close to
	// its due time. Zero disables warnings.
	WarningLead time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentExecutions <= 0 {
		c.MaxConcurrentExecutions = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	return c
}

// ProjectStore persists project state changes
type ProjectStore interface {
	Update(project *lifecycle.Project) error
}

// Dispatcher destroys a project and reports the final execution record
type Dispatcher interface {
	Execute(ctx context.Context, project *lifecycle.Project) (*lifecycle.Execution, error)
}

type completion struct {
	project *lifecycle.Project
	exec    *lifecycle.Execution
	err     error
}

// Scheduler decides when projects are destroyed
type Scheduler struct {
	store      ProjectStore
	dispatcher Dispatcher
	emitter    notify.Emitter
	metrics    *metrics.Collector
	log        *slog.Logger
	now        func() time.Time

	requests    chan func()
	completions chan completion
	stopCh      chan struct{}
	done        chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	started     atomic.Bool
	running     atomic.Int64
	inflight    sync.WaitGroup
	execCtx     context.Context

	// owned by the loop goroutine
	cfg      Config
	queue    queue
	entries  map[string]*entry
	projects map[string]*lifecycle.Project
	dirty    map[string]*lifecycle.Project
	active   int
	timer    *time.Timer
	poll     *time.Ticker
}

// New creates a Scheduler. Nothing happens until Start.
func New(cfg Config, store ProjectStore, dispatcher Dispatcher, emitter notify.Emitter, m *metrics.Collector, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if emitter == nil {
		emitter = notify.Discard{}
	}
	return &Scheduler{
		store:       store,
		dispatcher:  dispatcher,
		emitter:     emitter,
		metrics:     m,
		log:         logger.With("component", "scheduler"),
		now:         func() time.Time { return time.Now().UTC() },
		requests:    make(chan func()),
		completions: make(chan completion),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		execCtx:     context.Background(),
		cfg:         cfg.withDefaults(),
		entries:     make(map[string]*entry),
		projects:    make(map[string]*lifecycle.Project),
		dirty:       make(map[string]*lifecycle.Project),
	}
}

// Start launches the loop. It stops when ctx is done or Stop is called.
// Executions already handed off are not cancelled by either.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.execCtx = context.WithoutCancel(ctx)
		s.timer = time.NewTimer(time.Hour)
		s.timer.Stop()
		s.poll = time.NewTicker(s.cfg.PollInterval)
		s.started.Store(true)
		go s.loop(ctx)
	})
}

// Stop halts the loop and waits for it to exit. Project statuses are left
// as they are.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		<-s.done
	}
}

// Wait blocks until every handed-off execution has been reported or ctx is
// done.
func (s *Scheduler) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running is the number of projects currently being destroyed.
func (s *Scheduler) Running() int { return int(s.running.Load()) }

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer s.poll.Stop()
	defer s.timer.Stop()

	s.log.Info("scheduler started", "max_concurrent_executions", s.cfg.MaxConcurrentExecutions)
	for {
		s.arm()
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped", "reason", ctx.Err())
			return
		case <-s.stopCh:
			s.log.Info("scheduler stopped")
			return
		case fn := <-s.requests:
			fn()
		case c := <-s.completions:
			s.complete(c)
		case <-s.timer.C:
			s.dispatchDue()
		case <-s.poll.C:
			s.flushDirty()
			s.warn()
			s.dispatchDue()
		}
	}
}

// arm points the timer at the earliest entry. When that entry is already due
// but blocked by the cap the timer stays off; the poll ticker and completions
// retry it.
func (s *Scheduler) arm() {
	s.timer.Stop()
	head := s.queue.peek()
	if head == nil {
		return
	}
	wait := head.due.Sub(s.now())
	if wait <= 0 && s.active >= s.cfg.MaxConcurrentExecutions {
		return
	}
	s.timer.Reset(max(wait, 0))
}

func (s *Scheduler) call(ctx context.Context, fn func()) error {
	if !s.started.Load() {
		return ErrNotRunning
	}
	reply := make(chan struct{})
	select {
	case s.requests <- func() { fn(); close(reply) }:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	<-reply
	return nil
}

func request[T any](ctx context.Context, s *Scheduler, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if cerr := s.call(ctx, func() { out, err = fn() }); cerr != nil {
		var zero T
		return zero, cerr
	}
	return out, err
}

// Schedule queues a discovered project, or re-queues a project that was
// already scheduled before a restart. It returns the project as queued.
func (s *Scheduler) Schedule(ctx context.Context, project *lifecycle.Project) (*lifecycle.Project, error) {
	p := project.Clone()
	return request(ctx, s, func() (*lifecycle.Project, error) { return s.schedule(p) })
}

func (s *Scheduler) schedule(p *lifecycle.Project) (*lifecycle.Project, error) {
	if _, ok := s.projects[p.ID]; ok {
		return nil, fmt.Errorf("project %s: %w", p.ID, lifecycle.ErrDuplicate)
	}
	now := s.now()
	if p.Status != lifecycle.StatusScheduled {
		if err := p.Transition(lifecycle.StatusScheduled, "scheduled", now); err != nil {
			return nil, err
		}
		s.metrics.RecordTransition(string(lifecycle.StatusScheduled))
	}
	s.enqueue(p)
	s.persist(p)

	s.emitter.Notify(notify.Message{
		Type:      notify.ProjectScheduled,
		Title:     "Scheduled " + p.DisplayName(),
		Body:      "destroy in " + duration.Format(max(p.DestroyAt.Sub(now), 0)),
		ProjectID: p.ID,
	})
	s.log.Info("project scheduled", "project_id", p.ID, "path", p.Path, "destroy_at", p.DestroyAt)
	return p.Clone(), nil
}

// Restore loads projects persisted by a previous run. Discovered and
// scheduled projects are queued; projects left destroying by an interrupted
// run are marked failed. Terminal projects are ignored.
func (s *Scheduler) Restore(ctx context.Context, projects []*lifecycle.Project) error {
	restored := make([]*lifecycle.Project, len(projects))
	for i, p := range projects {
		restored[i] = p.Clone()
	}
	return s.call(ctx, func() {
		now := s.now()
		for _, p := range restored {
			switch p.Status {
			case lifecycle.StatusDiscovered, lifecycle.StatusScheduled:
				if _, err := s.schedule(p); err != nil {
					s.log.Warn("failed to restore project", "project_id", p.ID, "error", err)
				}
			case lifecycle.StatusDestroying:
				if err := p.Transition(lifecycle.StatusFailed, "interrupted", now); err != nil {
					continue
				}
				s.metrics.RecordTransition(string(lifecycle.StatusFailed))
				s.persist(p)
				s.log.Warn("destroy interrupted by restart", "project_id", p.ID)
			}
		}
	})
}

// Reschedule moves a scheduled project's due time. A time before the
// project's discovery is clamped to it.
func (s *Scheduler) Reschedule(ctx context.Context, id string, at time.Time) (*lifecycle.Project, error) {
	return request(ctx, s, func() (*lifecycle.Project, error) {
		p, ok := s.projects[id]
		if !ok {
			return nil, &lifecycle.NotFoundError{Kind: "project", ID: id}
		}
		return s.reschedule(p, at)
	})
}

// Postpone moves a scheduled project's due time later: to until when set,
// otherwise by past the current due time. A target that is not after the
// current due time fails with ErrNotLater and changes nothing.
func (s *Scheduler) Postpone(ctx context.Context, id string, until time.Time, by time.Duration) (*lifecycle.Project, error) {
	return request(ctx, s, func() (*lifecycle.Project, error) {
		p, ok := s.projects[id]
		if !ok {
			return nil, &lifecycle.NotFoundError{Kind: "project", ID: id}
		}
		at := until
		if at.IsZero() {
			at = p.DestroyAt.Add(by)
		}
		if !at.After(p.DestroyAt) {
			return nil, fmt.Errorf("%w: %s is not after %s", lifecycle.ErrNotLater,
				at.UTC().Format(time.RFC3339), p.DestroyAt.UTC().Format(time.RFC3339))
		}
		return s.reschedule(p, at)
	})
}

// reschedule runs on the loop goroutine
func (s *Scheduler) reschedule(p *lifecycle.Project, at time.Time) (*lifecycle.Project, error) {
	now := s.now()
	if err := p.Reschedule(at, now); err != nil {
		return nil, err
	}
	delete(p.Metadata, lifecycle.MetaWarned)
	e := s.entries[p.ID]
	e.due = p.DestroyAt
	heap.Fix(&s.queue, e.index)
	s.metrics.RecordTransition(string(lifecycle.StatusScheduled))
	s.persist(p)

	s.emitter.Notify(notify.Message{
		Type:      notify.ProjectRescheduled,
		Title:     "Rescheduled " + p.DisplayName(),
		Body:      "destroy in " + duration.Format(max(p.DestroyAt.Sub(now), 0)),
		ProjectID: p.ID,
	})
	s.log.Info("project rescheduled", "project_id", p.ID, "destroy_at", p.DestroyAt)
	return p.Clone(), nil
}

// Cancel withdraws a scheduled project. A project that is already being
// destroyed cannot be cancelled and is left untouched.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*lifecycle.Project, error) {
	return request(ctx, s, func() (*lifecycle.Project, error) {
		return s.cancel(id, "cancelled", false)
	})
}

// Remove cancels a project whose config file disappeared. A project being
// destroyed keeps running; it is only marked removed, so it is not retried
// and a returning config starts a new project once the destroy is over.
func (s *Scheduler) Remove(ctx context.Context, id string) (*lifecycle.Project, error) {
	return request(ctx, s, func() (*lifecycle.Project, error) {
		if p, ok := s.projects[id]; ok && p.Status == lifecycle.StatusDestroying {
			p.Metadata[lifecycle.MetaRemoved] = "true"
			s.persist(p)
			s.log.Info("config removed while destroying", "project_id", id)
			return p.Clone(), nil
		}
		return s.cancel(id, "config removed", true)
	})
}

func (s *Scheduler) cancel(id, reason string, removed bool) (*lifecycle.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, &lifecycle.NotFoundError{Kind: "project", ID: id}
	}
	if err := p.Transition(lifecycle.StatusCancelled, reason, s.now()); err != nil {
		return nil, err
	}
	if removed {
		p.Metadata[lifecycle.MetaRemoved] = "true"
	}
	s.dequeue(id)
	delete(s.projects, id)
	s.metrics.RecordTransition(string(lifecycle.StatusCancelled))
	s.persist(p)

	s.emitter.Notify(notify.Message{
		Type:      notify.ProjectCancelled,
		Title:     "Cancelled " + p.DisplayName(),
		Body:      reason,
		ProjectID: p.ID,
	})
	s.log.Info("project cancelled", "project_id", p.ID, "reason", reason)
	return p.Clone(), nil
}

// DispatchNow makes a scheduled project due immediately. It is still
// subject to the concurrency cap, so the returned project may remain
// scheduled until a slot frees up.
func (s *Scheduler) DispatchNow(ctx context.Context, id string) (*lifecycle.Project, error) {
	return request(ctx, s, func() (*lifecycle.Project, error) {
		p, ok := s.projects[id]
		if !ok {
			return nil, &lifecycle.NotFoundError{Kind: "project", ID: id}
		}
		if p.Status != lifecycle.StatusScheduled {
			return nil, &lifecycle.TransitionError{
				ProjectID: p.ID,
				From:      p.Status,
				To:        lifecycle.StatusDestroying,
				Required:  []lifecycle.Status{lifecycle.StatusScheduled},
			}
		}
		e := s.entries[id]
		if now := s.now(); e.due.After(now) {
			e.due = now
			heap.Fix(&s.queue, e.index)
		}
		s.log.Info("destroy requested", "project_id", id)
		s.dispatchDue()
		return p.Clone(), nil
	})
}

// Get returns a project the scheduler currently tracks, queued or being
// destroyed.
func (s *Scheduler) Get(ctx context.Context, id string) (*lifecycle.Project, error) {
	return request(ctx, s, func() (*lifecycle.Project, error) {
		p, ok := s.projects[id]
		if !ok {
			return nil, &lifecycle.NotFoundError{Kind: "project", ID: id}
		}
		return p.Clone(), nil
	})
}

// Scheduled lists queued projects ordered by DestroyAt, ties by ID.
func (s *Scheduler) Scheduled(ctx context.Context) ([]*lifecycle.Project, error) {
	return request(ctx, s, func() ([]*lifecycle.Project, error) {
		out := make([]*lifecycle.Project, 0, len(s.queue))
		for _, e := range s.queue {
			out = append(out, s.projects[e.id].Clone())
		}
		slices.SortFunc(out, func(a, b *lifecycle.Project) int {
			if c := a.DestroyAt.Compare(b.DestroyAt); c != 0 {
				return c
			}
			if a.ID < b.ID {
				return -1
			}
			if a.ID > b.ID {
				return 1
			}
			return 0
		})
		return out, nil
	})
}

// SetConfig applies new tuning. Raising the cap dispatches waiting projects
// right away.
func (s *Scheduler) SetConfig(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	return s.call(ctx, func() {
		if cfg.PollInterval != s.cfg.PollInterval {
			s.poll.Reset(cfg.PollInterval)
		}
		s.cfg = cfg
		s.log.Info("scheduler reconfigured", "max_concurrent_executions", cfg.MaxConcurrentExecutions)
		s.dispatchDue()
	})
}

func (s *Scheduler) enqueue(p *lifecycle.Project) {
	s.projects[p.ID] = p
	e := &entry{id: p.ID, due: p.DestroyAt}
	heap.Push(&s.queue, e)
	s.entries[p.ID] = e
	s.metrics.SetScheduled(s.queue.Len())
}

func (s *Scheduler) dequeue(id string) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	heap.Remove(&s.queue, e.index)
	delete(s.entries, id)
	s.metrics.SetScheduled(s.queue.Len())
}

func (s *Scheduler) dispatchDue() {
	now := s.now()
	for {
		head := s.queue.peek()
		if head == nil || head.due.After(now) {
			return
		}
		if s.active >= s.cfg.MaxConcurrentExecutions {
			s.metrics.RecordBlocked()
			s.log.Debug("dispatch blocked by concurrency cap", "project_id", head.id, "running", s.active)
			return
		}

		s.dequeue(head.id)
		p := s.projects[head.id]
		if err := p.Transition(lifecycle.StatusDestroying, "due", now); err != nil {
			s.log.Error("failed to hand off project", "project_id", p.ID, "error", err)
			delete(s.projects, p.ID)
			continue
		}
		s.metrics.RecordTransition(string(lifecycle.StatusDestroying))
		s.persist(p)

		s.active++
		s.running.Store(int64(s.active))
		s.metrics.SetRunning(s.active)
		s.log.Info("destroying project", "project_id", p.ID, "path", p.Path)

		handoff := p.Clone()
		s.inflight.Go(func() { s.dispatch(handoff) })
	}
}

func (s *Scheduler) dispatch(p *lifecycle.Project) {
	exec, err := s.dispatcher.Execute(s.execCtx, p)
	c := completion{project: p, exec: exec, err: err}
	select {
	case s.completions <- c:
	case <-s.done:
		s.finishDetached(c)
	}
}

func (s *Scheduler) complete(c completion) {
	s.active--
	s.running.Store(int64(s.active))
	s.metrics.SetRunning(s.active)

	p, ok := s.projects[c.project.ID]
	if !ok {
		p = c.project
	}
	if s.applyOutcome(p, c, true) {
		s.enqueue(p)
	} else {
		delete(s.projects, p.ID)
	}
	s.persist(p)
	s.dispatchDue()
}

// finishDetached records an outcome that arrived after the loop exited. No
// retry is queued; the project stays failed until the next run.
func (s *Scheduler) finishDetached(c completion) {
	p := c.project
	s.applyOutcome(p, c, false)
	if err := s.store.Update(p.Clone()); err != nil {
		s.log.Error("failed to persist project after stop", "project_id", p.ID, "error", err)
	}
}

func outcome(c completion) (lifecycle.Status, string) {
	switch {
	case c.exec == nil:
		reason := "execution did not start"
		if c.err != nil {
			reason = c.err.Error()
		}
		return lifecycle.StatusFailed, reason
	case c.exec.Status == lifecycle.ExecutionCancelled:
		return lifecycle.StatusFailed, "execution cancelled"
	case c.exec.Status == lifecycle.ExecutionCompleted:
		return lifecycle.StatusDestroyed, "destroyed"
	}
	reason := c.exec.Error
	if reason == "" {
		reason = "execution " + string(c.exec.Status)
	}
	return c.exec.Status.ProjectStatus(), reason
}

// applyOutcome moves a destroying project to its final status. It reports
// whether the project went back into the queue for another try.
func (s *Scheduler) applyOutcome(p *lifecycle.Project, c completion, allowRetry bool) bool {
	now := s.now()
	status, reason := outcome(c)
	if c.exec != nil {
		p.LastExecutionID = c.exec.ID
	}
	if err := p.Transition(status, reason, now); err != nil {
		s.log.Error("failed to record destroy outcome", "project_id", p.ID, "error", err)
		return false
	}
	s.metrics.RecordTransition(string(status))

	if status == lifecycle.StatusDestroyed {
		s.emitter.Notify(notify.Message{
			Type:        notify.ProjectDestroyed,
			Title:       "Destroyed " + p.DisplayName(),
			ProjectID:   p.ID,
			ExecutionID: p.LastExecutionID,
		})
		s.log.Info("project destroyed", "project_id", p.ID)
		return false
	}

	s.emitter.Notify(notify.Message{
		Type:        notify.ProjectFailed,
		Title:       "Destroy failed: " + p.DisplayName(),
		Body:        reason,
		ProjectID:   p.ID,
		ExecutionID: p.LastExecutionID,
	})
	s.log.Warn("project destroy failed", "project_id", p.ID, "reason", reason)

	if !allowRetry || p.Metadata[lifecycle.MetaRemoved] == "true" ||
		(c.exec != nil && c.exec.Status == lifecycle.ExecutionCancelled) {
		return false
	}
	retries, _ := strconv.Atoi(p.Metadata[lifecycle.MetaRetryCount])
	if retries >= s.cfg.RetryAttempts {
		return false
	}
	retries++
	if err := p.Transition(lifecycle.StatusScheduled, fmt.Sprintf("retry %d of %d", retries, s.cfg.RetryAttempts), now); err != nil {
		return false
	}
	p.Metadata[lifecycle.MetaRetryCount] = strconv.Itoa(retries)
	delete(p.Metadata, lifecycle.MetaWarned)
	p.DestroyAt = now.Add(s.cfg.RetryDelay)
	s.metrics.RecordTransition(string(lifecycle.StatusScheduled))

	s.emitter.Notify(notify.Message{
		Type:      notify.ProjectRescheduled,
		Title:     "Retrying " + p.DisplayName(),
		Body:      fmt.Sprintf("retry %d of %d in %s", retries, s.cfg.RetryAttempts, duration.Format(s.cfg.RetryDelay)),
		ProjectID: p.ID,
	})
	s.log.Info("project requeued after failure", "project_id", p.ID, "retry", retries, "destroy_at", p.DestroyAt)
	return true
}

func (s *Scheduler) warn() {
	lead := s.cfg.WarningLead
	if lead <= 0 {
		return
	}
	now := s.now()
	for _, e := range s.queue {
		left := e.due.Sub(now)
		if left <= 0 || left > lead {
			continue
		}
		p := s.projects[e.id]
		if p.Metadata[lifecycle.MetaWarned] != "" {
			continue
		}
		p.Metadata[lifecycle.MetaWarned] = "true"
		s.emitter.Notify(notify.Message{
			Type:      notify.ProjectWarning,
			Title:     p.DisplayName() + " will be destroyed soon",
			Body:      "destroy in " + duration.Format(left),
			ProjectID: p.ID,
		})
		s.persist(p)
	}
}

// persist writes the project through. A failed write is kept and retried on
// every tick until it lands.
func (s *Scheduler) persist(p *lifecycle.Project) {
	err := s.store.Update(p.Clone())
	switch {
	case err == nil:
		delete(s.dirty, p.ID)
	case errors.Is(err, lifecycle.ErrNotFound):
		delete(s.dirty, p.ID)
		s.log.Warn("project vanished from store", "project_id", p.ID)
	default:
		s.dirty[p.ID] = p.Clone()
		s.metrics.RecordPersistFailure()
		s.log.Warn("failed to persist project", "project_id", p.ID, "status", p.Status, "error", err)
	}
}

func (s *Scheduler) flushDirty() {
	for id, p := range s.dirty {
		err := s.store.Update(p.Clone())
		if err == nil || errors.Is(err, lifecycle.ErrNotFound) {
			delete(s.dirty, id)
			continue
		}
		s.log.Debug("project still not persisted", "project_id", id, "error", err)
	}
}
