//go:build unix

// Package executor runs a project's destroy command and hooks as child
// process groups, enforcing the project timeout, capturing bounded output
// and retrying failed attempts. Every attempt produces its own Execution
// record.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/gurisko/reaper/internal/lifecycle"
	"github.com/gurisko/reaper/internal/limits"
	"github.com/gurisko/reaper/internal/metrics"
	"github.com/gurisko/reaper/internal/notify"
)

const (
	// TimeoutExitCode is recorded when an attempt is killed by its deadline
	TimeoutExitCode = -1

	DefaultMaxOutputBytes = limits.Output
	DefaultGracePeriod    = 10 * time.Second
	DefaultShell          = "/bin/sh"
)

// Config tunes every execution. Environment is the complete base environment
// handed to children; the executor never reads its own process environment.
type Config struct {
	DefaultShell   string
	Environment    map[string]string
	RetryBackoff   time.Duration
	GracePeriod    time.Duration
	MaxOutputBytes int
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultShell == "" {
		c.DefaultShell = DefaultShell
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = time.Hour
	}
	return c
}

// ExecutionStore persists execution records
type ExecutionStore interface {
	Create(ctx context.Context, e *lifecycle.Execution) error
	Update(ctx context.Context, e *lifecycle.Execution) error
	FindByID(ctx context.Context, id string) (*lifecycle.Execution, error)
}

// Executor runs destroy attempts. It is safe for concurrent use; the caller
// bounds how many run at once.
type Executor struct {
	store   ExecutionStore
	emitter notify.Emitter
	metrics *metrics.Collector
	log     *slog.Logger

	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	cfg     Config
	running map[string]*attempt
	// latest maps the newest attempt of every Execute call in progress,
	// including one waiting out its retry backoff, to that call.
	latest map[string]*destroy
}

// destroy is one Execute call. Its attempts share the cancel signal, so a
// cancel that lands between attempts stops the remaining retries.
type destroy struct {
	cancel     chan struct{}
	cancelOnce sync.Once
	latestID   string // guarded by Executor.mu
}

func (d *destroy) requestCancel() {
	d.cancelOnce.Do(func() { close(d.cancel) })
}

func (d *destroy) cancelled() bool {
	select {
	case <-d.cancel:
		return true
	default:
		return false
	}
}

// attempt is one in-flight execution
type attempt struct {
	exec *lifecycle.Execution // guarded by Executor.mu
}

// New creates an Executor. A nil emitter, metrics collector or logger is
// replaced by a no-op.
func New(cfg Config, store ExecutionStore, emitter notify.Emitter, m *metrics.Collector, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if emitter == nil {
		emitter = notify.Discard{}
	}
	return &Executor{
		store:   store,
		emitter: emitter,
		metrics: m,
		log:     logger.With("component", "executor"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   lifecycle.NewExecutionID,
		cfg:     cfg.withDefaults(),
		running: make(map[string]*attempt),
		latest:  make(map[string]*destroy),
	}
}

// SetConfig swaps the tuning used by attempts that start afterwards.
func (e *Executor) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg.withDefaults()
}

func (e *Executor) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Execute runs the project's destroy, including retries, and returns the
// record of the last attempt. Command failures are reported through the
// record's status; an error is returned only when ctx is already done.
func (e *Executor) Execute(ctx context.Context, project *lifecycle.Project) (*lifecycle.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d := &destroy{cancel: make(chan struct{})}
	defer func() {
		e.mu.Lock()
		delete(e.latest, d.latestID)
		e.mu.Unlock()
	}()

	attempts := project.Config.Retries() + 1
	var last *lifecycle.Execution
	for n := 1; n <= attempts; n++ {
		if n > 1 {
			backoff := e.config().RetryBackoff
			e.log.Info("retrying destroy", "project_id", project.ID, "attempt", n, "backoff", backoff)
			if !wait(ctx, d.cancel, backoff) {
				if d.cancelled() {
					return e.cancelRetries(ctx, project, last), nil
				}
				return last, nil
			}
		}

		last = e.runAttempt(ctx, project, n, d)
		switch last.Status {
		case lifecycle.ExecutionCompleted, lifecycle.ExecutionCancelled:
			return last, nil
		}
	}
	return last, nil
}

// wait sleeps for d and reports false when ctx or cancel ends it first.
func wait(ctx context.Context, cancel <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(max(d, 0))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-cancel:
		return false
	default:
	}
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-cancel:
		return false
	}
}

// cancelRetries closes out a destroy cancelled during its retry backoff: the
// last attempt's record is marked cancelled so the remaining retries are
// visibly abandoned and the project is not requeued.
func (e *Executor) cancelRetries(ctx context.Context, project *lifecycle.Project, last *lifecycle.Execution) *lifecycle.Execution {
	out := last.Clone()
	out.Status = lifecycle.ExecutionCancelled
	out.Error = "remaining retries cancelled"
	if last.Error != "" {
		out.Error += "; last attempt: " + last.Error
	}

	if err := e.store.Update(context.WithoutCancel(ctx), out.Clone()); err != nil {
		e.log.Error("failed to record cancelled retries", "execution_id", out.ID, "error", err)
	}
	e.emitter.Notify(notify.Message{
		Type:        notify.ExecutionFailed,
		Title:       "Destroy cancelled: " + project.DisplayName(),
		Body:        out.Error,
		ProjectID:   project.ID,
		ExecutionID: out.ID,
	})
	e.log.Info("destroy retries cancelled", "project_id", project.ID, "execution_id", out.ID, "attempt", out.Attempt)
	return out
}

func (e *Executor) runAttempt(ctx context.Context, project *lifecycle.Project, n int, d *destroy) *lifecycle.Execution {
	cfg := e.config()
	log := e.log.With("project_id", project.ID, "attempt", n)

	rec := &lifecycle.Execution{
		ID:        e.newID(),
		ProjectID: project.ID,
		Attempt:   n,
		StartedAt: e.now(),
		Status:    lifecycle.ExecutionQueued,
	}
	a := &attempt{exec: rec}

	e.mu.Lock()
	e.running[rec.ID] = a
	delete(e.latest, d.latestID)
	d.latestID = rec.ID
	e.latest[rec.ID] = d
	e.mu.Unlock()

	if err := e.store.Create(ctx, rec.Clone()); err != nil {
		log.Error("failed to record execution start", "execution_id", rec.ID, "error", err)
	}
	e.emitter.Notify(notify.Message{
		Type:        notify.ExecutionStarted,
		Title:       "Destroying " + project.DisplayName(),
		Body:        fmt.Sprintf("attempt %d of %d", n, project.Config.Retries()+1),
		ProjectID:   project.ID,
		ExecutionID: rec.ID,
	})
	log.Info("destroy attempt started", "execution_id", rec.ID)

	stdout := newCappedBuffer(cfg.MaxOutputBytes)
	stderr := newCappedBuffer(cfg.MaxOutputBytes)
	r := &runner{
		cfg:    cfg,
		dir:    project.Config.WorkingDir(project.Path),
		shell:  shellFor(project, cfg),
		env:    environFor(project, cfg, n),
		stdout: stdout,
		stderr: stderr,
		cancel: d.cancel,
		ctx:    ctx,
	}
	r.started = func() {
		e.mu.Lock()
		rec.Status = lifecycle.ExecutionRunning
		snap := rec.Clone()
		e.mu.Unlock()
		if err := e.store.Update(context.WithoutCancel(ctx), snap); err != nil {
			log.Warn("failed to record execution running", "execution_id", rec.ID, "error", err)
		}
	}

	timeout := project.Config.TimeoutDuration
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	status, code, stepErr := r.runSteps(project, rec.StartedAt.Add(timeout))

	e.mu.Lock()
	rec.Stdout = stdout.String()
	rec.Stderr = stderr.String()
	rec.Truncated = stdout.Truncated() || stderr.Truncated() || r.detached
	switch {
	case stepErr != nil:
		rec.Error = stepErr.Error()
	case r.detached:
		rec.Error = "output may be incomplete: a background process kept the output open after exit"
	}
	rec.Finish(status, code, e.now())
	delete(e.running, rec.ID)
	out := rec.Clone()
	e.mu.Unlock()

	// the attempt must be recorded even if ctx was cancelled
	if err := e.store.Update(context.WithoutCancel(ctx), out.Clone()); err != nil {
		log.Error("failed to record execution result", "execution_id", out.ID, "error", err)
	}
	e.metrics.RecordExecution(string(out.Status), time.Duration(out.DurationMS)*time.Millisecond)

	msg := notify.Message{
		Type:        notify.ExecutionCompleted,
		Title:       fmt.Sprintf("Destroy %s: %s", out.Status, project.DisplayName()),
		Body:        out.Error,
		ProjectID:   project.ID,
		ExecutionID: out.ID,
	}
	e.emitter.Notify(msg)
	if out.Status != lifecycle.ExecutionCompleted {
		msg.Type = notify.ExecutionFailed
		e.emitter.Notify(msg)
		log.Warn("destroy attempt failed", "execution_id", out.ID, "status", out.Status, "error", out.Error)
	} else {
		log.Info("destroy attempt completed", "execution_id", out.ID, "duration_ms", out.DurationMS)
	}
	return out
}

// Cancel terminates a running execution's process group. The record is
// marked cancelled once the process exits. When the execution is the latest
// attempt of a destroy waiting to retry, the retries are abandoned and that
// record is marked cancelled instead. Cancelling any other finished
// execution is a no-op.
func (e *Executor) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	d, ok := e.latest[executionID]
	e.mu.Unlock()
	if ok {
		e.log.Info("cancelling execution", "execution_id", executionID)
		d.requestCancel()
		return nil
	}

	if _, err := e.store.FindByID(ctx, executionID); err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			return &lifecycle.NotFoundError{Kind: "execution", ID: executionID}
		}
		return err
	}
	return nil
}

// Running returns a snapshot of in-flight executions ordered by start time.
func (e *Executor) Running() []*lifecycle.Execution {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*lifecycle.Execution, 0, len(e.running))
	for _, a := range e.running {
		out = append(out, a.exec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// runner executes the steps of one attempt
type runner struct {
	cfg    Config
	dir    string
	shell  string
	env    []string
	stdout *cappedBuffer
	stderr *cappedBuffer
	cancel <-chan struct{}
	ctx    context.Context

	// started runs once, when the first process of the attempt starts
	started func()
	// detached is set when a command exited 0 but a process it left behind
	// held the output open past the grace period
	detached bool
}

func (r *runner) runSteps(project *lifecycle.Project, deadline time.Time) (lifecycle.ExecutionStatus, *int, error) {
	var before, after, onFailure []string
	if h := project.Config.Hooks; h != nil {
		before, after, onFailure = h.BeforeDestroy, h.AfterDestroy, h.OnFailure
	}

	steps := make([]step, 0, len(before)+1+len(after))
	for _, c := range before {
		steps = append(steps, step{StageBeforeDestroy, c})
	}
	if project.Config.Command != "" {
		steps = append(steps, step{StageCommand, project.Config.Command})
	}
	for _, c := range after {
		steps = append(steps, step{StageAfterDestroy, c})
	}

	lastCode := 0
	for _, s := range steps {
		code, err := r.run(s.command, deadline)
		if err == nil {
			lastCode = code
			continue
		}

		stepErr := &ExecutionError{Stage: s.stage, Command: s.command, ExitCode: code}
		if !errors.Is(err, errExitStatus) {
			stepErr.Err = err
		}

		switch {
		case errors.Is(err, errCancelled):
			return lifecycle.ExecutionCancelled, &code, stepErr
		case errors.Is(err, errTimedOut):
			code = TimeoutExitCode
			stepErr.ExitCode = code
			r.runOnFailure(onFailure, r.failureDeadline(deadline))
			return lifecycle.ExecutionTimeout, &code, stepErr
		default:
			r.runOnFailure(onFailure, r.failureDeadline(deadline))
			return lifecycle.ExecutionFailed, &code, stepErr
		}
	}
	return lifecycle.ExecutionCompleted, &lastCode, nil
}

// failureDeadline leaves onFailure hooks at least a grace period even when
// the attempt deadline has already passed.
func (r *runner) failureDeadline(deadline time.Time) time.Time {
	if floor := time.Now().Add(r.cfg.GracePeriod); deadline.Before(floor) {
		return floor
	}
	return deadline
}

func (r *runner) runOnFailure(hooks []string, deadline time.Time) {
	for _, c := range hooks {
		// onFailure hooks run best effort; their result never changes the status
		if _, err := r.run(c, deadline); errors.Is(err, errCancelled) {
			return
		}
	}
}

type step struct {
	stage   Stage
	command string
}

var errExitStatus = errors.New("non-zero exit status")

// run executes one shell command in its own process group, racing its exit
// against the deadline and cancellation.
func (r *runner) run(command string, deadline time.Time) (int, error) {
	select {
	case <-r.cancel:
		return TimeoutExitCode, errCancelled
	case <-r.ctx.Done():
		return TimeoutExitCode, errCancelled
	default:
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return TimeoutExitCode, errTimedOut
	}

	cmd := exec.Command(r.shell, "-c", command)
	cmd.Dir = r.dir
	cmd.Env = r.env
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	cmd.WaitDelay = r.cfg.GracePeriod
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return TimeoutExitCode, fmt.Errorf("start: %w", err)
	}
	if r.started != nil {
		r.started()
		r.started = nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		_ = terminateGroup(cmd.Process.Pid, done, r.cfg.GracePeriod)
		return TimeoutExitCode, errTimedOut
	case <-r.cancel:
		_ = terminateGroup(cmd.Process.Pid, done, r.cfg.GracePeriod)
		return exitCode(cmd), errCancelled
	case <-r.ctx.Done():
		_ = terminateGroup(cmd.Process.Pid, done, r.cfg.GracePeriod)
		return exitCode(cmd), errCancelled
	}

	if err == nil {
		return 0, nil
	}
	// the command exited 0 but something it left behind held the pipes
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		r.detached = true
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), errExitStatus
	}
	return exitCode(cmd), err
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return TimeoutExitCode
	}
	return cmd.ProcessState.ExitCode()
}

func shellFor(project *lifecycle.Project, cfg Config) string {
	if ex := project.Config.Execution; ex != nil && ex.Shell != "" {
		return ex.Shell
	}
	return cfg.DefaultShell
}

// environFor layers the project environment over the base environment and
// adds the REAPER_* variables describing the attempt.
func environFor(project *lifecycle.Project, cfg Config, attempt int) []string {
	env := make(map[string]string, len(cfg.Environment)+4)
	for k, v := range cfg.Environment {
		env[k] = v
	}
	if ex := project.Config.Execution; ex != nil {
		for k, v := range ex.Environment {
			env[k] = v
		}
	}
	env["REAPER_PROJECT_ID"] = project.ID
	env["REAPER_PROJECT_PATH"] = project.Path
	env["REAPER_PROJECT_NAME"] = project.DisplayName()
	env["REAPER_ATTEMPT"] = fmt.Sprint(attempt)

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
