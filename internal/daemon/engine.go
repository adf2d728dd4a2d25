//go:build unix

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gurisko/reaper/internal/discovery"
	"github.com/gurisko/reaper/internal/executor"
	"github.com/gurisko/reaper/internal/history"
	"github.com/gurisko/reaper/internal/limits"
	"github.com/gurisko/reaper/internal/metrics"
	"github.com/gurisko/reaper/internal/notify"
	"github.com/gurisko/reaper/internal/registry"
	"github.com/gurisko/reaper/internal/scheduler"
	"github.com/gurisko/reaper/internal/service"
	"github.com/gurisko/reaper/internal/settings"
)

const notifyBuffer = 256

// engine is everything the daemon runs besides the HTTP server
type engine struct {
	log     *slog.Logger
	level   *slog.LevelVar
	baseEnv map[string]string

	settings  *settings.Store
	registry  *registry.Registry
	history   *history.Store
	metrics   *metrics.Collector
	events    *notify.Recorder
	notifier  *notify.Async
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	service   *service.Service
	watcher   *discovery.Watcher

	watchDone chan struct{}
}

func (d *Daemon) open(ctx context.Context) error {
	e, err := openEngine(ctx, d.cfg, environ(os.Environ()), d.level, d.log)
	if err != nil {
		return err
	}
	d.engine = e
	return nil
}

// openEngine opens the stores and wires the components. Nothing runs until
// run is called.
func openEngine(ctx context.Context, cfg Config, baseEnv map[string]string, level *slog.LevelVar, log *slog.Logger) (*engine, error) {
	store, err := settings.Open(cfg.SettingsPath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	current := store.Get()
	resolved, err := current.Resolve()
	if err != nil {
		return nil, err
	}
	level.Set(parseLevel(current.LogLevel))

	reg, err := registry.New(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}

	hist, err := history.Open(ctx, cfg.HistoryPath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open execution history: %w", err)
	}
	if n, err := hist.MarkInterrupted(ctx, time.Now().UTC()); err != nil {
		log.Warn("failed to close out interrupted executions", "error", err)
	} else if n > 0 {
		log.Warn("closed out interrupted executions", "count", n)
	}

	m := metrics.NewCollector()
	events := notify.NewRecorder(limits.RecentEvents)
	notifier := notify.NewAsync(notify.Fanout{
		notify.LogSink{Logger: log},
		events,
		metricsSink{m},
	}, notifyBuffer, log)

	exec := executor.New(executorConfig(current, resolved, baseEnv), hist, notifier, m, log)
	sched := scheduler.New(schedulerConfig(current, resolved), reg, exec, notifier, m, log)
	svc := service.New(serviceConfig(current, resolved), reg, hist, sched, exec, notifier, log)

	e := &engine{
		log:       log,
		level:     level,
		baseEnv:   baseEnv,
		settings:  store,
		registry:  reg,
		history:   hist,
		metrics:   m,
		events:    events,
		notifier:  notifier,
		executor:  exec,
		scheduler: sched,
		service:   svc,
	}

	if roots := expandHome(current.WatchPaths); len(roots) > 0 {
		w, err := discovery.New(discovery.Options{Roots: roots, MaxDepth: current.WatchMaxDepth}, svc, log)
		if err != nil {
			notifier.Close()
			_ = hist.Close()
			return nil, err
		}
		e.watcher = w
	}
	return e, nil
}

// run starts the scheduler, restores persisted projects and starts watching.
func (e *engine) run(ctx context.Context) error {
	e.scheduler.Start(ctx)
	if err := e.service.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore projects: %w", err)
	}
	if e.watcher != nil {
		e.watchDone = make(chan struct{})
		go func() {
			defer close(e.watchDone)
			if err := e.watcher.Run(ctx); err != nil {
				e.log.Error("discovery stopped", "error", err)
			}
		}()
	}
	return nil
}

// close stops the engine. Destroys already running get ShutdownTimeout to
// report back before the stores are closed.
func (e *engine) close(ctx context.Context) {
	e.scheduler.Stop()
	e.service.Close()
	if e.watchDone != nil {
		<-e.watchDone
	}

	wctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()
	if err := e.scheduler.Wait(wctx); err != nil {
		e.log.Warn("destroys still running at shutdown; they will be marked interrupted on next start",
			"running", len(e.executor.Running()))
	}

	e.notifier.Close()
	if err := e.history.Close(); err != nil {
		e.log.Warn("failed to close execution history", "error", err)
	}
}

// apply pushes new settings to every component. Watch paths are read at
// start only.
func (e *engine) apply(ctx context.Context, s settings.Settings) error {
	r, err := s.Resolve()
	if err != nil {
		return err
	}
	e.executor.SetConfig(executorConfig(s, r, e.baseEnv))
	e.service.SetConfig(serviceConfig(s, r))
	e.level.Set(parseLevel(s.LogLevel))
	return e.scheduler.SetConfig(ctx, schedulerConfig(s, r))
}

func executorConfig(s settings.Settings, r settings.Resolved, baseEnv map[string]string) executor.Config {
	env := maps.Clone(baseEnv)
	if env == nil {
		env = map[string]string{}
	}
	maps.Copy(env, s.Environment)
	return executor.Config{
		DefaultShell:   s.DefaultShell,
		Environment:    env,
		RetryBackoff:   r.RetryBackoff,
		GracePeriod:    r.GracePeriod,
		MaxOutputBytes: s.MaxOutputBytes,
		DefaultTimeout: r.DefaultTimeout,
	}
}

func schedulerConfig(s settings.Settings, r settings.Resolved) scheduler.Config {
	return scheduler.Config{
		MaxConcurrentExecutions: s.MaxConcurrentExecutions,
		PollInterval:            r.PollInterval,
		RetryAttempts:           s.RetryAttempts,
		RetryDelay:              r.RetryDelay,
		WarningLead:             r.WarningLead,
	}
}

func serviceConfig(s settings.Settings, r settings.Resolved) service.Config {
	return service.Config{
		MaxConcurrentJobs: s.MaxConcurrentJobs,
		DefaultExtend:     r.DefaultTimeout,
	}
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// environ turns KEY=VALUE pairs into a map. Later duplicates win.
func environ(pairs []string) map[string]string {
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}

func expandHome(paths []string) []string {
	home, _ := os.UserHomeDir()
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if home != "" && (p == "~" || strings.HasPrefix(p, "~/")) {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
		out = append(out, p)
	}
	return out
}

// metricsSink counts delivered notifications by type
type metricsSink struct {
	m *metrics.Collector
}

func (s metricsSink) Deliver(_ context.Context, msg notify.Message) error {
	s.m.RecordNotification(string(msg.Type))
	return nil
}
