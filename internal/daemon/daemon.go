//go:build unix

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gurisko/reaper/internal/apiclient"
	"github.com/gurisko/reaper/internal/paths"
)

// ShutdownTimeout bounds how long a stopping daemon waits for running
// destroys to report back
const ShutdownTimeout = 30 * time.Second

type Daemon struct {
	cfg      Config
	pid      pidFile
	listener net.Listener
	server   *http.Server
	client   *apiclient.Client

	log   *slog.Logger
	level *slog.LevelVar

	// set by open
	engine *engine

	startTime time.Time
}

type Config struct {
	SocketPath   string
	PIDFile      string
	RegistryPath string
	HistoryPath  string
	SettingsPath string
	// LogOutput receives the daemon's structured log; stderr when nil
	LogOutput io.Writer
}

func DefaultConfig() *Config {
	return &Config{
		SocketPath:   paths.DefaultSocketPath(),
		PIDFile:      paths.DefaultPIDPath(),
		RegistryPath: paths.DefaultRegistryPath(),
		HistoryPath:  paths.DefaultHistoryPath(),
		SettingsPath: paths.DefaultSettingsPath(),
	}
}

func (c *Config) withDefaults() {
	d := DefaultConfig()
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&c.SocketPath, d.SocketPath},
		{&c.PIDFile, d.PIDFile},
		{&c.RegistryPath, d.RegistryPath},
		{&c.HistoryPath, d.HistoryPath},
		{&c.SettingsPath, d.SettingsPath},
	} {
		if *f.dst == "" {
			*f.dst = f.def
		}
	}
	if c.LogOutput == nil {
		c.LogOutput = os.Stderr
	}
}

// New prepares a daemon handle. Stores are opened only when the daemon
// starts, so stop and status stay cheap.
func New(cfg *Config) (*Daemon, error) {
	c := *cfg
	c.withDefaults()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(c.LogOutput, &slog.HandlerOptions{Level: level}))

	return &Daemon{
		cfg:       c,
		pid:       pidFile(c.PIDFile),
		client:    apiclient.NewWithSocket(c.SocketPath),
		log:       logger,
		level:     level,
		startTime: time.Now().UTC(),
	}, nil
}

// Start runs the daemon in the foreground until SIGINT or SIGTERM.
func (d *Daemon) Start() error {
	if d.IsRunning() {
		pid, _ := d.pid.read()
		return fmt.Errorf("daemon already running (PID: %d)", pid)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := d.open(ctx); err != nil {
		return err
	}
	if err := d.listen(); err != nil {
		d.engine.close(context.Background())
		return err
	}

	d.server = &http.Server{
		Handler:      d.handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	if err := d.engine.run(ctx); err != nil {
		stop()
		d.shutdown(context.Background())
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		d.log.Info("reaper daemon started", "pid", os.Getpid(), "socket", d.cfg.SocketPath)
		serveErr <- d.server.Serve(d.listener)
	}()

	select {
	case <-ctx.Done():
		d.log.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("server error", "error", err)
		}
	}

	stop()
	d.shutdown(context.Background())
	return nil
}

// listen claims the socket and the pidfile. Nothing is left behind on
// failure.
func (d *Daemon) listen() (err error) {
	if err := ensureParentDir(d.cfg.SocketPath); err != nil {
		return fmt.Errorf("failed to prepare socket directory: %w", err)
	}
	if err := removeSocketIfExists(d.cfg.SocketPath); err != nil {
		return err
	}

	l, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	defer func() {
		if err != nil {
			l.Close()
		}
	}()

	// owner only
	if err = os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	if err = d.pid.acquire(); err != nil {
		return err
	}
	d.listener = l
	return nil
}

func (d *Daemon) shutdown(ctx context.Context) {
	if d.server != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.server.Shutdown(sctx); err != nil {
			d.log.Warn("server shutdown error", "error", err)
		}
	}
	if d.listener != nil {
		d.listener.Close()
	}
	if d.engine != nil {
		d.engine.close(ctx)
	}

	_ = removeSocketIfExists(d.cfg.SocketPath)
	d.pid.remove()
	d.log.Info("reaper daemon stopped")
}

// Stop signals a running daemon and waits for it to exit. Running destroys
// get ShutdownTimeout to finish, plus a little slack.
func (d *Daemon) Stop() error {
	pid, err := d.pid.read()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("daemon not running")
		}
		return fmt.Errorf("failed reading pidfile: %w", err)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(ShutdownTimeout + 5*time.Second)
	for {
		select {
		case <-tick.C:
			if !d.IsRunning() {
				fmt.Println("reaper daemon stopped")
				return nil
			}
		case <-deadline:
			return fmt.Errorf("daemon did not stop gracefully")
		}
	}
}

type HealthResponse struct {
	Status    string  `json:"status"`
	Uptime    float64 `json:"uptime"`
	Scheduled int     `json:"scheduled"`
	Running   int     `json:"running"`
}

type StatusInfo struct {
	Running           bool
	PID               int
	SocketPath        string
	Uptime            time.Duration
	ScheduledProjects int
	RunningExecutions int
	ErrorMessage      string // For when process exists but not responding
}

func (d *Daemon) GetStatus() (*StatusInfo, error) {
	info := &StatusInfo{SocketPath: d.cfg.SocketPath}

	pid, err := d.pid.read()
	if err != nil {
		return info, nil
	}
	info.PID = pid
	if !isProcessAlive(pid) {
		// stale pidfile
		return info, nil
	}

	health, err := d.health()
	if err != nil {
		info.ErrorMessage = err.Error()
		return info, nil
	}

	info.Running = true
	info.Uptime = time.Duration(health.Uptime * float64(time.Second))
	info.ScheduledProjects = health.Scheduled
	info.RunningExecutions = health.Running
	return info, nil
}

// IsRunning reports a live process that also answers on the socket, which
// guards against PID reuse.
func (d *Daemon) IsRunning() bool {
	pid, err := d.pid.read()
	if err != nil || !isProcessAlive(pid) {
		return false
	}
	_, err = d.health()
	return err == nil
}

func (d *Daemon) health() (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var h HealthResponse
	if err := d.client.GetJSON(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}
