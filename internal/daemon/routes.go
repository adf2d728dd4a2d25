//go:build unix

package daemon

import (
	"net/http"
	"time"
)

func (d *Daemon) handler() http.Handler {
	mux := http.NewServeMux()
	d.setupRoutes(mux)
	return mux
}

func (d *Daemon) setupRoutes(mux *http.ServeMux) {
	// Health endpoint
	mux.HandleFunc("GET /health", d.handleHealth)

	// Projects
	mux.HandleFunc("GET /api/projects", d.handleListProjects)
	mux.HandleFunc("POST /api/projects", d.handleRegisterProject)
	mux.HandleFunc("GET /api/projects/{id}", d.handleGetProject)
	mux.HandleFunc("POST /api/projects/{id}/cancel", d.handleCancelProject)
	mux.HandleFunc("POST /api/projects/{id}/extend", d.handleExtendProject)
	mux.HandleFunc("POST /api/projects/{id}/destroy", d.handleDestroyProject)
	mux.HandleFunc("GET /api/projects/{id}/executions", d.handleProjectExecutions)
	mux.HandleFunc("GET /api/scheduled", d.handleScheduled)

	// Executions
	mux.HandleFunc("GET /api/executions/running", d.handleRunningExecutions)
	mux.HandleFunc("GET /api/executions/{id}", d.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", d.handleCancelExecution)

	// Settings
	mux.HandleFunc("GET /api/config", d.handleGetConfig)
	mux.HandleFunc("PUT /api/config", d.handleUpdateConfig)
	mux.HandleFunc("POST /api/config/reset", d.handleResetConfig)

	mux.HandleFunc("GET /api/events", d.handleEvents)
	mux.Handle("GET /metrics", d.engine.metrics.Handler())
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(d.startTime).Seconds(),
		Running: d.engine.scheduler.Running(),
	}
	if scheduled, err := d.engine.service.Scheduled(r.Context()); err == nil {
		resp.Scheduled = len(scheduled)
	}
	writeJSON(w, resp, http.StatusOK)
}
