//go:build unix

package daemon

import (
	"net/http"

	"github.com/gurisko/reaper/internal/lifecycle"
)

const defaultHistoryLimit = 20

type ExecutionResponse struct {
	Execution *lifecycle.Execution `json:"execution"`
}

type ListExecutionsResponse struct {
	Executions []*lifecycle.Execution `json:"executions"`
	Count      int                    `json:"count"`
}

// handleProjectExecutions handles GET /api/projects/{id}/executions?limit=
// limit=0 returns every attempt.
func (d *Daemon) handleProjectExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultHistoryLimit)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	execs, err := d.engine.service.Executions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeExecutions(w, execs)
}

func (d *Daemon) handleRunningExecutions(w http.ResponseWriter, r *http.Request) {
	writeExecutions(w, d.engine.service.RunningExecutions())
}

func (d *Daemon) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := d.engine.service.Execution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, ExecutionResponse{Execution: exec}, http.StatusOK)
}

// handleCancelExecution asks a running attempt to stop. The outcome lands in
// the execution record once the process group is gone.
func (d *Daemon) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := d.engine.service.CancelExecution(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeExecutions(w http.ResponseWriter, execs []*lifecycle.Execution) {
	if execs == nil {
		execs = []*lifecycle.Execution{}
	}
	writeJSON(w, ListExecutionsResponse{Executions: execs, Count: len(execs)}, http.StatusOK)
}
