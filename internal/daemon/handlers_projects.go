//go:build unix

package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gurisko/reaper/internal/duration"
	"github.com/gurisko/reaper/internal/lifecycle"
	"github.com/gurisko/reaper/internal/limits"
	"github.com/gurisko/reaper/internal/projectconfig"
	"github.com/gurisko/reaper/internal/registry"
	"github.com/gurisko/reaper/internal/scheduler"
	"github.com/gurisko/reaper/internal/service"
	"github.com/gurisko/reaper/internal/settings"
)

// Request/Response types

type RegisterProjectRequest struct {
	Path string `json:"path"`
}

type ProjectResponse struct {
	Project *lifecycle.Project `json:"project"`
}

type ListProjectsResponse struct {
	Projects []*lifecycle.Project `json:"projects"`
	Count    int                  `json:"count"`
}

// ExtendRequest moves a scheduled project's due time. Until wins over By;
// an empty body extends by the default timeout.
type ExtendRequest struct {
	By    string     `json:"by,omitempty"`
	Until *time.Time `json:"until,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler methods

// handleRegisterProject registers a directory outside the watched roots.
func (d *Daemon) handleRegisterProject(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req RegisterProjectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limits.JSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		writeError(w, "path is required", http.StatusBadRequest)
		return
	}

	project, err := d.engine.service.Register(r.Context(), req.Path)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Location", "/api/projects/"+project.ID)
	writeJSON(w, ProjectResponse{Project: project}, http.StatusCreated)
}

// handleListProjects handles GET /api/projects?status=&active=
func (d *Daemon) handleListProjects(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var filter service.Filter
	if s := query.Get("status"); s != "" {
		status := lifecycle.Status(s)
		if !status.Valid() {
			writeError(w, fmt.Sprintf("unknown status %q", s), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	if a := query.Get("active"); a != "" {
		active, err := strconv.ParseBool(a)
		if err != nil {
			writeError(w, "active must be true or false", http.StatusBadRequest)
			return
		}
		filter.Active = active
	}

	projects := d.engine.service.List(filter)
	if projects == nil {
		projects = []*lifecycle.Project{}
	}
	writeJSON(w, ListProjectsResponse{Projects: projects, Count: len(projects)}, http.StatusOK)
}

func (d *Daemon) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := d.engine.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, ProjectResponse{Project: project}, http.StatusOK)
}

func (d *Daemon) handleCancelProject(w http.ResponseWriter, r *http.Request) {
	project, err := d.engine.service.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, ProjectResponse{Project: project}, http.StatusOK)
}

func (d *Daemon) handleExtendProject(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req ExtendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limits.JSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	var ext service.Extension
	if req.Until != nil {
		ext.Until = req.Until.UTC()
	} else if req.By != "" {
		by, err := duration.Parse(req.By)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		ext.By = by
	}

	project, err := d.engine.service.Extend(r.Context(), r.PathValue("id"), ext)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, ProjectResponse{Project: project}, http.StatusOK)
}

// handleDestroyProject starts the destroy and returns without waiting for it.
func (d *Daemon) handleDestroyProject(w http.ResponseWriter, r *http.Request) {
	project, err := d.engine.service.Destroy(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, ProjectResponse{Project: project}, http.StatusAccepted)
}

func (d *Daemon) handleScheduled(w http.ResponseWriter, r *http.Request) {
	projects, err := d.engine.service.Scheduled(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if projects == nil {
		projects = []*lifecycle.Project{}
	}
	writeJSON(w, ListProjectsResponse{Projects: projects, Count: len(projects)}, http.StatusOK)
}

// Helper functions

// queryLimit reads ?limit=; absent means def.
func queryLimit(r *http.Request, def int) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

// writeServiceError maps engine errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrDuplicate),
		errors.Is(err, registry.ErrProjectAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, projectconfig.ErrValidation),
		errors.Is(err, projectconfig.ErrNoConfig),
		errors.Is(err, settings.ErrConfiguration),
		errors.Is(err, duration.ErrInvalidDuration),
		errors.Is(err, duration.ErrOutOfRange),
		errors.Is(err, registry.ErrInvalidPath),
		errors.Is(err, lifecycle.ErrNotLater):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotRunning):
		status = http.StatusServiceUnavailable
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, data any, status int) {
	buf, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

func writeError(w http.ResponseWriter, message string, status int) {
	resp := ErrorResponse{
		Error: message,
	}
	writeJSON(w, resp, status)
}
