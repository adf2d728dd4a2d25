//go:build unix

package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/gurisko/reaper/internal/limits"
	"github.com/gurisko/reaper/internal/notify"
	"github.com/gurisko/reaper/internal/settings"
)

type ConfigResponse struct {
	Settings    settings.Settings `json:"settings"`
	Path        string            `json:"path"`
	UnknownKeys []string          `json:"unknown_keys,omitempty"`
}

type EventsResponse struct {
	Events []notify.Message `json:"events"`
	Count  int              `json:"count"`
}

func (d *Daemon) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	store := d.engine.settings
	writeJSON(w, ConfigResponse{Settings: store.Get(), Path: store.Path()}, http.StatusOK)
}

// handleUpdateConfig merges a partial document into the settings, persists
// it and applies it to the running components.
func (d *Daemon) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var patch map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limits.JSON)).Decode(&patch); err != nil {
		writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	next, unknown, err := d.engine.settings.Update(patch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := d.engine.apply(r.Context(), next); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, ConfigResponse{
		Settings:    next,
		Path:        d.engine.settings.Path(),
		UnknownKeys: unknown,
	}, http.StatusOK)
}

func (d *Daemon) handleResetConfig(w http.ResponseWriter, r *http.Request) {
	next, err := d.engine.settings.Reset()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := d.engine.apply(r.Context(), next); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, ConfigResponse{Settings: next, Path: d.engine.settings.Path()}, http.StatusOK)
}

// handleEvents handles GET /api/events?limit=, newest last.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 0)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	events := d.engine.events.Messages()
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeJSON(w, EventsResponse{Events: events, Count: len(events)}, http.StatusOK)
}
