package handlers

import (
	"net/http"

	"github.com/dockvault/dockvault/internal/compose"
	"github.com/dockvault/dockvault/internal/models"
	"github.com/dockvault/dockvault/internal/scheduler"
)

// RegisterStackHandlers wires stack import and schedule management.
func RegisterStackHandlers(app *App) {
	app.Mux.HandleFunc("GET /api/stacks", func(w http.ResponseWriter, _ *http.Request) {
		stacks, err := app.Stacks.All()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stacks)
	})

	app.Mux.HandleFunc("GET /api/stacks/{name}", func(w http.ResponseWriter, r *http.Request) {
		def, err := app.Stacks.Get(r.PathValue("name"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if def == nil {
			writeError(w, http.StatusNotFound, "stack not imported")
			return
		}
		writeJSON(w, http.StatusOK, def)
	})

	app.Mux.HandleFunc("POST /api/stacks", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name    string            `json:"name"`
			Compose string            `json:"compose"`
			EnvVars map[string]string `json:"envVars"`
			EnvFile string            `json:"envFile"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Name == "" || req.Compose == "" {
			writeError(w, http.StatusBadRequest, "name and compose are required")
			return
		}

		def, err := compose.BuildDefinition(req.Name, req.Compose, req.EnvVars, req.EnvFile)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := app.Stacks.Save(def); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, def)
	})

	app.Mux.HandleFunc("DELETE /api/stacks/{name}", func(w http.ResponseWriter, r *http.Request) {
		if err := app.Stacks.Delete(r.PathValue("name")); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	app.Mux.HandleFunc("GET /api/schedules", func(w http.ResponseWriter, _ *http.Request) {
		schedules, err := app.Schedules.All()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, schedules)
	})

	app.Mux.HandleFunc("PUT /api/schedules", func(w http.ResponseWriter, r *http.Request) {
		var sched models.Schedule
		if !decodeBody(w, r, &sched) {
			return
		}
		if sched.Target == "" {
			writeError(w, http.StatusBadRequest, "target is required")
			return
		}
		if _, _, err := scheduler.CronSpec(sched); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := app.Schedules.Set(sched); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		reloadScheduler(app, w, sched)
	})

	app.Mux.HandleFunc("DELETE /api/schedules/{target}", func(w http.ResponseWriter, r *http.Request) {
		target := r.PathValue("target")
		if err := app.Schedules.Delete(target); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		reloadScheduler(app, w, models.Schedule{Target: target})
	})
}

func reloadScheduler(app *App, w http.ResponseWriter, sched models.Schedule) {
	if err := app.Sched.Reload(); err != nil {
		// Stored fine, just not live yet. Surface that distinctly.
		writeError(w, http.StatusInternalServerError, "schedule saved but scheduler reload failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sched)
}
