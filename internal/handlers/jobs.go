package handlers

import (
	"net/http"

	"github.com/dockvault/dockvault/internal/jobs"
)

// RegisterJobHandlers wires backup and restore triggers plus job and
// history inspection. Triggers only enqueue; the worker does the rest.
func RegisterJobHandlers(app *App) {
	app.Mux.HandleFunc("POST /api/backup/container", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Target string   `json:"target"`
			Paths  []string `json:"paths"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Target == "" {
			writeError(w, http.StatusBadRequest, "target is required")
			return
		}
		enqueue(app, w, jobs.Job{Kind: jobs.KindBackupContainer, Target: req.Target, Paths: req.Paths})
	})

	app.Mux.HandleFunc("POST /api/backup/stack", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stack string `json:"stack"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Stack == "" {
			writeError(w, http.StatusBadRequest, "stack is required")
			return
		}
		if def, err := app.Stacks.Get(req.Stack); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		} else if def == nil {
			writeError(w, http.StatusNotFound, "stack not imported: "+req.Stack)
			return
		}
		enqueue(app, w, jobs.Job{Kind: jobs.KindBackupStack, Target: req.Stack})
	})

	app.Mux.HandleFunc("POST /api/restore", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Artifact string `json:"artifact"`
			Mode     string `json:"mode"`
			Network  string `json:"network"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		name, ok := app.artifactName(req.Artifact)
		if !ok {
			writeError(w, http.StatusBadRequest, "artifact must be a plain file name")
			return
		}

		var kind string
		switch req.Mode {
		case "clone":
			kind = jobs.KindRestoreClone
		case "stack":
			kind = jobs.KindRestoreStack
		case "auto", "":
			kind = jobs.KindRestoreContainer
		default:
			writeError(w, http.StatusBadRequest, "mode must be clone, stack, or auto")
			return
		}
		enqueue(app, w, jobs.Job{Kind: kind, Target: name, Network: req.Network})
	})

	app.Mux.HandleFunc("GET /api/jobs", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, app.Queue.All())
	})

	app.Mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, ok := app.Queue.Status(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "no such job")
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	app.Mux.HandleFunc("GET /api/history", func(w http.ResponseWriter, _ *http.Request) {
		entries, err := app.History.All()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})
}

func enqueue(app *App, w http.ResponseWriter, job jobs.Job) {
	id, err := app.Queue.Enqueue(job)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
}
