// Package handlers exposes the REST API: triggering backups and
// restores, inspecting jobs and history, and managing imported stacks
// and schedules.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dockvault/dockvault/internal/docker"
	"github.com/dockvault/dockvault/internal/jobs"
	"github.com/dockvault/dockvault/internal/models"
	"github.com/dockvault/dockvault/internal/scheduler"
)

// App carries the dependencies handlers need. All registrations go
// through the same mux.
type App struct {
	Mux       *http.ServeMux
	Engine    docker.Engine
	Queue     *jobs.Queue
	History   *models.HistoryStore
	Stacks    *models.StackStore
	Schedules *models.ScheduleStore
	Settings  *models.SettingStore
	Sched     *scheduler.Scheduler
	BackupDir string
	Version   string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// RegisterCoreHandlers wires health, container listing, artifact listing,
// and settings.
func RegisterCoreHandlers(app *App) {
	app.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	app.Mux.HandleFunc("GET /api/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": app.Version})
	})

	app.Mux.HandleFunc("GET /api/containers", func(w http.ResponseWriter, r *http.Request) {
		containers, err := app.Engine.ContainerList(r.Context(), true, r.URL.Query().Get("project"))
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, containers)
	})

	app.Mux.HandleFunc("GET /api/backups", func(w http.ResponseWriter, _ *http.Request) {
		type artifact struct {
			Name      string    `json:"name"`
			SizeBytes int64     `json:"sizeBytes"`
			ModTime   time.Time `json:"modTime"`
		}
		entries, err := os.ReadDir(app.BackupDir)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		artifacts := []artifact{}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			artifacts = append(artifacts, artifact{
				Name: e.Name(), SizeBytes: info.Size(), ModTime: info.ModTime(),
			})
		}
		writeJSON(w, http.StatusOK, artifacts)
	})

	app.Mux.HandleFunc("GET /api/settings", func(w http.ResponseWriter, _ *http.Request) {
		settings, err := app.Settings.GetAll()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, settings)
	})

	app.Mux.HandleFunc("PUT /api/settings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Key == "" {
			writeError(w, http.StatusBadRequest, "key is required")
			return
		}
		if err := app.Settings.Set(req.Key, req.Value); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
}

// artifactName validates a user-supplied artifact reference: a bare file
// name inside the backup directory, no traversal.
func (app *App) artifactName(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", false
	}
	return name, true
}
