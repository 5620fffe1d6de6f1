package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dockvault/dockvault/internal/backup"
	"github.com/dockvault/dockvault/internal/compose"
	"github.com/dockvault/dockvault/internal/config"
	"github.com/dockvault/dockvault/internal/db"
	"github.com/dockvault/dockvault/internal/docker"
	"github.com/dockvault/dockvault/internal/handlers"
	"github.com/dockvault/dockvault/internal/jobs"
	"github.com/dockvault/dockvault/internal/models"
	"github.com/dockvault/dockvault/internal/notify"
	"github.com/dockvault/dockvault/internal/restore"
	"github.com/dockvault/dockvault/internal/scheduler"
)

var version = "dev"

func main() {
	// Container healthcheck subcommand: used by HEALTHCHECK in Dockerfile
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		runHealthcheck()
		return
	}

	cfg := config.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting dockvault", "version", version, "port", cfg.Port)

	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		slog.Error("failed to create backup directory", "dir", cfg.BackupDir, "error", err)
		os.Exit(1)
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	stackStore := models.NewStackStore(database)
	historyStore := models.NewHistoryStore(database)
	scheduleStore := models.NewScheduleStore(database)
	settingStore := models.NewSettingStore(database)

	engine, err := docker.NewSDKEngine()
	if err != nil {
		slog.Error("failed to connect to docker daemon", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	backuper := backup.New(engine, stackStore, cfg.BackupDir, logger)
	restorer := restore.New(engine, compose.CLIComposer{}, logger)
	uploader := notify.NewUploaderFromEnv(logger)

	dispatcher := &jobs.Dispatcher{
		Backuper:  backuper,
		Restorer:  restorer,
		Uploader:  uploader,
		History:   historyStore,
		BackupDir: cfg.BackupDir,
		Log:       logger,
	}
	queue := jobs.NewQueue(dispatcher.Run, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue.Start(ctx)

	sched := scheduler.New(scheduleStore, queue, logger)
	if err := sched.Start(); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	if cfg.StacksDir != "" {
		err := compose.StartWatcher(ctx, cfg.StacksDir, func(stackName, composePath string) {
			syncStack(stackStore, stackName, composePath)
		})
		if err != nil {
			slog.Error("failed to start stacks watcher", "dir", cfg.StacksDir, "error", err)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	app := &handlers.App{
		Mux:       mux,
		Engine:    engine,
		Queue:     queue,
		History:   historyStore,
		Stacks:    stackStore,
		Schedules: scheduleStore,
		Settings:  settingStore,
		Sched:     sched,
		BackupDir: cfg.BackupDir,
		Version:   version,
	}
	handlers.RegisterCoreHandlers(app)
	handlers.RegisterJobHandlers(app)
	handlers.RegisterStackHandlers(app)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	queue.Wait()
}

// syncStack reflects one watched compose file into the stack store. An
// empty composePath means the stack directory went away.
func syncStack(stacks *models.StackStore, stackName, composePath string) {
	if composePath == "" {
		if err := stacks.Delete(stackName); err != nil {
			slog.Warn("failed to remove watched stack", "stack", stackName, "error", err)
		}
		return
	}

	data, err := os.ReadFile(composePath)
	if err != nil {
		slog.Warn("failed to read compose file", "path", composePath, "error", err)
		return
	}
	def, err := compose.BuildDefinition(stackName, string(data), nil, "")
	if err != nil {
		slog.Warn("watched compose file did not parse", "stack", stackName, "error", err)
		return
	}
	if err := stacks.Save(def); err != nil {
		slog.Warn("failed to save watched stack", "stack", stackName, "error", err)
		return
	}
	slog.Info("stack imported from watcher", "stack", stackName)
}

// runHealthcheck probes the local /healthz endpoint and exits non-zero
// on failure. Honors DOCKVAULT_PORT like the server does.
func runHealthcheck() {
	port := 5005
	if v := os.Getenv("DOCKVAULT_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &port)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/healthz", port))
	if err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, "healthcheck failed: status", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("ok")
}
