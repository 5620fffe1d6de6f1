package config

import (
	"flag"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port      int
	DataDir   string // bbolt database + extracted env files
	BackupDir string // finalized artifacts land here
	StacksDir string // watched for compose manifests to (re)import, optional
	LogLevel  slog.Level
}

func Parse() *Config {
	cfg := &Config{}

	var logLevel string
	flag.IntVar(&cfg.Port, "port", 5005, "HTTP server port")
	flag.StringVar(&cfg.DataDir, "data-dir", "./data", "Path to data directory (BoltDB)")
	flag.StringVar(&cfg.BackupDir, "backup-dir", "./backups", "Path to backup artifact directory")
	flag.StringVar(&cfg.StacksDir, "stacks-dir", "", "Optional directory of compose manifests to auto-import")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	// Env vars override flags (if set)
	if v := os.Getenv("DOCKVAULT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("DOCKVAULT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DOCKVAULT_BACKUP_DIR"); v != "" {
		cfg.BackupDir = v
	}
	if v := os.Getenv("DOCKVAULT_STACKS_DIR"); v != "" {
		cfg.StacksDir = v
	}
	if v := os.Getenv("DOCKVAULT_LOG_LEVEL"); v != "" {
		logLevel = v
	}

	cfg.LogLevel = parseLogLevel(logLevel)

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
