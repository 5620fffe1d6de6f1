// Package restore recreates containers and stacks from backup artifacts.
// Single containers are cloned next to their originals with conflicts
// resolved; unified stack archives go through a phased into-place
// pipeline that injects volumes offline, boots databases first, replays
// SQL dumps, and re-syncs credentials before application services start.
package restore

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/dockvault/dockvault/internal/compose"
	"github.com/dockvault/dockvault/internal/docker"
)

// Sentinel errors surfaced by restore jobs. Match with errors.Is.
var (
	// ErrRewriteFailed means the manifest could not be adapted to this host.
	ErrRewriteFailed = errors.New("manifest rewrite failed")

	// ErrDeployFailed means a compose deploy step failed.
	ErrDeployFailed = errors.New("stack deploy failed")

	// ErrReplayFailed means a SQL dump could not be replayed.
	ErrReplayFailed = errors.New("sql replay failed")

	// ErrStackArtifact means a unified stack archive was handed to the
	// single-container clone path; it must go through the stack pipeline.
	ErrStackArtifact = errors.New("artifact is a unified stack archive")
)

// Restorer executes restore jobs against one engine.
type Restorer struct {
	eng      docker.Engine
	comp     compose.Composer
	rewriter *compose.Rewriter
	log      *slog.Logger

	// probeFree is overridable in tests; defaults to a TCP bind probe.
	probeFree func(port int) bool
}

func New(eng docker.Engine, comp compose.Composer, log *slog.Logger) *Restorer {
	return &Restorer{
		eng:       eng,
		comp:      comp,
		rewriter:  compose.NewRewriter(eng, log),
		log:       log,
		probeFree: compose.ProbeTCP,
	}
}

// envValue finds key in a K=V environment list.
func envValue(env []string, key, fallback string) string {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return fallback
}

// shellQuote single-quotes s for sh -c, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// pgIdent double-quotes a Postgres identifier, escaping embedded quotes.
func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// pgLiteral single-quotes a Postgres string literal, escaping embedded quotes.
func pgLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
