package backup

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dockvault/dockvault/internal/archive"
	"github.com/dockvault/dockvault/internal/docker"
	"github.com/dockvault/dockvault/internal/models"
)

// Stage budgets. All are fatal for their stage.
const (
	dumpTimeout     = 300 * time.Second
	containerBudget = 300 * time.Second
	stackBudget     = 600 * time.Second
)

const artifactTimeFormat = "20060102_150405"

// Backuper builds backup artifacts from live containers.
type Backuper struct {
	eng    docker.Engine
	stacks *models.StackStore
	dir    string
	log    *slog.Logger
}

func New(eng docker.Engine, stacks *models.StackStore, backupDir string, log *slog.Logger) *Backuper {
	return &Backuper{eng: eng, stacks: stacks, dir: backupDir, log: log}
}

// Result describes a finished backup. Warnings cover non-fatal issues
// like skipped volume paths; they end up in the job's history message.
type Result struct {
	ArtifactPath string
	SizeBytes    int64
	Warnings     []string
}

// Container backs up one container into a single-container artifact.
// Database images get a logical dump; everything else gets volume tars
// for the union of stack-declared destinations and customPaths.
func (b *Backuper) Container(ctx context.Context, target string, customPaths []string) (*Result, error) {
	details, err := b.eng.ContainerInspect(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("inspect %q: %w", target, err)
	}
	app := DetectApp(details.Image, details.Labels)

	name := fmt.Sprintf("%s_%s.zip", details.Name, time.Now().Format(artifactTimeFormat))
	w, err := archive.NewWriter(filepath.Join(b.dir, name), containerBudget)
	if err != nil {
		return nil, err
	}

	res := &Result{ArtifactPath: w.Path()}

	var paths []string
	if !UsesDump(app) {
		paths = b.volumePaths(details, customPaths, false, app)
		if len(paths) == 0 {
			res.Warnings = append(res.Warnings, "no volumes defined, guessing capture paths")
			paths = b.volumePaths(details, customPaths, true, app)
		}
	}

	if err := b.writeService(ctx, w, details, app, paths, "", res); err != nil {
		w.Abort()
		return nil, err
	}

	size, err := w.Finalize()
	if err != nil {
		return nil, err
	}
	res.SizeBytes = size

	b.log.Info("container backup complete",
		"container", details.Name, "app", app, "artifact", name, "bytes", size)
	return res, nil
}

// writeService appends one container's subtree. With prefix "" it emits
// the single-container layout (config.json, dump.sql, <escaped>.tar at
// the root); with prefix "services/<name>/" it emits the stack layout
// (volume tars go under an extra volumes/ directory).
func (b *Backuper) writeService(ctx context.Context, w *archive.Writer, details *docker.ContainerDetails, app string, paths []string, prefix string, res *Result) error {
	cfg := buildConfig(details, app, paths)

	if UsesDump(app) {
		// Capture before the first append so a failed dump leaves no
		// partial subtree behind.
		dumpPath, err := b.dump(ctx, details, app)
		if err != nil {
			return err
		}
		defer os.Remove(dumpPath)
		if err := appendJSON(w, prefix+archive.ConfigEntry, cfg); err != nil {
			return err
		}
		f, err := os.Open(dumpPath)
		if err != nil {
			return fmt.Errorf("open dump file: %w", err)
		}
		defer f.Close()
		_, err = w.AppendStream(prefix+archive.DumpEntry, f)
		return err
	}

	if err := appendJSON(w, prefix+archive.ConfigEntry, cfg); err != nil {
		return err
	}

	volPrefix := prefix
	if prefix != "" {
		volPrefix = prefix + "volumes/"
	}
	for _, p := range paths {
		rc, err := b.eng.CopyFrom(ctx, details.ID, p)
		if err != nil {
			// A missing path is a warning, not a lost artifact.
			warn := fmt.Sprintf("skipped %s: %v", p, err)
			res.Warnings = append(res.Warnings, warn)
			b.log.Warn("volume capture skipped", "container", details.Name, "path", p, "err", err)
			if werr := w.AppendBytes(volPrefix+archive.VolumeErrorEntry(p), []byte(err.Error())); werr != nil {
				return werr
			}
			continue
		}
		n, err := w.AppendStream(volPrefix+archive.EscapeVolumePath(p), rc)
		rc.Close()
		if err != nil {
			return err
		}
		b.log.Debug("volume captured", "container", details.Name, "path", p, "bytes", n)
	}
	return nil
}

// volumePaths is the union of stack-declared destinations and custom
// paths. The legacy single-container path additionally falls back to the
// container's own bind and volume mount destinations, then the app hint
// table, then WorkingDir, then /app.
func (b *Backuper) volumePaths(details *docker.ContainerDetails, customPaths []string, legacyFallback bool, app string) []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	if project, service := details.Project(), details.Service(); project != "" && service != "" {
		if def, err := b.stacks.Get(project); err == nil && def != nil {
			for _, p := range def.Services[service].Volumes {
				add(p)
			}
		}
	}
	for _, p := range customPaths {
		add(p)
	}

	if len(paths) == 0 && legacyFallback {
		for _, bind := range details.Binds {
			add(bindDestination(bind))
		}
		for _, m := range details.Mounts {
			if m.Type == "bind" || m.Type == "volume" {
				add(m.Destination)
			}
		}
		if len(paths) == 0 {
			for _, p := range fallbackPaths[app] {
				add(p)
			}
		}
		if len(paths) == 0 {
			if details.WorkingDir != "" {
				add(details.WorkingDir)
			} else {
				add("/app")
			}
		}
	}
	return paths
}

// bindDestination extracts the container path from a "host:container[:opts]"
// bind string.
func bindDestination(bind string) string {
	parts := strings.Split(bind, ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// dump runs the database dump inside the container, streaming stdout to a
// temp file so multi-gigabyte dumps never sit in memory. Only stderr is
// buffered, for diagnostics. The caller removes the returned file.
func (b *Backuper) dump(ctx context.Context, details *docker.ContainerDetails, app string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, dumpTimeout)
	defer cancel()

	var cmd string
	switch app {
	case AppPostgres:
		user := envValue(details.Env, "POSTGRES_USER", "postgres")
		pwd := envValue(details.Env, "POSTGRES_PASSWORD", "")
		if pwd == "" {
			pwd = envValue(details.Env, "POSTGRES_PASS", "")
		}
		cmd = fmt.Sprintf("pg_dumpall -U %s -w --clean --if-exists", shellQuote(user))
		if pwd != "" {
			cmd = fmt.Sprintf("PGPASSWORD=%s %s", shellQuote(pwd), cmd)
		}
	case AppMySQL:
		pwd := envValue(details.Env, "MYSQL_ROOT_PASSWORD", "")
		if pwd != "" {
			cmd = fmt.Sprintf("mysqldump -u root -p%s --all-databases", shellQuote(pwd))
		} else {
			cmd = "mysqldump -u root --all-databases --skip-lock-tables"
		}
	default:
		return "", fmt.Errorf("%w: no dump strategy for %q", ErrCaptureFailed, app)
	}

	tmp, err := os.CreateTemp(b.dir, ".dump-*.sql")
	if err != nil {
		return "", fmt.Errorf("create dump file: %w", err)
	}
	var stderr bytes.Buffer
	code, execErr := b.eng.Exec(ctx, details.ID, []string{"sh", "-c", cmd}, nil, tmp, &stderr)
	info, statErr := tmp.Stat()
	tmp.Close()

	fail := func(err error) (string, error) {
		os.Remove(tmp.Name())
		return "", err
	}
	if execErr != nil {
		return fail(fmt.Errorf("%w: %v", ErrCaptureFailed, execErr))
	}
	if statErr != nil {
		return fail(fmt.Errorf("stat dump file: %w", statErr))
	}
	msg := strings.TrimSpace(stderr.String())
	if code != 0 {
		return fail(fmt.Errorf("%w: exit %d: %s", ErrCaptureFailed, code, msg))
	}
	if info.Size() == 0 {
		return fail(fmt.Errorf("%w: %s", ErrCaptureEmpty, msg))
	}
	return tmp.Name(), nil
}

func buildConfig(details *docker.ContainerDetails, app string, paths []string) *archive.ContainerConfig {
	ports := make(map[string]struct{}, len(details.ExposedPorts))
	for _, p := range details.ExposedPorts {
		ports[p] = struct{}{}
	}
	return &archive.ContainerConfig{
		Name:       details.Name,
		Image:      details.Image,
		Env:        details.Env,
		Ports:      ports,
		Cmd:        details.Cmd,
		Entrypoint: details.Entrypoint,
		WorkingDir: details.WorkingDir,
		HostConfig: archive.HostConfig{
			PortBindings: details.PortBindings,
			Binds:        details.Binds,
		},
		NetworkSettings: archive.NetworkSettings{Networks: details.Networks},
		AppType:         app,
		BackupPaths:     paths,
		ComposeProject:  details.Project(),
		ComposeService:  details.Service(),
		Timestamp:       time.Now().UTC(),
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
