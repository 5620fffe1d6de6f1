package restore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dockvault/dockvault/internal/archive"
	"github.com/dockvault/dockvault/internal/backup"
	"github.com/dockvault/dockvault/internal/compose"
	"github.com/dockvault/dockvault/internal/docker"
)

const (
	readinessAttempts = 30
	readinessInterval = time.Second
	replayTimeout     = 300 * time.Second
	pullTimeout       = 300 * time.Second

	// smallDumpBytes flags suspiciously small dumps during replay.
	smallDumpBytes = 100
)

// StackResult describes a finished stack restore.
type StackResult struct {
	StackName string
	Remaps    []string
	Warnings  []string
}

// stackService is one services/<name>/ subtree of a unified archive,
// joined with its live container once the stack is deployed.
type stackService struct {
	containerName string
	service       string
	cfg           *archive.ContainerConfig
	dumpEntry     string
	liveID        string
}

// Stack restores a unified stack archive into place, replacing any stack
// of the same name. Phases run as barriers: deploy stopped containers,
// inject volumes offline, boot and probe databases, replay dumps,
// re-sync credentials, then boot the applications.
func (r *Restorer) Stack(ctx context.Context, artifactPath string, progress func(string)) (*StackResult, error) {
	report := func(msg string) {
		if progress != nil {
			progress(msg)
		}
		r.log.Info(msg, "artifact", filepath.Base(artifactPath))
	}

	// Phase 0: plan. Nothing on the engine is touched until the archive
	// is known to be restorable.
	ar, err := archive.Open(artifactPath)
	if err != nil {
		return nil, err
	}
	defer ar.Close()

	meta, err := ar.ReadStackMetadata()
	if err != nil {
		return nil, err
	}
	manifest, err := ar.ReadFile(archive.ComposeEntry)
	if err != nil {
		return nil, &compose.ParseError{Reason: "stack archive has no " + archive.ComposeEntry, Err: err}
	}
	envData, _ := ar.ReadFile(archive.EnvEntry)
	envMap := parseEnvFile(envData)

	services, err := collectStackServices(ar, meta)
	if err != nil {
		return nil, err
	}

	res := &StackResult{StackName: meta.StackName}

	report("removing existing stack containers")
	if err := r.removeStack(ctx, meta.StackName); err != nil {
		return nil, err
	}

	// Phase 1: rewrite.
	report("rewriting manifest for this host")
	rewritten, remaps, err := r.rewriter.Rewrite(ctx, manifest)
	if err != nil {
		var perr *compose.ParseError
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRewriteFailed, err)
	}
	res.Remaps = remaps

	// Phase 2: infrastructure-only deploy.
	dir, err := writeProjectDir(meta.StackName, rewritten, envData)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	report("creating stack containers (stopped)")
	if err := compose.CreateNoStart(ctx, r.comp, dir, meta.StackName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeployFailed, err)
	}

	if err := r.attachLiveContainers(ctx, meta.StackName, services, res); err != nil {
		return nil, err
	}

	// Phase 3: offline volume injection.
	report("injecting volumes")
	r.injectStackVolumes(ctx, ar, services, res)

	var dbs, apps []*stackService
	for _, svc := range services {
		if backup.IsDatabase(svc.cfg.AppType) {
			dbs = append(dbs, svc)
		} else {
			apps = append(apps, svc)
		}
	}

	// Phase 4: database cohort boot.
	if len(dbs) > 0 {
		report(fmt.Sprintf("starting %d database service(s)", len(dbs)))
		names := make([]string, 0, len(dbs))
		for _, svc := range dbs {
			if svc.service != "" {
				names = append(names, svc.service)
			}
		}
		if err := compose.StartServices(ctx, r.comp, dir, meta.StackName, names...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeployFailed, err)
		}
		r.awaitDatabases(ctx, dbs, envMap, res)
	}

	// Phase 5: SQL replay.
	for _, svc := range dbs {
		if svc.dumpEntry == "" || svc.liveID == "" {
			continue
		}
		report("replaying dump into " + svc.containerName)
		if err := r.replayDump(ctx, ar, svc, envMap, res); err != nil {
			res.Warnings = append(res.Warnings, err.Error())
			r.log.Warn("sql replay failed", "service", svc.containerName, "err", err)
		}
	}

	// Phase 6: credential re-sync (Postgres only). A restored dump may
	// have renamed or re-passworded the role; the env-declared password
	// stays authoritative so dependent services reconnect.
	for _, svc := range dbs {
		if svc.cfg.AppType != backup.AppPostgres || svc.liveID == "" {
			continue
		}
		if err := r.resyncPostgresRole(ctx, svc, envMap); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: credential re-sync: %v", svc.containerName, err))
			r.log.Warn("credential re-sync failed", "service", svc.containerName, "err", err)
		}
	}

	// Phase 7: application boot.
	report("starting application services")
	if err := compose.Up(ctx, r.comp, dir, meta.StackName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeployFailed, err)
	}

	r.log.Info("stack restore complete",
		"stack", meta.StackName, "services", len(services), "warnings", len(res.Warnings))
	return res, nil
}

// collectStackServices reads every services/<name>/config.json subtree.
func collectStackServices(ar *archive.Reader, meta *archive.StackMetadata) ([]*stackService, error) {
	serviceByName := make(map[string]string, len(meta.Containers))
	for _, c := range meta.Containers {
		serviceByName[c.Name] = c.Service
	}

	byName := make(map[string]*stackService)
	var order []string
	for _, f := range ar.Files() {
		parts := strings.Split(f.Name, "/")
		if len(parts) < 3 || parts[0] != "services" {
			continue
		}
		name := parts[1]
		svc := byName[name]
		if svc == nil {
			svc = &stackService{containerName: name, service: serviceByName[name]}
			byName[name] = svc
			order = append(order, name)
		}
		switch {
		case len(parts) == 3 && parts[2] == archive.ConfigEntry:
			data, err := ar.ReadFile(f.Name)
			if err != nil {
				return nil, err
			}
			cfg, err := parseContainerConfig(data, f.Name)
			if err != nil {
				return nil, err
			}
			svc.cfg = cfg
			if svc.service == "" {
				svc.service = cfg.ComposeService
			}
		case len(parts) == 3 && parts[2] == archive.DumpEntry:
			svc.dumpEntry = f.Name
		}
	}

	services := make([]*stackService, 0, len(order))
	for _, name := range order {
		svc := byName[name]
		if svc.cfg == nil {
			return nil, &compose.ParseError{Reason: fmt.Sprintf("service %q has no %s", name, archive.ConfigEntry)}
		}
		services = append(services, svc)
	}
	if len(services) == 0 {
		return nil, &compose.ParseError{Reason: "stack archive has no services"}
	}
	return services, nil
}

// removeStack stops and removes an existing stack's containers. Volumes
// and host data stay in place; only the container objects go.
func (r *Restorer) removeStack(ctx context.Context, stackName string) error {
	existing, err := r.eng.ContainerList(ctx, true, stackName)
	if err != nil {
		return err
	}
	for _, c := range existing {
		if c.State == "running" {
			if err := r.eng.ContainerStop(ctx, c.ID); err != nil {
				r.log.Warn("stop existing container", "container", c.Name, "err", err)
			}
		}
		if err := r.eng.ContainerRemove(ctx, c.ID, true); err != nil {
			return fmt.Errorf("remove existing container %q: %w", c.Name, err)
		}
	}
	return nil
}

// attachLiveContainers joins archived services with the containers the
// deploy created, matched on the compose service label.
func (r *Restorer) attachLiveContainers(ctx context.Context, stackName string, services []*stackService, res *StackResult) error {
	live, err := r.eng.ContainerList(ctx, true, stackName)
	if err != nil {
		return err
	}
	byService := make(map[string]string, len(live))
	for _, c := range live {
		if c.Service != "" {
			byService[c.Service] = c.ID
		}
	}
	for _, svc := range services {
		svc.liveID = byService[svc.service]
		if svc.liveID == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("no deployed container for service %q", svc.service))
		}
	}
	return nil
}

// injectStackVolumes streams every services/<name>/volumes/*.tar into the
// matching stopped container. Per-path failures are warnings.
func (r *Restorer) injectStackVolumes(ctx context.Context, ar *archive.Reader, services []*stackService, res *StackResult) {
	byName := make(map[string]*stackService, len(services))
	for _, svc := range services {
		byName[svc.containerName] = svc
	}

	for _, f := range ar.Files() {
		parts := strings.Split(f.Name, "/")
		if len(parts) != 4 || parts[0] != "services" || parts[2] != "volumes" {
			continue
		}
		decoded, ok := archive.DecodeVolumeEntry(parts[3])
		if !ok {
			continue
		}
		svc := byName[parts[1]]
		if svc == nil || svc.liveID == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("volume %s has no target container", f.Name))
			continue
		}

		rc, err := f.Open()
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: open %s: %v", svc.containerName, f.Name, err))
			continue
		}
		err = r.eng.CopyTo(ctx, svc.liveID, path.Dir(decoded), rc)
		rc.Close()
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: inject %s: %v", svc.containerName, decoded, err))
			continue
		}
		r.log.Debug("volume injected", "service", svc.containerName, "path", decoded)
	}
}

// awaitDatabases probes each database in parallel until it answers or
// the attempt budget runs out. Unready databases proceed with a warning.
func (r *Restorer) awaitDatabases(ctx context.Context, dbs []*stackService, envMap map[string]string, res *StackResult) {
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, svc := range dbs {
		if svc.liveID == "" {
			continue
		}
		wg.Add(1)
		go func(svc *stackService) {
			defer wg.Done()
			if !r.probeReadiness(ctx, svc, envMap) {
				mu.Lock()
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: not ready after %d attempts", svc.containerName, readinessAttempts))
				mu.Unlock()
				r.log.Warn("database not ready, continuing", "service", svc.containerName)
			}
		}(svc)
	}
	wg.Wait()
}

func (r *Restorer) probeReadiness(ctx context.Context, svc *stackService, envMap map[string]string) bool {
	var cmd []string
	var want string
	switch svc.cfg.AppType {
	case backup.AppPostgres:
		user := resolveEnv(svc.cfg.Env, "POSTGRES_USER", "postgres", envMap)
		cmd, want = []string{"pg_isready", "-U", user}, "accepting"
	case backup.AppMySQL:
		cmd, want = []string{"mysqladmin", "ping"}, "alive"
	case backup.AppRedis:
		cmd, want = []string{"redis-cli", "ping"}, "pong"
	default:
		return true
	}

	for attempt := 0; attempt < readinessAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(readinessInterval):
			}
		}
		out, err := docker.ExecCapture(ctx, r.eng, svc.liveID, cmd)
		if err != nil {
			continue
		}
		combined := strings.ToLower(string(out.Stdout) + string(out.Stderr))
		if strings.Contains(combined, want) {
			return true
		}
	}
	return false
}

// replayDump pipes a service's dump.sql into a database client bound to
// the maintenance database.
func (r *Restorer) replayDump(ctx context.Context, ar *archive.Reader, svc *stackService, envMap map[string]string, res *StackResult) error {
	f := ar.Entry(svc.dumpEntry)
	if f == nil {
		return fmt.Errorf("%w: missing entry %s", ErrReplayFailed, svc.dumpEntry)
	}
	if f.UncompressedSize64 < smallDumpBytes {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"%s: dump is only %d bytes, replaying anyway", svc.containerName, f.UncompressedSize64))
		r.log.Warn("dump is suspiciously small, replaying anyway",
			"service", svc.containerName, "bytes", f.UncompressedSize64)
	}

	var cmd string
	switch svc.cfg.AppType {
	case backup.AppPostgres:
		user := resolveEnv(svc.cfg.Env, "POSTGRES_USER", "postgres", envMap)
		pwd := resolveEnv(svc.cfg.Env, "POSTGRES_PASSWORD", "", envMap)
		if pwd == "" {
			pwd = resolveEnv(svc.cfg.Env, "POSTGRES_PASS", "", envMap)
		}
		cmd = fmt.Sprintf("psql -U %s -d postgres", shellQuote(user))
		if pwd != "" {
			cmd = fmt.Sprintf("PGPASSWORD=%s %s", shellQuote(pwd), cmd)
		}
	case backup.AppMySQL:
		pwd := resolveEnv(svc.cfg.Env, "MYSQL_ROOT_PASSWORD", "", envMap)
		if pwd != "" {
			cmd = fmt.Sprintf("mysql -u root -p%s", shellQuote(pwd))
		} else {
			cmd = "mysql -u root"
		}
	default:
		return fmt.Errorf("%w: no replay client for %q", ErrReplayFailed, svc.cfg.AppType)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open dump: %v", ErrReplayFailed, err)
	}
	defer rc.Close()

	ctx, cancel := context.WithTimeout(ctx, replayTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	code, err := r.eng.Exec(ctx, svc.liveID, []string{"sh", "-c", cmd}, rc, &stdout, &stderr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReplayFailed, err)
	}
	if code != 0 {
		return fmt.Errorf("%w: exit %d: %s", ErrReplayFailed, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// resyncPostgresRole makes the env-declared credentials authoritative
// again after a dump replay. The sequence is idempotent.
func (r *Restorer) resyncPostgresRole(ctx context.Context, svc *stackService, envMap map[string]string) error {
	user := resolveEnv(svc.cfg.Env, "POSTGRES_USER", "postgres", envMap)
	pwd := resolveEnv(svc.cfg.Env, "POSTGRES_PASSWORD", "", envMap)
	if pwd == "" {
		pwd = resolveEnv(svc.cfg.Env, "POSTGRES_PASS", "", envMap)
	}
	if pwd == "" {
		return nil
	}

	sql := fmt.Sprintf(
		"DO $$ BEGIN IF NOT EXISTS (SELECT FROM pg_catalog.pg_roles WHERE rolname=%s) THEN "+
			"CREATE ROLE %s WITH LOGIN PASSWORD %s; END IF; END $$; "+
			"ALTER ROLE %s WITH PASSWORD %s; ALTER ROLE %s SUPERUSER;",
		pgLiteral(user), pgIdent(user), pgLiteral(pwd), pgIdent(user), pgLiteral(pwd), pgIdent(user))

	cmd := fmt.Sprintf("PGPASSWORD=%s psql -U %s -d postgres -c %s",
		shellQuote(pwd), shellQuote(user), shellQuote(sql))

	out, err := docker.ExecCapture(ctx, r.eng, svc.liveID, []string{"sh", "-c", cmd})
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("exit %d: %s", out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}
	return nil
}

// resolveEnv reads key from a K=V list and expands ${VAR} placeholders
// against envMap, the process env, then inline defaults.
func resolveEnv(env []string, key, fallback string, envMap map[string]string) string {
	v := envValue(env, key, "")
	if v == "" {
		return fallback
	}
	return compose.Interpolate(v, envMap)
}

func parseEnvFile(data []byte) map[string]string {
	env := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			env[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return env
}

func parseContainerConfig(data []byte, entry string) (*archive.ContainerConfig, error) {
	var cfg archive.ContainerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &compose.ParseError{Reason: "invalid " + entry, Err: err}
	}
	return &cfg, nil
}

// writeProjectDir materializes the rewritten manifest and env file in a
// throwaway compose project directory.
func writeProjectDir(stackName string, manifest, envData []byte) (string, error) {
	dir, err := os.MkdirTemp("", "dockvault-restore-"+stackName+"-")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, archive.ComposeEntry), manifest, 0o644); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if len(envData) > 0 {
		if err := os.WriteFile(filepath.Join(dir, archive.EnvEntry), envData, 0o600); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}
