package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dockvault/dockvault/internal/archive"
	"github.com/dockvault/dockvault/internal/docker"
)

// CloneResult describes the containers a clone restore created.
type CloneResult struct {
	Created    []CreatedContainer
	PortRemaps []string
	Warnings   []string
}

// CreatedContainer is one container brought up by a clone restore.
type CreatedContainer struct {
	Name string
	ID   string
}

// dbNameHints orders legacy stack children so databases restore first.
var dbNameHints = []string{"postgres", "mysql", "mariadb", "redis", "db"}

// Clone recreates a container from a single-container artifact next to
// whatever is already running: the clone gets a fresh name, free host
// ports at or above the originals, and retargeted bind mounts. When
// networkOverride is set the clone attaches only to that network.
//
// A legacy archive of nested single-container zips restores every child
// onto a fresh bridge network, databases first.
func (r *Restorer) Clone(ctx context.Context, artifactPath, networkOverride string) (*CloneResult, error) {
	ar, err := archive.Open(artifactPath)
	if err != nil {
		return nil, err
	}
	defer ar.Close()

	if ar.Entry(archive.ConfigEntry) == nil {
		if ar.Entry(archive.StackMetadataEntry) != nil {
			return nil, fmt.Errorf("%w: %s", ErrStackArtifact, filepath.Base(artifactPath))
		}
		if hasNestedArchives(ar) {
			return r.cloneLegacyStack(ctx, ar)
		}
		return nil, fmt.Errorf("unrecognized artifact %q: no %s at root", filepath.Base(artifactPath), archive.ConfigEntry)
	}

	cfg, err := ar.ReadContainerConfig()
	if err != nil {
		return nil, err
	}
	return r.cloneContainer(ctx, ar, cfg, networkOverride)
}

func (r *Restorer) cloneContainer(ctx context.Context, ar *archive.Reader, cfg *archive.ContainerConfig, networkOverride string) (*CloneResult, error) {
	res := &CloneResult{}
	epoch := time.Now().Unix()
	newName := fmt.Sprintf("%s_restored_%d", cfg.Name, epoch)

	// Image.
	exists, err := r.eng.ImageExists(ctx, cfg.Image)
	if err != nil {
		return nil, err
	}
	if !exists {
		r.log.Info("pulling image for restore", "image", cfg.Image)
		pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
		err := r.eng.ImagePull(pullCtx, cfg.Image)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	// Networking: an override wins; otherwise reattach to the first
	// original network, falling back to bridge when it is gone.
	network := networkOverride
	aliases := []string{}
	if network != "" {
		if cfg.ComposeService != "" {
			aliases = append(aliases, cfg.ComposeService)
		}
		aliases = append(aliases, cfg.Name)
	} else {
		network = firstNetwork(cfg)
		if network != "" {
			ok, err := r.eng.NetworkExists(ctx, network)
			if err != nil {
				return nil, err
			}
			if !ok {
				res.Warnings = append(res.Warnings, fmt.Sprintf("network %s gone, using bridge", network))
				network = "bridge"
			}
		}
	}

	bindings, remaps, err := r.rebindPorts(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res.PortRemaps = remaps

	binds := retargetBinds(cfg.HostConfig.Binds, epoch, res)

	exposed := make([]string, 0, len(cfg.Ports))
	for p := range cfg.Ports {
		exposed = append(exposed, p)
	}
	sort.Strings(exposed)

	id, err := r.eng.ContainerCreate(ctx, docker.CreateSpec{
		Name:           newName,
		Image:          cfg.Image,
		Env:            cfg.Env,
		Cmd:            cfg.Cmd,
		Entrypoint:     cfg.Entrypoint,
		WorkingDir:     cfg.WorkingDir,
		ExposedPorts:   exposed,
		PortBindings:   bindings,
		Binds:          binds,
		RestartPolicy:  "unless-stopped",
		Network:        network,
		NetworkAliases: aliases,
	})
	if err != nil {
		return nil, err
	}
	res.Created = append(res.Created, CreatedContainer{Name: newName, ID: id})

	// From here on a failure leaves the clone stopped for diagnosis.
	fail := func(step string, err error) (*CloneResult, error) {
		if stopErr := r.eng.ContainerStop(ctx, id); stopErr != nil {
			r.log.Warn("could not stop failed clone", "container", newName, "err", stopErr)
		}
		return nil, fmt.Errorf("%s %q: %w", step, newName, err)
	}

	if err := r.eng.ContainerStart(ctx, id); err != nil {
		return fail("start", err)
	}

	if err := r.injectVolumes(ctx, ar, id); err != nil {
		return fail("inject volumes into", err)
	}

	r.log.Info("clone restore complete",
		"container", newName, "image", cfg.Image, "remaps", len(remaps))
	return res, nil
}

// rebindPorts substitutes each original host binding with the first free
// port at or above it.
func (r *Restorer) rebindPorts(ctx context.Context, cfg *archive.ContainerConfig) (map[string][]docker.PortBinding, []string, error) {
	if len(cfg.HostConfig.PortBindings) == 0 {
		return nil, nil, nil
	}

	published, err := r.eng.PublishedPorts(ctx)
	if err != nil {
		r.log.Warn("port conflict check degraded to bind probe only", "err", err)
		published = nil
	}
	claimed := make(map[int]bool)

	out := make(map[string][]docker.PortBinding, len(cfg.HostConfig.PortBindings))
	var remaps []string

	ports := make([]string, 0, len(cfg.HostConfig.PortBindings))
	for p := range cfg.HostConfig.PortBindings {
		ports = append(ports, p)
	}
	sort.Strings(ports)

	for _, port := range ports {
		for _, b := range cfg.HostConfig.PortBindings[port] {
			orig, err := strconv.Atoi(b.HostPort)
			if err != nil || orig == 0 {
				out[port] = append(out[port], b)
				continue
			}
			free := orig
			for ; free <= 65534; free++ {
				if !claimed[free] && !published[uint16(free)] && r.probeFree(free) {
					break
				}
			}
			if free > 65534 {
				return nil, nil, fmt.Errorf("no free host port in %d..65534 for %s", orig, port)
			}
			claimed[free] = true
			if free != orig {
				remaps = append(remaps, fmt.Sprintf("%d -> %d", orig, free))
			}
			out[port] = append(out[port], docker.PortBinding{HostIP: b.HostIP, HostPort: strconv.Itoa(free)})
		}
	}
	return out, remaps, nil
}

// retargetBinds moves host paths that already exist to a _restored twin
// so the clone never shares writable state with the original.
func retargetBinds(binds []string, epoch int64, res *CloneResult) []string {
	out := make([]string, 0, len(binds))
	for _, bind := range binds {
		parts := strings.SplitN(bind, ":", 3)
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "/") {
			out = append(out, bind)
			continue
		}
		hostPath := parts[0]
		if _, err := os.Stat(hostPath); err == nil {
			retargeted := fmt.Sprintf("%s_restored_%d", hostPath, epoch)
			if err := os.MkdirAll(filepath.Dir(retargeted), 0o755); err == nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("bind %s retargeted to %s", hostPath, retargeted))
				parts[0] = retargeted
			}
		}
		out = append(out, strings.Join(parts, ":"))
	}
	return out
}

// injectVolumes streams every root-level volume tar back into the clone,
// extracting each to the captured path's parent directory.
func (r *Restorer) injectVolumes(ctx context.Context, ar *archive.Reader, id string) error {
	for _, f := range ar.Files() {
		decoded, ok := archive.DecodeVolumeEntry(f.Name)
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", f.Name, err)
		}
		err = r.eng.CopyTo(ctx, id, path.Dir(decoded), rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("restore %s: %w", decoded, err)
		}
		r.log.Debug("volume injected", "path", decoded)
	}
	return nil
}

// cloneLegacyStack restores a deprecated nested-zip stack archive: every
// child artifact is cloned onto one fresh bridge network, databases first.
func (r *Restorer) cloneLegacyStack(ctx context.Context, ar *archive.Reader) (*CloneResult, error) {
	epoch := time.Now().Unix()
	network := fmt.Sprintf("stack_restore_%d", epoch)
	if err := r.eng.EnsureNetwork(ctx, network); err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "dockvault-legacy-restore-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	var children []string
	for _, f := range ar.Files() {
		if !strings.HasSuffix(f.Name, ".zip") || strings.Contains(f.Name, "/") {
			continue
		}
		dest := filepath.Join(tmpDir, filepath.Base(f.Name))
		if err := extractEntry(f.Open, dest); err != nil {
			return nil, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		children = append(children, dest)
	}
	if len(children) == 0 {
		return nil, errors.New("legacy stack archive contains no nested artifacts")
	}
	sortDatabasesFirst(children)

	res := &CloneResult{}
	var errs []error
	for _, child := range children {
		childRes, err := r.Clone(ctx, child, network)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(child), err))
			continue
		}
		res.Created = append(res.Created, childRes.Created...)
		res.PortRemaps = append(res.PortRemaps, childRes.PortRemaps...)
		res.Warnings = append(res.Warnings, childRes.Warnings...)
	}
	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	return res, nil
}

func hasNestedArchives(ar *archive.Reader) bool {
	for _, f := range ar.Files() {
		if strings.HasSuffix(f.Name, ".zip") && !strings.Contains(f.Name, "/") {
			return true
		}
	}
	return false
}

func sortDatabasesFirst(paths []string) {
	rank := func(p string) int {
		name := strings.ToLower(filepath.Base(p))
		for _, hint := range dbNameHints {
			if strings.Contains(name, hint) {
				return 0
			}
		}
		return 1
	}
	sort.SliceStable(paths, func(i, j int) bool { return rank(paths[i]) < rank(paths[j]) })
}

func firstNetwork(cfg *archive.ContainerConfig) string {
	names := make([]string, 0, len(cfg.NetworkSettings.Networks))
	for n := range cfg.NetworkSettings.Networks {
		names = append(names, n)
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}

func extractEntry(open func() (io.ReadCloser, error), dest string) error {
	rc, err := open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
