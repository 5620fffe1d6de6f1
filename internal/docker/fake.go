package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
)

// FakeEngine is an in-memory Engine for tests. Containers, file trees, and
// exec replies are seeded directly on the struct; mutating calls are
// recorded so tests can assert on them.
type FakeEngine struct {
	mu sync.Mutex

	Containers []Container
	Details    map[string]*ContainerDetails

	// Files holds per-container file trees served by CopyFrom as tar
	// streams, keyed by container id then absolute path.
	Files map[string]map[string][]byte

	// ExecResults maps a space-joined command line to its canned reply.
	// Commands with no entry succeed with empty output.
	ExecResults map[string]ExecResult
	// ExecFunc, when set, takes precedence over ExecResults.
	ExecFunc func(id string, cmd []string, stdin []byte) (ExecResult, error)

	Images   map[string]bool
	Networks map[string]bool
	Ports    map[uint16]bool

	PullErr error

	// Recorded calls.
	ExecCalls       []ExecCall
	CopiedIn        []CopyToCall
	Created         []CreateSpec
	Started         []string
	Stopped         []string
	Removed         []string
	Pulled          []string
	CreatedNetworks []string

	nextID int
}

// ExecCall records one Exec invocation, stdin fully read.
type ExecCall struct {
	ID    string
	Cmd   []string
	Stdin []byte
}

// CopyToCall records one CopyTo invocation, the archive fully read.
type CopyToCall struct {
	ID       string
	DestPath string
	Archive  []byte
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		Details:     make(map[string]*ContainerDetails),
		Files:       make(map[string]map[string][]byte),
		ExecResults: make(map[string]ExecResult),
		Images:      make(map[string]bool),
		Networks:    make(map[string]bool),
		Ports:       make(map[uint16]bool),
	}
}

// AddContainer seeds one container and its inspect snapshot.
func (f *FakeEngine) AddContainer(c Container, details *ContainerDetails) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Containers = append(f.Containers, c)
	if details != nil {
		f.Details[c.ID] = details
	}
}

// AddFile seeds one file in a container's tree.
func (f *FakeEngine) AddFile(id, filePath string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Files[id] == nil {
		f.Files[id] = make(map[string][]byte)
	}
	f.Files[id][filePath] = content
}

func (f *FakeEngine) ContainerList(ctx context.Context, all bool, projectFilter string) ([]Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []Container
	for _, c := range f.Containers {
		if !all && c.State != "running" {
			continue
		}
		if projectFilter != "" && c.Project != projectFilter {
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

func (f *FakeEngine) ContainerInspect(ctx context.Context, id string) (*ContainerDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d, ok := f.Details[id]; ok {
		return d, nil
	}
	for _, c := range f.Containers {
		if c.ID == id || c.Name == id {
			if d, ok := f.Details[c.ID]; ok {
				return d, nil
			}
			return &ContainerDetails{ID: c.ID, Name: c.Name, Image: c.Image, State: c.State, Labels: c.Labels}, nil
		}
	}
	return nil, fmt.Errorf("no such container: %s", id)
}

func (f *FakeEngine) Exec(ctx context.Context, id string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	var in []byte
	if stdin != nil {
		in, _ = io.ReadAll(stdin)
	}

	f.mu.Lock()
	f.ExecCalls = append(f.ExecCalls, ExecCall{ID: id, Cmd: cmd, Stdin: in})
	fn := f.ExecFunc
	res, ok := f.ExecResults[strings.Join(cmd, " ")]
	f.mu.Unlock()

	if fn != nil {
		r, err := fn(id, cmd, in)
		if err != nil {
			return -1, err
		}
		res, ok = r, true
	}
	if !ok {
		return 0, nil
	}
	if len(res.Stdout) > 0 {
		stdout.Write(res.Stdout)
	}
	if len(res.Stderr) > 0 {
		stderr.Write(res.Stderr)
	}
	return res.ExitCode, nil
}

func (f *FakeEngine) CopyFrom(ctx context.Context, id, srcPath string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tree := f.Files[id]
	srcPath = path.Clean(srcPath)

	// Collect matching paths in stable order.
	var matched []string
	for p := range tree {
		if p == srcPath || strings.HasPrefix(p, srcPath+"/") {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("no such file or directory: %s", srcPath)
	}
	sort.Strings(matched)

	// The daemon names entries relative to the parent of the requested path.
	base := path.Base(srcPath)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, p := range matched {
		name := base
		if p != srcPath {
			name = base + strings.TrimPrefix(p, srcPath)
		}
		content := tree[p]
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (f *FakeEngine) CopyTo(ctx context.Context, id, destPath string, archive io.Reader) error {
	data, err := io.ReadAll(archive)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CopiedIn = append(f.CopiedIn, CopyToCall{ID: id, DestPath: destPath, Archive: data})
	return nil
}

func (f *FakeEngine) ContainerCreate(ctx context.Context, spec CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("fake-%04d", f.nextID)
	f.Created = append(f.Created, spec)
	f.Containers = append(f.Containers, Container{
		ID:     id,
		Name:   spec.Name,
		Image:  spec.Image,
		State:  "created",
		Labels: spec.Labels,
	})
	for _, bindings := range spec.PortBindings {
		for _, b := range bindings {
			if p, err := parsePort(b.HostPort); err == nil {
				f.Ports[p] = true
			}
		}
	}
	return id, nil
}

func (f *FakeEngine) ContainerStart(ctx context.Context, id string) error {
	return f.setState(id, "running", &f.Started)
}

func (f *FakeEngine) ContainerStop(ctx context.Context, id string) error {
	return f.setState(id, "exited", &f.Stopped)
}

func (f *FakeEngine) setState(id, state string, record *[]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	*record = append(*record, id)
	for i := range f.Containers {
		if f.Containers[i].ID == id {
			f.Containers[i].State = state
			return nil
		}
	}
	return fmt.Errorf("no such container: %s", id)
}

func (f *FakeEngine) ContainerRemove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Removed = append(f.Removed, id)
	for i := range f.Containers {
		if f.Containers[i].ID == id {
			f.Containers = append(f.Containers[:i], f.Containers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no such container: %s", id)
}

func (f *FakeEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Images[ref], nil
}

func (f *FakeEngine) ImagePull(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Pulled = append(f.Pulled, ref)
	if f.PullErr != nil {
		return f.PullErr
	}
	f.Images[ref] = true
	return nil
}

func (f *FakeEngine) NetworkExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Networks[name], nil
}

func (f *FakeEngine) EnsureNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.Networks[name] {
		f.Networks[name] = true
		f.CreatedNetworks = append(f.CreatedNetworks, name)
	}
	return nil
}

func (f *FakeEngine) PublishedPorts(ctx context.Context) (map[uint16]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ports := make(map[uint16]bool, len(f.Ports))
	for p := range f.Ports {
		ports[p] = true
	}
	for _, c := range f.Containers {
		for _, p := range c.Ports {
			if p.HostPort != 0 {
				ports[p.HostPort] = true
			}
		}
	}
	return ports, nil
}

func (f *FakeEngine) Close() error { return nil }

func parsePort(s string) (uint16, error) {
	var p uint16
	_, err := fmt.Sscanf(s, "%d", &p)
	return p, err
}

// Ensure FakeEngine implements Engine at compile time.
var _ Engine = (*FakeEngine)(nil)
