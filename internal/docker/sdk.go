package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// imagePullTimeout bounds a single image pull during restore.
const imagePullTimeout = 5 * time.Minute

// SDKEngine implements Engine using the Docker Engine SDK.
type SDKEngine struct {
	cli *client.Client
}

// NewSDKEngine creates an SDKEngine that connects to the Docker daemon
// via the default socket (DOCKER_HOST or /var/run/docker.sock).
func NewSDKEngine() (*SDKEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk: %w", err)
	}
	return &SDKEngine{cli: cli}, nil
}

// NewSDKEngineWithHost creates an SDKEngine connected to a specific Docker host.
// The host parameter should be a full URI like "unix:///path/to/docker.sock".
func NewSDKEngineWithHost(host string) (*SDKEngine, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk with host: %w", err)
	}
	return &SDKEngine{cli: cli}, nil
}

func (s *SDKEngine) ContainerList(ctx context.Context, all bool, projectFilter string) ([]Container, error) {
	opts := container.ListOptions{All: all}
	if projectFilter != "" {
		opts.Filters = filters.NewArgs(
			filters.Arg("label", LabelProject+"="+projectFilter),
		)
	}

	raw, err := s.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	result := make([]Container, 0, len(raw))
	for _, c := range raw {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		ports := make([]PortMapping, 0, len(c.Ports))
		for _, p := range c.Ports {
			ports = append(ports, PortMapping{
				HostIP:        p.IP,
				HostPort:      p.PublicPort,
				ContainerPort: p.PrivatePort,
				Protocol:      p.Type,
			})
		}

		result = append(result, Container{
			ID:      c.ID,
			Name:    name,
			Project: c.Labels[LabelProject],
			Service: c.Labels[LabelService],
			Image:   c.Image,
			State:   c.State,
			Labels:  c.Labels,
			Ports:   ports,
		})
	}
	return result, nil
}

func (s *SDKEngine) ContainerInspect(ctx context.Context, id string) (*ContainerDetails, error) {
	raw, err := s.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("container inspect: %w", err)
	}

	d := &ContainerDetails{
		ID:   raw.ID,
		Name: strings.TrimPrefix(raw.Name, "/"),
	}
	if raw.State != nil {
		d.State = raw.State.Status
	}
	if raw.Config != nil {
		d.Image = raw.Config.Image
		d.Env = raw.Config.Env
		d.Cmd = raw.Config.Cmd
		d.Entrypoint = raw.Config.Entrypoint
		d.WorkingDir = raw.Config.WorkingDir
		d.Labels = raw.Config.Labels

		exposed := make([]string, 0, len(raw.Config.ExposedPorts))
		for p := range raw.Config.ExposedPorts {
			exposed = append(exposed, string(p))
		}
		// Map iteration order is random; sort so snapshots are stable.
		sort.Strings(exposed)
		d.ExposedPorts = exposed
	}
	if raw.HostConfig != nil {
		d.Binds = raw.HostConfig.Binds
		d.RestartPolicy = string(raw.HostConfig.RestartPolicy.Name)

		if len(raw.HostConfig.PortBindings) > 0 {
			d.PortBindings = make(map[string][]PortBinding, len(raw.HostConfig.PortBindings))
			for port, bindings := range raw.HostConfig.PortBindings {
				out := make([]PortBinding, 0, len(bindings))
				for _, b := range bindings {
					out = append(out, PortBinding{HostIP: b.HostIP, HostPort: b.HostPort})
				}
				d.PortBindings[string(port)] = out
			}
		}
	}
	for _, m := range raw.Mounts {
		d.Mounts = append(d.Mounts, Mount{
			Type:        string(m.Type),
			Name:        m.Name,
			Source:      m.Source,
			Destination: m.Destination,
		})
	}
	if raw.NetworkSettings != nil && len(raw.NetworkSettings.Networks) > 0 {
		d.Networks = make(map[string]NetworkAttachment, len(raw.NetworkSettings.Networks))
		for name, ep := range raw.NetworkSettings.Networks {
			att := NetworkAttachment{}
			if ep != nil {
				att.Aliases = ep.Aliases
				att.IPAddress = ep.IPAddress
			}
			d.Networks[name] = att
		}
	}
	return d, nil
}

func (s *SDKEngine) Exec(ctx context.Context, id string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	created, err := s.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("exec create: %w", err)
	}

	resp, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	if stdin != nil {
		go func() {
			io.Copy(resp.Conn, stdin)
			resp.CloseWrite()
		}()
	}

	// Docker multiplexes stdout/stderr with 8-byte frame headers.
	if _, err := stdcopy.StdCopy(stdout, stderr, resp.Reader); err != nil {
		return -1, fmt.Errorf("exec stream: %w", err)
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

func (s *SDKEngine) CopyFrom(ctx context.Context, id, path string) (io.ReadCloser, error) {
	rc, _, err := s.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		return nil, fmt.Errorf("copy from %s:%s: %w", id[:min(12, len(id))], path, err)
	}
	return rc, nil
}

func (s *SDKEngine) CopyTo(ctx context.Context, id, destPath string, archive io.Reader) error {
	err := s.cli.CopyToContainer(ctx, id, destPath, archive, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("copy to %s:%s: %w", id[:min(12, len(id))], destPath, err)
	}
	return nil
}

func (s *SDKEngine) ContainerCreate(ctx context.Context, spec CreateSpec) (string, error) {
	exposed := make(nat.PortSet, len(spec.ExposedPorts))
	for _, p := range spec.ExposedPorts {
		exposed[nat.Port(p)] = struct{}{}
	}

	bindings := make(nat.PortMap, len(spec.PortBindings))
	for port, list := range spec.PortBindings {
		out := make([]nat.PortBinding, 0, len(list))
		for _, b := range list {
			out = append(out, nat.PortBinding{HostIP: b.HostIP, HostPort: b.HostPort})
		}
		bindings[nat.Port(port)] = out
		// A bound port must also be exposed or the daemon ignores the binding.
		exposed[nat.Port(port)] = struct{}{}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Cmd:          strslice.StrSlice(spec.Cmd),
		Entrypoint:   strslice.StrSlice(spec.Entrypoint),
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		Binds:        spec.Binds,
		PortBindings: bindings,
	}
	if spec.RestartPolicy != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.RestartPolicy),
		}
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.NetworkAliases},
			},
		}
	}

	resp, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create %q: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (s *SDKEngine) ContainerStart(ctx context.Context, id string) error {
	if err := s.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

func (s *SDKEngine) ContainerStop(ctx context.Context, id string) error {
	if err := s.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

func (s *SDKEngine) ContainerRemove(ctx context.Context, id string, force bool) error {
	err := s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (s *SDKEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := s.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("image inspect: %w", err)
	}
	return true, nil
}

func (s *SDKEngine) ImagePull(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, imagePullTimeout)
	defer cancel()

	stream, err := s.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %q: %w", ref, err)
	}
	defer stream.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, stream); err != nil {
		return fmt.Errorf("image pull %q: %w", ref, err)
	}
	return nil
}

func (s *SDKEngine) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := s.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("network inspect %q: %w", name, err)
	}
	return true, nil
}

func (s *SDKEngine) EnsureNetwork(ctx context.Context, name string) error {
	exists, err := s.NetworkExists(ctx, name)
	if err != nil || exists {
		return err
	}
	_, err = s.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("network create %q: %w", name, err)
	}
	return nil
}

func (s *SDKEngine) PublishedPorts(ctx context.Context) (map[uint16]bool, error) {
	// Include stopped containers: their bindings reclaim the port on start.
	raw, err := s.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("container list for ports: %w", err)
	}

	ports := make(map[uint16]bool)
	for _, c := range raw {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				ports[p.PublicPort] = true
			}
		}
	}
	return ports, nil
}

func (s *SDKEngine) Close() error {
	return s.cli.Close()
}

// Ensure SDKEngine implements Engine at compile time.
var _ Engine = (*SDKEngine)(nil)
