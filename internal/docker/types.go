package docker

// Compose labels the engine stamps on containers it creates.
const (
	LabelProject = "com.docker.compose.project"
	LabelService = "com.docker.compose.service"
)

// Container holds the fields backup and restore need from a listed container.
type Container struct {
	ID      string
	Name    string
	Project string // com.docker.compose.project
	Service string // com.docker.compose.service
	Image   string
	State   string // running, exited, created, paused, dead, ...
	Labels  map[string]string
	Ports   []PortMapping
}

// PortMapping is one published port on a listed container.
type PortMapping struct {
	HostIP        string
	HostPort      uint16
	ContainerPort uint16
	Protocol      string // "tcp", "udp"
}

// ContainerDetails is the full snapshot of a container's configuration.
// It is serialized verbatim into backup artifacts, so restores on another
// host can recreate the container. Field names are stable.
type ContainerDetails struct {
	ID            string                       `json:"id"`
	Name          string                       `json:"name"`
	Image         string                       `json:"image"`
	State         string                       `json:"state"`
	Env           []string                     `json:"env,omitempty"`
	Cmd           []string                     `json:"cmd,omitempty"`
	Entrypoint    []string                     `json:"entrypoint,omitempty"`
	WorkingDir    string                       `json:"workingDir,omitempty"`
	Labels        map[string]string            `json:"labels,omitempty"`
	ExposedPorts  []string                     `json:"exposedPorts,omitempty"` // "80/tcp"
	PortBindings  map[string][]PortBinding     `json:"portBindings,omitempty"` // keyed by "80/tcp"
	Binds         []string                     `json:"binds,omitempty"`        // "host:container[:opts]"
	Mounts        []Mount                      `json:"mounts,omitempty"`
	Networks      map[string]NetworkAttachment `json:"networks,omitempty"`
	RestartPolicy string                       `json:"restartPolicy,omitempty"`
}

// Project returns the compose project label, or "".
func (d *ContainerDetails) Project() string {
	return d.Labels[LabelProject]
}

// Service returns the compose service label, or "".
func (d *ContainerDetails) Service() string {
	return d.Labels[LabelService]
}

// PortBinding is one host-side binding of a container port.
type PortBinding struct {
	HostIP   string `json:"hostIp,omitempty"`
	HostPort string `json:"hostPort"`
}

// Mount describes one mount point of a container.
type Mount struct {
	Type        string `json:"type"` // "volume", "bind", "tmpfs"
	Name        string `json:"name,omitempty"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination"`
}

// NetworkAttachment holds the endpoint settings of one attached network.
type NetworkAttachment struct {
	Aliases   []string `json:"aliases,omitempty"`
	IPAddress string   `json:"ipAddress,omitempty"`
}

// CreateSpec is everything needed to create a new container.
type CreateSpec struct {
	Name           string
	Image          string
	Env            []string
	Cmd            []string
	Entrypoint     []string
	WorkingDir     string
	Labels         map[string]string
	ExposedPorts   []string // "80/tcp"
	PortBindings   map[string][]PortBinding
	Binds          []string
	RestartPolicy  string // "unless-stopped", "always", ...
	Network        string // primary network to attach, "" for default
	NetworkAliases []string
}

// ExecResult carries the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}
