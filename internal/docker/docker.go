package docker

import (
	"bytes"
	"context"
	"io"
)

// Engine abstracts the Docker daemon operations that backup and restore
// need: listing and inspecting containers, running commands inside them,
// moving filesystem archives in and out, and creating restored containers.
type Engine interface {
	// ContainerList returns containers, optionally filtered by compose project.
	// If all is true, includes stopped containers.
	ContainerList(ctx context.Context, all bool, projectFilter string) ([]Container, error)

	// ContainerInspect returns the full configuration snapshot of a container.
	ContainerInspect(ctx context.Context, id string) (*ContainerDetails, error)

	// Exec runs cmd inside a running container and returns its exit code.
	// stdin may be nil; stdout and stderr receive the demultiplexed streams.
	Exec(ctx context.Context, id string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) (int, error)

	// CopyFrom streams a tar archive of the given path inside the container.
	// The caller must close the returned reader.
	CopyFrom(ctx context.Context, id, path string) (io.ReadCloser, error)

	// CopyTo extracts a tar archive into destPath inside the container.
	// Works on stopped containers as well as running ones.
	CopyTo(ctx context.Context, id, destPath string, archive io.Reader) error

	// ContainerCreate creates a container without starting it and returns its id.
	ContainerCreate(ctx context.Context, spec CreateSpec) (string, error)

	ContainerStart(ctx context.Context, id string) error
	ContainerStop(ctx context.Context, id string) error
	ContainerRemove(ctx context.Context, id string, force bool) error

	// ImageExists reports whether the image is present locally.
	ImageExists(ctx context.Context, ref string) (bool, error)

	// ImagePull pulls an image, blocking until the pull completes.
	ImagePull(ctx context.Context, ref string) error

	// NetworkExists reports whether a network with the given name exists.
	NetworkExists(ctx context.Context, name string) (bool, error)

	// EnsureNetwork creates a bridge network with the given name if it
	// does not already exist.
	EnsureNetwork(ctx context.Context, name string) error

	// PublishedPorts returns every host port currently claimed by a
	// container, running or not.
	PublishedPorts(ctx context.Context) (map[uint16]bool, error)

	// Close releases any resources held by the engine.
	Close() error
}

// ExecCapture runs cmd inside a container and buffers its output.
// Convenience wrapper for short commands like dumps and readiness probes.
func ExecCapture(ctx context.Context, eng Engine, id string, cmd []string) (*ExecResult, error) {
	var stdout, stderr bytes.Buffer
	code, err := eng.Exec(ctx, id, cmd, nil, &stdout, &stderr)
	if err != nil {
		return nil, err
	}
	return &ExecResult{ExitCode: code, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}
