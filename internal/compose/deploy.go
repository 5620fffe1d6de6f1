package compose

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// composeTimeout bounds a single docker compose invocation.
const composeTimeout = 5 * time.Minute

// Composer runs compose commands for a project directory. The CLI
// implementation shells out to docker compose; tests supply a fake.
type Composer interface {
	// Compose runs "docker compose -p project <args>" in dir and returns
	// the combined output.
	Compose(ctx context.Context, dir, project string, args ...string) ([]byte, error)
}

// CLIComposer shells out to the docker compose plugin. Deploy operations
// stay on the CLI: compose owns dependency ordering, network creation,
// and name templating, and reimplementing that against the API would
// drift from what operators get with docker compose up.
type CLIComposer struct{}

func (CLIComposer) Compose(ctx context.Context, dir, project string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, composeTimeout)
	defer cancel()

	full := append([]string{"compose", "-p", project}, args...)
	cmd := exec.CommandContext(ctx, "docker", full...)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	if err != nil {
		slog.Error("compose command failed",
			"project", project, "args", strings.Join(args, " "), "output", string(out))
		return out, fmt.Errorf("docker compose %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// CreateNoStart materializes a project's containers without starting them,
// so volume data can be injected before first boot.
func CreateNoStart(ctx context.Context, c Composer, dir, project string) error {
	_, err := c.Compose(ctx, dir, project, "create", "--no-start")
	return err
}

// Up deploys a project in detached mode.
func Up(ctx context.Context, c Composer, dir, project string) error {
	_, err := c.Compose(ctx, dir, project, "up", "-d", "--remove-orphans")
	return err
}

// StartServices starts an already-created subset of a project's services.
func StartServices(ctx context.Context, c Composer, dir, project string, services ...string) error {
	if len(services) == 0 {
		return nil
	}
	_, err := c.Compose(ctx, dir, project, append([]string{"start"}, services...)...)
	return err
}

// Ensure CLIComposer implements Composer at compile time.
var _ Composer = CLIComposer{}
