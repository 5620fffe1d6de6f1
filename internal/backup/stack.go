package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dockvault/dockvault/internal/archive"
	"github.com/dockvault/dockvault/internal/docker"
	"github.com/dockvault/dockvault/internal/models"
)

// Stack backs up every member of a stack into one unified artifact.
// progress, when non-nil, receives "[i/N] name" updates as services are
// archived. Per-service dump failures are recorded and the remaining
// services still archive; the returned error is non-nil when any
// service failed.
func (b *Backuper) Stack(ctx context.Context, stackName string, progress func(string)) (*Result, error) {
	def, err := b.stacks.Get(stackName)
	if err != nil {
		return nil, err
	}

	members, err := b.members(ctx, stackName, def)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s_stack_%s.zip", stackName, time.Now().Format(artifactTimeFormat))
	w, err := archive.NewWriter(filepath.Join(b.dir, name), stackBudget)
	if err != nil {
		return nil, err
	}

	meta := &archive.StackMetadata{
		StackName: stackName,
		Timestamp: time.Now().UTC(),
	}
	for _, c := range members {
		meta.Containers = append(meta.Containers, archive.StackContainer{
			ID: c.ID, Name: c.Name, Service: c.Service,
		})
	}
	if err := appendJSON(w, archive.StackMetadataEntry, meta); err != nil {
		w.Abort()
		return nil, err
	}

	if def != nil && def.Compose != "" {
		if err := w.AppendBytes(archive.ComposeEntry, []byte(def.Compose)); err != nil {
			w.Abort()
			return nil, err
		}
	}
	if env := stackEnvFile(def); env != nil {
		if err := w.AppendBytes(archive.EnvEntry, env); err != nil {
			w.Abort()
			return nil, err
		}
	}

	res := &Result{ArtifactPath: w.Path()}
	var svcErrs []error

	for i, c := range members {
		if progress != nil {
			progress(fmt.Sprintf("[%d/%d] %s", i+1, len(members), c.Name))
		}

		details, err := b.eng.ContainerInspect(ctx, c.ID)
		if err != nil {
			svcErrs = append(svcErrs, fmt.Errorf("%s: inspect: %w", c.Name, err))
			continue
		}
		app := DetectApp(details.Image, details.Labels)

		var paths []string
		if !UsesDump(app) {
			// The unified path has no implicit fallback: only declared
			// destinations are captured.
			paths = b.volumePaths(details, nil, false, app)
			if len(paths) == 0 {
				res.Warnings = append(res.Warnings, c.Name+": no volumes defined")
			}
		}

		err = b.writeService(ctx, w, details, app, paths, "services/"+c.Name+"/", res)
		switch {
		case err == nil:
		case errors.Is(err, ErrCaptureEmpty), errors.Is(err, ErrCaptureFailed):
			svcErrs = append(svcErrs, fmt.Errorf("%s: %w", c.Name, err))
		default:
			// Writer-level failures (deadline, IO) doom the artifact.
			w.Abort()
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
	}

	size, err := w.Finalize()
	if err != nil {
		return nil, err
	}
	res.SizeBytes = size

	b.log.Info("stack backup complete",
		"stack", stackName, "services", len(members), "artifact", name, "bytes", size)

	if len(svcErrs) > 0 {
		return res, errors.Join(svcErrs...)
	}
	return res, nil
}

// members enumerates a stack's containers: primary filter is the compose
// project label, fallback is a service-label match against the imported
// definition.
func (b *Backuper) members(ctx context.Context, stackName string, def *models.StackDefinition) ([]docker.Container, error) {
	members, err := b.eng.ContainerList(ctx, true, stackName)
	if err != nil {
		return nil, fmt.Errorf("list stack %q: %w", stackName, err)
	}
	if len(members) == 0 && def != nil && len(def.Services) > 0 {
		all, err := b.eng.ContainerList(ctx, true, "")
		if err != nil {
			return nil, fmt.Errorf("list containers: %w", err)
		}
		for _, c := range all {
			if c.Service != "" {
				if _, ok := def.Services[c.Service]; ok {
					members = append(members, c)
				}
			}
		}
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrStackEmpty, stackName)
	}
	return members, nil
}

// stackEnvFile renders the .env entry: explicit envVars win, then the
// on-disk env file, else nothing.
func stackEnvFile(def *models.StackDefinition) []byte {
	if def == nil {
		return nil
	}
	if len(def.EnvVars) > 0 {
		keys := make([]string, 0, len(def.EnvVars))
		for k := range def.EnvVars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		for _, k := range keys {
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(def.EnvVars[k])
			sb.WriteByte('\n')
		}
		return []byte(sb.String())
	}
	if def.EnvFile != "" {
		if data, err := os.ReadFile(def.EnvFile); err == nil {
			return data
		}
	}
	return nil
}

func appendJSON(w *archive.Writer, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return w.AppendBytes(name, data)
}
