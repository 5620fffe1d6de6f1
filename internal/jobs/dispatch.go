package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dockvault/dockvault/internal/archive"
	"github.com/dockvault/dockvault/internal/backup"
	"github.com/dockvault/dockvault/internal/models"
	"github.com/dockvault/dockvault/internal/notify"
	"github.com/dockvault/dockvault/internal/restore"
)

// Dispatcher executes jobs: backups feed the uploader, restores mutate
// the engine. Every terminal transition writes exactly one history
// entry, whatever path the job took to get there.
type Dispatcher struct {
	Backuper  *backup.Backuper
	Restorer  *restore.Restorer
	Uploader  *notify.Uploader
	History   *models.HistoryStore
	BackupDir string
	Log       *slog.Logger
}

// Run implements RunFunc.
func (d *Dispatcher) Run(ctx context.Context, job Job, update func(status, message string)) error {
	switch job.Kind {
	case KindBackupContainer:
		return d.runBackup(ctx, job, update, func() (*backup.Result, error) {
			return d.Backuper.Container(ctx, job.Target, job.Paths)
		})

	case KindBackupStack:
		return d.runBackup(ctx, job, update, func() (*backup.Result, error) {
			return d.Backuper.Stack(ctx, job.Target, func(msg string) {
				update(StatusProcessing, msg)
			})
		})

	case KindRestoreClone:
		return d.runClone(ctx, job)

	case KindRestoreStack:
		return d.runStackRestore(ctx, job, update)

	case KindRestoreContainer:
		// Routed by artifact layout: unified stack archives take the
		// phased pipeline, everything else is a clone.
		stack, err := isStackArtifact(d.artifactPath(job.Target))
		if err != nil {
			d.record(job.Target, models.HistoryFailed, models.DestLocal, err.Error(), 0, "")
			return err
		}
		if stack {
			return d.runStackRestore(ctx, job, update)
		}
		return d.runClone(ctx, job)
	}

	err := fmt.Errorf("unknown job kind %q", job.Kind)
	d.record(job.Target, models.HistoryFailed, models.DestLocal, err.Error(), 0, "")
	return err
}

func (d *Dispatcher) runBackup(ctx context.Context, job Job, update func(status, message string), run func() (*backup.Result, error)) error {
	res, err := run()
	if err != nil {
		artifact := ""
		if res != nil {
			artifact = res.ArtifactPath
		}
		d.record(job.Target, models.HistoryFailed, models.DestLocal, err.Error(), 0, artifact)
		return err
	}

	update(StatusUploading, "uploading "+filepath.Base(res.ArtifactPath))
	dest, msg := d.Uploader.Upload(ctx, res.ArtifactPath, res.SizeBytes)
	if len(res.Warnings) > 0 {
		msg += "; " + strings.Join(res.Warnings, "; ")
	}

	artifact := res.ArtifactPath
	if dest != models.DestLocal {
		artifact = ""
	}
	d.record(job.Target, models.HistorySuccess, dest, msg, res.SizeBytes, artifact)
	return nil
}

func (d *Dispatcher) runClone(ctx context.Context, job Job) error {
	res, err := d.Restorer.Clone(ctx, d.artifactPath(job.Target), job.Network)
	if err != nil {
		d.record(job.Target, models.HistoryFailed, models.DestLocal, err.Error(), 0, "")
		return err
	}

	names := make([]string, 0, len(res.Created))
	for _, c := range res.Created {
		names = append(names, c.Name)
	}
	msg := "restored " + strings.Join(names, ", ")
	if len(res.PortRemaps) > 0 {
		msg += "; ports " + strings.Join(res.PortRemaps, ", ")
	}
	if len(res.Warnings) > 0 {
		msg += "; " + strings.Join(res.Warnings, "; ")
	}
	d.record(job.Target, models.HistorySuccess, models.DestLocal, msg, 0, "")
	return nil
}

func (d *Dispatcher) runStackRestore(ctx context.Context, job Job, update func(status, message string)) error {
	res, err := d.Restorer.Stack(ctx, d.artifactPath(job.Target), func(msg string) {
		update(StatusProcessing, msg)
	})
	if err != nil {
		d.record(job.Target, models.HistoryFailed, models.DestLocal, err.Error(), 0, "")
		return err
	}

	msg := fmt.Sprintf("stack %s restored", res.StackName)
	if len(res.Remaps) > 0 {
		msg += "; ports " + strings.Join(res.Remaps, ", ")
	}
	if len(res.Warnings) > 0 {
		msg += "; " + strings.Join(res.Warnings, "; ")
	}
	d.record(job.Target, models.HistorySuccess, models.DestLocal, msg, 0, "")
	return nil
}

// artifactPath resolves a job target naming an artifact.
func (d *Dispatcher) artifactPath(target string) string {
	if filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(d.BackupDir, target)
}

func isStackArtifact(path string) (bool, error) {
	ar, err := archive.Open(path)
	if err != nil {
		return false, err
	}
	defer ar.Close()
	return ar.Entry(archive.StackMetadataEntry) != nil, nil
}

func (d *Dispatcher) record(subject, status, dest, message string, size int64, artifact string) {
	err := d.History.Append(models.HistoryEntry{
		Subject:      subject,
		Status:       status,
		Destination:  dest,
		Message:      message,
		SizeBytes:    size,
		ArtifactPath: artifact,
	})
	if err != nil {
		d.Log.Error("could not record history entry", "subject", subject, "err", err)
	}
}
