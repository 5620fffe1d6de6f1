package jobs

import (
	"context"
	"testing"

	"github.com/dockvault/dockvault/internal/backup"
	"github.com/dockvault/dockvault/internal/compose"
	"github.com/dockvault/dockvault/internal/db"
	"github.com/dockvault/dockvault/internal/docker"
	"github.com/dockvault/dockvault/internal/models"
	"github.com/dockvault/dockvault/internal/notify"
	"github.com/dockvault/dockvault/internal/restore"
)

type noopComposer struct{}

func (noopComposer) Compose(ctx context.Context, dir, project string, args ...string) ([]byte, error) {
	return nil, nil
}

func newTestDispatcher(t *testing.T, eng docker.Engine) (*Dispatcher, *models.HistoryStore, *models.StackStore) {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	log := discardLogger()
	stacks := models.NewStackStore(database)
	history := models.NewHistoryStore(database)
	backupDir := t.TempDir()

	d := &Dispatcher{
		Backuper:  backup.New(eng, stacks, backupDir, log),
		Restorer:  restore.New(eng, noopComposer{}, log),
		Uploader:  notify.NewUploader("", "", "", log),
		History:   history,
		BackupDir: backupDir,
		Log:       log,
	}
	return d, history, stacks
}

func TestDispatcherBackupRecordsSuccess(t *testing.T) {
	t.Parallel()

	eng := docker.NewFakeEngine()
	eng.AddContainer(
		docker.Container{ID: "w1", Name: "web", Image: "nginx:alpine"},
		&docker.ContainerDetails{ID: "w1", Name: "web", Image: "nginx:alpine"},
	)
	eng.AddFile("w1", "/usr/share/nginx/html/a", []byte("x"))

	d, history, _ := newTestDispatcher(t, eng)

	var statuses []string
	err := d.Run(context.Background(), Job{Kind: KindBackupContainer, Target: "web", Paths: []string{"/usr/share/nginx/html"}},
		func(status, message string) { statuses = append(statuses, status) })
	if err != nil {
		t.Fatal(err)
	}

	entries, err := history.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	e := entries[0]
	if e.Status != models.HistorySuccess || e.Destination != models.DestLocal {
		t.Errorf("entry = %+v", e)
	}
	if e.Subject != "web" || e.SizeBytes <= 0 || e.ArtifactPath == "" {
		t.Errorf("entry = %+v", e)
	}

	var sawUploading bool
	for _, s := range statuses {
		if s == StatusUploading {
			sawUploading = true
		}
	}
	if !sawUploading {
		t.Errorf("statuses = %v, want uploading phase", statuses)
	}
}

func TestDispatcherBackupRecordsFailure(t *testing.T) {
	t.Parallel()

	d, history, _ := newTestDispatcher(t, docker.NewFakeEngine())

	err := d.Run(context.Background(), Job{Kind: KindBackupContainer, Target: "ghost"},
		func(status, message string) {})
	if err == nil {
		t.Fatal("want error for unknown container")
	}

	entries, err := history.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Status != models.HistoryFailed {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestDispatcherUnknownKind(t *testing.T) {
	t.Parallel()

	d, history, _ := newTestDispatcher(t, docker.NewFakeEngine())

	err := d.Run(context.Background(), Job{Kind: "defrag", Target: "x"}, func(string, string) {})
	if err == nil {
		t.Fatal("want error for unknown kind")
	}
	entries, _ := history.All()
	if len(entries) != 1 || entries[0].Status != models.HistoryFailed {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestDispatcherRoutesCloneByArtifactLayout(t *testing.T) {
	t.Parallel()

	eng := docker.NewFakeEngine()
	eng.AddContainer(
		docker.Container{ID: "r1", Name: "cache", Image: "redis:7"},
		&docker.ContainerDetails{ID: "r1", Name: "cache", Image: "redis:7"},
	)
	eng.AddFile("r1", "/data/dump.rdb", []byte("rdb"))
	eng.Images["redis:7"] = true

	d, history, _ := newTestDispatcher(t, eng)

	// Produce a single-container artifact through the backup path, then
	// hand its bare file name to the auto-routed restore kind.
	res, err := d.Backuper.Container(context.Background(), "cache", nil)
	if err != nil {
		t.Fatal(err)
	}

	err = d.Run(context.Background(), Job{Kind: KindRestoreContainer, Target: res.ArtifactPath},
		func(string, string) {})
	if err != nil {
		t.Fatal(err)
	}

	if len(eng.Created) != 1 {
		t.Fatalf("created = %+v", eng.Created)
	}

	entries, _ := history.All()
	if len(entries) != 1 || entries[0].Status != models.HistorySuccess {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Destination != models.DestLocal {
		t.Errorf("destination = %q", entries[0].Destination)
	}
}

var _ compose.Composer = noopComposer{}
