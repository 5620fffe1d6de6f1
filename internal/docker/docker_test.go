package docker

import (
	"archive/tar"
	"context"
	"io"
	"testing"
)

func TestExecCapture(t *testing.T) {
	t.Parallel()

	eng := NewFakeEngine()
	eng.ExecResults["pg_isready -U app"] = ExecResult{
		ExitCode: 0,
		Stdout:   []byte("accepting connections\n"),
		Stderr:   []byte("warn: something\n"),
	}

	res, err := ExecCapture(context.Background(), eng, "c1", []string{"pg_isready", "-U", "app"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 || string(res.Stdout) != "accepting connections\n" || string(res.Stderr) != "warn: something\n" {
		t.Errorf("res = %+v", res)
	}

	// Commands without a canned reply succeed quietly.
	res, err = ExecCapture(context.Background(), eng, "c1", []string{"true"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 || len(res.Stdout) != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestFakeEngineCopyFromTarNaming(t *testing.T) {
	t.Parallel()

	eng := NewFakeEngine()
	eng.AddFile("c1", "/var/lib/data/a.txt", []byte("A"))
	eng.AddFile("c1", "/var/lib/data/sub/b.txt", []byte("B"))

	rc, err := eng.CopyFrom(context.Background(), "c1", "/var/lib/data")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	// The daemon names entries relative to the parent of the requested
	// path, so extraction to the parent recreates the directory.
	got := map[string]string{}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		got[hdr.Name] = string(content)
	}
	if got["data/a.txt"] != "A" || got["data/sub/b.txt"] != "B" {
		t.Errorf("entries = %v", got)
	}

	if _, err := eng.CopyFrom(context.Background(), "c1", "/nope"); err == nil {
		t.Error("missing path did not error")
	}
}

func TestContainerDetailsLabels(t *testing.T) {
	t.Parallel()

	d := &ContainerDetails{Labels: map[string]string{
		LabelProject: "shop",
		LabelService: "db",
	}}
	if d.Project() != "shop" || d.Service() != "db" {
		t.Errorf("project = %q, service = %q", d.Project(), d.Service())
	}

	empty := &ContainerDetails{}
	if empty.Project() != "" || empty.Service() != "" {
		t.Error("unlabeled details report compose identity")
	}
}
