package restore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dockvault/dockvault/internal/archive"
	"github.com/dockvault/dockvault/internal/compose"
	"github.com/dockvault/dockvault/internal/docker"
)

const stackManifest = `services:
  db:
    image: postgres:16
    environment:
      POSTGRES_USER: shop
      POSTGRES_PASSWORD: ${POSTGRES_PASSWORD}
  web:
    image: nginx:alpine
`

// writeStackArtifact builds a unified stack artifact for the shop stack:
// a postgres service with a dump and an nginx service with one volume tar.
func writeStackArtifact(t *testing.T, dir string, dump []byte) string {
	t.Helper()

	path := filepath.Join(dir, "shop_stack.zip")
	w, err := archive.NewWriter(path, 0)
	if err != nil {
		t.Fatal(err)
	}

	meta := archive.StackMetadata{
		StackName: "shop",
		Containers: []archive.StackContainer{
			{ID: "olddb", Name: "shop-db-1", Service: "db"},
			{ID: "oldweb", Name: "shop-web-1", Service: "web"},
		},
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	appendOrFatal := func(name string, data []byte) {
		t.Helper()
		if err := w.AppendBytes(name, data); err != nil {
			t.Fatal(err)
		}
	}

	appendOrFatal(archive.StackMetadataEntry, metaData)
	appendOrFatal(archive.ComposeEntry, []byte(stackManifest))
	appendOrFatal(archive.EnvEntry, []byte("POSTGRES_PASSWORD=topsecret\n"))

	dbCfg, err := json.Marshal(&archive.ContainerConfig{
		Name: "shop-db-1", Image: "postgres:16", AppType: "postgres",
		ComposeService: "db",
		Env:            []string{"POSTGRES_USER=shop", "POSTGRES_PASSWORD=${POSTGRES_PASSWORD}"},
	})
	if err != nil {
		t.Fatal(err)
	}
	appendOrFatal("services/shop-db-1/"+archive.ConfigEntry, dbCfg)
	appendOrFatal("services/shop-db-1/"+archive.DumpEntry, dump)

	webCfg, err := json.Marshal(&archive.ContainerConfig{
		Name: "shop-web-1", Image: "nginx:alpine", AppType: "nginx",
		ComposeService: "web",
	})
	if err != nil {
		t.Fatal(err)
	}
	appendOrFatal("services/shop-web-1/"+archive.ConfigEntry, webCfg)
	appendOrFatal("services/shop-web-1/volumes/usr_share_nginx_html.tar", []byte("web-tar"))

	if _, err := w.Finalize(); err != nil {
		t.Fatal(err)
	}
	return path
}

// deployOnCreate mimics compose create: the project's containers appear
// on the engine, stopped, carrying compose labels.
func deployOnCreate(eng *docker.FakeEngine) func(project string, args []string) {
	return func(project string, args []string) {
		if len(args) == 0 || args[0] != "create" {
			return
		}
		eng.AddContainer(docker.Container{
			ID: "newdb", Name: "shop-db-1", Project: project, Service: "db", State: "created",
		}, nil)
		eng.AddContainer(docker.Container{
			ID: "newweb", Name: "shop-web-1", Project: project, Service: "web", State: "created",
		}, nil)
	}
}

func TestStackRestorePipeline(t *testing.T) {
	t.Parallel()

	dump := []byte(strings.Repeat("INSERT INTO orders VALUES (1);\n", 20))
	art := writeStackArtifact(t, t.TempDir(), dump)

	eng := docker.NewFakeEngine()
	// The stack is already deployed; restore must replace it.
	eng.AddContainer(docker.Container{
		ID: "olddb", Name: "shop-db-1", Project: "shop", Service: "db", State: "running",
	}, nil)

	comp := &fakeComposer{onCall: deployOnCreate(eng)}

	var replayStdin []byte
	eng.ExecFunc = func(id string, cmd []string, stdin []byte) (docker.ExecResult, error) {
		line := strings.Join(cmd, " ")
		switch {
		case strings.Contains(line, "pg_isready"):
			return docker.ExecResult{Stdout: []byte("/var/run/postgresql:5432 - accepting connections")}, nil
		case strings.Contains(line, "psql") && len(stdin) > 0:
			replayStdin = stdin
			return docker.ExecResult{}, nil
		default:
			return docker.ExecResult{}, nil
		}
	}

	r := newTestRestorer(eng, comp, func(int) bool { return true })
	res, err := r.Stack(context.Background(), art, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.StackName != "shop" {
		t.Errorf("stack = %q", res.StackName)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v", res.Warnings)
	}

	// The pre-existing container was stopped and removed before deploy.
	if len(eng.Stopped) == 0 || eng.Stopped[0] != "olddb" {
		t.Errorf("stopped = %v", eng.Stopped)
	}
	if len(eng.Removed) == 0 || eng.Removed[0] != "olddb" {
		t.Errorf("removed = %v", eng.Removed)
	}

	// Compose ran create, then db-only start, then full up.
	if len(comp.calls) != 3 {
		t.Fatalf("compose calls = %v", comp.calls)
	}
	assertCall := func(i int, want ...string) {
		t.Helper()
		got := comp.calls[i]
		if len(got) != len(want) {
			t.Fatalf("call[%d] = %v, want %v", i, got, want)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("call[%d] = %v, want %v", i, got, want)
			}
		}
	}
	assertCall(0, "shop", "create", "--no-start")
	assertCall(1, "shop", "start", "db")
	assertCall(2, "shop", "up", "-d", "--remove-orphans")

	// Volumes went into the stopped web container.
	if len(eng.CopiedIn) != 1 {
		t.Fatalf("copied = %v", eng.CopiedIn)
	}
	if in := eng.CopiedIn[0]; in.ID != "newweb" || in.DestPath != "/usr/share/nginx" {
		t.Errorf("copy = %+v", in)
	}

	// The dump streamed into psql with the interpolated password.
	if string(replayStdin) != string(dump) {
		t.Errorf("replay stdin = %d bytes, want %d", len(replayStdin), len(dump))
	}
	var sawReplay, sawResync bool
	for _, call := range eng.ExecCalls {
		line := strings.Join(call.Cmd, " ")
		if strings.Contains(line, "psql -U 'shop' -d postgres") && !strings.Contains(line, "CREATE ROLE") {
			sawReplay = true
			if !strings.Contains(line, "PGPASSWORD='topsecret'") {
				t.Errorf("replay missing interpolated password: %q", line)
			}
		}
		if strings.Contains(line, "CREATE ROLE") {
			sawResync = true
			if !strings.Contains(line, `\"shop\"`) && !strings.Contains(line, `"shop"`) {
				t.Errorf("resync missing quoted role: %q", line)
			}
			if !strings.Contains(line, "''topsecret''") && !strings.Contains(line, "'topsecret'") {
				t.Errorf("resync missing password literal: %q", line)
			}
		}
	}
	if !sawReplay {
		t.Error("no replay exec observed")
	}
	if !sawResync {
		t.Error("no credential re-sync exec observed")
	}
}

func TestStackRestoreMissingComposeIsFatalBeforeMutation(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.zip")
	w, err := archive.NewWriter(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AppendBytes(archive.StackMetadataEntry, []byte(`{"stackName":"shop","containers":[]}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Finalize(); err != nil {
		t.Fatal(err)
	}

	eng := docker.NewFakeEngine()
	eng.AddContainer(docker.Container{ID: "c1", Name: "shop-db-1", Project: "shop", State: "running"}, nil)

	r := newTestRestorer(eng, &fakeComposer{}, func(int) bool { return true })
	_, err = r.Stack(context.Background(), path, nil)

	var perr *compose.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if len(eng.Stopped) != 0 || len(eng.Removed) != 0 {
		t.Errorf("engine mutated before plan validation: stopped=%v removed=%v", eng.Stopped, eng.Removed)
	}
}

func TestStackRestoreServiceWithoutConfigIsFatal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "partial.zip")
	w, err := archive.NewWriter(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	entries := map[string][]byte{
		archive.StackMetadataEntry:                []byte(`{"stackName":"shop","containers":[]}`),
		archive.ComposeEntry:                      []byte(stackManifest),
		"services/shop-db-1/" + archive.DumpEntry: []byte("SELECT 1;"),
	}
	for _, name := range []string{archive.StackMetadataEntry, archive.ComposeEntry, "services/shop-db-1/" + archive.DumpEntry} {
		if err := w.AppendBytes(name, entries[name]); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := w.Finalize(); err != nil {
		t.Fatal(err)
	}

	r := newTestRestorer(docker.NewFakeEngine(), &fakeComposer{}, func(int) bool { return true })
	_, err = r.Stack(context.Background(), path, nil)
	var perr *compose.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
}

func TestStackRestoreDeployFailure(t *testing.T) {
	t.Parallel()

	art := writeStackArtifact(t, t.TempDir(), []byte("SELECT 1;"))
	comp := &fakeComposer{err: errors.New("boom")}

	r := newTestRestorer(docker.NewFakeEngine(), comp, func(int) bool { return true })
	_, err := r.Stack(context.Background(), art, nil)
	if !errors.Is(err, ErrDeployFailed) {
		t.Fatalf("err = %v, want ErrDeployFailed", err)
	}
}

func TestStackRestoreReplayFailureIsWarning(t *testing.T) {
	t.Parallel()

	art := writeStackArtifact(t, t.TempDir(), []byte("SELECT 1;"))

	eng := docker.NewFakeEngine()
	comp := &fakeComposer{onCall: deployOnCreate(eng)}
	eng.ExecFunc = func(id string, cmd []string, stdin []byte) (docker.ExecResult, error) {
		line := strings.Join(cmd, " ")
		switch {
		case strings.Contains(line, "pg_isready"):
			return docker.ExecResult{Stdout: []byte("accepting connections")}, nil
		case len(stdin) > 0:
			return docker.ExecResult{ExitCode: 1, Stderr: []byte("syntax error at line 1")}, nil
		default:
			return docker.ExecResult{}, nil
		}
	}

	r := newTestRestorer(eng, comp, func(int) bool { return true })
	res, err := r.Stack(context.Background(), art, nil)
	if err != nil {
		t.Fatalf("replay failure must not fail the restore: %v", err)
	}

	var found bool
	for _, warn := range res.Warnings {
		if strings.Contains(warn, "syntax error") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want replay failure recorded", res.Warnings)
	}

	// The applications still booted.
	last := comp.calls[len(comp.calls)-1]
	if last[1] != "up" {
		t.Errorf("final compose call = %v, want up", last)
	}
}

func TestStackRestoreSmallDumpWarning(t *testing.T) {
	t.Parallel()

	art := writeStackArtifact(t, t.TempDir(), []byte("SELECT 1;"))

	eng := docker.NewFakeEngine()
	comp := &fakeComposer{onCall: deployOnCreate(eng)}
	eng.ExecFunc = func(id string, cmd []string, stdin []byte) (docker.ExecResult, error) {
		if strings.Contains(strings.Join(cmd, " "), "pg_isready") {
			return docker.ExecResult{Stdout: []byte("accepting connections")}, nil
		}
		return docker.ExecResult{}, nil
	}

	r := newTestRestorer(eng, comp, func(int) bool { return true })
	res, err := r.Stack(context.Background(), art, nil)
	if err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, warn := range res.Warnings {
		if strings.Contains(warn, "only 9 bytes") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want the small dump recorded", res.Warnings)
	}
}

func TestParseEnvFile(t *testing.T) {
	t.Parallel()

	env := parseEnvFile([]byte("# comment\n\nA=1\n B = spaced \nNOEQ\n"))
	if env["A"] != "1" {
		t.Errorf("A = %q", env["A"])
	}
	if env["B"] != "spaced" {
		t.Errorf("B = %q", env["B"])
	}
	if _, ok := env["NOEQ"]; ok {
		t.Error("NOEQ parsed despite missing =")
	}
	if _, ok := env["# comment"]; ok {
		t.Error("comment parsed")
	}
}
