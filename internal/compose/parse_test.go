package compose

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

const sampleManifest = `
services:
  web:
    image: nginx:alpine
    ports:
      - "8080:80"
      - "127.0.0.1:9443:443/tcp"
      - 3000
    volumes:
      - ./html:/usr/share/nginx/html:ro
      - /var/cache/nginx
    environment:
      - FOO=bar
      - EMPTY=
    depends_on:
      - db
  db:
    image: postgres:16
    environment:
      POSTGRES_USER: app
      POSTGRES_PASSWORD: secret
    volumes:
      - type: bind
        source: ./pgdata
        target: /var/lib/postgresql/data
    ports:
      - target: 5432
        published: "15432"
    depends_on:
      web:
        condition: service_started
networks:
  backend:
    external: true
    name: shared-backend
`

func TestParse(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Services) != 2 {
		t.Fatalf("services = %d, want 2", len(m.Services))
	}

	web := m.Services["web"]
	if web.Image != "nginx:alpine" {
		t.Errorf("web image = %q", web.Image)
	}
	if len(web.Ports) != 3 {
		t.Fatalf("web ports = %d, want 3", len(web.Ports))
	}
	if p := web.Ports[0]; p.Published != "8080" || p.Target != "80" {
		t.Errorf("port[0] = %+v", p)
	}
	if p := web.Ports[1]; p.HostIP != "127.0.0.1" || p.Published != "9443" || p.Target != "443" || p.Protocol != "tcp" {
		t.Errorf("port[1] = %+v", p)
	}
	if p := web.Ports[2]; p.Published != "" || p.Target != "3000" {
		t.Errorf("port[2] = %+v", p)
	}
	if len(web.Volumes) != 2 {
		t.Fatalf("web volumes = %d, want 2", len(web.Volumes))
	}
	if v := web.Volumes[0]; v.Source != "./html" || v.Target != "/usr/share/nginx/html" || !v.ReadOnly {
		t.Errorf("volume[0] = %+v", v)
	}
	if v := web.Volumes[1]; v.Source != "" || v.Target != "/var/cache/nginx" {
		t.Errorf("volume[1] = %+v", v)
	}
	if web.Environment["FOO"] != "bar" {
		t.Errorf("env FOO = %q", web.Environment["FOO"])
	}
	if _, ok := web.Environment["EMPTY"]; !ok {
		t.Error("env EMPTY missing")
	}
	if len(web.DependsOn) != 1 || web.DependsOn[0] != "db" {
		t.Errorf("web depends_on = %v", web.DependsOn)
	}

	db := m.Services["db"]
	if db.Environment["POSTGRES_PASSWORD"] != "secret" {
		t.Errorf("db env = %v", db.Environment)
	}
	if v := db.Volumes[0]; v.Source != "./pgdata" || v.Target != "/var/lib/postgresql/data" {
		t.Errorf("db volume = %+v", v)
	}
	if p := db.Ports[0]; p.Published != "15432" || p.Target != "5432" {
		t.Errorf("db port = %+v", p)
	}
	deps := []string(db.DependsOn)
	sort.Strings(deps)
	if len(deps) != 1 || deps[0] != "web" {
		t.Errorf("db depends_on = %v", deps)
	}

	net := m.Networks["backend"]
	if !net.External || net.Name != "shared-backend" {
		t.Errorf("network backend = %+v", net)
	}
}

func TestParseRejectsEmptyServices(t *testing.T) {
	t.Parallel()

	var perr *ParseError
	for _, src := range []string{"", "volumes:\n  data: {}\n", "services: {}\n"} {
		_, err := Parse([]byte(src))
		if !errors.As(err, &perr) {
			t.Errorf("Parse(%q) err = %v, want ParseError", src, err)
		}
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("services: [\n"))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
}

func TestFindComposeFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if got := FindComposeFile(dir); got != "" {
		t.Errorf("empty dir = %q, want \"\"", got)
	}

	// compose.yaml wins over docker-compose.yml.
	for _, name := range []string{"docker-compose.yml", "compose.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("services: {}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := FindComposeFile(dir); got != filepath.Join(dir, "compose.yaml") {
		t.Errorf("FindComposeFile = %q", got)
	}
}
