package compose

import (
	"errors"
	"testing"
)

func TestBuildDefinition(t *testing.T) {
	t.Parallel()

	def, err := BuildDefinition("shop", sampleManifest, map[string]string{"TAG": "v1"}, "/srv/shop/.env")
	if err != nil {
		t.Fatal(err)
	}
	if def.Name != "shop" || def.Compose != sampleManifest {
		t.Errorf("def = %+v", def)
	}
	if def.EnvVars["TAG"] != "v1" || def.EnvFile != "/srv/shop/.env" {
		t.Errorf("env carry = %+v", def)
	}

	web := def.Services["web"]
	if web.Image != "nginx:alpine" {
		t.Errorf("web image = %q", web.Image)
	}
	if len(web.Volumes) != 2 || web.Volumes[0] != "/usr/share/nginx/html" || web.Volumes[1] != "/var/cache/nginx" {
		t.Errorf("web volumes = %v", web.Volumes)
	}

	db := def.Services["db"]
	if db.Env["POSTGRES_USER"] != "app" {
		t.Errorf("db env = %v", db.Env)
	}
	if len(db.Volumes) != 1 || db.Volumes[0] != "/var/lib/postgresql/data" {
		t.Errorf("db volumes = %v", db.Volumes)
	}
}

func TestBuildDefinitionRejectsBadManifest(t *testing.T) {
	t.Parallel()

	_, err := BuildDefinition("x", "volumes: {}\n", nil, "")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
}
