package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadRequiresServerSection(t *testing.T) {
	p := writeConfig(t, "config.yaml", "storage:\n  basePath: ./data\n")
	if _, err := Load(p); err == nil {
		t.Fatal("expected error for missing server section")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	p := writeConfig(t, "config.yaml", `
server:
  host: "127.0.0.1"
  port: 9100
  region: "eu-west-1"
  volumes: "./data/vol{1...2}"
`)
	t.Setenv("ORBITFS_ENABLE_HEAL", "off")
	t.Setenv("ORBITFS_ENABLE_SCANNER", "")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddress() != "127.0.0.1:9100" {
		t.Fatalf("bind address = %q", cfg.BindAddress())
	}
	if cfg.Maintenance.EnableHeal {
		t.Fatal("ORBITFS_ENABLE_HEAL=off not applied")
	}
	if !cfg.Maintenance.EnableScanner {
		t.Fatal("scanner should default to enabled")
	}
	if cfg.Database != nil {
		t.Fatal("database section should be nil when absent")
	}
}

func TestLoadDatabaseSectionPresence(t *testing.T) {
	p := writeConfig(t, "config.yaml", `
server:
  port: 9000
database:
  host: "db.internal"
  port: 5432
  database: "orbitfs"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database == nil {
		t.Fatal("database section should be parsed when present")
	}
	if cfg.Database.Host != "db.internal" {
		t.Fatalf("database host = %q", cfg.Database.Host)
	}
}

func TestParseBoolSpellings(t *testing.T) {
	cases := []struct {
		in   string
		def  bool
		want bool
	}{
		{"1", false, true},
		{"true", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"0", true, false},
		{"False", true, false},
		{"no", true, false},
		{"OFF", true, false},
		{"bogus", true, true},
		{"bogus", false, false},
		{"  true ", false, true},
	}
	for _, c := range cases {
		if got := ParseBool(c.in, c.def); got != c.want {
			t.Errorf("ParseBool(%q, %v) = %v, want %v", c.in, c.def, got, c.want)
		}
	}
}

func TestPathForEnvironment(t *testing.T) {
	for _, env := range []string{"pro", "PRODUCTION", "P", "Production"} {
		if got := pathForEnvironment(env); got != productionPath {
			t.Errorf("pathForEnvironment(%q) = %q", env, got)
		}
	}
	for _, env := range []string{"", "dev", "staging"} {
		if got := pathForEnvironment(env); got != developmentPath {
			t.Errorf("pathForEnvironment(%q) = %q", env, got)
		}
	}
}
