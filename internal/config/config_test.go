package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
backends:
  - kind: opencode
    binary: opencode
`

func TestParse_Minimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Backends) != 1 {
		t.Fatalf("Backends = %d, want 1", len(cfg.Backends))
	}
	if cfg.Backends[0].Kind != "opencode" {
		t.Errorf("Kind = %q, want opencode", cfg.Backends[0].Kind)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.DataDir != ".roundhouse" {
		t.Errorf("DataDir = %q, want .roundhouse", cfg.DataDir)
	}
	if cfg.Pool.HealthIntervalSec != 30 {
		t.Errorf("HealthIntervalSec = %d, want 30", cfg.Pool.HealthIntervalSec)
	}
	if cfg.HealthInterval() != 30*time.Second {
		t.Errorf("HealthInterval = %v, want 30s", cfg.HealthInterval())
	}
	if cfg.Backends[0].BasePort != 4100 {
		t.Errorf("BasePort = %d, want 4100", cfg.Backends[0].BasePort)
	}
	if cfg.DB.Driver != "sqlite" {
		t.Errorf("DB.Driver = %q, want sqlite", cfg.DB.Driver)
	}
	if cfg.DB.Path != ".roundhouse/roundhouse.db" {
		t.Errorf("DB.Path = %q", cfg.DB.Path)
	}
	if cfg.Sweep.Schedule != "0 3 * * *" {
		t.Errorf("Sweep.Schedule = %q", cfg.Sweep.Schedule)
	}
	base, max := cfg.StreamBackoff()
	if base != time.Second || max != 30*time.Second {
		t.Errorf("StreamBackoff = %v, %v", base, max)
	}
}

func TestParse_EnvOverride(t *testing.T) {
	t.Setenv("ROUNDHOUSE_DATA_DIR", "/tmp/rh-test")
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.DataDir != "/tmp/rh-test" {
		t.Errorf("DataDir = %q, want env override", cfg.DataDir)
	}
}

func TestParse_MissingBackend(t *testing.T) {
	_, err := Parse([]byte(`data_dir: /tmp/x`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "at least one backend") {
		t.Errorf("error = %q", err)
	}
}

func TestParse_DuplicateKind(t *testing.T) {
	_, err := Parse([]byte(`
backends:
  - kind: opencode
    binary: opencode
  - kind: opencode
    binary: opencode2
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "duplicated") {
		t.Errorf("error = %q", err)
	}
}

func TestParse_BadDriver(t *testing.T) {
	_, err := Parse([]byte(`
backends:
  - kind: opencode
    binary: opencode
db:
  driver: postgres
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "not supported") {
		t.Errorf("error = %q", err)
	}
}

func TestParse_MysqlDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
backends:
  - kind: opencode
    binary: opencode
db:
  driver: mysql
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.DB.Host != "127.0.0.1" || cfg.DB.Port != 3306 || cfg.DB.Database != "roundhouse" {
		t.Errorf("mysql defaults = %+v", cfg.DB)
	}
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("backends: [}"))
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backends[0].Binary != "opencode" {
		t.Errorf("Binary = %q", cfg.Backends[0].Binary)
	}
}
