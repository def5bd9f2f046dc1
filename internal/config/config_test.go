package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":7420" || cfg.Engine.Workers != 4 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.DataDir == "" {
		t.Fatalf("data dir should be resolved")
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "quarry.yaml", `
data_dir: /tmp/quarry-test
http:
  addr: ":9999"
engine:
  workers: 12
  backoff_base: 2s
storage:
  fsync: interval
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/quarry-test" || cfg.HTTP.Addr != ":9999" {
		t.Fatalf("overrides lost: %+v", cfg)
	}
	if cfg.Engine.Workers != 12 || cfg.Engine.BackoffBase != 2*time.Second {
		t.Fatalf("engine overrides lost: %+v", cfg.Engine)
	}
	// Untouched values keep their defaults.
	if cfg.Engine.SweepBatch != 128 || cfg.Log.Level != "info" {
		t.Fatalf("defaults clobbered: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "quarry.yaml", "http:\n  addr: \":9999\"\n")
	t.Setenv("QUARRY_HTTP_ADDR", ":1234")
	t.Setenv("QUARRY_LOG_LEVEL", "debug")
	t.Setenv("QUARRY_LEASE_DURATION", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":1234" {
		t.Fatalf("env should beat file: %s", cfg.HTTP.Addr)
	}
	if cfg.Log.Level != "debug" || cfg.Engine.LeaseDuration != 90*time.Second {
		t.Fatalf("env overrides lost: %+v", cfg)
	}
}

func TestValidateRejectsBadFsync(t *testing.T) {
	path := writeFile(t, "quarry.yaml", "storage:\n  fsync: sometimes\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("bad fsync mode should fail validation")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("missing file should error")
	}
}
