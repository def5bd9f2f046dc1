package serverrun

import (
	"context"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/config"
)

func TestOptionsApplyOverrides(t *testing.T) {
	cfg := config.Default()
	opts := Options{
		DataDir:   "/custom/data",
		HTTPAddr:  ":9999",
		Fsync:     "never",
		LogLevel:  "debug",
		LogFormat: "json",
	}

	got := opts.apply(cfg)
	if got.DataDir != "/custom/data" {
		t.Errorf("DataDir = %s", got.DataDir)
	}
	if got.HTTP.Addr != ":9999" {
		t.Errorf("HTTP.Addr = %s", got.HTTP.Addr)
	}
	if got.Storage.Fsync != "never" {
		t.Errorf("Storage.Fsync = %s", got.Storage.Fsync)
	}
	if got.Log.Level != "debug" || got.Log.Format != "json" {
		t.Errorf("Log = %+v", got.Log)
	}
}

func TestOptionsApplyKeepsDefaults(t *testing.T) {
	cfg := config.Default()
	got := Options{}.apply(cfg)
	if got.HTTP.Addr != cfg.HTTP.Addr {
		t.Errorf("zero options must not touch HTTP.Addr, got %s", got.HTTP.Addr)
	}
	if got.Storage.Fsync != cfg.Storage.Fsync {
		t.Errorf("zero options must not touch Fsync, got %s", got.Storage.Fsync)
	}
}

// TestRunIntegration starts the full server on an ephemeral port and cancels
// it. Minimal on purpose: the interesting paths are covered by package tests
// below this one.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	opts := Options{
		DataDir:  t.TempDir(),
		HTTPAddr: "127.0.0.1:0",
		Fsync:    "never",
		LogLevel: "error",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := Run(ctx, opts)
	if err != nil && err != context.DeadlineExceeded && err != context.Canceled {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}
