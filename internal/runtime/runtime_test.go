package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/queue"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Storage.Fsync = "never"
	rt, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestRuntimeWiring(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	meta, err := rt.EnsureQueue("ingest")
	if err != nil {
		t.Fatalf("ensure queue: %v", err)
	}
	if meta.MaxAttempts != 5 {
		t.Fatalf("meta defaults: %+v", meta)
	}

	item, _, err := rt.Store().Enqueue(ctx, queue.EnqueueRequest{Queue: "ingest", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, run, err := rt.Store().Claim(ctx, queue.ClaimRequest{Queue: "ingest", WorkerID: "w"})
	if err != nil || claimed.ID != item.ID {
		t.Fatalf("claim: %v", err)
	}
	if _, err := rt.Store().Complete(ctx, queue.CompleteRequest{Queue: "ingest", ItemID: item.ID, RunID: run.ID}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := rt.Artifacts().Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("artifact put: %v", err)
	}
	if err := rt.CheckHealth(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestRuntimeBackgroundStartStop(t *testing.T) {
	rt := newTestRuntime(t)
	rt.StartBackground()
	time.Sleep(10 * time.Millisecond)
	rt.StopBackground()
}

func TestRuntimeRejectsBadTrimSchedule(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Storage.Fsync = "never"
	cfg.Ledger.TrimSchedule = "not-a-schedule"
	if _, err := Open(Options{Config: cfg}); err == nil {
		t.Fatalf("bad cron spec should fail open")
	}
}
