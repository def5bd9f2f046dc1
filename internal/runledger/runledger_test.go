package runledger

import (
	"context"
	"errors"
	"testing"
	"time"

	pebblestore "github.com/quarrylabs/quarry/internal/storage/pebble"
	"github.com/quarrylabs/quarry/pkg/id"
)

func newTestLedger(t *testing.T, opts Options) (*Ledger, *pebblestore.DB) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, opts), db
}

func openRun(t *testing.T, l *Ledger, db *pebblestore.DB, queue string, itemID id.ID, attempt int32, nowMs int64) *Run {
	t.Helper()
	run := l.NewRun(queue, itemID, "worker-1", attempt, nowMs)
	b := db.NewBatch()
	if err := l.OpenInBatch(b, run); err != nil {
		t.Fatalf("open run: %v", err)
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return run
}

func closeRun(t *testing.T, l *Ledger, db *pebblestore.DB, run *Run, outcome Outcome, errMsg string, nowMs int64) *Run {
	t.Helper()
	b := db.NewBatch()
	closed, err := l.CloseInBatch(b, run.Queue, run.ItemID, run.ID, outcome, errMsg, nil, nowMs)
	if err != nil {
		t.Fatalf("close run: %v", err)
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return closed
}

func TestOpenCloseLifecycle(t *testing.T) {
	l, db := newTestLedger(t, Options{})
	gen := id.NewGenerator()
	itemID := gen.Next()

	run := openRun(t, l, db, "ingest", itemID, 1, 1000)
	got, err := l.Get("ingest", itemID, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Open() {
		t.Fatalf("fresh run should be open: %+v", got)
	}

	closed := closeRun(t, l, db, run, OutcomeSucceeded, "", 1500)
	if closed.DurationMs != 500 {
		t.Fatalf("duration = %d, want 500", closed.DurationMs)
	}

	// A run closes exactly once.
	b := db.NewBatch()
	defer b.Close()
	if _, err := l.CloseInBatch(b, "ingest", itemID, run.ID, OutcomeFailed, "late", nil, 2000); !errors.Is(err, ErrRunClosed) {
		t.Fatalf("second close: want ErrRunClosed, got %v", err)
	}
}

func TestRunsForItemOrdered(t *testing.T) {
	l, db := newTestLedger(t, Options{})
	gen := id.NewGenerator()
	itemID := gen.Next()

	r1 := openRun(t, l, db, "derive", itemID, 1, 100)
	closeRun(t, l, db, r1, OutcomeFailed, "boom", 150)
	r2 := openRun(t, l, db, "derive", itemID, 2, 200)
	closeRun(t, l, db, r2, OutcomeSucceeded, "", 250)

	runs, err := l.RunsForItem("derive", itemID)
	if err != nil {
		t.Fatalf("runs for item: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("want 2 runs, got %d", len(runs))
	}
	if runs[0].Attempt != 1 || runs[1].Attempt != 2 {
		t.Fatalf("attempts out of order: %d, %d", runs[0].Attempt, runs[1].Attempt)
	}
	if runs[0].Outcome != OutcomeFailed || runs[0].Error != "boom" {
		t.Fatalf("first run: %+v", runs[0])
	}
}

func TestRecentFailuresNewestFirst(t *testing.T) {
	l, db := newTestLedger(t, Options{})
	gen := id.NewGenerator()

	for i := 0; i < 3; i++ {
		itemID := gen.Next()
		run := openRun(t, l, db, "vector", itemID, 1, int64(1000+i*100))
		outcome := OutcomeFailed
		if i == 1 {
			outcome = OutcomeSucceeded
		}
		closeRun(t, l, db, run, outcome, "err", int64(1000+i*100+50))
	}

	fails, err := l.RecentFailures("vector", 10)
	if err != nil {
		t.Fatalf("recent failures: %v", err)
	}
	if len(fails) != 2 {
		t.Fatalf("want 2 failures, got %d", len(fails))
	}
	if fails[0].CompletedAtMs < fails[1].CompletedAtMs {
		t.Fatalf("failures not newest-first: %d then %d", fails[0].CompletedAtMs, fails[1].CompletedAtMs)
	}
}

func TestQueueAverages(t *testing.T) {
	l, db := newTestLedger(t, Options{})
	gen := id.NewGenerator()

	durations := []int64{100, 300}
	for i, d := range durations {
		itemID := gen.Next()
		start := int64(1000 + i*1000)
		run := openRun(t, l, db, "ingest", itemID, 1, start)
		closeRun(t, l, db, run, OutcomeSucceeded, "", start+d)
	}

	avg, err := l.QueueAverages("ingest", 100)
	if err != nil {
		t.Fatalf("averages: %v", err)
	}
	if avg.Sampled != 2 || avg.Succeeded != 2 || avg.Failed != 0 {
		t.Fatalf("counts: %+v", avg)
	}
	if avg.AvgDurationMs != 200 {
		t.Fatalf("avg duration = %v, want 200", avg.AvgDurationMs)
	}
}

func TestTrimByCountAndAge(t *testing.T) {
	l, db := newTestLedger(t, Options{MaxRunsPerQueue: 2, MaxAge: time.Minute})
	gen := id.NewGenerator()

	var runs []*Run
	for i := 0; i < 4; i++ {
		itemID := gen.Next()
		run := openRun(t, l, db, "ingest", itemID, 1, int64(i*1000))
		closeRun(t, l, db, run, OutcomeFailed, "x", int64(i*1000+10))
		runs = append(runs, run)
	}

	trimmed, err := l.Trim("ingest", 5000)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if trimmed != 2 {
		t.Fatalf("trimmed = %d, want 2", trimmed)
	}

	// Oldest two gone, newest two remain.
	if _, err := l.Get("ingest", runs[0].ItemID, runs[0].ID); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("oldest run should be trimmed, got %v", err)
	}
	if _, err := l.Get("ingest", runs[3].ItemID, runs[3].ID); err != nil {
		t.Fatalf("newest run should survive: %v", err)
	}

	// Fail index entries of trimmed runs were removed with them.
	fails, err := l.RecentFailures("ingest", 10)
	if err != nil {
		t.Fatalf("failures after trim: %v", err)
	}
	if len(fails) != 2 {
		t.Fatalf("want 2 failures after trim, got %d", len(fails))
	}
}
