package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/registry"
	"github.com/quarrylabs/quarry/internal/runledger"
	pebblestore "github.com/quarrylabs/quarry/internal/storage/pebble"
)

// newTestStore builds a store without a registry so the given policy applies
// deterministically.
func newTestStore(t *testing.T, policy RetryPolicy) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st, err := Open(db, Options{
		Ledger: runledger.New(db, runledger.Options{}),
		Policy: policy,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func TestEnqueueIdempotentByDedupeKey(t *testing.T) {
	s := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	a, deduped, err := s.Enqueue(ctx, EnqueueRequest{
		Queue: "ingest", Payload: []byte(`{"u":1}`), DedupeKey: "k1", NowMs: 1000,
	})
	if err != nil || deduped {
		t.Fatalf("first enqueue: deduped=%v err=%v", deduped, err)
	}

	b, deduped, err := s.Enqueue(ctx, EnqueueRequest{
		Queue: "ingest", Payload: []byte(`{"u":2}`), DedupeKey: "k1", NowMs: 2000,
	})
	if err != nil || !deduped {
		t.Fatalf("second enqueue: deduped=%v err=%v", deduped, err)
	}
	if a.ID != b.ID {
		t.Fatalf("dedupe returned different item: %s vs %s", a.ID, b.ID)
	}
	if string(b.Payload) != `{"u":1}` {
		t.Fatalf("dedupe must return original payload, got %s", b.Payload)
	}

	st, err := s.Stats(ctx, "ingest", 2000)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Pending != 1 {
		t.Fatalf("pending = %d, want 1", st.Pending)
	}
}

func TestDifferentQueuesDoNotShareDedupe(t *testing.T) {
	s := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	a, _, err := s.Enqueue(ctx, EnqueueRequest{Queue: "ingest", DedupeKey: "k", NowMs: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	b, deduped, err := s.Enqueue(ctx, EnqueueRequest{Queue: "derive", DedupeKey: "k", NowMs: 1})
	if err != nil || deduped {
		t.Fatalf("cross-queue dedupe: deduped=%v err=%v", deduped, err)
	}
	if a.ID == b.ID {
		t.Fatalf("queues should be independent namespaces")
	}
}

func TestPriorityThenFIFOOrdering(t *testing.T) {
	s := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	low, _, _ := s.Enqueue(ctx, EnqueueRequest{Queue: "ingest", Priority: 1, NowMs: 1000})
	high, _, _ := s.Enqueue(ctx, EnqueueRequest{Queue: "ingest", Priority: 5, NowMs: 2000})
	high2, _, _ := s.Enqueue(ctx, EnqueueRequest{Queue: "ingest", Priority: 5, NowMs: 3000})

	var got []string
	for i := 0; i < 3; i++ {
		item, _, err := s.Claim(ctx, ClaimRequest{Queue: "ingest", WorkerID: "w", NowMs: 4000})
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		got = append(got, item.ID.String())
	}
	want := []string{high.ID.String(), high2.ID.String(), low.ID.String()}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim order[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNegativePrioritySortsLast(t *testing.T) {
	s := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	neg, _, _ := s.Enqueue(ctx, EnqueueRequest{Queue: "q1", Priority: -3, NowMs: 1000})
	zero, _, _ := s.Enqueue(ctx, EnqueueRequest{Queue: "q1", Priority: 0, NowMs: 2000})

	first, _, err := s.Claim(ctx, ClaimRequest{Queue: "q1", WorkerID: "w", NowMs: 3000})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first.ID != zero.ID {
		t.Fatalf("priority 0 should beat -3, got %s", first.ID)
	}
	second, _, _ := s.Claim(ctx, ClaimRequest{Queue: "q1", WorkerID: "w", NowMs: 3000})
	if second.ID != neg.ID {
		t.Fatalf("expected negative-priority item second")
	}
}

func TestDelayedItemNotClaimableUntilDue(t *testing.T) {
	s := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	item, _, err := s.Enqueue(ctx, EnqueueRequest{
		Queue: "ingest", Delay: 5 * time.Second, NowMs: 1000,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item.AvailableAtMs != 6000 {
		t.Fatalf("available_at = %d, want 6000", item.AvailableAtMs)
	}

	if _, _, err := s.Claim(ctx, ClaimRequest{Queue: "ingest", WorkerID: "w", NowMs: 3000}); !errors.Is(err, ErrNoWork) {
		t.Fatalf("claim before due: want ErrNoWork, got %v", err)
	}
	claimed, _, err := s.Claim(ctx, ClaimRequest{Queue: "ingest", WorkerID: "w", NowMs: 6000})
	if err != nil {
		t.Fatalf("claim at due time: %v", err)
	}
	if claimed.ID != item.ID {
		t.Fatalf("claimed wrong item")
	}
}

func TestPayloadLimit(t *testing.T) {
	s := newTestStore(t, RetryPolicy{})
	big := make([]byte, registry.Defaults().PayloadMaxBytes+1)
	_, _, err := s.Enqueue(context.Background(), EnqueueRequest{Queue: "ingest", Payload: big, NowMs: 1})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("want ErrPayloadTooLarge, got %v", err)
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	s := newTestStore(t, RetryPolicy{Base: time.Second, Cap: time.Minute})
	ctx := context.Background()

	// Claim targets first, one at a time, so each claim sees only its own
	// item in the ready index.
	_, _, _ = mustEnqueueAndClaim(t, s, "q", 1000)                     // stays claimed
	doneItem, doneRun, _ := mustEnqueueAndClaim(t, s, "q", 1000)       // -> done
	failItem, failRun, _ := mustEnqueueAndClaim(t, s, "q", 1000)       // -> retry_wait
	deadItem, deadRun, _ := mustEnqueueAndClaimMax(t, s, "q", 1000, 1) // -> dead

	s.Enqueue(ctx, EnqueueRequest{Queue: "q", NowMs: 1000})                     // stays pending
	s.Enqueue(ctx, EnqueueRequest{Queue: "q", Delay: time.Minute, NowMs: 1000}) // delayed pending

	if _, err := s.Complete(ctx, CompleteRequest{Queue: "q", ItemID: doneItem.ID, RunID: doneRun.ID, NowMs: 2000}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.Complete(ctx, CompleteRequest{Queue: "q", ItemID: failItem.ID, RunID: failRun.ID, Error: "boom", NowMs: 2000}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := s.Complete(ctx, CompleteRequest{Queue: "q", ItemID: deadItem.ID, RunID: deadRun.ID, Error: "fatal", NowMs: 2000}); err != nil {
		t.Fatalf("fail to dead: %v", err)
	}

	st, err := s.Stats(ctx, "q", 2000)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Ready != 1 || st.Pending != 2 || st.Claimed != 1 || st.RetryWait != 1 || st.Done != 1 || st.Dead != 1 {
		t.Fatalf("stats: %+v", st)
	}
	if st.OldestPendingAgeMs != 1000 {
		t.Fatalf("oldest pending age = %d, want 1000", st.OldestPendingAgeMs)
	}
}

func TestRequeueDead(t *testing.T) {
	s := newTestStore(t, RetryPolicy{Base: time.Second})
	ctx := context.Background()

	item, run, _ := mustEnqueueAndClaimMax(t, s, "q", 1000, 1)
	if _, err := s.Complete(ctx, CompleteRequest{Queue: "q", ItemID: item.ID, RunID: run.ID, Error: "fatal", NowMs: 2000}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := s.Get(ctx, "q", item.ID)
	if err != nil || got.Status != StatusDead {
		t.Fatalf("precondition: status=%v err=%v", got.Status, err)
	}

	revived, err := s.RequeueDead(ctx, "q", item.ID, 3000)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if revived.Status != StatusPending || revived.AttemptCount != 0 || revived.LastError != "" {
		t.Fatalf("revived item: %+v", revived)
	}

	// Not dead anymore, so a second requeue is invalid.
	if _, err := s.RequeueDead(ctx, "q", item.ID, 3000); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second requeue: want ErrInvalidState, got %v", err)
	}

	// And it is claimable again.
	claimed, _, err := s.Claim(ctx, ClaimRequest{Queue: "q", WorkerID: "w2", NowMs: 4000})
	if err != nil || claimed.ID != item.ID {
		t.Fatalf("claim after requeue: %v", err)
	}
	if claimed.AttemptCount != 1 {
		t.Fatalf("attempt after requeue = %d, want 1", claimed.AttemptCount)
	}
}

func TestRequeueDeadDedupeConflict(t *testing.T) {
	s := newTestStore(t, RetryPolicy{Base: time.Second})
	ctx := context.Background()

	dead, run, _ := mustEnqueueAndClaimMaxDedupe(t, s, "q", "dk", 1000, 1)
	if _, err := s.Complete(ctx, CompleteRequest{Queue: "q", ItemID: dead.ID, RunID: run.ID, Error: "fatal", NowMs: 2000}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// Death released the key, so fresh work can take it.
	fresh, deduped, err := s.Enqueue(ctx, EnqueueRequest{Queue: "q", DedupeKey: "dk", NowMs: 3000})
	if err != nil || deduped {
		t.Fatalf("enqueue after death: deduped=%v err=%v", deduped, err)
	}
	if fresh.ID == dead.ID {
		t.Fatalf("expected a fresh item")
	}

	if _, err := s.RequeueDead(ctx, "q", dead.ID, 4000); !errors.Is(err, ErrDedupeConflict) {
		t.Fatalf("want ErrDedupeConflict, got %v", err)
	}
}

func TestQueuesDiscovery(t *testing.T) {
	s := newTestStore(t, RetryPolicy{})
	ctx := context.Background()
	for _, q := range []string{"derive", "ingest", "vector"} {
		if _, _, err := s.Enqueue(ctx, EnqueueRequest{Queue: q, NowMs: 1}); err != nil {
			t.Fatalf("enqueue %s: %v", q, err)
		}
	}
	queues, err := s.Queues(ctx)
	if err != nil {
		t.Fatalf("queues: %v", err)
	}
	if len(queues) != 3 || queues[0] != "derive" || queues[2] != "vector" {
		t.Fatalf("queues: %v", queues)
	}
}

func mustEnqueueAndClaim(t *testing.T, s *Store, queue string, nowMs int64) (*WorkItem, *runledger.Run, error) {
	t.Helper()
	return mustEnqueueAndClaimMax(t, s, queue, nowMs, 0)
}

func mustEnqueueAndClaimMax(t *testing.T, s *Store, queue string, nowMs int64, maxAttempts int32) (*WorkItem, *runledger.Run, error) {
	t.Helper()
	return mustEnqueueAndClaimMaxDedupe(t, s, queue, "", nowMs, maxAttempts)
}

func mustEnqueueAndClaimMaxDedupe(t *testing.T, s *Store, queue, dedupe string, nowMs int64, maxAttempts int32) (*WorkItem, *runledger.Run, error) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := s.Enqueue(ctx, EnqueueRequest{Queue: queue, DedupeKey: dedupe, MaxAttempts: maxAttempts, NowMs: nowMs}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, run, err := s.Claim(ctx, ClaimRequest{Queue: queue, WorkerID: "w", NowMs: nowMs})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return item, run, nil
}
