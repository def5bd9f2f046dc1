package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/artifact"
	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/runledger"
	pebblestore "github.com/quarrylabs/quarry/internal/storage/pebble"
	"github.com/quarrylabs/quarry/internal/worker"
	"github.com/quarrylabs/quarry/pkg/fingerprint"
)

type fakeFetcher struct {
	calls      atomic.Int32
	body       []byte
	discovered map[string][]IngestPayload // by URI
	err        error
}

func (f *fakeFetcher) Fetch(_ context.Context, p IngestPayload) (FetchResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return FetchResult{}, f.err
	}
	return FetchResult{Body: f.body, Discovered: f.discovered[p.URI]}, nil
}

type fakeInterrogator struct {
	calls atomic.Int32
	out   json.RawMessage
}

func (f *fakeInterrogator) Interrogate(_ context.Context, _ DeriveQuery) (json.RawMessage, error) {
	f.calls.Add(1)
	return f.out, nil
}

type fakeEmbedder struct {
	calls atomic.Int32
}

func (f *fakeEmbedder) Embed(_ context.Context, chunk []byte) ([]float32, error) {
	f.calls.Add(1)
	return []float32{float32(len(chunk)), 0.5}, nil
}

func newTestDeps(t *testing.T) (Deps, *queue.Store) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := queue.Open(db, queue.Options{
		Ledger: runledger.New(db, runledger.Options{}),
		Policy: queue.RetryPolicy{Base: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return Deps{
		Artifacts: artifact.New(db, nil),
		Enqueuer:  store,
		Chunker:   SplitParagraphs,
		Validate:  func(_ string, out json.RawMessage) error { return validateObject(out) },
	}, store
}

func validateObject(out json.RawMessage) error {
	var m map[string]any
	return json.Unmarshal(out, &m)
}

func payloadOf(t *testing.T, v any) []byte {
	t.Helper()
	buf, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return buf
}

func TestIngestHandlerStoresAndFansOut(t *testing.T) {
	deps, store := newTestDeps(t)
	ctx := context.Background()

	root := IngestPayload{Source: "wiki", ResourceID: "p1", URI: "https://w/p1"}
	fetcher := &fakeFetcher{
		body: []byte("<html>p1</html>"),
		discovered: map[string][]IngestPayload{
			"https://w/p1": {
				{Source: "wiki", ResourceID: "p2", URI: "https://w/p2"},
				{Source: "wiki", ResourceID: "p3", URI: "https://w/p3"},
			},
		},
	}
	deps.Fetcher = fetcher
	h := NewIngestHandler(deps)

	res, err := h.Handle(ctx, worker.Item{Payload: payloadOf(t, root)})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var metrics map[string]any
	if err := json.Unmarshal(res.Metrics, &metrics); err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if metrics["discovered"].(float64) != 2 || metrics["enqueued"].(float64) != 2 {
		t.Fatalf("metrics: %v", metrics)
	}

	ok, err := deps.Artifacts.Exists(ctx, root.artifactKey())
	if err != nil || !ok {
		t.Fatalf("page artifact missing: %v", err)
	}

	st, err := store.Stats(ctx, QueueIngest, 0)
	if err != nil || st.Pending != 2 {
		t.Fatalf("fan-out pending = %d, err %v", st.Pending, err)
	}

	// Second delivery skips the fetch entirely.
	res, err = h.Handle(ctx, worker.Item{Payload: payloadOf(t, root)})
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if err := json.Unmarshal(res.Metrics, &metrics); err != nil || metrics["skipped"] != true {
		t.Fatalf("second delivery should skip: %v %v", metrics, err)
	}
	if fetcher.calls.Load() != 1 {
		t.Fatalf("fetch calls = %d, want 1", fetcher.calls.Load())
	}
}

func TestDeriveHandlerIdempotentAndValidated(t *testing.T) {
	deps, _ := newTestDeps(t)
	ctx := context.Background()

	evidenceKey := fingerprint.ArtifactKey("fetch/wiki", []byte("evidence text"))
	if _, err := deps.Artifacts.Put(ctx, evidenceKey, []byte("evidence text")); err != nil {
		t.Fatalf("seed evidence: %v", err)
	}

	interrogator := &fakeInterrogator{out: []byte(`{"title":"Page One"}`)}
	deps.Interrogator = interrogator
	h := NewDeriveHandler(deps)

	p := DerivePayload{JobType: "summarize", Contract: "doc.v1", EvidenceKeys: []string{evidenceKey}}
	if _, err := h.Handle(ctx, worker.Item{Payload: payloadOf(t, p)}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	stored, _, err := deps.Artifacts.Get(ctx, p.resultKey())
	if err != nil || string(stored) != `{"title":"Page One"}` {
		t.Fatalf("result artifact: %s %v", stored, err)
	}

	// Retry after success never calls the model again.
	if _, err := h.Handle(ctx, worker.Item{Payload: payloadOf(t, p)}); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if interrogator.calls.Load() != 1 {
		t.Fatalf("interrogate calls = %d, want 1", interrogator.calls.Load())
	}

	// Output violating the contract fails the attempt and stores nothing.
	bad := &fakeInterrogator{out: []byte(`"just a string"`)}
	deps.Interrogator = bad
	hBad := NewDeriveHandler(deps)
	p2 := DerivePayload{JobType: "summarize", Contract: "doc.v2", EvidenceKeys: []string{evidenceKey}}
	if _, err := hBad.Handle(ctx, worker.Item{Payload: payloadOf(t, p2)}); err == nil {
		t.Fatalf("invalid output should fail the attempt")
	}
	if ok, _ := deps.Artifacts.Exists(ctx, p2.resultKey()); ok {
		t.Fatalf("invalid output must not be stored")
	}

	// Missing evidence fails loudly.
	p3 := DerivePayload{JobType: "summarize", Contract: "doc.v3", EvidenceKeys: []string{"no-such-key"}}
	if _, err := h.Handle(ctx, worker.Item{Payload: payloadOf(t, p3)}); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("missing evidence: want ErrNotFound, got %v", err)
	}
}

func TestVectorChunkThenEmbed(t *testing.T) {
	deps, store := newTestDeps(t)
	ctx := context.Background()

	sourceKey := fingerprint.ArtifactKey("derive", []byte("two paragraphs"))
	if _, err := deps.Artifacts.Put(ctx, sourceKey, []byte("first paragraph\n\nsecond paragraph")); err != nil {
		t.Fatalf("seed source: %v", err)
	}

	embedder := &fakeEmbedder{}
	deps.Embedder = embedder
	h := NewVectorHandler(deps)

	chunkJob := VectorPayload{Kind: VectorKindChunk, Model: "embedder-v2", SourceKey: sourceKey}
	res, err := h.Handle(ctx, worker.Item{Payload: payloadOf(t, chunkJob)})
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	var metrics map[string]any
	if err := json.Unmarshal(res.Metrics, &metrics); err != nil || metrics["chunks"].(float64) != 2 {
		t.Fatalf("chunk metrics: %v %v", metrics, err)
	}

	st, err := store.Stats(ctx, QueueVector, 0)
	if err != nil || st.Pending != 2 {
		t.Fatalf("embed fan-out pending = %d, err %v", st.Pending, err)
	}

	// Execute one embed job the way the pool would.
	item, _, err := store.Claim(ctx, queue.ClaimRequest{Queue: QueueVector, WorkerID: "w"})
	if err != nil {
		t.Fatalf("claim embed: %v", err)
	}
	if _, err := h.Handle(ctx, worker.Item{Payload: item.Payload}); err != nil {
		t.Fatalf("embed: %v", err)
	}

	var embed VectorPayload
	if err := json.Unmarshal(item.Payload, &embed); err != nil {
		t.Fatalf("decode embed payload: %v", err)
	}
	chunk, _, err := deps.Artifacts.Get(ctx, embed.ChunkKey)
	if err != nil {
		t.Fatalf("chunk artifact: %v", err)
	}
	vecKey := fingerprint.EmbeddingKey(embed.Model, embed.Position, chunk)
	raw, _, err := deps.Artifacts.Get(ctx, vecKey)
	if err != nil {
		t.Fatalf("vector artifact: %v", err)
	}
	vec, err := DecodeVector(raw)
	if err != nil || len(vec) != 2 {
		t.Fatalf("vector: %v %v", vec, err)
	}

	// Re-delivery of the same embed job skips the embedder.
	if _, err := h.Handle(ctx, worker.Item{Payload: item.Payload}); err != nil {
		t.Fatalf("re-embed: %v", err)
	}
	if embedder.calls.Load() != 1 {
		t.Fatalf("embed calls = %d, want 1", embedder.calls.Load())
	}
}

func TestPipelineThroughPool(t *testing.T) {
	deps, store := newTestDeps(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := &fakeFetcher{
		body: []byte("page"),
		discovered: map[string][]IngestPayload{
			"https://w/root": {{Source: "wiki", ResourceID: "leaf", URI: "https://w/leaf"}},
		},
	}
	deps.Fetcher = fetcher

	pool := worker.New(store, worker.Options{Workers: 2, PollInterval: 5 * time.Millisecond})
	if err := RegisterAll(pool, deps); err != nil {
		t.Fatalf("register: %v", err)
	}

	root := IngestPayload{Source: "wiki", ResourceID: "root", URI: "https://w/root"}
	if _, _, err := store.Enqueue(ctx, queue.EnqueueRequest{
		Queue:     QueueIngest,
		Payload:   payloadOf(t, root),
		DedupeKey: root.DedupeKey(),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- pool.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		st, err := store.Stats(ctx, QueueIngest, 0)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if st.Done == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipeline stalled: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-runDone
	if fetcher.calls.Load() != 2 {
		t.Fatalf("fetch calls = %d, want 2", fetcher.calls.Load())
	}
}
