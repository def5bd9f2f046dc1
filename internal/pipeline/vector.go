package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/worker"
	"github.com/quarrylabs/quarry/pkg/fingerprint"
)

// NewVectorHandler builds the vector queue handler. Chunk jobs split a
// stored source and fan out one embed job per chunk; embed jobs call the
// embedder once per (model, position, chunk) and store the vector under
// that idempotency key, so re-deliveries never re-embed.
func NewVectorHandler(deps Deps) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, item worker.Item) (worker.Result, error) {
		var p VectorPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return worker.Result{}, fmt.Errorf("pipeline: decode vector payload: %w", err)
		}
		switch p.Kind {
		case VectorKindChunk:
			return handleChunk(ctx, deps, p)
		case VectorKindEmbed:
			return handleEmbed(ctx, deps, p)
		default:
			return worker.Result{}, fmt.Errorf("pipeline: unknown vector kind %q", p.Kind)
		}
	})
}

func handleChunk(ctx context.Context, deps Deps, p VectorPayload) (worker.Result, error) {
	if p.SourceKey == "" || p.Model == "" {
		return worker.Result{}, fmt.Errorf("pipeline: chunk job needs source_key and model")
	}
	content, _, err := deps.Artifacts.Get(ctx, p.SourceKey)
	if err != nil {
		return worker.Result{}, fmt.Errorf("source %s: %w", p.SourceKey, err)
	}

	chunks := deps.Chunker(content)
	enqueued := 0
	for pos, chunk := range chunks {
		chunkKey := fingerprint.ArtifactKey("chunk", chunk)
		if _, err := deps.Artifacts.Put(ctx, chunkKey, chunk); err != nil {
			return worker.Result{}, err
		}
		embed := VectorPayload{
			Kind:     VectorKindEmbed,
			Model:    p.Model,
			ChunkKey: chunkKey,
			Position: pos,
		}
		payload, err := json.Marshal(embed)
		if err != nil {
			return worker.Result{}, err
		}
		_, deduped, err := deps.Enqueuer.Enqueue(ctx, queue.EnqueueRequest{
			Queue:     QueueVector,
			Payload:   payload,
			DedupeKey: embed.DedupeKey(),
		})
		if err != nil {
			return worker.Result{}, fmt.Errorf("fan out chunk %d: %w", pos, err)
		}
		if !deduped {
			enqueued++
		}
	}
	return metricsResult(map[string]any{"chunks": len(chunks), "enqueued": enqueued})
}

func handleEmbed(ctx context.Context, deps Deps, p VectorPayload) (worker.Result, error) {
	if p.ChunkKey == "" || p.Model == "" {
		return worker.Result{}, fmt.Errorf("pipeline: embed job needs chunk_key and model")
	}
	chunk, _, err := deps.Artifacts.Get(ctx, p.ChunkKey)
	if err != nil {
		return worker.Result{}, fmt.Errorf("chunk %s: %w", p.ChunkKey, err)
	}

	key := fingerprint.EmbeddingKey(p.Model, p.Position, chunk)
	exists, err := deps.Artifacts.Exists(ctx, key)
	if err != nil {
		return worker.Result{}, err
	}
	if exists {
		return metricsResult(map[string]any{"skipped": true, "artifact": key})
	}

	vec, err := deps.Embedder.Embed(ctx, chunk)
	if err != nil {
		return worker.Result{}, fmt.Errorf("embed: %w", err)
	}
	if _, err := deps.Artifacts.Put(ctx, key, EncodeVector(vec)); err != nil {
		return worker.Result{}, err
	}
	return metricsResult(map[string]any{"artifact": key, "dims": len(vec)})
}

// SplitParagraphs is the default chunker: blank-line separated blocks,
// empty blocks dropped.
func SplitParagraphs(content []byte) [][]byte {
	var out [][]byte
	for _, block := range bytes.Split(content, []byte("\n\n")) {
		block = bytes.TrimSpace(block)
		if len(block) > 0 {
			out = append(out, block)
		}
	}
	return out
}

// EncodeVector packs a float32 vector as big-endian bytes for artifact
// storage.
func EncodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.BigEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeVector unpacks EncodeVector output.
func DecodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("pipeline: vector length %d not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
