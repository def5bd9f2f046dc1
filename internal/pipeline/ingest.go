package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/worker"
)

// NewIngestHandler builds the ingest queue handler: fetch one resource,
// store the raw page, and fan discovered resources back into the queue.
// Re-running a delivered item is a cheap no-op because the page artifact is
// probed before fetching.
func NewIngestHandler(deps Deps) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, item worker.Item) (worker.Result, error) {
		var p IngestPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return worker.Result{}, fmt.Errorf("pipeline: decode ingest payload: %w", err)
		}
		if p.Source == "" || p.URI == "" {
			return worker.Result{}, fmt.Errorf("pipeline: ingest payload needs source and uri")
		}

		key := p.artifactKey()
		exists, err := deps.Artifacts.Exists(ctx, key)
		if err != nil {
			return worker.Result{}, err
		}
		if exists {
			return metricsResult(map[string]any{"skipped": true, "artifact": key})
		}

		res, err := deps.Fetcher.Fetch(ctx, p)
		if err != nil {
			return worker.Result{}, fmt.Errorf("fetch %s: %w", p.URI, err)
		}
		ref, err := deps.Artifacts.Put(ctx, key, res.Body)
		if err != nil {
			return worker.Result{}, err
		}

		enqueued := 0
		for _, d := range res.Discovered {
			payload, err := json.Marshal(d)
			if err != nil {
				return worker.Result{}, err
			}
			_, deduped, err := deps.Enqueuer.Enqueue(ctx, queue.EnqueueRequest{
				Queue:     QueueIngest,
				Payload:   payload,
				DedupeKey: d.DedupeKey(),
			})
			if err != nil {
				return worker.Result{}, fmt.Errorf("fan out %s: %w", d.URI, err)
			}
			if !deduped {
				enqueued++
			}
		}

		return metricsResult(map[string]any{
			"artifact":   key,
			"bytes":      ref.Size,
			"discovered": len(res.Discovered),
			"enqueued":   enqueued,
		})
	})
}

func metricsResult(m map[string]any) (worker.Result, error) {
	buf, err := json.Marshal(m)
	if err != nil {
		return worker.Result{}, err
	}
	return worker.Result{Metrics: buf}, nil
}
