package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quarrylabs/quarry/internal/worker"
)

// NewDeriveHandler builds the derivation queue handler: gather evidence
// artifacts, run one model call, validate the structured output against its
// contract and store the result. The result key is derived from the request
// identity, so a retry after a crash-after-store skips the model call
// entirely.
func NewDeriveHandler(deps Deps) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, item worker.Item) (worker.Result, error) {
		var p DerivePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return worker.Result{}, fmt.Errorf("pipeline: decode derive payload: %w", err)
		}
		if p.JobType == "" || len(p.EvidenceKeys) == 0 {
			return worker.Result{}, fmt.Errorf("pipeline: derive payload needs job_type and evidence_keys")
		}

		resultKey := p.resultKey()
		exists, err := deps.Artifacts.Exists(ctx, resultKey)
		if err != nil {
			return worker.Result{}, err
		}
		if exists {
			return metricsResult(map[string]any{"skipped": true, "artifact": resultKey})
		}

		evidence := make([][]byte, 0, len(p.EvidenceKeys))
		for _, key := range p.EvidenceKeys {
			content, _, err := deps.Artifacts.Get(ctx, key)
			if err != nil {
				return worker.Result{}, fmt.Errorf("evidence %s: %w", key, err)
			}
			evidence = append(evidence, content)
		}

		out, err := deps.Interrogator.Interrogate(ctx, DeriveQuery{
			JobType:  p.JobType,
			Contract: p.Contract,
			Evidence: evidence,
		})
		if err != nil {
			return worker.Result{}, fmt.Errorf("interrogate %s: %w", p.JobType, err)
		}
		if err := deps.Validate(p.Contract, out); err != nil {
			return worker.Result{}, fmt.Errorf("contract %s: %w", p.Contract, err)
		}

		ref, err := deps.Artifacts.Put(ctx, resultKey, out)
		if err != nil {
			return worker.Result{}, err
		}
		return metricsResult(map[string]any{
			"artifact":       resultKey,
			"bytes":          ref.Size,
			"evidence_count": len(evidence),
		})
	})
}
