// Package query compiles CEL expressions into filters over work items and
// runs, for operator queries like listing dead items by error text or
// failures slower than a threshold.
package query

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/runledger"
)

// ItemFilter evaluates a CEL expression against work items. Available
// variables: queue, status, priority, attempt_count, max_attempts,
// last_error, dedupe_key, age_ms, payload (parsed JSON or null).
type ItemFilter struct {
	prg cel.Program
}

// NewItemFilter compiles expr. An empty expression matches everything.
func NewItemFilter(expr string) (*ItemFilter, error) {
	if expr == "" {
		return &ItemFilter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("queue", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("attempt_count", cel.IntType),
		cel.Variable("max_attempts", cel.IntType),
		cel.Variable("last_error", cel.StringType),
		cel.Variable("dedupe_key", cel.StringType),
		cel.Variable("age_ms", cel.IntType),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("query: cel env: %w", err)
	}
	prg, err := compileBool(env, expr)
	if err != nil {
		return nil, err
	}
	return &ItemFilter{prg: prg}, nil
}

// Match reports whether the item passes the filter. Evaluation errors count
// as non-matches.
func (f *ItemFilter) Match(item *queue.WorkItem, nowMs int64) bool {
	if f == nil || f.prg == nil {
		return true
	}
	var payload any
	if len(item.Payload) > 0 {
		// Best effort; filters on payload fields just miss when it is not
		// JSON.
		_ = json.Unmarshal(item.Payload, &payload)
	}
	ageMs := nowMs - item.CreatedAtMs
	if ageMs < 0 {
		ageMs = 0
	}
	out, _, err := f.prg.Eval(map[string]any{
		"queue":         item.Queue,
		"status":        string(item.Status),
		"priority":      int64(item.Priority),
		"attempt_count": int64(item.AttemptCount),
		"max_attempts":  int64(item.MaxAttempts),
		"last_error":    item.LastError,
		"dedupe_key":    item.DedupeKey,
		"age_ms":        ageMs,
		"payload":       payload,
	})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

// RunFilter evaluates a CEL expression against ledger runs. Available
// variables: queue, worker_id, attempt, outcome, error, duration_ms,
// started_at_ms, completed_at_ms, metrics (parsed JSON or null).
type RunFilter struct {
	prg cel.Program
}

// NewRunFilter compiles expr. An empty expression matches everything.
func NewRunFilter(expr string) (*RunFilter, error) {
	if expr == "" {
		return &RunFilter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("queue", cel.StringType),
		cel.Variable("worker_id", cel.StringType),
		cel.Variable("attempt", cel.IntType),
		cel.Variable("outcome", cel.StringType),
		cel.Variable("error", cel.StringType),
		cel.Variable("duration_ms", cel.IntType),
		cel.Variable("started_at_ms", cel.IntType),
		cel.Variable("completed_at_ms", cel.IntType),
		cel.Variable("metrics", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("query: cel env: %w", err)
	}
	prg, err := compileBool(env, expr)
	if err != nil {
		return nil, err
	}
	return &RunFilter{prg: prg}, nil
}

// Match reports whether the run passes the filter.
func (f *RunFilter) Match(run *runledger.Run) bool {
	if f == nil || f.prg == nil {
		return true
	}
	var metrics any
	if len(run.Metrics) > 0 {
		_ = json.Unmarshal(run.Metrics, &metrics)
	}
	out, _, err := f.prg.Eval(map[string]any{
		"queue":           run.Queue,
		"worker_id":       run.WorkerID,
		"attempt":         int64(run.Attempt),
		"outcome":         string(run.Outcome),
		"error":           run.Error,
		"duration_ms":     run.DurationMs,
		"started_at_ms":   run.StartedAtMs,
		"completed_at_ms": run.CompletedAtMs,
		"metrics":         metrics,
	})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

func compileBool(env *cel.Env, expr string) (cel.Program, error) {
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("query: compile %q: %w", expr, iss.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("query: expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("query: program %q: %w", expr, err)
	}
	return prg, nil
}
