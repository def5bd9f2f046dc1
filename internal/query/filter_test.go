package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/runledger"
)

func TestItemFilter(t *testing.T) {
	item := &queue.WorkItem{
		Queue:        "ingest",
		Status:       queue.StatusDead,
		Priority:     3,
		AttemptCount: 5,
		MaxAttempts:  5,
		LastError:    "connection refused",
		Payload:      []byte(`{"source":"wiki","n":7}`),
		CreatedAtMs:  1000,
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{`status == "dead"`, true},
		{`status == "pending"`, false},
		{`last_error.contains("refused")`, true},
		{`attempt_count >= max_attempts`, true},
		{`priority > 5`, false},
		{`age_ms > 500`, true},
		{`payload.source == "wiki"`, true},
		{`payload.n > 10`, false},
	}
	for _, tc := range cases {
		f, err := NewItemFilter(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, f.Match(item, 2000), tc.expr)
	}
}

func TestItemFilterCompileErrors(t *testing.T) {
	_, err := NewItemFilter(`status ==`)
	assert.Error(t, err)

	// Non-boolean expressions are rejected at compile time.
	_, err = NewItemFilter(`attempt_count + 1`)
	assert.Error(t, err)
}

func TestItemFilterNonJSONPayload(t *testing.T) {
	f, err := NewItemFilter(`status == "pending"`)
	require.NoError(t, err)
	item := &queue.WorkItem{Status: queue.StatusPending, Payload: []byte("not json")}
	assert.True(t, f.Match(item, 0), "filters not touching payload still work")
}

func TestRunFilter(t *testing.T) {
	run := &runledger.Run{
		Queue:         "derive",
		WorkerID:      "pool-abc-1",
		Attempt:       2,
		Outcome:       runledger.OutcomeFailed,
		Error:         "model timeout",
		DurationMs:    4200,
		StartedAtMs:   100,
		CompletedAtMs: 4300,
		Metrics:       []byte(`{"tokens":900}`),
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`outcome == "failed" && duration_ms > 1000`, true},
		{`error.startsWith("model")`, true},
		{`worker_id.contains("pool-abc")`, true},
		{`metrics.tokens > 1000`, false},
		{`attempt == 1`, false},
	}
	for _, tc := range cases {
		f, err := NewRunFilter(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, f.Match(run), tc.expr)
	}
}
