package queue

import (
	"encoding/json"
	"fmt"

	"github.com/quarrylabs/quarry/pkg/id"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	// StatusPending means the item is waiting to be claimed (its available_at
	// may still be in the future for delayed items).
	StatusPending Status = "pending"
	// StatusClaimed means a worker holds the lease and is executing.
	StatusClaimed Status = "claimed"
	// StatusDone is terminal success.
	StatusDone Status = "done"
	// StatusRetryWait means the last attempt failed and the item becomes
	// claimable again at available_at.
	StatusRetryWait Status = "retry_wait"
	// StatusDead is terminal failure: the retry budget is exhausted. Only an
	// explicit operator requeue revives a dead item.
	StatusDead Status = "dead"
)

// Terminal reports whether the status admits no further automatic
// transitions.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusDead }

// WorkItem is one unit of work. Timestamps are unix milliseconds.
type WorkItem struct {
	ID           id.ID           `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       Status          `json:"status"`
	Priority     int32           `json:"priority"`
	AttemptCount int32           `json:"attempt_count"`
	MaxAttempts  int32           `json:"max_attempts"`
	DedupeKey    string          `json:"dedupe_key,omitempty"`

	// AvailableAtMs is when the item becomes claimable (enqueue delay or
	// retry backoff).
	AvailableAtMs int64 `json:"available_at_ms"`

	// Lease fields are set only while Status is claimed. RunID is the open
	// ledger run for the current attempt.
	LeaseOwner       string `json:"lease_owner,omitempty"`
	LeaseExpiresAtMs int64  `json:"lease_expires_at_ms,omitempty"`
	RunID            id.ID  `json:"run_id,omitempty"`

	LastError   string `json:"last_error,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

func encodeItem(w *WorkItem) ([]byte, error) {
	buf, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("queue: encode item %s: %w", w.ID, err)
	}
	return buf, nil
}

func decodeItem(buf []byte) (*WorkItem, error) {
	var w WorkItem
	if err := json.Unmarshal(buf, &w); err != nil {
		return nil, fmt.Errorf("queue: decode item: %w", err)
	}
	return &w, nil
}
