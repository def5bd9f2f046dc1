// Package runledger keeps the append-only execution history of the work
// queue: one Run per attempt, opened when an item is claimed and closed
// exactly once with an outcome. Open and close participate in the caller's
// storage batch so a run can never disagree with its item's state.
package runledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/quarrylabs/quarry/internal/storage/pebble"
	"github.com/quarrylabs/quarry/pkg/id"
)

// Outcome is the terminal result of a run. Empty while the run is open.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// ErrRunClosed is returned when closing a run that already has an outcome.
var ErrRunClosed = errors.New("runledger: run already closed")

// ErrRunNotFound is returned when the referenced run does not exist.
var ErrRunNotFound = errors.New("runledger: run not found")

// Run records a single execution attempt of a work item.
type Run struct {
	ID            id.ID           `json:"id"`
	ItemID        id.ID           `json:"item_id"`
	Queue         string          `json:"queue"`
	WorkerID      string          `json:"worker_id"`
	Attempt       int32           `json:"attempt"`
	StartedAtMs   int64           `json:"started_at_ms"`
	CompletedAtMs int64           `json:"completed_at_ms,omitempty"`
	Outcome       Outcome         `json:"outcome,omitempty"`
	Error         string          `json:"error,omitempty"`
	Metrics       json.RawMessage `json:"metrics,omitempty"`
	DurationMs    int64           `json:"duration_ms,omitempty"`
}

// Open reports whether the run has not been closed yet.
func (r *Run) Open() bool { return r.Outcome == "" }

// Options tunes ledger retention. Retention applies to closed runs only.
type Options struct {
	// MaxRunsPerQueue caps closed runs kept per queue. 0 means keep all.
	MaxRunsPerQueue int
	// MaxAge drops closed runs older than this. 0 means keep forever.
	MaxAge time.Duration
}

// Ledger stores runs and their lookup indexes in the shared DB.
type Ledger struct {
	db   *pebblestore.DB
	gen  *id.Generator
	opts Options
}

// New creates a Ledger.
func New(db *pebblestore.DB, opts Options) *Ledger {
	return &Ledger{db: db, gen: id.NewGenerator(), opts: opts}
}

// Key layout. Run records sort by item then run id, so one item's attempts
// read back in order. The recent/fail indexes sort by completion time for
// retention sweeps and failure queries.
//
//	run/{queue}/item/{item16}{run16}          -> Run JSON
//	run/{queue}/recent/{completed_ms8}{run16} -> item16+run16
//	run/{queue}/fail/{completed_ms8}{run16}   -> item16+run16
func runKey(queue string, itemID, runID id.ID) []byte {
	k := make([]byte, 0, len(queue)+42)
	k = append(k, "run/"...)
	k = append(k, queue...)
	k = append(k, "/item/"...)
	k = append(k, itemID.Bytes()...)
	k = append(k, runID.Bytes()...)
	return k
}

func timeIdxKey(queue, kind string, completedMs int64, runID id.ID) []byte {
	k := make([]byte, 0, len(queue)+len(kind)+30)
	k = append(k, "run/"...)
	k = append(k, queue...)
	k = append(k, '/')
	k = append(k, kind...)
	k = append(k, '/')
	var ms [8]byte
	binary.BigEndian.PutUint64(ms[:], uint64(completedMs))
	k = append(k, ms[:]...)
	k = append(k, runID.Bytes()...)
	return k
}

func prefixRange(prefix []byte) ([]byte, []byte) {
	upper := append(append([]byte(nil), prefix...), 0xff)
	return prefix, upper
}

// NewRun builds an open run for a fresh claim. The caller commits it via
// OpenInBatch in the same batch as the item transition.
func (l *Ledger) NewRun(queue string, itemID id.ID, workerID string, attempt int32, nowMs int64) *Run {
	return &Run{
		ID:          l.gen.Next(),
		ItemID:      itemID,
		Queue:       queue,
		WorkerID:    workerID,
		Attempt:     attempt,
		StartedAtMs: nowMs,
	}
}

// OpenInBatch writes the open run record into the caller's batch.
func (l *Ledger) OpenInBatch(b *pebble.Batch, run *Run) error {
	buf, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("runledger: encode run: %w", err)
	}
	return b.Set(runKey(run.Queue, run.ItemID, run.ID), buf, nil)
}

// CloseInBatch closes an open run with an outcome and writes the closed
// record plus its time indexes into the caller's batch. The run must have
// been committed by a previous claim batch. Closing twice is an error;
// callers guard against late completions before reaching here.
func (l *Ledger) CloseInBatch(b *pebble.Batch, queue string, itemID, runID id.ID, outcome Outcome, errMsg string, metrics json.RawMessage, nowMs int64) (*Run, error) {
	run, err := l.Get(queue, itemID, runID)
	if err != nil {
		return nil, err
	}
	if !run.Open() {
		return nil, ErrRunClosed
	}

	run.Outcome = outcome
	run.Error = errMsg
	run.Metrics = metrics
	run.CompletedAtMs = nowMs
	run.DurationMs = nowMs - run.StartedAtMs
	if run.DurationMs < 0 {
		run.DurationMs = 0
	}

	buf, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("runledger: encode run: %w", err)
	}
	if err := b.Set(runKey(queue, itemID, runID), buf, nil); err != nil {
		return nil, err
	}

	ref := append(itemID.Bytes(), runID.Bytes()...)
	if err := b.Set(timeIdxKey(queue, "recent", nowMs, runID), ref, nil); err != nil {
		return nil, err
	}
	if outcome == OutcomeFailed {
		if err := b.Set(timeIdxKey(queue, "fail", nowMs, runID), ref, nil); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// Get loads one run.
func (l *Ledger) Get(queue string, itemID, runID id.ID) (*Run, error) {
	buf, err := l.db.Get(runKey(queue, itemID, runID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(buf, &run); err != nil {
		return nil, fmt.Errorf("runledger: decode run: %w", err)
	}
	return &run, nil
}

// RunsForItem returns every recorded attempt for an item, oldest first.
func (l *Ledger) RunsForItem(queue string, itemID id.ID) ([]*Run, error) {
	prefix := runKey(queue, itemID, id.Zero)[:len("run/")+len(queue)+len("/item/")+16]
	lower, upper := prefixRange(prefix)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Run
	for iter.First(); iter.Valid(); iter.Next() {
		var run Run
		if err := json.Unmarshal(iter.Value(), &run); err != nil {
			return nil, fmt.Errorf("runledger: decode run: %w", err)
		}
		out = append(out, &run)
	}
	return out, iter.Error()
}

// RecentFailures returns the most recently failed runs for a queue, newest
// first, up to limit.
func (l *Ledger) RecentFailures(queue string, limit int) ([]*Run, error) {
	return l.scanTimeIdx(queue, "fail", limit)
}

// Recent returns the most recently closed runs for a queue, newest first.
func (l *Ledger) Recent(queue string, limit int) ([]*Run, error) {
	return l.scanTimeIdx(queue, "recent", limit)
}

func (l *Ledger) scanTimeIdx(queue, kind string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	lower, upper := prefixRange([]byte("run/" + queue + "/" + kind + "/"))
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Run
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		run, err := l.resolveRef(queue, iter.Value())
		if err != nil {
			return nil, err
		}
		if run != nil {
			out = append(out, run)
		}
	}
	return out, iter.Error()
}

func (l *Ledger) resolveRef(queue string, ref []byte) (*Run, error) {
	if len(ref) != 32 {
		return nil, fmt.Errorf("runledger: malformed index ref (%d bytes)", len(ref))
	}
	itemID, _ := id.FromBytes(ref[:16])
	runID, _ := id.FromBytes(ref[16:])
	run, err := l.Get(queue, itemID, runID)
	if errors.Is(err, ErrRunNotFound) {
		// Record trimmed under the index entry; skip.
		return nil, nil
	}
	return run, err
}

// Averages summarizes a sample of recently closed runs.
type Averages struct {
	Sampled       int     `json:"sampled"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// QueueAverages computes outcome counts and mean duration over the most
// recent sample closed runs.
func (l *Ledger) QueueAverages(queue string, sample int) (Averages, error) {
	if sample <= 0 {
		sample = 200
	}
	runs, err := l.Recent(queue, sample)
	if err != nil {
		return Averages{}, err
	}
	var avg Averages
	var total int64
	for _, r := range runs {
		avg.Sampled++
		total += r.DurationMs
		if r.Outcome == OutcomeSucceeded {
			avg.Succeeded++
		} else {
			avg.Failed++
		}
	}
	if avg.Sampled > 0 {
		avg.AvgDurationMs = float64(total) / float64(avg.Sampled)
	}
	return avg, nil
}

// Trim enforces retention over closed runs of one queue and returns how many
// run records were deleted. Open runs are never trimmed.
func (l *Ledger) Trim(queue string, nowMs int64) (int, error) {
	if l.opts.MaxRunsPerQueue <= 0 && l.opts.MaxAge <= 0 {
		return 0, nil
	}
	lower, upper := prefixRange([]byte("run/" + queue + "/recent/"))
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}

	total := 0
	for iter.First(); iter.Valid(); iter.Next() {
		total++
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, err
	}

	over := 0
	if l.opts.MaxRunsPerQueue > 0 && total > l.opts.MaxRunsPerQueue {
		over = total - l.opts.MaxRunsPerQueue
	}
	cutoffMs := int64(0)
	if l.opts.MaxAge > 0 {
		cutoffMs = nowMs - l.opts.MaxAge.Milliseconds()
	}

	b := l.db.NewBatch()
	trimmed := 0
	prefixLen := len("run/" + queue + "/recent/")
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		completedMs := int64(binary.BigEndian.Uint64(key[prefixLen : prefixLen+8]))
		if trimmed >= over && (cutoffMs == 0 || completedMs >= cutoffMs) {
			break
		}
		ref := iter.Value()
		if len(ref) == 32 {
			itemID, _ := id.FromBytes(ref[:16])
			runID, _ := id.FromBytes(ref[16:])
			_ = b.Delete(runKey(queue, itemID, runID), nil)
			_ = b.Delete(timeIdxKey(queue, "fail", completedMs, runID), nil)
		}
		_ = b.Delete(append([]byte(nil), key...), nil)
		trimmed++
	}
	iter.Close()

	if trimmed == 0 {
		_ = b.Close()
		return 0, nil
	}
	if err := l.db.CommitBatch(context.Background(), b); err != nil {
		return 0, err
	}
	return trimmed, nil
}
