package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/quarrylabs/quarry/internal/registry"
	"github.com/quarrylabs/quarry/internal/runledger"
	"github.com/quarrylabs/quarry/pkg/id"
	"github.com/quarrylabs/quarry/pkg/log"
)

// ClaimRequest describes one claim attempt by a worker.
type ClaimRequest struct {
	Queue    string
	WorkerID string
	// LeaseDuration overrides the queue default when > 0.
	LeaseDuration time.Duration
	// NowMs overrides the clock in tests.
	NowMs int64
}

// Claim atomically hands the highest-priority claimable item to the caller:
// status flips to claimed, the attempt counter increments, a lease is
// written and an open run is recorded, all in one batch. Expired leases are
// reclaimed and due delayed items promoted first, so a claimer never starves
// behind a crashed worker even without the background sweeper running.
func (s *Store) Claim(ctx context.Context, req ClaimRequest) (*WorkItem, *runledger.Run, error) {
	if req.WorkerID == "" {
		return nil, nil, errors.New("queue: ClaimRequest.WorkerID is required")
	}
	meta := s.metaFor(req.Queue)
	lease := req.LeaseDuration
	if lease <= 0 {
		lease = time.Duration(meta.LeaseMs) * time.Millisecond
	}

	mu := s.lockQueue(req.Queue)
	mu.Lock()
	defer mu.Unlock()

	now := s.nowMs(req.NowMs)

	if _, err := s.reclaimExpiredLocked(ctx, req.Queue, meta, now, 64); err != nil {
		return nil, nil, err
	}
	if err := s.promoteDueLocked(ctx, req.Queue, now); err != nil {
		return nil, nil, err
	}

	lower, upper := keyRange(indexPrefix(req.Queue, "ready"))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		itemID, ok := idFromIndexKey(iter.Key())
		if !ok {
			continue
		}
		item, err := s.getItem(req.Queue, itemID)
		if errors.Is(err, ErrNotFound) || (err == nil && item.Status != StatusPending) {
			// Dangling index entry; drop it and keep scanning.
			if derr := s.db.Delete(append([]byte(nil), iter.Key()...)); derr != nil {
				return nil, nil, derr
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		item.AttemptCount++
		item.Status = StatusClaimed
		item.LeaseOwner = req.WorkerID
		item.LeaseExpiresAtMs = now + lease.Milliseconds()
		item.UpdatedAtMs = now

		run := s.ledger.NewRun(req.Queue, item.ID, req.WorkerID, item.AttemptCount, now)
		item.RunID = run.ID

		b := s.db.NewBatch()
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return nil, nil, err
		}
		if err := b.Set(leaseKey(req.Queue, item.LeaseExpiresAtMs, item.ID), nil, nil); err != nil {
			return nil, nil, err
		}
		if err := s.putItem(b, item); err != nil {
			return nil, nil, err
		}
		if err := s.ledger.OpenInBatch(b, run); err != nil {
			return nil, nil, err
		}
		if err := s.db.CommitBatch(ctx, b); err != nil {
			return nil, nil, err
		}

		s.logger.Debug("claimed item",
			log.Str("queue", req.Queue),
			log.Str("item", item.ID.String()),
			log.Str("worker", req.WorkerID),
			log.Int("attempt", int(item.AttemptCount)))
		return item, run, nil
	}
	if err := iter.Error(); err != nil {
		return nil, nil, err
	}
	return nil, nil, ErrNoWork
}

// promoteDueLocked moves items whose available_at has arrived from the delay
// index into the ready index, flipping retry_wait back to pending. Caller
// holds the queue lock.
func (s *Store) promoteDueLocked(ctx context.Context, queue string, nowMs int64) error {
	lower := indexPrefix(queue, "delay")
	upper := timeUpperBound(queue, "delay", nowMs)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	promoted := 0
	for iter.First(); iter.Valid(); iter.Next() {
		itemID, ok := idFromIndexKey(iter.Key())
		if !ok {
			continue
		}
		delKey := append([]byte(nil), iter.Key()...)

		item, err := s.getItem(queue, itemID)
		if errors.Is(err, ErrNotFound) || (err == nil && item.Status != StatusPending && item.Status != StatusRetryWait) {
			if derr := b.Delete(delKey, nil); derr != nil {
				return derr
			}
			promoted++
			continue
		}
		if err != nil {
			return err
		}

		if item.Status == StatusRetryWait {
			item.Status = StatusPending
			item.UpdatedAtMs = nowMs
			if err := s.putItem(b, item); err != nil {
				return err
			}
		}
		if err := b.Delete(delKey, nil); err != nil {
			return err
		}
		if err := b.Set(readyKey(queue, item.Priority, item.CreatedAtMs, item.ID), nil, nil); err != nil {
			return err
		}
		promoted++
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if promoted == 0 {
		return b.Close()
	}
	return s.db.CommitBatch(ctx, b)
}

// ReclaimExpired sweeps leases that expired at or before now. Each expired
// item's open run closes as failed with "lease expired" and the retry policy
// decides between retry_wait and dead, exactly as if the worker had reported
// the failure itself. Returns the number of items reclaimed.
func (s *Store) ReclaimExpired(ctx context.Context, queue string, nowMsOverride int64, max int) (int, error) {
	meta := s.metaFor(queue)
	mu := s.lockQueue(queue)
	mu.Lock()
	defer mu.Unlock()
	return s.reclaimExpiredLocked(ctx, queue, meta, s.nowMs(nowMsOverride), max)
}

func (s *Store) reclaimExpiredLocked(ctx context.Context, queue string, meta registry.Meta, nowMs int64, max int) (int, error) {
	if max <= 0 {
		max = 128
	}
	lower := indexPrefix(queue, "lease")
	upper := timeUpperBound(queue, "lease", nowMs)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	reclaimed := 0
	for iter.First(); iter.Valid() && reclaimed < max; iter.Next() {
		itemID, ok := idFromIndexKey(iter.Key())
		if !ok {
			continue
		}
		idxKey := append([]byte(nil), iter.Key()...)

		item, err := s.getItem(queue, itemID)
		if errors.Is(err, ErrNotFound) || (err == nil && (item.Status != StatusClaimed || item.LeaseExpiresAtMs > nowMs)) {
			// Entry left behind by an earlier transition.
			if derr := s.db.Delete(idxKey); derr != nil {
				return reclaimed, derr
			}
			continue
		}
		if err != nil {
			return reclaimed, err
		}

		b := s.db.NewBatch()
		if _, err := s.ledger.CloseInBatch(b, queue, item.ID, item.RunID, runledger.OutcomeFailed, "lease expired", nil, nowMs); err != nil && !errors.Is(err, runledger.ErrRunClosed) && !errors.Is(err, runledger.ErrRunNotFound) {
			_ = b.Close()
			return reclaimed, err
		}
		if err := s.applyFailure(b, item, meta, "lease expired", nowMs); err != nil {
			_ = b.Close()
			return reclaimed, err
		}
		if err := s.db.CommitBatch(ctx, b); err != nil {
			return reclaimed, err
		}
		reclaimed++

		s.logger.Info("reclaimed expired lease",
			log.Str("queue", queue),
			log.Str("item", item.ID.String()),
			log.Str("worker", item.LeaseOwner),
			log.Str("status", string(item.Status)))
	}
	return reclaimed, iter.Error()
}

// applyFailure records a failed attempt on a claimed item inside b: the
// lease is released and the retry policy routes the item to retry_wait or
// dead. Mutates item in place; caller commits.
func (s *Store) applyFailure(b *pebble.Batch, item *WorkItem, meta registry.Meta, errMsg string, nowMs int64) error {
	if err := b.Delete(leaseKey(item.Queue, item.LeaseExpiresAtMs, item.ID), nil); err != nil {
		return err
	}

	item.LeaseOwner = ""
	item.LeaseExpiresAtMs = 0
	item.RunID = id.Zero
	item.LastError = errMsg
	item.UpdatedAtMs = nowMs

	decision := s.policyFor(meta).Decide(item.AttemptCount, item.MaxAttempts)
	if decision.Dead {
		item.Status = StatusDead
		if err := b.Set(deadKey(item.Queue, nowMs, item.ID), nil, nil); err != nil {
			return err
		}
		// Dead items release their dedupe key so fresh work can enter.
		if item.DedupeKey != "" {
			if err := b.Delete(dedupeMapKey(item.Queue, item.DedupeKey), nil); err != nil {
				return err
			}
		}
	} else {
		item.Status = StatusRetryWait
		item.AvailableAtMs = nowMs + decision.Delay.Milliseconds()
		if err := b.Set(delayKey(item.Queue, item.AvailableAtMs, item.ID), []byte(StatusRetryWait), nil); err != nil {
			return err
		}
	}
	return s.putItem(b, item)
}

// CompleteRequest reports the outcome of a claimed run.
type CompleteRequest struct {
	Queue  string
	ItemID id.ID
	RunID  id.ID
	// Error marks the attempt failed when non-empty.
	Error string
	// Metrics is an optional JSON blob recorded on the run.
	Metrics json.RawMessage
	// NowMs overrides the clock in tests.
	NowMs int64
}

// Complete finishes the current attempt. An empty Error means success (item
// goes done, dedupe mapping kept so re-enqueues keep short-circuiting); a
// non-empty Error routes through the retry policy. A completion whose RunID
// is not the item's current run returns ErrStaleRun and changes nothing,
// which is what protects against workers reporting after lease expiry.
func (s *Store) Complete(ctx context.Context, req CompleteRequest) (*WorkItem, error) {
	mu := s.lockQueue(req.Queue)
	mu.Lock()
	defer mu.Unlock()

	item, err := s.getItem(req.Queue, req.ItemID)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusClaimed {
		if item.Status.Terminal() {
			return nil, fmt.Errorf("%w: item already %s", ErrStaleRun, item.Status)
		}
		return nil, fmt.Errorf("%w: item is %s", ErrInvalidState, item.Status)
	}
	if item.RunID != req.RunID {
		return nil, fmt.Errorf("%w: current run is %s", ErrStaleRun, item.RunID)
	}

	now := s.nowMs(req.NowMs)
	outcome := runledger.OutcomeSucceeded
	if req.Error != "" {
		outcome = runledger.OutcomeFailed
	}

	b := s.db.NewBatch()
	if _, err := s.ledger.CloseInBatch(b, req.Queue, item.ID, item.RunID, outcome, req.Error, req.Metrics, now); err != nil {
		_ = b.Close()
		return nil, err
	}

	if outcome == runledger.OutcomeSucceeded {
		if err := b.Delete(leaseKey(req.Queue, item.LeaseExpiresAtMs, item.ID), nil); err != nil {
			return nil, err
		}
		item.Status = StatusDone
		item.LeaseOwner = ""
		item.LeaseExpiresAtMs = 0
		item.RunID = id.Zero
		item.LastError = ""
		item.UpdatedAtMs = now
		if err := b.Set(doneKey(req.Queue, now, item.ID), nil, nil); err != nil {
			return nil, err
		}
		if err := s.putItem(b, item); err != nil {
			return nil, err
		}
	} else {
		meta := s.metaFor(req.Queue)
		if err := s.applyFailure(b, item, meta, req.Error, now); err != nil {
			_ = b.Close()
			return nil, err
		}
	}

	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Debug("completed item",
		log.Str("queue", req.Queue),
		log.Str("item", item.ID.String()),
		log.Str("status", string(item.Status)),
		log.Str("outcome", string(outcome)))
	return item, nil
}
