package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/jonboulle/clockwork"

	"github.com/quarrylabs/quarry/internal/registry"
	"github.com/quarrylabs/quarry/internal/runledger"
	pebblestore "github.com/quarrylabs/quarry/internal/storage/pebble"
	"github.com/quarrylabs/quarry/pkg/id"
	"github.com/quarrylabs/quarry/pkg/log"
)

// Options configures a Store.
type Options struct {
	// Ledger records one run per attempt. Required.
	Ledger *runledger.Ledger
	// Registry supplies per-queue tuning. Optional; nil uses Defaults().
	Registry *registry.Registry
	// Policy is the fallback retry policy when queue metadata has no backoff
	// overrides.
	Policy RetryPolicy
	// Clock drives timestamps. Nil uses the real clock.
	Clock clockwork.Clock
	// Logger for transition-level debug logs. Nil logs nothing.
	Logger log.Logger
}

// Store is the multi-queue engine over the shared DB. All mutating
// operations take the owning queue's mutex and commit one batch, which is
// the whole concurrency story: the same guarantees a SQL backend would get
// from SELECT ... FOR UPDATE SKIP LOCKED inside one transaction.
type Store struct {
	db     *pebblestore.DB
	ledger *runledger.Ledger
	reg    *registry.Registry
	policy RetryPolicy
	clock  clockwork.Clock
	logger log.Logger
	gen    *id.Generator

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Open creates a Store over db.
func Open(db *pebblestore.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("queue: nil db")
	}
	if opts.Ledger == nil {
		return nil, errors.New("queue: Options.Ledger is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		db:     db,
		ledger: opts.Ledger,
		reg:    opts.Registry,
		policy: opts.Policy,
		clock:  clock,
		logger: logger.With(log.Component("queue")),
		gen:    id.NewGenerator(),
		locks:  map[string]*sync.Mutex{},
	}, nil
}

// Ledger exposes the run history backing this store.
func (s *Store) Ledger() *runledger.Ledger { return s.ledger }

func (s *Store) lockQueue(queue string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[queue]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[queue] = mu
	}
	return mu
}

func (s *Store) nowMs(override int64) int64 {
	if override > 0 {
		return override
	}
	return s.clock.Now().UnixMilli()
}

// metaFor resolves effective tuning for a queue. Registered queues carry
// their own backoff settings; unregistered ones leave backoff zero so the
// store-level Policy applies.
func (s *Store) metaFor(queue string) registry.Meta {
	if s.reg != nil {
		if m, ok, err := s.reg.Get(queue); err == nil && ok {
			return m
		}
	}
	d := registry.Defaults()
	return registry.Meta{
		Name:            queue,
		MaxAttempts:     d.MaxAttempts,
		LeaseMs:         d.LeaseMs,
		PayloadMaxBytes: d.PayloadMaxBytes,
	}
}

func (s *Store) policyFor(meta registry.Meta) RetryPolicy {
	p := s.policy
	if meta.BackoffBaseMs > 0 {
		p.Base = time.Duration(meta.BackoffBaseMs) * time.Millisecond
	}
	if meta.BackoffCapMs > 0 {
		p.Cap = time.Duration(meta.BackoffCapMs) * time.Millisecond
	}
	if meta.BackoffJitter != nil {
		p.Jitter = *meta.BackoffJitter
	}
	return p
}

func (s *Store) getItem(queue string, itemID id.ID) (*WorkItem, error) {
	buf, err := s.db.Get(itemKey(queue, itemID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeItem(buf)
}

func (s *Store) putItem(b *pebble.Batch, item *WorkItem) error {
	buf, err := encodeItem(item)
	if err != nil {
		return err
	}
	return b.Set(itemKey(item.Queue, item.ID), buf, nil)
}

// EnqueueRequest describes one enqueue.
type EnqueueRequest struct {
	Queue    string
	Payload  []byte
	Priority int32
	// MaxAttempts overrides the queue default when > 0.
	MaxAttempts int32
	// DedupeKey, when set, makes the enqueue idempotent: while a live
	// (non-dead) item holds the key, re-enqueues return that item.
	DedupeKey string
	// Delay postpones availability.
	Delay time.Duration
	// NowMs overrides the clock in tests.
	NowMs int64
}

// Enqueue inserts a new pending item, or returns the existing live item when
// the dedupe key is already held. The bool reports whether an existing item
// was returned.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*WorkItem, bool, error) {
	if err := registry.ValidateName(req.Queue); err != nil {
		return nil, false, err
	}
	meta := s.metaFor(req.Queue)
	if meta.PayloadMaxBytes > 0 && int64(len(req.Payload)) > meta.PayloadMaxBytes {
		return nil, false, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(req.Payload), meta.PayloadMaxBytes)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = meta.MaxAttempts
	}

	mu := s.lockQueue(req.Queue)
	mu.Lock()
	defer mu.Unlock()

	now := s.nowMs(req.NowMs)

	if req.DedupeKey != "" {
		buf, err := s.db.Get(dedupeMapKey(req.Queue, req.DedupeKey))
		if err == nil {
			if existingID, idErr := id.FromBytes(buf); idErr == nil {
				existing, getErr := s.getItem(req.Queue, existingID)
				if getErr == nil && existing.Status != StatusDead {
					return existing, true, nil
				}
				// Stale mapping (item gone or dead): fall through and rebind.
			}
		} else if !errors.Is(err, pebblestore.ErrNotFound) {
			return nil, false, err
		}
	}

	item := &WorkItem{
		ID:            s.gen.Next(),
		Queue:         req.Queue,
		Payload:       req.Payload,
		Status:        StatusPending,
		Priority:      req.Priority,
		MaxAttempts:   maxAttempts,
		DedupeKey:     req.DedupeKey,
		AvailableAtMs: now + req.Delay.Milliseconds(),
		CreatedAtMs:   now,
		UpdatedAtMs:   now,
	}

	b := s.db.NewBatch()
	if err := s.putItem(b, item); err != nil {
		return nil, false, err
	}
	if item.AvailableAtMs > now {
		if err := b.Set(delayKey(req.Queue, item.AvailableAtMs, item.ID), []byte(StatusPending), nil); err != nil {
			return nil, false, err
		}
	} else {
		if err := b.Set(readyKey(req.Queue, item.Priority, item.CreatedAtMs, item.ID), nil, nil); err != nil {
			return nil, false, err
		}
	}
	if req.DedupeKey != "" {
		if err := b.Set(dedupeMapKey(req.Queue, req.DedupeKey), item.ID.Bytes(), nil); err != nil {
			return nil, false, err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, false, err
	}

	s.logger.Debug("enqueued item",
		log.Str("queue", req.Queue),
		log.Str("item", item.ID.String()),
		log.Int("priority", int(req.Priority)))
	return item, false, nil
}

// Get returns one item by id.
func (s *Store) Get(_ context.Context, queue string, itemID id.ID) (*WorkItem, error) {
	return s.getItem(queue, itemID)
}

// Stats summarizes one queue. Pending counts both claimable and delayed
// pending items; Ready is the claimable subset.
type Stats struct {
	Queue              string `json:"queue"`
	Pending            int64  `json:"pending"`
	Ready              int64  `json:"ready"`
	RetryWait          int64  `json:"retry_wait"`
	Claimed            int64  `json:"claimed"`
	Done               int64  `json:"done"`
	Dead               int64  `json:"dead"`
	OldestPendingAgeMs int64  `json:"oldest_pending_age_ms"`
}

// Stats scans the queue's indexes and returns counts by status plus the age
// of the oldest claimable item.
func (s *Store) Stats(_ context.Context, queue string, nowMsOverride int64) (Stats, error) {
	now := s.nowMs(nowMsOverride)
	st := Stats{Queue: queue}

	count := func(kind string, each func(key, val []byte)) error {
		lower, upper := keyRange(indexPrefix(queue, kind))
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
		if err != nil {
			return err
		}
		defer iter.Close()
		for iter.First(); iter.Valid(); iter.Next() {
			each(iter.Key(), iter.Value())
		}
		return iter.Error()
	}

	var oldestCreated int64
	if err := count("ready", func(key, _ []byte) {
		st.Ready++
		if created := createdFromReadyKey(key); oldestCreated == 0 || created < oldestCreated {
			oldestCreated = created
		}
	}); err != nil {
		return Stats{}, err
	}
	st.Pending = st.Ready
	if oldestCreated > 0 && now > oldestCreated {
		st.OldestPendingAgeMs = now - oldestCreated
	}

	if err := count("delay", func(_, val []byte) {
		if Status(val) == StatusRetryWait {
			st.RetryWait++
		} else {
			st.Pending++
		}
	}); err != nil {
		return Stats{}, err
	}
	if err := count("lease", func(_, _ []byte) { st.Claimed++ }); err != nil {
		return Stats{}, err
	}
	if err := count("done", func(_, _ []byte) { st.Done++ }); err != nil {
		return Stats{}, err
	}
	if err := count("dead", func(_, _ []byte) { st.Dead++ }); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// ListDead returns dead items oldest-death-first, up to limit.
func (s *Store) ListDead(_ context.Context, queue string, limit int) ([]*WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	lower, upper := keyRange(indexPrefix(queue, "dead"))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*WorkItem
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		itemID, ok := idFromIndexKey(iter.Key())
		if !ok {
			continue
		}
		item, err := s.getItem(queue, itemID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, iter.Error()
}

// RequeueDead revives one dead item: attempt count resets to zero and the
// item becomes pending immediately. This is the only path out of dead, and
// it is always an explicit operator action.
func (s *Store) RequeueDead(ctx context.Context, queue string, itemID id.ID, nowMsOverride int64) (*WorkItem, error) {
	mu := s.lockQueue(queue)
	mu.Lock()
	defer mu.Unlock()

	item, err := s.getItem(queue, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusDead {
		return nil, fmt.Errorf("%w: item is %s, not dead", ErrInvalidState, item.Status)
	}

	now := s.nowMs(nowMsOverride)

	if item.DedupeKey != "" {
		buf, err := s.db.Get(dedupeMapKey(queue, item.DedupeKey))
		if err == nil {
			if otherID, idErr := id.FromBytes(buf); idErr == nil && otherID != item.ID {
				if other, getErr := s.getItem(queue, otherID); getErr == nil && other.Status != StatusDead {
					return nil, fmt.Errorf("%w: %s", ErrDedupeConflict, other.ID)
				}
			}
		} else if !errors.Is(err, pebblestore.ErrNotFound) {
			return nil, err
		}
	}

	b := s.db.NewBatch()
	// Dead index keys use the item's updated_at at the time of death.
	if err := b.Delete(deadKey(queue, item.UpdatedAtMs, item.ID), nil); err != nil {
		return nil, err
	}

	item.Status = StatusPending
	item.AttemptCount = 0
	item.LastError = ""
	item.AvailableAtMs = now
	item.UpdatedAtMs = now

	if err := s.putItem(b, item); err != nil {
		return nil, err
	}
	if err := b.Set(readyKey(queue, item.Priority, item.CreatedAtMs, item.ID), nil, nil); err != nil {
		return nil, err
	}
	if item.DedupeKey != "" {
		if err := b.Set(dedupeMapKey(queue, item.DedupeKey), item.ID.Bytes(), nil); err != nil {
			return nil, err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}

	s.logger.Info("requeued dead item",
		log.Str("queue", queue),
		log.Str("item", item.ID.String()))
	return item, nil
}

// Queues lists every queue name with stored keys, whether or not it is
// registered.
func (s *Store) Queues(_ context.Context) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("q/"),
		UpperBound: []byte("q/\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []string
	for iter.First(); iter.Valid(); {
		key := iter.Key()
		rest := key[2:]
		sep := bytes.IndexByte(rest, '/')
		if sep < 0 {
			iter.Next()
			continue
		}
		name := string(rest[:sep])
		out = append(out, name)
		// Skip the rest of this queue's keyspace.
		if !iter.SeekGE(append([]byte("q/"+name+"/"), 0xff)) {
			break
		}
	}
	return out, iter.Error()
}
