package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quarrylabs/quarry/pkg/log"
)

// SweeperOptions tunes the background lease sweeper.
type SweeperOptions struct {
	// Interval between sweeps. Each wait is jittered by up to 20% so
	// multiple processes sharing a store do not sweep in lockstep.
	Interval time.Duration
	// Batch caps reclaimed items per queue per sweep.
	Batch int
	// Queues overrides discovery; nil sweeps every queue in the store.
	Queues func(ctx context.Context) ([]string, error)
	Clock  clockwork.Clock
	Logger log.Logger
}

// Sweeper periodically reclaims expired leases across all queues. Claim
// already reclaims inline, so the sweeper exists for queues nobody is
// polling: items stuck under a dead worker's lease still make progress
// toward retry or dead.
type Sweeper struct {
	store  *Store
	opts   SweeperOptions
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper over store.
func NewSweeper(store *Store, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 128
	}
	if opts.Queues == nil {
		opts.Queues = store.Queues
	}
	if opts.Clock == nil {
		opts.Clock = store.clock
	}
	if opts.Logger == nil {
		opts.Logger = store.logger
	}
	opts.Logger = opts.Logger.With(log.Component("sweeper"))
	return &Sweeper{store: store, opts: opts}
}

// Start launches the sweep loop. Idempotent per Stop.
func (sw *Sweeper) Start() {
	if sw.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sw.cancel = cancel
	sw.wg.Add(1)
	go sw.run(ctx)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	sw.wg.Wait()
	sw.cancel = nil
}

func (sw *Sweeper) run(ctx context.Context) {
	defer sw.wg.Done()
	for {
		wait := sw.opts.Interval + time.Duration(rand.Int63n(int64(sw.opts.Interval)/5+1))
		select {
		case <-ctx.Done():
			return
		case <-sw.opts.Clock.After(wait):
		}
		sw.sweep(ctx)
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	queues, err := sw.opts.Queues(ctx)
	if err != nil {
		sw.opts.Logger.Warn("queue discovery failed", log.Err(err))
		return
	}
	for _, q := range queues {
		n, err := sw.store.ReclaimExpired(ctx, q, 0, sw.opts.Batch)
		if err != nil {
			sw.opts.Logger.Warn("sweep failed", log.Str("queue", q), log.Err(err))
			continue
		}
		if n > 0 {
			sw.opts.Logger.Info("swept expired leases", log.Str("queue", q), log.Int("count", n))
		}
	}
}
