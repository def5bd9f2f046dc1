// Package worker runs the execution side of the engine: a pool of N workers
// polling the store, routing claimed items to per-queue handlers and
// reporting outcomes back. Workers coordinate only through the store, so
// pools in separate processes against the same data behave as one fleet.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/pkg/id"
	"github.com/quarrylabs/quarry/pkg/log"
)

// Item is the handler's view of a claimed work item.
type Item struct {
	ID          id.ID
	Queue       string
	Payload     json.RawMessage
	Attempt     int32
	MaxAttempts int32
}

// Result carries optional per-run metrics recorded on the ledger.
type Result struct {
	Metrics json.RawMessage
}

// Handler executes one attempt. Returning an error marks the attempt failed
// and routes the item through the retry policy; the error text becomes the
// run's recorded error. The context is cancelled at the lease deadline and
// at the drain deadline during shutdown, whichever comes first.
type Handler interface {
	Handle(ctx context.Context, item Item) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item Item) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, item Item) (Result, error) { return f(ctx, item) }

// Options tunes a Pool.
type Options struct {
	// Workers is the number of concurrent claim loops. Defaults to 4.
	Workers int
	// PollInterval is the idle wait when no queue had work. Defaults to 500ms.
	PollInterval time.Duration
	// LeaseDuration requested on each claim. 0 uses queue defaults.
	LeaseDuration time.Duration
	// DrainTimeout bounds how long in-flight handlers may keep running after
	// shutdown begins. Defaults to 30s.
	DrainTimeout time.Duration
	// WorkerIDPrefix names this pool in lease owners and run records. A
	// random suffix distinguishes pools sharing a store. Defaults to "pool".
	WorkerIDPrefix string
	Clock          clockwork.Clock
	Logger         log.Logger
}

// Pool claims and executes work until its context ends.
type Pool struct {
	store *queue.Store
	opts  Options
	base  string

	mu       sync.Mutex
	handlers map[string]Handler
	order    []string
}

// New creates a Pool over store.
func New(store *queue.Store, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if opts.WorkerIDPrefix == "" {
		opts.WorkerIDPrefix = "pool"
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	opts.Logger = opts.Logger.With(log.Component("worker"))
	return &Pool{
		store:    store,
		opts:     opts,
		base:     fmt.Sprintf("%s-%s", opts.WorkerIDPrefix, uuid.NewString()[:8]),
		handlers: map[string]Handler{},
	}
}

// Register routes items of the named queue to h. Registration order is the
// polling order, so earlier queues win when several have ready work.
func (p *Pool) Register(queueName string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.handlers[queueName]; !dup {
		p.order = append(p.order, queueName)
	}
	p.handlers[queueName] = h
}

func (p *Pool) queues() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func (p *Pool) handler(queueName string) Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[queueName]
}

// Run blocks until ctx is cancelled and every in-flight handler has either
// finished or been cut off at the drain deadline. New claims stop the moment
// ctx ends; completion reports always go through so the store never sees a
// finished run as a lease expiry.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.queues()) == 0 {
		return errors.New("worker: no handlers registered")
	}

	// Handlers run under a context detached from ctx, cancelled only at the
	// drain deadline, so shutdown lets work finish.
	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	defer cancelHandlers()

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.workerLoop(ctx, handlerCtx, fmt.Sprintf("%s-%d", p.base, n))
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	p.opts.Logger.Info("draining workers",
		log.Dur("timeout", p.opts.DrainTimeout),
		log.Int("workers", p.opts.Workers))
	select {
	case <-done:
		return nil
	case <-p.opts.Clock.After(p.opts.DrainTimeout):
		cancelHandlers()
		<-done
		return fmt.Errorf("worker: drain deadline exceeded after %v", p.opts.DrainTimeout)
	}
}

func (p *Pool) workerLoop(ctx, handlerCtx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		claimed := false
		for _, q := range p.queues() {
			if ctx.Err() != nil {
				return
			}
			item, run, err := p.store.Claim(ctx, queue.ClaimRequest{
				Queue:         q,
				WorkerID:      workerID,
				LeaseDuration: p.opts.LeaseDuration,
			})
			if errors.Is(err, queue.ErrNoWork) {
				continue
			}
			if err != nil {
				p.opts.Logger.Warn("claim failed", log.Str("queue", q), log.Err(err))
				continue
			}
			claimed = true
			p.execute(handlerCtx, workerID, item, run.ID)
		}
		if !claimed {
			select {
			case <-ctx.Done():
				return
			case <-p.opts.Clock.After(p.opts.PollInterval):
			}
		}
	}
}

func (p *Pool) execute(handlerCtx context.Context, workerID string, item *queue.WorkItem, runID id.ID) {
	h := p.handler(item.Queue)
	if h == nil {
		// Claimed a queue we no longer handle; fail it back immediately.
		p.report(item, runID, Result{}, errors.New("no handler registered"))
		return
	}

	// The handler must not outlive its lease.
	ctx := handlerCtx
	cancel := context.CancelFunc(func() {})
	if item.LeaseExpiresAtMs > 0 {
		deadline := time.UnixMilli(item.LeaseExpiresAtMs)
		ctx, cancel = context.WithDeadline(handlerCtx, deadline)
	}
	defer cancel()

	start := p.opts.Clock.Now()
	res, err := safeHandle(ctx, h, Item{
		ID:          item.ID,
		Queue:       item.Queue,
		Payload:     item.Payload,
		Attempt:     item.AttemptCount,
		MaxAttempts: item.MaxAttempts,
	})
	p.opts.Logger.Debug("handler finished",
		log.Str("queue", item.Queue),
		log.Str("item", item.ID.String()),
		log.Str("worker", workerID),
		log.Dur("elapsed", p.opts.Clock.Since(start)),
		log.Err(err))
	p.report(item, runID, res, err)
}

// safeHandle converts handler panics into failed attempts instead of taking
// the whole pool down.
func safeHandle(ctx context.Context, h Handler, item Item) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, item)
}

func (p *Pool) report(item *queue.WorkItem, runID id.ID, res Result, handlerErr error) {
	req := queue.CompleteRequest{
		Queue:   item.Queue,
		ItemID:  item.ID,
		RunID:   runID,
		Metrics: res.Metrics,
	}
	if handlerErr != nil {
		req.Error = handlerErr.Error()
	}
	// Completion uses a fresh context: a shutdown must not turn a finished
	// run into a spurious lease expiry.
	if _, err := p.store.Complete(context.Background(), req); err != nil {
		if errors.Is(err, queue.ErrStaleRun) {
			p.opts.Logger.Warn("completion superseded by lease expiry",
				log.Str("queue", item.Queue),
				log.Str("item", item.ID.String()))
			return
		}
		p.opts.Logger.Error("completion failed",
			log.Str("queue", item.Queue),
			log.Str("item", item.ID.String()),
			log.Err(err))
	}
}
