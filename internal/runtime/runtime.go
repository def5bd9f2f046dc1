// Package runtime assembles the engine from configuration: storage, queue
// registry, run ledger, work-queue store, artifact store, the lease sweeper
// and scheduled maintenance. Everything hangs off one Runtime so a server
// process (or a test) has a single thing to open and close.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/quarrylabs/quarry/internal/artifact"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/registry"
	"github.com/quarrylabs/quarry/internal/runledger"
	pebblestore "github.com/quarrylabs/quarry/internal/storage/pebble"
	"github.com/quarrylabs/quarry/pkg/log"
)

// Options configures a Runtime.
type Options struct {
	Config config.Config
	Logger log.Logger
	// Clock is injectable for tests. Nil uses the real clock.
	Clock clockwork.Clock
}

// Runtime owns the wired engine components.
type Runtime struct {
	cfg    config.Config
	logger log.Logger
	clock  clockwork.Clock

	db        *pebblestore.DB
	reg       *registry.Registry
	ledger    *runledger.Ledger
	store     *queue.Store
	artifacts *artifact.Store
	sweeper   *queue.Sweeper
	cron      *cron.Cron
}

// Open builds a Runtime from options. Background jobs do not start until
// StartBackground.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cfg := opts.Config

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       cfg.DataDir,
		Fsync:         fsyncMode(cfg.Storage.Fsync),
		FsyncInterval: cfg.Storage.FsyncInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: open storage at %s: %w", cfg.DataDir, err)
	}

	reg := registry.New(db)
	jitter := cfg.Engine.BackoffJitter
	reg.SetDefaults(registry.Meta{
		BackoffBaseMs: cfg.Engine.BackoffBase.Milliseconds(),
		BackoffCapMs:  cfg.Engine.BackoffCap.Milliseconds(),
		BackoffJitter: &jitter,
		LeaseMs:       cfg.Engine.LeaseDuration.Milliseconds(),
	})

	ledger := runledger.New(db, runledger.Options{
		MaxRunsPerQueue: cfg.Ledger.MaxRunsPerQueue,
		MaxAge:          cfg.Ledger.MaxAge,
	})

	store, err := queue.Open(db, queue.Options{
		Ledger:   ledger,
		Registry: reg,
		Policy: queue.RetryPolicy{
			Base:   cfg.Engine.BackoffBase,
			Cap:    cfg.Engine.BackoffCap,
			Jitter: cfg.Engine.BackoffJitter,
		},
		Clock:  clock,
		Logger: logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	rt := &Runtime{
		cfg:       cfg,
		logger:    logger.With(log.Component("runtime")),
		clock:     clock,
		db:        db,
		reg:       reg,
		ledger:    ledger,
		store:     store,
		artifacts: artifact.New(db, clock),
	}

	rt.sweeper = queue.NewSweeper(store, queue.SweeperOptions{
		Interval: cfg.Engine.SweepInterval,
		Batch:    cfg.Engine.SweepBatch,
		Clock:    clock,
		Logger:   logger,
	})

	rt.cron = cron.New()
	if _, err := rt.cron.AddFunc(cfg.Ledger.TrimSchedule, rt.trimLedgers); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("runtime: ledger trim schedule %q: %w", cfg.Ledger.TrimSchedule, err)
	}
	if _, err := rt.cron.AddFunc("@every 24h", rt.auditArtifacts); err != nil {
		_ = db.Close()
		return nil, err
	}

	return rt, nil
}

func fsyncMode(s string) pebblestore.FsyncMode {
	switch strings.ToLower(s) {
	case "interval":
		return pebblestore.FsyncModeInterval
	case "never":
		return pebblestore.FsyncModeNever
	default:
		return pebblestore.FsyncModeAlways
	}
}

// StartBackground launches the sweeper and maintenance schedules.
func (rt *Runtime) StartBackground() {
	rt.sweeper.Start()
	rt.cron.Start()
	rt.logger.Info("background jobs started",
		log.Dur("sweep_interval", rt.cfg.Engine.SweepInterval),
		log.Str("ledger_trim", rt.cfg.Ledger.TrimSchedule))
}

// StopBackground halts background jobs, waiting for in-flight passes.
func (rt *Runtime) StopBackground() {
	ctx := rt.cron.Stop()
	rt.sweeper.Stop()
	<-ctx.Done()
}

// Close stops background jobs and closes storage.
func (rt *Runtime) Close() error {
	rt.StopBackground()
	return rt.db.Close()
}

func (rt *Runtime) trimLedgers() {
	ctx := context.Background()
	queues, err := rt.store.Queues(ctx)
	if err != nil {
		rt.logger.Warn("ledger trim: queue discovery failed", log.Err(err))
		return
	}
	now := rt.clock.Now().UnixMilli()
	for _, q := range queues {
		n, err := rt.ledger.Trim(q, now)
		if err != nil {
			rt.logger.Warn("ledger trim failed", log.Str("queue", q), log.Err(err))
			continue
		}
		if n > 0 {
			rt.logger.Info("trimmed run history", log.Str("queue", q), log.Int("runs", n))
		}
	}
}

func (rt *Runtime) auditArtifacts() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	report, err := rt.artifacts.Audit(ctx, 0)
	if err != nil {
		rt.logger.Warn("artifact audit failed", log.Err(err))
		return
	}
	if report.Corrupt > 0 {
		rt.logger.Error("artifact audit found corrupt frames",
			log.Int("checked", report.Checked),
			log.Int("corrupt", report.Corrupt))
		return
	}
	rt.logger.Debug("artifact audit clean", log.Int("checked", report.Checked))
}

// EnsureQueue registers a queue if needed and returns its effective
// metadata.
func (rt *Runtime) EnsureQueue(name string) (registry.Meta, error) {
	return rt.reg.EnsureQueue(name, rt.clock.Now().UnixMilli())
}

// CheckHealth verifies storage is usable.
func (rt *Runtime) CheckHealth(ctx context.Context) error {
	if _, err := rt.store.Queues(ctx); err != nil {
		return fmt.Errorf("runtime: storage unhealthy: %w", err)
	}
	return nil
}

// Accessors.

func (rt *Runtime) Config() config.Config        { return rt.cfg }
func (rt *Runtime) Store() *queue.Store          { return rt.store }
func (rt *Runtime) Ledger() *runledger.Ledger    { return rt.ledger }
func (rt *Runtime) Artifacts() *artifact.Store   { return rt.artifacts }
func (rt *Runtime) Registry() *registry.Registry { return rt.reg }
func (rt *Runtime) Clock() clockwork.Clock       { return rt.clock }
