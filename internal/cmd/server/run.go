package serverrun

import (
	"context"
	"time"

	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/runtime"
	httpserver "github.com/quarrylabs/quarry/internal/server/http"
	"github.com/quarrylabs/quarry/pkg/log"
)

// Options are the command-line overrides applied on top of the loaded
// configuration. Zero values leave the config untouched.
type Options struct {
	// ConfigPath is an optional YAML/JSON config file.
	ConfigPath string
	DataDir    string
	HTTPAddr   string
	// Fsync is always|interval|never.
	Fsync         string
	FsyncInterval time.Duration
	LogLevel      string
	LogFormat     string
}

func (o Options) apply(cfg config.Config) config.Config {
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if o.HTTPAddr != "" {
		cfg.HTTP.Addr = o.HTTPAddr
	}
	if o.Fsync != "" {
		cfg.Storage.Fsync = o.Fsync
	}
	if o.FsyncInterval > 0 {
		cfg.Storage.FsyncInterval = o.FsyncInterval
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	return cfg
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// in order: HTTP listener, background jobs, storage.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	cfg = opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := log.ApplyConfig(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	// Pebble logs through the standard library; route those lines too.
	log.RedirectStdLog(logger)

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			logger.Warn("close runtime", log.Err(cerr))
		}
	}()

	rt.StartBackground()
	logger.Info("server started",
		log.Str("data_dir", cfg.DataDir),
		log.Str("http", cfg.HTTP.Addr),
		log.Str("fsync", cfg.Storage.Fsync))

	srv := httpserver.New(rt, logger)
	if err := srv.ListenAndServe(ctx, cfg.HTTP.Addr); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
