// Package log provides quarry's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context, backed by a formatter/output pipeline.
// Components obtain tagged children via With:
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	)
//	l = l.With(log.Component("queue"))
//	l.Info("claimed item", log.Str("queue", "ingest"), log.Int("attempt", 2))
//
// ApplyConfig builds a logger from a declarative Config (level + text/json
// format). RedirectStdLog routes stdlib logging (used by Pebble) through the
// facade so all process output shares one format.
package log
