// Package registry persists per-queue metadata: retry limits, lease length,
// backoff tuning and payload limits. Queues are cheap logical namespaces;
// EnsureQueue is idempotent so callers can declare a queue on every start.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/quarrylabs/quarry/internal/storage/pebble"
)

// Meta describes one queue. Zero-valued fields fall back to Defaults at the
// point of use, so stored metadata stays forward compatible.
type Meta struct {
	Name            string `json:"name"`
	CreatedAtMs     int64  `json:"created_at_ms"`
	UpdatedAtMs     int64  `json:"updated_at_ms,omitempty"`
	MaxAttempts     int32  `json:"max_attempts,omitempty"`
	LeaseMs         int64  `json:"lease_ms,omitempty"`
	BackoffBaseMs   int64  `json:"backoff_base_ms,omitempty"`
	BackoffCapMs    int64  `json:"backoff_cap_ms,omitempty"`
	BackoffJitter   *bool  `json:"backoff_jitter,omitempty"`
	PayloadMaxBytes int64  `json:"payload_max_bytes,omitempty"`
}

// Defaults returns the engine-wide fallbacks applied when a queue's Meta
// leaves a field unset.
func Defaults() Meta {
	jitter := true
	return Meta{
		MaxAttempts:     5,
		LeaseMs:         30_000,
		BackoffBaseMs:   5_000,
		BackoffCapMs:    (10 * time.Minute).Milliseconds(),
		BackoffJitter:   &jitter,
		PayloadMaxBytes: 1 << 20,
	}
}

// WithDefaults returns a copy of m with unset fields filled from d.
func (m Meta) WithDefaults(d Meta) Meta {
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = d.MaxAttempts
	}
	if m.LeaseMs <= 0 {
		m.LeaseMs = d.LeaseMs
	}
	if m.BackoffBaseMs <= 0 {
		m.BackoffBaseMs = d.BackoffBaseMs
	}
	if m.BackoffCapMs <= 0 {
		m.BackoffCapMs = d.BackoffCapMs
	}
	if m.BackoffJitter == nil {
		m.BackoffJitter = d.BackoffJitter
	}
	if m.PayloadMaxBytes <= 0 {
		m.PayloadMaxBytes = d.PayloadMaxBytes
	}
	return m
}

var nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]{0,118}[a-z0-9])?$`)

// ValidateName checks queue naming rules (dns-ish, 1-120 chars).
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("registry: invalid queue name %q", name)
	}
	return nil
}

// Registry stores queue metadata under qmeta/{name}.
type Registry struct {
	db       *pebblestore.DB
	defaults Meta
}

// New creates a Registry over the shared DB.
func New(db *pebblestore.DB) *Registry {
	return &Registry{db: db, defaults: Defaults()}
}

// SetDefaults overrides the engine-wide fallbacks (from config).
func (r *Registry) SetDefaults(d Meta) { r.defaults = d.WithDefaults(Defaults()) }

func metaKey(name string) []byte { return []byte("qmeta/" + name) }

// EnsureQueue creates the queue record if absent and returns the effective
// metadata either way. Safe to call concurrently and repeatedly.
func (r *Registry) EnsureQueue(name string, nowMs int64) (Meta, error) {
	if err := ValidateName(name); err != nil {
		return Meta{}, err
	}
	existing, err := r.db.Get(metaKey(name))
	if err == nil {
		var m Meta
		if uerr := json.Unmarshal(existing, &m); uerr != nil {
			return Meta{}, fmt.Errorf("registry: decode %s: %w", name, uerr)
		}
		return m.WithDefaults(r.defaults), nil
	}
	if !errors.Is(err, pebblestore.ErrNotFound) {
		return Meta{}, err
	}

	m := Meta{Name: name, CreatedAtMs: nowMs}
	buf, err := json.Marshal(m)
	if err != nil {
		return Meta{}, err
	}
	if err := r.db.Set(metaKey(name), buf); err != nil {
		return Meta{}, err
	}
	return m.WithDefaults(r.defaults), nil
}

// Get returns the effective metadata for a queue, and whether it exists.
func (r *Registry) Get(name string) (Meta, bool, error) {
	buf, err := r.db.Get(metaKey(name))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, err
	}
	var m Meta
	if err := json.Unmarshal(buf, &m); err != nil {
		return Meta{}, false, fmt.Errorf("registry: decode %s: %w", name, err)
	}
	return m.WithDefaults(r.defaults), true, nil
}

// Update overwrites stored tuning for an existing queue.
func (r *Registry) Update(m Meta, nowMs int64) error {
	if err := ValidateName(m.Name); err != nil {
		return err
	}
	ok, err := r.db.Has(metaKey(m.Name))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("registry: queue %q not found", m.Name)
	}
	m.UpdatedAtMs = nowMs
	buf, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return r.db.Set(metaKey(m.Name), buf)
}

// List returns all registered queues, name-ordered.
func (r *Registry) List() ([]Meta, error) {
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("qmeta/"),
		UpperBound: []byte("qmeta/\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Meta
	for iter.First(); iter.Valid(); iter.Next() {
		var m Meta
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("registry: decode %s: %w", iter.Key(), err)
		}
		out = append(out, m.WithDefaults(r.defaults))
	}
	return out, iter.Error()
}
