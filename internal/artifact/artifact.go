// Package artifact is the content-addressable blob store for pipeline
// outputs: fetched pages, derived documents, embedding vectors. Keys are
// fingerprints of content plus producing identity, so writing the same bytes
// under the same key twice is a no-op and handlers can probe Exists before
// paying for expensive work.
package artifact

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/jonboulle/clockwork"

	pebblestore "github.com/quarrylabs/quarry/internal/storage/pebble"
)

// ErrNotFound is returned when no artifact exists under the key.
var ErrNotFound = errors.New("artifact: not found")

// ErrCorrupt is returned when a stored frame fails its checksum.
var ErrCorrupt = errors.New("artifact: corrupt frame")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Ref describes one stored artifact.
type Ref struct {
	Key        string `json:"key"`
	Size       int64  `json:"size"`
	CRC32C     uint32 `json:"crc32c"`
	StoredAtMs int64  `json:"stored_at_ms"`
}

// Stats summarizes the store.
type Stats struct {
	Count int64 `json:"count"`
	Bytes int64 `json:"bytes"`
}

// Store persists artifacts in the shared DB.
//
//	art/ref/{key}  -> Ref JSON
//	art/blob/{key} -> frame: [4B crc32c][payload]
//	art/meta       -> Stats JSON
type Store struct {
	db    *pebblestore.DB
	clock clockwork.Clock

	// metaMu serializes the read-modify-write of the running Stats counter.
	metaMu sync.Mutex
}

// New creates a Store.
func New(db *pebblestore.DB, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{db: db, clock: clock}
}

func refKey(key string) []byte  { return []byte("art/ref/" + key) }
func blobKey(key string) []byte { return []byte("art/blob/" + key) }

var metaKey = []byte("art/meta")

func encodeFrame(payload []byte) []byte {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], crc32.Checksum(payload, castagnoli))
	copy(frame[4:], payload)
	return frame
}

func decodeFrame(frame []byte) ([]byte, uint32, error) {
	if len(frame) < 4 {
		return nil, 0, fmt.Errorf("%w: frame too short (%d bytes)", ErrCorrupt, len(frame))
	}
	want := binary.BigEndian.Uint32(frame[0:4])
	payload := frame[4:]
	if got := crc32.Checksum(payload, castagnoli); got != want {
		return nil, 0, fmt.Errorf("%w: crc mismatch (got %08x, want %08x)", ErrCorrupt, got, want)
	}
	return payload, want, nil
}

// Put stores content under key. Idempotent: if the key already exists the
// stored Ref is returned unchanged and the content is not rewritten.
func (s *Store) Put(ctx context.Context, key string, content []byte) (Ref, error) {
	if key == "" {
		return Ref{}, errors.New("artifact: empty key")
	}

	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	if buf, err := s.db.Get(refKey(key)); err == nil {
		var ref Ref
		if uerr := json.Unmarshal(buf, &ref); uerr != nil {
			return Ref{}, fmt.Errorf("artifact: decode ref %s: %w", key, uerr)
		}
		return ref, nil
	} else if !errors.Is(err, pebblestore.ErrNotFound) {
		return Ref{}, err
	}

	frame := encodeFrame(content)
	ref := Ref{
		Key:        key,
		Size:       int64(len(content)),
		CRC32C:     binary.BigEndian.Uint32(frame[0:4]),
		StoredAtMs: s.clock.Now().UnixMilli(),
	}
	refBuf, err := json.Marshal(ref)
	if err != nil {
		return Ref{}, err
	}

	stats, err := s.statsLocked()
	if err != nil {
		return Ref{}, err
	}
	stats.Count++
	stats.Bytes += ref.Size
	statsBuf, err := json.Marshal(stats)
	if err != nil {
		return Ref{}, err
	}

	b := s.db.NewBatch()
	if err := b.Set(blobKey(key), frame, nil); err != nil {
		return Ref{}, err
	}
	if err := b.Set(refKey(key), refBuf, nil); err != nil {
		return Ref{}, err
	}
	if err := b.Set(metaKey, statsBuf, nil); err != nil {
		return Ref{}, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Exists reports whether an artifact is stored under key.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	return s.db.Has(refKey(key))
}

// Get returns the content and Ref for key, verifying the checksum.
func (s *Store) Get(_ context.Context, key string) ([]byte, Ref, error) {
	refBuf, err := s.db.Get(refKey(key))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, Ref{}, ErrNotFound
	}
	if err != nil {
		return nil, Ref{}, err
	}
	var ref Ref
	if err := json.Unmarshal(refBuf, &ref); err != nil {
		return nil, Ref{}, fmt.Errorf("artifact: decode ref %s: %w", key, err)
	}

	frame, err := s.db.Get(blobKey(key))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, Ref{}, fmt.Errorf("%w: ref without blob for %s", ErrCorrupt, key)
	}
	if err != nil {
		return nil, Ref{}, err
	}
	payload, crc, err := decodeFrame(frame)
	if err != nil {
		return nil, Ref{}, fmt.Errorf("artifact %s: %w", key, err)
	}
	if crc != ref.CRC32C {
		return nil, Ref{}, fmt.Errorf("%w: ref/blob checksum disagreement for %s", ErrCorrupt, key)
	}
	return payload, ref, nil
}

// Stat returns the Ref for key without reading the blob.
func (s *Store) Stat(_ context.Context, key string) (Ref, error) {
	buf, err := s.db.Get(refKey(key))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Ref{}, ErrNotFound
	}
	if err != nil {
		return Ref{}, err
	}
	var ref Ref
	if err := json.Unmarshal(buf, &ref); err != nil {
		return Ref{}, fmt.Errorf("artifact: decode ref %s: %w", key, err)
	}
	return ref, nil
}

// Stats returns the running artifact counters.
func (s *Store) Stats(_ context.Context) (Stats, error) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() (Stats, error) {
	buf, err := s.db.Get(metaKey)
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	if err := json.Unmarshal(buf, &st); err != nil {
		return Stats{}, fmt.Errorf("artifact: decode meta: %w", err)
	}
	return st, nil
}

// AuditReport summarizes one integrity pass.
type AuditReport struct {
	Checked int      `json:"checked"`
	Corrupt int      `json:"corrupt"`
	Keys    []string `json:"corrupt_keys,omitempty"`
}

// Audit verifies frame checksums for up to limit blobs (0 means all) and
// reports corrupt keys without touching them.
func (s *Store) Audit(ctx context.Context, limit int) (AuditReport, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("art/blob/"),
		UpperBound: []byte("art/blob/\xff"),
	})
	if err != nil {
		return AuditReport{}, err
	}
	defer iter.Close()

	var report AuditReport
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && report.Checked >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		if _, _, err := decodeFrame(iter.Value()); err != nil {
			report.Corrupt++
			report.Keys = append(report.Keys, string(iter.Key()[len("art/blob/"):]))
		}
	}
	return report, iter.Error()
}
