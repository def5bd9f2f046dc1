package queue

import (
	"encoding/binary"

	"github.com/quarrylabs/quarry/pkg/id"
)

// Key layout, one keyspace per queue under q/{queue}/:
//
//	q/{q}/item/{id16}                      -> WorkItem JSON
//	q/{q}/ready/{^prio4}{created_ms8}{id16} -> nil        claimable items
//	q/{q}/delay/{available_ms8}{id16}       -> status     not yet claimable
//	q/{q}/lease/{expires_ms8}{id16}         -> nil        active leases
//	q/{q}/done/{updated_ms8}{id16}          -> nil        terminal success
//	q/{q}/dead/{updated_ms8}{id16}          -> nil        terminal failure
//	q/{q}/dedupe/{key}                      -> id16
//
// The ready index inverts priority so that a forward scan yields highest
// priority first, FIFO by enqueue time within a priority. Time-keyed indexes
// (delay, lease, done, dead) scan forward oldest/soonest first.

func queuePrefix(queue string) []byte {
	k := make([]byte, 0, len(queue)+3)
	k = append(k, "q/"...)
	k = append(k, queue...)
	k = append(k, '/')
	return k
}

func itemKey(queue string, itemID id.ID) []byte {
	k := append(queuePrefix(queue), "item/"...)
	return append(k, itemID.Bytes()...)
}

// encodePriority maps int32 priority onto uint32 so that byte-wise ascending
// key order is priority-descending: flip the sign bit for order-preserving
// unsigned form, then complement to invert.
func encodePriority(p int32) uint32 {
	return ^(uint32(p) ^ 0x80000000)
}

func readyKey(queue string, priority int32, createdMs int64, itemID id.ID) []byte {
	k := append(queuePrefix(queue), "ready/"...)
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], encodePriority(priority))
	binary.BigEndian.PutUint64(buf[4:12], uint64(createdMs))
	k = append(k, buf[:]...)
	return append(k, itemID.Bytes()...)
}

func timeKey(queue, kind string, ms int64, itemID id.ID) []byte {
	k := append(queuePrefix(queue), kind...)
	k = append(k, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ms))
	k = append(k, buf[:]...)
	return append(k, itemID.Bytes()...)
}

func delayKey(queue string, availableMs int64, itemID id.ID) []byte {
	return timeKey(queue, "delay", availableMs, itemID)
}

func leaseKey(queue string, expiresMs int64, itemID id.ID) []byte {
	return timeKey(queue, "lease", expiresMs, itemID)
}

func doneKey(queue string, updatedMs int64, itemID id.ID) []byte {
	return timeKey(queue, "done", updatedMs, itemID)
}

func deadKey(queue string, updatedMs int64, itemID id.ID) []byte {
	return timeKey(queue, "dead", updatedMs, itemID)
}

func dedupeMapKey(queue, dedupe string) []byte {
	k := append(queuePrefix(queue), "dedupe/"...)
	return append(k, dedupe...)
}

func indexPrefix(queue, kind string) []byte {
	k := append(queuePrefix(queue), kind...)
	return append(k, '/')
}

// keyRange returns [prefix, prefix+0xff) bounds for an iterator.
func keyRange(prefix []byte) ([]byte, []byte) {
	upper := append(append([]byte(nil), prefix...), 0xff)
	return prefix, upper
}

// timeUpperBound bounds a time-keyed index scan at entries with ms <= nowMs.
func timeUpperBound(queue, kind string, nowMs int64) []byte {
	k := append(queuePrefix(queue), kind...)
	k = append(k, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(nowMs+1))
	return append(k, buf[:]...)
}

// idFromIndexKey extracts the trailing 16-byte item id from an index key.
func idFromIndexKey(key []byte) (id.ID, bool) {
	if len(key) < 16 {
		return id.Zero, false
	}
	out, err := id.FromBytes(key[len(key)-16:])
	return out, err == nil
}

// createdFromReadyKey extracts created_ms from a ready index key.
func createdFromReadyKey(key []byte) int64 {
	if len(key) < 28 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-24 : len(key)-16]))
}
