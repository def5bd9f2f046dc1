package queue

import "errors"

var (
	// ErrNoWork is returned by Claim when nothing is claimable right now.
	ErrNoWork = errors.New("queue: no work available")

	// ErrNotFound is returned when the referenced item does not exist.
	ErrNotFound = errors.New("queue: item not found")

	// ErrInvalidState is returned when an operation does not apply to the
	// item's current status, e.g. requeueing an item that is not dead.
	ErrInvalidState = errors.New("queue: invalid item state for operation")

	// ErrStaleRun is returned when a completion references a run that is no
	// longer the item's current attempt. Happens when a worker reports after
	// its lease expired and the item was reclaimed.
	ErrStaleRun = errors.New("queue: completion references a superseded run")

	// ErrDedupeConflict is returned when requeueing a dead item whose dedupe
	// key is now held by a different live item.
	ErrDedupeConflict = errors.New("queue: dedupe key held by another live item")

	// ErrPayloadTooLarge is returned when an enqueue exceeds the queue's
	// payload limit.
	ErrPayloadTooLarge = errors.New("queue: payload exceeds queue limit")
)
