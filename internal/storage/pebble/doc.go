// Package pebblestore wraps Pebble with the durability policy and batching
// helpers the engine relies on. Every queue/ledger/artifact mutation commits
// as one batch through this wrapper, which is what makes the engine's state
// transitions atomic.
package pebblestore
