// Package fingerprint computes stable content digests used for idempotent
// enqueue keys and content-addressable artifact keys.
//
// Every digest is scoped by a context string so that identical bytes hashed
// under two different semantic roles (say, a raw page versus a derived chunk)
// never produce the same key. Segments are length-prefixed before hashing so
// that ("ab","c") and ("a","bc") cannot collide.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
)

// Builder accumulates length-prefixed segments into a SHA-256 digest.
type Builder struct {
	h hash.Hash
}

// New starts a Builder scoped by the given context string.
func New(context string) *Builder {
	b := &Builder{h: sha256.New()}
	b.segment([]byte(context))
	return b
}

func (b *Builder) segment(p []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(p)))
	b.h.Write(n[:])
	b.h.Write(p)
}

// Write appends segments to the digest.
func (b *Builder) Write(segments ...[]byte) *Builder {
	for _, s := range segments {
		b.segment(s)
	}
	return b
}

// WriteString appends string segments to the digest.
func (b *Builder) WriteString(segments ...string) *Builder {
	for _, s := range segments {
		b.segment([]byte(s))
	}
	return b
}

// Key returns the lower-case hex digest (64 characters).
func (b *Builder) Key() string {
	return hex.EncodeToString(b.h.Sum(nil))
}

// Digest is the one-shot form: hash content under a context scope.
func Digest(context string, content []byte) string {
	return New(context).Write(content).Key()
}

// DedupeKey builds an enqueue dedupe key from a queue name and the natural
// key of the work, e.g. DedupeKey("ingest", sourceSystem, resourceID, uri).
func DedupeKey(queue string, natural ...string) string {
	return New("dedupe/" + queue).WriteString(natural...).Key()
}

// ArtifactKey builds a content-addressable store key from the producing
// identity (connector name, model name, contract version...) and the bytes.
func ArtifactKey(producer string, content []byte) string {
	return New("artifact").WriteString(producer).Write(content).Key()
}

// EmbeddingKey builds the idempotency key for one embedded chunk: chunk
// content plus embedding-model identity plus chunk position.
func EmbeddingKey(model string, position int, chunk []byte) string {
	return New("embedding").WriteString(model, strconv.Itoa(position)).Write(chunk).Key()
}
