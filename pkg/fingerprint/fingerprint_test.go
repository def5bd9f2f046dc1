package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDigestStable(t *testing.T) {
	a := Digest("raw-html", []byte("hello"))
	b := Digest("raw-html", []byte("hello"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestContextSeparation(t *testing.T) {
	raw := Digest("raw-html", []byte("hello"))
	chunk := Digest("chunk-v2", []byte("hello"))
	assert.NotEqual(t, raw, chunk, "same bytes under different contexts must not collide")
}

func TestSegmentBoundaries(t *testing.T) {
	a := New("x").WriteString("ab", "c").Key()
	b := New("x").WriteString("a", "bc").Key()
	assert.NotEqual(t, a, b, "length prefixing must keep segment boundaries distinct")
}

func TestDedupeKeyScopedByQueue(t *testing.T) {
	a := DedupeKey("ingest", "wiki", "page-9", "https://example.org/p/9")
	b := DedupeKey("derive", "wiki", "page-9", "https://example.org/p/9")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, DedupeKey("ingest", "wiki", "page-9", "https://example.org/p/9"))
}

func TestEmbeddingKeyVariesByPositionAndModel(t *testing.T) {
	chunk := []byte("some chunk text")
	base := EmbeddingKey("embedder-v2", 0, chunk)
	assert.NotEqual(t, base, EmbeddingKey("embedder-v2", 1, chunk))
	assert.NotEqual(t, base, EmbeddingKey("embedder-v3", 0, chunk))
	assert.Equal(t, base, EmbeddingKey("embedder-v2", 0, []byte("some chunk text")))
}
