// Package pipeline contains the knowledge-pipeline collaborators built on
// the engine: connectors enqueue ingest work, derivation jobs call models
// over stored evidence, vector jobs chunk and embed content. Handlers are
// written against small interfaces (Fetcher, Interrogator, Embedder) so the
// expensive outer calls stay pluggable, and every handler is idempotent by
// keying its output in the artifact store and probing before paying.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/quarrylabs/quarry/internal/artifact"
	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/worker"
	"github.com/quarrylabs/quarry/pkg/fingerprint"
)

// Queue names used by the pipeline.
const (
	QueueIngest = "ingest"
	QueueDerive = "derive"
	QueueVector = "vector"
)

// IngestPayload identifies one resource to fetch.
type IngestPayload struct {
	Source     string `json:"source"`
	ResourceID string `json:"resource_id"`
	URI        string `json:"uri"`
}

// DedupeKey is the idempotency key for an ingest enqueue: one live item per
// (source, resource, uri).
func (p IngestPayload) DedupeKey() string {
	return fingerprint.DedupeKey(QueueIngest, p.Source, p.ResourceID, p.URI)
}

// artifactKey is the request-identity key the fetched page is stored under,
// known before the fetch so handlers can skip refetches.
func (p IngestPayload) artifactKey() string {
	return fingerprint.New("raw-page").WriteString(p.Source, p.ResourceID, p.URI).Key()
}

// DerivePayload describes one interrogation job: a model call over stored
// evidence producing a structured document.
type DerivePayload struct {
	JobType string `json:"job_type"`
	// Contract names the output schema version.
	Contract string `json:"contract"`
	// EvidenceKeys are artifact keys read as model input, in order.
	EvidenceKeys []string `json:"evidence_keys"`
}

// DedupeKey keys derivation work by job type, contract and evidence set.
func (p DerivePayload) DedupeKey() string {
	segs := append([]string{p.JobType, p.Contract}, p.EvidenceKeys...)
	return fingerprint.DedupeKey(QueueDerive, segs...)
}

func (p DerivePayload) resultKey() string {
	b := fingerprint.New("derivation").WriteString(p.JobType, p.Contract)
	for _, k := range p.EvidenceKeys {
		b.WriteString(k)
	}
	return b.Key()
}

// Vector job kinds.
const (
	VectorKindChunk = "chunk"
	VectorKindEmbed = "embed"
)

// VectorPayload describes vector work: kind "chunk" splits a stored source
// into chunk artifacts and fans out one "embed" item per chunk.
type VectorPayload struct {
	Kind      string `json:"kind"`
	Model     string `json:"model"`
	SourceKey string `json:"source_key,omitempty"`
	ChunkKey  string `json:"chunk_key,omitempty"`
	Position  int    `json:"position,omitempty"`
}

// DedupeKey keys chunk jobs by (model, source) and embed jobs by
// (model, position, chunk).
func (p VectorPayload) DedupeKey() string {
	if p.Kind == VectorKindEmbed {
		return fingerprint.DedupeKey(QueueVector, p.Kind, p.Model, strconv.Itoa(p.Position), p.ChunkKey)
	}
	return fingerprint.DedupeKey(QueueVector, p.Kind, p.Model, p.SourceKey)
}

// Enqueuer is the slice of the store handlers need for fan-out.
// *queue.Store satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.WorkItem, bool, error)
}

// Fetcher retrieves one resource from a source system.
type Fetcher interface {
	Fetch(ctx context.Context, p IngestPayload) (FetchResult, error)
}

// FetchResult is a fetched body plus resources discovered along the way
// (links, listing entries) to feed back into the ingest queue.
type FetchResult struct {
	Body       []byte
	Discovered []IngestPayload
}

// DeriveQuery is the model-facing view of a derivation job.
type DeriveQuery struct {
	JobType  string
	Contract string
	Evidence [][]byte
}

// Interrogator runs one model call and returns the structured output.
type Interrogator interface {
	Interrogate(ctx context.Context, q DeriveQuery) (json.RawMessage, error)
}

// Embedder turns one chunk into a vector.
type Embedder interface {
	Embed(ctx context.Context, chunk []byte) ([]float32, error)
}

// Chunker splits source content into embeddable chunks.
type Chunker func(content []byte) [][]byte

// Deps bundles everything the pipeline handlers need.
type Deps struct {
	Artifacts *artifact.Store
	Enqueuer  Enqueuer

	Fetcher      Fetcher
	Interrogator Interrogator
	Embedder     Embedder
	// Chunker defaults to SplitParagraphs.
	Chunker Chunker
	// Validate checks derivation output against its contract. Defaults to
	// requiring a JSON object.
	Validate func(contract string, out json.RawMessage) error
}

// RegisterAll wires the three pipeline queues onto a worker pool.
func RegisterAll(pool *worker.Pool, deps Deps) error {
	if deps.Artifacts == nil || deps.Enqueuer == nil {
		return fmt.Errorf("pipeline: Artifacts and Enqueuer are required")
	}
	if deps.Chunker == nil {
		deps.Chunker = SplitParagraphs
	}
	if deps.Validate == nil {
		deps.Validate = validateJSONObject
	}
	if deps.Fetcher != nil {
		pool.Register(QueueIngest, NewIngestHandler(deps))
	}
	if deps.Interrogator != nil {
		pool.Register(QueueDerive, NewDeriveHandler(deps))
	}
	if deps.Embedder != nil {
		pool.Register(QueueVector, NewVectorHandler(deps))
	}
	return nil
}

func validateJSONObject(_ string, out json.RawMessage) error {
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		return fmt.Errorf("pipeline: output is not a JSON object: %w", err)
	}
	return nil
}
