package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quarrylabs/quarry/internal/artifact"
	"github.com/quarrylabs/quarry/internal/query"
	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/registry"
	"github.com/quarrylabs/quarry/internal/runledger"
	"github.com/quarrylabs/quarry/pkg/id"
)

// maxBodyBytes bounds request bodies; payloads are additionally checked
// against the queue's own limit.
const maxBodyBytes = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeEngineError maps engine errors onto status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, artifact.ErrNotFound),
		errors.Is(err, runledger.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, queue.ErrInvalidState), errors.Is(err, queue.ErrStaleRun),
		errors.Is(err, queue.ErrDedupeConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, queue.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (id.ID, bool) {
	parsed, err := id.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return id.Zero, false
	}
	return parsed, true
}

func queryInt(r *http.Request, name string, def int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}

func (s *Server) handleListQueues(w http.ResponseWriter, _ *http.Request) {
	metas, err := s.rt.Registry().List()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": metas})
}

func (s *Server) handleEnsureQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	meta, err := s.rt.EnsureQueue(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// An optional body updates tuning.
	var overrides registry.Meta
	if r.ContentLength > 0 {
		if !decodeBody(w, r, &overrides) {
			return
		}
		overrides.Name = name
		if err := s.rt.Registry().Update(overrides, s.rt.Clock().Now().UnixMilli()); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		meta, _, err = s.rt.Registry().Get(name)
		if err != nil {
			writeEngineError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.rt.Store().Stats(r.Context(), chi.URLParam(r, "queue"), 0)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type enqueueBody struct {
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int32           `json:"priority,omitempty"`
	MaxAttempts int32           `json:"max_attempts,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	DelayMs     int64           `json:"delay_ms,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueBody
	if !decodeBody(w, r, &body) {
		return
	}
	item, deduped, err := s.rt.Store().Enqueue(r.Context(), queue.EnqueueRequest{
		Queue:       chi.URLParam(r, "queue"),
		Payload:     body.Payload,
		Priority:    body.Priority,
		MaxAttempts: body.MaxAttempts,
		DedupeKey:   body.DedupeKey,
		Delay:       time.Duration(body.DelayMs) * time.Millisecond,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	status := http.StatusCreated
	if deduped {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"item": item, "deduped": deduped})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r)
	if !ok {
		return
	}
	item, err := s.rt.Store().Get(r.Context(), chi.URLParam(r, "queue"), itemID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleItemRuns(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r)
	if !ok {
		return
	}
	runs, err := s.rt.Ledger().RunsForItem(chi.URLParam(r, "queue"), itemID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type claimBody struct {
	WorkerID string `json:"worker_id"`
	LeaseMs  int64  `json:"lease_ms,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body claimBody
	if !decodeBody(w, r, &body) {
		return
	}
	item, run, err := s.rt.Store().Claim(r.Context(), queue.ClaimRequest{
		Queue:         chi.URLParam(r, "queue"),
		WorkerID:      body.WorkerID,
		LeaseDuration: time.Duration(body.LeaseMs) * time.Millisecond,
	})
	if errors.Is(err, queue.ErrNoWork) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		if body.WorkerID == "" {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item, "run": run})
}

type completeBody struct {
	RunID   id.ID           `json:"run_id"`
	Error   string          `json:"error,omitempty"`
	Metrics json.RawMessage `json:"metrics,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r)
	if !ok {
		return
	}
	var body completeBody
	if !decodeBody(w, r, &body) {
		return
	}
	item, err := s.rt.Store().Complete(r.Context(), queue.CompleteRequest{
		Queue:   chi.URLParam(r, "queue"),
		ItemID:  itemID,
		RunID:   body.RunID,
		Error:   body.Error,
		Metrics: body.Metrics,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleListDead(w http.ResponseWriter, r *http.Request) {
	filter, err := query.NewItemFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	items, err := s.rt.Store().ListDead(r.Context(), chi.URLParam(r, "queue"), queryInt(r, "limit", 100))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	nowMs := s.rt.Clock().Now().UnixMilli()
	filtered := items[:0]
	for _, item := range items {
		if filter.Match(item, nowMs) {
			filtered = append(filtered, item)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": filtered})
}

func (s *Server) handleRequeueDead(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r)
	if !ok {
		return
	}
	item, err := s.rt.Store().RequeueDead(r.Context(), chi.URLParam(r, "queue"), itemID, 0)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	filter, err := query.NewRunFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	runs, err := s.rt.Ledger().RecentFailures(chi.URLParam(r, "queue"), queryInt(r, "limit", 50))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	filtered := runs[:0]
	for _, run := range runs {
		if filter.Match(run) {
			filtered = append(filtered, run)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": filtered})
}

func (s *Server) handleAverages(w http.ResponseWriter, r *http.Request) {
	avg, err := s.rt.Ledger().QueueAverages(chi.URLParam(r, "queue"), queryInt(r, "sample", 200))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avg)
}

func (s *Server) handlePutArtifact(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	content, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ref, err := s.rt.Artifacts().Put(r.Context(), chi.URLParam(r, "key"), content)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if r.URL.Query().Get("meta") == "1" {
		ref, err := s.rt.Artifacts().Stat(r.Context(), key)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ref)
		return
	}
	content, _, err := s.rt.Artifacts().Get(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleHeadArtifact(w http.ResponseWriter, r *http.Request) {
	ok, err := s.rt.Artifacts().Exists(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleArtifactStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.rt.Artifacts().Stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
