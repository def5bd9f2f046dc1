package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func startStub(t *testing.T, handler http.HandlerFunc) BaseURLFunc {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return func() string { return srv.URL }
}

func TestQueueEnqueue_PrintsItem(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	baseURL := startStub(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"item":    map[string]any{"id": "00ff", "status": "pending"},
			"deduped": false,
		})
	})

	cmd := newQueueEnqueueCommand(baseURL)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--name", "ingest", "--data", `{"uri":"https://w/p1"}`, "--dedupe-key", "fetch-p1"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotPath != "/v1/queues/ingest/items" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotBody["dedupe_key"] != "fetch-p1" {
		t.Fatalf("body = %v", gotBody)
	}
	if payload, ok := gotBody["payload"].(map[string]any); !ok || payload["uri"] != "https://w/p1" {
		t.Fatalf("payload should pass through as JSON, got %v", gotBody["payload"])
	}
	if !strings.Contains(buf.String(), `"status": "pending"`) {
		t.Fatalf("expected item in output, got: %s", buf.String())
	}
}

func TestQueueEnqueue_QuotesPlainText(t *testing.T) {
	var gotBody map[string]any
	baseURL := startStub(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	})

	cmd := newQueueEnqueueCommand(baseURL)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--name", "ingest", "--data", "not json at all"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotBody["payload"] != "not json at all" {
		t.Fatalf("plain text should be quoted, got %v", gotBody["payload"])
	}
}

func TestQueueClaim_NoContent(t *testing.T) {
	baseURL := startStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	cmd := newQueueClaimCommand(baseURL)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--name", "ingest", "--worker-id", "w1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(buf.String(), "no ready work") {
		t.Fatalf("expected no-work message, got: %s", buf.String())
	}
}

func TestDeadRequeue_SurfacesConflict(t *testing.T) {
	baseURL := startStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"dedupe key already bound to a live item"}`))
	})

	cmd := newDeadRequeueCommand(baseURL)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--name", "ingest", "--id", "00ff"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "dedupe key") {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestDecodedPayload(t *testing.T) {
	if out := decodedPayload([]byte(`{"a":1}`)); out["payload_json"] == nil {
		t.Fatalf("json payload: %v", out)
	}
	if out := decodedPayload([]byte("hello")); out["payload_text"] != "hello" {
		t.Fatalf("text payload: %v", out)
	}
	if out := decodedPayload([]byte{0xff, 0xfe}); out["payload_b64"] == nil {
		t.Fatalf("binary payload: %v", out)
	}
}
