package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/fieldwork-tools/fieldsync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOp(kind store.OpKind, baseVersion string) *store.PendingOperation {
	return &store.PendingOperation{
		ID:          "op-1",
		Collection:  "beneficiaries",
		EntityID:    "b-123",
		Kind:        kind,
		Payload:     json.RawMessage(`{"status":"active"}`),
		BaseVersion: baseVersion,
		CreatedAt:   store.NowNano(),
	}
}

func TestSend_CreatePostsPayload(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("ETag", "v2")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"b-123","status":"active","createdAt":"2026-08-30"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), StaticTokenSource("tok-abc"), testLogger())

	result, err := c.Send(context.Background(), srv.URL+"/api/beneficiaries", testOp(store.OpCreate, ""), false)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotMethod != http.MethodPost || gotPath != "/api/beneficiaries" {
		t.Errorf("expected POST /api/beneficiaries, got %s %s", gotMethod, gotPath)
	}

	if gotAuth != "Bearer tok-abc" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}

	if result.Version != "v2" {
		t.Errorf("expected version v2, got %q", result.Version)
	}

	if result.Entity == nil {
		t.Error("expected server entity representation in result")
	}
}

func TestSend_UpdateSendsIfMatch(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath, gotIfMatch string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotIfMatch = r.Header.Get("If-Match")

		w.Write([]byte(`{"id":"b-123"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, testLogger())

	if _, err := c.Send(context.Background(), srv.URL+"/api/beneficiaries", testOp(store.OpUpdate, "v1"), false); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotMethod != http.MethodPut || gotPath != "/api/beneficiaries/b-123" {
		t.Errorf("expected PUT /api/beneficiaries/b-123, got %s %s", gotMethod, gotPath)
	}

	if gotIfMatch != "v1" {
		t.Errorf("expected If-Match v1, got %q", gotIfMatch)
	}
}

func TestSend_ForceDropsIfMatch(t *testing.T) {
	t.Parallel()

	var gotIfMatch string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfMatch = r.Header.Get("If-Match")
		w.Write([]byte(`{"id":"b-123"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, testLogger())

	if _, err := c.Send(context.Background(), srv.URL+"/api/beneficiaries", testOp(store.OpUpdate, "v1"), true); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotIfMatch != "" {
		t.Errorf("expected no If-Match on forced write, got %q", gotIfMatch)
	}
}

func TestSend_DeleteNoContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, testLogger())

	result, err := c.Send(context.Background(), srv.URL+"/api/beneficiaries", testOp(store.OpDelete, "v1"), false)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if result.Entity != nil {
		t.Error("expected nil entity for acknowledged delete")
	}
}

func TestSend_ConflictCarriesServerState(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("ETag", "v9")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"id":"b-123","status":"archived"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, testLogger())

	_, err := c.Send(context.Background(), srv.URL+"/api/beneficiaries", testOp(store.OpUpdate, "v1"), false)

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	if conflict.ServerVersion != "v9" {
		t.Errorf("expected server version v9, got %q", conflict.ServerVersion)
	}

	var state map[string]any
	if err := json.Unmarshal(conflict.ServerState, &state); err != nil {
		t.Fatalf("unmarshal server state: %v", err)
	}

	if state["status"] != "archived" {
		t.Errorf("unexpected server state: %v", state)
	}

	if IsRetryable(err) {
		t.Error("conflicts must route to the resolver, not blind retry")
	}
}

func TestSend_ValidationErrorNotRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"name is required"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, testLogger())

	_, err := c.Send(context.Background(), srv.URL+"/api/beneficiaries", testOp(store.OpCreate, ""), false)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	if IsRetryable(err) {
		t.Error("validation failures must not be retried")
	}
}

func TestSend_ServerErrorRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, testLogger())

	_, err := c.Send(context.Background(), srv.URL+"/api/beneficiaries", testOp(store.OpCreate, ""), false)
	if !errors.Is(err, ErrServer) {
		t.Fatalf("expected ErrServer, got %v", err)
	}

	if !IsRetryable(err) {
		t.Error("server errors must be retryable")
	}
}

func TestSend_NetworkErrorRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // unreachable endpoint

	c := NewClient(nil, nil, testLogger())

	_, err := c.Send(context.Background(), srv.URL+"/api/beneficiaries", testOp(store.OpCreate, ""), false)
	if err == nil {
		t.Fatal("expected transport error against closed server")
	}

	if !IsRetryable(err) {
		t.Error("network errors must be retryable")
	}
}

func TestSend_ThrottledCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, testLogger())

	_, err := c.Send(context.Background(), srv.URL+"/api/beneficiaries", testOp(store.OpCreate, ""), false)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}

	if apiErr.RetryAfterSeconds != 17 {
		t.Errorf("expected Retry-After 17, got %d", apiErr.RetryAfterSeconds)
	}

	if !IsRetryable(err) {
		t.Error("throttled responses must be retryable")
	}
}

func TestFetch_ReturnsCacheableResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"b-1"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil, testLogger())

	resp, err := c.Fetch(context.Background(), srv.URL+"/api/beneficiaries")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if resp.StatusCode != http.StatusOK || resp.ContentType != "application/json" {
		t.Errorf("unexpected response metadata: %+v", resp)
	}

	if string(resp.Body) != `[{"id":"b-1"}]` {
		t.Errorf("unexpected body: %s", resp.Body)
	}

	if resp.FetchedAt == 0 {
		t.Error("expected FetchedAt to be stamped")
	}
}
