// Package testutil provides a fake sync backend for end-to-end tests.
// It depends only on stdlib and httptest so any package can use it.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type entityRecord struct {
	body    []byte
	version int
}

// RecordedRequest captures one request for assertions.
type RecordedRequest struct {
	Method  string
	Path    string
	IfMatch string
	Body    string
}

// FakeBackend simulates a versioned collection API: POST creates, PUT
// and DELETE enforce If-Match against the entity's current version and
// answer 409 with the server state on mismatch. A request without
// If-Match always wins.
type FakeBackend struct {
	mu       sync.Mutex
	entities map[string]*entityRecord
	requests []RecordedRequest

	srv *httptest.Server
}

// NewFakeBackend starts the server under /v1 with a healthz endpoint
// and one route per collection. Closed automatically at test end.
func NewFakeBackend(t *testing.T, collections ...string) *FakeBackend {
	t.Helper()

	b := &FakeBackend{entities: make(map[string]*entityRecord)}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, col := range collections {
		mux.HandleFunc("/v1/"+col, b.handleCollection(col))
		mux.HandleFunc("/v1/"+col+"/", b.handleEntity(col))
	}

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)

	return b
}

// BaseURL returns the API root (including /v1).
func (b *FakeBackend) BaseURL() string {
	return b.srv.URL + "/v1"
}

// Seed stores an entity at the given version, as if another client had
// written it.
func (b *FakeBackend) Seed(collection, id, body string, version int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entities[collection+"/"+id] = &entityRecord{body: []byte(body), version: version}
}

// Entity returns the stored body and version, or ok=false.
func (b *FakeBackend) Entity(collection, id string) (string, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.entities[collection+"/"+id]
	if !ok {
		return "", 0, false
	}

	return string(rec.body), rec.version, true
}

// Requests returns a copy of all recorded requests.
func (b *FakeBackend) Requests() []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]RecordedRequest, len(b.requests))
	copy(out, b.requests)

	return out
}

func (b *FakeBackend) record(r *http.Request, body []byte) {
	b.requests = append(b.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		IfMatch: r.Header.Get("If-Match"),
		Body:    string(body),
	})
}

func versionTag(v int) string {
	return fmt.Sprintf("v%d", v)
}

func (b *FakeBackend) handleCollection(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		b.mu.Lock()
		defer b.mu.Unlock()

		b.record(r, body)

		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)

			return
		}

		// Creates key off the id field when present; the test seeds ids
		// explicitly so a naive extraction suffices.
		id := extractID(string(body))
		rec := &entityRecord{body: body, version: 1}

		if id != "" {
			b.entities[collection+"/"+id] = rec
		}

		w.Header().Set("ETag", versionTag(rec.version))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}
}

func (b *FakeBackend) handleEntity(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		b.mu.Lock()
		defer b.mu.Unlock()

		b.record(r, body)

		id := strings.TrimPrefix(r.URL.Path, "/v1/"+collection+"/")
		key := collection + "/" + id

		rec, exists := b.entities[key]
		if !exists {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		// An If-Match that does not name the current version conflicts;
		// the response carries the server's state for resolution.
		ifMatch := r.Header.Get("If-Match")
		if ifMatch != "" && ifMatch != versionTag(rec.version) {
			w.Header().Set("ETag", versionTag(rec.version))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write(rec.body)

			return
		}

		switch r.Method {
		case http.MethodPut:
			rec.body = body
			rec.version++

			w.Header().Set("ETag", versionTag(rec.version))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
		case http.MethodDelete:
			delete(b.entities, key)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

// extractID pulls the id field out of a flat JSON object without a full
// decode dependency chain.
func extractID(body string) string {
	const marker = `"id":"`

	i := strings.Index(body, marker)
	if i < 0 {
		return ""
	}

	rest := body[i+len(marker):]

	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}

	return rest[:j]
}
