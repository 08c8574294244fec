// Package store implements the durable on-device store for fieldsync:
// entity snapshots, the pending-operations log, background sync tags,
// and the read-path response cache. All state is persisted in a single
// SQLite database so that a process restart never loses unsynced work.
package store

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/text/unicode/norm"
)

// OpKind is the mutation type of a queued operation.
type OpKind string

// Operation kinds as stored in the pending_operations kind column.
const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// OpStatus is the queue state of a pending operation.
type OpStatus string

// Operation statuses as stored in the pending_operations status column.
// Succeeded operations are removed from the table rather than marked.
const (
	StatusPending  OpStatus = "pending"
	StatusInFlight OpStatus = "in_flight"
	StatusFailed   OpStatus = "failed"
)

// Entity is the authoritative local snapshot of a domain record
// (beneficiary, evaluation, document, calendar event) within a named
// collection. Dirty marks an optimistic snapshot that has not yet been
// confirmed by the server; Deleted marks a locally-queued delete.
type Entity struct {
	Collection string
	ID         string
	Snapshot   json.RawMessage // JSON object
	Version    string          // server version marker, empty for local-only entities
	Dirty      bool
	Deleted    bool
	UpdatedAt  int64 // Unix nanoseconds
}

// PendingOperation is one not-yet-acknowledged mutation in the queue.
// Seq is the SQLite rowid and provides the per-entity FIFO order.
type PendingOperation struct {
	Seq           int64
	ID            string
	Collection    string
	EntityID      string
	Kind          OpKind
	Payload       json.RawMessage
	BaseVersion   string // entity version the payload was written against
	Status        OpStatus
	AttemptCount  int
	NextAttemptAt int64 // Unix nanoseconds; 0 means eligible immediately
	LastError     string
	ServerState   json.RawMessage // populated when a manual-review conflict parks the op
	CreatedAt     int64           // Unix nanoseconds
}

// SyncTag is a persisted background-sync registration. Registering the
// same tag twice before it fires is a no-op.
type SyncTag struct {
	Tag       string
	CreatedAt int64
}

// CachedResponse is a read-path cache entry keyed by request URL.
type CachedResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   int64 // Unix nanoseconds
}

// Store is the durable persistence interface consumed by the sync engine,
// the background trigger, and the cache layer. Implemented by SQLiteStore.
type Store interface {
	// Entities.
	GetEntity(ctx context.Context, collection, id string) (*Entity, error)
	PutEntity(ctx context.Context, entity *Entity) error
	ConfirmEntity(ctx context.Context, collection, id string, snapshot json.RawMessage, version string) error
	DeleteEntity(ctx context.Context, collection, id string) error
	ListEntities(ctx context.Context, collection string) ([]*Entity, error)

	// Pending-operation queue.
	Enqueue(ctx context.Context, op *PendingOperation) error
	Dequeue(ctx context.Context, opID string) error
	GetOperation(ctx context.Context, opID string) (*PendingOperation, error)
	ListPending(ctx context.Context, collection string) ([]*PendingOperation, error)
	ListQueued(ctx context.Context) ([]*PendingOperation, error)
	MarkInFlight(ctx context.Context, opID string) error
	UpdatePayload(ctx context.Context, opID string, payload json.RawMessage, baseVersion string) error
	Reschedule(ctx context.Context, opID string, attemptCount int, nextAttemptAt int64, lastError string) error
	Fail(ctx context.Context, opID, lastError string, serverState json.RawMessage) error
	ResetForRetry(ctx context.Context, opID string) error
	CountPending(ctx context.Context, collection string) (int, error)
	CountFailed(ctx context.Context, collection string) (int, error)

	// Background sync tags.
	RegisterTag(ctx context.Context, tag string) error
	ListTags(ctx context.Context) ([]*SyncTag, error)
	ConsumeTag(ctx context.Context, tag string) error

	// Read-path response cache.
	GetCachedResponse(ctx context.Context, url string) (*CachedResponse, error)
	PutCachedResponse(ctx context.Context, resp *CachedResponse) error
	PruneCachedResponses(ctx context.Context, olderThan int64) (int64, error)

	ClearAll(ctx context.Context) error
	Close() error
}

// NowNano returns the current time as Unix nanoseconds, the timestamp
// representation used throughout the database.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// NormalizeKey canonicalizes a collection or entity identifier to NFC so
// that keys submitted from different input sources compare equal.
func NormalizeKey(s string) string {
	return norm.NFC.String(s)
}
