package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit bounds the WAL file to 64 MiB.
const walJournalSizeLimit = 67108864

// SQLiteStore implements the Store interface using an embedded SQLite
// database with WAL mode. Entity snapshots, the pending-operations queue,
// background sync tags, and the response cache all live in one database
// so that a snapshot update and its queue entry commit in one transaction.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	entityStmts entityStatements
	opStmts     opStatements
	tagStmts    tagStatements
	cacheStmts  cacheStatements
}

type entityStatements struct {
	get, upsert, confirm, delete, list *sql.Stmt
}

type opStatements struct {
	insert, get, delete, listAll, listColl, listQueued          *sql.Stmt
	markInFlight, updatePayload, reschedule, fail, resetRetry    *sql.Stmt
	countPending, countPendingColl, countFailed, countFailedColl *sql.Stmt
}

type tagStatements struct {
	register, list, consume *sql.Stmt
}

type cacheStatements struct {
	get, put, prune *sql.Stmt
}

// NewSQLiteStore opens the database at dbPath, applies migrations, and
// prepares all repeated statements. Use ":memory:" for tests.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening durable store", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	if err := s.recoverInFlight(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("durable store ready", "path", dbPath)

	return s, nil
}

// recoverInFlight resets operations left in_flight by an earlier
// process back to pending, without charging an attempt. A row can only
// be in_flight while its owning process is mid-request, so any found at
// open time belong to a process that died.
func (s *SQLiteStore) recoverInFlight(ctx context.Context) error {
	result, err := s.db.ExecContext(ctx, sqlRecoverInFlight)
	if err != nil {
		return fmt.Errorf("recover in-flight operations: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("recover in-flight rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Warn("reclaimed interrupted operations", "count", n)
	}

	return nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// --- SQL query constants ---

// Entity queries.
const (
	sqlEntityColumns = `collection, entity_id, snapshot, version, dirty, deleted, updated_at`

	sqlGetEntity = `SELECT ` + sqlEntityColumns +
		` FROM entities WHERE collection = ? AND entity_id = ?`

	sqlUpsertEntity = `INSERT INTO entities (` + sqlEntityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, entity_id) DO UPDATE SET
			snapshot   = excluded.snapshot,
			version    = excluded.version,
			dirty      = excluded.dirty,
			deleted    = excluded.deleted,
			updated_at = excluded.updated_at`

	sqlConfirmEntity = `INSERT INTO entities (` + sqlEntityColumns + `)
		VALUES (?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT(collection, entity_id) DO UPDATE SET
			snapshot   = excluded.snapshot,
			version    = excluded.version,
			dirty      = 0,
			deleted    = 0,
			updated_at = excluded.updated_at`

	sqlDeleteEntity = `DELETE FROM entities WHERE collection = ? AND entity_id = ?`

	sqlListEntities = `SELECT ` + sqlEntityColumns +
		` FROM entities WHERE collection = ? AND deleted = 0 ORDER BY entity_id`
)

// Pending-operation queries.
const (
	sqlOpColumns = `seq, id, collection, entity_id, kind, payload, base_version,
		status, attempt_count, next_attempt_at, last_error, server_state, created_at`

	sqlInsertOp = `INSERT INTO pending_operations
		(id, collection, entity_id, kind, payload, base_version,
		 status, attempt_count, next_attempt_at, last_error, server_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, 0, '', '', ?)`

	sqlGetOp = `SELECT ` + sqlOpColumns +
		` FROM pending_operations WHERE id = ?`

	sqlDeleteOp = `DELETE FROM pending_operations WHERE id = ?`

	sqlListAllOps = `SELECT ` + sqlOpColumns +
		` FROM pending_operations ORDER BY seq`

	sqlListCollOps = `SELECT ` + sqlOpColumns +
		` FROM pending_operations WHERE collection = ? ORDER BY seq`

	sqlListQueuedOps = `SELECT ` + sqlOpColumns +
		` FROM pending_operations
		WHERE status = 'pending'
		ORDER BY seq`

	sqlRecoverInFlight = `UPDATE pending_operations
		SET status = 'pending' WHERE status = 'in_flight'`

	sqlMarkInFlight = `UPDATE pending_operations
		SET status = 'in_flight' WHERE id = ?`

	sqlUpdateOpPayload = `UPDATE pending_operations
		SET payload = ?, base_version = ? WHERE id = ?`

	sqlRescheduleOp = `UPDATE pending_operations
		SET status = 'pending', attempt_count = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`

	sqlFailOp = `UPDATE pending_operations
		SET status = 'failed', last_error = ?, server_state = ?
		WHERE id = ?`

	sqlResetRetryOp = `UPDATE pending_operations
		SET status = 'pending', attempt_count = 0, next_attempt_at = 0,
			last_error = '', server_state = ''
		WHERE id = ? AND status = 'failed'`

	sqlCountPending = `SELECT COUNT(*) FROM pending_operations
		WHERE status IN ('pending', 'in_flight')`

	sqlCountPendingColl = `SELECT COUNT(*) FROM pending_operations
		WHERE status IN ('pending', 'in_flight') AND collection = ?`

	sqlCountFailed = `SELECT COUNT(*) FROM pending_operations
		WHERE status = 'failed'`

	sqlCountFailedColl = `SELECT COUNT(*) FROM pending_operations
		WHERE status = 'failed' AND collection = ?`
)

// Sync tag queries.
const (
	sqlRegisterTag = `INSERT INTO sync_tags (tag, created_at) VALUES (?, ?)
		ON CONFLICT(tag) DO NOTHING`

	sqlListTags = `SELECT tag, created_at FROM sync_tags ORDER BY created_at`

	sqlConsumeTag = `DELETE FROM sync_tags WHERE tag = ?`
)

// Response cache queries.
const (
	sqlGetCached = `SELECT url, status_code, content_type, body, fetched_at
		FROM cached_responses WHERE url = ?`

	sqlPutCached = `INSERT INTO cached_responses
		(url, status_code, content_type, body, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			status_code  = excluded.status_code,
			content_type = excluded.content_type,
			body         = excluded.body,
			fetched_at   = excluded.fetched_at`

	sqlPruneCached = `DELETE FROM cached_responses WHERE fetched_at < ?`
)

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate. Used by the generic prepare helper to eliminate repetitive
// error handling.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

func (s *SQLiteStore) prepareAllStatements(ctx context.Context) error {
	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.entityStmts.get, sqlGetEntity, "getEntity"},
		{&s.entityStmts.upsert, sqlUpsertEntity, "upsertEntity"},
		{&s.entityStmts.confirm, sqlConfirmEntity, "confirmEntity"},
		{&s.entityStmts.delete, sqlDeleteEntity, "deleteEntity"},
		{&s.entityStmts.list, sqlListEntities, "listEntities"},
	}); err != nil {
		return err
	}

	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.opStmts.insert, sqlInsertOp, "insertOp"},
		{&s.opStmts.get, sqlGetOp, "getOp"},
		{&s.opStmts.delete, sqlDeleteOp, "deleteOp"},
		{&s.opStmts.listAll, sqlListAllOps, "listAllOps"},
		{&s.opStmts.listColl, sqlListCollOps, "listCollOps"},
		{&s.opStmts.listQueued, sqlListQueuedOps, "listQueuedOps"},
		{&s.opStmts.markInFlight, sqlMarkInFlight, "markInFlight"},
		{&s.opStmts.updatePayload, sqlUpdateOpPayload, "updateOpPayload"},
		{&s.opStmts.reschedule, sqlRescheduleOp, "rescheduleOp"},
		{&s.opStmts.fail, sqlFailOp, "failOp"},
		{&s.opStmts.resetRetry, sqlResetRetryOp, "resetRetryOp"},
		{&s.opStmts.countPending, sqlCountPending, "countPending"},
		{&s.opStmts.countPendingColl, sqlCountPendingColl, "countPendingColl"},
		{&s.opStmts.countFailed, sqlCountFailed, "countFailed"},
		{&s.opStmts.countFailedColl, sqlCountFailedColl, "countFailedColl"},
	}); err != nil {
		return err
	}

	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.tagStmts.register, sqlRegisterTag, "registerTag"},
		{&s.tagStmts.list, sqlListTags, "listTags"},
		{&s.tagStmts.consume, sqlConsumeTag, "consumeTag"},
	}); err != nil {
		return err
	}

	return prepareAll(ctx, s.db, []stmtDef{
		{&s.cacheStmts.get, sqlGetCached, "getCached"},
		{&s.cacheStmts.put, sqlPutCached, "putCached"},
		{&s.cacheStmts.prune, sqlPruneCached, "pruneCached"},
	})
}

// --- Scan helpers ---

// scanEntity scans a full entity row into an Entity struct.
func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	e := &Entity{}

	var snapshot string

	err := row.Scan(&e.Collection, &e.ID, &snapshot, &e.Version,
		&e.Dirty, &e.Deleted, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	e.Snapshot = json.RawMessage(snapshot)

	return e, nil
}

// scanOp scans a full pending-operation row into a PendingOperation.
func scanOp(row interface{ Scan(...any) error }) (*PendingOperation, error) {
	op := &PendingOperation{}

	var kind, status, payload, serverState string

	err := row.Scan(&op.Seq, &op.ID, &op.Collection, &op.EntityID,
		&kind, &payload, &op.BaseVersion, &status,
		&op.AttemptCount, &op.NextAttemptAt, &op.LastError,
		&serverState, &op.CreatedAt)
	if err != nil {
		return nil, err
	}

	op.Kind = OpKind(kind)
	op.Status = OpStatus(status)
	op.Payload = json.RawMessage(payload)

	if serverState != "" {
		op.ServerState = json.RawMessage(serverState)
	}

	return op, nil
}

// scanOpRows iterates over sql.Rows and collects PendingOperations.
func scanOpRows(rows *sql.Rows) ([]*PendingOperation, error) {
	var ops []*PendingOperation

	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}

		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation rows: %w", err)
	}

	return ops, nil
}

// --- Entity methods ---

// GetEntity retrieves a single entity snapshot. Returns (nil, nil) if no
// snapshot exists — callers use the nil entity to distinguish "never seen"
// from "known entity".
func (s *SQLiteStore) GetEntity(ctx context.Context, collection, id string) (*Entity, error) {
	collection, id = NormalizeKey(collection), NormalizeKey(id)

	e, err := scanEntity(s.entityStmts.get.QueryRowContext(ctx, collection, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get entity %s/%s: %w", collection, id, err)
	}

	return e, nil
}

// PutEntity inserts or overwrites the local snapshot for an entity.
func (s *SQLiteStore) PutEntity(ctx context.Context, e *Entity) error {
	s.logger.Debug("upserting entity", "collection", e.Collection, "id", e.ID)

	_, err := s.entityStmts.upsert.ExecContext(ctx,
		NormalizeKey(e.Collection), NormalizeKey(e.ID), string(e.Snapshot),
		e.Version, e.Dirty, e.Deleted, NowNano(),
	)
	if err != nil {
		return fmt.Errorf("put entity %s/%s: %w", e.Collection, e.ID, err)
	}

	return nil
}

// ConfirmEntity replaces the snapshot with the server's accepted
// representation, clearing the dirty and deleted flags. The server is the
// post-sync source of truth for fields it computes.
func (s *SQLiteStore) ConfirmEntity(ctx context.Context, collection, id string, snapshot json.RawMessage, version string) error {
	collection, id = NormalizeKey(collection), NormalizeKey(id)
	s.logger.Debug("confirming entity", "collection", collection, "id", id, "version", version)

	_, err := s.entityStmts.confirm.ExecContext(ctx,
		collection, id, string(snapshot), version, NowNano())
	if err != nil {
		return fmt.Errorf("confirm entity %s/%s: %w", collection, id, err)
	}

	return nil
}

// DeleteEntity physically removes an entity snapshot, used after a delete
// operation is acknowledged by the server.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, collection, id string) error {
	collection, id = NormalizeKey(collection), NormalizeKey(id)
	s.logger.Debug("deleting entity", "collection", collection, "id", id)

	_, err := s.entityStmts.delete.ExecContext(ctx, collection, id)
	if err != nil {
		return fmt.Errorf("delete entity %s/%s: %w", collection, id, err)
	}

	return nil
}

// ListEntities returns all non-deleted entities in a collection.
func (s *SQLiteStore) ListEntities(ctx context.Context, collection string) ([]*Entity, error) {
	rows, err := s.entityStmts.list.QueryContext(ctx, NormalizeKey(collection))
	if err != nil {
		return nil, fmt.Errorf("list entities %s: %w", collection, err)
	}
	defer rows.Close()

	var entities []*Entity

	for rows.Next() {
		e, scanErr := scanEntity(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan entity row: %w", scanErr)
		}

		entities = append(entities, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity rows: %w", err)
	}

	return entities, nil
}

// --- Queue methods ---

// Enqueue appends an operation to the pending queue and applies it
// optimistically to the entity snapshot in the same transaction: either
// both the snapshot and the queue entry persist, or neither does. The
// operation's BaseVersion is stamped from the current snapshot inside the
// transaction so it never reflects a version from a different turn.
func (s *SQLiteStore) Enqueue(ctx context.Context, op *PendingOperation) error {
	op.Collection = NormalizeKey(op.Collection)
	op.EntityID = NormalizeKey(op.EntityID)

	s.logger.Debug("enqueueing operation",
		"id", op.ID, "collection", op.Collection,
		"entity_id", op.EntityID, "kind", op.Kind)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue tx: %w", err)
	}

	if err := s.enqueueInTx(ctx, tx, op); err != nil {
		rollbackErr := tx.Rollback()
		return fmt.Errorf("enqueue %s: %w (rollback: %v)", op.ID, err, rollbackErr)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue %s: %w", op.ID, err)
	}

	return nil
}

// enqueueInTx performs the optimistic snapshot apply and queue insert.
func (s *SQLiteStore) enqueueInTx(ctx context.Context, tx *sql.Tx, op *PendingOperation) error {
	current, err := scanEntity(tx.StmtContext(ctx, s.entityStmts.get).
		QueryRowContext(ctx, op.Collection, op.EntityID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read snapshot: %w", err)
	}

	if errors.Is(err, sql.ErrNoRows) {
		current = nil
	}

	next, err := applyOptimistic(current, op)
	if err != nil {
		return err
	}

	if current != nil {
		op.BaseVersion = current.Version
	}

	if _, err := tx.StmtContext(ctx, s.entityStmts.upsert).ExecContext(ctx,
		op.Collection, op.EntityID, string(next.Snapshot),
		next.Version, next.Dirty, next.Deleted, NowNano(),
	); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}

	if _, err := tx.StmtContext(ctx, s.opStmts.insert).ExecContext(ctx,
		op.ID, op.Collection, op.EntityID, string(op.Kind),
		string(op.Payload), op.BaseVersion, op.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}

	return nil
}

// applyOptimistic computes the next snapshot state for an enqueued
// operation: creates adopt the payload, updates shallow-merge it into the
// existing snapshot, deletes mark the snapshot deleted but keep its data
// until the server acknowledges.
func applyOptimistic(current *Entity, op *PendingOperation) (*Entity, error) {
	next := &Entity{
		Collection: op.Collection,
		ID:         op.EntityID,
		Dirty:      true,
	}

	if current != nil {
		next.Snapshot = current.Snapshot
		next.Version = current.Version
	}

	switch op.Kind {
	case OpCreate:
		next.Snapshot = op.Payload
	case OpUpdate:
		merged, err := MergeObjects(next.Snapshot, op.Payload)
		if err != nil {
			return nil, fmt.Errorf("merge update payload: %w", err)
		}

		next.Snapshot = merged
	case OpDelete:
		next.Deleted = true

		if next.Snapshot == nil {
			next.Snapshot = json.RawMessage("{}")
		}
	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}

	return next, nil
}

// Dequeue removes a completed operation from the queue. Removing an
// operation that is already gone is a no-op, so completion paths that race
// remain idempotent.
func (s *SQLiteStore) Dequeue(ctx context.Context, opID string) error {
	s.logger.Debug("dequeueing operation", "id", opID)

	_, err := s.opStmts.delete.ExecContext(ctx, opID)
	if err != nil {
		return fmt.Errorf("dequeue %s: %w", opID, err)
	}

	return nil
}

// GetOperation retrieves a single pending operation by ID.
// Returns (nil, nil) if the operation does not exist.
func (s *SQLiteStore) GetOperation(ctx context.Context, opID string) (*PendingOperation, error) {
	op, err := scanOp(s.opStmts.get.QueryRowContext(ctx, opID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", opID, err)
	}

	return op, nil
}

// ListPending returns all queued operations in creation order. An empty
// collection selects every collection.
func (s *SQLiteStore) ListPending(ctx context.Context, collection string) ([]*PendingOperation, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if collection == "" {
		rows, err = s.opStmts.listAll.QueryContext(ctx)
	} else {
		rows, err = s.opStmts.listColl.QueryContext(ctx, NormalizeKey(collection))
	}

	if err != nil {
		return nil, fmt.Errorf("list pending %q: %w", collection, err)
	}
	defer rows.Close()

	return scanOpRows(rows)
}

// ListQueued returns every operation still awaiting delivery, including
// those scheduled for a future retry, in creation order. Failed and
// in-flight operations are excluded.
func (s *SQLiteStore) ListQueued(ctx context.Context) ([]*PendingOperation, error) {
	rows, err := s.opStmts.listQueued.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queued operations: %w", err)
	}
	defer rows.Close()

	return scanOpRows(rows)
}

// MarkInFlight transitions an operation to in_flight for the duration of
// a network attempt.
func (s *SQLiteStore) MarkInFlight(ctx context.Context, opID string) error {
	_, err := s.opStmts.markInFlight.ExecContext(ctx, opID)
	if err != nil {
		return fmt.Errorf("mark in flight %s: %w", opID, err)
	}

	return nil
}

// UpdatePayload rewrites an operation's payload and base version, used
// after a merge resolution so retries carry the merged body.
func (s *SQLiteStore) UpdatePayload(ctx context.Context, opID string, payload json.RawMessage, baseVersion string) error {
	s.logger.Debug("updating operation payload", "id", opID, "base_version", baseVersion)

	_, err := s.opStmts.updatePayload.ExecContext(ctx, string(payload), baseVersion, opID)
	if err != nil {
		return fmt.Errorf("update payload %s: %w", opID, err)
	}

	return nil
}

// Reschedule returns an operation to pending with an updated attempt count
// and a scheduled retry time.
func (s *SQLiteStore) Reschedule(ctx context.Context, opID string, attemptCount int, nextAttemptAt int64, lastError string) error {
	s.logger.Debug("rescheduling operation",
		"id", opID, "attempt", attemptCount, "next_attempt_at", nextAttemptAt)

	_, err := s.opStmts.reschedule.ExecContext(ctx, attemptCount, nextAttemptAt, lastError, opID)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", opID, err)
	}

	return nil
}

// Fail transitions an operation to the failed terminal state. serverState
// carries the server's current entity representation for manual-review
// conflicts; pass nil otherwise.
func (s *SQLiteStore) Fail(ctx context.Context, opID, lastError string, serverState json.RawMessage) error {
	s.logger.Info("failing operation", "id", opID, "error", lastError)

	state := ""
	if serverState != nil {
		state = string(serverState)
	}

	_, err := s.opStmts.fail.ExecContext(ctx, lastError, state, opID)
	if err != nil {
		return fmt.Errorf("fail %s: %w", opID, err)
	}

	return nil
}

// ResetForRetry returns a failed operation to pending with zeroed attempt
// metadata. Only failed operations are affected.
func (s *SQLiteStore) ResetForRetry(ctx context.Context, opID string) error {
	s.logger.Info("resetting operation for retry", "id", opID)

	_, err := s.opStmts.resetRetry.ExecContext(ctx, opID)
	if err != nil {
		return fmt.Errorf("reset for retry %s: %w", opID, err)
	}

	return nil
}

// CountPending returns the number of not-yet-terminal operations. An empty
// collection counts across all collections.
func (s *SQLiteStore) CountPending(ctx context.Context, collection string) (int, error) {
	return s.countOps(ctx, s.opStmts.countPending, s.opStmts.countPendingColl, collection)
}

// CountFailed returns the number of operations parked in the failed state.
func (s *SQLiteStore) CountFailed(ctx context.Context, collection string) (int, error) {
	return s.countOps(ctx, s.opStmts.countFailed, s.opStmts.countFailedColl, collection)
}

func (s *SQLiteStore) countOps(ctx context.Context, all, perColl *sql.Stmt, collection string) (int, error) {
	var (
		count int
		err   error
	)

	if collection == "" {
		err = all.QueryRowContext(ctx).Scan(&count)
	} else {
		err = perColl.QueryRowContext(ctx, NormalizeKey(collection)).Scan(&count)
	}

	if err != nil {
		return 0, fmt.Errorf("count operations %q: %w", collection, err)
	}

	return count, nil
}

// --- Sync tag methods ---

// RegisterTag records a background-sync registration. Registering an
// existing tag is a no-op, so duplicate registrations never duplicate work.
func (s *SQLiteStore) RegisterTag(ctx context.Context, tag string) error {
	s.logger.Debug("registering sync tag", "tag", tag)

	_, err := s.tagStmts.register.ExecContext(ctx, tag, NowNano())
	if err != nil {
		return fmt.Errorf("register tag %q: %w", tag, err)
	}

	return nil
}

// ListTags returns all registered sync tags in registration order.
func (s *SQLiteStore) ListTags(ctx context.Context) ([]*SyncTag, error) {
	rows, err := s.tagStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []*SyncTag

	for rows.Next() {
		t := &SyncTag{}
		if err := rows.Scan(&t.Tag, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag row: %w", err)
		}

		tags = append(tags, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tag rows: %w", err)
	}

	return tags, nil
}

// ConsumeTag removes a fired sync tag. Consuming an absent tag is a no-op.
func (s *SQLiteStore) ConsumeTag(ctx context.Context, tag string) error {
	s.logger.Debug("consuming sync tag", "tag", tag)

	_, err := s.tagStmts.consume.ExecContext(ctx, tag)
	if err != nil {
		return fmt.Errorf("consume tag %q: %w", tag, err)
	}

	return nil
}

// --- Response cache methods ---

// GetCachedResponse returns the cached response for a URL.
// Returns (nil, nil) on a cache miss.
func (s *SQLiteStore) GetCachedResponse(ctx context.Context, url string) (*CachedResponse, error) {
	r := &CachedResponse{}

	err := s.cacheStmts.get.QueryRowContext(ctx, url).Scan(
		&r.URL, &r.StatusCode, &r.ContentType, &r.Body, &r.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil response means cache miss, matching GetEntity
	}

	if err != nil {
		return nil, fmt.Errorf("get cached response %q: %w", url, err)
	}

	return r, nil
}

// PutCachedResponse stores or refreshes a cached response.
func (s *SQLiteStore) PutCachedResponse(ctx context.Context, r *CachedResponse) error {
	_, err := s.cacheStmts.put.ExecContext(ctx,
		r.URL, r.StatusCode, r.ContentType, r.Body, r.FetchedAt)
	if err != nil {
		return fmt.Errorf("put cached response %q: %w", r.URL, err)
	}

	return nil
}

// PruneCachedResponses removes cache entries fetched before the cutoff.
// Returns the number of rows deleted.
func (s *SQLiteStore) PruneCachedResponses(ctx context.Context, olderThan int64) (int64, error) {
	result, err := s.cacheStmts.prune.ExecContext(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune cached responses: %w", err)
	}

	affected, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		s.logger.Warn("could not read rows affected", "error", rowsErr)
	}

	return affected, nil
}

// --- Maintenance methods ---

// ClearAll erases all collections, the queue, sync tags, and the response
// cache. Used for logout/data-reset flows.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	s.logger.Info("clearing all durable state")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear tx: %w", err)
	}

	for _, table := range []string{"entities", "pending_operations", "sync_tags", "cached_responses"} {
		if _, execErr := tx.ExecContext(ctx, "DELETE FROM "+table); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("clear %s: %w (rollback: %v)", table, execErr, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing durable store")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// closeStatements closes all prepared statements, collecting errors.
func (s *SQLiteStore) closeStatements() error {
	stmts := []*sql.Stmt{
		s.entityStmts.get, s.entityStmts.upsert, s.entityStmts.confirm,
		s.entityStmts.delete, s.entityStmts.list,
		s.opStmts.insert, s.opStmts.get, s.opStmts.delete,
		s.opStmts.listAll, s.opStmts.listColl, s.opStmts.listQueued,
		s.opStmts.markInFlight, s.opStmts.updatePayload,
		s.opStmts.reschedule, s.opStmts.fail,
		s.opStmts.resetRetry, s.opStmts.countPending, s.opStmts.countPendingColl,
		s.opStmts.countFailed, s.opStmts.countFailedColl,
		s.tagStmts.register, s.tagStmts.list, s.tagStmts.consume,
		s.cacheStmts.get, s.cacheStmts.put, s.cacheStmts.prune,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
