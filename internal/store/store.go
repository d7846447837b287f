// Package store implements the metadata store: a dedicated embedded
// relational database, separate from the primary store, holding the
// change log, sync-session history, and conflict log. It also implements
// the change tracker operations that append to the change log.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/digitmide/stabsync/pkg/syncerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS change_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	changed_at TEXT NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0,
	sync_id TEXT,
	data_hash TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_change_log_synced ON change_log (synced);
CREATE INDEX IF NOT EXISTS idx_change_log_table_record ON change_log (table_name, record_id);

CREATE TABLE IF NOT EXISTS sync_session (
	sync_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	status TEXT NOT NULL,
	direction TEXT NOT NULL,
	records_sent INTEGER NOT NULL DEFAULT 0,
	records_received INTEGER NOT NULL DEFAULT 0,
	conflicts INTEGER NOT NULL DEFAULT 0,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_session_status ON sync_session (status);

CREATE TABLE IF NOT EXISTS conflict_record (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sync_id TEXT NOT NULL,
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	local_data TEXT,
	remote_data TEXT,
	resolution TEXT NOT NULL,
	resolved_at TEXT NOT NULL,
	resolved_by TEXT NOT NULL
);
`

// Operation is the kind of mutation a ChangeEntry records.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ChangeEntry is one row per local mutation to the primary store,
// per SPEC_FULL.md §3. Payload is inlined per the resolved Open Question
// so push can serialise it without a second read.
type ChangeEntry struct {
	Seq       int64
	TableName string
	RecordID  string
	Operation Operation
	ChangedAt time.Time
	Synced    bool
	SyncID    string
	DataHash  string
	Payload   map[string]interface{}
}

// SyncSession is one row per reconciliation attempt.
type SyncSession struct {
	SyncID           string
	StartedAt        time.Time
	CompletedAt      sql.NullTime
	Status           string
	Direction        string
	RecordsSent      int
	RecordsReceived  int
	Conflicts        int
	Error            string
}

// ConflictRecord is one row per detected conflict.
type ConflictRecord struct {
	SyncID     string
	TableName  string
	RecordID   string
	LocalData  map[string]interface{}
	RemoteData map[string]interface{}
	Resolution string
	ResolvedAt time.Time
	ResolvedBy string
}

// Store is the metadata store handle. All writes are durable before
// acknowledgement to upper layers; Open limits the pool to one
// connection, so reads and writes are all serialised through it.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the metadata database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, syncerr.NewStoreUnavailableError("metadata", "open", err)
	}
	db.SetMaxOpenConns(1) // single-writer serialised operation

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, syncerr.NewStoreUnavailableError("metadata", "apply schema", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Track appends a ChangeEntry with data_hash = SHA-256(canonical_json(payload)).
// DELETE entries carry no payload and an empty hash. Fails only with
// StoreUnavailable; never drops an entry silently.
func (s *Store) Track(ctx context.Context, table, recordID string, op Operation, payload map[string]interface{}) error {
	var hash, payloadJSON string
	if op != OpDelete {
		canonical, err := CanonicalJSON(payload)
		if err != nil {
			return syncerr.NewStoreUnavailableError("metadata", "track", fmt.Errorf("canonicalizing payload: %w", err))
		}
		sum := sha256.Sum256(canonical)
		hash = hex.EncodeToString(sum[:])
		payloadJSON = string(canonical)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_log (table_name, record_id, operation, changed_at, synced, data_hash, payload)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		table, recordID, string(op), time.Now().UTC().Format(time.RFC3339Nano), hash, payloadJSON)
	if err != nil {
		return syncerr.NewStoreUnavailableError("metadata", "track", err)
	}
	return nil
}

// Pending returns the oldest limit entries with synced=false, ordered by
// seq ascending. limit=0 returns an empty list.
func (s *Store) Pending(ctx context.Context, limit int) ([]ChangeEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, table_name, record_id, operation, changed_at, synced, sync_id, data_hash, payload
		FROM change_log WHERE synced = 0 ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, syncerr.NewStoreUnavailableError("metadata", "pending", err)
	}
	defer rows.Close()

	var entries []ChangeEntry
	for rows.Next() {
		var e ChangeEntry
		var changedAt string
		var syncID sql.NullString
		var payloadJSON string
		var syncedInt int
		if err := rows.Scan(&e.Seq, &e.TableName, &e.RecordID, &e.Operation, &changedAt, &syncedInt, &syncID, &e.DataHash, &payloadJSON); err != nil {
			return nil, syncerr.NewStoreUnavailableError("metadata", "pending", err)
		}
		e.ChangedAt, _ = time.Parse(time.RFC3339Nano, changedAt)
		e.Synced = syncedInt != 0
		e.SyncID = syncID.String
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, syncerr.NewSchemaMismatchError(e.TableName, e.RecordID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.NewStoreUnavailableError("metadata", "pending", err)
	}
	return entries, nil
}

// MarkSynced sets synced=true and sync_id on every listed entry in a
// single transaction: all flip together, or none do.
func (s *Store) MarkSynced(ctx context.Context, entries []ChangeEntry, syncID string) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.NewStoreUnavailableError("metadata", "mark_synced", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE change_log SET synced = 1, sync_id = ? WHERE seq = ?`)
	if err != nil {
		return syncerr.NewStoreUnavailableError("metadata", "mark_synced", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, syncID, e.Seq); err != nil {
			return syncerr.NewStoreUnavailableError("metadata", "mark_synced", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return syncerr.NewStoreUnavailableError("metadata", "mark_synced", err)
	}
	return nil
}

// PendingCount reports how many change_log entries await transmission,
// for the CLI's info output.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_log WHERE synced = 0`).Scan(&count)
	if err != nil {
		return 0, syncerr.NewStoreUnavailableError("metadata", "pending_count", err)
	}
	return count, nil
}

// HasUnsyncedEntry reports whether the change log has any entry for
// (table, recordID) with synced=false — the conflict-detection predicate.
func (s *Store) HasUnsyncedEntry(ctx context.Context, table, recordID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM change_log WHERE table_name = ? AND record_id = ? AND synced = 0`,
		table, recordID).Scan(&count)
	if err != nil {
		return false, syncerr.NewStoreUnavailableError("metadata", "has_unsynced_entry", err)
	}
	return count > 0, nil
}

// OpenSession inserts a SyncSession row with status=running before any
// network I/O. The INSERT...SELECT...WHERE NOT EXISTS guard makes "no two
// running session rows" atomic at the database level: two callers racing
// past a prior RunningSessionCount check cannot both succeed here, since
// only one INSERT can see zero running rows.
func (s *Store) OpenSession(ctx context.Context, syncID, direction string) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_session (sync_id, started_at, status, direction)
		SELECT ?, ?, 'running', ?
		WHERE NOT EXISTS (SELECT 1 FROM sync_session WHERE status = 'running')`,
		syncID, time.Now().UTC().Format(time.RFC3339Nano), direction)
	if err != nil {
		return syncerr.NewStoreUnavailableError("metadata", "open_session", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return syncerr.NewStoreUnavailableError("metadata", "open_session", err)
	}
	if affected == 0 {
		return syncerr.NewSessionConflictError(syncID)
	}
	return nil
}

// CloseSession marks the session row terminal. It only touches
// completed_at/status/error: records_sent/records_received/conflicts were
// already accumulated by IncrementSession during push/pull and must not be
// clobbered back to zero here.
func (s *Store) CloseSession(ctx context.Context, syncID, status, sessionErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_session
		SET completed_at = ?, status = ?, error = ?
		WHERE sync_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), status, sessionErr, syncID)
	if err != nil {
		return syncerr.NewStoreUnavailableError("metadata", "close_session", err)
	}
	return nil
}

// IncrementSession adds deltas to a running session's counters.
func (s *Store) IncrementSession(ctx context.Context, syncID string, sentDelta, receivedDelta, conflictsDelta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_session
		SET records_sent = records_sent + ?, records_received = records_received + ?, conflicts = conflicts + ?
		WHERE sync_id = ?`,
		sentDelta, receivedDelta, conflictsDelta, syncID)
	if err != nil {
		return syncerr.NewStoreUnavailableError("metadata", "increment_session", err)
	}
	return nil
}

// LastCompletedSyncTime returns the completed_at of the most recent
// completed session, or the zero time if none exists. Per the resolved
// Open Question (§9), there is no device_id predicate: the metadata
// store is exclusively single-device by construction.
func (s *Store) LastCompletedSyncTime(ctx context.Context) (time.Time, error) {
	var completedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT completed_at FROM sync_session WHERE status = 'completed' ORDER BY completed_at DESC LIMIT 1`).
		Scan(&completedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, syncerr.NewStoreUnavailableError("metadata", "last_completed_sync_time", err)
	}
	if !completedAt.Valid {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, completedAt.String)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// GetSession returns the SyncSession row for syncID, for callers (tests,
// the CLI) that need to inspect the accumulated counters after a sync.
func (s *Store) GetSession(ctx context.Context, syncID string) (*SyncSession, error) {
	var sess SyncSession
	var startedAt string
	var completedAt sql.NullString
	var errText sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT sync_id, started_at, completed_at, status, direction, records_sent, records_received, conflicts, error
		FROM sync_session WHERE sync_id = ?`, syncID).
		Scan(&sess.SyncID, &startedAt, &completedAt, &sess.Status, &sess.Direction, &sess.RecordsSent, &sess.RecordsReceived, &sess.Conflicts, &errText)
	if err == sql.ErrNoRows {
		return nil, syncerr.NewStoreUnavailableError("metadata", "get_session", fmt.Errorf("no session %q", syncID))
	}
	if err != nil {
		return nil, syncerr.NewStoreUnavailableError("metadata", "get_session", err)
	}
	sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		sess.CompletedAt.Time, _ = time.Parse(time.RFC3339Nano, completedAt.String)
		sess.CompletedAt.Valid = true
	}
	sess.Error = errText.String
	return &sess, nil
}

// RunningSessionCount reports how many sessions currently have
// status=running, used to enforce "no overlapping session rows".
func (s *Store) RunningSessionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_session WHERE status = 'running'`).Scan(&count)
	if err != nil {
		return 0, syncerr.NewStoreUnavailableError("metadata", "running_session_count", err)
	}
	return count, nil
}

// RecordConflict appends a ConflictRecord row.
func (s *Store) RecordConflict(ctx context.Context, c ConflictRecord) error {
	localJSON, err := json.Marshal(c.LocalData)
	if err != nil {
		return fmt.Errorf("encoding local_data: %w", err)
	}
	remoteJSON, err := json.Marshal(c.RemoteData)
	if err != nil {
		return fmt.Errorf("encoding remote_data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflict_record (sync_id, table_name, record_id, local_data, remote_data, resolution, resolved_at, resolved_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SyncID, c.TableName, c.RecordID, string(localJSON), string(remoteJSON), c.Resolution,
		c.ResolvedAt.UTC().Format(time.RFC3339Nano), c.ResolvedBy)
	if err != nil {
		return syncerr.NewStoreUnavailableError("metadata", "record_conflict", err)
	}
	return nil
}

// RecentConflicts returns the most recently resolved conflicts across all
// sessions, newest first, for the CLI's info output.
func (s *Store) RecentConflicts(ctx context.Context, limit int) ([]ConflictRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_id, table_name, record_id, local_data, remote_data, resolution, resolved_at, resolved_by
		FROM conflict_record ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, syncerr.NewStoreUnavailableError("metadata", "recent_conflicts", err)
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		var c ConflictRecord
		var localJSON, remoteJSON, resolvedAt string
		if err := rows.Scan(&c.SyncID, &c.TableName, &c.RecordID, &localJSON, &remoteJSON, &c.Resolution, &resolvedAt, &c.ResolvedBy); err != nil {
			return nil, syncerr.NewStoreUnavailableError("metadata", "recent_conflicts", err)
		}
		json.Unmarshal([]byte(localJSON), &c.LocalData)
		json.Unmarshal([]byte(remoteJSON), &c.RemoteData)
		c.ResolvedAt, _ = time.Parse(time.RFC3339Nano, resolvedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConflictsForSession returns every ConflictRecord logged for syncID.
func (s *Store) ConflictsForSession(ctx context.Context, syncID string) ([]ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_id, table_name, record_id, local_data, remote_data, resolution, resolved_at, resolved_by
		FROM conflict_record WHERE sync_id = ?`, syncID)
	if err != nil {
		return nil, syncerr.NewStoreUnavailableError("metadata", "conflicts_for_session", err)
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		var c ConflictRecord
		var localJSON, remoteJSON, resolvedAt string
		if err := rows.Scan(&c.SyncID, &c.TableName, &c.RecordID, &localJSON, &remoteJSON, &c.Resolution, &resolvedAt, &c.ResolvedBy); err != nil {
			return nil, syncerr.NewStoreUnavailableError("metadata", "conflicts_for_session", err)
		}
		json.Unmarshal([]byte(localJSON), &c.LocalData)
		json.Unmarshal([]byte(remoteJSON), &c.RemoteData)
		c.ResolvedAt, _ = time.Parse(time.RFC3339Nano, resolvedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
