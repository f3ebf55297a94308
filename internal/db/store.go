// Package db provides the durable mutation store backing the offline queue.
//
// The store is a local SQLite database (embedded via ncruces/go-sqlite3 with
// WAL mode) holding every queued mutation, keyed by (board, view). It carries
// no sync logic: it is pure persistence, shared by the sync processor and the
// conflict resolver, and safe for concurrent use through the database's own
// locking.
//
// Queue order is insertion order. The rowid-backed seq column is the FIFO
// cursor: ListQueue and ListPending always return mutations in the order they
// were enqueued, which is the order a sync pass submits them.
//
// Every mutating operation writes through to disk before returning, so an
// application restart never loses a pending edit. Write failures propagate to
// the caller; a silently dropped queue entry is user data loss.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/offboardhq/offboard/internal/schema"
)

// ErrNotFound is returned when a mutation id does not exist in the store.
var ErrNotFound = errors.New("mutation not found")

// ErrInvalidState is returned when a status transition is attempted on a
// mutation that is not in the required source status.
var ErrInvalidState = errors.New("mutation not in required status")

// Store wraps the SQLite connection holding queued mutations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before use.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	store, err := db.Open(".offboard/queue.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := store.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := store.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return store, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other libraries that expect *sql.DB.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS mutations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		board_id TEXT NOT NULL,
		view TEXT NOT NULL,
		item_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		base_version INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		conflict_remote TEXT,
		conflict_reason TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- FIFO queue scans
	CREATE INDEX IF NOT EXISTS idx_mutations_queue
	    ON mutations(board_id, view, seq);

	-- Pending-only scans during sync passes
	CREATE INDEX IF NOT EXISTS idx_mutations_status
	    ON mutations(board_id, view, status, seq);

	-- Same-item lookups for conflict holds
	CREATE INDEX IF NOT EXISTS idx_mutations_item
	    ON mutations(board_id, view, item_id);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Rows stuck in syncing are leftovers from a crash mid-pass.
	if _, err := s.RecoverSyncing(ctx); err != nil {
		return err
	}

	return nil
}

// RecoverSyncing returns every syncing mutation to pending and reports how
// many rows were recovered.
//
// A mutation is only syncing while a pass holds it in flight, so after a
// crash between marking and recording the outcome the row would otherwise
// be stranded: not pending (skipped by passes) and not conflicted
// (unreachable by the resolver). Passes are idempotent and the syncer
// re-validates against remote state, so resetting at startup is safe even
// when the interrupted submission actually landed.
func (s *Store) RecoverSyncing(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.conn.ExecContext(ctx,
		`UPDATE mutations SET status = 'pending', updated_at = ? WHERE status = 'syncing'`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to recover syncing mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// Enqueue appends a mutation to its (board, view) queue.
//
// The store assigns the id, sets status to pending and attempts to zero,
// and persists before returning. The returned mutation is a copy with the
// assigned fields filled in; the input is not modified.
func (s *Store) Enqueue(m *schema.Mutation) (*schema.Mutation, error) {
	return s.EnqueueContext(context.Background(), m)
}

// EnqueueContext appends a mutation with context support.
func (s *Store) EnqueueContext(ctx context.Context, m *schema.Mutation) (*schema.Mutation, error) {
	queued := *m
	queued.ID = uuid.NewString()
	queued.Status = schema.StatusPending
	queued.Conflict = nil
	queued.Attempts = 0
	now := time.Now().UTC()
	queued.CreatedAt = now
	queued.UpdatedAt = now

	if err := queued.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation: %w", err)
	}

	if err := s.insert(ctx, s.conn, &queued); err != nil {
		return nil, err
	}

	return &queued, nil
}

// EnqueueBatch appends several mutations in one transaction, preserving
// slice order. Either every mutation is enqueued or none is.
//
// The returned slice holds the stored copies with assigned ids.
func (s *Store) EnqueueBatch(ctx context.Context, ms []*schema.Mutation) ([]*schema.Mutation, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	queued := make([]*schema.Mutation, 0, len(ms))
	now := time.Now().UTC()
	for _, m := range ms {
		q := *m
		q.ID = uuid.NewString()
		q.Status = schema.StatusPending
		q.Conflict = nil
		q.Attempts = 0
		q.CreatedAt = now
		q.UpdatedAt = now

		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("invalid mutation: %w", err)
		}
		if err := s.insert(ctx, tx, &q); err != nil {
			return nil, err
		}
		queued = append(queued, &q)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch enqueue: %w", err)
	}

	return queued, nil
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, ex execer, m *schema.Mutation) error {
	query := `
	INSERT INTO mutations (
		id, board_id, view, item_id, payload, base_version,
		status, attempts, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ex.ExecContext(ctx, query,
		m.ID,
		m.BoardID,
		m.View,
		m.ItemID,
		string(m.Payload),
		m.BaseVersion,
		string(m.Status),
		m.Attempts,
		m.CreatedAt.Format(time.RFC3339Nano),
		m.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation for %s/%s: %w", m.BoardID, m.View, err)
	}

	return nil
}

const mutationColumns = `id, board_id, view, item_id, payload, base_version,
	status, conflict_remote, conflict_reason, attempts, created_at, updated_at`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMutation(sc scanner) (*schema.Mutation, error) {
	var (
		m              schema.Mutation
		payload        string
		status         string
		conflictRemote sql.NullString
		conflictReason sql.NullString
		createdAt      string
		updatedAt      string
	)

	err := sc.Scan(
		&m.ID, &m.BoardID, &m.View, &m.ItemID, &payload, &m.BaseVersion,
		&status, &conflictRemote, &conflictReason, &m.Attempts, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Payload = json.RawMessage(payload)
	m.Status = schema.Status(status)
	if conflictRemote.Valid {
		m.Conflict = &schema.Conflict{
			Remote: json.RawMessage(conflictRemote.String),
			Reason: conflictReason.String,
		}
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &m, nil
}

// ListQueue returns every mutation for the (board, view) queue in
// insertion order. The result is a read-only snapshot.
func (s *Store) ListQueue(boardID, view string) ([]*schema.Mutation, error) {
	return s.ListQueueContext(context.Background(), boardID, view)
}

// ListQueueContext lists a queue with context support.
func (s *Store) ListQueueContext(ctx context.Context, boardID, view string) ([]*schema.Mutation, error) {
	query := fmt.Sprintf(`SELECT %s FROM mutations WHERE board_id = ? AND view = ? ORDER BY seq`, mutationColumns)
	return s.queryMutations(ctx, query, boardID, view)
}

// ListPending returns the pending mutations for a queue in insertion order.
// Only pending mutations are eligible for a sync attempt.
func (s *Store) ListPending(ctx context.Context, boardID, view string) ([]*schema.Mutation, error) {
	query := fmt.Sprintf(`SELECT %s FROM mutations WHERE board_id = ? AND view = ? AND status = 'pending' ORDER BY seq`, mutationColumns)
	return s.queryMutations(ctx, query, boardID, view)
}

func (s *Store) queryMutations(ctx context.Context, query string, args ...any) ([]*schema.Mutation, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	var mutations []*schema.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mutations: %w", err)
	}

	return mutations, nil
}

// Get returns the mutation with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*schema.Mutation, error) {
	query := fmt.Sprintf(`SELECT %s FROM mutations WHERE id = ?`, mutationColumns)
	m, err := scanMutation(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mutation %s: %w", id, err)
	}
	return m, nil
}

// ConflictedItems returns the set of item ids that currently have a
// conflicted mutation in the queue. The sync processor holds pending
// mutations for these items until the conflict is resolved.
func (s *Store) ConflictedItems(ctx context.Context, boardID, view string) (map[string]bool, error) {
	query := `SELECT DISTINCT item_id FROM mutations WHERE board_id = ? AND view = ? AND status = 'conflict'`
	rows, err := s.conn.QueryContext(ctx, query, boardID, view)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicted items: %w", err)
	}
	defer rows.Close()

	items := make(map[string]bool)
	for rows.Next() {
		var itemID string
		if err := rows.Scan(&itemID); err != nil {
			return nil, fmt.Errorf("failed to scan item id: %w", err)
		}
		items[itemID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflicted items: %w", err)
	}

	return items, nil
}

// ClearQueue removes every mutation for the (board, view) queue.
//
// This is deliberate data loss: callers use it for explicit resets such as
// logout or board deletion, never as error handling.
func (s *Store) ClearQueue(boardID, view string) error {
	return s.ClearQueueContext(context.Background(), boardID, view)
}

// ClearQueueContext clears a queue with context support.
func (s *Store) ClearQueueContext(ctx context.Context, boardID, view string) error {
	query := `DELETE FROM mutations WHERE board_id = ? AND view = ?`
	if _, err := s.conn.ExecContext(ctx, query, boardID, view); err != nil {
		return fmt.Errorf("failed to clear queue %s/%s: %w", boardID, view, err)
	}
	return nil
}

// MarkSyncing transitions a pending mutation to syncing.
// Returns ErrInvalidState if the mutation is not pending, ErrNotFound if
// it does not exist.
func (s *Store) MarkSyncing(ctx context.Context, id string) error {
	return s.transition(ctx, id,
		`UPDATE mutations SET status = 'syncing', updated_at = ? WHERE id = ? AND status = 'pending'`)
}

// SetConflict transitions a syncing mutation to conflict, attaching the
// remote snapshot and reason. The mutation stays in the queue.
func (s *Store) SetConflict(ctx context.Context, id string, remote json.RawMessage, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.conn.ExecContext(ctx,
		`UPDATE mutations SET status = 'conflict', conflict_remote = ?, conflict_reason = ?, updated_at = ?
		 WHERE id = ? AND status = 'syncing'`,
		string(remote), reason, now, id)
	if err != nil {
		return fmt.Errorf("failed to set conflict on mutation %s: %w", id, err)
	}
	return s.checkTransition(ctx, res, id)
}

// ReturnPending transitions a syncing mutation back to pending after a
// transient sync error, incrementing the attempt counter. The mutation is
// left for a future pass.
func (s *Store) ReturnPending(ctx context.Context, id string) error {
	return s.transition(ctx, id,
		`UPDATE mutations SET status = 'pending', attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = 'syncing'`)
}

// ResolveRetry transitions a conflicted mutation back to pending, clearing
// the conflict. Payload and base version are left unchanged: the next pass
// re-attempts with the original base version and the syncer re-validates.
func (s *Store) ResolveRetry(ctx context.Context, id string) error {
	return s.transition(ctx, id,
		`UPDATE mutations SET status = 'pending', conflict_remote = NULL, conflict_reason = NULL, updated_at = ?
		 WHERE id = ? AND status = 'conflict'`)
}

func (s *Store) transition(ctx context.Context, id, query string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.conn.ExecContext(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("failed to update mutation %s: %w", id, err)
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition distinguishes a missing mutation from one in the wrong
// status when a guarded UPDATE matched no rows.
func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	return ErrInvalidState
}

// Remove deletes a mutation from the store.
// Returns ErrNotFound if the mutation does not exist.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove mutation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MutationCount returns the total number of queued mutations across all queues.
func (s *Store) MutationCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count mutations: %w", err)
	}
	return count, nil
}

// QueueCounts summarizes one queue for inspection surfaces.
type QueueCounts struct {
	Pending  int
	Syncing  int
	Conflict int
}

// Counts returns per-status totals for a queue.
func (s *Store) Counts(ctx context.Context, boardID, view string) (*QueueCounts, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM mutations WHERE board_id = ? AND view = ? GROUP BY status`,
		boardID, view)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue %s/%s: %w", boardID, view, err)
	}
	defer rows.Close()

	counts := &QueueCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan counts: %w", err)
		}
		switch schema.Status(status) {
		case schema.StatusPending:
			counts.Pending = n
		case schema.StatusSyncing:
			counts.Syncing = n
		case schema.StatusConflict:
			counts.Conflict = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counts: %w", err)
	}

	return counts, nil
}

// Queues enumerates every (board, view) pair that currently has queued
// mutations, in first-enqueue order. The daemon uses this to schedule passes.
func (s *Store) Queues(ctx context.Context) ([]schema.QueueKey, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT board_id, view FROM mutations GROUP BY board_id, view ORDER BY MIN(seq)`)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate queues: %w", err)
	}
	defer rows.Close()

	var keys []schema.QueueKey
	for rows.Next() {
		var k schema.QueueKey
		if err := rows.Scan(&k.BoardID, &k.View); err != nil {
			return nil, fmt.Errorf("failed to scan queue key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queues: %w", err)
	}

	return keys, nil
}
