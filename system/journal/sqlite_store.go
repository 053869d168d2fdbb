package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id               TEXT PRIMARY KEY,
	parent_id        TEXT,
	user_id          TEXT NOT NULL,
	component_ref    TEXT NOT NULL,
	component_type   TEXT NOT NULL,
	component_digest TEXT NOT NULL,
	started_at       DATETIME NOT NULL,
	completed_at     DATETIME,
	status           TEXT NOT NULL,
	input            BLOB,
	output           BLOB,
	error_message    TEXT,
	policy_snapshot  BLOB,
	duration_ms      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_executions_user ON executions(user_id);
CREATE INDEX IF NOT EXISTS idx_executions_component ON executions(component_ref);
`

// SQLiteStore is the production Journal implementation, backed by
// modernc.org/sqlite through sqlx so it needs no cgo toolchain.
type SQLiteStore struct {
	db *sqlx.DB
}

// Open connects to dsn (a sqlite DSN, e.g. "file:cyfr.db?cache=shared") and
// ensures the schema exists.
func Open(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite writer serialization, matches modernc.org/sqlite guidance

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewWithDB wraps an already-open sqlx.DB (or sqlmock connection) without
// running schema migration, for use in unit tests.
func NewWithDB(db *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WriteStarted inserts a new Running record. Calling it twice for the same
// id is an error: starting is not idempotent, and neither is a repeated
// terminal write, which fails with InvalidTransition.
func (s *SQLiteStore) WriteStarted(ctx context.Context, p StartParams) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, parent_id, user_id, component_ref, component_type, component_digest, started_at, status, input, policy_snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ParentID, p.UserID, p.ComponentRef, p.ComponentType, p.ComponentDigest, p.StartedAt, StatusRunning, p.Input, p.PolicySnapshot)
	if err != nil {
		return fmt.Errorf("journal: write started: %w", err)
	}
	return nil
}

// WriteCompleted transitions id from Running to Completed, recording output.
func (s *SQLiteStore) WriteCompleted(ctx context.Context, id string, output []byte, completedAt time.Time) error {
	return s.writeTerminalFromDB(ctx, id, StatusCompleted, output, nil, completedAt)
}

// WriteFailed transitions id from Running to Failed, recording the error.
func (s *SQLiteStore) WriteFailed(ctx context.Context, id string, errMsg string, completedAt time.Time) error {
	return s.writeTerminalFromDB(ctx, id, StatusFailed, nil, &errMsg, completedAt)
}

// WriteCancelled transitions id from Running to Cancelled.
func (s *SQLiteStore) WriteCancelled(ctx context.Context, id string, completedAt time.Time) error {
	return s.writeTerminalFromDB(ctx, id, StatusCancelled, nil, nil, completedAt)
}

func (s *SQLiteStore) writeTerminalFromDB(ctx context.Context, id string, to Status, output []byte, errMsg *string, completedAt time.Time) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !validTransitions[rec.Status][to] {
		return &InvalidTransition{ID: id, From: rec.Status, To: to}
	}

	durationMS := completedAt.Sub(rec.StartedAt).Milliseconds()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, output = ?, error_message = ?, completed_at = ?, duration_ms = ?
		WHERE id = ? AND status = ?
	`, to, output, errMsg, completedAt, durationMS, id, rec.Status)
	if err != nil {
		return fmt.Errorf("journal: write %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return &InvalidTransition{ID: id, From: rec.Status, To: to}
	}
	return nil
}

// Get returns the record for id, unfiltered by ownership; callers that
// must enforce ownership should compare the returned UserID themselves or
// use List with a UserID filter.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM executions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, &ErrNotFound{ID: id}
	}
	if err != nil {
		return Record{}, fmt.Errorf("journal: get: %w", err)
	}
	return rec, nil
}

// List returns records matching filter, most recent first.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	var conds []string
	var args []interface{}

	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ComponentRef != "" {
		conds = append(conds, "component_ref = ?")
		args = append(args, filter.ComponentRef)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}

	query := "SELECT * FROM executions"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var records []Record
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return records, nil
}
