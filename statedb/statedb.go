// Package statedb keeps the last observed runtime status of every session in
// a small SQLite database. It is the cached status shown by `pfman list` and
// the durable pid/start-time evidence the reconciler verifies after pfman
// restarts.
package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhubert/pfman/session"
)

// Snapshot is the persisted runtime view of one session.
type Snapshot struct {
	SessionID   string
	Status      session.RuntimeStatus
	CleanStop   bool  // the last exit was requested by the user
	SpoolOffset int64 // bytes of raw output already drained into the log
	UpdatedAt   time.Time
}

// DB wraps the runtime database.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Put upserts a snapshot. The spool offset is only taken on insert; after that
// it belongs to SetSpoolOffset. Any other session still holding the same pid
// loses it, so a pid is never recorded for two sessions.
func (d *DB) Put(ctx context.Context, snap Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	st := snap.Status

	var pid, startedAt any
	if st.PID > 0 && st.State.Live() {
		pid = st.PID
		if !st.StartedAt.IsZero() {
			startedAt = ts(st.StartedAt)
		}
	}

	var exitCode, exitAt any
	var exitSignal, exitReason string
	if st.LastExit != nil {
		exitCode = st.LastExit.Code
		exitSignal = st.LastExit.Signal
		exitReason = st.LastExit.Reason
		if !st.LastExit.At.IsZero() {
			exitAt = ts(st.LastExit.At)
		}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put %s: %w", snap.SessionID, err)
	}
	if pid != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE runtime SET pid = NULL WHERE pid = ? AND session_id <> ?`, pid, snap.SessionID); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("release pid %v: %w", pid, err)
		}
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO runtime(session_id, state, pid, started_at, exit_code, exit_signal, exit_at, exit_reason, clean_stop, error, spool_offset, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	state=excluded.state,
	pid=excluded.pid,
	started_at=excluded.started_at,
	exit_code=excluded.exit_code,
	exit_signal=excluded.exit_signal,
	exit_at=excluded.exit_at,
	exit_reason=excluded.exit_reason,
	clean_stop=excluded.clean_stop,
	error=excluded.error,
	updated_at=excluded.updated_at
`, snap.SessionID, string(st.State), pid, startedAt, exitCode, exitSignal, exitAt, exitReason,
		boolInt(snap.CleanStop), st.Error, snap.SpoolOffset, ts(snap.UpdatedAt))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("upsert runtime %s: %w", snap.SessionID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put %s: %w", snap.SessionID, err)
	}
	return nil
}

// SpoolOffset returns how far the raw output of a session has been drained.
func (d *DB) SpoolOffset(ctx context.Context, sessionID string) (int64, error) {
	var offset int64
	err := d.db.QueryRowContext(ctx, `SELECT spool_offset FROM runtime WHERE session_id = ?`, sessionID).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get spool offset %s: %w", sessionID, err)
	}
	return offset, nil
}

// SetSpoolOffset records how far the raw output of a session has been drained.
func (d *DB) SetSpoolOffset(ctx context.Context, sessionID string, offset int64) error {
	now := ts(time.Now())
	_, err := d.db.ExecContext(ctx, `
INSERT INTO runtime(session_id, state, spool_offset, updated_at) VALUES (?, 'stopped', ?, ?)
ON CONFLICT(session_id) DO UPDATE SET spool_offset=excluded.spool_offset, updated_at=excluded.updated_at
`, sessionID, offset, now)
	if err != nil {
		return fmt.Errorf("set spool offset %s: %w", sessionID, err)
	}
	return nil
}

const selectColumns = `session_id, state, pid, started_at, exit_code, exit_signal, exit_at, exit_reason, clean_stop, error, spool_offset, updated_at`

// Get returns the snapshot for a session. ok is false when none is recorded.
func (d *DB) Get(ctx context.Context, sessionID string) (snap Snapshot, ok bool, err error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM runtime WHERE session_id = ?`, sessionID)
	snap, err = scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("get runtime %s: %w", sessionID, err)
	}
	return snap, true, nil
}

// List returns every snapshot keyed by session id.
func (d *DB) List(ctx context.Context) (map[string]Snapshot, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM runtime`)
	if err != nil {
		return nil, fmt.Errorf("list runtime: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Snapshot)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runtime: %w", err)
		}
		out[snap.SessionID] = snap
	}
	return out, rows.Err()
}

// Delete removes all runtime state for a session.
func (d *DB) Delete(ctx context.Context, sessionID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete %s: %w", sessionID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runtime WHERE session_id = ?`, sessionID); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("delete runtime %s: %w", sessionID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM retry_attempts WHERE session_id = ?`, sessionID); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("delete retries %s: %w", sessionID, err)
	}
	return tx.Commit()
}

// RecordRetry notes an automatic restart attempt.
func (d *DB) RecordRetry(ctx context.Context, sessionID string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO retry_attempts(session_id, at) VALUES (?, ?)`, sessionID, ts(at))
	if err != nil {
		return fmt.Errorf("record retry %s: %w", sessionID, err)
	}
	return nil
}

// RetriesSince counts restart attempts at or after since, pruning older ones.
func (d *DB) RetriesSince(ctx context.Context, sessionID string, since time.Time) (int, error) {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM retry_attempts WHERE session_id = ? AND at < ?`, sessionID, ts(since)); err != nil {
		return 0, fmt.Errorf("prune retries %s: %w", sessionID, err)
	}
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_attempts WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count retries %s: %w", sessionID, err)
	}
	return n, nil
}

// ClearRetries forgets restart attempts, e.g. after the user acts.
func (d *DB) ClearRetries(ctx context.Context, sessionID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM retry_attempts WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear retries %s: %w", sessionID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (Snapshot, error) {
	var (
		snap                          Snapshot
		state, exitSignal, exitReason string
		errText, updatedAt            string
		pid, exitCode                 sql.NullInt64
		startedAt, exitAt             sql.NullString
		cleanStop                     int
	)
	if err := row.Scan(&snap.SessionID, &state, &pid, &startedAt, &exitCode, &exitSignal, &exitAt,
		&exitReason, &cleanStop, &errText, &snap.SpoolOffset, &updatedAt); err != nil {
		return Snapshot{}, err
	}

	snap.Status.State = session.State(state)
	snap.Status.Error = errText
	snap.CleanStop = cleanStop != 0
	if pid.Valid {
		snap.Status.PID = int(pid.Int64)
	}
	if startedAt.Valid {
		t, err := parseTS(startedAt.String)
		if err != nil {
			return Snapshot{}, fmt.Errorf("parse started_at: %w", err)
		}
		snap.Status.StartedAt = t
	}
	if exitCode.Valid || exitReason != "" {
		exit := &session.ExitInfo{Code: -1, Signal: exitSignal, Reason: exitReason, Clean: snap.CleanStop}
		if exitCode.Valid {
			exit.Code = int(exitCode.Int64)
		}
		if exitAt.Valid {
			t, err := parseTS(exitAt.String)
			if err != nil {
				return Snapshot{}, fmt.Errorf("parse exit_at: %w", err)
			}
			exit.At = t
		}
		snap.Status.LastExit = exit
	}
	t, err := parseTS(updatedAt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse updated_at: %w", err)
	}
	snap.UpdatedAt = t
	return snap, nil
}

// tsLayout is fixed width so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
