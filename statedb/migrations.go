package statedb

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	Version int
	UpSQL   string
}

var migrations = []migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS runtime (
	session_id TEXT PRIMARY KEY,
	state TEXT NOT NULL CHECK(state IN ('stopped','starting','running','stopping','crashed','unknown')),
	pid INTEGER,
	started_at TEXT,
	exit_code INTEGER,
	exit_signal TEXT NOT NULL DEFAULT '',
	exit_at TEXT,
	exit_reason TEXT NOT NULL DEFAULT '',
	clean_stop INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	spool_offset INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runtime_live_pid
	ON runtime(pid) WHERE pid IS NOT NULL;

CREATE TABLE IF NOT EXISTS retry_attempts (
	session_id TEXT NOT NULL,
	at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_retry_attempts_session ON retry_attempts(session_id, at);
`,
	},
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
