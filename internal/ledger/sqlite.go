package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"neurorun/internal/services"
	"neurorun/internal/stage"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const recordColumns = "participant_id, session_id, stage, status, timestamp, exit_code, log_path, stderr_log_path, reason, attempts, run_id"

const upsertSQL = `INSERT INTO run_records (` + recordColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
ON CONFLICT(participant_id, session_id, stage) DO UPDATE SET
    status = excluded.status,
    timestamp = excluded.timestamp,
    exit_code = excluded.exit_code,
    log_path = excluded.log_path,
    stderr_log_path = excluded.stderr_log_path,
    reason = excluded.reason,
    run_id = excluded.run_id,
    attempts = run_records.attempts + ?
RETURNING ` + recordColumns

type sqliteBackend struct {
	db   *sql.DB
	path string
}

func openSQLite(path string) (*sqliteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, services.Wrap(services.ErrCorruptLedger, "ledger", "open", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, services.Wrap(services.ErrCorruptLedger, "ledger", "open", fmt.Sprintf("apply %q", pragma), execErr)
		}
	}

	b := &sqliteBackend{db: db, path: path}
	if err := b.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, services.Wrap(services.ErrCorruptLedger, "ledger", "schema", path, err)
	}
	return b, nil
}

func (b *sqliteBackend) initSchema(ctx context.Context) error {
	var tableExists int
	err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return b.createSchema(ctx)
	}

	var version int
	if err := b.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("database has schema version %d, expected %d", version, schemaVersion)
	}
	return nil
}

func (b *sqliteBackend) createSchema(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		stageName string
		status    string
		timestamp string
	)
	if err := row.Scan(
		&rec.ParticipantID,
		&rec.SessionID,
		&stageName,
		&status,
		&timestamp,
		&rec.ExitCode,
		&rec.LogPath,
		&rec.StderrLogPath,
		&rec.Reason,
		&rec.Attempts,
		&rec.RunID,
	); err != nil {
		return Record{}, err
	}
	rec.Stage = stage.Stage(stageName)
	rec.Status = Status(status)
	if !rec.Status.Valid() {
		return Record{}, fmt.Errorf("invalid status %q for %s", status, rec.Key())
	}
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return Record{}, fmt.Errorf("parse timestamp for %s: %w", rec.Key(), err)
	}
	rec.Timestamp = ts
	return rec, nil
}

func (b *sqliteBackend) load(ctx context.Context) (map[Key]Record, error) {
	var records map[Key]Record
	err := retryOnBusy(ctx, func() error {
		rows, err := b.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM run_records")
		if err != nil {
			return err
		}
		defer rows.Close()
		records = make(map[Key]Record)
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			records[rec.Key()] = rec
		}
		return rows.Err()
	})
	if err != nil {
		return nil, services.Wrap(services.ErrCorruptLedger, "ledger", "load", b.path, err)
	}
	return records, nil
}

func (b *sqliteBackend) upsert(ctx context.Context, e Entry, now time.Time) (Record, map[Key]Record, error) {
	increment := 0
	if e.Status == StatusRunning {
		increment = 1
	}
	var rec Record
	err := retryOnBusy(ctx, func() error {
		row := b.db.QueryRowContext(ctx, upsertSQL,
			e.Key.ParticipantID,
			e.Key.SessionID,
			string(e.Key.Stage),
			string(e.Status),
			now.UTC().Format(time.RFC3339Nano),
			e.ExitCode,
			e.LogPath,
			e.StderrLogPath,
			e.Reason,
			e.RunID,
			increment,
		)
		var scanErr error
		rec, scanErr = scanRecord(row)
		return scanErr
	})
	if err != nil {
		return Record{}, nil, err
	}
	return rec, nil, nil
}

func (b *sqliteBackend) backup(ctx context.Context, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	return retryOnBusy(ctx, func() error {
		_, err := b.db.ExecContext(ctx, "VACUUM INTO ?", dest)
		return err
	})
}

func (b *sqliteBackend) ext() string {
	return filepath.Ext(b.path)
}

func (b *sqliteBackend) close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
