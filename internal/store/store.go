// Escriba is a web page archiving service.
// Copyright (C) 2025 Fernanda Queiroz
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed persistence layer for the
// archival pipeline: transfers, webpages, jobs and snapshots, with
// schema migrations and the state-transition helpers the daemons use.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 30 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")

	// ErrNotTerminal indicates a result write with a non-terminal state.
	ErrNotTerminal = errors.New("result requires a terminal state")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB

	now func() time.Time
}

// Open opens (or creates) a SQLite database at uri, applies connection
// pragmas, runs migrations, and returns a ready Store. The uri is a
// filesystem path, or ":memory:" for a private in-memory database.
func Open(ctx context.Context, uri string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	memory := uri == "" || uri == ":memory:"
	var dsn string
	if memory {
		dsn = fmt.Sprintf("file::memory:?_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)", int(defaultBusyTimeout.Milliseconds()))
	} else {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", uri, int(defaultBusyTimeout.Milliseconds()))
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB. An
	// in-memory database is private to its connection, so the pool
	// must never grow past one.
	db.SetConnMaxLifetime(0)
	if memory {
		db.SetMaxIdleConns(1)
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxIdleConns(4)
		db.SetMaxOpenConns(8)
	}

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close runs PRAGMA optimize and closes the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if _, err := s.db.Exec(`PRAGMA optimize`); err != nil {
		log.WithError(err).Debug("pragma optimize failed")
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transfer (
  uid           TEXT PRIMARY KEY,
  creation_time TIMESTAMP NOT NULL,
  user_input    TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS transfer_job (
  uid           TEXT PRIMARY KEY,
  creation_time TIMESTAMP NOT NULL,
  transfer_uid  TEXT NOT NULL REFERENCES transfer(uid) ON DELETE CASCADE,
  state         TEXT NOT NULL CHECK (state IN ('PENDING','EXECUTING','SUCCEEDED','FAILED')),
  modified_time TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_transfer_job_state ON transfer_job(state);`,

		`CREATE TABLE IF NOT EXISTS webpage (
  uid                  TEXT PRIMARY KEY,
  creation_time        TIMESTAMP NOT NULL,
  url                  TEXT NOT NULL UNIQUE,
  title                TEXT NULL,
  internet_archive_url TEXT NULL,
  modified_time        TIMESTAMP NULL
);`,
		// Every submission of a URL records an association, even when
		// the webpage row already existed.
		`CREATE TABLE IF NOT EXISTS webpage_transfer_job_association (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  webpage_uid      TEXT NOT NULL REFERENCES webpage(uid) ON DELETE CASCADE,
  transfer_job_uid TEXT NOT NULL REFERENCES transfer_job(uid) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS idx_wtja_webpage ON webpage_transfer_job_association(webpage_uid);`,
		`CREATE INDEX IF NOT EXISTS idx_wtja_transfer_job ON webpage_transfer_job_association(transfer_job_uid);`,

		`CREATE TABLE IF NOT EXISTS webpage_job (
  uid           TEXT PRIMARY KEY,
  creation_time TIMESTAMP NOT NULL,
  webpage_uid   TEXT NOT NULL REFERENCES webpage(uid) ON DELETE CASCADE,
  state         TEXT NOT NULL CHECK (state IN ('PENDING','EXECUTING','SUCCEEDED','FAILED')),
  modified_time TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_webpage_job_state ON webpage_job(state);`,

		`CREATE TABLE IF NOT EXISTS snapshot (
  uid           TEXT PRIMARY KEY,
  creation_time TIMESTAMP NOT NULL,
  webpage_uid   TEXT NOT NULL REFERENCES webpage(uid) ON DELETE CASCADE,
  strategy      INTEGER NOT NULL,
  state         TEXT NOT NULL CHECK (state IN ('PENDING','EXECUTING','SUCCEEDED','FAILED')),
  modified_time TIMESTAMP NULL,
  result        TEXT NULL,
  stdout        TEXT NULL,
  stderr        TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshot_state ON snapshot(state);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshot_webpage ON snapshot(webpage_uid);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}

func nullIfNilString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
