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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"escriba/pkg/archive"
)

const snapshotColumns = `uid, creation_time, webpage_uid, strategy, state, modified_time, result, stdout, stderr`

// CreateSnapshot inserts a PENDING snapshot for one (webpage, strategy)
// pair.
func (s *Store) CreateSnapshot(ctx context.Context, webpageUID uuid.UUID, strategy archive.Strategy) (*archive.Snapshot, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("invalid strategy: %d", strategy)
	}
	snap := &archive.Snapshot{
		UID:          uuid.New(),
		CreationTime: s.now().UTC(),
		WebpageUID:   webpageUID,
		Strategy:     strategy,
		State:        archive.StatePending,
	}
	const ins = `INSERT INTO snapshot(uid, creation_time, webpage_uid, strategy, state) VALUES(?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, ins,
		snap.UID.String(), snap.CreationTime, snap.WebpageUID.String(), int(snap.Strategy), snap.State.String()); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	return snap, nil
}

// GetSnapshot retrieves a snapshot by uid.
func (s *Store) GetSnapshot(ctx context.Context, uid uuid.UUID) (*archive.Snapshot, error) {
	q := `SELECT ` + snapshotColumns + ` FROM snapshot WHERE uid=?`
	snap, err := scanSnapshotRow(s.db.QueryRowContext(ctx, q, uid.String()))
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// GetSnapshotByState returns the newest snapshot in the given state, or
// ErrNotFound.
func (s *Store) GetSnapshotByState(ctx context.Context, state archive.JobState) (*archive.Snapshot, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("invalid state: %s", state)
	}
	q := `SELECT ` + snapshotColumns + ` FROM snapshot WHERE state=? ORDER BY creation_time DESC LIMIT 1`
	return scanSnapshotRow(s.db.QueryRowContext(ctx, q, state.String()))
}

// UpdateSnapshotState transitions one snapshot from state from to
// state to, stamping modified_time.
func (s *Store) UpdateSnapshotState(ctx context.Context, uid uuid.UUID, from, to archive.JobState) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	const upd = `UPDATE snapshot SET state=?, modified_time=? WHERE uid=? AND state=?`
	res, err := s.db.ExecContext(ctx, upd, to.String(), s.now().UTC(), uid.String(), from.String())
	if err != nil {
		return fmt.Errorf("update snapshot state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSnapshotResult finishes a snapshot: the terminal state and the
// helper's outputs are written in one transaction so a result never
// exists without a terminal state.
func (s *Store) UpdateSnapshotResult(ctx context.Context, uid uuid.UUID, state archive.JobState, result string, stdout, stderr *string) error {
	if !state.IsTerminal() {
		return ErrNotTerminal
	}
	const upd = `UPDATE snapshot SET state=?, modified_time=?, result=?, stdout=?, stderr=?
WHERE uid=? AND state=?`
	res, err := s.db.ExecContext(ctx, upd,
		state.String(), s.now().UTC(), result, nullIfNilString(stdout), nullIfNilString(stderr),
		uid.String(), archive.StateExecuting.String())
	if err != nil {
		return fmt.Errorf("update snapshot result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkUpdateSnapshotState moves every snapshot in state from to state
// to. Used by the startup sweep.
func (s *Store) BulkUpdateSnapshotState(ctx context.Context, from, to archive.JobState) (int64, error) {
	if !from.Valid() || !to.Valid() {
		return 0, fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	const upd = `UPDATE snapshot SET state=?, modified_time=? WHERE state=?`
	res, err := s.db.ExecContext(ctx, upd, to.String(), s.now().UTC(), from.String())
	if err != nil {
		return 0, fmt.Errorf("bulk update snapshot state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListSnapshotsByWebpage returns up to n snapshots of the webpage,
// newest first.
func (s *Store) ListSnapshotsByWebpage(ctx context.Context, n int, webpageUID uuid.UUID) ([]archive.Snapshot, error) {
	q := `SELECT ` + snapshotColumns + ` FROM snapshot WHERE webpage_uid=? ORDER BY creation_time DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, webpageUID.String(), n)
	if err != nil {
		return nil, fmt.Errorf("list snapshots by webpage: %w", err)
	}
	return scanSnapshots(rows)
}

// ListReadyForTitleUpdate returns up to n succeeded title snapshots of
// webpages still missing a title, newest first.
func (s *Store) ListReadyForTitleUpdate(ctx context.Context, n int) ([]archive.Snapshot, error) {
	q := `SELECT ` + prefixedSnapshotColumns("s") + `
FROM snapshot s
JOIN webpage w ON w.uid = s.webpage_uid
WHERE s.strategy = ? AND s.state = ? AND w.title IS NULL
ORDER BY s.creation_time DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q,
		int(archive.StrategyTitle), archive.StateSucceeded.String(), n)
	if err != nil {
		return nil, fmt.Errorf("list ready for title update: %w", err)
	}
	return scanSnapshots(rows)
}

// ListReadyForArchiveUpdate returns up to n succeeded internet_archive
// snapshots with a zero helper return code whose webpages still miss
// the archive.org URL, newest first.
func (s *Store) ListReadyForArchiveUpdate(ctx context.Context, n int) ([]archive.Snapshot, error) {
	q := `SELECT ` + prefixedSnapshotColumns("s") + `
FROM snapshot s
JOIN webpage w ON w.uid = s.webpage_uid
WHERE s.strategy = ? AND s.state = ? AND w.internet_archive_url IS NULL
  AND json_extract(s.result, '$.rc') = 0
ORDER BY s.creation_time DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q,
		int(archive.StrategyInternetArchive), archive.StateSucceeded.String(), n)
	if err != nil {
		return nil, fmt.Errorf("list ready for archive update: %w", err)
	}
	return scanSnapshots(rows)
}

// --------------- Scan helpers ---------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (*archive.Snapshot, error) {
	var row struct {
		uid, webpageUID        string
		strategy               int
		state                  string
		creationTime           sql.NullTime
		modifiedTime           sql.NullTime
		result, stdout, stderr sql.NullString
	}
	err := r.Scan(&row.uid, &row.creationTime, &row.webpageUID, &row.strategy,
		&row.state, &row.modifiedTime, &row.result, &row.stdout, &row.stderr)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(row.uid)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot uid: %w", err)
	}
	wid, err := uuid.Parse(row.webpageUID)
	if err != nil {
		return nil, fmt.Errorf("parse webpage uid: %w", err)
	}
	return &archive.Snapshot{
		UID:          id,
		CreationTime: row.creationTime.Time.UTC(),
		WebpageUID:   wid,
		Strategy:     archive.Strategy(row.strategy),
		State:        archive.JobState(row.state),
		ModifiedTime: fromNullTimePtr(row.modifiedTime),
		Result:       fromNullStringPtr(row.result),
		Stdout:       fromNullStringPtr(row.stdout),
		Stderr:       fromNullStringPtr(row.stderr),
	}, nil
}

func scanSnapshotRow(r *sql.Row) (*archive.Snapshot, error) {
	snap, err := scanSnapshot(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

func scanSnapshots(rows *sql.Rows) ([]archive.Snapshot, error) {
	defer rows.Close()
	var out []archive.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

func prefixedSnapshotColumns(alias string) string {
	return alias + ".uid, " + alias + ".creation_time, " + alias + ".webpage_uid, " +
		alias + ".strategy, " + alias + ".state, " + alias + ".modified_time, " +
		alias + ".result, " + alias + ".stdout, " + alias + ".stderr"
}
