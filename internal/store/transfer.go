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

// CreateTransfer inserts a new transfer holding the raw user input.
func (s *Store) CreateTransfer(ctx context.Context, userInput string) (*archive.Transfer, error) {
	t := &archive.Transfer{
		UID:          uuid.New(),
		CreationTime: s.now().UTC(),
		UserInput:    userInput,
	}
	const ins = `INSERT INTO transfer(uid, creation_time, user_input) VALUES(?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, ins, t.UID.String(), t.CreationTime, t.UserInput); err != nil {
		return nil, fmt.Errorf("insert transfer: %w", err)
	}
	return t, nil
}

// GetTransfer retrieves a transfer by uid.
func (s *Store) GetTransfer(ctx context.Context, uid uuid.UUID) (*archive.Transfer, error) {
	const q = `SELECT uid, creation_time, user_input FROM transfer WHERE uid=?`
	var row struct {
		uid, userInput string
		creationTime   sql.NullTime
	}
	err := s.db.QueryRowContext(ctx, q, uid.String()).Scan(&row.uid, &row.creationTime, &row.userInput)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	id, err := uuid.Parse(row.uid)
	if err != nil {
		return nil, fmt.Errorf("parse transfer uid: %w", err)
	}
	return &archive.Transfer{
		UID:          id,
		CreationTime: row.creationTime.Time.UTC(),
		UserInput:    row.userInput,
	}, nil
}

// ListTransfers returns up to n transfers, newest first.
func (s *Store) ListTransfers(ctx context.Context, n int) ([]archive.Transfer, error) {
	const q = `SELECT uid, creation_time, user_input FROM transfer ORDER BY creation_time DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []archive.Transfer
	for rows.Next() {
		var row struct {
			uid, userInput string
			creationTime   sql.NullTime
		}
		if err := rows.Scan(&row.uid, &row.creationTime, &row.userInput); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		id, err := uuid.Parse(row.uid)
		if err != nil {
			return nil, fmt.Errorf("parse transfer uid: %w", err)
		}
		out = append(out, archive.Transfer{
			UID:          id,
			CreationTime: row.creationTime.Time.UTC(),
			UserInput:    row.userInput,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

// CreateTransferJob inserts a PENDING job for the given transfer.
func (s *Store) CreateTransferJob(ctx context.Context, transferUID uuid.UUID) (*archive.TransferJob, error) {
	j := &archive.TransferJob{
		UID:          uuid.New(),
		CreationTime: s.now().UTC(),
		TransferUID:  transferUID,
		State:        archive.StatePending,
	}
	const ins = `INSERT INTO transfer_job(uid, creation_time, transfer_uid, state) VALUES(?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, ins, j.UID.String(), j.CreationTime, j.TransferUID.String(), j.State.String()); err != nil {
		return nil, fmt.Errorf("insert transfer job: %w", err)
	}
	return j, nil
}

// GetTransferJobByState returns the newest job in the given state, or
// ErrNotFound.
func (s *Store) GetTransferJobByState(ctx context.Context, state archive.JobState) (*archive.TransferJob, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("invalid state: %s", state)
	}
	const q = `SELECT uid, creation_time, transfer_uid, state, modified_time
FROM transfer_job WHERE state=? ORDER BY creation_time DESC LIMIT 1`
	var row struct {
		uid, transferUID, state string
		creationTime            sql.NullTime
		modifiedTime            sql.NullTime
	}
	err := s.db.QueryRowContext(ctx, q, state.String()).Scan(
		&row.uid, &row.creationTime, &row.transferUID, &row.state, &row.modifiedTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer job by state: %w", err)
	}
	return scanTransferJob(row.uid, row.transferUID, row.state, row.creationTime, row.modifiedTime)
}

// UpdateTransferJobState transitions one job from state from to state
// to, stamping modified_time. Returns ErrNotFound when the job is not
// in the expected state.
func (s *Store) UpdateTransferJobState(ctx context.Context, uid uuid.UUID, from, to archive.JobState) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	const upd = `UPDATE transfer_job SET state=?, modified_time=? WHERE uid=? AND state=?`
	res, err := s.db.ExecContext(ctx, upd, to.String(), s.now().UTC(), uid.String(), from.String())
	if err != nil {
		return fmt.Errorf("update transfer job state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkUpdateTransferJobState moves every job in state from to state to
// and returns how many rows changed. Used by the startup sweep.
func (s *Store) BulkUpdateTransferJobState(ctx context.Context, from, to archive.JobState) (int64, error) {
	if !from.Valid() || !to.Valid() {
		return 0, fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	const upd = `UPDATE transfer_job SET state=?, modified_time=? WHERE state=?`
	res, err := s.db.ExecContext(ctx, upd, to.String(), s.now().UTC(), from.String())
	if err != nil {
		return 0, fmt.Errorf("bulk update transfer job state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanTransferJob(uid, transferUID, state string, creationTime, modifiedTime sql.NullTime) (*archive.TransferJob, error) {
	id, err := uuid.Parse(uid)
	if err != nil {
		return nil, fmt.Errorf("parse transfer job uid: %w", err)
	}
	tid, err := uuid.Parse(transferUID)
	if err != nil {
		return nil, fmt.Errorf("parse transfer uid: %w", err)
	}
	return &archive.TransferJob{
		UID:          id,
		CreationTime: creationTime.Time.UTC(),
		TransferUID:  tid,
		State:        archive.JobState(state),
		ModifiedTime: fromNullTimePtr(modifiedTime),
	}, nil
}
