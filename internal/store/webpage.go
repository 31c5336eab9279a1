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
	"net/url"

	"github.com/google/uuid"

	"escriba/pkg/archive"
)

// CreateWebpage resolves u to a webpage row, inserting one if the URL
// is new, and records the association with the transfer job either
// way. Returns the webpage uid.
func (s *Store) CreateWebpage(ctx context.Context, transferJobUID uuid.UUID, u *url.URL) (uuid.UUID, error) {
	var webpageUID uuid.UUID
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT uid FROM webpage WHERE url=?`
		var existing string
		err := tx.QueryRowContext(ctx, sel, u.String()).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			webpageUID = uuid.New()
			const ins = `INSERT INTO webpage(uid, creation_time, url) VALUES(?, ?, ?)`
			if _, err := tx.ExecContext(ctx, ins, webpageUID.String(), s.now().UTC(), u.String()); err != nil {
				return fmt.Errorf("insert webpage: %w", err)
			}
		case err != nil:
			return fmt.Errorf("select webpage by url: %w", err)
		default:
			webpageUID, err = uuid.Parse(existing)
			if err != nil {
				return fmt.Errorf("parse webpage uid: %w", err)
			}
		}

		const assoc = `INSERT INTO webpage_transfer_job_association(webpage_uid, transfer_job_uid) VALUES(?, ?)`
		if _, err := tx.ExecContext(ctx, assoc, webpageUID.String(), transferJobUID.String()); err != nil {
			return fmt.Errorf("insert webpage association: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return webpageUID, nil
}

// GetWebpage retrieves a webpage by uid.
func (s *Store) GetWebpage(ctx context.Context, uid uuid.UUID) (*archive.Webpage, error) {
	const q = `SELECT uid, creation_time, url, title, internet_archive_url, modified_time
FROM webpage WHERE uid=?`
	var row struct {
		uid, rawURL    string
		creationTime   sql.NullTime
		title, iaURL   sql.NullString
		modifiedTime   sql.NullTime
	}
	err := s.db.QueryRowContext(ctx, q, uid.String()).Scan(
		&row.uid, &row.creationTime, &row.rawURL, &row.title, &row.iaURL, &row.modifiedTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webpage: %w", err)
	}
	return scanWebpage(row.uid, row.rawURL, row.creationTime, row.title, row.iaURL, row.modifiedTime)
}

// UpdateWebpageTitle sets the title of a webpage.
func (s *Store) UpdateWebpageTitle(ctx context.Context, uid uuid.UUID, title string) error {
	const upd = `UPDATE webpage SET title=?, modified_time=? WHERE uid=?`
	res, err := s.db.ExecContext(ctx, upd, title, s.now().UTC(), uid.String())
	if err != nil {
		return fmt.Errorf("update webpage title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWebpageInternetArchiveURL sets the archive.org URL of a webpage.
func (s *Store) UpdateWebpageInternetArchiveURL(ctx context.Context, uid uuid.UUID, archiveURL string) error {
	const upd = `UPDATE webpage SET internet_archive_url=?, modified_time=? WHERE uid=?`
	res, err := s.db.ExecContext(ctx, upd, archiveURL, s.now().UTC(), uid.String())
	if err != nil {
		return fmt.Errorf("update webpage archive url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWebpagesByTransfer returns up to n webpages submitted in the
// given transfer, newest first.
func (s *Store) ListWebpagesByTransfer(ctx context.Context, n int, transferUID uuid.UUID) ([]archive.Webpage, error) {
	const q = `SELECT DISTINCT w.uid, w.creation_time, w.url, w.title, w.internet_archive_url, w.modified_time
FROM webpage w
JOIN webpage_transfer_job_association a ON a.webpage_uid = w.uid
JOIN transfer_job j ON j.uid = a.transfer_job_uid
WHERE j.transfer_uid = ?
ORDER BY w.creation_time DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, transferUID.String(), n)
	if err != nil {
		return nil, fmt.Errorf("list webpages by transfer: %w", err)
	}
	defer rows.Close()

	var out []archive.Webpage
	for rows.Next() {
		var row struct {
			uid, rawURL  string
			creationTime sql.NullTime
			title, iaURL sql.NullString
			modifiedTime sql.NullTime
		}
		if err := rows.Scan(&row.uid, &row.creationTime, &row.rawURL, &row.title, &row.iaURL, &row.modifiedTime); err != nil {
			return nil, fmt.Errorf("scan webpage: %w", err)
		}
		w, err := scanWebpage(row.uid, row.rawURL, row.creationTime, row.title, row.iaURL, row.modifiedTime)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webpages: %w", err)
	}
	return out, nil
}

// CreateWebpageJob inserts a PENDING job for the given webpage.
func (s *Store) CreateWebpageJob(ctx context.Context, webpageUID uuid.UUID) (*archive.WebpageJob, error) {
	j := &archive.WebpageJob{
		UID:          uuid.New(),
		CreationTime: s.now().UTC(),
		WebpageUID:   webpageUID,
		State:        archive.StatePending,
	}
	const ins = `INSERT INTO webpage_job(uid, creation_time, webpage_uid, state) VALUES(?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, ins, j.UID.String(), j.CreationTime, j.WebpageUID.String(), j.State.String()); err != nil {
		return nil, fmt.Errorf("insert webpage job: %w", err)
	}
	return j, nil
}

// GetWebpageJobByState returns the newest job in the given state, or
// ErrNotFound.
func (s *Store) GetWebpageJobByState(ctx context.Context, state archive.JobState) (*archive.WebpageJob, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("invalid state: %s", state)
	}
	const q = `SELECT uid, creation_time, webpage_uid, state, modified_time
FROM webpage_job WHERE state=? ORDER BY creation_time DESC LIMIT 1`
	var row struct {
		uid, webpageUID, state string
		creationTime           sql.NullTime
		modifiedTime           sql.NullTime
	}
	err := s.db.QueryRowContext(ctx, q, state.String()).Scan(
		&row.uid, &row.creationTime, &row.webpageUID, &row.state, &row.modifiedTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webpage job by state: %w", err)
	}
	id, err := uuid.Parse(row.uid)
	if err != nil {
		return nil, fmt.Errorf("parse webpage job uid: %w", err)
	}
	wid, err := uuid.Parse(row.webpageUID)
	if err != nil {
		return nil, fmt.Errorf("parse webpage uid: %w", err)
	}
	return &archive.WebpageJob{
		UID:          id,
		CreationTime: row.creationTime.Time.UTC(),
		WebpageUID:   wid,
		State:        archive.JobState(row.state),
		ModifiedTime: fromNullTimePtr(row.modifiedTime),
	}, nil
}

// UpdateWebpageJobState transitions one job from state from to state
// to, stamping modified_time.
func (s *Store) UpdateWebpageJobState(ctx context.Context, uid uuid.UUID, from, to archive.JobState) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	const upd = `UPDATE webpage_job SET state=?, modified_time=? WHERE uid=? AND state=?`
	res, err := s.db.ExecContext(ctx, upd, to.String(), s.now().UTC(), uid.String(), from.String())
	if err != nil {
		return fmt.Errorf("update webpage job state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkUpdateWebpageJobState moves every job in state from to state to.
func (s *Store) BulkUpdateWebpageJobState(ctx context.Context, from, to archive.JobState) (int64, error) {
	if !from.Valid() || !to.Valid() {
		return 0, fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	const upd = `UPDATE webpage_job SET state=?, modified_time=? WHERE state=?`
	res, err := s.db.ExecContext(ctx, upd, to.String(), s.now().UTC(), from.String())
	if err != nil {
		return 0, fmt.Errorf("bulk update webpage job state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanWebpage(uid, rawURL string, creationTime sql.NullTime, title, iaURL sql.NullString, modifiedTime sql.NullTime) (*archive.Webpage, error) {
	id, err := uuid.Parse(uid)
	if err != nil {
		return nil, fmt.Errorf("parse webpage uid: %w", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse webpage url: %w", err)
	}
	return &archive.Webpage{
		UID:                id,
		URL:                u,
		CreationTime:       creationTime.Time.UTC(),
		Title:              fromNullStringPtr(title),
		InternetArchiveURL: fromNullStringPtr(iaURL),
		ModifiedTime:       fromNullTimePtr(modifiedTime),
	}, nil
}
