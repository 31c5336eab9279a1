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

package daemon

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"escriba/internal/store"
	"escriba/pkg/archive"
)

func seedWebpage(t *testing.T, s *store.Store, rawURL string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	transfer, err := s.CreateTransfer(ctx, rawURL)
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	job, err := s.CreateTransferJob(ctx, transfer.UID)
	if err != nil {
		t.Fatalf("create transfer job: %v", err)
	}
	u, err := archive.NormalizeURL(rawURL)
	if err != nil {
		t.Fatalf("normalize url: %v", err)
	}
	wid, err := s.CreateWebpage(ctx, job.UID, u)
	if err != nil {
		t.Fatalf("create webpage: %v", err)
	}
	return wid
}

func TestWebpageJobLoopCreatesSnapshotPerStrategy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wid := seedWebpage(t, s, "https://example.com/")
	job, err := s.CreateWebpageJob(ctx, wid)
	if err != nil {
		t.Fatalf("create webpage job: %v", err)
	}

	loop := NewWebpageJobLoop(s)
	loop.tick(ctx)

	snaps, err := s.ListSnapshotsByWebpage(ctx, 100, wid)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	want := archive.Strategies()
	if len(snaps) != len(want) {
		t.Fatalf("created %d snapshots, want %d", len(snaps), len(want))
	}
	byStrategy := make(map[archive.Strategy]bool, len(snaps))
	for _, snap := range snaps {
		if snap.State != archive.StatePending {
			t.Fatalf("snapshot %s state = %s, want PENDING", snap.UID, snap.State)
		}
		byStrategy[snap.Strategy] = true
	}
	for _, strategy := range want {
		if !byStrategy[strategy] {
			t.Fatalf("no snapshot for strategy %s", strategy)
		}
	}

	// The job is finished.
	if _, err := s.GetWebpageJobByState(ctx, archive.StatePending); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("webpage job still pending: err = %v", err)
	}
	if err := s.UpdateWebpageJobState(ctx, job.UID, archive.StateSucceeded, archive.StateSucceeded); err != nil {
		t.Fatalf("webpage job not SUCCEEDED: %v", err)
	}
}

func TestWebpageJobLoopIdlesWithoutWork(t *testing.T) {
	s := newTestStore(t)
	loop := NewWebpageJobLoop(s)
	loop.tick(context.Background())

	if _, err := s.GetWebpageJobByState(context.Background(), archive.StateExecuting); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("idle tick changed state: err = %v", err)
	}
}
