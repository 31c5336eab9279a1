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
	"path/filepath"
	"reflect"
	"testing"

	"escriba/internal/store"
	"escriba/pkg/archive"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "escriba.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSplitURLs(t *testing.T) {
	input := "https://a.example/\n\n  https://b.example/  \nhttps://a.example/\n"
	got := splitURLs(input)
	want := []string{"https://a.example/", "https://b.example/"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitURLs = %v, want %v", got, want)
	}
}

func TestTransferJobLoopFansOutWebpages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	transfer, err := s.CreateTransfer(ctx, "https://a.example/\nhttps://b.example/\nhttps://a.example/")
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	job, err := s.CreateTransferJob(ctx, transfer.UID)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	loop := NewTransferJobLoop(s)
	loop.tick(ctx)

	// Duplicate within the transfer collapses to one webpage.
	pages, err := s.ListWebpagesByTransfer(ctx, 10, transfer.UID)
	if err != nil {
		t.Fatalf("list webpages: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("created %d webpages, want 2", len(pages))
	}

	// Every webpage got a pending job.
	seen := 0
	for {
		wj, err := s.GetWebpageJobByState(ctx, archive.StatePending)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			t.Fatalf("get webpage job: %v", err)
		}
		seen++
		if err := s.UpdateWebpageJobState(ctx, wj.UID, archive.StatePending, archive.StateSucceeded); err != nil {
			t.Fatalf("consume webpage job: %v", err)
		}
	}
	if seen != 2 {
		t.Fatalf("created %d webpage jobs, want 2", seen)
	}

	// The transfer job is done.
	if _, err := s.GetTransferJobByState(ctx, archive.StatePending); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("transfer job still pending: err = %v", err)
	}
	if err := s.UpdateTransferJobState(ctx, job.UID, archive.StateSucceeded, archive.StateSucceeded); err != nil {
		t.Fatalf("transfer job not SUCCEEDED: %v", err)
	}
}

func TestTransferJobLoopSkipsUnparsableURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	transfer, _ := s.CreateTransfer(ctx, "https://ok.example/\n://not a url")
	job, _ := s.CreateTransferJob(ctx, transfer.UID)

	loop := NewTransferJobLoop(s)
	loop.tick(ctx)

	pages, err := s.ListWebpagesByTransfer(ctx, 10, transfer.UID)
	if err != nil {
		t.Fatalf("list webpages: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("created %d webpages, want 1", len(pages))
	}
	if err := s.UpdateTransferJobState(ctx, job.UID, archive.StateSucceeded, archive.StateSucceeded); err != nil {
		t.Fatalf("job should still succeed: %v", err)
	}
}

func TestTransferJobLoopIdlesWithoutWork(t *testing.T) {
	s := newTestStore(t)
	loop := NewTransferJobLoop(s)
	// Must not panic or create anything.
	loop.tick(context.Background())

	if _, err := s.GetTransferJobByState(context.Background(), archive.StateExecuting); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("idle tick changed state: err = %v", err)
	}
}
