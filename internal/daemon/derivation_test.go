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
	"testing"

	"github.com/google/uuid"

	"escriba/internal/store"
	"escriba/pkg/archive"
)

func finishSnapshot(t *testing.T, s *store.Store, wid uuid.UUID, strategy archive.Strategy, result, stdout string) {
	t.Helper()
	ctx := context.Background()
	snap, err := s.CreateSnapshot(ctx, wid, strategy)
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if err := s.UpdateSnapshotState(ctx, snap.UID, archive.StatePending, archive.StateExecuting); err != nil {
		t.Fatalf("claim snapshot: %v", err)
	}
	if err := s.UpdateSnapshotResult(ctx, snap.UID, archive.StateSucceeded, result, &stdout, nil); err != nil {
		t.Fatalf("finish snapshot: %v", err)
	}
}

func TestTitleLoopTrimsAndCommits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wid := seedWebpage(t, s, "https://example.com/")
	finishSnapshot(t, s, wid, archive.StrategyTitle, `{"rc":0}`, "  Example Domain \n")

	loop := NewTitleLoop(s)
	loop.tick(ctx)

	page, err := s.GetWebpage(ctx, wid)
	if err != nil {
		t.Fatalf("get webpage: %v", err)
	}
	if page.Title == nil || *page.Title != "Example Domain" {
		t.Fatalf("title = %v, want Example Domain", page.Title)
	}

	// A second tick has nothing to do.
	ready, err := s.ListReadyForTitleUpdate(ctx, 100)
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("ready after commit = %d, want 0", len(ready))
	}
}

func TestTitleLoopCommitsEmptyTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wid := seedWebpage(t, s, "https://example.com/")
	finishSnapshot(t, s, wid, archive.StrategyTitle, `{"rc":0}`, "   \n")

	loop := NewTitleLoop(s)
	loop.tick(ctx)

	// The empty title is still written, so the snapshot leaves the
	// queue instead of spinning.
	page, err := s.GetWebpage(ctx, wid)
	if err != nil {
		t.Fatalf("get webpage: %v", err)
	}
	if page.Title == nil || *page.Title != "" {
		t.Fatalf("title = %v, want empty string", page.Title)
	}
	ready, err := s.ListReadyForTitleUpdate(ctx, 100)
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("ready after empty commit = %d, want 0", len(ready))
	}
}

func TestInternetArchiveLoopCommitsURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wid := seedWebpage(t, s, "https://example.com/")
	finishSnapshot(t, s, wid, archive.StrategyInternetArchive, `{"rc":0}`,
		"https://web.archive.org/web/20250601000000/https://example.com/\n")

	loop := NewInternetArchiveLoop(s)
	loop.tick(ctx)

	page, err := s.GetWebpage(ctx, wid)
	if err != nil {
		t.Fatalf("get webpage: %v", err)
	}
	want := "https://web.archive.org/web/20250601000000/https://example.com/"
	if page.InternetArchiveURL == nil || *page.InternetArchiveURL != want {
		t.Fatalf("archive url = %v, want %s", page.InternetArchiveURL, want)
	}
}

func TestInternetArchiveLoopSkipsNonzeroReturnCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wid := seedWebpage(t, s, "https://example.com/")
	finishSnapshot(t, s, wid, archive.StrategyInternetArchive, `{"rc":1}`,
		"https://web.archive.org/web/x\n")

	loop := NewInternetArchiveLoop(s)
	loop.tick(ctx)

	page, err := s.GetWebpage(ctx, wid)
	if err != nil {
		t.Fatalf("get webpage: %v", err)
	}
	if page.InternetArchiveURL != nil {
		t.Fatalf("archive url set from rc!=0 snapshot: %s", *page.InternetArchiveURL)
	}
}
