// Package sync tests for the pull half: paging, guards, tombstones.
package sync

import (
	"context"
	"database/sql"
	"testing"

	"github.com/tomoike/echonote-core/internal/api"
	"github.com/tomoike/echonote-core/internal/models"
	"github.com/tomoike/echonote-core/internal/uuid"
)

// TestSyncNotes_pagination verifies the engine walks every page of the
// listing.
func TestSyncNotes_pagination(t *testing.T) {
	e, repo, remote := setupEngine(t, Config{PageSize: 2})

	for i := 0; i < 3; i++ {
		id := uuid.New().String()
		remote.notes[id] = &api.NoteRecord{ID: id, Title: "Server note", UpdatedAt: 4000}
		remote.noteSummaries = append(remote.noteSummaries, api.Summary{ID: id, UpdatedAt: 4000})
	}

	stats, err := e.SyncNotes(context.Background())
	if err != nil {
		t.Fatalf("SyncNotes failed: %v", err)
	}
	if stats.Pages != 2 {
		t.Errorf("Pages = %d, want 2", stats.Pages)
	}
	if stats.Fetched != 3 {
		t.Errorf("Fetched = %d, want 3", stats.Fetched)
	}
	if stats.Applied != 3 {
		t.Errorf("Applied = %d, want 3", stats.Applied)
	}

	for id := range remote.notes {
		if _, err := repo.GetNote(id); err != nil {
			t.Errorf("note %s missing locally: %v", id, err)
		}
	}
}

// TestSyncNotes_skipsUnchanged verifies a summary matching the local
// server timestamp costs no detail fetch.
func TestSyncNotes_skipsUnchanged(t *testing.T) {
	e, repo, remote := setupEngine(t, Config{})

	n := models.NewNote(uuid.New(), testUser, "Settled")
	n.SyncStatus = models.SyncStatusSynced
	n.ServerUpdatedAt = 4000
	seedNote(t, repo, n)
	remote.noteSummaries = []api.Summary{{ID: n.ID.String(), UpdatedAt: 4000}}

	stats, err := e.SyncNotes(context.Background())
	if err != nil {
		t.Fatalf("SyncNotes failed: %v", err)
	}
	if stats.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", stats.Skipped)
	}
	if remote.callIndex("GetNote") != -1 {
		t.Error("detail fetched for an unchanged record")
	}
}

// TestSyncNotes_appliesNewerServerCopy verifies a newer server record
// overwrites a synced local row.
func TestSyncNotes_appliesNewerServerCopy(t *testing.T) {
	e, repo, remote := setupEngine(t, Config{})

	n := models.NewNote(uuid.New(), testUser, "Stale")
	n.SyncStatus = models.SyncStatusSynced
	n.ServerUpdatedAt = 3000
	seedNote(t, repo, n)
	id := n.ID.String()
	remote.notes[id] = &api.NoteRecord{ID: id, Title: "Edited elsewhere", UpdatedAt: 4000}
	remote.noteSummaries = []api.Summary{{ID: id, UpdatedAt: 4000}}

	stats, err := e.SyncNotes(context.Background())
	if err != nil {
		t.Fatalf("SyncNotes failed: %v", err)
	}
	if stats.Applied != 1 {
		t.Errorf("Applied = %d, want 1", stats.Applied)
	}

	got, _ := repo.GetNote(id)
	if got.Title != "Edited elsewhere" {
		t.Errorf("Title = %q, want server copy", got.Title)
	}
	if got.ServerUpdatedAt != 4000 {
		t.Errorf("ServerUpdatedAt = %d, want 4000", got.ServerUpdatedAt)
	}
}

// TestSyncNotes_tombstone verifies a deletion summary removes the local
// row and its action items without a detail fetch.
func TestSyncNotes_tombstone(t *testing.T) {
	e, repo, remote := setupEngine(t, Config{})

	n := models.NewNote(uuid.New(), testUser, "Deleted elsewhere")
	n.SyncStatus = models.SyncStatusSynced
	n.ServerUpdatedAt = 3000
	seedNote(t, repo, n)
	a := models.NewActionItem(uuid.New(), testUser, n.ID, "Orphaned")
	if err := repo.CreateActionItem(a); err != nil {
		t.Fatalf("CreateActionItem failed: %v", err)
	}
	remote.noteSummaries = []api.Summary{{ID: n.ID.String(), UpdatedAt: 4000, Deleted: true}}

	stats, err := e.SyncNotes(context.Background())
	if err != nil {
		t.Fatalf("SyncNotes failed: %v", err)
	}
	if stats.Tombstones != 1 {
		t.Errorf("Tombstones = %d, want 1", stats.Tombstones)
	}
	if remote.callIndex("GetNote") != -1 {
		t.Error("detail fetched for a tombstone")
	}
	if _, err := repo.GetNoteAny(n.ID.String()); err != sql.ErrNoRows {
		t.Errorf("local row: err = %v, want ErrNoRows", err)
	}
	if _, err := repo.GetActionItem(a.ID.String()); err != sql.ErrNoRows {
		t.Errorf("action item: err = %v, want ErrNoRows", err)
	}
}

// TestSyncNotes_pendingEditPreserved verifies the last-write-wins
// guard: a server copy older than the local edit clock does not clobber
// a pending edit.
func TestSyncNotes_pendingEditPreserved(t *testing.T) {
	e, repo, remote := setupEngine(t, Config{})

	// LocalUpdatedAt defaults to now, far past the server's 2000.
	n := models.NewNote(uuid.New(), testUser, "My edit")
	n.ServerUpdatedAt = 1000
	seedNote(t, repo, n)
	id := n.ID.String()
	remote.notes[id] = &api.NoteRecord{ID: id, Title: "Server copy", UpdatedAt: 2000}
	remote.noteSummaries = []api.Summary{{ID: id, UpdatedAt: 2000}}

	stats, err := e.SyncNotes(context.Background())
	if err != nil {
		t.Fatalf("SyncNotes failed: %v", err)
	}
	if stats.Fetched != 1 {
		t.Errorf("Fetched = %d, want 1", stats.Fetched)
	}
	if stats.Applied != 0 {
		t.Errorf("Applied = %d, want 0", stats.Applied)
	}

	got, _ := repo.GetNote(id)
	if got.Title != "My edit" {
		t.Errorf("Title = %q, want local edit kept", got.Title)
	}
	if got.SyncStatus != models.SyncStatusPending {
		t.Errorf("SyncStatus = %v, want pending", got.SyncStatus)
	}
}

// TestSyncNotes_newerServerReplacesPending verifies last write wins the
// other way: a strictly newer server copy replaces the pending edit and
// drops its queued mutation.
func TestSyncNotes_newerServerReplacesPending(t *testing.T) {
	e, repo, remote := setupEngine(t, Config{})

	n := models.NewNote(uuid.New(), testUser, "Old edit")
	n.LocalUpdatedAt = 1500
	n.ServerUpdatedAt = 1000
	seedNote(t, repo, n)
	enqueue(t, e, models.EntityNote, n.ID, models.OpUpdate, titlePayload("Old edit"))

	id := n.ID.String()
	remote.notes[id] = &api.NoteRecord{ID: id, Title: "Much newer", UpdatedAt: 2000}
	remote.noteSummaries = []api.Summary{{ID: id, UpdatedAt: 2000}}

	stats, err := e.SyncNotes(context.Background())
	if err != nil {
		t.Fatalf("SyncNotes failed: %v", err)
	}
	if stats.Applied != 1 {
		t.Errorf("Applied = %d, want 1", stats.Applied)
	}

	got, _ := repo.GetNote(id)
	if got.Title != "Much newer" {
		t.Errorf("Title = %q, want server copy", got.Title)
	}
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("SyncStatus = %v, want synced", got.SyncStatus)
	}

	depth, _ := e.queue.Depth()
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0 (replaced mutation dropped)", depth)
	}
}

// TestSyncNotes_conflictLeftAlone verifies pulls never touch a
// conflicted row, however new the server copy.
func TestSyncNotes_conflictLeftAlone(t *testing.T) {
	e, repo, remote := setupEngine(t, Config{})

	n := models.NewNote(uuid.New(), testUser, "Under review")
	seedNote(t, repo, n)
	if err := repo.MarkNoteConflict(n.ID.String()); err != nil {
		t.Fatalf("MarkNoteConflict failed: %v", err)
	}
	id := n.ID.String()
	remote.notes[id] = &api.NoteRecord{ID: id, Title: "Server wins?", UpdatedAt: 9000}
	remote.noteSummaries = []api.Summary{{ID: id, UpdatedAt: 9000}}

	stats, err := e.SyncNotes(context.Background())
	if err != nil {
		t.Fatalf("SyncNotes failed: %v", err)
	}
	if stats.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", stats.Skipped)
	}
	if remote.callIndex("GetNote") != -1 {
		t.Error("detail fetched for a conflicted row")
	}

	got, _ := repo.GetNote(id)
	if got.Title != "Under review" {
		t.Errorf("Title = %q, want local copy kept", got.Title)
	}
	if got.SyncStatus != models.SyncStatusConflict {
		t.Errorf("SyncStatus = %v, want conflict", got.SyncStatus)
	}
}

// TestSyncNotes_detailFailureIsolated verifies one record's failed
// fetch does not abort the rest of the page.
func TestSyncNotes_detailFailureIsolated(t *testing.T) {
	e, repo, remote := setupEngine(t, Config{})

	good := uuid.New().String()
	bad := uuid.New().String()
	remote.notes[good] = &api.NoteRecord{ID: good, Title: "Intact", UpdatedAt: 4000}
	remote.noteSummaries = []api.Summary{
		{ID: bad, UpdatedAt: 4000},
		{ID: good, UpdatedAt: 4000},
	}

	stats, err := e.SyncNotes(context.Background())
	if err != nil {
		t.Fatalf("SyncNotes failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
	if stats.Applied != 1 {
		t.Errorf("Applied = %d, want 1", stats.Applied)
	}
	if _, err := repo.GetNote(good); err != nil {
		t.Errorf("intact record missing locally: %v", err)
	}
}

// TestSyncActions_tombstone verifies a server-deleted action item is
// removed locally from the summary alone.
func TestSyncActions_tombstone(t *testing.T) {
	e, repo, remote := setupEngine(t, Config{})

	n := seedNote(t, repo, models.NewNote(uuid.New(), testUser, "Host"))
	a := models.NewActionItem(uuid.New(), testUser, n.ID, "Done elsewhere")
	a.SyncStatus = models.SyncStatusSynced
	a.ServerUpdatedAt = 3000
	if err := repo.CreateActionItem(a); err != nil {
		t.Fatalf("CreateActionItem failed: %v", err)
	}
	remote.actionSummaries = []api.Summary{{ID: a.ID.String(), UpdatedAt: 4000, Deleted: true}}

	stats, err := e.SyncActions(context.Background())
	if err != nil {
		t.Fatalf("SyncActions failed: %v", err)
	}
	if stats.Tombstones != 1 {
		t.Errorf("Tombstones = %d, want 1", stats.Tombstones)
	}
	if _, err := repo.GetActionItem(a.ID.String()); err != sql.ErrNoRows {
		t.Errorf("action lookup: err = %v, want ErrNoRows", err)
	}
}
