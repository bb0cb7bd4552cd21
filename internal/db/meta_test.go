// Package db tests for hydration markers, sessions and cross-table helpers.
package db

import (
	"database/sql"
	"testing"

	"github.com/tomoike/echonote-core/internal/models"
	"github.com/tomoike/echonote-core/internal/uuid"
)

// =====================================================
// Hydration Marker Tests
// =====================================================

// TestSaveHydrationMarker verifies marker persistence and replacement.
func TestSaveHydrationMarker(t *testing.T) {
	repo := setupTestRepo(t)

	m := models.NewHydrationMarker("user-1", 10, 2, 5)
	if err := repo.SaveHydrationMarker(m); err != nil {
		t.Fatalf("SaveHydrationMarker failed: %v", err)
	}

	got, err := repo.GetHydrationMarker("user-1")
	if err != nil {
		t.Fatalf("GetHydrationMarker failed: %v", err)
	}
	if !got.Completed {
		t.Error("Completed should be true")
	}
	if got.NoteCount != 10 || got.FolderCount != 2 || got.ActionCount != 5 {
		t.Errorf("Counts = %d/%d/%d, want 10/2/5", got.NoteCount, got.FolderCount, got.ActionCount)
	}
	if got.CompletedAt == 0 {
		t.Error("CompletedAt should be set")
	}

	// Saving again replaces the counts
	m2 := models.NewHydrationMarker("user-1", 11, 3, 6)
	if err := repo.SaveHydrationMarker(m2); err != nil {
		t.Fatalf("Second SaveHydrationMarker failed: %v", err)
	}
	got, _ = repo.GetHydrationMarker("user-1")
	if got.NoteCount != 11 {
		t.Errorf("NoteCount after replace = %d, want 11", got.NoteCount)
	}
}

// TestGetHydrationMarker_missing verifies the not-hydrated case.
func TestGetHydrationMarker_missing(t *testing.T) {
	repo := setupTestRepo(t)

	if _, err := repo.GetHydrationMarker("never-seen"); err != sql.ErrNoRows {
		t.Errorf("GetHydrationMarker on missing user = %v, want sql.ErrNoRows", err)
	}
}

// TestDeleteHydrationMarker verifies marker removal.
func TestDeleteHydrationMarker(t *testing.T) {
	repo := setupTestRepo(t)

	if err := repo.SaveHydrationMarker(models.NewHydrationMarker("user-1", 1, 1, 1)); err != nil {
		t.Fatalf("SaveHydrationMarker failed: %v", err)
	}
	if err := repo.DeleteHydrationMarker("user-1"); err != nil {
		t.Fatalf("DeleteHydrationMarker failed: %v", err)
	}
	if _, err := repo.GetHydrationMarker("user-1"); err != sql.ErrNoRows {
		t.Errorf("GetHydrationMarker after delete = %v, want sql.ErrNoRows", err)
	}
}

// =====================================================
// Session Tests
// =====================================================

// TestSaveSession verifies session persistence.
func TestSaveSession(t *testing.T) {
	repo := setupTestRepo(t)

	s := models.NewSession("user-1", "encrypted-token", "https://api.echonote.app")
	if err := repo.SaveSession(s); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := repo.GetSession()
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", got.UserID, "user-1")
	}
	if got.TokenEncrypted != "encrypted-token" {
		t.Errorf("TokenEncrypted = %q, want stored token", got.TokenEncrypted)
	}
	if got.BaseURL != "https://api.echonote.app" {
		t.Errorf("BaseURL = %q, want stored URL", got.BaseURL)
	}
}

// TestSaveSession_replacesOtherUser verifies one session at a time.
func TestSaveSession_replacesOtherUser(t *testing.T) {
	repo := setupTestRepo(t)

	if err := repo.SaveSession(models.NewSession("user-1", "tok-1", "")); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := repo.SaveSession(models.NewSession("user-2", "tok-2", "")); err != nil {
		t.Fatalf("Second SaveSession failed: %v", err)
	}

	got, err := repo.GetSession()
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.UserID != "user-2" {
		t.Errorf("UserID = %q, want %q", got.UserID, "user-2")
	}

	var count int
	if err := repo.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		t.Fatalf("Count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Session rows = %d, want 1", count)
	}
}

// TestDeleteSession verifies sign-out removes the session.
func TestDeleteSession(t *testing.T) {
	repo := setupTestRepo(t)

	if err := repo.SaveSession(models.NewSession("user-1", "tok", "")); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := repo.DeleteSession("user-1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := repo.GetSession(); err != sql.ErrNoRows {
		t.Errorf("GetSession after delete = %v, want sql.ErrNoRows", err)
	}
}

// TestTouchSession verifies activity tracking.
func TestTouchSession(t *testing.T) {
	repo := setupTestRepo(t)

	s := models.NewSession("user-1", "tok", "")
	s.LastActiveAt = 100
	if err := repo.SaveSession(s); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := repo.TouchSession("user-1"); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}

	got, _ := repo.GetSession()
	if got.LastActiveAt <= 100 {
		t.Errorf("LastActiveAt = %d, want advanced past 100", got.LastActiveAt)
	}
}

// =====================================================
// Cross-table Tests
// =====================================================

// TestCountConflicts verifies the conflict count spans all entity tables.
func TestCountConflicts(t *testing.T) {
	repo := setupTestRepo(t)

	n := testNote("user-1", "Contested note")
	if err := repo.CreateNote(n); err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}
	if err := repo.MarkNoteConflict(n.ID.String()); err != nil {
		t.Fatalf("MarkNoteConflict failed: %v", err)
	}

	a := models.NewActionItem(uuid.New(), "user-1", n.ID, "Contested task")
	if err := repo.CreateActionItem(a); err != nil {
		t.Fatalf("CreateActionItem failed: %v", err)
	}
	if err := repo.MarkActionItemConflict(a.ID.String()); err != nil {
		t.Fatalf("MarkActionItemConflict failed: %v", err)
	}

	// A clean note does not count
	if err := repo.CreateNote(testNote("user-1", "Fine")); err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}

	count, err := repo.CountConflicts("user-1")
	if err != nil {
		t.Fatalf("CountConflicts failed: %v", err)
	}
	if count != 2 {
		t.Errorf("CountConflicts = %d, want 2", count)
	}
}

// TestClearAllData verifies the user-switch wipe empties every table.
func TestClearAllData(t *testing.T) {
	repo := setupTestRepo(t)

	if err := repo.CreateNote(testNote("user-1", "A note")); err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}
	if err := repo.CreateFolder(models.NewFolder(uuid.New(), "user-1", "A folder")); err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	item := testQueueItem(t, models.OpCreate, titlePayload("queued"))
	if err := repo.InsertQueueItem(item); err != nil {
		t.Fatalf("InsertQueueItem failed: %v", err)
	}
	if err := repo.InsertUploadTask(testUploadTask("/audio/rec.m4a")); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}
	if err := repo.SaveHydrationMarker(models.NewHydrationMarker("user-1", 1, 1, 0)); err != nil {
		t.Fatalf("SaveHydrationMarker failed: %v", err)
	}
	if err := repo.SaveSession(models.NewSession("user-1", "tok", "")); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := repo.ClearAllData(); err != nil {
		t.Fatalf("ClearAllData failed: %v", err)
	}

	tables := []string{
		"notes", "folders", "action_items", "mutation_queue",
		"upload_queue", "hydration_markers", "sessions",
	}
	for _, table := range tables {
		var count int
		if err := repo.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatalf("Count query for %s failed: %v", table, err)
		}
		if count != 0 {
			t.Errorf("Table %s has %d rows after wipe, want 0", table, count)
		}
	}
}
