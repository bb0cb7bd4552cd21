// Package db tests for upload queue row operations.
package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/tomoike/echonote-core/internal/models"
	"github.com/tomoike/echonote-core/internal/uuid"
)

func testUploadTask(path string) *models.UploadTask {
	return models.NewUploadTask(uuid.New(), "user-1", uuid.New(), path, 2048)
}

// TestInsertUploadTask verifies task insertion.
func TestInsertUploadTask(t *testing.T) {
	repo := setupTestRepo(t)

	task := testUploadTask("/audio/rec-001.m4a")
	if err := repo.InsertUploadTask(task); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}

	got, err := repo.GetUploadTask(task.ID.String())
	if err != nil {
		t.Fatalf("GetUploadTask failed: %v", err)
	}
	if got.LocalPath != "/audio/rec-001.m4a" {
		t.Errorf("LocalPath = %q, want original path", got.LocalPath)
	}
	if got.FileSize != 2048 {
		t.Errorf("FileSize = %d, want 2048", got.FileSize)
	}
	if got.Status != models.UploadStatusPending {
		t.Errorf("Status = %v, want pending", got.Status)
	}
}

// TestDequeueUploadBatch verifies eligibility and the lease.
func TestDequeueUploadBatch(t *testing.T) {
	repo := setupTestRepo(t)

	pending := testUploadTask("/audio/a.m4a")
	if err := repo.InsertUploadTask(pending); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}

	// A failed task with retries left is eligible
	retryable := testUploadTask("/audio/b.m4a")
	if err := repo.InsertUploadTask(retryable); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}
	if err := repo.FailUploadTask(retryable.ID.String(), "timeout"); err != nil {
		t.Fatalf("FailUploadTask failed: %v", err)
	}

	// A failed task out of retries is not
	exhausted := testUploadTask("/audio/c.m4a")
	if err := repo.InsertUploadTask(exhausted); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := repo.FailUploadTask(exhausted.ID.String(), "timeout"); err != nil {
			t.Fatalf("FailUploadTask failed: %v", err)
		}
	}

	batch, err := repo.DequeueUploadBatch(5, 3)
	if err != nil {
		t.Fatalf("DequeueUploadBatch failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("Batch size = %d, want 2", len(batch))
	}
	for _, task := range batch {
		if task.ID == exhausted.ID {
			t.Error("Exhausted task should not be dequeued")
		}
		if task.Status != models.UploadStatusUploading {
			t.Errorf("Status = %v, want uploading", task.Status)
		}
	}

	// Leased tasks are not handed out again
	second, err := repo.DequeueUploadBatch(5, 3)
	if err != nil {
		t.Fatalf("Second DequeueUploadBatch failed: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("Second batch size = %d, want 0", len(second))
	}
}

// TestDequeueUploadBatch_limit verifies the batch cap.
func TestDequeueUploadBatch_limit(t *testing.T) {
	repo := setupTestRepo(t)

	for i := 0; i < 8; i++ {
		if err := repo.InsertUploadTask(testUploadTask("/audio/rec.m4a")); err != nil {
			t.Fatalf("InsertUploadTask failed: %v", err)
		}
	}

	batch, err := repo.DequeueUploadBatch(5, 3)
	if err != nil {
		t.Fatalf("DequeueUploadBatch failed: %v", err)
	}
	if len(batch) != 5 {
		t.Errorf("Batch size = %d, want 5", len(batch))
	}
}

// TestMarkUploadCompleted verifies the success transition.
func TestMarkUploadCompleted(t *testing.T) {
	repo := setupTestRepo(t)

	task := testUploadTask("/audio/done.m4a")
	if err := repo.InsertUploadTask(task); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}

	if err := repo.MarkUploadCompleted(task.ID.String()); err != nil {
		t.Fatalf("MarkUploadCompleted failed: %v", err)
	}

	got, err := repo.GetUploadTask(task.ID.String())
	if err != nil {
		t.Fatalf("GetUploadTask failed: %v", err)
	}
	if got.Status != models.UploadStatusCompleted {
		t.Errorf("Status = %v, want completed", got.Status)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q, want cleared", got.LastError)
	}
}

// TestFailUploadTask verifies the failure transition bumps retries.
func TestFailUploadTask(t *testing.T) {
	repo := setupTestRepo(t)

	task := testUploadTask("/audio/flaky.m4a")
	if err := repo.InsertUploadTask(task); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}

	if err := repo.FailUploadTask(task.ID.String(), "503 from storage"); err != nil {
		t.Fatalf("FailUploadTask failed: %v", err)
	}

	got, _ := repo.GetUploadTask(task.ID.String())
	if got.Status != models.UploadStatusFailed {
		t.Errorf("Status = %v, want failed", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.LastError != "503 from storage" {
		t.Errorf("LastError = %q, want recorded error", got.LastError)
	}
}

// TestDeleteUploadTask verifies removal of unsatisfiable tasks.
func TestDeleteUploadTask(t *testing.T) {
	repo := setupTestRepo(t)

	task := testUploadTask("/audio/vanished.m4a")
	if err := repo.InsertUploadTask(task); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}

	if err := repo.DeleteUploadTask(task.ID.String()); err != nil {
		t.Fatalf("DeleteUploadTask failed: %v", err)
	}
	if _, err := repo.GetUploadTask(task.ID.String()); err != sql.ErrNoRows {
		t.Errorf("GetUploadTask after delete = %v, want sql.ErrNoRows", err)
	}
}

// TestResetStuckUploads verifies crash recovery for leased tasks.
func TestResetStuckUploads(t *testing.T) {
	repo := setupTestRepo(t)

	for i := 0; i < 2; i++ {
		if err := repo.InsertUploadTask(testUploadTask("/audio/rec.m4a")); err != nil {
			t.Fatalf("InsertUploadTask failed: %v", err)
		}
	}
	if _, err := repo.DequeueUploadBatch(2, 3); err != nil {
		t.Fatalf("DequeueUploadBatch failed: %v", err)
	}

	reset, err := repo.ResetStuckUploads()
	if err != nil {
		t.Fatalf("ResetStuckUploads failed: %v", err)
	}
	if reset != 2 {
		t.Errorf("Reset count = %d, want 2", reset)
	}

	batch, err := repo.DequeueUploadBatch(5, 3)
	if err != nil {
		t.Fatalf("DequeueUploadBatch after reset failed: %v", err)
	}
	if len(batch) != 2 {
		t.Errorf("Batch size after reset = %d, want 2", len(batch))
	}
}

// TestPruneCompletedUploads verifies old completed rows are removed.
func TestPruneCompletedUploads(t *testing.T) {
	repo := setupTestRepo(t)

	old := testUploadTask("/audio/old.m4a")
	if err := repo.InsertUploadTask(old); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}
	if err := repo.MarkUploadCompleted(old.ID.String()); err != nil {
		t.Fatalf("MarkUploadCompleted failed: %v", err)
	}
	// Age the completed row past the cutoff
	if _, err := repo.db.Exec(`UPDATE upload_queue SET updated_at = ? WHERE id = ?`,
		time.Now().Add(-48*time.Hour).Unix(), old.ID); err != nil {
		t.Fatalf("Failed to age row: %v", err)
	}

	fresh := testUploadTask("/audio/fresh.m4a")
	if err := repo.InsertUploadTask(fresh); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}
	if err := repo.MarkUploadCompleted(fresh.ID.String()); err != nil {
		t.Fatalf("MarkUploadCompleted failed: %v", err)
	}

	pruned, err := repo.PruneCompletedUploads(24 * time.Hour)
	if err != nil {
		t.Fatalf("PruneCompletedUploads failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Pruned = %d, want 1", pruned)
	}

	if _, err := repo.GetUploadTask(old.ID.String()); err != sql.ErrNoRows {
		t.Errorf("Old task should be pruned, got err = %v", err)
	}
	if _, err := repo.GetUploadTask(fresh.ID.String()); err != nil {
		t.Errorf("Fresh task should survive pruning: %v", err)
	}
}

// TestPendingUploadCount verifies the status surface count.
func TestPendingUploadCount(t *testing.T) {
	repo := setupTestRepo(t)

	// One pending, one leased, one retryable failure, one exhausted
	if err := repo.InsertUploadTask(testUploadTask("/audio/a.m4a")); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}

	leased := testUploadTask("/audio/b.m4a")
	if err := repo.InsertUploadTask(leased); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}

	retryable := testUploadTask("/audio/c.m4a")
	if err := repo.InsertUploadTask(retryable); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}

	exhausted := testUploadTask("/audio/d.m4a")
	if err := repo.InsertUploadTask(exhausted); err != nil {
		t.Fatalf("InsertUploadTask failed: %v", err)
	}

	if _, err := repo.db.Exec(`UPDATE upload_queue SET status = ? WHERE id = ?`,
		models.UploadStatusUploading, leased.ID); err != nil {
		t.Fatalf("Failed to lease task: %v", err)
	}
	if err := repo.FailUploadTask(retryable.ID.String(), "timeout"); err != nil {
		t.Fatalf("FailUploadTask failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := repo.FailUploadTask(exhausted.ID.String(), "timeout"); err != nil {
			t.Fatalf("FailUploadTask failed: %v", err)
		}
	}

	count, err := repo.PendingUploadCount(3)
	if err != nil {
		t.Fatalf("PendingUploadCount failed: %v", err)
	}
	if count != 3 {
		t.Errorf("PendingUploadCount = %d, want 3", count)
	}
}
