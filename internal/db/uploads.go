// Package db provides upload queue row operations.
package db

import (
	"database/sql"
	"time"

	"github.com/tomoike/echonote-core/internal/models"
	"github.com/tomoike/echonote-core/internal/uuid"
)

// =====================================================
// Upload Queue Operations
// =====================================================

// InsertUploadTask enqueues an audio file for upload. The ID is minted
// if the caller did not set one.
func (r *Repository) InsertUploadTask(t *models.UploadTask) error {
	now := time.Now().Unix()
	if t.ID == "" {
		t.ID = uuid.New()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	query := `
	INSERT INTO upload_queue (id, user_id, note_id, local_path, file_size,
		status, retry_count, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, t.ID, t.UserID, t.NoteID, t.LocalPath, t.FileSize,
		t.Status, t.RetryCount, t.LastError, t.CreatedAt, t.UpdatedAt)
	return err
}

// GetUploadTask retrieves an upload task by ID.
func (r *Repository) GetUploadTask(id string) (*models.UploadTask, error) {
	query := uploadSelect + ` WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanUploadTask(stmt.QueryRow(id))
}

// GetUploadTaskForNote retrieves the upload task bound to a note, if any.
func (r *Repository) GetUploadTaskForNote(noteID string) (*models.UploadTask, error) {
	query := uploadSelect + ` WHERE note_id = ? ORDER BY created_at DESC LIMIT 1`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanUploadTask(stmt.QueryRow(noteID))
}

// DequeueUploadBatch leases up to limit upload tasks in arrival order,
// marking them uploading. Eligible tasks are pending ones plus failed
// ones that still have retries left under maxRetries.
func (r *Repository) DequeueUploadBatch(limit, maxRetries int) ([]*models.UploadTask, error) {
	var tasks []*models.UploadTask
	err := r.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(uploadSelect+`
			WHERE status = ? OR (status = ? AND retry_count < ?)
			ORDER BY created_at, id LIMIT ?
		`, models.UploadStatusPending, models.UploadStatusFailed, maxRetries, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanUploadTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().Unix()
		for _, t := range tasks {
			if _, err := tx.Exec(`UPDATE upload_queue SET status = ?, updated_at = ? WHERE id = ?`,
				models.UploadStatusUploading, now, t.ID); err != nil {
				return err
			}
			t.Status = models.UploadStatusUploading
			t.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// MarkUploadCompleted records a finished upload. Completed rows are
// kept until PruneCompletedUploads runs.
func (r *Repository) MarkUploadCompleted(id string) error {
	result, err := r.db.Exec(`UPDATE upload_queue SET status = ?, last_error = '', updated_at = ? WHERE id = ?`,
		models.UploadStatusCompleted, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FailUploadTask records an upload failure, bumping the retry count.
// The pipeline decides whether the task is retried on a later pass.
func (r *Repository) FailUploadTask(id string, errMsg string) error {
	query := `
	UPDATE upload_queue
	SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?
	WHERE id = ?
	`
	result, err := r.db.Exec(query, models.UploadStatusFailed, errMsg, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteUploadTask removes an upload task outright. Used when the local
// file has disappeared and the task can never succeed.
func (r *Repository) DeleteUploadTask(id string) error {
	_, err := r.db.Exec(`DELETE FROM upload_queue WHERE id = ?`, id)
	return err
}

// ResetStuckUploads returns all leased tasks to pending. Called once at
// startup so uploads in flight during a crash are retried. Retry counts
// are not bumped.
func (r *Repository) ResetStuckUploads() (int, error) {
	result, err := r.db.Exec(`
		UPDATE upload_queue SET status = ?, updated_at = ? WHERE status = ?
	`, models.UploadStatusPending, time.Now().Unix(), models.UploadStatusUploading)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// PruneCompletedUploads removes completed tasks older than maxAge so
// the upload queue does not grow without bound.
func (r *Repository) PruneCompletedUploads(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	result, err := r.db.Exec(`
		DELETE FROM upload_queue WHERE status = ? AND updated_at < ?
	`, models.UploadStatusCompleted, cutoff)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// PendingUploadCount returns the number of tasks that still need work:
// waiting, in flight, or failed with retries left under maxRetries.
func (r *Repository) PendingUploadCount(maxRetries int) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM upload_queue
		WHERE status IN (?, ?) OR (status = ? AND retry_count < ?)
	`, models.UploadStatusPending, models.UploadStatusUploading,
		models.UploadStatusFailed, maxRetries).Scan(&count)
	return count, err
}

// ListUploadTasks returns a user's upload tasks in arrival order.
func (r *Repository) ListUploadTasks(userID string, limit int) ([]*models.UploadTask, error) {
	query := uploadSelect + ` WHERE user_id = ? ORDER BY created_at, id LIMIT ?`
	rows, err := r.db.Query(query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.UploadTask
	for rows.Next() {
		t, err := scanUploadTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

const uploadSelect = `
	SELECT id, user_id, note_id, local_path, file_size,
		   status, retry_count, last_error, created_at, updated_at
	FROM upload_queue`

func scanUploadTask(row rowScanner) (*models.UploadTask, error) {
	var t models.UploadTask
	err := row.Scan(
		&t.ID, &t.UserID, &t.NoteID, &t.LocalPath, &t.FileSize,
		&t.Status, &t.RetryCount, &t.LastError, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
