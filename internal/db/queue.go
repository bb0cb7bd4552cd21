// Package db provides mutation queue row operations.
package db

import (
	"database/sql"
	"time"

	"github.com/tomoike/echonote-core/internal/models"
)

// =====================================================
// Mutation Queue Operations
// =====================================================

// InsertQueueItem appends a mutation to the queue. The row ID is the
// arrival order and is written back to item.ID.
func (r *Repository) InsertQueueItem(item *models.QueueItem) error {
	now := time.Now().Unix()
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	query := `
	INSERT INTO mutation_queue (user_id, entity_type, entity_id, operation, payload,
		status, retry_count, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query, item.UserID, item.EntityType, item.EntityID,
		item.Operation, item.RawPayload, item.Status, item.RetryCount,
		item.LastError, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	item.ID = id
	return nil
}

// GetQueueItem retrieves a queue item by ID.
func (r *Repository) GetQueueItem(id int64) (*models.QueueItem, error) {
	query := queueSelect + ` WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanQueueItem(stmt.QueryRow(id))
}

// FindCoalescableQueueItem returns the newest queue item for an entity
// that a fresh mutation may be folded into: pending items have not been
// picked up yet, failed items are revived by the new edit. Items in
// flight (processing) are never coalesced.
func (r *Repository) FindCoalescableQueueItem(entityType models.EntityType, entityID string) (*models.QueueItem, error) {
	query := queueSelect + `
	WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?)
	ORDER BY id DESC LIMIT 1`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanQueueItem(stmt.QueryRow(entityType, entityID,
		models.QueueStatusPending, models.QueueStatusFailed))
}

// UpdateQueueItemIfIdle rewrites a queue item's operation, payload and
// status, but only while the item is still pending or failed. Returns
// false if the item was leased or removed in the meantime, in which
// case the caller should append a fresh item instead.
func (r *Repository) UpdateQueueItemIfIdle(item *models.QueueItem) (bool, error) {
	item.UpdatedAt = time.Now().Unix()
	query := `
	UPDATE mutation_queue
	SET operation = ?, payload = ?, status = ?, retry_count = ?, last_error = ?, updated_at = ?
	WHERE id = ? AND status IN (?, ?)
	`
	result, err := r.db.Exec(query, item.Operation, item.RawPayload, item.Status,
		item.RetryCount, item.LastError, item.UpdatedAt,
		item.ID, models.QueueStatusPending, models.QueueStatusFailed)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// DeleteQueueItemIfIdle removes a queue item, but only while it is
// still pending or failed. Returns false if the item was leased or
// removed in the meantime.
func (r *Repository) DeleteQueueItemIfIdle(id int64) (bool, error) {
	result, err := r.db.Exec(`
		DELETE FROM mutation_queue WHERE id = ? AND status IN (?, ?)
	`, id, models.QueueStatusPending, models.QueueStatusFailed)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// DequeueQueueBatch leases up to limit pending items in arrival order,
// marking them processing so a concurrent pass cannot pick them up. The
// select and the lease happen in one transaction.
func (r *Repository) DequeueQueueBatch(limit int) ([]*models.QueueItem, error) {
	var items []*models.QueueItem
	err := r.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(queueSelect+` WHERE status = ? ORDER BY id LIMIT ?`,
			models.QueueStatusPending, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			item, err := scanQueueItem(rows)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().Unix()
		for _, item := range items {
			if _, err := tx.Exec(`UPDATE mutation_queue SET status = ?, updated_at = ? WHERE id = ?`,
				models.QueueStatusProcessing, now, item.ID); err != nil {
				return err
			}
			item.Status = models.QueueStatusProcessing
			item.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// CompleteQueueItem removes a queue item after the server acknowledged
// the mutation.
func (r *Repository) CompleteQueueItem(id int64) error {
	result, err := r.db.Exec(`DELETE FROM mutation_queue WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RequeueQueueItem returns a leased item to pending after a retryable
// failure, bumping its retry count and recording the error.
func (r *Repository) RequeueQueueItem(id int64, errMsg string) error {
	query := `
	UPDATE mutation_queue
	SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?
	WHERE id = ?
	`
	result, err := r.db.Exec(query, models.QueueStatusPending, errMsg, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FailQueueItem parks an item as failed, counting the attempt. Failed
// items are skipped by dequeue until a fresh edit coalesces into them.
func (r *Repository) FailQueueItem(id int64, errMsg string) error {
	query := `
	UPDATE mutation_queue
	SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?
	WHERE id = ?
	`
	result, err := r.db.Exec(query, models.QueueStatusFailed, errMsg, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ResetProcessingQueueItems returns all leased items to pending. Called
// once at startup so mutations in flight during a crash are retried.
// Retry counts are not bumped; a crash is not a server rejection.
func (r *Repository) ResetProcessingQueueItems() (int, error) {
	result, err := r.db.Exec(`
		UPDATE mutation_queue SET status = ?, updated_at = ? WHERE status = ?
	`, models.QueueStatusPending, time.Now().Unix(), models.QueueStatusProcessing)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// QueueDepth returns the number of items waiting to be pushed.
func (r *Repository) QueueDepth() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM mutation_queue WHERE status = ?`,
		models.QueueStatusPending).Scan(&count)
	return count, err
}

// QueueStats summarizes the mutation queue by status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

// GetQueueStats returns queue counts by status.
func (r *Repository) GetQueueStats() (*QueueStats, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM mutation_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats QueueStats
	for rows.Next() {
		var status models.QueueStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case models.QueueStatusPending:
			stats.Pending = count
		case models.QueueStatusProcessing:
			stats.Processing = count
		case models.QueueStatusFailed:
			stats.Failed = count
		}
	}
	return &stats, rows.Err()
}

// ListQueueItems returns queue items in arrival order, optionally
// filtered by status. Used by the status surface and tests.
func (r *Repository) ListQueueItems(status models.QueueStatus, limit int) ([]*models.QueueItem, error) {
	var query string
	var args []interface{}

	if status != "" {
		query = queueSelect + ` WHERE status = ? ORDER BY id LIMIT ?`
		args = []interface{}{status, limit}
	} else {
		query = queueSelect + ` ORDER BY id LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

const queueSelect = `
	SELECT id, user_id, entity_type, entity_id, operation, payload,
		   status, retry_count, last_error, created_at, updated_at
	FROM mutation_queue`

func scanQueueItem(row rowScanner) (*models.QueueItem, error) {
	var item models.QueueItem
	err := row.Scan(
		&item.ID, &item.UserID, &item.EntityType, &item.EntityID, &item.Operation,
		&item.RawPayload, &item.Status, &item.RetryCount, &item.LastError,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}
