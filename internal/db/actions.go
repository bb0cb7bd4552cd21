// Package db provides action item row operations.
package db

import (
	"database/sql"
	"time"

	"github.com/tomoike/echonote-core/internal/models"
	"github.com/tomoike/echonote-core/internal/uuid"
)

// =====================================================
// Action Item Operations
// =====================================================

// Action items are small and regenerable from their note, so deletion
// is a hard row delete rather than a tombstone.

// CreateActionItem inserts a new action item. The ID is minted if the
// caller did not set one; timestamps are filled in if zero.
func (r *Repository) CreateActionItem(a *models.ActionItem) error {
	now := time.Now().Unix()
	if a.ID == "" {
		a.ID = uuid.New()
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	if a.LocalUpdatedAt == 0 {
		a.LocalUpdatedAt = now
	}

	query := `
	INSERT INTO action_items (id, user_id, note_id, body, completed, due_at,
		sync_status, local_updated_at, server_updated_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, a.ID, a.UserID, a.NoteID, a.Body, a.Completed,
		dueAtValue(a.DueAt), a.SyncStatus, a.LocalUpdatedAt, a.ServerUpdatedAt, a.CreatedAt)
	return err
}

// GetActionItem retrieves an action item by ID.
func (r *Repository) GetActionItem(id string) (*models.ActionItem, error) {
	query := actionSelect + ` WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanActionItem(stmt.QueryRow(id))
}

// ListActionItems returns a user's action items with pagination. Pass
// noteID to restrict to one note; empty means all notes.
func (r *Repository) ListActionItems(userID, noteID string, limit, offset int) ([]*models.ActionItem, error) {
	baseQuery := actionSelect + ` WHERE user_id = ?`
	orderLimit := ` ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var query string
	var args []interface{}

	if noteID != "" {
		query = baseQuery + ` AND note_id = ?` + orderLimit
		args = []interface{}{userID, noteID, limit, offset}
	} else {
		query = baseQuery + orderLimit
		args = []interface{}{userID, limit, offset}
	}

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.ActionItem
	for rows.Next() {
		a, err := scanActionItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// UpdateActionItem persists a locally edited action item. The caller is
// responsible for calling Touch() first.
func (r *Repository) UpdateActionItem(a *models.ActionItem) error {
	query := `
	UPDATE action_items SET body = ?, completed = ?, due_at = ?, sync_status = ?, local_updated_at = ?
	WHERE id = ?
	`
	result, err := r.db.Exec(query, a.Body, a.Completed, dueAtValue(a.DueAt),
		a.SyncStatus, a.LocalUpdatedAt, a.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteActionItem removes an action item row.
func (r *Repository) DeleteActionItem(id string) error {
	result, err := r.db.Exec(`DELETE FROM action_items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteActionItemsForNote removes all action items belonging to a
// note. Called when a note deletion is applied locally.
func (r *Repository) DeleteActionItemsForNote(noteID string) error {
	_, err := r.db.Exec(`DELETE FROM action_items WHERE note_id = ?`, noteID)
	return err
}

// UpsertActionItemFromServer applies a server copy of an action item to
// local storage. Same rules as UpsertNoteFromServer, except action
// items have no local tombstone column, so server deletions arrive via
// the remoteDeleted flag and remove the row outright.
func (r *Repository) UpsertActionItemFromServer(remote *models.ActionItem, remoteDeleted bool) (UpsertOutcome, error) {
	local, err := r.GetActionItem(remote.ID.String())
	if err == sql.ErrNoRows {
		if remoteDeleted {
			return UpsertUnchanged, nil
		}
		return r.insertActionItemFromServer(remote)
	}
	if err != nil {
		return "", err
	}

	switch local.SyncStatus {
	case models.SyncStatusConflict:
		return UpsertSkippedLocalPending, nil

	case models.SyncStatusPending:
		if remote.ServerUpdatedAt <= local.LocalUpdatedAt {
			return UpsertSkippedLocalPending, nil
		}
		if remoteDeleted {
			result, err := r.db.Exec(`
				DELETE FROM action_items WHERE id = ? AND sync_status = ? AND local_updated_at < ?
			`, remote.ID, models.SyncStatusPending, remote.ServerUpdatedAt)
			if err != nil {
				return "", err
			}
			if n, _ := result.RowsAffected(); n == 0 {
				return UpsertSkippedLocalPending, nil
			}
			return UpsertDeleted, nil
		}
		result, err := r.execActionItemOverwrite(remote,
			`sync_status = ? AND local_updated_at < ?`,
			models.SyncStatusPending, remote.ServerUpdatedAt)
		if err != nil {
			return "", err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return UpsertSkippedLocalPending, nil
		}
		return UpsertReplacedPending, nil

	default: // synced or error
		if remoteDeleted {
			result, err := r.db.Exec(`
				DELETE FROM action_items WHERE id = ? AND sync_status IN (?, ?)
			`, remote.ID, models.SyncStatusSynced, models.SyncStatusError)
			if err != nil {
				return "", err
			}
			if n, _ := result.RowsAffected(); n == 0 {
				return UpsertSkippedLocalPending, nil
			}
			return UpsertDeleted, nil
		}
		if local.SyncStatus == models.SyncStatusSynced && remote.ServerUpdatedAt <= local.ServerUpdatedAt {
			return UpsertUnchanged, nil
		}
		result, err := r.execActionItemOverwrite(remote,
			`((sync_status = ? AND server_updated_at < ?) OR sync_status = ?)`,
			models.SyncStatusSynced, remote.ServerUpdatedAt, models.SyncStatusError)
		if err != nil {
			return "", err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return UpsertSkippedLocalPending, nil
		}
		return UpsertUpdated, nil
	}
}

// execActionItemOverwrite writes the server copy over the local row,
// guarded by the given WHERE tail (beyond the id match).
func (r *Repository) execActionItemOverwrite(remote *models.ActionItem, guard string, guardArgs ...interface{}) (sql.Result, error) {
	query := `
	UPDATE action_items
	SET body = ?, completed = ?, due_at = ?, sync_status = ?,
		local_updated_at = ?, server_updated_at = ?
	WHERE id = ? AND ` + guard
	args := []interface{}{
		remote.Body, remote.Completed, dueAtValue(remote.DueAt), models.SyncStatusSynced,
		remote.ServerUpdatedAt, remote.ServerUpdatedAt, remote.ID,
	}
	args = append(args, guardArgs...)
	return r.db.Exec(query, args...)
}

func (r *Repository) insertActionItemFromServer(remote *models.ActionItem) (UpsertOutcome, error) {
	createdAt := remote.CreatedAt
	if createdAt == 0 {
		createdAt = remote.ServerUpdatedAt
	}
	result, err := r.db.Exec(`
		INSERT OR IGNORE INTO action_items (id, user_id, note_id, body, completed, due_at,
			sync_status, local_updated_at, server_updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, remote.ID, remote.UserID, remote.NoteID, remote.Body, remote.Completed,
		dueAtValue(remote.DueAt), models.SyncStatusSynced,
		remote.ServerUpdatedAt, remote.ServerUpdatedAt, createdAt)
	if err != nil {
		return "", err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return UpsertUnchanged, nil
	}
	return UpsertInserted, nil
}

// MarkActionItemSynced records a server acknowledgment for an action
// item. Same edit-clock guard as MarkNoteSynced.
func (r *Repository) MarkActionItemSynced(id string, serverUpdatedAt, asOfLocal int64) error {
	query := `
	UPDATE action_items
	SET server_updated_at = ?,
		sync_status = CASE WHEN local_updated_at <= ? THEN ? ELSE sync_status END
	WHERE id = ?
	`
	result, err := r.db.Exec(query, serverUpdatedAt, asOfLocal, models.SyncStatusSynced, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkActionItemConflict flags an action item whose push was
// acknowledged with a diverging server copy.
func (r *Repository) MarkActionItemConflict(id string) error {
	return r.setActionItemSyncStatus(id, models.SyncStatusConflict)
}

// MarkActionItemError flags an action item whose mutation exhausted its
// retries.
func (r *Repository) MarkActionItemError(id string) error {
	return r.setActionItemSyncStatus(id, models.SyncStatusError)
}

func (r *Repository) setActionItemSyncStatus(id string, status models.SyncStatus) error {
	result, err := r.db.Exec(`UPDATE action_items SET sync_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountActionItems returns the number of action items for a user.
func (r *Repository) CountActionItems(userID string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM action_items WHERE user_id = ?`, userID).Scan(&count)
	return count, err
}

const actionSelect = `
	SELECT id, user_id, note_id, body, completed, due_at,
		   sync_status, local_updated_at, server_updated_at, created_at
	FROM action_items`

func scanActionItem(row rowScanner) (*models.ActionItem, error) {
	var a models.ActionItem
	var dueAt sql.NullInt64
	err := row.Scan(
		&a.ID, &a.UserID, &a.NoteID, &a.Body, &a.Completed, &dueAt,
		&a.SyncStatus, &a.LocalUpdatedAt, &a.ServerUpdatedAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if dueAt.Valid {
		a.DueAt = &dueAt.Int64
	}
	return &a, nil
}

// dueAtValue converts an optional due timestamp to a driver value.
func dueAtValue(dueAt *int64) interface{} {
	if dueAt == nil {
		return nil
	}
	return *dueAt
}
