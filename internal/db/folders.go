// Package db provides folder row operations.
package db

import (
	"database/sql"
	"time"

	"github.com/tomoike/echonote-core/internal/models"
	"github.com/tomoike/echonote-core/internal/uuid"
)

// =====================================================
// Folder Operations
// =====================================================

// CreateFolder inserts a new folder. The ID is minted if the caller did
// not set one; timestamps are filled in if zero.
func (r *Repository) CreateFolder(f *models.Folder) error {
	now := time.Now().Unix()
	if f.ID == "" {
		f.ID = uuid.New()
	}
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	if f.LocalUpdatedAt == 0 {
		f.LocalUpdatedAt = now
	}

	query := `
	INSERT INTO folders (id, user_id, name, color, position, is_deleted,
		sync_status, local_updated_at, server_updated_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, f.ID, f.UserID, f.Name, f.Color, f.Position,
		f.IsDeleted, f.SyncStatus, f.LocalUpdatedAt, f.ServerUpdatedAt, f.CreatedAt)
	return err
}

// GetFolder retrieves a folder by ID, excluding tombstoned rows.
func (r *Repository) GetFolder(id string) (*models.Folder, error) {
	query := folderSelect + ` WHERE id = ? AND is_deleted = 0`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanFolder(stmt.QueryRow(id))
}

// GetFolderAny retrieves a folder by ID including tombstoned rows.
func (r *Repository) GetFolderAny(id string) (*models.Folder, error) {
	query := folderSelect + ` WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanFolder(stmt.QueryRow(id))
}

// ListFolders returns a user's folders ordered by position.
func (r *Repository) ListFolders(userID string) ([]*models.Folder, error) {
	query := folderSelect + ` WHERE user_id = ? AND is_deleted = 0 ORDER BY position, name`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []*models.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// UpdateFolder persists a locally edited folder. The caller is
// responsible for calling Touch() first.
func (r *Repository) UpdateFolder(f *models.Folder) error {
	query := `
	UPDATE folders SET name = ?, color = ?, position = ?, sync_status = ?, local_updated_at = ?
	WHERE id = ? AND is_deleted = 0
	`
	result, err := r.db.Exec(query, f.Name, f.Color, f.Position, f.SyncStatus,
		f.LocalUpdatedAt, f.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SoftDeleteFolder tombstones a folder and marks it pending. Notes in
// the folder are not touched; the server reparents them to no folder
// and the change arrives on the next pull.
func (r *Repository) SoftDeleteFolder(id string) error {
	query := `
	UPDATE folders SET is_deleted = 1, sync_status = ?, local_updated_at = ?
	WHERE id = ? AND is_deleted = 0
	`
	result, err := r.db.Exec(query, models.SyncStatusPending, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// HardDeleteFolder removes a folder row entirely.
func (r *Repository) HardDeleteFolder(id string) error {
	_, err := r.db.Exec(`DELETE FROM folders WHERE id = ?`, id)
	return err
}

// UpsertFolderFromServer applies a server copy of a folder to local
// storage. Same rules as UpsertNoteFromServer.
func (r *Repository) UpsertFolderFromServer(remote *models.Folder) (UpsertOutcome, error) {
	local, err := r.GetFolderAny(remote.ID.String())
	if err == sql.ErrNoRows {
		if remote.IsDeleted {
			return UpsertUnchanged, nil
		}
		return r.insertFolderFromServer(remote)
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
		if remote.IsDeleted {
			result, err := r.db.Exec(`
				DELETE FROM folders WHERE id = ? AND sync_status = ? AND local_updated_at < ?
			`, remote.ID, models.SyncStatusPending, remote.ServerUpdatedAt)
			if err != nil {
				return "", err
			}
			if n, _ := result.RowsAffected(); n == 0 {
				return UpsertSkippedLocalPending, nil
			}
			return UpsertDeleted, nil
		}
		result, err := r.execFolderOverwrite(remote,
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
		if remote.IsDeleted {
			result, err := r.db.Exec(`
				DELETE FROM folders WHERE id = ? AND sync_status IN (?, ?)
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
		result, err := r.execFolderOverwrite(remote,
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

// execFolderOverwrite writes the server copy over the local row, guarded
// by the given WHERE tail (beyond the id match).
func (r *Repository) execFolderOverwrite(remote *models.Folder, guard string, guardArgs ...interface{}) (sql.Result, error) {
	query := `
	UPDATE folders
	SET name = ?, color = ?, position = ?, is_deleted = 0, sync_status = ?,
		local_updated_at = ?, server_updated_at = ?
	WHERE id = ? AND ` + guard
	args := []interface{}{
		remote.Name, remote.Color, remote.Position, models.SyncStatusSynced,
		remote.ServerUpdatedAt, remote.ServerUpdatedAt, remote.ID,
	}
	args = append(args, guardArgs...)
	return r.db.Exec(query, args...)
}

func (r *Repository) insertFolderFromServer(remote *models.Folder) (UpsertOutcome, error) {
	createdAt := remote.CreatedAt
	if createdAt == 0 {
		createdAt = remote.ServerUpdatedAt
	}
	result, err := r.db.Exec(`
		INSERT OR IGNORE INTO folders (id, user_id, name, color, position, is_deleted,
			sync_status, local_updated_at, server_updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, remote.ID, remote.UserID, remote.Name, remote.Color, remote.Position,
		models.SyncStatusSynced, remote.ServerUpdatedAt, remote.ServerUpdatedAt, createdAt)
	if err != nil {
		return "", err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return UpsertUnchanged, nil
	}
	return UpsertInserted, nil
}

// MarkFolderSynced records a server acknowledgment for a folder. Same
// edit-clock guard as MarkNoteSynced: a mid-flight edit keeps the row
// pending.
func (r *Repository) MarkFolderSynced(id string, serverUpdatedAt, asOfLocal int64) error {
	query := `
	UPDATE folders
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

// MarkFolderConflict flags a folder whose push was acknowledged with a
// diverging server copy.
func (r *Repository) MarkFolderConflict(id string) error {
	return r.setFolderSyncStatus(id, models.SyncStatusConflict)
}

// MarkFolderError flags a folder whose mutation exhausted its retries.
func (r *Repository) MarkFolderError(id string) error {
	return r.setFolderSyncStatus(id, models.SyncStatusError)
}

func (r *Repository) setFolderSyncStatus(id string, status models.SyncStatus) error {
	result, err := r.db.Exec(`UPDATE folders SET sync_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountFolders returns the number of live folders for a user.
func (r *Repository) CountFolders(userID string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM folders WHERE user_id = ? AND is_deleted = 0`, userID).Scan(&count)
	return count, err
}

const folderSelect = `
	SELECT id, user_id, name, color, position, is_deleted,
		   sync_status, local_updated_at, server_updated_at, created_at
	FROM folders`

func scanFolder(row rowScanner) (*models.Folder, error) {
	var f models.Folder
	err := row.Scan(
		&f.ID, &f.UserID, &f.Name, &f.Color, &f.Position, &f.IsDeleted,
		&f.SyncStatus, &f.LocalUpdatedAt, &f.ServerUpdatedAt, &f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
