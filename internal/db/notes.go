// Package db provides note row operations and server-copy reconciliation.
package db

import (
	"database/sql"
	"time"

	"github.com/tomoike/echonote-core/internal/models"
	"github.com/tomoike/echonote-core/internal/uuid"
)

// =====================================================
// Note Operations
// =====================================================

// CreateNote inserts a new note. The ID is minted if the caller did not
// set one; timestamps are filled in if zero.
func (r *Repository) CreateNote(n *models.Note) error {
	now := time.Now().Unix()
	if n.ID == "" {
		n.ID = uuid.New()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = now
	}
	if n.LocalUpdatedAt == 0 {
		n.LocalUpdatedAt = now
	}

	query := `
	INSERT INTO notes (id, user_id, folder_id, title, transcript, summary, audio_url,
		duration_secs, is_deleted, sync_status, local_updated_at, server_updated_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, n.ID, n.UserID, folderIDValue(n.FolderID), n.Title,
		n.Transcript, n.Summary, n.AudioURL, n.DurationSecs, n.IsDeleted,
		n.SyncStatus, n.LocalUpdatedAt, n.ServerUpdatedAt, n.CreatedAt)
	return err
}

// GetNote retrieves a note by ID, excluding tombstoned rows.
func (r *Repository) GetNote(id string) (*models.Note, error) {
	query := noteSelect + ` WHERE id = ? AND is_deleted = 0`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanNoteRow(stmt.QueryRow(id))
}

// GetNoteAny retrieves a note by ID including tombstoned rows. Sync
// internals need the row regardless of deletion state.
func (r *Repository) GetNoteAny(id string) (*models.Note, error) {
	query := noteSelect + ` WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanNoteRow(stmt.QueryRow(id))
}

// ListNotes returns a user's notes with pagination, newest edits first.
// Pass folderID to restrict to one folder; empty means all folders.
func (r *Repository) ListNotes(userID, folderID string, limit, offset int) ([]*models.Note, error) {
	baseQuery := noteSelect + ` WHERE user_id = ? AND is_deleted = 0`
	orderLimit := ` ORDER BY local_updated_at DESC LIMIT ? OFFSET ?`

	var query string
	var args []interface{}

	if folderID != "" {
		query = baseQuery + ` AND folder_id = ?` + orderLimit
		args = []interface{}{userID, folderID, limit, offset}
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

	var notes []*models.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// UpdateNote persists a locally edited note. The caller is responsible
// for calling Touch() first so local_updated_at and sync_status reflect
// the edit.
func (r *Repository) UpdateNote(n *models.Note) error {
	query := `
	UPDATE notes
	SET folder_id = ?, title = ?, transcript = ?, summary = ?, audio_url = ?,
		duration_secs = ?, sync_status = ?, local_updated_at = ?
	WHERE id = ? AND is_deleted = 0
	`
	result, err := r.db.Exec(query, folderIDValue(n.FolderID), n.Title, n.Transcript,
		n.Summary, n.AudioURL, n.DurationSecs, n.SyncStatus, n.LocalUpdatedAt, n.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SoftDeleteNote tombstones a note and marks it pending so the deletion
// is pushed to the server.
func (r *Repository) SoftDeleteNote(id string) error {
	query := `
	UPDATE notes SET is_deleted = 1, sync_status = ?, local_updated_at = ?
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

// HardDeleteNote removes a note row entirely. Used after the server
// acknowledges a deletion and when applying server-side tombstones.
func (r *Repository) HardDeleteNote(id string) error {
	_, err := r.db.Exec(`DELETE FROM notes WHERE id = ?`, id)
	return err
}

// UpsertNoteFromServer applies a server copy of a note to local storage:
//
//   - no local row: insert as synced (tombstones are a no-op)
//   - local row conflicted: keep local, conflicts wait for user review
//   - local row pending: last write wins, so the server copy is
//     accepted only if its server timestamp is strictly newer than the
//     local edit clock, discarding the local edit; otherwise keep local
//     and let the push path settle it
//   - local row synced or error: the server is authoritative; synced
//     rows skip stale copies by timestamp, error rows are reclaimed by
//     any server copy
//
// Writes carry their guards in the WHERE clause so a concurrent local
// edit between the read and the write downgrades the outcome instead of
// clobbering the edit.
func (r *Repository) UpsertNoteFromServer(remote *models.Note) (UpsertOutcome, error) {
	local, err := r.GetNoteAny(remote.ID.String())
	if err == sql.ErrNoRows {
		if remote.IsDeleted {
			return UpsertUnchanged, nil
		}
		return r.insertNoteFromServer(remote)
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
				DELETE FROM notes WHERE id = ? AND sync_status = ? AND local_updated_at < ?
			`, remote.ID, models.SyncStatusPending, remote.ServerUpdatedAt)
			if err != nil {
				return "", err
			}
			if n, _ := result.RowsAffected(); n == 0 {
				return UpsertSkippedLocalPending, nil
			}
			return UpsertDeleted, nil
		}
		result, err := r.execNoteOverwrite(remote,
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
				DELETE FROM notes WHERE id = ? AND sync_status IN (?, ?)
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
		result, err := r.execNoteOverwrite(remote,
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

// execNoteOverwrite writes the server copy over the local row, guarded
// by the given WHERE tail (beyond the id match).
func (r *Repository) execNoteOverwrite(remote *models.Note, guard string, guardArgs ...interface{}) (sql.Result, error) {
	query := `
	UPDATE notes
	SET folder_id = ?, title = ?, transcript = ?, summary = ?, audio_url = ?,
		duration_secs = ?, is_deleted = 0, sync_status = ?,
		local_updated_at = ?, server_updated_at = ?
	WHERE id = ? AND ` + guard
	args := []interface{}{
		folderIDValue(remote.FolderID), remote.Title, remote.Transcript, remote.Summary,
		remote.AudioURL, remote.DurationSecs, models.SyncStatusSynced,
		remote.ServerUpdatedAt, remote.ServerUpdatedAt, remote.ID,
	}
	args = append(args, guardArgs...)
	return r.db.Exec(query, args...)
}

// insertNoteFromServer inserts a server copy as a synced row.
func (r *Repository) insertNoteFromServer(remote *models.Note) (UpsertOutcome, error) {
	createdAt := remote.CreatedAt
	if createdAt == 0 {
		createdAt = remote.ServerUpdatedAt
	}
	result, err := r.db.Exec(`
		INSERT OR IGNORE INTO notes (id, user_id, folder_id, title, transcript, summary,
			audio_url, duration_secs, is_deleted, sync_status,
			local_updated_at, server_updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, remote.ID, remote.UserID, folderIDValue(remote.FolderID), remote.Title,
		remote.Transcript, remote.Summary, remote.AudioURL, remote.DurationSecs,
		models.SyncStatusSynced, remote.ServerUpdatedAt, remote.ServerUpdatedAt, createdAt)
	if err != nil {
		return "", err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Raced with another insert of the same ID
		return UpsertUnchanged, nil
	}
	return UpsertInserted, nil
}

// MarkNoteSynced records a server acknowledgment built against the
// local edit clock asOfLocal. The server timestamp always advances,
// but the row only flips to synced when no edit landed after the push
// was assembled; a mid-flight edit keeps the row pending for its own
// queued mutation.
func (r *Repository) MarkNoteSynced(id string, serverUpdatedAt, asOfLocal int64) error {
	query := `
	UPDATE notes
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

// MarkNoteConflict flags a note whose push was acknowledged with a
// diverging server copy.
func (r *Repository) MarkNoteConflict(id string) error {
	return r.setNoteSyncStatus(id, models.SyncStatusConflict)
}

// MarkNoteError flags a note whose mutation exhausted its retries.
func (r *Repository) MarkNoteError(id string) error {
	return r.setNoteSyncStatus(id, models.SyncStatusError)
}

func (r *Repository) setNoteSyncStatus(id string, status models.SyncStatus) error {
	result, err := r.db.Exec(`UPDATE notes SET sync_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountNotes returns the number of live notes for a user.
func (r *Repository) CountNotes(userID string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM notes WHERE user_id = ? AND is_deleted = 0`, userID).Scan(&count)
	return count, err
}

const noteSelect = `
	SELECT id, user_id, folder_id, title, transcript, summary, audio_url,
		   duration_secs, is_deleted, sync_status, local_updated_at, server_updated_at, created_at
	FROM notes`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNote(row rowScanner) (*models.Note, error) {
	var n models.Note
	var folderID sql.NullString
	err := row.Scan(
		&n.ID, &n.UserID, &folderID, &n.Title, &n.Transcript, &n.Summary,
		&n.AudioURL, &n.DurationSecs, &n.IsDeleted, &n.SyncStatus,
		&n.LocalUpdatedAt, &n.ServerUpdatedAt, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if folderID.Valid {
		fid := models.UUID(folderID.String)
		n.FolderID = &fid
	}
	return &n, nil
}

func scanNoteRow(row *sql.Row) (*models.Note, error) {
	return scanNote(row)
}

// folderIDValue converts an optional folder reference to a driver value.
func folderIDValue(id *models.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}
