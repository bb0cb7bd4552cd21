// Package db provides hydration marker and session row operations.
package db

import (
	"database/sql"
	"time"

	"github.com/tomoike/echonote-core/internal/models"
)

// =====================================================
// Hydration Marker Operations
// =====================================================

// GetHydrationMarker retrieves the hydration marker for a user.
func (r *Repository) GetHydrationMarker(userID string) (*models.HydrationMarker, error) {
	query := `
	SELECT user_id, completed, completed_at, note_count, folder_count, action_count
	FROM hydration_markers WHERE user_id = ?
	`
	var m models.HydrationMarker
	err := r.db.QueryRow(query, userID).Scan(
		&m.UserID, &m.Completed, &m.CompletedAt,
		&m.NoteCount, &m.FolderCount, &m.ActionCount,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveHydrationMarker records that a user's initial download finished.
// The marker is only written after every entity landed, so a crash
// mid-hydration leaves no marker and the next run starts over.
func (r *Repository) SaveHydrationMarker(m *models.HydrationMarker) error {
	query := `
	INSERT INTO hydration_markers (user_id, completed, completed_at, note_count, folder_count, action_count)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		completed = excluded.completed,
		completed_at = excluded.completed_at,
		note_count = excluded.note_count,
		folder_count = excluded.folder_count,
		action_count = excluded.action_count
	`
	_, err := r.db.Exec(query, m.UserID, m.Completed, m.CompletedAt,
		m.NoteCount, m.FolderCount, m.ActionCount)
	return err
}

// DeleteHydrationMarker removes a user's hydration marker.
func (r *Repository) DeleteHydrationMarker(userID string) error {
	_, err := r.db.Exec(`DELETE FROM hydration_markers WHERE user_id = ?`, userID)
	return err
}

// =====================================================
// Session Operations
// =====================================================

// GetSession retrieves the stored session, if any. At most one session
// exists at a time.
func (r *Repository) GetSession() (*models.Session, error) {
	query := `
	SELECT user_id, token_encrypted, base_url, created_at, last_active_at
	FROM sessions LIMIT 1
	`
	var s models.Session
	err := r.db.QueryRow(query).Scan(
		&s.UserID, &s.TokenEncrypted, &s.BaseURL, &s.CreatedAt, &s.LastActiveAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSession stores the session, replacing any previous one. Signing
// in as a different user removes the old row.
func (r *Repository) SaveSession(s *models.Session) error {
	return r.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM sessions WHERE user_id != ?`, s.UserID); err != nil {
			return err
		}
		query := `
		INSERT INTO sessions (user_id, token_encrypted, base_url, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			token_encrypted = excluded.token_encrypted,
			base_url = excluded.base_url,
			last_active_at = excluded.last_active_at
		`
		_, err := tx.Exec(query, s.UserID, s.TokenEncrypted, s.BaseURL, s.CreatedAt, s.LastActiveAt)
		return err
	})
}

// TouchSession advances the session's last activity timestamp.
func (r *Repository) TouchSession(userID string) error {
	_, err := r.db.Exec(`UPDATE sessions SET last_active_at = ? WHERE user_id = ?`,
		time.Now().Unix(), userID)
	return err
}

// DeleteSession removes the stored session.
func (r *Repository) DeleteSession(userID string) error {
	_, err := r.db.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID)
	return err
}

// =====================================================
// Cross-table Operations
// =====================================================

// CountConflicts returns the number of entities flagged as conflicted
// across all entity tables.
func (r *Repository) CountConflicts(userID string) (int, error) {
	query := `
	SELECT
		(SELECT COUNT(*) FROM notes WHERE user_id = ? AND sync_status = ?) +
		(SELECT COUNT(*) FROM folders WHERE user_id = ? AND sync_status = ?) +
		(SELECT COUNT(*) FROM action_items WHERE user_id = ? AND sync_status = ?)
	`
	var count int
	err := r.db.QueryRow(query,
		userID, models.SyncStatusConflict,
		userID, models.SyncStatusConflict,
		userID, models.SyncStatusConflict,
	).Scan(&count)
	return count, err
}

// ClearAllData wipes every user-scoped table in one transaction. Called
// when a different user signs in so their data never mixes with the
// previous user's.
func (r *Repository) ClearAllData() error {
	tables := []string{
		"mutation_queue",
		"upload_queue",
		"action_items",
		"notes",
		"folders",
		"hydration_markers",
		"sessions",
	}
	return r.WithTx(func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return err
			}
		}
		return nil
	})
}
