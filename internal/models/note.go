// Package models provides data model definitions for the EchoNote sync core.
package models

import "time"

// Note is a captured voice note with its transcript and metadata.
// Audio lives on disk until the upload pipeline ships it; transcript
// and summary arrive from the synthesis endpoint afterwards.
type Note struct {
	ID           UUID       `db:"id" json:"id"`
	UserID       string     `db:"user_id" json:"user_id"`
	FolderID     *UUID      `db:"folder_id" json:"folder_id,omitempty"`
	Title        string     `db:"title" json:"title"`
	Transcript   string     `db:"transcript" json:"transcript"`
	Summary      string     `db:"summary" json:"summary"`
	AudioURL     string     `db:"audio_url" json:"audio_url"`
	DurationSecs int        `db:"duration_secs" json:"duration_secs"`
	IsDeleted    bool       `db:"is_deleted" json:"is_deleted"`
	SyncStatus   SyncStatus `db:"sync_status" json:"sync_status"`

	// LocalUpdatedAt advances on every local edit; ServerUpdatedAt is
	// the server's authoritative timestamp and only changes when a
	// server snapshot or push acknowledgement is applied.
	LocalUpdatedAt  int64 `db:"local_updated_at" json:"local_updated_at"`
	ServerUpdatedAt int64 `db:"server_updated_at" json:"server_updated_at"`
	CreatedAt       int64 `db:"created_at" json:"created_at"`
}

// NewNote creates a Note owned by userID with local-pending state.
func NewNote(id UUID, userID, title string) *Note {
	now := time.Now().Unix()
	return &Note{
		ID:             id,
		UserID:         userID,
		Title:          title,
		SyncStatus:     SyncStatusPending,
		LocalUpdatedAt: now,
		CreatedAt:      now,
	}
}

// TableName returns the database table name for Note.
func (n *Note) TableName() string {
	return "notes"
}

// Touch updates LocalUpdatedAt to the current time and marks the
// record pending.
func (n *Note) Touch() {
	n.LocalUpdatedAt = time.Now().Unix()
	n.SyncStatus = SyncStatusPending
}

// LocalTime returns LocalUpdatedAt as time.Time.
func (n *Note) LocalTime() time.Time {
	return time.Unix(n.LocalUpdatedAt, 0)
}

// ServerTime returns ServerUpdatedAt as time.Time.
func (n *Note) ServerTime() time.Time {
	return time.Unix(n.ServerUpdatedAt, 0)
}
