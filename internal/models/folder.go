// Package models provides data model definitions for the EchoNote sync core.
package models

import "time"

// Folder groups notes. Folders tombstone on delete so a late sync of a
// contained note cannot resurrect a folder the user removed.
type Folder struct {
	ID         UUID       `db:"id" json:"id"`
	UserID     string     `db:"user_id" json:"user_id"`
	Name       string     `db:"name" json:"name"`
	Color      string     `db:"color" json:"color"`
	Position   int        `db:"position" json:"position"`
	IsDeleted  bool       `db:"is_deleted" json:"is_deleted"`
	SyncStatus SyncStatus `db:"sync_status" json:"sync_status"`

	LocalUpdatedAt  int64 `db:"local_updated_at" json:"local_updated_at"`
	ServerUpdatedAt int64 `db:"server_updated_at" json:"server_updated_at"`
	CreatedAt       int64 `db:"created_at" json:"created_at"`
}

// NewFolder creates a Folder owned by userID with local-pending state.
func NewFolder(id UUID, userID, name string) *Folder {
	now := time.Now().Unix()
	return &Folder{
		ID:             id,
		UserID:         userID,
		Name:           name,
		SyncStatus:     SyncStatusPending,
		LocalUpdatedAt: now,
		CreatedAt:      now,
	}
}

// TableName returns the database table name for Folder.
func (f *Folder) TableName() string {
	return "folders"
}

// Touch updates LocalUpdatedAt to the current time and marks the
// record pending.
func (f *Folder) Touch() {
	f.LocalUpdatedAt = time.Now().Unix()
	f.SyncStatus = SyncStatusPending
}
