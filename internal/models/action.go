// Package models provides data model definitions for the EchoNote sync core.
package models

import "time"

// ActionItem is a to-do extracted from a note's transcript. Actions
// are hard-deleted rather than tombstoned: they carry no children and
// the server treats delete-of-missing as success.
type ActionItem struct {
	ID         UUID       `db:"id" json:"id"`
	UserID     string     `db:"user_id" json:"user_id"`
	NoteID     UUID       `db:"note_id" json:"note_id"`
	Body       string     `db:"body" json:"body"`
	Completed  bool       `db:"completed" json:"completed"`
	DueAt      *int64     `db:"due_at" json:"due_at,omitempty"`
	SyncStatus SyncStatus `db:"sync_status" json:"sync_status"`

	LocalUpdatedAt  int64 `db:"local_updated_at" json:"local_updated_at"`
	ServerUpdatedAt int64 `db:"server_updated_at" json:"server_updated_at"`
	CreatedAt       int64 `db:"created_at" json:"created_at"`
}

// NewActionItem creates an ActionItem attached to noteID with
// local-pending state.
func NewActionItem(id UUID, userID string, noteID UUID, body string) *ActionItem {
	now := time.Now().Unix()
	return &ActionItem{
		ID:             id,
		UserID:         userID,
		NoteID:         noteID,
		Body:           body,
		SyncStatus:     SyncStatusPending,
		LocalUpdatedAt: now,
		CreatedAt:      now,
	}
}

// TableName returns the database table name for ActionItem.
func (a *ActionItem) TableName() string {
	return "action_items"
}

// Touch updates LocalUpdatedAt to the current time and marks the
// record pending.
func (a *ActionItem) Touch() {
	a.LocalUpdatedAt = time.Now().Unix()
	a.SyncStatus = SyncStatusPending
}
