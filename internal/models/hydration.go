// Package models provides data model definitions for the EchoNote sync core.
package models

import "time"

// HydrationMarker records whether the initial full download for a user
// completed. The marker is written only after every entity type landed,
// so a crash mid-hydration leaves it absent and the next start retries
// from scratch.
type HydrationMarker struct {
	UserID      string `db:"user_id" json:"user_id"`
	Completed   bool   `db:"completed" json:"completed"`
	CompletedAt int64  `db:"completed_at" json:"completed_at"`
	NoteCount   int    `db:"note_count" json:"note_count"`
	FolderCount int    `db:"folder_count" json:"folder_count"`
	ActionCount int    `db:"action_count" json:"action_count"`
}

// NewHydrationMarker creates a completed marker for userID with the
// counts that landed.
func NewHydrationMarker(userID string, notes, folders, actions int) *HydrationMarker {
	return &HydrationMarker{
		UserID:      userID,
		Completed:   true,
		CompletedAt: time.Now().Unix(),
		NoteCount:   notes,
		FolderCount: folders,
		ActionCount: actions,
	}
}

// TableName returns the database table name for HydrationMarker.
func (h *HydrationMarker) TableName() string {
	return "hydration_markers"
}
