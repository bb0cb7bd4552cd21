// Package models provides data model definitions for the EchoNote sync core.
package models

import "time"

// UploadTask is one durable entry in the binary upload queue. Each
// task references a note whose audio file still lives only on local
// disk. Tasks survive restarts; a task stuck in uploading after a
// crash is reset to pending at startup.
type UploadTask struct {
	ID         UUID         `db:"id" json:"id"`
	UserID     string       `db:"user_id" json:"user_id"`
	NoteID     UUID         `db:"note_id" json:"note_id"`
	LocalPath  string       `db:"local_path" json:"local_path"`
	FileSize   int64        `db:"file_size" json:"file_size"`
	Status     UploadStatus `db:"status" json:"status"`
	RetryCount int          `db:"retry_count" json:"retry_count"`
	LastError  string       `db:"last_error" json:"last_error"`
	CreatedAt  int64        `db:"created_at" json:"created_at"`
	UpdatedAt  int64        `db:"updated_at" json:"updated_at"`
}

// NewUploadTask creates a pending upload task for the audio file at
// localPath belonging to noteID.
func NewUploadTask(id UUID, userID string, noteID UUID, localPath string, fileSize int64) *UploadTask {
	now := time.Now().Unix()
	return &UploadTask{
		ID:        id,
		UserID:    userID,
		NoteID:    noteID,
		LocalPath: localPath,
		FileSize:  fileSize,
		Status:    UploadStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TableName returns the database table name for UploadTask.
func (u *UploadTask) TableName() string {
	return "upload_queue"
}
