// Package models provides data model definitions for the EchoNote sync core.
package models

import (
	"database/sql/driver"
	"fmt"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// EntityType identifies which kind of record a mutation refers to.
type EntityType string

const (
	EntityNote   EntityType = "note"
	EntityFolder EntityType = "folder"
	EntityAction EntityType = "action"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityNote, EntityFolder, EntityAction:
		return true
	}
	return false
}

// Operation is the kind of local mutation awaiting push.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// SyncStatus tracks how a local record relates to the server's copy.
//
// pending means unconfirmed local edits exist; while pending, inbound
// server snapshots are not blindly applied (see the repository upsert
// rules). conflict is only ever set from the push-acknowledgement path
// and stays until the user reviews the record.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusError    SyncStatus = "error"
)

// QueueStatus is the lifecycle state of a mutation queue item.
// processing acts as a lease: a dequeued item is invisible to other
// dequeue calls until completed, failed, or reset at process start.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusFailed     QueueStatus = "failed"
)

// UploadStatus is the lifecycle state of a binary upload task.
type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusCompleted UploadStatus = "completed"
	UploadStatusFailed    UploadStatus = "failed"
)
