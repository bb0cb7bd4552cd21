// Package models provides data model definitions for the EchoNote sync core.
package models

import "time"

// QueueItem is one durable entry in the mutation queue. ID is the
// SQLite rowid, so ascending ID order is arrival order. RawPayload
// holds the JSON-encoded Payload ("" for deletes).
type QueueItem struct {
	ID         int64       `db:"id" json:"id"`
	UserID     string      `db:"user_id" json:"user_id"`
	EntityType EntityType  `db:"entity_type" json:"entity_type"`
	EntityID   UUID        `db:"entity_id" json:"entity_id"`
	Operation  Operation   `db:"operation" json:"operation"`
	RawPayload string      `db:"payload" json:"payload"`
	Status     QueueStatus `db:"status" json:"status"`
	RetryCount int         `db:"retry_count" json:"retry_count"`
	LastError  string      `db:"last_error" json:"last_error"`
	CreatedAt  int64       `db:"created_at" json:"created_at"`
	UpdatedAt  int64       `db:"updated_at" json:"updated_at"`
}

// NewQueueItem creates a pending queue item for one mutation. The
// payload is serialized immediately so enqueue failures surface before
// the row is written.
func NewQueueItem(userID string, entityType EntityType, entityID UUID, op Operation, payload *Payload) (*QueueItem, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	return &QueueItem{
		UserID:     userID,
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		RawPayload: raw,
		Status:     QueueStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// TableName returns the database table name for QueueItem.
func (q *QueueItem) TableName() string {
	return "mutation_queue"
}

// Payload parses the stored payload. Returns nil for delete rows.
func (q *QueueItem) Payload() (*Payload, error) {
	return UnmarshalPayload(q.RawPayload)
}

// SetPayload replaces the stored payload and bumps UpdatedAt.
func (q *QueueItem) SetPayload(p *Payload) error {
	raw, err := MarshalPayload(p)
	if err != nil {
		return err
	}
	q.RawPayload = raw
	q.UpdatedAt = time.Now().Unix()
	return nil
}
