// Package queue manages the durable mutation queue: coalescing of
// repeated local edits into one pending item per entity, batch leasing
// for push passes, and the retry ceiling that turns persistent
// failures terminal.
package queue

import (
	"database/sql"
	"fmt"

	"github.com/tomoike/echonote-core/internal/db"
	apperrors "github.com/tomoike/echonote-core/internal/errors"
	"github.com/tomoike/echonote-core/internal/logging"
	"github.com/tomoike/echonote-core/internal/metrics"
	"github.com/tomoike/echonote-core/internal/models"
)

// MaxRetries is the push retry ceiling. An item that fails this many
// times is parked as failed and surfaced for user attention.
const MaxRetries = 5

// DefaultBatchSize is how many items one push pass leases.
const DefaultBatchSize = 20

// Queue coalesces and drains pending mutations. All state lives in
// the repository, so the queue survives restarts.
type Queue struct {
	repo *db.Repository
}

// New creates a Queue over the repository.
func New(repo *db.Repository) *Queue {
	return &Queue{repo: repo}
}

// Enqueue records a local mutation, folding it into the entity's
// existing queue item when one is waiting:
//
//   - create then update stays a create with the payloads merged
//   - create then delete cancels out, the server never saw the entity
//   - anything else takes the newer operation with the payloads merged
//
// Coalescing into a failed item revives it: status returns to pending
// and the retry count resets, since the new edit changes what would be
// pushed. Returns the surviving item, or nil when a create+delete pair
// cancelled.
func (q *Queue) Enqueue(userID string, entityType models.EntityType, entityID models.UUID, op models.Operation, payload *models.Payload) (*models.QueueItem, error) {
	if err := validateMutation(entityType, entityID, op, payload); err != nil {
		return nil, err
	}
	metrics.RecordEnqueue(string(entityType), string(op))

	existing, err := q.repo.FindCoalescableQueueItem(entityType, entityID.String())
	if err == sql.ErrNoRows {
		return q.insertFresh(userID, entityType, entityID, op, payload)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "queue lookup failed", err)
	}

	switch {
	case existing.Operation == models.OpCreate && op == models.OpDelete:
		// The entity never reached the server; deleting the queued
		// create means there is nothing to tell the server at all.
		ok, err := q.repo.DeleteQueueItemIfIdle(existing.ID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "queue coalesce failed", err)
		}
		if !ok {
			// The create got leased mid-enqueue and may land, so the
			// delete has to follow it as its own mutation.
			return q.insertFresh(userID, entityType, entityID, op, payload)
		}
		metrics.RecordCoalesce("create_delete_cancel")
		q.publishDepth()
		logging.Debug("queued create cancelled by delete",
			logging.String("entity_type", string(entityType)),
			logging.String("entity_id", entityID.String()))
		return nil, nil

	case existing.Operation == models.OpCreate && op == models.OpUpdate:
		if err := q.mergeInto(existing, payload); err != nil {
			return nil, err
		}
		metrics.RecordCoalesce("create_absorbs_update")

	default:
		// The newer operation wins. Deletes drop the payload, the
		// server needs nothing but the ID.
		existing.Operation = op
		if op == models.OpDelete {
			if err := existing.SetPayload(nil); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInternal, "payload encode failed", err)
			}
		} else if err := q.mergeInto(existing, payload); err != nil {
			return nil, err
		}
		metrics.RecordCoalesce("replace_operation")
	}

	existing.Status = models.QueueStatusPending
	existing.RetryCount = 0
	existing.LastError = ""

	ok, err := q.repo.UpdateQueueItemIfIdle(existing)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "queue coalesce failed", err)
	}
	if !ok {
		// Lost the race with a dequeue; the leased item pushes the old
		// state and this mutation follows as a fresh one.
		return q.insertFresh(userID, entityType, entityID, op, payload)
	}

	q.publishDepth()
	logging.Debug("mutation coalesced",
		logging.String("entity_type", string(entityType)),
		logging.String("entity_id", entityID.String()),
		logging.String("operation", string(existing.Operation)),
		logging.Int64("item_id", existing.ID))
	return existing, nil
}

// mergeInto overlays payload onto the item's stored payload.
func (q *Queue) mergeInto(item *models.QueueItem, payload *models.Payload) error {
	current, err := item.Payload()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "stored payload unreadable", err)
	}
	merged, err := current.Merge(payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "payload merge failed", err)
	}
	if err := item.SetPayload(merged); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "payload encode failed", err)
	}
	return nil
}

// insertFresh appends a brand-new queue item.
func (q *Queue) insertFresh(userID string, entityType models.EntityType, entityID models.UUID, op models.Operation, payload *models.Payload) (*models.QueueItem, error) {
	item, err := models.NewQueueItem(userID, entityType, entityID, op, payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "payload encode failed", err)
	}
	if err := q.repo.InsertQueueItem(item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "enqueue failed", err)
	}
	q.publishDepth()
	logging.Debug("mutation enqueued",
		logging.String("entity_type", string(entityType)),
		logging.String("entity_id", entityID.String()),
		logging.String("operation", string(op)),
		logging.Int64("item_id", item.ID))
	return item, nil
}

// validateMutation rejects malformed mutations before they touch the
// queue table.
func validateMutation(entityType models.EntityType, entityID models.UUID, op models.Operation, payload *models.Payload) error {
	if !entityType.Valid() {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown entity type %q", entityType))
	}
	if !op.Valid() {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown operation %q", op))
	}
	if entityID == "" {
		return apperrors.New(apperrors.ErrValidation, "entity id is required")
	}
	if op == models.OpDelete {
		if payload != nil {
			return apperrors.New(apperrors.ErrValidation, "delete mutations carry no payload")
		}
		return nil
	}
	if err := payload.Validate(entityType); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid payload", err)
	}
	return nil
}

// DequeueBatch leases up to limit pending items in arrival order. A
// non-positive limit uses the default batch size. Leased items are
// invisible to other callers until completed, failed, or reset.
func (q *Queue) DequeueBatch(limit int) ([]*models.QueueItem, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	items, err := q.repo.DequeueQueueBatch(limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "dequeue failed", err)
	}
	q.publishDepth()
	return items, nil
}

// MarkComplete removes an item whose push the server acknowledged.
func (q *Queue) MarkComplete(id int64) error {
	if err := q.repo.CompleteQueueItem(id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "queue completion failed", err)
	}
	q.publishDepth()
	return nil
}

// MarkFailed records a push failure. Retryable causes return the item
// to pending until the retry ceiling; non-retryable causes and
// exhausted items park as failed. Returns true when the item turned
// terminal, so the caller can flag the entity itself.
func (q *Queue) MarkFailed(item *models.QueueItem, cause error) (bool, error) {
	msg := cause.Error()
	attempts := item.RetryCount + 1

	if !apperrors.IsRetryable(cause) {
		if err := q.repo.FailQueueItem(item.ID, msg); err != nil {
			return false, apperrors.Wrap(apperrors.ErrDatabase, "queue fail-mark failed", err)
		}
		logging.Warn("mutation rejected permanently",
			logging.String("entity_type", string(item.EntityType)),
			logging.String("entity_id", item.EntityID.String()),
			logging.Err(cause))
		q.publishDepth()
		return true, nil
	}

	if attempts >= MaxRetries {
		if err := q.repo.FailQueueItem(item.ID, msg); err != nil {
			return false, apperrors.Wrap(apperrors.ErrDatabase, "queue fail-mark failed", err)
		}
		logging.Warn("mutation retries exhausted",
			logging.String("entity_type", string(item.EntityType)),
			logging.String("entity_id", item.EntityID.String()),
			logging.Int("attempts", attempts),
			logging.Err(cause))
		q.publishDepth()
		return true, nil
	}

	if err := q.repo.RequeueQueueItem(item.ID, msg); err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "queue requeue failed", err)
	}
	logging.Debug("mutation requeued",
		logging.String("entity_id", item.EntityID.String()),
		logging.Int("attempt", attempts),
		logging.Err(cause))
	return false, nil
}

// ResetProcessing returns leftover leased items to pending. Called once
// at process start; a crash mid-pass must not strand items invisible.
func (q *Queue) ResetProcessing() (int, error) {
	count, err := q.repo.ResetProcessingQueueItems()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "queue reset failed", err)
	}
	if count > 0 {
		logging.Info("reset stranded queue items", logging.Int("count", count))
	}
	q.publishDepth()
	return count, nil
}

// Depth returns the number of pending items.
func (q *Queue) Depth() (int, error) {
	return q.repo.QueueDepth()
}

// Stats returns queue counts by status.
func (q *Queue) Stats() (*db.QueueStats, error) {
	return q.repo.GetQueueStats()
}

// ListFailed returns failed items for the status surface.
func (q *Queue) ListFailed(limit int) ([]*models.QueueItem, error) {
	return q.repo.ListQueueItems(models.QueueStatusFailed, limit)
}

// publishDepth refreshes the queue depth gauge, best effort.
func (q *Queue) publishDepth() {
	if depth, err := q.repo.QueueDepth(); err == nil {
		metrics.SetQueueDepth(depth)
	}
}
