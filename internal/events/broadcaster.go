// Package events provides a pub/sub broadcaster for sync lifecycle events.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/tomoike/echonote-core/internal/metrics"
)

// Event types published by the sync engine, upload pipeline and
// session manager. UI layers subscribe instead of polling.
const (
	EventSyncStarted        = "sync_started"
	EventSyncCompleted      = "sync_completed"
	EventSyncFailed         = "sync_failed"
	EventEntityUpdated      = "entity_updated"
	EventConflictDetected   = "conflict_detected"
	EventQueueChanged       = "queue_changed"
	EventUploadProgress     = "upload_progress"
	EventUploadCompleted    = "upload_completed"
	EventUploadFailed       = "upload_failed"
	EventHydrationStarted   = "hydration_started"
	EventHydrationCompleted = "hydration_completed"
	EventHydrationFailed    = "hydration_failed"
	EventSessionChanged     = "session_changed"
)

// Event represents one sync lifecycle notification.
type Event struct {
	Type       string `json:"type"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	Progress   int    `json:"progress,omitempty"`
	Message    string `json:"message,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Safe to
// call more than once for the same channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordEventPublished(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
