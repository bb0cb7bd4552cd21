// Package sync provides sync status reporting.
package sync

import (
	"database/sql"

	"github.com/tomoike/echonote-core/internal/errors"
	"github.com/tomoike/echonote-core/internal/sync/uploads"
)

// Status is a point-in-time snapshot of the sync state for one user,
// served over the local REST surface and usable by polling clients.
type Status struct {
	State            string `json:"state"` // idle or syncing
	UserID           string `json:"user_id"`
	LastSyncAt       int64  `json:"last_sync_at,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	PendingMutations int    `json:"pending_mutations"`
	FailedMutations  int    `json:"failed_mutations"`
	PendingUploads   int    `json:"pending_uploads"`
	Conflicts        int    `json:"conflicts"`
	Hydrated         bool   `json:"hydrated"`
}

// Status assembles the current snapshot from engine state and the
// durable queues.
func (e *Engine) Status() (*Status, error) {
	e.mu.RLock()
	st := &Status{State: "idle", UserID: e.userID}
	if e.syncing {
		st.State = "syncing"
	}
	if !e.lastSyncAt.IsZero() {
		st.LastSyncAt = e.lastSyncAt.Unix()
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	e.mu.RUnlock()

	qstats, err := e.repo.GetQueueStats()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "read queue stats", err)
	}
	st.PendingMutations = qstats.Pending + qstats.Processing
	st.FailedMutations = qstats.Failed

	pending, err := e.repo.PendingUploadCount(uploads.MaxRetries)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "count pending uploads", err)
	}
	st.PendingUploads = pending

	conflicts, err := e.repo.CountConflicts(e.userID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "count conflicts", err)
	}
	st.Conflicts = conflicts

	marker, err := e.repo.GetHydrationMarker(e.userID)
	if err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrDatabase, "read hydration marker", err)
	}
	st.Hydrated = err == nil && marker.Completed

	return st, nil
}
