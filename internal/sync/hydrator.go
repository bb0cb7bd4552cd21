// Package sync provides the initial data download for a fresh device.
package sync

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomoike/echonote-core/internal/db"
	"github.com/tomoike/echonote-core/internal/errors"
	"github.com/tomoike/echonote-core/internal/events"
	"github.com/tomoike/echonote-core/internal/logging"
	"github.com/tomoike/echonote-core/internal/metrics"
	"github.com/tomoike/echonote-core/internal/models"
)

// Hydrator performs the one-time bulk download that fills an empty
// entity store after sign-in. Gated by the per-user hydration marker:
// once it is complete the hydrator never runs again for that user.
type Hydrator struct {
	repo   *db.Repository
	engine *Engine
	bus    *events.Broadcaster
	userID string
}

// NewHydrator creates a hydrator that downloads through the engine's
// pull operations.
func NewHydrator(repo *db.Repository, engine *Engine, bus *events.Broadcaster, userID string) *Hydrator {
	return &Hydrator{
		repo:   repo,
		engine: engine,
		bus:    bus,
		userID: userID,
	}
}

// EnsureHydrated runs the initial download unless the marker says it
// already completed. Notes and folders fetch concurrently and the
// marker is written only when both succeed; a partial fetch leaves it
// unset so the next start retries the whole download. Action items
// ride along but do not gate the marker, since a later pull delivers
// whatever they missed.
func (h *Hydrator) EnsureHydrated(ctx context.Context) error {
	marker, err := h.repo.GetHydrationMarker(h.userID)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(errors.ErrDatabase, "read hydration marker", err)
	}
	if err == nil && marker.Completed {
		logging.Debug("hydration already complete",
			logging.String("user_id", h.userID))
		return nil
	}

	logging.Info("starting hydration", logging.String("user_id", h.userID))
	h.bus.Publish(events.Event{Type: events.EventHydrationStarted})
	start := time.Now()

	var notes, folders, actions *PullStats
	var noteErr, folderErr, actionErr error
	var g errgroup.Group
	g.Go(func() error {
		notes, noteErr = h.engine.SyncNotes(ctx)
		return noteErr
	})
	g.Go(func() error {
		folders, folderErr = h.engine.SyncFolders(ctx)
		return folderErr
	})
	g.Go(func() error {
		actions, actionErr = h.engine.SyncActions(ctx)
		return actionErr
	})
	// Per-collection errors are inspected individually below.
	_ = g.Wait()

	if actionErr != nil {
		logging.Warn("action item hydration failed, a later pull will fill the gap",
			logging.Err(actionErr))
	}

	if noteErr != nil || folderErr != nil {
		cause := noteErr
		if cause == nil {
			cause = folderErr
		}
		metrics.RecordHydration(false, time.Since(start))
		h.bus.Publish(events.Event{Type: events.EventHydrationFailed, Message: cause.Error()})
		logging.Error("hydration incomplete", logging.Err(cause),
			logging.String("user_id", h.userID))
		return errors.Wrap(errors.ErrHydrationFailed, "initial download incomplete", cause)
	}

	marker = models.NewHydrationMarker(h.userID, notes.Applied, folders.Applied, actions.Applied)
	if err := h.repo.SaveHydrationMarker(marker); err != nil {
		metrics.RecordHydration(false, time.Since(start))
		return errors.Wrap(errors.ErrDatabase, "save hydration marker", err)
	}

	metrics.RecordHydration(true, time.Since(start))
	h.bus.Publish(events.Event{Type: events.EventHydrationCompleted})
	logging.Info("hydration completed",
		logging.String("user_id", h.userID),
		logging.Int("notes", notes.Applied),
		logging.Int("folders", folders.Applied),
		logging.Int("actions", actions.Applied),
		logging.Duration("duration", time.Since(start)))
	return nil
}
