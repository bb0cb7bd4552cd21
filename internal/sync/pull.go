// Package sync provides the pull half of the synchronization pass.
package sync

import (
	"context"
	"database/sql"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tomoike/echonote-core/internal/api"
	"github.com/tomoike/echonote-core/internal/db"
	"github.com/tomoike/echonote-core/internal/logging"
	"github.com/tomoike/echonote-core/internal/metrics"
	"github.com/tomoike/echonote-core/internal/models"
)

// PullStats reports one pull over a collection.
type PullStats struct {
	Pages      int `json:"pages"`
	Fetched    int `json:"fetched"`
	Applied    int `json:"applied"`
	Tombstones int `json:"tombstones"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

func (s *PullStats) add(outcome db.UpsertOutcome) {
	switch outcome {
	case db.UpsertInserted, db.UpsertUpdated, db.UpsertReplacedPending:
		s.Applied++
	case db.UpsertDeleted:
		s.Tombstones++
	default:
		s.Skipped++
	}
}

// SyncNotes pulls the note collection: page through server summaries,
// fetch details for new or changed records through a bounded window,
// and run each through the conflict-aware repository upsert. A single
// record's failure is logged and skipped, never fatal to the pull.
func (e *Engine) SyncNotes(ctx context.Context) (*PullStats, error) {
	stats := &PullStats{}
	q := api.ListQuery{Page: 1, PerPage: e.pageSize}
	for {
		page, err := e.client.ListNotes(ctx, q)
		if err != nil {
			return stats, err
		}
		stats.Pages++
		metrics.RecordPullPage("note")
		e.applyNotePage(ctx, page.Items, stats)
		if q.Page >= page.TotalPages {
			break
		}
		q.Page++
	}
	logging.Debug("note pull completed",
		logging.Int("pages", stats.Pages),
		logging.Int("applied", stats.Applied),
		logging.Int("tombstones", stats.Tombstones),
		logging.Int("failed", stats.Failed))
	return stats, nil
}

func (e *Engine) applyNotePage(ctx context.Context, items []api.Summary, stats *PullStats) {
	var fetch []string
	for _, s := range items {
		if s.Deleted {
			// Tombstones carry everything the upsert needs; no detail
			// round trip.
			outcome, err := e.repo.UpsertNoteFromServer(&models.Note{
				ID:              models.UUID(s.ID),
				UserID:          e.userID,
				ServerUpdatedAt: s.UpdatedAt,
				IsDeleted:       true,
			})
			if err != nil {
				stats.Failed++
				logging.Warn("failed to apply note tombstone",
					logging.String("note_id", s.ID), logging.Err(err))
				continue
			}
			if outcome == db.UpsertDeleted {
				if err := e.repo.DeleteActionItemsForNote(s.ID); err != nil {
					logging.Warn("failed to drop actions of deleted note",
						logging.String("note_id", s.ID), logging.Err(err))
				}
			}
			e.recordPull("note", outcome, stats)
			continue
		}

		want, err := e.noteNeedsFetch(s)
		if err != nil {
			stats.Failed++
			logging.Warn("failed to check note against local copy",
				logging.String("note_id", s.ID), logging.Err(err))
			continue
		}
		if want {
			fetch = append(fetch, s.ID)
		} else {
			stats.Skipped++
		}
	}
	if len(fetch) == 0 {
		return
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.detailWindow)
	for _, id := range fetch {
		g.Go(func() error {
			rec, err := e.client.GetNote(ctx, id)
			if err != nil {
				mu.Lock()
				stats.Failed++
				mu.Unlock()
				logging.Warn("note detail fetch failed",
					logging.String("note_id", id), logging.Err(err))
				return nil
			}
			outcome, err := e.repo.UpsertNoteFromServer(rec.Model(e.userID))
			if err != nil {
				mu.Lock()
				stats.Failed++
				mu.Unlock()
				logging.Warn("failed to apply note from server",
					logging.String("note_id", id), logging.Err(err))
				return nil
			}
			if outcome == db.UpsertReplacedPending {
				e.dropQueuedMutation(models.EntityNote, id)
			}
			mu.Lock()
			stats.Fetched++
			e.recordPull("note", outcome, stats)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
}

// noteNeedsFetch decides whether a summary warrants a detail fetch. An
// over-fetch only costs a round trip; the repository upsert re-checks
// everything under its own guards.
func (e *Engine) noteNeedsFetch(s api.Summary) (bool, error) {
	local, err := e.repo.GetNoteAny(s.ID)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	switch local.SyncStatus {
	case models.SyncStatusConflict:
		// Pulls never touch conflicted rows.
		return false, nil
	case models.SyncStatusError:
		// Any server copy reclaims an errored row.
		return true, nil
	}
	return s.UpdatedAt > local.ServerUpdatedAt, nil
}

// SyncFolders pulls the folder collection. Same shape as SyncNotes.
func (e *Engine) SyncFolders(ctx context.Context) (*PullStats, error) {
	stats := &PullStats{}
	q := api.ListQuery{Page: 1, PerPage: e.pageSize}
	for {
		page, err := e.client.ListFolders(ctx, q)
		if err != nil {
			return stats, err
		}
		stats.Pages++
		metrics.RecordPullPage("folder")
		e.applyFolderPage(ctx, page.Items, stats)
		if q.Page >= page.TotalPages {
			break
		}
		q.Page++
	}
	logging.Debug("folder pull completed",
		logging.Int("pages", stats.Pages),
		logging.Int("applied", stats.Applied),
		logging.Int("tombstones", stats.Tombstones),
		logging.Int("failed", stats.Failed))
	return stats, nil
}

func (e *Engine) applyFolderPage(ctx context.Context, items []api.Summary, stats *PullStats) {
	var fetch []string
	for _, s := range items {
		if s.Deleted {
			outcome, err := e.repo.UpsertFolderFromServer(&models.Folder{
				ID:              models.UUID(s.ID),
				UserID:          e.userID,
				ServerUpdatedAt: s.UpdatedAt,
				IsDeleted:       true,
			})
			if err != nil {
				stats.Failed++
				logging.Warn("failed to apply folder tombstone",
					logging.String("folder_id", s.ID), logging.Err(err))
				continue
			}
			e.recordPull("folder", outcome, stats)
			continue
		}

		want, err := e.folderNeedsFetch(s)
		if err != nil {
			stats.Failed++
			logging.Warn("failed to check folder against local copy",
				logging.String("folder_id", s.ID), logging.Err(err))
			continue
		}
		if want {
			fetch = append(fetch, s.ID)
		} else {
			stats.Skipped++
		}
	}
	if len(fetch) == 0 {
		return
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.detailWindow)
	for _, id := range fetch {
		g.Go(func() error {
			rec, err := e.client.GetFolder(ctx, id)
			if err != nil {
				mu.Lock()
				stats.Failed++
				mu.Unlock()
				logging.Warn("folder detail fetch failed",
					logging.String("folder_id", id), logging.Err(err))
				return nil
			}
			outcome, err := e.repo.UpsertFolderFromServer(rec.Model(e.userID))
			if err != nil {
				mu.Lock()
				stats.Failed++
				mu.Unlock()
				logging.Warn("failed to apply folder from server",
					logging.String("folder_id", id), logging.Err(err))
				return nil
			}
			if outcome == db.UpsertReplacedPending {
				e.dropQueuedMutation(models.EntityFolder, id)
			}
			mu.Lock()
			stats.Fetched++
			e.recordPull("folder", outcome, stats)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
}

func (e *Engine) folderNeedsFetch(s api.Summary) (bool, error) {
	local, err := e.repo.GetFolderAny(s.ID)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	switch local.SyncStatus {
	case models.SyncStatusConflict:
		return false, nil
	case models.SyncStatusError:
		return true, nil
	}
	return s.UpdatedAt > local.ServerUpdatedAt, nil
}

// SyncActions pulls the action item collection. Same shape as
// SyncNotes; server deletions arrive as summary tombstones and remove
// the local row outright.
func (e *Engine) SyncActions(ctx context.Context) (*PullStats, error) {
	stats := &PullStats{}
	q := api.ListQuery{Page: 1, PerPage: e.pageSize}
	for {
		page, err := e.client.ListActions(ctx, q)
		if err != nil {
			return stats, err
		}
		stats.Pages++
		metrics.RecordPullPage("action")
		e.applyActionPage(ctx, page.Items, stats)
		if q.Page >= page.TotalPages {
			break
		}
		q.Page++
	}
	logging.Debug("action pull completed",
		logging.Int("pages", stats.Pages),
		logging.Int("applied", stats.Applied),
		logging.Int("tombstones", stats.Tombstones),
		logging.Int("failed", stats.Failed))
	return stats, nil
}

func (e *Engine) applyActionPage(ctx context.Context, items []api.Summary, stats *PullStats) {
	var fetch []string
	for _, s := range items {
		if s.Deleted {
			outcome, err := e.repo.UpsertActionItemFromServer(&models.ActionItem{
				ID:              models.UUID(s.ID),
				UserID:          e.userID,
				ServerUpdatedAt: s.UpdatedAt,
			}, true)
			if err != nil {
				stats.Failed++
				logging.Warn("failed to apply action tombstone",
					logging.String("action_id", s.ID), logging.Err(err))
				continue
			}
			e.recordPull("action", outcome, stats)
			continue
		}

		want, err := e.actionNeedsFetch(s)
		if err != nil {
			stats.Failed++
			logging.Warn("failed to check action against local copy",
				logging.String("action_id", s.ID), logging.Err(err))
			continue
		}
		if want {
			fetch = append(fetch, s.ID)
		} else {
			stats.Skipped++
		}
	}
	if len(fetch) == 0 {
		return
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.detailWindow)
	for _, id := range fetch {
		g.Go(func() error {
			rec, err := e.client.GetAction(ctx, id)
			if err != nil {
				mu.Lock()
				stats.Failed++
				mu.Unlock()
				logging.Warn("action detail fetch failed",
					logging.String("action_id", id), logging.Err(err))
				return nil
			}
			outcome, err := e.repo.UpsertActionItemFromServer(rec.Model(e.userID), false)
			if err != nil {
				mu.Lock()
				stats.Failed++
				mu.Unlock()
				logging.Warn("failed to apply action from server",
					logging.String("action_id", id), logging.Err(err))
				return nil
			}
			if outcome == db.UpsertReplacedPending {
				e.dropQueuedMutation(models.EntityAction, id)
			}
			mu.Lock()
			stats.Fetched++
			e.recordPull("action", outcome, stats)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
}

func (e *Engine) actionNeedsFetch(s api.Summary) (bool, error) {
	local, err := e.repo.GetActionItem(s.ID)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	switch local.SyncStatus {
	case models.SyncStatusConflict:
		return false, nil
	case models.SyncStatusError:
		return true, nil
	}
	return s.UpdatedAt > local.ServerUpdatedAt, nil
}

// recordPull tallies an upsert outcome.
func (e *Engine) recordPull(entityType string, outcome db.UpsertOutcome, stats *PullStats) {
	stats.add(outcome)
	metrics.RecordPullApplied(entityType, string(outcome))
}

// dropQueuedMutation removes the queued edit for an entity whose local
// copy just lost last-write-wins to a newer server record. A leased
// item stays put; its push settles against the server's newer
// timestamps on its own.
func (e *Engine) dropQueuedMutation(entityType models.EntityType, id string) {
	item, err := e.repo.FindCoalescableQueueItem(entityType, id)
	if err == sql.ErrNoRows {
		return
	}
	if err != nil {
		logging.Error("failed to look up replaced mutation", logging.Err(err),
			logging.String("entity_id", id))
		return
	}
	ok, err := e.repo.DeleteQueueItemIfIdle(item.ID)
	if err != nil {
		logging.Error("failed to drop replaced mutation", logging.Err(err),
			logging.Int64("item_id", item.ID))
		return
	}
	if ok {
		logging.Debug("dropped mutation replaced by server copy",
			logging.String("entity_type", string(entityType)),
			logging.String("entity_id", id))
	}
}
