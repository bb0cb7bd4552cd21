// Package sync drives the offline-first synchronization loop: pushing
// queued mutations to the server, pulling server state through the
// conflict-aware repository upserts, and running the periodic pass for
// the lifetime of a session.
package sync

import (
	"context"
	"database/sql"
	goerrors "errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomoike/echonote-core/internal/api"
	"github.com/tomoike/echonote-core/internal/db"
	"github.com/tomoike/echonote-core/internal/errors"
	"github.com/tomoike/echonote-core/internal/events"
	"github.com/tomoike/echonote-core/internal/logging"
	"github.com/tomoike/echonote-core/internal/metrics"
	"github.com/tomoike/echonote-core/internal/models"
	"github.com/tomoike/echonote-core/internal/sync/queue"
)

const (
	// DefaultInterval is the periodic push cadence; clamped into
	// [MinInterval, MaxInterval].
	DefaultInterval = 45 * time.Second
	MinInterval     = 30 * time.Second
	MaxInterval     = 60 * time.Second

	// DefaultPageSize is the pull page size.
	DefaultPageSize = 50

	// DetailFetchWindow bounds concurrent detail fetches during a pull.
	DetailFetchWindow = 5

	// FullSyncWait bounds how long a user-triggered full sync waits for
	// an in-flight pass before giving up busy.
	FullSyncWait = 10 * time.Second

	// PassTimeout bounds a single background pass.
	PassTimeout = 5 * time.Minute
)

// errStaleMutation marks a queued mutation whose local row disappeared
// before the push happened, usually because a pulled server tombstone
// removed it. The mutation is dropped, not retried.
var errStaleMutation = goerrors.New("mutation references a row that no longer exists")

// RemoteClient is the slice of the remote API the engine drives. It is
// satisfied by *api.Client; tests substitute a fake.
type RemoteClient interface {
	ListNotes(ctx context.Context, q api.ListQuery) (*api.ListResult, error)
	GetNote(ctx context.Context, id string) (*api.NoteRecord, error)
	CreateNote(ctx context.Context, rec *api.NoteRecord) (*api.NoteRecord, error)
	UpdateNote(ctx context.Context, id string, fields *models.NotePayload, baseUpdatedAt int64) (*api.NoteRecord, error)
	DeleteNote(ctx context.Context, id string) error

	ListFolders(ctx context.Context, q api.ListQuery) (*api.ListResult, error)
	GetFolder(ctx context.Context, id string) (*api.FolderRecord, error)
	CreateFolder(ctx context.Context, rec *api.FolderRecord) (*api.FolderRecord, error)
	UpdateFolder(ctx context.Context, id string, fields *models.FolderPayload, baseUpdatedAt int64) (*api.FolderRecord, error)
	DeleteFolder(ctx context.Context, id string) error

	ListActions(ctx context.Context, q api.ListQuery) (*api.ListResult, error)
	GetAction(ctx context.Context, id string) (*api.ActionRecord, error)
	CreateAction(ctx context.Context, rec *api.ActionRecord) (*api.ActionRecord, error)
	UpdateAction(ctx context.Context, id string, fields *models.ActionPayload, baseUpdatedAt int64) (*api.ActionRecord, error)
	DeleteAction(ctx context.Context, id string) error
}

var _ RemoteClient = (*api.Client)(nil)

// Config tunes one engine instance. Zero values fall back to defaults.
type Config struct {
	Interval     time.Duration
	BatchSize    int
	PageSize     int
	DetailWindow int
}

// Engine orchestrates one signed-in user's synchronization. It is
// created on sign-in and torn down on sign-out; all passes are
// single-flight through an internal token so overlapping timers and
// manual triggers never run concurrently.
type Engine struct {
	repo   *db.Repository
	client RemoteClient
	queue  *queue.Queue
	bus    *events.Broadcaster
	userID string

	interval     time.Duration
	batchSize    int
	pageSize     int
	detailWindow int

	// passSem holds one token while a push or full pass runs.
	passSem chan struct{}

	mu         sync.RWMutex
	running    bool
	syncing    bool
	lastSyncAt time.Time
	lastErr    error

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates an engine scoped to userID.
func NewEngine(repo *db.Repository, client RemoteClient, q *queue.Queue, bus *events.Broadcaster, userID string, cfg Config) *Engine {
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	if interval > MaxInterval {
		interval = MaxInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = queue.DefaultBatchSize
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	window := cfg.DetailWindow
	if window <= 0 {
		window = DetailFetchWindow
	}

	return &Engine{
		repo:         repo,
		client:       client,
		queue:        q,
		bus:          bus,
		userID:       userID,
		interval:     interval,
		batchSize:    batchSize,
		pageSize:     pageSize,
		detailWindow: window,
		passSem:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// UserID returns the user this engine syncs for.
func (e *Engine) UserID() string {
	return e.userID
}

// =====================================================
// Pass lifecycle
// =====================================================

// tryAcquire claims the pass token without waiting.
func (e *Engine) tryAcquire() bool {
	select {
	case e.passSem <- struct{}{}:
		e.setSyncing(true)
		return true
	default:
		return false
	}
}

// acquireWithin claims the pass token, waiting up to d for an in-flight
// pass to finish.
func (e *Engine) acquireWithin(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case e.passSem <- struct{}{}:
		e.setSyncing(true)
		return nil
	case <-timer.C:
		return errors.New(errors.ErrSyncBusy, "a sync pass is already running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() {
	e.setSyncing(false)
	<-e.passSem
}

func (e *Engine) setSyncing(v bool) {
	e.mu.Lock()
	e.syncing = v
	e.mu.Unlock()
}

// finishPass records the outcome of a completed pass. last_sync_at
// advances on every clean pass, even an empty one.
func (e *Engine) finishPass(err error) {
	e.mu.Lock()
	e.lastErr = err
	if err == nil {
		e.lastSyncAt = time.Now()
	}
	e.mu.Unlock()
}

// ProcessQueue runs one push pass: dequeue a batch of mutations and
// send each to the server. Returns a busy error when a pass is already
// in flight.
func (e *Engine) ProcessQueue(ctx context.Context) (*PushStats, error) {
	if !e.tryAcquire() {
		return nil, errors.New(errors.ErrSyncBusy, "sync already in progress")
	}
	defer e.release()

	stats, err := e.pushPass(ctx)
	e.finishPass(err)
	return stats, err
}

// TriggerSync starts a push pass in the background. Fire and forget:
// a stopped engine or a pass already in flight makes this a no-op.
// Reports whether a pass was started.
func (e *Engine) TriggerSync() bool {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	if !e.tryAcquire() {
		e.wg.Done()
		logging.Debug("sync pass already running, trigger skipped")
		return false
	}
	go func() {
		defer e.wg.Done()
		defer e.release()
		ctx, cancel := context.WithTimeout(context.Background(), PassTimeout)
		defer cancel()
		stats, err := e.pushPass(ctx)
		e.finishPass(err)
		if err != nil {
			logging.Error("triggered sync pass failed", logging.Err(err))
			return
		}
		logging.Debug("triggered sync pass completed",
			logging.Int("pushed", stats.Pushed),
			logging.Int("requeued", stats.Requeued))
	}()
	return true
}

// FullSync pushes queued mutations first and then pulls every
// collection in parallel. The push-first order keeps a pull from
// overwriting local edits that have not reached the server yet. Waits
// a bounded time for an in-flight pass; past that it returns busy
// rather than interleaving.
func (e *Engine) FullSync(ctx context.Context) (*FullSyncStats, error) {
	if err := e.acquireWithin(ctx, FullSyncWait); err != nil {
		return nil, err
	}
	defer e.release()

	start := time.Now()
	e.bus.Publish(events.Event{Type: events.EventSyncStarted, Message: "full"})

	stats := &FullSyncStats{}
	push, err := e.pushPass(ctx)
	stats.Push = push
	if err != nil {
		e.finishPass(err)
		metrics.RecordSyncPass("full_error", time.Since(start))
		e.bus.Publish(events.Event{Type: events.EventSyncFailed, Message: err.Error()})
		return stats, err
	}

	// Plain group, no shared cancellation: one collection failing does
	// not abort the others mid-page.
	var g errgroup.Group
	g.Go(func() error {
		var err error
		stats.Notes, err = e.SyncNotes(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		stats.Folders, err = e.SyncFolders(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		stats.Actions, err = e.SyncActions(ctx)
		return err
	})
	err = g.Wait()
	e.finishPass(err)
	if err != nil {
		metrics.RecordSyncPass("full_error", time.Since(start))
		e.bus.Publish(events.Event{Type: events.EventSyncFailed, Message: err.Error()})
		return stats, errors.Wrap(errors.ErrSyncFailed, "full sync pull", err)
	}

	metrics.RecordSyncPass("full", time.Since(start))
	// Completion tells subscribed UI clients to drop their read caches.
	e.bus.Publish(events.Event{Type: events.EventSyncCompleted, Message: "full"})
	logging.Info("full sync completed",
		logging.Int("pushed", stats.Push.Pushed),
		logging.Int("notes_applied", stats.Notes.Applied),
		logging.Int("folders_applied", stats.Folders.Applied),
		logging.Int("actions_applied", stats.Actions.Applied),
		logging.Duration("duration", time.Since(start)))
	return stats, nil
}

// Start launches the periodic push loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
	logging.Info("sync engine started",
		logging.String("user_id", e.userID),
		logging.Duration("interval", e.interval))
}

// Stop halts the periodic loop and waits for in-flight passes.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	logging.Info("sync engine stopped", logging.String("user_id", e.userID))
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if !e.tryAcquire() {
				logging.Debug("sync pass already running, tick skipped")
				continue
			}
			func() {
				defer e.release()
				passCtx, cancel := context.WithTimeout(ctx, PassTimeout)
				defer cancel()
				_, err := e.pushPass(passCtx)
				e.finishPass(err)
				if err != nil {
					logging.Error("periodic sync pass failed", logging.Err(err))
				}
			}()
		}
	}
}

// =====================================================
// Push side
// =====================================================

// PushStats reports one push pass.
type PushStats struct {
	Pushed    int `json:"pushed"`
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Dropped   int `json:"dropped"`
}

// FullSyncStats reports a full sync: the push pass plus one pull per
// collection.
type FullSyncStats struct {
	Push    *PushStats `json:"push"`
	Notes   *PullStats `json:"notes"`
	Folders *PullStats `json:"folders"`
	Actions *PullStats `json:"actions"`
}

// pushPass drains one batch of queued mutations. Caller holds the pass
// token. A single item's failure never stops the pass.
func (e *Engine) pushPass(ctx context.Context) (*PushStats, error) {
	start := time.Now()
	items, err := e.queue.DequeueBatch(e.batchSize)
	if err != nil {
		metrics.RecordSyncPass("push_error", time.Since(start))
		return nil, errors.Wrap(errors.ErrDatabase, "dequeue mutation batch", err)
	}

	stats := &PushStats{}
	for _, item := range items {
		select {
		case <-ctx.Done():
			e.releaseRemaining()
			metrics.RecordSyncPass("push_cancelled", time.Since(start))
			return stats, ctx.Err()
		case <-e.stopCh:
			e.releaseRemaining()
			metrics.RecordSyncPass("push_stopped", time.Since(start))
			return stats, nil
		default:
		}

		switch e.pushItem(ctx, item) {
		case pushDone:
			stats.Pushed++
		case pushRequeued:
			stats.Requeued++
		case pushFailed:
			stats.Failed++
		case pushConflicted:
			stats.Conflicts++
		case pushDropped:
			stats.Dropped++
		}
	}

	metrics.RecordSyncPass("push", time.Since(start))
	if len(items) > 0 {
		e.bus.Publish(events.Event{Type: events.EventQueueChanged})
		logging.Info("push pass completed",
			logging.Int("pushed", stats.Pushed),
			logging.Int("requeued", stats.Requeued),
			logging.Int("failed", stats.Failed),
			logging.Int("conflicts", stats.Conflicts),
			logging.Int("dropped", stats.Dropped))
	}
	return stats, nil
}

type pushOutcome int

const (
	pushDone pushOutcome = iota
	pushRequeued
	pushFailed
	pushConflicted
	pushDropped
)

// pushItem routes one mutation to the server and settles both the
// queue item and the entity row.
func (e *Engine) pushItem(ctx context.Context, item *models.QueueItem) pushOutcome {
	err := e.routePush(ctx, item)
	switch {
	case err == nil:
		e.settleItem(item)
		metrics.RecordPushItem("pushed")
		e.bus.Publish(events.Event{
			Type:       events.EventEntityUpdated,
			EntityType: string(item.EntityType),
			EntityID:   item.EntityID.String(),
		})
		return pushDone

	case goerrors.Is(err, errStaleMutation):
		// The row is gone locally; nothing left to push.
		e.settleItem(item)
		metrics.RecordPushItem("dropped")
		logging.Debug("dropped stale mutation",
			logging.String("entity_type", string(item.EntityType)),
			logging.String("entity_id", item.EntityID.String()))
		return pushDropped

	case errors.Is(err, errors.ErrSyncConflict):
		// The server's stored copy diverged from what this client
		// believed it was updating. Flag the entity for review and
		// consume the mutation; pulls will not touch the row.
		e.flagConflict(item)
		e.settleItem(item)
		metrics.RecordPushItem("conflict")
		metrics.RecordConflict()
		e.bus.Publish(events.Event{
			Type:       events.EventConflictDetected,
			EntityType: string(item.EntityType),
			EntityID:   item.EntityID.String(),
		})
		logging.Warn("push diverged from server copy",
			logging.String("entity_type", string(item.EntityType)),
			logging.String("entity_id", item.EntityID.String()))
		return pushConflicted

	default:
		terminal, mfErr := e.queue.MarkFailed(item, err)
		if mfErr != nil {
			logging.Error("failed to record mutation failure", logging.Err(mfErr),
				logging.Int64("item_id", item.ID))
		}
		if terminal {
			e.flagError(item)
			metrics.RecordPushItem("failed")
			return pushFailed
		}
		metrics.RecordPushItem("requeued")
		return pushRequeued
	}
}

// settleItem removes a consumed mutation from the queue.
func (e *Engine) settleItem(item *models.QueueItem) {
	if err := e.queue.MarkComplete(item.ID); err != nil && !goerrors.Is(err, sql.ErrNoRows) {
		logging.Error("failed to settle mutation", logging.Err(err),
			logging.Int64("item_id", item.ID))
	}
}

// releaseRemaining returns leased but unattempted items to pending when
// a pass exits early. Passes are single-flight, so every processing row
// at that point belongs to this pass.
func (e *Engine) releaseRemaining() {
	if n, err := e.queue.ResetProcessing(); err != nil {
		logging.Error("failed to release leased mutations", logging.Err(err))
	} else if n > 0 {
		logging.Debug("released unprocessed mutations", logging.Int("count", n))
	}
}

func (e *Engine) routePush(ctx context.Context, item *models.QueueItem) error {
	switch item.EntityType {
	case models.EntityNote:
		return e.pushNote(ctx, item)
	case models.EntityFolder:
		return e.pushFolder(ctx, item)
	case models.EntityAction:
		return e.pushAction(ctx, item)
	}
	return errors.New(errors.ErrInternal, fmt.Sprintf("unknown entity type %q", item.EntityType))
}

func (e *Engine) pushNote(ctx context.Context, item *models.QueueItem) error {
	id := item.EntityID.String()
	switch item.Operation {
	case models.OpCreate:
		note, err := e.loadNote(id)
		if err != nil {
			return err
		}
		rec, err := e.client.CreateNote(ctx, api.NoteRecordFrom(note))
		if err != nil {
			return err
		}
		return e.ackSynced(e.repo.MarkNoteSynced(id, rec.UpdatedAt, note.LocalUpdatedAt))

	case models.OpUpdate:
		note, err := e.loadNote(id)
		if err != nil {
			return err
		}
		fields, err := notePayloadOf(item)
		if err != nil {
			return err
		}
		rec, err := e.client.UpdateNote(ctx, id, fields, note.ServerUpdatedAt)
		if err != nil {
			return err
		}
		return e.ackSynced(e.repo.MarkNoteSynced(id, rec.UpdatedAt, note.LocalUpdatedAt))

	case models.OpDelete:
		if err := e.client.DeleteNote(ctx, id); err != nil {
			return err
		}
		if err := e.repo.HardDeleteNote(id); err != nil {
			return errors.Wrap(errors.ErrDatabase, "drop deleted note", err)
		}
		if err := e.repo.DeleteActionItemsForNote(id); err != nil {
			return errors.Wrap(errors.ErrDatabase, "drop deleted note's actions", err)
		}
		return nil
	}
	return errors.New(errors.ErrInternal, fmt.Sprintf("unknown operation %q", item.Operation))
}

func (e *Engine) pushFolder(ctx context.Context, item *models.QueueItem) error {
	id := item.EntityID.String()
	switch item.Operation {
	case models.OpCreate:
		folder, err := e.loadFolder(id)
		if err != nil {
			return err
		}
		rec, err := e.client.CreateFolder(ctx, api.FolderRecordFrom(folder))
		if err != nil {
			return err
		}
		return e.ackSynced(e.repo.MarkFolderSynced(id, rec.UpdatedAt, folder.LocalUpdatedAt))

	case models.OpUpdate:
		folder, err := e.loadFolder(id)
		if err != nil {
			return err
		}
		fields, err := folderPayloadOf(item)
		if err != nil {
			return err
		}
		rec, err := e.client.UpdateFolder(ctx, id, fields, folder.ServerUpdatedAt)
		if err != nil {
			return err
		}
		return e.ackSynced(e.repo.MarkFolderSynced(id, rec.UpdatedAt, folder.LocalUpdatedAt))

	case models.OpDelete:
		if err := e.client.DeleteFolder(ctx, id); err != nil {
			return err
		}
		if err := e.repo.HardDeleteFolder(id); err != nil {
			return errors.Wrap(errors.ErrDatabase, "drop deleted folder", err)
		}
		return nil
	}
	return errors.New(errors.ErrInternal, fmt.Sprintf("unknown operation %q", item.Operation))
}

func (e *Engine) pushAction(ctx context.Context, item *models.QueueItem) error {
	id := item.EntityID.String()
	switch item.Operation {
	case models.OpCreate:
		action, err := e.loadAction(id)
		if err != nil {
			return err
		}
		rec, err := e.client.CreateAction(ctx, api.ActionRecordFrom(action))
		if err != nil {
			return err
		}
		return e.ackSynced(e.repo.MarkActionItemSynced(id, rec.UpdatedAt, action.LocalUpdatedAt))

	case models.OpUpdate:
		action, err := e.loadAction(id)
		if err != nil {
			return err
		}
		fields, err := actionPayloadOf(item)
		if err != nil {
			return err
		}
		rec, err := e.client.UpdateAction(ctx, id, fields, action.ServerUpdatedAt)
		if err != nil {
			return err
		}
		return e.ackSynced(e.repo.MarkActionItemSynced(id, rec.UpdatedAt, action.LocalUpdatedAt))

	case models.OpDelete:
		// The local row was already removed when the user deleted it;
		// action items carry no tombstone.
		return e.client.DeleteAction(ctx, id)
	}
	return errors.New(errors.ErrInternal, fmt.Sprintf("unknown operation %q", item.Operation))
}

// loadNote fetches the row a mutation refers to, tombstoned or not.
func (e *Engine) loadNote(id string) (*models.Note, error) {
	note, err := e.repo.GetNoteAny(id)
	if err == sql.ErrNoRows {
		return nil, errStaleMutation
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "load note for push", err)
	}
	return note, nil
}

func (e *Engine) loadFolder(id string) (*models.Folder, error) {
	folder, err := e.repo.GetFolderAny(id)
	if err == sql.ErrNoRows {
		return nil, errStaleMutation
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "load folder for push", err)
	}
	return folder, nil
}

func (e *Engine) loadAction(id string) (*models.ActionItem, error) {
	action, err := e.repo.GetActionItem(id)
	if err == sql.ErrNoRows {
		return nil, errStaleMutation
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "load action item for push", err)
	}
	return action, nil
}

// ackSynced tolerates the entity row vanishing between the server
// acknowledgment and the local mark, which a raced tombstone causes.
func (e *Engine) ackSynced(err error) error {
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "mark entity synced", err)
	}
	return nil
}

func notePayloadOf(item *models.QueueItem) (*models.NotePayload, error) {
	p, err := item.Payload()
	if err != nil || p == nil || p.Note == nil {
		return nil, errors.New(errors.ErrInternal, "update mutation carries no note payload")
	}
	return p.Note, nil
}

func folderPayloadOf(item *models.QueueItem) (*models.FolderPayload, error) {
	p, err := item.Payload()
	if err != nil || p == nil || p.Folder == nil {
		return nil, errors.New(errors.ErrInternal, "update mutation carries no folder payload")
	}
	return p.Folder, nil
}

func actionPayloadOf(item *models.QueueItem) (*models.ActionPayload, error) {
	p, err := item.Payload()
	if err != nil || p == nil || p.Action == nil {
		return nil, errors.New(errors.ErrInternal, "update mutation carries no action payload")
	}
	return p.Action, nil
}

// flagConflict marks the entity behind a diverged push for user review.
func (e *Engine) flagConflict(item *models.QueueItem) {
	id := item.EntityID.String()
	var err error
	switch item.EntityType {
	case models.EntityNote:
		err = e.repo.MarkNoteConflict(id)
	case models.EntityFolder:
		err = e.repo.MarkFolderConflict(id)
	case models.EntityAction:
		err = e.repo.MarkActionItemConflict(id)
	}
	if err != nil && err != sql.ErrNoRows {
		logging.Error("failed to flag conflict", logging.Err(err),
			logging.String("entity_id", id))
	}
}

// flagError marks the entity behind a terminally failed mutation.
func (e *Engine) flagError(item *models.QueueItem) {
	id := item.EntityID.String()
	var err error
	switch item.EntityType {
	case models.EntityNote:
		err = e.repo.MarkNoteError(id)
	case models.EntityFolder:
		err = e.repo.MarkFolderError(id)
	case models.EntityAction:
		err = e.repo.MarkActionItemError(id)
	}
	if err != nil && err != sql.ErrNoRows {
		logging.Error("failed to flag entity error", logging.Err(err),
			logging.String("entity_id", id))
	}
}
