// Package uploads ships recorded audio to the synthesis endpoint and
// folds the transcripts, summaries and extracted action items back
// into the entity store. The pipeline runs independently of the
// mutation queue: audio files are large, slow to ship, and need the
// progress reporting the queue's model does not carry.
package uploads

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tomoike/echonote-core/internal/api"
	"github.com/tomoike/echonote-core/internal/db"
	"github.com/tomoike/echonote-core/internal/errors"
	"github.com/tomoike/echonote-core/internal/events"
	"github.com/tomoike/echonote-core/internal/logging"
	"github.com/tomoike/echonote-core/internal/metrics"
	"github.com/tomoike/echonote-core/internal/models"
	"github.com/tomoike/echonote-core/internal/uuid"
)

const (
	// MaxRetries caps upload attempts per task.
	MaxRetries = 3

	// BatchSize bounds tasks per pass.
	BatchSize = 5

	// DefaultInterval is the background pass cadence.
	DefaultInterval = 45 * time.Second

	// passTimeout bounds a single pass; synthesis calls are slow.
	passTimeout = 15 * time.Minute

	// CompletedRetention is how long finished tasks stay around before
	// pruning.
	CompletedRetention = 24 * time.Hour

	// The network phase reports progress inside a fixed window; the
	// range below it covers preparation, above it the local writeback.
	progressFloor = 20
	progressCeil  = 90
)

// Synthesizer is the slice of the remote API the pipeline drives.
// Satisfied by *api.Client; tests substitute a fake.
type Synthesizer interface {
	Synthesize(ctx context.Context, req *api.SynthesisRequest) (*api.SynthesisResult, error)
}

var _ Synthesizer = (*api.Client)(nil)

// Pipeline drains the durable upload queue, one single-flight pass at
// a time. Created on sign-in, stopped on sign-out.
type Pipeline struct {
	repo   *db.Repository
	client Synthesizer
	bus    *events.Broadcaster
	userID string

	interval time.Duration

	// passSem holds one token while a pass runs.
	passSem chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// New creates a pipeline scoped to userID. A zero interval falls back
// to the default.
func New(repo *db.Repository, client Synthesizer, bus *events.Broadcaster, userID string, interval time.Duration) *Pipeline {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Pipeline{
		repo:     repo,
		client:   client,
		bus:      bus,
		userID:   userID,
		interval: interval,
		passSem:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// QueueUpload enqueues the audio file at localPath for noteID. The
// file size is recorded when the file is readable; a file already gone
// by processing time drops the task silently.
func (p *Pipeline) QueueUpload(noteID models.UUID, localPath string) (*models.UploadTask, error) {
	if noteID == "" {
		return nil, errors.New(errors.ErrValidation, "upload task requires a note id")
	}
	if localPath == "" {
		return nil, errors.New(errors.ErrValidation, "upload task requires a local path")
	}

	var size int64
	if fi, err := os.Stat(localPath); err == nil {
		size = fi.Size()
	}

	task := models.NewUploadTask(uuid.New(), p.userID, noteID, localPath, size)
	if err := p.repo.InsertUploadTask(task); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "enqueue upload task", err)
	}
	logging.Debug("queued audio upload",
		logging.String("note_id", noteID.String()),
		logging.String("path", localPath),
		logging.Int64("size", size))
	return task, nil
}

// ProcessQueue runs one upload pass: lease up to BatchSize eligible
// tasks and ship each. Returns busy when a pass is already running.
// One task's failure never stops the pass.
func (p *Pipeline) ProcessQueue(ctx context.Context) (*PassStats, error) {
	select {
	case p.passSem <- struct{}{}:
	default:
		return nil, errors.New(errors.ErrSyncBusy, "upload pass already running")
	}
	defer func() { <-p.passSem }()

	tasks, err := p.repo.DequeueUploadBatch(BatchSize, MaxRetries)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "dequeue upload batch", err)
	}

	stats := &PassStats{}
	for _, task := range tasks {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-p.stopCh:
			return stats, nil
		default:
		}

		switch p.processTask(ctx, task) {
		case uploadCompleted:
			stats.Completed++
		case uploadRetried:
			stats.Retried++
		case uploadFailed:
			stats.Failed++
		case uploadDropped:
			stats.Dropped++
		}
	}

	if len(tasks) > 0 {
		logging.Info("upload pass completed",
			logging.Int("completed", stats.Completed),
			logging.Int("retried", stats.Retried),
			logging.Int("failed", stats.Failed),
			logging.Int("dropped", stats.Dropped))
	}
	return stats, nil
}

// PassStats reports one upload pass.
type PassStats struct {
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}

type uploadOutcome int

const (
	uploadCompleted uploadOutcome = iota
	uploadRetried
	uploadFailed
	uploadDropped
)

func (p *Pipeline) processTask(ctx context.Context, task *models.UploadTask) uploadOutcome {
	id := task.ID.String()
	noteID := task.NoteID.String()

	if _, err := os.Stat(task.LocalPath); err != nil {
		// Nothing left to upload.
		if derr := p.repo.DeleteUploadTask(id); derr != nil {
			logging.Error("failed to drop upload task", logging.Err(derr),
				logging.String("task_id", id))
		}
		logging.Debug("dropped upload task, local file is gone",
			logging.String("task_id", id),
			logging.String("path", task.LocalPath))
		return uploadDropped
	}

	note, err := p.repo.GetNote(noteID)
	if err == sql.ErrNoRows {
		// The note was deleted while the task waited.
		if derr := p.repo.DeleteUploadTask(id); derr != nil {
			logging.Error("failed to drop upload task", logging.Err(derr),
				logging.String("task_id", id))
		}
		return uploadDropped
	}
	if err != nil {
		return p.fail(task, errors.Wrap(errors.ErrDatabase, "load note for upload", err))
	}

	f, err := os.Open(task.LocalPath)
	if err != nil {
		return p.fail(task, errors.Wrap(errors.ErrFileMissing, "open audio file", err))
	}
	defer f.Close()

	p.publishProgress(noteID, progressFloor)

	start := time.Now()
	result, err := p.client.Synthesize(ctx, &api.SynthesisRequest{
		NoteID:   noteID,
		Audio:    f,
		Filename: filepath.Base(task.LocalPath),
		Progress: func(sent, total int64) {
			p.publishProgress(noteID, scaleProgress(sent, total))
		},
	})
	if err != nil {
		metrics.RecordUpload(task.FileSize, false, time.Since(start))
		return p.fail(task, err)
	}
	metrics.RecordUpload(task.FileSize, true, time.Since(start))

	if err := p.applyResult(note, result); err != nil {
		return p.fail(task, err)
	}

	if err := p.repo.MarkUploadCompleted(id); err != nil && err != sql.ErrNoRows {
		logging.Error("failed to mark upload completed", logging.Err(err),
			logging.String("task_id", id))
	}
	p.bus.Publish(events.Event{
		Type:       events.EventUploadCompleted,
		EntityType: string(models.EntityNote),
		EntityID:   noteID,
		Progress:   100,
	})
	logging.Info("audio upload completed",
		logging.String("note_id", noteID),
		logging.Int64("bytes", task.FileSize),
		logging.Duration("duration", time.Since(start)))
	return uploadCompleted
}

// applyResult writes the synthesis output back through the normal
// repository update plus acknowledgment path, so it rides the same
// conflict-aware code as any other edit. The server has already stored
// the processed content, so no mutation is enqueued.
func (p *Pipeline) applyResult(note *models.Note, result *api.SynthesisResult) error {
	rec := &result.Note

	note.Transcript = rec.Transcript
	note.Summary = rec.Summary
	note.AudioURL = rec.AudioURL
	note.DurationSecs = rec.DurationSecs
	if note.Title == "" && rec.Title != "" {
		note.Title = rec.Title
	}
	note.Touch()

	if err := p.repo.UpdateNote(note); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return errors.Wrap(errors.ErrDatabase, "write synthesis result", err)
	}
	if err := p.repo.MarkNoteSynced(note.ID.String(), rec.UpdatedAt, note.LocalUpdatedAt); err != nil && err != sql.ErrNoRows {
		return errors.Wrap(errors.ErrDatabase, "acknowledge synthesis result", err)
	}

	// Extracted action items are server-authored records; apply them
	// through the conflict-aware upsert.
	for i := range result.Actions {
		action := result.Actions[i].Model(p.userID)
		if _, err := p.repo.UpsertActionItemFromServer(action, false); err != nil {
			logging.Warn("failed to store extracted action item",
				logging.String("action_id", action.ID.String()), logging.Err(err))
		}
	}

	p.bus.Publish(events.Event{
		Type:       events.EventEntityUpdated,
		EntityType: string(models.EntityNote),
		EntityID:   note.ID.String(),
	})
	return nil
}

// fail records a task failure; the retry cap is enforced at dequeue.
func (p *Pipeline) fail(task *models.UploadTask, cause error) uploadOutcome {
	id := task.ID.String()
	if err := p.repo.FailUploadTask(id, cause.Error()); err != nil && err != sql.ErrNoRows {
		logging.Error("failed to record upload failure", logging.Err(err),
			logging.String("task_id", id))
	}

	attempts := task.RetryCount + 1
	terminal := attempts >= MaxRetries
	p.bus.Publish(events.Event{
		Type:       events.EventUploadFailed,
		EntityType: string(models.EntityNote),
		EntityID:   task.NoteID.String(),
		Message:    cause.Error(),
	})
	if terminal {
		logging.Warn("upload retries exhausted",
			logging.String("task_id", id),
			logging.String("note_id", task.NoteID.String()),
			logging.Int("attempts", attempts),
			logging.Err(cause))
		return uploadFailed
	}
	logging.Debug("upload failed, will retry",
		logging.String("task_id", id),
		logging.Int("attempts", attempts),
		logging.Err(cause))
	return uploadRetried
}

func (p *Pipeline) publishProgress(noteID string, pct int) {
	p.bus.Publish(events.Event{
		Type:       events.EventUploadProgress,
		EntityType: string(models.EntityNote),
		EntityID:   noteID,
		Progress:   pct,
	})
}

// scaleProgress maps bytes shipped into the network phase's progress
// window.
func scaleProgress(sent, total int64) int {
	if total <= 0 {
		return progressFloor
	}
	if sent >= total {
		return progressCeil
	}
	return progressFloor + int(sent*int64(progressCeil-progressFloor)/total)
}

// ResetStuck returns tasks stranded in uploading to pending and prunes
// old completed rows. Run once at startup.
func (p *Pipeline) ResetStuck() error {
	count, err := p.repo.ResetStuckUploads()
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "reset stuck uploads", err)
	}
	if count > 0 {
		logging.Info("reset stuck upload tasks", logging.Int("count", count))
	}
	pruned, err := p.repo.PruneCompletedUploads(CompletedRetention)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "prune completed uploads", err)
	}
	if pruned > 0 {
		logging.Debug("pruned completed upload tasks", logging.Int("count", pruned))
	}
	return nil
}

// PendingCount returns how many tasks still need work.
func (p *Pipeline) PendingCount() (int, error) {
	return p.repo.PendingUploadCount(MaxRetries)
}

// Start launches the periodic upload loop.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
	logging.Info("upload pipeline started",
		logging.String("user_id", p.userID),
		logging.Duration("interval", p.interval))
}

// Stop halts the loop and waits for an in-flight pass.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	logging.Info("upload pipeline stopped", logging.String("user_id", p.userID))
}

// TriggerUpload starts a pass in the background, typically right after
// a recording is queued. No-op when the pipeline is stopped; a pass
// already in flight makes the new pass exit as busy.
func (p *Pipeline) TriggerUpload() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
		defer cancel()
		if _, err := p.ProcessQueue(ctx); err != nil && !errors.Is(err, errors.ErrSyncBusy) {
			logging.Error("triggered upload pass failed", logging.Err(err))
		}
	}()
}

func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(ctx, passTimeout)
			if _, err := p.ProcessQueue(passCtx); err != nil && !errors.Is(err, errors.ErrSyncBusy) {
				logging.Error("periodic upload pass failed", logging.Err(err))
			}
			cancel()
		}
	}
}
