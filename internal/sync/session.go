// Package sync provides session lifecycle management.
package sync

import (
	"context"
	"database/sql"
	"sync"

	"github.com/tomoike/echonote-core/internal/api"
	"github.com/tomoike/echonote-core/internal/config"
	"github.com/tomoike/echonote-core/internal/crypto"
	"github.com/tomoike/echonote-core/internal/db"
	"github.com/tomoike/echonote-core/internal/errors"
	"github.com/tomoike/echonote-core/internal/events"
	"github.com/tomoike/echonote-core/internal/logging"
	"github.com/tomoike/echonote-core/internal/models"
	"github.com/tomoike/echonote-core/internal/sync/queue"
	"github.com/tomoike/echonote-core/internal/sync/uploads"
)

// Manager owns the session-scoped sync stack: one engine, mutation
// queue and upload pipeline bound to the signed-in user, created at
// sign-in and torn down at sign-out. Callers reach the stack through
// the accessors instead of package globals, so a user switch swaps the
// whole stack atomically.
type Manager struct {
	repo *db.Repository
	bus  *events.Broadcaster
	cfg  *config.Config

	mu       sync.Mutex
	session  *models.Session
	client   *api.Client
	queue    *queue.Queue
	engine   *Engine
	pipeline *uploads.Pipeline
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a session manager. No stack exists until SignIn
// or Restore brings one up.
func NewManager(repo *db.Repository, bus *events.Broadcaster, cfg *config.Config) *Manager {
	return &Manager{
		repo: repo,
		bus:  bus,
		cfg:  cfg,
	}
}

// SignIn verifies the credentials against the remote API, persists the
// session with the token encrypted at rest, and brings up the sync
// stack. Signing in a different user than the one stored wipes all
// local data first.
func (m *Manager) SignIn(ctx context.Context, userID, token, baseURL string) error {
	if userID == "" || token == "" {
		return errors.New(errors.ErrValidation, "sign-in requires a user id and token")
	}
	if baseURL == "" {
		baseURL = m.cfg.APIBaseURL
	}

	client := api.NewClient(&api.Config{
		BaseURL:       baseURL,
		Token:         token,
		Timeout:       m.cfg.HTTPTimeout,
		UploadTimeout: m.cfg.UploadTimeout,
	})
	// Reject bad credentials before touching any local state. The api
	// package already classifies the error.
	if err := client.TestConnection(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	prev, err := m.repo.GetSession()
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(errors.ErrDatabase, "read stored session", err)
	}
	if err == nil && prev.UserID != userID {
		logging.Info("switching users, clearing local data",
			logging.String("from", prev.UserID),
			logging.String("to", userID))
		if err := m.repo.ClearAllData(); err != nil {
			return errors.Wrap(errors.ErrDatabase, "clear previous user's data", err)
		}
	}

	enc, err := crypto.EncryptToken(token, m.cfg.Secret)
	if err != nil {
		return errors.Wrap(errors.ErrCrypto, "encrypt session token", err)
	}
	sess := models.NewSession(userID, enc, baseURL)
	if err := m.repo.SaveSession(sess); err != nil {
		return errors.Wrap(errors.ErrDatabase, "save session", err)
	}

	m.startLocked(sess, client)
	m.bus.Publish(events.Event{Type: events.EventSessionChanged, Message: userID})
	logging.Info("signed in", logging.String("user_id", userID))
	return nil
}

// Restore brings the stack up from a session persisted by a previous
// run. No network call is made: restore must succeed offline, and a
// dead token surfaces later as auth failures on the first pass. A
// missing session is not an error; the process just starts signed out.
func (m *Manager) Restore() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return nil
	}
	sess, err := m.repo.GetSession()
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "read stored session", err)
	}
	token, err := crypto.DecryptToken(sess.TokenEncrypted, m.cfg.Secret)
	if err != nil {
		// An undecryptable token is unusable. Drop the session instead
		// of failing every start; the user signs in again.
		logging.Warn("stored session token cannot be decrypted, discarding session",
			logging.Err(err))
		if derr := m.repo.DeleteSession(sess.UserID); derr != nil {
			logging.Error("failed to delete unusable session", logging.Err(derr))
		}
		return nil
	}

	client := api.NewClient(&api.Config{
		BaseURL:       sess.BaseURL,
		Token:         token,
		Timeout:       m.cfg.HTTPTimeout,
		UploadTimeout: m.cfg.UploadTimeout,
	})
	m.startLocked(sess, client)
	if err := m.repo.TouchSession(sess.UserID); err != nil {
		logging.Warn("failed to touch session", logging.Err(err))
	}
	logging.Info("session restored", logging.String("user_id", sess.UserID))
	return nil
}

// SignOut tears down the sync stack and removes the stored session.
// Local data stays on disk: signing back in as the same user resumes
// where the queue left off, and a different user triggers the wipe in
// SignIn.
func (m *Manager) SignOut() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return errors.New(errors.ErrNoSession, "no user is signed in")
	}
	userID := m.session.UserID
	m.stopLocked()
	if err := m.repo.DeleteSession(userID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "delete session", err)
	}
	m.bus.Publish(events.Event{Type: events.EventSessionChanged})
	logging.Info("signed out", logging.String("user_id", userID))
	return nil
}

// Close stops a running stack without deleting the stored session.
// Used at process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// startLocked builds and starts the per-session stack. Caller holds mu.
func (m *Manager) startLocked(sess *models.Session, client *api.Client) {
	runCtx, cancel := context.WithCancel(context.Background())

	q := queue.New(m.repo)
	engine := NewEngine(m.repo, client, q, m.bus, sess.UserID, Config{
		Interval:     m.cfg.SyncInterval,
		BatchSize:    m.cfg.QueueBatchSize,
		PageSize:     m.cfg.PullPageSize,
		DetailWindow: m.cfg.DetailWindow,
	})
	pipeline := uploads.New(m.repo, client, m.bus, sess.UserID, m.cfg.SyncInterval)

	// Reclaim work a previous process left mid-flight.
	if n, err := q.ResetProcessing(); err != nil {
		logging.Warn("failed to reset leased mutations", logging.Err(err))
	} else if n > 0 {
		logging.Info("reclaimed leased mutations", logging.Int("count", n))
	}
	if err := pipeline.ResetStuck(); err != nil {
		logging.Warn("failed to reset stuck uploads", logging.Err(err))
	}

	m.session = sess
	m.client = client
	m.queue = q
	m.engine = engine
	m.pipeline = pipeline
	m.cancel = cancel

	engine.Start(runCtx)
	pipeline.Start(runCtx)

	// The initial download runs beside the loops. Its marker keeps it
	// from repeating once complete, and a failure only defers it to
	// the next start.
	hydrator := NewHydrator(m.repo, engine, m.bus, sess.UserID)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := hydrator.EnsureHydrated(runCtx); err != nil {
			logging.Warn("hydration deferred to next start", logging.Err(err))
		}
	}()
}

// stopLocked cancels in-flight work and joins the loops. Caller holds
// mu. No-op when nothing is running.
func (m *Manager) stopLocked() {
	if m.session == nil {
		return
	}
	m.cancel()
	m.engine.Stop()
	m.pipeline.Stop()
	m.wg.Wait()

	m.session = nil
	m.client = nil
	m.queue = nil
	m.engine = nil
	m.pipeline = nil
	m.cancel = nil
}

// Stack is the session-scoped working set handed to request handlers.
type Stack struct {
	Session  *models.Session
	Queue    *queue.Queue
	Engine   *Engine
	Pipeline *uploads.Pipeline
}

// Stack returns the running stack in one snapshot, or nil when signed
// out. Handlers take the snapshot once per request so a concurrent
// sign-out cannot pull pieces out from under them mid-request.
func (m *Manager) Stack() *Stack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	return &Stack{
		Session:  m.session,
		Queue:    m.queue,
		Engine:   m.engine,
		Pipeline: m.pipeline,
	}
}

// Session returns the active session, or nil when signed out.
func (m *Manager) Session() *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Engine returns the running engine, or nil when signed out.
func (m *Manager) Engine() *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine
}

// Queue returns the mutation queue, or nil when signed out.
func (m *Manager) Queue() *queue.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue
}

// Pipeline returns the upload pipeline, or nil when signed out.
func (m *Manager) Pipeline() *uploads.Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipeline
}

// Status reports the sync state for the UI. When no user is signed in
// it returns a bare status with state "signed_out".
func (m *Manager) Status() (*Status, error) {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()

	if engine == nil {
		return &Status{State: "signed_out"}, nil
	}
	return engine.Status()
}
