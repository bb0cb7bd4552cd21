// Package sync tests for the session manager lifecycle.
package sync

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tomoike/echonote-core/internal/config"
	"github.com/tomoike/echonote-core/internal/crypto"
	"github.com/tomoike/echonote-core/internal/db"
	apperrors "github.com/tomoike/echonote-core/internal/errors"
	"github.com/tomoike/echonote-core/internal/events"
	"github.com/tomoike/echonote-core/internal/models"
	"github.com/tomoike/echonote-core/internal/sync/queue"
	"github.com/tomoike/echonote-core/internal/uuid"
)

const testToken = "tok-3f9a"

// emptyAPIServer serves a healthy API that holds no remote data, which
// is enough for sign-in and an empty hydration pass.
func emptyAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	emptyList := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[],"page":1,"per_page":50,"total_pages":1,"total_count":0}`))
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/notes", emptyList)
	mux.HandleFunc("/v1/folders", emptyList)
	mux.HandleFunc("/v1/actions", emptyList)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// testConfig returns a config pointed at the given API server. The
// long sync interval keeps periodic passes out of the tests.
func testConfig(baseURL string) *config.Config {
	return &config.Config{
		APIBaseURL:    baseURL,
		HTTPTimeout:   2 * time.Second,
		UploadTimeout: 2 * time.Second,
		SyncInterval:  45 * time.Second,
		Secret:        "test-secret",
	}
}

// setupManager creates a session manager over a fresh in-memory
// database. The manager is closed before the database on cleanup.
func setupManager(t *testing.T, baseURL string) (*Manager, *db.Repository) {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	// One connection so the in-memory database is shared across statements
	conn.SetMaxOpenConns(1)

	if err := db.NewMigrator(conn).Up(); err != nil {
		conn.Close()
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	repo := db.NewRepository(conn)
	m := NewManager(repo, events.NewBroadcaster(), testConfig(baseURL))
	t.Cleanup(func() {
		m.Close()
		repo.Close()
		conn.Close()
	})
	return m, repo
}

// waitForMarker polls until the hydration marker for userID is written.
func waitForMarker(t *testing.T, repo *db.Repository, userID string) *models.HydrationMarker {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		marker, err := repo.GetHydrationMarker(userID)
		if err == nil && marker.Completed {
			return marker
		}
		if time.Now().After(deadline) {
			t.Fatalf("hydration marker for %s never appeared: %v", userID, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestSignIn verifies a successful sign-in persists the session with
// the token encrypted at rest and brings up the whole sync stack.
func TestSignIn(t *testing.T) {
	server := emptyAPIServer(t)
	m, repo := setupManager(t, server.URL)

	if err := m.SignIn(context.Background(), testUser, testToken, server.URL); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	sess, err := repo.GetSession()
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.UserID != testUser {
		t.Errorf("session user = %q, want %q", sess.UserID, testUser)
	}
	if sess.BaseURL != server.URL {
		t.Errorf("session base URL = %q, want %q", sess.BaseURL, server.URL)
	}
	if sess.TokenEncrypted == testToken {
		t.Error("token stored in cleartext")
	}
	token, err := crypto.DecryptToken(sess.TokenEncrypted, "test-secret")
	if err != nil {
		t.Fatalf("DecryptToken() error = %v", err)
	}
	if token != testToken {
		t.Errorf("decrypted token = %q, want %q", token, testToken)
	}

	if m.Session() == nil || m.Engine() == nil || m.Queue() == nil || m.Pipeline() == nil {
		t.Error("sync stack not running after sign-in")
	}
	st, err := m.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.State == "signed_out" {
		t.Errorf("status state = %q after sign-in", st.State)
	}

	marker := waitForMarker(t, repo, testUser)
	if marker.NoteCount != 0 || marker.FolderCount != 0 {
		t.Errorf("marker counts = %d/%d, want 0/0 for an empty server",
			marker.NoteCount, marker.FolderCount)
	}
}

// TestSignIn_validation verifies empty credentials are rejected before
// any network or database work happens.
func TestSignIn_validation(t *testing.T) {
	m, repo := setupManager(t, "http://127.0.0.1:1")

	if err := m.SignIn(context.Background(), "", testToken, ""); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("SignIn with empty user error = %v, want %s", err, apperrors.ErrValidation)
	}
	if err := m.SignIn(context.Background(), testUser, "", ""); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("SignIn with empty token error = %v, want %s", err, apperrors.ErrValidation)
	}
	if _, err := repo.GetSession(); err != sql.ErrNoRows {
		t.Errorf("GetSession() error = %v, want sql.ErrNoRows", err)
	}
}

// TestSignIn_badCredentials verifies a rejected health check leaves no
// session and no running stack behind.
func TestSignIn_badCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid token"}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	m, repo := setupManager(t, server.URL)

	err := m.SignIn(context.Background(), testUser, "bad-token", server.URL)
	if !apperrors.Is(err, apperrors.ErrAuth) {
		t.Errorf("SignIn() error = %v, want %s", err, apperrors.ErrAuth)
	}
	if m.Session() != nil {
		t.Error("stack running after failed sign-in")
	}
	if _, err := repo.GetSession(); err != sql.ErrNoRows {
		t.Errorf("GetSession() error = %v, want sql.ErrNoRows", err)
	}
}

// TestSignIn_userSwitchWipes verifies signing in a different user
// clears the previous user's local data before the new session starts.
func TestSignIn_userSwitchWipes(t *testing.T) {
	server := emptyAPIServer(t)
	m, repo := setupManager(t, server.URL)

	if err := m.SignIn(context.Background(), "user-1", testToken, server.URL); err != nil {
		t.Fatalf("first SignIn() error = %v", err)
	}
	waitForMarker(t, repo, "user-1")
	n := seedNote(t, repo, models.NewNote(uuid.New(), "user-1", "Private recording"))

	if err := m.SignIn(context.Background(), "user-2", "tok-other", server.URL); err != nil {
		t.Fatalf("second SignIn() error = %v", err)
	}

	if _, err := repo.GetNoteAny(n.ID.String()); err != sql.ErrNoRows {
		t.Errorf("note survived the user switch: err = %v", err)
	}
	if _, err := repo.GetHydrationMarker("user-1"); err != sql.ErrNoRows {
		t.Errorf("old hydration marker survived the user switch: err = %v", err)
	}
	sess, err := repo.GetSession()
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.UserID != "user-2" {
		t.Errorf("session user = %q, want user-2", sess.UserID)
	}
}

// TestSignOut verifies sign-out tears down the stack and deletes the
// stored session, and that a second sign-out reports no session.
func TestSignOut(t *testing.T) {
	server := emptyAPIServer(t)
	m, repo := setupManager(t, server.URL)
	if err := m.SignIn(context.Background(), testUser, testToken, server.URL); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	if err := m.SignOut(); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if m.Session() != nil || m.Engine() != nil || m.Queue() != nil || m.Pipeline() != nil {
		t.Error("stack still running after sign-out")
	}
	if _, err := repo.GetSession(); err != sql.ErrNoRows {
		t.Errorf("GetSession() error = %v, want sql.ErrNoRows", err)
	}
	st, err := m.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.State != "signed_out" {
		t.Errorf("status state = %q, want signed_out", st.State)
	}

	if err := m.SignOut(); !apperrors.Is(err, apperrors.ErrNoSession) {
		t.Errorf("second SignOut() error = %v, want %s", err, apperrors.ErrNoSession)
	}
}

// TestSignOut_keepsLocalData verifies notes and queued mutations stay
// on disk through sign-out so the same user resumes where they left.
func TestSignOut_keepsLocalData(t *testing.T) {
	server := emptyAPIServer(t)
	m, repo := setupManager(t, server.URL)
	if err := m.SignIn(context.Background(), testUser, testToken, server.URL); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	n := seedNote(t, repo, models.NewNote(uuid.New(), testUser, "Offline draft"))
	if _, err := m.Queue().Enqueue(testUser, models.EntityNote, n.ID, models.OpCreate, titlePayload("Offline draft")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := m.SignOut(); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}

	if _, err := repo.GetNote(n.ID.String()); err != nil {
		t.Errorf("note gone after sign-out: %v", err)
	}
	depth, err := queue.New(repo).Depth()
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 1 {
		t.Errorf("queue depth after sign-out = %d, want 1", depth)
	}
}

// TestRestore verifies a persisted session brings the stack back up
// without any network round-trip at start.
func TestRestore(t *testing.T) {
	server := emptyAPIServer(t)
	m, repo := setupManager(t, server.URL)
	if err := m.SignIn(context.Background(), testUser, testToken, server.URL); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	waitForMarker(t, repo, testUser)
	m.Close()
	if m.Session() != nil {
		t.Fatal("stack still running after Close()")
	}

	// Same database, new manager: the process restarted.
	m2 := NewManager(repo, events.NewBroadcaster(), testConfig(server.URL))
	t.Cleanup(m2.Close)

	if err := m2.Restore(); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	sess := m2.Session()
	if sess == nil {
		t.Fatal("no session after restore")
	}
	if sess.UserID != testUser {
		t.Errorf("restored user = %q, want %q", sess.UserID, testUser)
	}
	if m2.Engine() == nil || m2.Queue() == nil || m2.Pipeline() == nil {
		t.Error("sync stack not running after restore")
	}
}

// TestRestore_noSession verifies restoring with nothing stored is a
// quiet no-op that leaves the process signed out.
func TestRestore_noSession(t *testing.T) {
	server := emptyAPIServer(t)
	m, _ := setupManager(t, server.URL)

	if err := m.Restore(); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if m.Session() != nil {
		t.Error("stack running with no stored session")
	}
}

// TestRestore_undecryptableToken verifies a corrupt stored token is
// discarded instead of wedging every start.
func TestRestore_undecryptableToken(t *testing.T) {
	server := emptyAPIServer(t)
	m, repo := setupManager(t, server.URL)

	sess := models.NewSession(testUser, "not-a-ciphertext", server.URL)
	if err := repo.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	if err := m.Restore(); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if m.Session() != nil {
		t.Error("stack running with an unusable token")
	}
	if _, err := repo.GetSession(); err != sql.ErrNoRows {
		t.Errorf("unusable session not deleted: err = %v", err)
	}
}
