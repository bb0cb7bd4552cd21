// Package main tests for route wiring and the websocket event relay.
package main

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/tomoike/echonote-core/internal/config"
	"github.com/tomoike/echonote-core/internal/db"
	"github.com/tomoike/echonote-core/internal/events"
	"github.com/tomoike/echonote-core/internal/sync"
)

// newTestStack wires the full server over an in-memory database with
// nobody signed in.
func newTestStack(t *testing.T) (*http.ServeMux, *events.Broadcaster) {
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
	bus := events.NewBroadcaster()
	cfg := &config.Config{
		APIBaseURL:   "http://127.0.0.1:1",
		HTTPTimeout:  time.Second,
		SyncInterval: 45 * time.Second,
		Secret:       "test-secret",
	}
	manager := sync.NewManager(repo, bus, cfg)
	hub := NewWSHub(bus)
	t.Cleanup(func() {
		hub.Stop()
		manager.Close()
		repo.Close()
		conn.Close()
	})
	return newMux(repo, manager, hub), bus
}

func TestMux_health(t *testing.T) {
	mux, _ := newTestStack(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if !strings.Contains(w.Body.String(), `"echonote-core"`) {
		t.Errorf("health body = %q", w.Body.String())
	}
}

// TestMux_signedOut verifies entity and sync routes reject requests
// with no session while the probe endpoints keep answering.
func TestMux_signedOut(t *testing.T) {
	mux, _ := newTestStack(t)

	protected := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/notes"},
		{http.MethodPost, "/sync/trigger"},
		{http.MethodGet, "/uploads"},
	}
	for _, route := range protected {
		req := httptest.NewRequest(route.method, route.path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", route.method, route.path, w.Code)
		}
		var body struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s %s body: %v", route.method, route.path, err)
		}
		if body.Code != "NO_SESSION" {
			t.Errorf("%s %s code = %q, want NO_SESSION", route.method, route.path, body.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /session status = %d, want 200", w.Code)
	}
	var sess struct {
		SignedIn bool `json:"signed_in"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("GET /session body: %v", err)
	}
	if sess.SignedIn {
		t.Error("GET /session reports signed_in with no session")
	}

	req = httptest.NewRequest(http.MethodGet, "/sync/status", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /sync/status status = %d, want 200", w.Code)
	}
	var status struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("GET /sync/status body: %v", err)
	}
	if status.State != "signed_out" {
		t.Errorf("sync state = %q, want signed_out", status.State)
	}
}

func TestMux_methodNotAllowed(t *testing.T) {
	mux, _ := newTestStack(t)

	req := httptest.NewRequest(http.MethodPut, "/notes", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT /notes status = %d, want 405", w.Code)
	}
}

// TestWebSocket_relaysEvents publishes on the bus and expects the
// event to arrive on a connected websocket client.
func TestWebSocket_relaysEvents(t *testing.T) {
	mux, bus := newTestStack(t)
	server := httptest.NewServer(mux)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", wsURL, err)
	}
	defer conn.Close()

	// Registration races the dial, so keep publishing until the relay
	// delivers one.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish(events.Event{Type: events.EventSyncCompleted, Message: "relay test"})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	var ev events.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", payload, err)
	}
	if ev.Type != events.EventSyncCompleted {
		t.Errorf("event type = %q, want %q", ev.Type, events.EventSyncCompleted)
	}
	if ev.Message != "relay test" {
		t.Errorf("event message = %q, want %q", ev.Message, "relay test")
	}
}

// TestWebSocket_rejectsRemoteHost exercises the origin check with a
// non-loopback Host header.
func TestWebSocket_rejectsRemoteHost(t *testing.T) {
	mux, _ := newTestStack(t)
	server := httptest.NewServer(mux)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{"Host": []string{"evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		conn.Close()
		t.Fatal("Dial succeeded with a remote Host header")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("upgrade status = %d, want 403", resp.StatusCode)
	}
}
