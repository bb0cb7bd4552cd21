// Package handlers provides REST API handlers for session sign-in and sign-out.
package handlers

import (
	"net/http"

	"github.com/tomoike/echonote-core/internal/sync"
)

// SessionHandler covers sign-in, sign-out, and the current-session
// probe the shell calls at startup.
type SessionHandler struct {
	manager *sync.Manager
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(manager *sync.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// SignIn handles POST /session/sign-in. A success means the API
// accepted the token and the background sync stack is running.
func (h *SessionHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		Token   string `json:"token"`
		BaseURL string `json:"base_url"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.manager.SignIn(r.Context(), req.UserID, req.Token, req.BaseURL); err != nil {
		writeError(w, err)
		return
	}
	sess := h.manager.Session()
	if sess == nil {
		// A concurrent sign-out tore the stack down before the
		// response was written.
		writeError(w, errNoSession())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  sess.UserID,
		"base_url": sess.BaseURL,
	})
}

// SignOut handles POST /session/sign-out. Local notes and queued
// mutations stay on disk; only the session and the running stack go.
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.SignOut(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Current handles GET /session. The token never leaves the process,
// encrypted or otherwise.
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	sess := h.manager.Session()
	if sess == nil {
		writeJSON(w, http.StatusOK, map[string]any{"signed_in": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signed_in":  true,
		"user_id":    sess.UserID,
		"base_url":   sess.BaseURL,
		"created_at": sess.CreatedAt,
	})
}
