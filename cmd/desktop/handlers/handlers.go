// Package handlers provides the localhost REST surface for the desktop
// shell. Every local mutation writes the entity store, queues the
// matching sync mutation, and nudges the engine so edits start toward
// the server without waiting for the periodic pass.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tomoike/echonote-core/internal/errors"
	"github.com/tomoike/echonote-core/internal/logging"
	"github.com/tomoike/echonote-core/internal/sync"
)

// errNoSession is returned to every entity endpoint hit while signed
// out; the UI redirects to the sign-in screen on it.
func errNoSession() error {
	return errors.New(errors.ErrNoSession, "no user is signed in")
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode response", logging.Err(err))
	}
}

// writeError maps a classified error onto an HTTP status and a JSON
// error body.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	writeJSON(w, statusFor(code), map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}

// statusFor maps the shared error codes onto HTTP statuses for the
// local surface.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrValidation, errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrAuth, errors.ErrNoSession:
		return http.StatusUnauthorized
	case errors.ErrNotFound, errors.ErrFileMissing:
		return http.StatusNotFound
	case errors.ErrDuplicate, errors.ErrConstraint, errors.ErrSyncConflict:
		return http.StatusConflict
	case errors.ErrSyncBusy, errors.ErrRateLimited:
		return http.StatusTooManyRequests
	case errors.ErrNetwork, errors.ErrServer, errors.ErrTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid request body", err)
	}
	return nil
}

// requireStack fetches the running session stack, writing a 401 when
// signed out. Callers bail out on nil.
func requireStack(w http.ResponseWriter, m *sync.Manager) *sync.Stack {
	st := m.Stack()
	if st == nil {
		writeError(w, errNoSession())
	}
	return st
}
