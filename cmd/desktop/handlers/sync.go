// Package handlers provides REST API handlers for sync operations.
package handlers

import (
	"net/http"

	"github.com/tomoike/echonote-core/internal/sync"
)

// SyncHandler exposes sync state and the manual triggers.
type SyncHandler struct {
	manager *sync.Manager
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(manager *sync.Manager) *SyncHandler {
	return &SyncHandler{manager: manager}
}

// Status handles GET /sync/status. Works signed out too, reporting a
// bare signed_out state so the UI can poll one endpoint throughout.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Trigger handles POST /sync/trigger: fire-and-forget push pass. The
// response says whether a pass actually started; false means one was
// already running, which is just as good for the caller.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}
	started := st.Engine.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": started})
}

// Full handles POST /sync/full: push then pull everything, blocking
// until done. A pass already in flight past the wait bound returns
// 429 and the caller retries.
func (h *SyncHandler) Full(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}
	stats, err := st.Engine.FullSync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
