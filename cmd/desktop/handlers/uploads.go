// Package handlers provides REST API handlers for the audio upload queue.
package handlers

import (
	"database/sql"
	"net/http"

	"github.com/tomoike/echonote-core/internal/db"
	"github.com/tomoike/echonote-core/internal/errors"
	"github.com/tomoike/echonote-core/internal/models"
	"github.com/tomoike/echonote-core/internal/sync"
	"github.com/tomoike/echonote-core/internal/uuid"
)

// UploadsHandler queues recorded audio for synthesis and reports task
// state. Progress streams over the websocket; these endpoints cover
// the enqueue and the list.
type UploadsHandler struct {
	repo    *db.Repository
	manager *sync.Manager
}

// NewUploadsHandler creates an UploadsHandler.
func NewUploadsHandler(repo *db.Repository, manager *sync.Manager) *UploadsHandler {
	return &UploadsHandler{repo: repo, manager: manager}
}

// Queue handles POST /uploads. The task lands durably before the 202;
// shipping happens on the pipeline's clock.
func (h *UploadsHandler) Queue(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}

	var req struct {
		NoteID   string `json:"note_id"`
		FilePath string `json:"file_path"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !uuid.IsValid(req.NoteID) {
		writeError(w, errors.New(errors.ErrValidation, "invalid note id"))
		return
	}
	if _, err := h.repo.GetNote(req.NoteID); err == sql.ErrNoRows {
		writeError(w, errors.New(errors.ErrNotFound, "note not found"))
		return
	} else if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "load note", err))
		return
	}

	task, err := st.Pipeline.QueueUpload(models.UUID(req.NoteID), req.FilePath)
	if err != nil {
		writeError(w, err)
		return
	}
	st.Pipeline.TriggerUpload()
	writeJSON(w, http.StatusAccepted, task)
}

// List handles GET /uploads: the signed-in user's recent tasks,
// newest first.
func (h *UploadsHandler) List(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}
	tasks, err := h.repo.ListUploadTasks(st.Session.UserID, 50)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "list upload tasks", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tasks})
}
