// Package handlers provides REST API handlers for notes.
package handlers

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/tomoike/echonote-core/internal/db"
	"github.com/tomoike/echonote-core/internal/errors"
	"github.com/tomoike/echonote-core/internal/models"
	"github.com/tomoike/echonote-core/internal/sync"
	"github.com/tomoike/echonote-core/internal/uuid"
)

// NotesHandler serves note CRUD for the desktop shell.
type NotesHandler struct {
	repo    *db.Repository
	manager *sync.Manager
}

// NewNotesHandler creates a NotesHandler.
func NewNotesHandler(repo *db.Repository, manager *sync.Manager) *NotesHandler {
	return &NotesHandler{repo: repo, manager: manager}
}

// List handles GET /notes with optional folder_id, page and per_page.
func (h *NotesHandler) List(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	folderID := r.URL.Query().Get("folder_id")

	notes, err := h.repo.ListNotes(st.Session.UserID, folderID, perPage, (page-1)*perPage)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "list notes", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":    notes,
		"page":     page,
		"per_page": perPage,
	})
}

// Create handles POST /notes. The note is stored pending with a
// locally minted ID and its create mutation queued.
func (h *NotesHandler) Create(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}

	var req struct {
		Title    string  `json:"title"`
		FolderID *string `json:"folder_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	n := models.NewNote(uuid.New(), st.Session.UserID, req.Title)
	payload := &models.Payload{Note: &models.NotePayload{Title: &req.Title}}
	if req.FolderID != nil && *req.FolderID != "" {
		if !uuid.IsValid(*req.FolderID) {
			writeError(w, errors.New(errors.ErrValidation, "folder_id is not a valid id"))
			return
		}
		fid := models.UUID(*req.FolderID)
		n.FolderID = &fid
		payload.Note.FolderID = req.FolderID
	}

	if err := h.repo.CreateNote(n); err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "create note", err))
		return
	}
	if _, err := st.Queue.Enqueue(st.Session.UserID, models.EntityNote, n.ID, models.OpCreate, payload); err != nil {
		writeError(w, err)
		return
	}
	st.Engine.TriggerSync()

	writeJSON(w, http.StatusCreated, n)
}

// Get handles GET /notes/{id}.
func (h *NotesHandler) Get(w http.ResponseWriter, r *http.Request) {
	if requireStack(w, h.manager) == nil {
		return
	}

	n, err := h.repo.GetNote(r.PathValue("id"))
	if err == sql.ErrNoRows {
		writeError(w, errors.New(errors.ErrNotFound, "note not found"))
		return
	}
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "get note", err))
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// Update handles PATCH /notes/{id}. Only fields present in the body are
// touched, and the queued mutation carries exactly those fields.
func (h *NotesHandler) Update(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}

	var req struct {
		Title      *string `json:"title"`
		Transcript *string `json:"transcript"`
		Summary    *string `json:"summary"`
		FolderID   *string `json:"folder_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	n, err := h.repo.GetNote(r.PathValue("id"))
	if err == sql.ErrNoRows {
		writeError(w, errors.New(errors.ErrNotFound, "note not found"))
		return
	}
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "get note", err))
		return
	}

	fields := &models.NotePayload{}
	if req.Title != nil {
		n.Title = *req.Title
		fields.Title = req.Title
	}
	if req.Transcript != nil {
		n.Transcript = *req.Transcript
		fields.Transcript = req.Transcript
	}
	if req.Summary != nil {
		n.Summary = *req.Summary
		fields.Summary = req.Summary
	}
	if req.FolderID != nil {
		// An empty folder_id moves the note out of its folder.
		if *req.FolderID == "" {
			n.FolderID = nil
		} else {
			if !uuid.IsValid(*req.FolderID) {
				writeError(w, errors.New(errors.ErrValidation, "folder_id is not a valid id"))
				return
			}
			fid := models.UUID(*req.FolderID)
			n.FolderID = &fid
		}
		fields.FolderID = req.FolderID
	}

	n.Touch()
	if err := h.repo.UpdateNote(n); err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "update note", err))
		return
	}
	payload := &models.Payload{Note: fields}
	if _, err := st.Queue.Enqueue(st.Session.UserID, models.EntityNote, n.ID, models.OpUpdate, payload); err != nil {
		writeError(w, err)
		return
	}
	st.Engine.TriggerSync()

	writeJSON(w, http.StatusOK, n)
}

// Delete handles DELETE /notes/{id}. The note tombstones locally; the
// row disappears for good once the server acknowledges the delete.
func (h *NotesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}

	id := r.PathValue("id")
	if err := h.repo.SoftDeleteNote(id); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, errors.New(errors.ErrNotFound, "note not found"))
			return
		}
		writeError(w, errors.Wrap(errors.ErrDatabase, "delete note", err))
		return
	}
	if _, err := st.Queue.Enqueue(st.Session.UserID, models.EntityNote, models.UUID(id), models.OpDelete, nil); err != nil {
		writeError(w, err)
		return
	}
	st.Engine.TriggerSync()

	w.WriteHeader(http.StatusNoContent)
}
