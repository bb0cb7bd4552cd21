// Package handlers provides REST API handlers for folders.
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

// FoldersHandler serves folder CRUD for the desktop shell.
type FoldersHandler struct {
	repo    *db.Repository
	manager *sync.Manager
}

// NewFoldersHandler creates a FoldersHandler.
func NewFoldersHandler(repo *db.Repository, manager *sync.Manager) *FoldersHandler {
	return &FoldersHandler{repo: repo, manager: manager}
}

// List handles GET /folders. Folders are few; the list is unpaged.
func (h *FoldersHandler) List(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}

	folders, err := h.repo.ListFolders(st.Session.UserID)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "list folders", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": folders})
}

// Create handles POST /folders.
func (h *FoldersHandler) Create(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}

	var req struct {
		Name     string `json:"name"`
		Color    string `json:"color"`
		Position *int   `json:"position"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, errors.New(errors.ErrValidation, "folder name is required"))
		return
	}

	f := models.NewFolder(uuid.New(), st.Session.UserID, req.Name)
	payload := &models.Payload{Folder: &models.FolderPayload{Name: &req.Name}}
	if req.Color != "" {
		f.Color = req.Color
		payload.Folder.Color = &req.Color
	}
	if req.Position != nil {
		f.Position = *req.Position
		payload.Folder.Position = req.Position
	}

	if err := h.repo.CreateFolder(f); err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "create folder", err))
		return
	}
	if _, err := st.Queue.Enqueue(st.Session.UserID, models.EntityFolder, f.ID, models.OpCreate, payload); err != nil {
		writeError(w, err)
		return
	}
	st.Engine.TriggerSync()

	writeJSON(w, http.StatusCreated, f)
}

// Update handles PATCH /folders/{id}.
func (h *FoldersHandler) Update(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}

	var req struct {
		Name     *string `json:"name"`
		Color    *string `json:"color"`
		Position *int    `json:"position"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	f, err := h.repo.GetFolder(r.PathValue("id"))
	if err == sql.ErrNoRows {
		writeError(w, errors.New(errors.ErrNotFound, "folder not found"))
		return
	}
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "get folder", err))
		return
	}

	fields := &models.FolderPayload{}
	if req.Name != nil {
		if *req.Name == "" {
			writeError(w, errors.New(errors.ErrValidation, "folder name cannot be empty"))
			return
		}
		f.Name = *req.Name
		fields.Name = req.Name
	}
	if req.Color != nil {
		f.Color = *req.Color
		fields.Color = req.Color
	}
	if req.Position != nil {
		f.Position = *req.Position
		fields.Position = req.Position
	}

	f.Touch()
	if err := h.repo.UpdateFolder(f); err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "update folder", err))
		return
	}
	payload := &models.Payload{Folder: fields}
	if _, err := st.Queue.Enqueue(st.Session.UserID, models.EntityFolder, f.ID, models.OpUpdate, payload); err != nil {
		writeError(w, err)
		return
	}
	st.Engine.TriggerSync()

	writeJSON(w, http.StatusOK, f)
}

// Delete handles DELETE /folders/{id}. Notes keep their folder_id
// until the server-side delete lands; the UI regroups them on refresh.
func (h *FoldersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}

	id := r.PathValue("id")
	if err := h.repo.SoftDeleteFolder(id); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, errors.New(errors.ErrNotFound, "folder not found"))
			return
		}
		writeError(w, errors.Wrap(errors.ErrDatabase, "delete folder", err))
		return
	}
	if _, err := st.Queue.Enqueue(st.Session.UserID, models.EntityFolder, models.UUID(id), models.OpDelete, nil); err != nil {
		writeError(w, err)
		return
	}
	st.Engine.TriggerSync()

	w.WriteHeader(http.StatusNoContent)
}
