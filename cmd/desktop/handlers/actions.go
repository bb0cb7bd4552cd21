// Package handlers provides REST API handlers for action items.
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

// ActionsHandler serves action item CRUD for the desktop shell. Most
// action items arrive from synthesis; these endpoints cover manual
// additions and the complete/uncomplete toggle.
type ActionsHandler struct {
	repo    *db.Repository
	manager *sync.Manager
}

// NewActionsHandler creates an ActionsHandler.
func NewActionsHandler(repo *db.Repository, manager *sync.Manager) *ActionsHandler {
	return &ActionsHandler{repo: repo, manager: manager}
}

// List handles GET /actions with optional note_id, page and per_page.
func (h *ActionsHandler) List(w http.ResponseWriter, r *http.Request) {
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
	noteID := r.URL.Query().Get("note_id")

	items, err := h.repo.ListActionItems(st.Session.UserID, noteID, perPage, (page-1)*perPage)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "list action items", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":    items,
		"page":     page,
		"per_page": perPage,
	})
}

// Create handles POST /actions.
func (h *ActionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}

	var req struct {
		NoteID string `json:"note_id"`
		Body   string `json:"body"`
		DueAt  *int64 `json:"due_at"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Body == "" {
		writeError(w, errors.New(errors.ErrValidation, "action body is required"))
		return
	}
	if !uuid.IsValid(req.NoteID) {
		writeError(w, errors.New(errors.ErrValidation, "note_id is not a valid id"))
		return
	}
	if _, err := h.repo.GetNote(req.NoteID); err == sql.ErrNoRows {
		writeError(w, errors.New(errors.ErrNotFound, "note not found"))
		return
	} else if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "get note", err))
		return
	}

	a := models.NewActionItem(uuid.New(), st.Session.UserID, models.UUID(req.NoteID), req.Body)
	a.DueAt = req.DueAt
	payload := &models.Payload{Action: &models.ActionPayload{
		NoteID: &req.NoteID,
		Body:   &req.Body,
		DueAt:  req.DueAt,
	}}

	if err := h.repo.CreateActionItem(a); err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "create action item", err))
		return
	}
	if _, err := st.Queue.Enqueue(st.Session.UserID, models.EntityAction, a.ID, models.OpCreate, payload); err != nil {
		writeError(w, err)
		return
	}
	st.Engine.TriggerSync()

	writeJSON(w, http.StatusCreated, a)
}

// Update handles PATCH /actions/{id}.
func (h *ActionsHandler) Update(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}

	var req struct {
		Body      *string `json:"body"`
		Completed *bool   `json:"completed"`
		DueAt     *int64  `json:"due_at"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	a, err := h.repo.GetActionItem(r.PathValue("id"))
	if err == sql.ErrNoRows {
		writeError(w, errors.New(errors.ErrNotFound, "action item not found"))
		return
	}
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "get action item", err))
		return
	}

	fields := &models.ActionPayload{}
	if req.Body != nil {
		a.Body = *req.Body
		fields.Body = req.Body
	}
	if req.Completed != nil {
		a.Completed = *req.Completed
		fields.Completed = req.Completed
	}
	if req.DueAt != nil {
		a.DueAt = req.DueAt
		fields.DueAt = req.DueAt
	}

	a.Touch()
	if err := h.repo.UpdateActionItem(a); err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "update action item", err))
		return
	}
	payload := &models.Payload{Action: fields}
	if _, err := st.Queue.Enqueue(st.Session.UserID, models.EntityAction, a.ID, models.OpUpdate, payload); err != nil {
		writeError(w, err)
		return
	}
	st.Engine.TriggerSync()

	writeJSON(w, http.StatusOK, a)
}

// Delete handles DELETE /actions/{id}. Action items have no children
// and hard-delete locally right away.
func (h *ActionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	st := requireStack(w, h.manager)
	if st == nil {
		return
	}

	id := r.PathValue("id")
	if err := h.repo.DeleteActionItem(id); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, errors.New(errors.ErrNotFound, "action item not found"))
			return
		}
		writeError(w, errors.Wrap(errors.ErrDatabase, "delete action item", err))
		return
	}
	if _, err := st.Queue.Enqueue(st.Session.UserID, models.EntityAction, models.UUID(id), models.OpDelete, nil); err != nil {
		writeError(w, err)
		return
	}
	st.Engine.TriggerSync()

	w.WriteHeader(http.StatusNoContent)
}
