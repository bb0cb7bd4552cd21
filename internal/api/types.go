// Package api provides request and response types for the EchoNote remote API.
package api

import (
	"github.com/tomoike/echonote-core/internal/models"
)

// ListQuery selects one page of a collection listing.
type ListQuery struct {
	Page    int
	PerPage int
}

// PageInfo is the pagination envelope every list response carries.
// Callers loop until Page reaches TotalPages.
type PageInfo struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
	TotalCount int `json:"total_count"`
}

// Summary is one row of a list response: enough to decide whether the
// full record needs fetching. Deleted rows need no detail fetch, the
// summary alone is the tombstone.
type Summary struct {
	ID        string `json:"id"`
	UpdatedAt int64  `json:"updated_at"`
	Deleted   bool   `json:"deleted"`
}

// ListResult is one page of summaries.
type ListResult struct {
	Items []Summary `json:"items"`
	PageInfo
}

// NoteRecord is the server's representation of a note. UpdatedAt is
// the server's authoritative timestamp; there is no user field, the
// server scopes every call by the bearer token.
type NoteRecord struct {
	ID           string  `json:"id"`
	FolderID     *string `json:"folder_id,omitempty"`
	Title        string  `json:"title"`
	Transcript   string  `json:"transcript"`
	Summary      string  `json:"summary"`
	AudioURL     string  `json:"audio_url"`
	DurationSecs int     `json:"duration_secs"`
	Deleted      bool    `json:"deleted"`
	UpdatedAt    int64   `json:"updated_at"`
	CreatedAt    int64   `json:"created_at"`
}

// FolderRecord is the server's representation of a folder.
type FolderRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	Position  int    `json:"position"`
	Deleted   bool   `json:"deleted"`
	UpdatedAt int64  `json:"updated_at"`
	CreatedAt int64  `json:"created_at"`
}

// ActionRecord is the server's representation of an action item.
type ActionRecord struct {
	ID        string `json:"id"`
	NoteID    string `json:"note_id"`
	Body      string `json:"body"`
	Completed bool   `json:"completed"`
	DueAt     *int64 `json:"due_at,omitempty"`
	Deleted   bool   `json:"deleted"`
	UpdatedAt int64  `json:"updated_at"`
	CreatedAt int64  `json:"created_at"`
}

// SynthesisResult is the synthesis endpoint's response: the processed
// note plus the action items extracted from it.
type SynthesisResult struct {
	Note    NoteRecord     `json:"note"`
	Actions []ActionRecord `json:"actions"`
}

// Model converts a server note into the local model. The sync status
// is left for the repository upsert to decide.
func (r *NoteRecord) Model(userID string) *models.Note {
	n := &models.Note{
		ID:              models.UUID(r.ID),
		UserID:          userID,
		Title:           r.Title,
		Transcript:      r.Transcript,
		Summary:         r.Summary,
		AudioURL:        r.AudioURL,
		DurationSecs:    r.DurationSecs,
		IsDeleted:       r.Deleted,
		ServerUpdatedAt: r.UpdatedAt,
		CreatedAt:       r.CreatedAt,
	}
	if r.FolderID != nil {
		fid := models.UUID(*r.FolderID)
		n.FolderID = &fid
	}
	return n
}

// Model converts a server folder into the local model.
func (r *FolderRecord) Model(userID string) *models.Folder {
	return &models.Folder{
		ID:              models.UUID(r.ID),
		UserID:          userID,
		Name:            r.Name,
		Color:           r.Color,
		Position:        r.Position,
		IsDeleted:       r.Deleted,
		ServerUpdatedAt: r.UpdatedAt,
		CreatedAt:       r.CreatedAt,
	}
}

// Model converts a server action item into the local model.
func (r *ActionRecord) Model(userID string) *models.ActionItem {
	return &models.ActionItem{
		ID:              models.UUID(r.ID),
		UserID:          userID,
		NoteID:          models.UUID(r.NoteID),
		Body:            r.Body,
		Completed:       r.Completed,
		DueAt:           r.DueAt,
		ServerUpdatedAt: r.UpdatedAt,
		CreatedAt:       r.CreatedAt,
	}
}

// NoteRecordFrom builds the create body for a locally created note.
// The client mints IDs, so the record carries one already.
func NoteRecordFrom(n *models.Note) *NoteRecord {
	r := &NoteRecord{
		ID:           n.ID.String(),
		Title:        n.Title,
		Transcript:   n.Transcript,
		Summary:      n.Summary,
		AudioURL:     n.AudioURL,
		DurationSecs: n.DurationSecs,
		CreatedAt:    n.CreatedAt,
	}
	if n.FolderID != nil {
		fid := n.FolderID.String()
		r.FolderID = &fid
	}
	return r
}

// FolderRecordFrom builds the create body for a locally created folder.
func FolderRecordFrom(f *models.Folder) *FolderRecord {
	return &FolderRecord{
		ID:        f.ID.String(),
		Name:      f.Name,
		Color:     f.Color,
		Position:  f.Position,
		CreatedAt: f.CreatedAt,
	}
}

// ActionRecordFrom builds the create body for a locally created action.
func ActionRecordFrom(a *models.ActionItem) *ActionRecord {
	return &ActionRecord{
		ID:        a.ID.String(),
		NoteID:    a.NoteID.String(),
		Body:      a.Body,
		Completed: a.Completed,
		DueAt:     a.DueAt,
		CreatedAt: a.CreatedAt,
	}
}

// Update bodies carry only the fields the mutation touched plus the
// base timestamp the client last accepted from the server. The server
// compares base_updated_at against its stored version and answers 409
// when they diverge.

type noteUpdateBody struct {
	*models.NotePayload
	BaseUpdatedAt int64 `json:"base_updated_at"`
}

type folderUpdateBody struct {
	*models.FolderPayload
	BaseUpdatedAt int64 `json:"base_updated_at"`
}

type actionUpdateBody struct {
	*models.ActionPayload
	BaseUpdatedAt int64 `json:"base_updated_at"`
}
