// Package models provides data model definitions for the EchoNote sync core.
package models

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed body of a queued mutation. Exactly one arm is
// set, matching the queue item's entity type. Fields are pointers so a
// nil field means "not touched by this mutation"; merging two payloads
// overlays only the fields the newer one carries.
//
// Delete mutations carry no payload at all.
type Payload struct {
	Note   *NotePayload   `json:"note,omitempty"`
	Folder *FolderPayload `json:"folder,omitempty"`
	Action *ActionPayload `json:"action,omitempty"`
}

// NotePayload carries the note fields touched by one mutation.
type NotePayload struct {
	Title        *string `json:"title,omitempty"`
	Transcript   *string `json:"transcript,omitempty"`
	Summary      *string `json:"summary,omitempty"`
	FolderID     *string `json:"folder_id,omitempty"`
	AudioURL     *string `json:"audio_url,omitempty"`
	DurationSecs *int    `json:"duration_secs,omitempty"`
}

// FolderPayload carries the folder fields touched by one mutation.
type FolderPayload struct {
	Name     *string `json:"name,omitempty"`
	Color    *string `json:"color,omitempty"`
	Position *int    `json:"position,omitempty"`
}

// ActionPayload carries the action item fields touched by one mutation.
type ActionPayload struct {
	NoteID    *string `json:"note_id,omitempty"`
	Body      *string `json:"body,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
	DueAt     *int64  `json:"due_at,omitempty"`
}

// EntityType returns the entity type of the populated arm, or "" when
// no arm is set.
func (p *Payload) EntityType() EntityType {
	if p == nil {
		return ""
	}
	switch {
	case p.Note != nil:
		return EntityNote
	case p.Folder != nil:
		return EntityFolder
	case p.Action != nil:
		return EntityAction
	}
	return ""
}

// Validate checks that exactly one arm is set and that it matches the
// given entity type. Delete operations pass a nil payload and skip
// validation at the call site.
func (p *Payload) Validate(entityType EntityType) error {
	if p == nil {
		return fmt.Errorf("payload is nil")
	}
	set := 0
	if p.Note != nil {
		set++
	}
	if p.Folder != nil {
		set++
	}
	if p.Action != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("payload must have exactly one arm set, got %d", set)
	}
	if got := p.EntityType(); got != entityType {
		return fmt.Errorf("payload arm %q does not match entity type %q", got, entityType)
	}
	return nil
}

// Merge overlays newer onto p field by field and returns the result.
// Fields newer does not carry keep p's value. Both payloads must hold
// the same arm; mismatched arms return an error.
func (p *Payload) Merge(newer *Payload) (*Payload, error) {
	if p == nil {
		return newer, nil
	}
	if newer == nil {
		return p, nil
	}
	if p.EntityType() != newer.EntityType() {
		return nil, fmt.Errorf("cannot merge payload arms %q and %q", p.EntityType(), newer.EntityType())
	}
	out := &Payload{}
	switch {
	case p.Note != nil:
		n := *p.Note
		if newer.Note.Title != nil {
			n.Title = newer.Note.Title
		}
		if newer.Note.Transcript != nil {
			n.Transcript = newer.Note.Transcript
		}
		if newer.Note.Summary != nil {
			n.Summary = newer.Note.Summary
		}
		if newer.Note.FolderID != nil {
			n.FolderID = newer.Note.FolderID
		}
		if newer.Note.AudioURL != nil {
			n.AudioURL = newer.Note.AudioURL
		}
		if newer.Note.DurationSecs != nil {
			n.DurationSecs = newer.Note.DurationSecs
		}
		out.Note = &n
	case p.Folder != nil:
		f := *p.Folder
		if newer.Folder.Name != nil {
			f.Name = newer.Folder.Name
		}
		if newer.Folder.Color != nil {
			f.Color = newer.Folder.Color
		}
		if newer.Folder.Position != nil {
			f.Position = newer.Folder.Position
		}
		out.Folder = &f
	case p.Action != nil:
		a := *p.Action
		if newer.Action.NoteID != nil {
			a.NoteID = newer.Action.NoteID
		}
		if newer.Action.Body != nil {
			a.Body = newer.Action.Body
		}
		if newer.Action.Completed != nil {
			a.Completed = newer.Action.Completed
		}
		if newer.Action.DueAt != nil {
			a.DueAt = newer.Action.DueAt
		}
		out.Action = &a
	default:
		return nil, fmt.Errorf("cannot merge empty payload")
	}
	return out, nil
}

// MarshalPayload serializes p for queue storage. A nil payload becomes
// an empty string so delete rows store no body.
func MarshalPayload(p *Payload) (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// UnmarshalPayload parses a stored queue payload. An empty string
// yields a nil payload.
func UnmarshalPayload(raw string) (*Payload, error) {
	if raw == "" {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &p, nil
}
