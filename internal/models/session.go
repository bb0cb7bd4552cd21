// Package models provides data model definitions for the EchoNote sync core.
package models

import "time"

// Session is the locally persisted sign-in for one user. The API token
// is encrypted at rest with AES-256-GCM; only one session row exists
// at a time because signing in a different user wipes local state.
type Session struct {
	UserID         string `db:"user_id" json:"user_id"`
	TokenEncrypted string `db:"token_encrypted" json:"-"`
	BaseURL        string `db:"base_url" json:"base_url"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
	LastActiveAt   int64  `db:"last_active_at" json:"last_active_at"`
}

// NewSession creates a session for userID. The token must already be
// encrypted by the caller.
func NewSession(userID, tokenEncrypted, baseURL string) *Session {
	now := time.Now().Unix()
	return &Session{
		UserID:         userID,
		TokenEncrypted: tokenEncrypted,
		BaseURL:        baseURL,
		CreatedAt:      now,
		LastActiveAt:   now,
	}
}

// TableName returns the database table name for Session.
func (s *Session) TableName() string {
	return "sessions"
}

// TouchActivity updates LastActiveAt to the current time.
func (s *Session) TouchActivity() {
	s.LastActiveAt = time.Now().Unix()
}
