// Package db provides CRUD repository operations for EchoNote data models.
package db

import (
	"database/sql"
	"fmt"
	"sync"
)

// Repository provides CRUD operations for all models.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	// Try to get from cache first
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Store in cache (if already stored by another goroutine, use existing)
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// WithTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise.
func (r *Repository) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// UpsertOutcome describes what applying a server row to local storage did.
type UpsertOutcome string

const (
	// UpsertInserted means the entity was new locally and was inserted.
	UpsertInserted UpsertOutcome = "inserted"
	// UpsertUpdated means the server copy overwrote a local row that had no
	// unconfirmed edits.
	UpsertUpdated UpsertOutcome = "updated"
	// UpsertReplacedPending means the server copy was strictly newer than an
	// unconfirmed local edit and replaced it (last write wins). The caller
	// must drop the entity's queued mutation, since the edit it carries has
	// been discarded.
	UpsertReplacedPending UpsertOutcome = "replaced_pending"
	// UpsertDeleted means a server tombstone removed the local copy.
	UpsertDeleted UpsertOutcome = "deleted"
	// UpsertUnchanged means local state was already at or past the server copy.
	UpsertUnchanged UpsertOutcome = "unchanged"
	// UpsertSkippedLocalPending means unconfirmed local edits outrank the
	// server copy; the push path settles the divergence.
	UpsertSkippedLocalPending UpsertOutcome = "skipped_local_pending"
)
