// Package db defines the built-in schema migrations.
package db

// schemaMigrations is the ordered list of schema migrations. Append
// only; shipped versions must never be edited (Up verifies checksums).
var schemaMigrations = []Migration{
	{
		Version:     1,
		Description: "initial_schema",
		SQL: `
CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	folder_id TEXT,
	title TEXT NOT NULL DEFAULT '',
	transcript TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	audio_url TEXT NOT NULL DEFAULT '',
	duration_secs INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	sync_status TEXT NOT NULL DEFAULT 'pending'
		CHECK(sync_status IN ('synced', 'pending', 'conflict', 'error')),
	local_updated_at INTEGER NOT NULL,
	server_updated_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id, is_deleted);
CREATE INDEX IF NOT EXISTS idx_notes_folder ON notes(folder_id);
CREATE INDEX IF NOT EXISTS idx_notes_sync_status ON notes(sync_status);

CREATE TABLE IF NOT EXISTS folders (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	color TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	sync_status TEXT NOT NULL DEFAULT 'pending'
		CHECK(sync_status IN ('synced', 'pending', 'conflict', 'error')),
	local_updated_at INTEGER NOT NULL,
	server_updated_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_folders_user ON folders(user_id, is_deleted);
CREATE INDEX IF NOT EXISTS idx_folders_sync_status ON folders(sync_status);

-- No foreign key to notes: during hydration, action items can arrive
-- before the note they belong to.
CREATE TABLE IF NOT EXISTS action_items (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	note_id TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	completed INTEGER NOT NULL DEFAULT 0,
	due_at INTEGER,
	sync_status TEXT NOT NULL DEFAULT 'pending'
		CHECK(sync_status IN ('synced', 'pending', 'conflict', 'error')),
	local_updated_at INTEGER NOT NULL,
	server_updated_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_action_items_user ON action_items(user_id);
CREATE INDEX IF NOT EXISTS idx_action_items_note ON action_items(note_id);
CREATE INDEX IF NOT EXISTS idx_action_items_sync_status ON action_items(sync_status);

CREATE TABLE IF NOT EXISTS mutation_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	entity_type TEXT NOT NULL CHECK(entity_type IN ('note', 'folder', 'action')),
	entity_id TEXT NOT NULL,
	operation TEXT NOT NULL CHECK(operation IN ('create', 'update', 'delete')),
	payload TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending', 'processing', 'failed')),
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mutation_queue_status ON mutation_queue(status, id);
CREATE INDEX IF NOT EXISTS idx_mutation_queue_entity ON mutation_queue(entity_type, entity_id, status);
`,
		DownSQL: `
DROP TABLE IF EXISTS mutation_queue;
DROP TABLE IF EXISTS action_items;
DROP TABLE IF EXISTS folders;
DROP TABLE IF EXISTS notes;
`,
	},
	{
		Version:     2,
		Description: "upload_and_session_state",
		SQL: `
CREATE TABLE IF NOT EXISTS upload_queue (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	note_id TEXT NOT NULL,
	local_path TEXT NOT NULL,
	file_size INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending', 'uploading', 'completed', 'failed')),
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_upload_queue_status ON upload_queue(status, created_at);
CREATE INDEX IF NOT EXISTS idx_upload_queue_note ON upload_queue(note_id);

CREATE TABLE IF NOT EXISTS hydration_markers (
	user_id TEXT PRIMARY KEY,
	completed INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0,
	note_count INTEGER NOT NULL DEFAULT 0,
	folder_count INTEGER NOT NULL DEFAULT 0,
	action_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sessions (
	user_id TEXT PRIMARY KEY,
	token_encrypted TEXT NOT NULL,
	base_url TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	last_active_at INTEGER NOT NULL
);
`,
		DownSQL: `
DROP TABLE IF EXISTS sessions;
DROP TABLE IF EXISTS hydration_markers;
DROP TABLE IF EXISTS upload_queue;
`,
	},
}
