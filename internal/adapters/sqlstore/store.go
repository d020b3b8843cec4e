// Package sqlstore provides the relational repositories.
// Clean Architecture: Adapter implementing the ports repository interfaces
// over SQLite (go-sqlite3) with sqlx for struct mapping.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// Schema creates every table the service uses, embeddings included, so
// cascades can run inside one transaction.
const Schema = `
CREATE TABLE IF NOT EXISTS topic_groups (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	guidance TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	archived INTEGER NOT NULL DEFAULT 0,
	group_id TEXT,
	safe_mode INTEGER NOT NULL DEFAULT 0,
	safety_text TEXT NOT NULL DEFAULT '',
	pinned_model_id TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	model_id TEXT,
	outcome TEXT,
	version_group_id TEXT,
	version_number INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_version
	ON messages(version_group_id, version_number, role) WHERE version_group_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	object_key TEXT NOT NULL,
	text_object_key TEXT,
	text_preview TEXT,
	extraction_status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE(owner_id, content_hash)
);

CREATE TABLE IF NOT EXISTS conversation_files (
	file_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (file_id, conversation_id)
);
CREATE INDEX IF NOT EXISTS idx_conversation_files_conv ON conversation_files(conversation_id);

CREATE TABLE IF NOT EXISTS message_files (
	file_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (file_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_message_files_message ON message_files(message_id);

CREATE TABLE IF NOT EXISTS embeddings (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	conversation_id TEXT,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	text TEXT NOT NULL,
	embedding BLOB NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_embeddings_source ON embeddings(source_type, source_id);
CREATE INDEX IF NOT EXISTS idx_embeddings_owner ON embeddings(owner_id, conversation_id);
`

// Store holds the database handle shared by the repositories.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema. ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?_busy_timeout=5000"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(Schema)
	return err
}

// DB exposes the handle for adapters sharing the database (the vector index).
func (s *Store) DB() *sqlx.DB { return s.db }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Conversations returns the conversation repository.
func (s *Store) Conversations() *ConversationRepo { return &ConversationRepo{db: s.db} }

// Messages returns the message repository.
func (s *Store) Messages() *MessageRepo { return &MessageRepo{db: s.db} }

// Files returns the file repository.
func (s *Store) Files() *FileRepo { return &FileRepo{db: s.db} }

// withTx runs fn in a transaction, committing when fn returns nil.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ports.ErrNotFound
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}
