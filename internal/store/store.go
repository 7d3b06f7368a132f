// Package store is the embedded persistence layer: chats, messages, tasks,
// and knowledge-base sources/chunks in a single SQLite file. All writes go
// through one connection so concurrent writers serialize instead of hitting
// SQLITE_BUSY; reads may run concurrently from the caller's point of view.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. When unset, nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the embedded relational store backing the orchestrator.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New opens (or creates) the SQLite file at dbPath. A single shared
// connection serializes all access.
func New(dbPath string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("store: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			jid TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			last_message_time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_jid TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			from_assistant INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			chat_jid TEXT NOT NULL,
			prompt TEXT NOT NULL,
			schedule_type TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode TEXT NOT NULL,
			next_run TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kb_sources (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			url TEXT,
			title TEXT NOT NULL,
			source_type TEXT NOT NULL,
			raw_content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			tags TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kb_chunks (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB,
			embedding_dim INTEGER NOT NULL DEFAULT 0,
			embedding_provider TEXT NOT NULL DEFAULT '',
			embedding_model TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_jid, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_next ON tasks(status, next_run)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_chunks_source ON kb_chunks(source_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_kb_sources_hash ON kb_sources(group_folder, content_hash)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_kb_sources_url ON kb_sources(group_folder, url) WHERE url IS NOT NULL AND url != ''`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	s.logger.Info("store: init completed", "duration", time.Since(start))
	return nil
}

// GetMeta returns the value for key, or "" when unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta: %w", err)
	}
	return value, nil
}

// SetMeta upserts a meta key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set meta: %w", err)
	}
	return nil
}

const metaLastGroupSync = "last_group_sync"

// LastGroupSync returns the time of the last chat-metadata sync, zero when
// none has happened yet.
func (s *Store) LastGroupSync(ctx context.Context) (time.Time, error) {
	v, err := s.GetMeta(ctx, metaLastGroupSync)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	return parseTS(v)
}

// SetLastGroupSync records a chat-metadata sync.
func (s *Store) SetLastGroupSync(ctx context.Context, t time.Time) error {
	return s.SetMeta(ctx, metaLastGroupSync, formatTS(t))
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// formatTS renders a timestamp in the canonical column format. RFC 3339 UTC
// with fixed width so lexicographic comparison matches time order.
func formatTS(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
