// Package store provides the user/chat directory backends.
//
// This file implements the SQLite-backed directory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nsokolov/pricebot/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteDirectory is a file-backed directory for single-node deployments.
type SQLiteDirectory struct {
	db *sql.DB
}

// NewSQLiteDirectory creates a new SQLite directory with the given DSN.
// The DSN is a file path; the parent directory is created when missing.
func NewSQLiteDirectory(opts ...Option) (*SQLiteDirectory, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteDirectory DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteDirectory failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteDirectory failed to open connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLiteDirectory ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteDirectory failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteDirectory opened", "path", dsn)
	return &SQLiteDirectory{db: db}, nil
}

// UpsertUser inserts or refreshes a user record. Usernames are stored
// lowercased so lookups are case-insensitive.
func (s *SQLiteDirectory) UpsertUser(ctx context.Context, user models.UserRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, access_hash, username, first_name, last_name, chat_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			access_hash = excluded.access_hash,
			username    = excluded.username,
			first_name  = excluded.first_name,
			last_name   = excluded.last_name,
			chat_id     = excluded.chat_id,
			updated_at  = CURRENT_TIMESTAMP`,
		user.ID, user.AccessHash, strings.ToLower(user.Username), user.FirstName, user.LastName, user.ChatID)
	if err != nil {
		slog.Error("SQLiteDirectory.UpsertUser failed", "error", err, "user_id", user.ID)
		return fmt.Errorf("failed to upsert user %d: %w", user.ID, err)
	}
	return nil
}

// UpsertChat inserts or refreshes a chat record.
func (s *SQLiteDirectory) UpsertChat(ctx context.Context, chat models.ChatRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, title, type, username, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title      = excluded.title,
			type       = excluded.type,
			username   = excluded.username,
			updated_at = CURRENT_TIMESTAMP`,
		chat.ID, chat.Title, chat.Type, strings.ToLower(chat.Username))
	if err != nil {
		slog.Error("SQLiteDirectory.UpsertChat failed", "error", err, "chat_id", chat.ID)
		return fmt.Errorf("failed to upsert chat %d: %w", chat.ID, err)
	}
	return nil
}

// FindUserByID returns the user with the given id, or models.ErrUserNotFound.
func (s *SQLiteDirectory) FindUserByID(ctx context.Context, id int64) (*models.UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, access_hash, username, first_name, last_name, chat_id, updated_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// FindUserByUsername returns the user with the given username, compared
// case-insensitively, or models.ErrUserNotFound.
func (s *SQLiteDirectory) FindUserByUsername(ctx context.Context, username string) (*models.UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, access_hash, username, first_name, last_name, chat_id, updated_at
		FROM users WHERE username = ?`, strings.ToLower(strings.TrimPrefix(username, "@")))
	return scanUser(row)
}

// GetStats returns directory row counts.
func (s *SQLiteDirectory) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&st.Users); err != nil {
		return st, fmt.Errorf("failed to count users: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats`).Scan(&st.Chats); err != nil {
		return st, fmt.Errorf("failed to count chats: %w", err)
	}
	return st, nil
}

// CleanupStale deletes user records not refreshed within olderThan and
// returns the number removed.
func (s *SQLiteDirectory) CleanupStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	// CURRENT_TIMESTAMP stores UTC, so the cutoff must be UTC too.
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE updated_at < ?`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		slog.Error("SQLiteDirectory.CleanupStale failed", "error", err)
		return 0, fmt.Errorf("failed to clean up stale users: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("SQLiteDirectory.CleanupStale removed stale users", "count", removed)
	}
	return removed, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteDirectory) Close() error {
	return s.db.Close()
}
