// Package store provides the user/chat directory backends.
//
// This file implements the PostgreSQL-backed directory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/nsokolov/pricebot/internal/models"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresDirectory is the PostgreSQL-backed directory.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a new Postgres directory based on provided options.
func NewPostgresDirectory(opts ...Option) (*PostgresDirectory, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresDirectory DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresDirectory failed to open connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresDirectory ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresDirectory failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresDirectory opened")
	return &PostgresDirectory{db: db}, nil
}

// UpsertUser inserts or refreshes a user record. Usernames are stored
// lowercased so lookups are case-insensitive.
func (s *PostgresDirectory) UpsertUser(ctx context.Context, user models.UserRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, access_hash, username, first_name, last_name, chat_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			access_hash = EXCLUDED.access_hash,
			username    = EXCLUDED.username,
			first_name  = EXCLUDED.first_name,
			last_name   = EXCLUDED.last_name,
			chat_id     = EXCLUDED.chat_id,
			updated_at  = NOW()`,
		user.ID, user.AccessHash, strings.ToLower(user.Username), user.FirstName, user.LastName, user.ChatID)
	if err != nil {
		slog.Error("PostgresDirectory.UpsertUser failed", "error", err, "user_id", user.ID)
		return fmt.Errorf("failed to upsert user %d: %w", user.ID, err)
	}
	return nil
}

// UpsertChat inserts or refreshes a chat record.
func (s *PostgresDirectory) UpsertChat(ctx context.Context, chat models.ChatRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, title, type, username, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			title      = EXCLUDED.title,
			type       = EXCLUDED.type,
			username   = EXCLUDED.username,
			updated_at = NOW()`,
		chat.ID, chat.Title, chat.Type, strings.ToLower(chat.Username))
	if err != nil {
		slog.Error("PostgresDirectory.UpsertChat failed", "error", err, "chat_id", chat.ID)
		return fmt.Errorf("failed to upsert chat %d: %w", chat.ID, err)
	}
	return nil
}

// FindUserByID returns the user with the given id, or models.ErrUserNotFound.
func (s *PostgresDirectory) FindUserByID(ctx context.Context, id int64) (*models.UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, access_hash, username, first_name, last_name, chat_id, updated_at
		FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// FindUserByUsername returns the user with the given username, compared
// case-insensitively, or models.ErrUserNotFound.
func (s *PostgresDirectory) FindUserByUsername(ctx context.Context, username string) (*models.UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, access_hash, username, first_name, last_name, chat_id, updated_at
		FROM users WHERE username = $1`, strings.ToLower(strings.TrimPrefix(username, "@")))
	return scanUser(row)
}

// GetStats returns directory row counts.
func (s *PostgresDirectory) GetStats(ctx context.Context) (Stats, error) {
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
func (s *PostgresDirectory) CleanupStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE updated_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		slog.Error("PostgresDirectory.CleanupStale failed", "error", err)
		return 0, fmt.Errorf("failed to clean up stale users: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("PostgresDirectory.CleanupStale removed stale users", "count", removed)
	}
	return removed, nil
}

// Close closes the Postgres database connection.
func (s *PostgresDirectory) Close() error {
	return s.db.Close()
}
