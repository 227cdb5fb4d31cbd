// Package store provides the user/chat directory backends.
//
// The directory records every sender and chat the polling loop observes, so
// the dispatcher can resolve a group-message sender to a private-chat
// recipient. SQLite and PostgreSQL backends are selected by DSN shape.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/nsokolov/pricebot/internal/models"
)

// DefaultStaleAfter is how long a directory entry may go unseen before the
// daily cleanup removes it.
const DefaultStaleAfter = 30 * 24 * time.Hour

// Stats summarizes directory contents.
type Stats struct {
	Users int `json:"users"`
	Chats int `json:"chats"`
}

// Directory is the capability the ingestion loop and dispatcher depend on.
type Directory interface {
	UpsertUser(ctx context.Context, user models.UserRecord) error
	UpsertChat(ctx context.Context, chat models.ChatRecord) error
	FindUserByID(ctx context.Context, id int64) (*models.UserRecord, error)
	FindUserByUsername(ctx context.Context, username string) (*models.UserRecord, error)
	GetStats(ctx context.Context) (Stats, error)
	CleanupStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

// Opts holds configuration options for directory backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for directory backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports the database driver a DSN selects: "postgres" for
// URL-style or key=value PostgreSQL strings, "sqlite3" for anything else
// (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// NewDirectory opens the backend matching the DSN type.
func NewDirectory(opts ...Option) (Directory, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresDirectory(opts...)
	}
	return NewSQLiteDirectory(opts...)
}
