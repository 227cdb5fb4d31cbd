// Package models defines the core data structures for pricebot.
//
// It includes the inbound message and product types shared across modules,
// plus the sentinel errors and API response envelope used by the control
// server.
package models

import (
	"errors"
	"time"
)

// Validation constants for outbound messages.
const (
	// MaxReplyLength defines the maximum allowed length for an outbound reply,
	// matching the Telegram message size limit.
	MaxReplyLength = 4096
)

// Error variables for better error handling and testability
var (
	// ErrQuotaExceeded signals that the price lookup backend rejected a request
	// because the per-minute read quota is exhausted. The dispatcher treats it
	// as fatal for the whole message.
	ErrQuotaExceeded = errors.New("lookup quota exceeded")
	// ErrColumnNotFound signals that a named spreadsheet column is absent.
	ErrColumnNotFound = errors.New("column not found")
	// ErrNoChoicesReturned signals an empty classifier completion.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrSuspiciousCompletion signals a classifier response rejected by the
	// repetition heuristics before JSON parsing was attempted.
	ErrSuspiciousCompletion = errors.New("suspicious classifier completion")
	// ErrUserNotFound signals a directory miss.
	ErrUserNotFound = errors.New("user not found")
)

// InboundMessage is one message fetched from the monitored group chat.
// Immutable once fetched; owned by the polling loop until dispatch.
type InboundMessage struct {
	ID       int64     `json:"id"`
	SenderID int64     `json:"sender_id"`
	Text     string    `json:"text"`
	Date     time.Time `json:"date"`
}

// Sender describes the author of an inbound message as reported by the
// transport alongside the message itself. AccessHash is required to address
// the user in a private send and is persisted in the directory.
type Sender struct {
	ID         int64  `json:"id"`
	AccessHash int64  `json:"access_hash"`
	Username   string `json:"username,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
}

// MessageEvent is the synthesized event handed from the polling loop to the
// dispatcher: the message plus whatever sender and chat context the fetch
// resolved.
type MessageEvent struct {
	Message   InboundMessage `json:"message"`
	Sender    Sender         `json:"sender"`
	ChatID    int64          `json:"chat_id"`
	ChatTitle string         `json:"chat_title,omitempty"`
}

// ProductQuery is a single line of a message as interpreted by the classifier.
// An empty Normalized means the line is not an actionable product request and
// must pass through the reply unchanged.
type ProductQuery struct {
	Original   string `json:"original"`
	Normalized string `json:"normalized"`
}

// PricedProduct is a ProductQuery after the price lookup step.
// Invariant: Found == false implies Price == "".
type PricedProduct struct {
	ProductQuery
	Price string `json:"price,omitempty"`
	Found bool   `json:"found"`
}

// UserRecord is a directory entry for a chat participant.
type UserRecord struct {
	ID         int64     `json:"id"`
	AccessHash int64     `json:"access_hash"`
	Username   string    `json:"username,omitempty"`
	FirstName  string    `json:"first_name,omitempty"`
	LastName   string    `json:"last_name,omitempty"`
	ChatID     int64     `json:"chat_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ChatRecord is a directory entry for a chat the bot has observed.
type ChatRecord struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title,omitempty"`
	Type      string    `json:"type,omitempty"`
	Username  string    `json:"username,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SheetRow is one matched spreadsheet row with named-column access.
// Keys are the sheet's header row values.
type SheetRow map[string]string

// GateState is the externally owned processing switch consulted before each
// message pipeline runs.
type GateState struct {
	Enabled     bool      `json:"enabled"`
	LastChanged time.Time `json:"last_changed"`
}
