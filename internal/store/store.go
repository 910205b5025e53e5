// Package store persists per-user conversation records and the shared
// session password.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Roles carried by conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Record types stored in the records table.
const (
	RecordTypeSharedPassword = "shared_password"
	RecordTypeUser           = "user"
)

// Turn is one conversation entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserRecord is the durable state kept for one token.
type UserRecord struct {
	Token        string
	UserID       string
	Conversation []Turn
}

// Store is the durable record store used by relay sessions.
//
// ResolveToken must be idempotent: concurrent first resolutions of the same
// token observe a single record. SaveConversation replaces the stored
// history, so concurrent sessions sharing a token are last-write-wins.
type Store interface {
	EnsureSharedSecret(ctx context.Context, value string) error
	SharedSecret(ctx context.Context) (string, error)
	ResolveToken(ctx context.Context, token string) (UserRecord, bool, error)
	Conversation(ctx context.Context, userID string) ([]Turn, error)
	SaveConversation(ctx context.Context, userID string, turns []Turn) error
	Ping(ctx context.Context) error
	Close() error
}

func cloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
