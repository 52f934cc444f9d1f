// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/wa-gateway/internal/domain"
)

// Repository defines the interface for persisting sessions, messages and chats.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// FindUserBySessionName resolves an engine session name back to its user.
	FindUserBySessionName(ctx context.Context, sessionName string) (*domain.User, error)

	// UpdateSessionState records the last known state, creating the user row if needed.
	UpdateSessionState(ctx context.Context, userID, sessionName string, state domain.State) error

	// ListIdleUsers returns users not seen since now-ttl.
	ListIdleUsers(ctx context.Context, ttl time.Duration) ([]*domain.User, error)

	// UpsertMessage stores a message once per (user, message id); repeats are ignored.
	UpsertMessage(ctx context.Context, msg domain.InboundMessage) error

	// ListMessages returns the newest messages of a user, optionally for one chat, oldest first.
	ListMessages(ctx context.Context, userID, chatID string, limit int) ([]domain.InboundMessage, error)

	// UpsertChatSummary stores a chat; empty fields never overwrite known ones.
	UpsertChatSummary(ctx context.Context, userID string, chat domain.ChatSummary) error

	// ListChats returns a user's chats, most recently active first.
	ListChats(ctx context.Context, userID string, groupsOnly bool, page domain.Page) ([]domain.ChatSummary, int, error)

	// SaveSessionAuthArtifacts stores the opaque credential blob for a user.
	SaveSessionAuthArtifacts(ctx context.Context, userID string, blob []byte) error

	// LoadSessionAuthArtifacts returns the credential blob, or nil if none is stored.
	LoadSessionAuthArtifacts(ctx context.Context, userID string) ([]byte, error)

	// DeleteSessionAuthArtifacts removes the credential blob.
	DeleteSessionAuthArtifacts(ctx context.Context, userID string) error

	// AddKeyword adds a monitored group-name keyword.
	AddKeyword(ctx context.Context, userID, keyword string) error

	// RemoveKeyword removes a monitored keyword. Returns ErrNotFound if absent.
	RemoveKeyword(ctx context.Context, userID, keyword string) error

	// ListKeywords returns the user's monitored keywords in insertion order.
	ListKeywords(ctx context.Context, userID string) ([]string, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
