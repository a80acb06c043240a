// Package store declares the durable ports the real-time core writes through.
// Backends live in the scylla, mongo and memory subpackages.
package store

//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

import (
	"context"

	"github.com/mahaj/campus-realtime/pkg/model"
)

// MessageStore persists chat messages. Missing ids yield apperr.ErrNotFound.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *model.ChatMessage) error
	GetMessage(ctx context.Context, id string) (*model.ChatMessage, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
	DeleteMessage(ctx context.Context, id string) error
	// PublicHistory returns broadcast messages older than before (all when empty), newest first.
	PublicHistory(ctx context.Context, before string, limit int) ([]model.ChatMessage, error)
	// Conversation returns the private messages exchanged between two users, newest first.
	Conversation(ctx context.Context, userA, userB, before string, limit int) ([]model.ChatMessage, error)
}

// NotificationStore persists notification records.
type NotificationStore interface {
	// CreateNotifications writes the batch in one round trip. On error the
	// caller cannot know which records landed and retries them one by one.
	CreateNotifications(ctx context.Context, batch []*model.Notification) error
	CreateNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, recipientID, before string, limit int) ([]model.Notification, error)
	MarkRead(ctx context.Context, recipientID, id string) error
	UnreadCount(ctx context.Context, recipientID string) (int, error)
}

// UserDirectory resolves display fields and enumerates known users.
type UserDirectory interface {
	UpsertUser(ctx context.Context, author model.Author) error
	GetUser(ctx context.Context, id string) (model.Author, error)
	ListUserIDs(ctx context.Context) ([]string, error)
}

// Store bundles the three ports a backend provides.
type Store interface {
	MessageStore
	NotificationStore
	UserDirectory
	Close(ctx context.Context) error
}

// ResolveAuthor returns the directory entry for id, falling back to a bare author.
func ResolveAuthor(ctx context.Context, users UserDirectory, id string) model.Author {
	author, err := users.GetUser(ctx, id)
	if err != nil {
		return model.Author{ID: id, DisplayName: id}
	}
	if author.DisplayName == "" {
		author.DisplayName = id
	}
	return author
}
