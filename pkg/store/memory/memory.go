// Package memory is a single-process store backend for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/samber/lo"

	"github.com/mahaj/campus-realtime/pkg/apperr"
	"github.com/mahaj/campus-realtime/pkg/model"
)

type Store struct {
	mu            sync.RWMutex
	messages      map[string]model.ChatMessage
	notifications map[string][]model.Notification // recipient -> rows
	users         map[string]model.Author
}

func New() *Store {
	return &Store{
		messages:      make(map[string]model.ChatMessage),
		notifications: make(map[string][]model.Notification),
		users:         make(map[string]model.Author),
	}
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) CreateMessage(_ context.Context, msg *model.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	stored := *msg
	stored.Sender = nil
	stored.Attachments = append([]model.Attachment(nil), msg.Attachments...)
	s.messages[msg.ID] = stored
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*model.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, apperr.ErrNotFound)
	}
	return &msg, nil
}

func (s *Store) UpdateMessageContent(_ context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, apperr.ErrNotFound)
	}
	msg.Content = content
	msg.Edited = true
	s.messages[id] = msg
	return nil
}

func (s *Store) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return fmt.Errorf("message %s: %w", id, apperr.ErrNotFound)
	}
	delete(s.messages, id)
	return nil
}

func (s *Store) PublicHistory(_ context.Context, before string, limit int) ([]model.ChatMessage, error) {
	return s.page(model.PublicConversation, before, limit), nil
}

func (s *Store) Conversation(_ context.Context, userA, userB, before string, limit int) ([]model.ChatMessage, error) {
	return s.page(model.DirectConversation(userA, userB), before, limit), nil
}

func (s *Store) page(conversation, before string, limit int) []model.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := lo.Filter(lo.Values(s.messages), func(m model.ChatMessage, _ int) bool {
		return m.Conversation() == conversation && (before == "" || olderThan(m.ID, before))
	})
	sort.Slice(out, func(i, j int) bool { return olderThan(out[j].ID, out[i].ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// olderThan compares snowflake ids numerically, falling back to string order.
func olderThan(a, b string) bool {
	x, errA := strconv.ParseInt(a, 10, 64)
	y, errB := strconv.ParseInt(b, 10, 64)
	if errA != nil || errB != nil {
		return a < b
	}
	return x < y
}

func (s *Store) CreateNotifications(_ context.Context, batch []*model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range batch {
		s.appendLocked(n)
	}
	return nil
}

func (s *Store) CreateNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(n)
	return nil
}

func (s *Store) appendLocked(n *model.Notification) {
	row := *n
	row.Sender = nil
	s.notifications[n.RecipientID] = append(s.notifications[n.RecipientID], row)
}

func (s *Store) ListNotifications(_ context.Context, recipientID, before string, limit int) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := lo.Filter(s.notifications[recipientID], func(n model.Notification, _ int) bool {
		return before == "" || olderThan(n.ID, before)
	})
	out = append([]model.Notification(nil), out...)
	sort.Slice(out, func(i, j int) bool { return olderThan(out[j].ID, out[i].ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkRead(_ context.Context, recipientID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.notifications[recipientID]
	for i := range rows {
		if rows[i].ID == id {
			rows[i].IsRead = true
			return nil
		}
	}
	return fmt.Errorf("notification %s: %w", id, apperr.ErrNotFound)
}

func (s *Store) UnreadCount(_ context.Context, recipientID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.CountBy(s.notifications[recipientID], func(n model.Notification) bool { return !n.IsRead }), nil
}

func (s *Store) UpsertUser(_ context.Context, author model.Author) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[author.ID] = author
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (model.Author, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	author, ok := s.users[id]
	if !ok {
		return model.Author{}, fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
	}
	return author, nil
}

func (s *Store) ListUserIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.users), nil
}

// Notifications returns every row written for recipientID, in write order.
func (s *Store) Notifications(recipientID string) []model.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Notification(nil), s.notifications[recipientID]...)
}

// NotificationCount returns the number of rows across all recipients.
func (s *Store) NotificationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, rows := range s.notifications {
		total += len(rows)
	}
	return total
}
