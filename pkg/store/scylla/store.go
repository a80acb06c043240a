// Package scylla stores messages, notifications and the user directory in ScyllaDB.
package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/campus-realtime/pkg/apperr"
	"github.com/mahaj/campus-realtime/pkg/db"
	"github.com/mahaj/campus-realtime/pkg/model"
)

type Store struct {
	db *db.Session
}

func New(session *db.Session) *Store {
	return &Store{db: session}
}

func (s *Store) Close(context.Context) error {
	s.db.Close()
	return nil
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id %q: %w", id, apperr.ErrNotFound)
	}
	return n, nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, apperr.ErrNotFound)
	}
	return err
}

func (s *Store) CreateMessage(ctx context.Context, msg *model.ChatMessage) error {
	id, err := parseID(msg.ID)
	if err != nil {
		return err
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO messages (conversation, id, sender_id, recipient_id, content, attachments, edited, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.Conversation(), id, msg.SenderID, msg.RecipientID, msg.Content, string(attachments), msg.Edited, msg.CreatedAt)
	batch.Query(`INSERT INTO message_index (id, conversation) VALUES (?, ?)`, id, msg.Conversation())
	return s.db.ExecuteBatch(batch)
}

func (s *Store) conversationOf(ctx context.Context, id int64, raw string) (string, error) {
	var conversation string
	err := s.db.Query(`SELECT conversation FROM message_index WHERE id = ?`, id).WithContext(ctx).Scan(&conversation)
	if err != nil {
		return "", notFound(err, "message", raw)
	}
	return conversation, nil
}

func (s *Store) GetMessage(ctx context.Context, raw string) (*model.ChatMessage, error) {
	id, err := parseID(raw)
	if err != nil {
		return nil, err
	}
	conversation, err := s.conversationOf(ctx, id, raw)
	if err != nil {
		return nil, err
	}

	iter := s.db.Query(`SELECT id, sender_id, recipient_id, content, attachments, edited, created_at FROM messages WHERE conversation = ? AND id = ?`,
		conversation, id).WithContext(ctx).Iter()
	msgs, err := scanMessages(iter)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %s: %w", raw, apperr.ErrNotFound)
	}
	return &msgs[0], nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, raw, content string) error {
	id, err := parseID(raw)
	if err != nil {
		return err
	}
	conversation, err := s.conversationOf(ctx, id, raw)
	if err != nil {
		return err
	}
	applied, err := s.db.Query(updateContentCQL, content, conversation, id).WithContext(ctx).ScanCAS()
	return casOutcome(applied, err, "message", raw)
}

// A plain UPDATE is an upsert, so an edit racing a delete would bring the row back.
const updateContentCQL = `UPDATE messages SET content = ?, edited = true WHERE conversation = ? AND id = ? IF EXISTS`

// casOutcome maps a lightweight transaction that did not apply to not found.
func casOutcome(applied bool, err error, what, id string) error {
	if err != nil {
		return notFound(err, what, id)
	}
	if !applied {
		return fmt.Errorf("%s %s: %w", what, id, apperr.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, raw string) error {
	id, err := parseID(raw)
	if err != nil {
		return err
	}
	conversation, err := s.conversationOf(ctx, id, raw)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM messages WHERE conversation = ? AND id = ?`, conversation, id)
	batch.Query(`DELETE FROM message_index WHERE id = ?`, id)
	return s.db.ExecuteBatch(batch)
}

func (s *Store) PublicHistory(ctx context.Context, before string, limit int) ([]model.ChatMessage, error) {
	return s.page(ctx, model.PublicConversation, before, limit)
}

func (s *Store) Conversation(ctx context.Context, userA, userB, before string, limit int) ([]model.ChatMessage, error) {
	return s.page(ctx, model.DirectConversation(userA, userB), before, limit)
}

func (s *Store) page(ctx context.Context, conversation, before string, limit int) ([]model.ChatMessage, error) {
	const cols = `SELECT id, sender_id, recipient_id, content, attachments, edited, created_at FROM messages`
	var q *gocql.Query
	if before == "" {
		q = s.db.Query(cols+` WHERE conversation = ? LIMIT ?`, conversation, limit)
	} else {
		cursor, err := strconv.ParseInt(before, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cursor %q: %w", before, apperr.ErrValidation)
		}
		q = s.db.Query(cols+` WHERE conversation = ? AND id < ? LIMIT ?`, conversation, cursor, limit)
	}
	return scanMessages(q.WithContext(ctx).Iter())
}

func scanMessages(iter *gocql.Iter) ([]model.ChatMessage, error) {
	var (
		out                                         []model.ChatMessage
		id                                          int64
		senderID, recipientID, content, attachments string
		edited                                      bool
		createdAt                                   time.Time
	)
	for iter.Scan(&id, &senderID, &recipientID, &content, &attachments, &edited, &createdAt) {
		msg := model.ChatMessage{
			ID:          strconv.FormatInt(id, 10),
			SenderID:    senderID,
			RecipientID: recipientID,
			Content:     content,
			Edited:      edited,
			CreatedAt:   createdAt,
		}
		if attachments != "" && attachments != "null" {
			if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments of %d: %w", id, err)
			}
		}
		out = append(out, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

const insertNotification = `INSERT INTO notifications (recipient_id, id, sender_id, type, related_entity_id, message, is_read, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func notificationArgs(n *model.Notification) ([]interface{}, error) {
	id, err := parseID(n.ID)
	if err != nil {
		return nil, err
	}
	return []interface{}{n.RecipientID, id, n.SenderID, string(n.Type), n.RelatedEntityID, n.Message, n.IsRead, n.CreatedAt}, nil
}

// CreateNotifications writes the batch as one unlogged batch; rows span partitions so
// atomicity is not promised, which is why callers fall back to single writes on error.
func (s *Store) CreateNotifications(ctx context.Context, batch []*model.Notification) error {
	if len(batch) == 0 {
		return nil
	}
	b := s.db.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, n := range batch {
		args, err := notificationArgs(n)
		if err != nil {
			return err
		}
		b.Query(insertNotification, args...)
	}
	return s.db.ExecuteBatch(b)
}

func (s *Store) CreateNotification(ctx context.Context, n *model.Notification) error {
	args, err := notificationArgs(n)
	if err != nil {
		return err
	}
	return s.db.Query(insertNotification, args...).WithContext(ctx).Exec()
}

func (s *Store) ListNotifications(ctx context.Context, recipientID, before string, limit int) ([]model.Notification, error) {
	const cols = `SELECT id, sender_id, type, related_entity_id, message, is_read, created_at FROM notifications`
	var q *gocql.Query
	if before == "" {
		q = s.db.Query(cols+` WHERE recipient_id = ? LIMIT ?`, recipientID, limit)
	} else {
		cursor, err := strconv.ParseInt(before, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cursor %q: %w", before, apperr.ErrValidation)
		}
		q = s.db.Query(cols+` WHERE recipient_id = ? AND id < ? LIMIT ?`, recipientID, cursor, limit)
	}

	iter := q.WithContext(ctx).Iter()
	var (
		out                             []model.Notification
		id                              int64
		senderID, typ, related, message string
		isRead                          bool
		createdAt                       time.Time
	)
	for iter.Scan(&id, &senderID, &typ, &related, &message, &isRead, &createdAt) {
		out = append(out, model.Notification{
			ID:              strconv.FormatInt(id, 10),
			RecipientID:     recipientID,
			SenderID:        senderID,
			Type:            model.NotificationType(typ),
			RelatedEntityID: related,
			Message:         message,
			IsRead:          isRead,
			CreatedAt:       createdAt,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, recipientID, raw string) error {
	id, err := parseID(raw)
	if err != nil {
		return err
	}
	var found int64
	if err := s.db.Query(`SELECT id FROM notifications WHERE recipient_id = ? AND id = ?`, recipientID, id).
		WithContext(ctx).Scan(&found); err != nil {
		return notFound(err, "notification", raw)
	}
	return s.db.Query(`UPDATE notifications SET is_read = true WHERE recipient_id = ? AND id = ?`, recipientID, id).
		WithContext(ctx).Exec()
}

func (s *Store) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	iter := s.db.Query(`SELECT is_read FROM notifications WHERE recipient_id = ?`, recipientID).WithContext(ctx).Iter()
	var (
		isRead bool
		count  int
	)
	for iter.Scan(&isRead) {
		if !isRead {
			count++
		}
	}
	return count, iter.Close()
}

func (s *Store) UpsertUser(ctx context.Context, author model.Author) error {
	return s.db.Query(`INSERT INTO users (user_id, display_name, avatar_url, updated_at) VALUES (?, ?, ?, ?)`,
		author.ID, author.DisplayName, author.AvatarURL, time.Now().UTC()).WithContext(ctx).Exec()
}

func (s *Store) GetUser(ctx context.Context, id string) (model.Author, error) {
	author := model.Author{ID: id}
	err := s.db.Query(`SELECT display_name, avatar_url FROM users WHERE user_id = ?`, id).
		WithContext(ctx).Scan(&author.DisplayName, &author.AvatarURL)
	if err != nil {
		return model.Author{}, notFound(err, "user", id)
	}
	return author, nil
}

// ListUserIDs scans the whole users table. This is the O(n) read behind public fan-out.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	iter := s.db.Query(`SELECT user_id FROM users`).WithContext(ctx).Iter()
	var (
		out []string
		id  string
	)
	for iter.Scan(&id) {
		out = append(out, id)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}
