// Package mongo stores messages, notifications and the user directory in MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mahaj/campus-realtime/pkg/apperr"
	"github.com/mahaj/campus-realtime/pkg/model"
)

type messageDoc struct {
	ID           string             `bson:"_id"`
	Seq          int64              `bson:"seq"`
	Conversation string             `bson:"conversation"`
	SenderID     string             `bson:"sender_id"`
	RecipientID  string             `bson:"recipient_id,omitempty"`
	Content      string             `bson:"content"`
	Attachments  []model.Attachment `bson:"attachments,omitempty"`
	Edited       bool               `bson:"edited"`
	CreatedAt    time.Time          `bson:"created_at"`
}

type notificationDoc struct {
	ID              string    `bson:"_id"`
	Seq             int64     `bson:"seq"`
	RecipientID     string    `bson:"recipient_id"`
	SenderID        string    `bson:"sender_id,omitempty"`
	Type            string    `bson:"type"`
	RelatedEntityID string    `bson:"related_entity_id,omitempty"`
	Message         string    `bson:"message"`
	IsRead          bool      `bson:"is_read"`
	CreatedAt       time.Time `bson:"created_at"`
}

type Store struct {
	client        *mongo.Client
	messages      *mongo.Collection
	notifications *mongo.Collection
	users         *mongo.Collection
}

// Connect dials uri and opens database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(database)
	return &Store{
		client:        client,
		messages:      db.Collection("messages"),
		notifications: db.Collection("notifications"),
		users:         db.Collection("users"),
	}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the history and inbox indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation", Value: 1}, {Key: "seq", Value: -1}},
	}); err != nil {
		return fmt.Errorf("messages index: %w", err)
	}
	if _, err := s.notifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "seq", Value: -1}},
	}); err != nil {
		return fmt.Errorf("notifications index: %w", err)
	}
	return nil
}

// Drop removes every collection the store uses.
func (s *Store) Drop(ctx context.Context) error {
	for _, c := range []*mongo.Collection{s.messages, s.notifications, s.users} {
		if err := c.Drop(ctx); err != nil {
			return fmt.Errorf("drop %s: %w", c.Name(), err)
		}
	}
	return nil
}

func seqOf(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id %q: %w", id, apperr.ErrNotFound)
	}
	return n, nil
}

func cursorFilter(filter bson.M, before string) error {
	if before == "" {
		return nil
	}
	cursor, err := strconv.ParseInt(before, 10, 64)
	if err != nil {
		return fmt.Errorf("cursor %q: %w", before, apperr.ErrValidation)
	}
	filter["seq"] = bson.M{"$lt": cursor}
	return nil
}

func newestFirst(limit int) *options.FindOptions {
	return options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetLimit(int64(limit))
}

func (s *Store) CreateMessage(ctx context.Context, msg *model.ChatMessage) error {
	seq, err := seqOf(msg.ID)
	if err != nil {
		return err
	}
	_, err = s.messages.InsertOne(ctx, messageDoc{
		ID:           msg.ID,
		Seq:          seq,
		Conversation: msg.Conversation(),
		SenderID:     msg.SenderID,
		RecipientID:  msg.RecipientID,
		Content:      msg.Content,
		Attachments:  msg.Attachments,
		Edited:       msg.Edited,
		CreatedAt:    msg.CreatedAt,
	})
	return err
}

func (d messageDoc) toModel() model.ChatMessage {
	return model.ChatMessage{
		ID:          d.ID,
		SenderID:    d.SenderID,
		RecipientID: d.RecipientID,
		Content:     d.Content,
		Attachments: d.Attachments,
		Edited:      d.Edited,
		CreatedAt:   d.CreatedAt,
	}
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.ChatMessage, error) {
	var doc messageDoc
	if err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("message %s: %w", id, apperr.ErrNotFound)
		}
		return nil, err
	}
	msg := doc.toModel()
	return &msg, nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, id, content string) error {
	res, err := s.messages.UpdateByID(ctx, id, bson.M{"$set": bson.M{"content": content, "edited": true}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("message %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.messages.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("message %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (s *Store) PublicHistory(ctx context.Context, before string, limit int) ([]model.ChatMessage, error) {
	return s.page(ctx, model.PublicConversation, before, limit)
}

func (s *Store) Conversation(ctx context.Context, userA, userB, before string, limit int) ([]model.ChatMessage, error) {
	return s.page(ctx, model.DirectConversation(userA, userB), before, limit)
}

func (s *Store) page(ctx context.Context, conversation, before string, limit int) ([]model.ChatMessage, error) {
	filter := bson.M{"conversation": conversation}
	if err := cursorFilter(filter, before); err != nil {
		return nil, err
	}
	cur, err := s.messages.Find(ctx, filter, newestFirst(limit))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.ChatMessage, len(docs))
	for i, d := range docs {
		out[i] = d.toModel()
	}
	return out, nil
}

func toNotificationDoc(n *model.Notification) (notificationDoc, error) {
	seq, err := seqOf(n.ID)
	if err != nil {
		return notificationDoc{}, err
	}
	return notificationDoc{
		ID:              n.ID,
		Seq:             seq,
		RecipientID:     n.RecipientID,
		SenderID:        n.SenderID,
		Type:            string(n.Type),
		RelatedEntityID: n.RelatedEntityID,
		Message:         n.Message,
		IsRead:          n.IsRead,
		CreatedAt:       n.CreatedAt,
	}, nil
}

// CreateNotifications inserts unordered so one bad document does not stop the rest;
// any error is still returned so the caller can retry individually.
func (s *Store) CreateNotifications(ctx context.Context, batch []*model.Notification) error {
	if len(batch) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(batch))
	for _, n := range batch {
		doc, err := toNotificationDoc(n)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	_, err := s.notifications.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return err
}

// CreateNotification upserts so that a retry after a partially applied batch is harmless.
func (s *Store) CreateNotification(ctx context.Context, n *model.Notification) error {
	doc, err := toNotificationDoc(n)
	if err != nil {
		return err
	}
	_, err = s.notifications.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) ListNotifications(ctx context.Context, recipientID, before string, limit int) ([]model.Notification, error) {
	filter := bson.M{"recipient_id": recipientID}
	if err := cursorFilter(filter, before); err != nil {
		return nil, err
	}
	cur, err := s.notifications.Find(ctx, filter, newestFirst(limit))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []notificationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.Notification, len(docs))
	for i, d := range docs {
		out[i] = model.Notification{
			ID:              d.ID,
			RecipientID:     d.RecipientID,
			SenderID:        d.SenderID,
			Type:            model.NotificationType(d.Type),
			RelatedEntityID: d.RelatedEntityID,
			Message:         d.Message,
			IsRead:          d.IsRead,
			CreatedAt:       d.CreatedAt,
		}
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, recipientID, id string) error {
	res, err := s.notifications.UpdateOne(ctx,
		bson.M{"_id": id, "recipient_id": recipientID},
		bson.M{"$set": bson.M{"is_read": true}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("notification %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (s *Store) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	n, err := s.notifications.CountDocuments(ctx, bson.M{"recipient_id": recipientID, "is_read": false})
	return int(n), err
}

func (s *Store) UpsertUser(ctx context.Context, author model.Author) error {
	_, err := s.users.UpdateByID(ctx, author.ID, bson.M{"$set": bson.M{
		"display_name": author.DisplayName,
		"avatar_url":   author.AvatarURL,
		"updated_at":   time.Now().UTC(),
	}}, options.Update().SetUpsert(true))
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (model.Author, error) {
	var author model.Author
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&author); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Author{}, fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
		}
		return model.Author{}, err
	}
	return author, nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	ids, err := s.users.Distinct(ctx, "_id", bson.M{})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if str, ok := id.(string); ok {
			out = append(out, str)
		}
	}
	return out, nil
}
