package model

import (
	"strings"
	"time"
)

// PublicConversation is the conversation key shared by every broadcast message.
const PublicConversation = "public"

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentAudio AttachmentKind = "audio"
)

type Attachment struct {
	Kind AttachmentKind `json:"kind" bson:"kind" validate:"required,oneof=image video audio"`
	URL  string         `json:"url" bson:"url" validate:"required,url"`
}

// Author carries the display fields pushed alongside messages and notifications.
type Author struct {
	ID          string `json:"id" bson:"_id"`
	DisplayName string `json:"displayName" bson:"display_name"`
	AvatarURL   string `json:"avatarUrl,omitempty" bson:"avatar_url,omitempty"`
}

// ChatMessage is a persisted chat message. Only Content and Edited change after creation.
type ChatMessage struct {
	ID          string       `json:"id"`
	SenderID    string       `json:"senderId"`
	RecipientID string       `json:"recipientId,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Edited      bool         `json:"edited"`
	CreatedAt   time.Time    `json:"createdAt"`

	// Sender is filled in before push, it is never persisted.
	Sender *Author `json:"sender,omitempty"`
}

// IsPrivate reports whether the message is addressed to a single recipient.
func (m *ChatMessage) IsPrivate() bool {
	return m.RecipientID != ""
}

// Conversation returns the partition key the message is stored under.
func (m *ChatMessage) Conversation() string {
	if !m.IsPrivate() {
		return PublicConversation
	}
	return DirectConversation(m.SenderID, m.RecipientID)
}

// Participants returns the users whose channels form the audience of a private message.
// It returns nil for public messages.
func (m *ChatMessage) Participants() []string {
	if !m.IsPrivate() {
		return nil
	}
	if m.SenderID == m.RecipientID {
		return []string{m.SenderID}
	}
	return []string{m.SenderID, m.RecipientID}
}

// DirectConversation builds the dm:<lo>:<hi> key so both peers resolve the same conversation.
func DirectConversation(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// ParseDirectConversation splits a dm key back into its two user ids.
func ParseDirectConversation(key string) (string, string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "dm" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Submission is an inbound chat message before persistence.
type Submission struct {
	SenderID    string       `json:"senderId" validate:"required"`
	RecipientID string       `json:"recipientId,omitempty"`
	Content     string       `json:"content" validate:"max=4000"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"max=10,dive"`
}
