package model

import "time"

type NotificationType string

const (
	NotificationLike    NotificationType = "like"
	NotificationComment NotificationType = "comment"
	NotificationMessage NotificationType = "message"
	NotificationNews    NotificationType = "news"
	NotificationCall    NotificationType = "call"
	NotificationSystem  NotificationType = "system"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationLike, NotificationComment, NotificationMessage,
		NotificationNews, NotificationCall, NotificationSystem:
		return true
	}
	return false
}

// Notification is one persisted row per (event, recipient) pair.
type Notification struct {
	ID              string           `json:"id"`
	RecipientID     string           `json:"recipientId"`
	SenderID        string           `json:"senderId,omitempty"`
	Type            NotificationType `json:"type"`
	RelatedEntityID string           `json:"relatedEntityId,omitempty"`
	Message         string           `json:"message"`
	IsRead          bool             `json:"isRead"`
	CreatedAt       time.Time        `json:"createdAt"`

	Sender *Author `json:"sender,omitempty"`
}
