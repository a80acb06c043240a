// Package notify turns qualifying events into one notification record per
// interested recipient and pushes each record to the recipient's live channels.
package notify

import (
	"fmt"
	"unicode/utf8"

	"github.com/mahaj/campus-realtime/pkg/model"
)

const previewLen = 80

// Event is one qualifying occurrence. Broadcast means every known user except the
// sender; it is resolved by the writer so the directory scan stays off the relay path.
type Event struct {
	Type            model.NotificationType `json:"type"`
	SenderID        string                 `json:"senderId,omitempty"`
	Recipients      []string               `json:"recipients,omitempty"`
	Broadcast       bool                   `json:"broadcast,omitempty"`
	Message         string                 `json:"message"`
	RelatedEntityID string                 `json:"relatedEntityId,omitempty"`
}

// Empty reports whether the event cannot reach anyone.
func (e Event) Empty() bool {
	return !e.Broadcast && len(e.Recipients) == 0
}

// MessageEvent notifies every other user of a public message, or the addressed peer of a private one.
func MessageEvent(msg *model.ChatMessage, senderName string) Event {
	ev := Event{
		Type:            model.NotificationMessage,
		SenderID:        msg.SenderID,
		RelatedEntityID: msg.ID,
	}
	if !msg.IsPrivate() {
		ev.Broadcast = true
		ev.Message = fmt.Sprintf("%s posted in the public chat: %s", senderName, preview(msg))
		return ev
	}
	if msg.RecipientID != msg.SenderID {
		ev.Recipients = []string{msg.RecipientID}
	}
	ev.Message = fmt.Sprintf("New message from %s: %s", senderName, preview(msg))
	return ev
}

// PublicationEvent notifies every user except the author that an article went live.
func PublicationEvent(authorID, articleID, title string) Event {
	return Event{
		Type:            model.NotificationNews,
		SenderID:        authorID,
		Broadcast:       true,
		Message:         "New article published: " + title,
		RelatedEntityID: articleID,
	}
}

// LikeEvent notifies the article's author. Liking your own article notifies nobody.
func LikeEvent(likerID, likerName, authorID, articleID string) Event {
	ev := Event{
		Type:            model.NotificationLike,
		SenderID:        likerID,
		Message:         likerName + " liked your article",
		RelatedEntityID: articleID,
	}
	if likerID != authorID {
		ev.Recipients = []string{authorID}
	}
	return ev
}

// CommentEvent notifies the article's author. Commenting on your own article notifies nobody.
func CommentEvent(commenterID, commenterName, authorID, articleID, text string) Event {
	ev := Event{
		Type:            model.NotificationComment,
		SenderID:        commenterID,
		Message:         fmt.Sprintf("%s commented on your article: %s", commenterName, truncate(text)),
		RelatedEntityID: articleID,
	}
	if commenterID != authorID {
		ev.Recipients = []string{authorID}
	}
	return ev
}

func FriendRequestEvent(fromID, fromName, toID string) Event {
	return Event{
		Type:       model.NotificationSystem,
		SenderID:   fromID,
		Recipients: []string{toID},
		Message:    fromName + " sent you a friend request",
	}
}

func FriendAcceptedEvent(accepterID, accepterName, requesterID string) Event {
	return Event{
		Type:       model.NotificationSystem,
		SenderID:   accepterID,
		Recipients: []string{requesterID},
		Message:    accepterName + " accepted your friend request",
	}
}

// MissedCallEvent notifies a callee who never answered.
func MissedCallEvent(callerID, callerName, calleeID string, kind model.CallKind) Event {
	return Event{
		Type:       model.NotificationCall,
		SenderID:   callerID,
		Recipients: []string{calleeID},
		Message:    fmt.Sprintf("Missed %s call from %s", kind, callerName),
	}
}

// SystemEvent has no sender. Without recipients it goes to every known user.
func SystemEvent(message string, recipients ...string) Event {
	return Event{
		Type:       model.NotificationSystem,
		Recipients: recipients,
		Broadcast:  len(recipients) == 0,
		Message:    message,
	}
}

func preview(msg *model.ChatMessage) string {
	if msg.Content == "" && len(msg.Attachments) > 0 {
		return "[" + string(msg.Attachments[0].Kind) + "]"
	}
	return truncate(msg.Content)
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= previewLen {
		return s
	}
	return string([]rune(s)[:previewLen]) + "…"
}
