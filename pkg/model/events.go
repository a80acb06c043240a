package model

import (
	"encoding/json"
	"time"
)

type EventType string

// Inbound events.
const (
	EventJoinPresence  EventType = "join-presence"
	EventSubmitMessage EventType = "submit-message"
	EventEditMessage   EventType = "edit-message"
	EventDeleteMessage EventType = "delete-message"
	EventCallInitiate  EventType = "call-initiate"
	EventCallAnswer    EventType = "call-answer"
	EventCallConnected EventType = "call-connected"
	EventCallEnd       EventType = "call-end"
)

// Outbound events. call-ice travels in both directions.
const (
	EventPresenceJoined  EventType = "presence-joined"
	EventMessageReceived EventType = "message-received"
	EventMessageEdited   EventType = "message-edited"
	EventMessageDeleted  EventType = "message-deleted"
	EventCallIncoming    EventType = "call-incoming"
	EventCallAnswered    EventType = "call-answered"
	EventCallICE         EventType = "call-ice"
	EventCallEnded       EventType = "call-ended"
	EventNotificationNew EventType = "notification-new"
	EventError           EventType = "error"
)

// Envelope is the frame exchanged over every channel.
type Envelope struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Encode wraps data into an outbound frame.
func Encode(t EventType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Data: raw, Timestamp: time.Now().UnixMilli()})
}

type JoinPresence struct {
	UserID string `json:"userId" validate:"required"`
}

type PresenceJoined struct {
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
}

type EditMessage struct {
	MessageID string `json:"messageId" validate:"required"`
	Content   string `json:"content" validate:"max=4000"`
}

type DeleteMessage struct {
	MessageID string `json:"messageId" validate:"required"`
}

type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

type CallInitiate struct {
	CalleeID string          `json:"calleeId" validate:"required"`
	Kind     CallKind        `json:"kind" validate:"required,oneof=audio video"`
	Offer    json.RawMessage `json:"offer" validate:"required"`
}

type CallIncoming struct {
	CallerID   string          `json:"callerId"`
	CallerName string          `json:"callerName"`
	Kind       CallKind        `json:"kind"`
	Offer      json.RawMessage `json:"offer"`
}

type CallAnswer struct {
	CallerID string          `json:"callerId" validate:"required"`
	Answer   json.RawMessage `json:"answer" validate:"required"`
}

type CallAnswered struct {
	CalleeID string          `json:"calleeId"`
	Answer   json.RawMessage `json:"answer"`
}

// CallICE is used inbound with ToID set and outbound with FromID set.
type CallICE struct {
	ToID      string          `json:"toId,omitempty"`
	FromID    string          `json:"fromId,omitempty"`
	Candidate json.RawMessage `json:"candidate" validate:"required"`
}

// CallPeer names the other party. Reason is only read on call-end; the server
// supplies disconnect and timeout itself.
type CallPeer struct {
	OtherID string `json:"otherId" validate:"required"`
	Reason  string `json:"reason,omitempty" validate:"omitempty,max=16,oneof=hangup declined"`
}

type CallEnded struct {
	OtherID string `json:"otherId"`
	Reason  string `json:"reason"`
}

type ErrorEvent struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Ref     EventType `json:"ref,omitempty"`
}
