// Package relay persists chat messages and pushes them, and later mutations of
// them, to the audience their addressing implies.
package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/apperr"
	"github.com/mahaj/campus-realtime/pkg/metrics"
	"github.com/mahaj/campus-realtime/pkg/model"
	"github.com/mahaj/campus-realtime/pkg/notify"
	"github.com/mahaj/campus-realtime/pkg/presence"
	"github.com/mahaj/campus-realtime/pkg/store"
)

type Relay struct {
	messages store.MessageStore
	users    store.UserDirectory
	audience presence.Audience
	notifier notify.Notifier
	ids      notify.IDSource
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(messages store.MessageStore, users store.UserDirectory, audience presence.Audience,
	notifier notify.Notifier, ids notify.IDSource, log *zap.SugaredLogger, m *metrics.Metrics) *Relay {
	return &Relay{
		messages: messages,
		users:    users,
		audience: audience,
		notifier: notifier,
		ids:      ids,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// Submit persists the message and only then pushes it. Public messages reach every
// attached channel; private ones reach the sender's and the recipient's channels only.
// The caller is trusted to have checked that the sender may address the recipient.
func (r *Relay) Submit(ctx context.Context, sub model.Submission) (*model.ChatMessage, error) {
	if err := model.Validate(sub); err != nil {
		return nil, err
	}

	msg := &model.ChatMessage{
		ID:          r.ids.NextID(),
		SenderID:    sub.SenderID,
		RecipientID: sub.RecipientID,
		Content:     sub.Content,
		Attachments: sub.Attachments,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	author := store.ResolveAuthor(ctx, r.users, msg.SenderID)
	msg.Sender = &author
	delivered := r.push(model.EventMessageReceived, msg, msg)
	r.metrics.MessagesRelayed.WithLabelValues(visibility(msg)).Inc()
	r.log.Debugw("message relayed", "id", msg.ID, "sender", msg.SenderID, "private", msg.IsPrivate(), "channels", delivered)

	if err := r.notifier.Enqueue(ctx, notify.MessageEvent(msg, author.DisplayName)); err != nil {
		r.log.Warnw("message notification not queued", "id", msg.ID, "error", err)
	}
	return msg, nil
}

// Edit replaces the content of a message the editor sent and pushes the updated
// message to the audience recomputed from its addressing.
func (r *Relay) Edit(ctx context.Context, messageID, editorID, content string) (*model.ChatMessage, error) {
	if err := model.Validate(model.EditMessage{MessageID: messageID, Content: content}); err != nil {
		return nil, err
	}

	msg, err := r.owned(ctx, "edit", messageID, editorID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" && len(msg.Attachments) == 0 {
		r.metrics.Mutations.WithLabelValues("edit", "invalid").Inc()
		return nil, fmt.Errorf("%w: content: content_or_attachment", apperr.ErrValidation)
	}

	if err := r.messages.UpdateMessageContent(ctx, messageID, content); err != nil {
		r.metrics.Mutations.WithLabelValues("edit", result(err)).Inc()
		return nil, fmt.Errorf("update message %s: %w", messageID, err)
	}
	msg.Content = content
	msg.Edited = true

	author := store.ResolveAuthor(ctx, r.users, msg.SenderID)
	msg.Sender = &author
	r.push(model.EventMessageEdited, msg, msg)
	r.metrics.Mutations.WithLabelValues("edit", "ok").Inc()
	return msg, nil
}

// Delete removes a message the requester sent and pushes a deletion marker.
func (r *Relay) Delete(ctx context.Context, messageID, requesterID string) error {
	if err := model.Validate(model.DeleteMessage{MessageID: messageID}); err != nil {
		return err
	}

	msg, err := r.owned(ctx, "delete", messageID, requesterID)
	if err != nil {
		return err
	}
	if err := r.messages.DeleteMessage(ctx, messageID); err != nil {
		r.metrics.Mutations.WithLabelValues("delete", result(err)).Inc()
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}

	r.push(model.EventMessageDeleted, msg, model.MessageDeleted{MessageID: messageID})
	r.metrics.Mutations.WithLabelValues("delete", "ok").Inc()
	return nil
}

// owned loads the message and checks that userID sent it.
func (r *Relay) owned(ctx context.Context, op, messageID, userID string) (*model.ChatMessage, error) {
	msg, err := r.messages.GetMessage(ctx, messageID)
	if err != nil {
		r.metrics.Mutations.WithLabelValues(op, result(err)).Inc()
		return nil, err
	}
	if msg.SenderID != userID {
		r.metrics.Mutations.WithLabelValues(op, "forbidden").Inc()
		r.log.Infow("mutation refused", "op", op, "message", messageID, "user", userID)
		return nil, fmt.Errorf("%s message %s: %w", op, messageID, apperr.ErrForbidden)
	}
	return msg, nil
}

// push sends data to the audience of msg and returns how many channels accepted it.
func (r *Relay) push(t model.EventType, msg *model.ChatMessage, data any) int {
	frame, err := model.Encode(t, data)
	if err != nil {
		r.log.Errorw("encode frame", "type", t, "message", msg.ID, "error", err)
		return 0
	}
	if msg.IsPrivate() {
		return r.audience.ToUsers(frame, msg.Participants()...)
	}
	return r.audience.ToAll(frame)
}

func visibility(msg *model.ChatMessage) string {
	if msg.IsPrivate() {
		return "private"
	}
	return "public"
}

func result(err error) string {
	return apperr.Code(err)
}
