package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/metrics"
	"github.com/mahaj/campus-realtime/pkg/model"
	"github.com/mahaj/campus-realtime/pkg/presence"
	"github.com/mahaj/campus-realtime/pkg/presence/presencetest"
	"github.com/mahaj/campus-realtime/pkg/snowflake"
	"github.com/mahaj/campus-realtime/pkg/store/memory"
	"github.com/mahaj/campus-realtime/pkg/store/mocks"
)

type recordingPusher struct {
	mu     sync.Mutex
	pushed []model.Notification
}

func (p *recordingPusher) Push(_ context.Context, n model.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, n)
}

func (p *recordingPusher) recipients() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.pushed))
	for i, n := range p.pushed {
		out[i] = n.RecipientID
	}
	return out
}

func newNode(t *testing.T) *snowflake.Node {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func seedUsers(t *testing.T, s *memory.Store, ids ...string) {
	for _, id := range ids {
		require.NoError(t, s.UpsertUser(context.Background(), model.Author{ID: id, DisplayName: "user " + id}))
	}
}

func TestFanOut_PublicMessage_OneRecordPerOtherUser(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := zap.NewNop().Sugar()
	m := metrics.Discard()

	// Given four known users of whom only bob is connected
	db := memory.New()
	seedUsers(t, db, "alice", "bob", "carol", "dave")
	registry := presence.NewRegistry()
	bobPhone := presencetest.NewChannel("bob-phone")
	registry.Attach("bob", bobPhone)
	pusher := NewLivePusher(presence.NewBroadcaster(registry, log, m), log)
	fanout := NewFanOut(db, db, newNode(t), pusher, log, m)

	// When alice posts in public
	msg := &model.ChatMessage{ID: "42", SenderID: "alice", Content: "hi"}
	written, err := fanout.Deliver(ctx, MessageEvent(msg, "Alice"))

	// Then every other user gets exactly one record, connected or not
	req.NoError(err)
	req.Len(written, 3)
	req.Equal(3, db.NotificationCount())
	req.Empty(db.Notifications("alice"))
	for _, id := range []string{"bob", "carol", "dave"} {
		rows := db.Notifications(id)
		req.Len(rows, 1)
		req.Equal(model.NotificationMessage, rows[0].Type)
		req.Equal("42", rows[0].RelatedEntityID)
		req.False(rows[0].IsRead)
	}

	// And only the connected recipient gets a live push, enriched with the sender
	req.Len(bobPhone.Of(model.EventNotificationNew), 1)
	var pushed model.Notification
	req.NoError(bobPhone.Decode(model.EventNotificationNew, 0, &pushed))
	req.Equal("bob", pushed.RecipientID)
	req.NotNil(pushed.Sender)
	req.Equal("user alice", pushed.Sender.DisplayName)
}

func TestFanOut_PrivateMessage_OnlyRecipient(t *testing.T) {
	req := require.New(t)
	db := memory.New()
	seedUsers(t, db, "alice", "bob", "carol")
	pusher := &recordingPusher{}
	fanout := NewFanOut(db, db, newNode(t), pusher, zap.NewNop().Sugar(), metrics.Discard())

	msg := &model.ChatMessage{ID: "7", SenderID: "alice", RecipientID: "bob", Content: "psst"}
	_, err := fanout.Deliver(context.Background(), MessageEvent(msg, "Alice"))

	req.NoError(err)
	req.Equal(1, db.NotificationCount())
	req.Equal([]string{"bob"}, pusher.recipients())
}

func TestFanOut_BatchFailure_RetriesEachRecord(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	notes := mocks.NewMockNotificationStore(ctrl)
	users := mocks.NewMockUserDirectory(ctrl)
	pusher := &recordingPusher{}
	fanout := NewFanOut(notes, users, newNode(t), pusher, zap.NewNop().Sugar(), metrics.Discard())

	// Given the batched write fails and bob's single write fails too
	users.EXPECT().GetUser(gomock.Any(), "alice").Return(model.Author{ID: "alice", DisplayName: "Alice"}, nil)
	notes.EXPECT().CreateNotifications(gomock.Any(), gomock.Len(3)).Return(errors.New("batch too large"))
	notes.EXPECT().CreateNotification(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, n *model.Notification) error {
			if n.RecipientID == "bob" {
				return errors.New("write timeout")
			}
			return nil
		}).Times(3)

	// When an event addressed to three recipients is delivered
	written, err := fanout.Deliver(context.Background(), Event{
		Type:       model.NotificationSystem,
		SenderID:   "alice",
		Recipients: []string{"bob", "carol", "dave"},
		Message:    "hello",
	})

	// Then the failure for bob does not stop carol and dave
	req.NoError(err)
	req.Len(written, 2)
	req.ElementsMatch([]string{"carol", "dave"}, pusher.recipients())
}

func TestFanOut_BroadcastDirectoryFailure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	notes := mocks.NewMockNotificationStore(ctrl)
	users := mocks.NewMockUserDirectory(ctrl)
	fanout := NewFanOut(notes, users, newNode(t), &recordingPusher{}, zap.NewNop().Sugar(), metrics.Discard())

	users.EXPECT().ListUserIDs(gomock.Any()).Return(nil, errors.New("scan failed"))

	_, err := fanout.Deliver(context.Background(), PublicationEvent("alice", "article-1", "Exams"))
	req.Error(err)
}

func TestFanOut_NoRecipients_WritesNothing(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	notes := mocks.NewMockNotificationStore(ctrl)
	users := mocks.NewMockUserDirectory(ctrl)
	fanout := NewFanOut(notes, users, newNode(t), &recordingPusher{}, zap.NewNop().Sugar(), metrics.Discard())

	written, err := fanout.Deliver(context.Background(), Event{
		Type:       model.NotificationLike,
		SenderID:   "alice",
		Recipients: []string{"alice"},
	})

	req.NoError(err)
	req.Empty(written)
}

func TestBuilders(t *testing.T) {
	req := require.New(t)

	req.True(LikeEvent("alice", "Alice", "alice", "a1").Empty())
	req.Equal([]string{"bob"}, LikeEvent("alice", "Alice", "bob", "a1").Recipients)
	req.True(CommentEvent("bob", "Bob", "bob", "a1", "nice").Empty())

	self := &model.ChatMessage{ID: "1", SenderID: "alice", RecipientID: "alice", Content: "note"}
	req.True(MessageEvent(self, "Alice").Empty())

	media := &model.ChatMessage{ID: "2", SenderID: "alice", Attachments: []model.Attachment{{Kind: model.AttachmentImage, URL: "https://x/y.png"}}}
	ev := MessageEvent(media, "Alice")
	req.True(ev.Broadcast)
	req.Contains(ev.Message, "[image]")

	req.True(SystemEvent("maintenance tonight").Broadcast)
	req.Equal([]string{"bob"}, SystemEvent("welcome", "bob").Recipients)

	missed := MissedCallEvent("alice", "Alice", "bob", model.CallVideo)
	req.Equal(model.NotificationCall, missed.Type)
	req.Equal("Missed video call from Alice", missed.Message)

	req.Equal(model.NotificationSystem, FriendRequestEvent("alice", "Alice", "bob").Type)
	req.Equal([]string{"alice"}, FriendAcceptedEvent("bob", "Bob", "alice").Recipients)
}
