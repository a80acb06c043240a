package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/apperr"
	"github.com/mahaj/campus-realtime/pkg/metrics"
	"github.com/mahaj/campus-realtime/pkg/model"
	"github.com/mahaj/campus-realtime/pkg/notify"
	"github.com/mahaj/campus-realtime/pkg/presence"
	"github.com/mahaj/campus-realtime/pkg/presence/presencetest"
	"github.com/mahaj/campus-realtime/pkg/relay"
	"github.com/mahaj/campus-realtime/pkg/snowflake"
	"github.com/mahaj/campus-realtime/pkg/store/memory"
	"github.com/mahaj/campus-realtime/pkg/store/mocks"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Enqueue(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

type fixture struct {
	db       *memory.Store
	registry *presence.Registry
	notifier *recordingNotifier
	relay    *relay.Relay
}

func newFixture(t *testing.T) *fixture {
	log := zap.NewNop().Sugar()
	m := metrics.Discard()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		db:       memory.New(),
		registry: presence.NewRegistry(),
		notifier: &recordingNotifier{},
	}
	f.relay = relay.New(f.db, f.db, presence.NewBroadcaster(f.registry, log, m), f.notifier, node, log, m)
	return f
}

func (f *fixture) attach(userID, channelID string) *presencetest.Channel {
	ch := presencetest.NewChannel(channelID)
	f.registry.Attach(userID, ch)
	return ch
}

func TestSubmit_Private_OnlySenderAndRecipient(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.attach("alice", "a1")
	bob := f.attach("bob", "b1")
	carol := f.attach("carol", "c1")

	// When alice sends bob a private message
	msg, err := f.relay.Submit(context.Background(), model.Submission{SenderID: "alice", RecipientID: "bob", Content: "psst"})

	// Then both ends see it and carol never does
	req.NoError(err)
	req.Len(alice.Of(model.EventMessageReceived), 1)
	req.Len(bob.Of(model.EventMessageReceived), 1)
	req.Empty(carol.Envelopes())

	// And the fan-out targets bob only
	events := f.notifier.all()
	req.Len(events, 1)
	req.Equal([]string{"bob"}, events[0].Recipients)
	req.False(events[0].Broadcast)
	req.Equal(msg.ID, events[0].RelatedEntityID)
}

func TestSubmit_Public_EveryChannelOnce(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	channels := []*presencetest.Channel{
		f.attach("alice", "a-phone"),
		f.attach("alice", "a-laptop"),
		f.attach("bob", "b1"),
		f.attach("carol", "c1"),
	}

	_, err := f.relay.Submit(context.Background(), model.Submission{SenderID: "alice", Content: "hi all"})

	req.NoError(err)
	for _, ch := range channels {
		req.Len(ch.Of(model.EventMessageReceived), 1, ch.ID())
	}
	req.True(f.notifier.all()[0].Broadcast)
}

func TestSubmit_PushedMessageIsPersistedForm(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	req.NoError(f.db.UpsertUser(context.Background(), model.Author{ID: "alice", DisplayName: "Alice", AvatarURL: "https://cdn/a.png"}))
	ch := f.attach("alice", "a1")

	msg, err := f.relay.Submit(context.Background(), model.Submission{SenderID: "alice", Content: "hi"})
	req.NoError(err)

	var pushed model.ChatMessage
	req.NoError(ch.Decode(model.EventMessageReceived, 0, &pushed))
	req.Equal(msg.ID, pushed.ID)
	req.False(pushed.Edited)
	req.Equal("Alice", pushed.Sender.DisplayName)

	stored, err := f.db.GetMessage(context.Background(), msg.ID)
	req.NoError(err)
	req.Equal("hi", stored.Content)
}

func TestSubmit_ClosedChannelDoesNotStopOthers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	stale := f.attach("bob", "b-stale")
	live := f.attach("bob", "b-live")
	stale.Close()

	_, err := f.relay.Submit(context.Background(), model.Submission{SenderID: "alice", RecipientID: "bob", Content: "hey"})

	req.NoError(err)
	req.Len(live.Of(model.EventMessageReceived), 1)
}

func TestSubmit_Validation(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ch := f.attach("alice", "a1")

	_, err := f.relay.Submit(context.Background(), model.Submission{SenderID: "alice", Content: "   "})
	req.ErrorIs(err, apperr.ErrValidation)

	_, err = f.relay.Submit(context.Background(), model.Submission{
		SenderID:    "alice",
		Attachments: []model.Attachment{{Kind: "pdf", URL: "https://x/y"}},
	})
	req.ErrorIs(err, apperr.ErrValidation)

	// Then nothing was pushed, stored, or fanned out
	req.Empty(ch.Envelopes())
	history, err := f.db.PublicHistory(context.Background(), "", 10)
	req.NoError(err)
	req.Empty(history)
	req.Empty(f.notifier.all())
}

func TestSubmit_AttachmentOnly(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	msg, err := f.relay.Submit(context.Background(), model.Submission{
		SenderID:    "alice",
		Attachments: []model.Attachment{{Kind: model.AttachmentAudio, URL: "https://cdn/voice.ogg"}},
	})

	req.NoError(err)
	req.Empty(msg.Content)
	req.Len(msg.Attachments, 1)
}

func TestSubmit_PersistenceFailure_NoPush(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	log := zap.NewNop().Sugar()
	m := metrics.Discard()
	messages := mocks.NewMockMessageStore(ctrl)
	users := mocks.NewMockUserDirectory(ctrl)
	registry := presence.NewRegistry()
	ch := presencetest.NewChannel("a1")
	registry.Attach("alice", ch)
	notifier := &recordingNotifier{}
	node, err := snowflake.NewNode(2)
	req.NoError(err)
	r := relay.New(messages, users, presence.NewBroadcaster(registry, log, m), notifier, node, log, m)

	// Given the store rejects the write
	messages.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(errors.New("no quorum"))

	// When alice submits
	_, err = r.Submit(context.Background(), model.Submission{SenderID: "alice", Content: "hi"})

	// Then the error reaches her and nobody is pushed or notified
	req.Error(err)
	req.Empty(ch.Envelopes())
	req.Empty(notifier.all())
}

func TestEdit_RebroadcastsToRecomputedAudience(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.attach("alice", "a1")
	msg, err := f.relay.Submit(context.Background(), model.Submission{SenderID: "alice", RecipientID: "bob", Content: "hi"})
	req.NoError(err)

	// Given bob connects only after the message was sent
	bob := f.attach("bob", "b1")
	carol := f.attach("carol", "c1")

	edited, err := f.relay.Edit(context.Background(), msg.ID, "alice", "hello")

	req.NoError(err)
	req.True(edited.Edited)
	req.Len(alice.Of(model.EventMessageEdited), 1)
	req.Len(bob.Of(model.EventMessageEdited), 1)
	req.Empty(carol.Envelopes())

	var pushed model.ChatMessage
	req.NoError(bob.Decode(model.EventMessageEdited, 0, &pushed))
	req.Equal("hello", pushed.Content)
	req.True(pushed.Edited)
}

func TestMutations_ForbiddenForNonSender(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	msg, err := f.relay.Submit(context.Background(), model.Submission{SenderID: "alice", Content: "mine"})
	req.NoError(err)
	bob := f.attach("bob", "b1")

	_, err = f.relay.Edit(context.Background(), msg.ID, "bob", "yours now")
	req.ErrorIs(err, apperr.ErrForbidden)
	req.ErrorIs(f.relay.Delete(context.Background(), msg.ID, "bob"), apperr.ErrForbidden)

	// Then nothing was broadcast and the message is untouched
	req.Empty(bob.Envelopes())
	stored, err := f.db.GetMessage(context.Background(), msg.ID)
	req.NoError(err)
	req.Equal("mine", stored.Content)
	req.False(stored.Edited)
}

func TestDelete_MarkerThenNotFound(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.attach("alice", "a1")
	bob := f.attach("bob", "b1")
	carol := f.attach("carol", "c1")
	msg, err := f.relay.Submit(context.Background(), model.Submission{SenderID: "alice", RecipientID: "bob", Content: "oops"})
	req.NoError(err)

	req.NoError(f.relay.Delete(context.Background(), msg.ID, "alice"))

	var marker model.MessageDeleted
	req.NoError(bob.Decode(model.EventMessageDeleted, 0, &marker))
	req.Equal(msg.ID, marker.MessageID)
	req.Len(alice.Of(model.EventMessageDeleted), 1)
	req.Empty(carol.Envelopes())

	// And the id is gone for good
	_, err = f.relay.Edit(context.Background(), msg.ID, "alice", "again")
	req.ErrorIs(err, apperr.ErrNotFound)
	req.ErrorIs(f.relay.Delete(context.Background(), msg.ID, "alice"), apperr.ErrNotFound)
}

func TestScenario_PublicMessageAcrossDevices(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := zap.NewNop().Sugar()
	m := metrics.Discard()
	node, err := snowflake.NewNode(3)
	req.NoError(err)

	// Given alice on two channels and bob on one, both known to the directory
	db := memory.New()
	req.NoError(db.UpsertUser(ctx, model.Author{ID: "alice", DisplayName: "Alice"}))
	req.NoError(db.UpsertUser(ctx, model.Author{ID: "bob", DisplayName: "Bob"}))
	registry := presence.NewRegistry()
	audience := presence.NewBroadcaster(registry, log, m)
	fanout := notify.NewFanOut(db, db, node, notify.NewLivePusher(audience, log), log, m)
	dispatcher := notify.NewDispatcher(fanout, 2, 16, time.Second, log, m)
	r := relay.New(db, db, audience, dispatcher, node, log, m)

	a1, a2, b1 := presencetest.NewChannel("a1"), presencetest.NewChannel("a2"), presencetest.NewChannel("b1")
	registry.Attach("alice", a1)
	registry.Attach("alice", a2)
	registry.Attach("bob", b1)

	// When alice says hi in public
	msg, err := r.Submit(ctx, model.Submission{SenderID: "alice", Content: "hi"})
	req.NoError(err)

	// Then all three channels receive it
	for _, ch := range []*presencetest.Channel{a1, a2, b1} {
		req.Len(ch.Of(model.EventMessageReceived), 1)
	}

	// When she edits it
	_, err = r.Edit(ctx, msg.ID, "alice", "hello")
	req.NoError(err)

	// Then all three channels receive the edit flagged as edited
	for _, ch := range []*presencetest.Channel{a1, a2, b1} {
		var edited model.ChatMessage
		req.NoError(ch.Decode(model.EventMessageEdited, 0, &edited))
		req.Equal("hello", edited.Content)
		req.True(edited.Edited)
	}

	// And after the fan-out drains, bob alone holds a notification
	dispatcher.Close()
	req.Len(db.Notifications("bob"), 1)
	req.Empty(db.Notifications("alice"))
	req.Len(b1.Of(model.EventNotificationNew), 1)
	req.Empty(a1.Of(model.EventNotificationNew))
}
