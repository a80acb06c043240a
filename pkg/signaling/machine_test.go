package signaling_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/apperr"
	"github.com/mahaj/campus-realtime/pkg/metrics"
	"github.com/mahaj/campus-realtime/pkg/model"
	"github.com/mahaj/campus-realtime/pkg/notify"
	"github.com/mahaj/campus-realtime/pkg/presence"
	"github.com/mahaj/campus-realtime/pkg/presence/presencetest"
	"github.com/mahaj/campus-realtime/pkg/signaling"
	"github.com/mahaj/campus-realtime/pkg/store/memory"
)

var (
	offer     = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	answer    = json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	candidate = json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 54400 typ host"}`)
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
	registry *presence.Registry
	notifier *recordingNotifier
	machine  *signaling.Machine
}

func newFixture(t *testing.T, ringTimeout time.Duration) *fixture {
	log := zap.NewNop().Sugar()
	m := metrics.Discard()
	db := memory.New()
	require.NoError(t, db.UpsertUser(context.Background(), model.Author{ID: "alice", DisplayName: "Alice"}))

	f := &fixture{registry: presence.NewRegistry(), notifier: &recordingNotifier{}}
	f.machine = signaling.New(presence.NewBroadcaster(f.registry, log, m), db, f.notifier, ringTimeout, log, m)
	return f
}

func (f *fixture) attach(userID, channelID string) *presencetest.Channel {
	ch := presencetest.NewChannel(channelID)
	f.registry.Attach(userID, ch)
	return ch
}

func (f *fixture) ring(t *testing.T) {
	require.NoError(t, f.machine.Initiate(context.Background(), "alice", "a1",
		model.CallInitiate{CalleeID: "bob", Kind: model.CallVideo, Offer: offer}))
}

func TestInitiate_Unreachable(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	alice := f.attach("alice", "a1")

	// When alice calls bob who has no channel open
	err := f.machine.Initiate(context.Background(), "alice", "a1",
		model.CallInitiate{CalleeID: "bob", Kind: model.CallVideo, Offer: offer})

	// Then the call is unreachable and no session is kept
	req.ErrorIs(err, apperr.ErrUnreachable)
	req.Zero(f.machine.Len())
	req.Empty(alice.Envelopes())
}

func TestInitiate_RingsEveryCalleeChannel(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	f.attach("alice", "a1")
	bobPhone := f.attach("bob", "b-phone")
	bobLaptop := f.attach("bob", "b-laptop")

	f.ring(t)

	for _, ch := range []*presencetest.Channel{bobPhone, bobLaptop} {
		var incoming model.CallIncoming
		req.NoError(ch.Decode(model.EventCallIncoming, 0, &incoming))
		req.Equal("alice", incoming.CallerID)
		req.Equal("Alice", incoming.CallerName)
		req.Equal(model.CallVideo, incoming.Kind)
		req.JSONEq(string(offer), string(incoming.Offer))
	}
	s, ok := f.machine.Session("bob", "alice")
	req.True(ok)
	req.Equal(signaling.Ringing, s.State)
	req.Equal("a1", s.CallerChannel)
}

func TestInitiate_WhileRinging_IsProtocolError(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	f.attach("alice", "a1")
	bob := f.attach("bob", "b1")
	f.ring(t)

	err := f.machine.Initiate(context.Background(), "alice", "a1",
		model.CallInitiate{CalleeID: "bob", Kind: model.CallAudio, Offer: offer})
	req.ErrorIs(err, apperr.ErrProtocol)

	// And a call in the other direction collides with the same session
	err = f.machine.Initiate(context.Background(), "bob", "b1",
		model.CallInitiate{CalleeID: "alice", Kind: model.CallAudio, Offer: offer})
	req.ErrorIs(err, apperr.ErrProtocol)

	req.Len(bob.Of(model.EventCallIncoming), 1)
	req.Equal(1, f.machine.Len())
}

func TestInitiate_Validation(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	f.attach("alice", "a1")
	f.attach("bob", "b1")

	err := f.machine.Initiate(context.Background(), "alice", "a1", model.CallInitiate{CalleeID: "bob", Kind: "hologram", Offer: offer})
	req.ErrorIs(err, apperr.ErrValidation)
	err = f.machine.Initiate(context.Background(), "alice", "a1", model.CallInitiate{CalleeID: "alice", Kind: model.CallAudio, Offer: offer})
	req.ErrorIs(err, apperr.ErrValidation)
	req.Zero(f.machine.Len())
}

func TestAnswer_WithoutSession_IsStale(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	alice := f.attach("alice", "a1")
	f.attach("bob", "b1")

	err := f.machine.Answer(context.Background(), "bob", "b1", model.CallAnswer{CallerID: "alice", Answer: answer})

	req.ErrorIs(err, apperr.ErrStaleSignal)
	req.True(apperr.Silent(err))
	req.Empty(alice.Envelopes())
	req.Zero(f.machine.Len())
}

func TestAnswer_WhenActive_IsStale(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, 0)
	alice := f.attach("alice", "a1")
	f.attach("bob", "b1")
	f.ring(t)
	req.NoError(f.machine.Answer(ctx, "bob", "b1", model.CallAnswer{CallerID: "alice", Answer: answer}))
	req.NoError(f.machine.Connected(ctx, "alice", model.CallPeer{OtherID: "bob"}))

	err := f.machine.Answer(ctx, "bob", "b1", model.CallAnswer{CallerID: "alice", Answer: answer})

	req.ErrorIs(err, apperr.ErrStaleSignal)
	s, ok := f.machine.Session("alice", "bob")
	req.True(ok)
	req.Equal(signaling.Active, s.State)
	req.Len(alice.Of(model.EventCallAnswered), 1)
}

func TestAnswer_ByCaller_IsStale(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	f.attach("alice", "a1")
	f.attach("bob", "b1")
	f.ring(t)

	err := f.machine.Answer(context.Background(), "alice", "a1", model.CallAnswer{CallerID: "bob", Answer: answer})

	req.ErrorIs(err, apperr.ErrStaleSignal)
	s, _ := f.machine.Session("alice", "bob")
	req.Equal(signaling.Ringing, s.State)
}

func TestConnected_RequiresConnecting(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, 0)
	f.attach("alice", "a1")
	f.attach("bob", "b1")
	f.ring(t)

	req.ErrorIs(f.machine.Connected(ctx, "bob", model.CallPeer{OtherID: "alice"}), apperr.ErrStaleSignal)

	req.NoError(f.machine.Answer(ctx, "bob", "b1", model.CallAnswer{CallerID: "alice", Answer: answer}))
	req.NoError(f.machine.Connected(ctx, "bob", model.CallPeer{OtherID: "alice"}))
	s, _ := f.machine.Session("alice", "bob")
	req.Equal(signaling.Active, s.State)
	req.Equal("b1", s.CalleeChannel)
}

func TestRelayICE_ForwardsWhileLive(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, 0)
	alice := f.attach("alice", "a1")
	bob := f.attach("bob", "b1")
	f.ring(t)

	// candidates may arrive before the answer and are forwarded as they come
	req.NoError(f.machine.RelayICE(ctx, "alice", model.CallICE{ToID: "bob", Candidate: candidate}))
	req.NoError(f.machine.RelayICE(ctx, "alice", model.CallICE{ToID: "bob", Candidate: candidate}))
	req.NoError(f.machine.Answer(ctx, "bob", "b1", model.CallAnswer{CallerID: "alice", Answer: answer}))
	req.NoError(f.machine.RelayICE(ctx, "bob", model.CallICE{ToID: "alice", Candidate: candidate}))

	req.Len(bob.Of(model.EventCallICE), 2)
	var ice model.CallICE
	req.NoError(alice.Decode(model.EventCallICE, 0, &ice))
	req.Equal("bob", ice.FromID)
	req.JSONEq(string(candidate), string(ice.Candidate))
}

func TestRelayICE_FromOutsider_IsStale(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	f.attach("alice", "a1")
	bob := f.attach("bob", "b1")
	f.attach("mallory", "m1")
	f.ring(t)

	err := f.machine.RelayICE(context.Background(), "mallory", model.CallICE{ToID: "bob", Candidate: candidate})

	req.ErrorIs(err, apperr.ErrStaleSignal)
	req.Empty(bob.Of(model.EventCallICE))
}

func TestScenario_EndThenLateICE(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, 0)
	alice := f.attach("alice", "a1")
	bob := f.attach("bob", "b1")

	// Given alice called bob and bob answered
	f.ring(t)
	req.NoError(f.machine.Answer(ctx, "bob", "b1", model.CallAnswer{CallerID: "alice", Answer: answer}))

	// When alice hangs up
	req.NoError(f.machine.End(ctx, "alice", model.CallPeer{OtherID: "bob"}))

	// Then bob is told and the session is gone
	var ended model.CallEnded
	req.NoError(bob.Decode(model.EventCallEnded, 0, &ended))
	req.Equal("alice", ended.OtherID)
	req.Equal(signaling.ReasonHangup, ended.Reason)
	req.Zero(f.machine.Len())

	// And a late candidate is dropped as stale without reaching either side
	bob.Reset()
	alice.Reset()
	err := f.machine.RelayICE(ctx, "alice", model.CallICE{ToID: "bob", Candidate: candidate})
	req.ErrorIs(err, apperr.ErrStaleSignal)
	req.True(apperr.Silent(err))
	req.Empty(bob.Envelopes())
	req.Empty(alice.Envelopes())

	// And an answered call is not a missed call
	req.Empty(f.notifier.all())
}

func TestEnd_Unknown_IsNotFound(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)

	err := f.machine.End(context.Background(), "alice", model.CallPeer{OtherID: "bob"})

	req.ErrorIs(err, apperr.ErrNotFound)
}

func TestEnd_CallerHangsUpWhileRinging_MissedCall(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	f.attach("alice", "a1")
	bob := f.attach("bob", "b1")
	f.ring(t)

	req.NoError(f.machine.End(context.Background(), "alice", model.CallPeer{OtherID: "bob"}))

	req.Len(bob.Of(model.EventCallEnded), 1)
	events := f.notifier.all()
	req.Len(events, 1)
	req.Equal(model.NotificationCall, events[0].Type)
	req.Equal([]string{"bob"}, events[0].Recipients)
	req.Equal("Missed video call from Alice", events[0].Message)
}

func TestEnd_CalleeDeclines_NoMissedCall(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	alice := f.attach("alice", "a1")
	f.attach("bob", "b1")
	f.ring(t)

	req.NoError(f.machine.End(context.Background(), "bob", model.CallPeer{OtherID: "alice", Reason: signaling.ReasonDeclined}))

	var ended model.CallEnded
	req.NoError(alice.Decode(model.EventCallEnded, 0, &ended))
	req.Equal("declined", ended.Reason)
	req.Empty(f.notifier.all())
}

func TestEnd_ClientCannotClaimServerReasons(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	f.attach("alice", "a1")
	bob := f.attach("bob", "b1")
	f.ring(t)

	// When alice ends the call claiming it timed out
	err := f.machine.End(context.Background(), "alice", model.CallPeer{OtherID: "bob", Reason: signaling.ReasonTimeout})

	// Then it is rejected and the call still rings
	req.ErrorIs(err, apperr.ErrValidation)
	req.Empty(bob.Of(model.EventCallEnded))
	req.NoError(f.machine.End(context.Background(), "alice", model.CallPeer{OtherID: "bob"}))
	req.Len(bob.Of(model.EventCallEnded), 1)
}

func TestChannelClosed_EndsSessionsTiedToChannel(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	f.attach("alice", "a1")
	f.attach("alice", "a2")
	bob := f.attach("bob", "b1")
	f.ring(t)

	// When a device that did not place the call goes away nothing happens
	f.machine.ChannelClosed("alice", "a2", false)
	req.Equal(1, f.machine.Len())

	// When the calling device goes away the call ends
	f.machine.ChannelClosed("alice", "a1", false)
	req.Zero(f.machine.Len())

	var ended model.CallEnded
	req.NoError(bob.Decode(model.EventCallEnded, 0, &ended))
	req.Equal(signaling.ReasonDisconnect, ended.Reason)
	req.Len(f.notifier.all(), 1)
}

func TestChannelClosed_LastChannelEndsEverySession(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 0)
	alice := f.attach("alice", "a1")
	f.attach("bob", "b1")
	f.ring(t)

	// bob never answered, so no channel of his is tied to the call, but he is now offline
	f.machine.ChannelClosed("bob", "b1", true)

	req.Zero(f.machine.Len())
	var ended model.CallEnded
	req.NoError(alice.Decode(model.EventCallEnded, 0, &ended))
	req.Equal("bob", ended.OtherID)
	req.Equal(signaling.ReasonDisconnect, ended.Reason)
}

func TestRingTimeout(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 20*time.Millisecond)
	alice := f.attach("alice", "a1")
	bob := f.attach("bob", "b1")
	f.ring(t)

	req.Eventually(func() bool { return f.machine.Len() == 0 }, time.Second, 5*time.Millisecond)
	req.Eventually(func() bool { return len(f.notifier.all()) == 1 }, time.Second, 5*time.Millisecond)

	for _, ch := range []*presencetest.Channel{alice, bob} {
		var ended model.CallEnded
		req.NoError(ch.Decode(model.EventCallEnded, 0, &ended))
		req.Equal(signaling.ReasonTimeout, ended.Reason)
	}
}

func TestRingTimeout_StoppedByAnswer(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, 30*time.Millisecond)
	f.attach("alice", "a1")
	f.attach("bob", "b1")
	f.ring(t)

	req.NoError(f.machine.Answer(context.Background(), "bob", "b1", model.CallAnswer{CallerID: "alice", Answer: answer}))
	time.Sleep(60 * time.Millisecond)

	s, ok := f.machine.Session("alice", "bob")
	req.True(ok)
	req.Equal(signaling.Connecting, s.State)
}
