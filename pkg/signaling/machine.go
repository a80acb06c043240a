// Package signaling relays the offer/answer/ICE handshake between two users and
// keeps the authoritative table of calls in flight. Media never passes through here.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/apperr"
	"github.com/mahaj/campus-realtime/pkg/metrics"
	"github.com/mahaj/campus-realtime/pkg/model"
	"github.com/mahaj/campus-realtime/pkg/notify"
	"github.com/mahaj/campus-realtime/pkg/presence"
	"github.com/mahaj/campus-realtime/pkg/store"
)

type State int

const (
	Idle State = iota
	Ringing
	Connecting
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ringing:
		return "ringing"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reasons carried by call-ended.
const (
	ReasonHangup     = "hangup"
	ReasonDeclined   = "declined"
	ReasonDisconnect = "disconnect"
	ReasonTimeout    = "timeout"
)

// Session is one call attempt. It is never persisted.
type Session struct {
	CallerID      string
	CalleeID      string
	Kind          model.CallKind
	Offer         json.RawMessage
	Answer        json.RawMessage
	State         State
	CallerChannel string
	CalleeChannel string
	StartedAt     time.Time

	timer *time.Timer
}

// Other returns the party that is not userID.
func (s *Session) Other(userID string) string {
	if s.CallerID == userID {
		return s.CalleeID
	}
	return s.CallerID
}

func (s *Session) party(userID string) bool {
	return s.CallerID == userID || s.CalleeID == userID
}

// pair is unordered so a call from A to B and one from B to A share a slot.
type pair struct{ lo, hi string }

func pairOf(a, b string) pair {
	if a > b {
		a, b = b, a
	}
	return pair{lo: a, hi: b}
}

// ending is a session that left the table and still has to be announced.
type ending struct {
	session Session
	reason  string
	by      string
	toBoth  bool
	ringing bool
}

type Machine struct {
	mu       sync.Mutex
	sessions map[pair]*Session

	audience    presence.Audience
	users       store.UserDirectory
	notifier    notify.Notifier
	ringTimeout time.Duration
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// New builds a machine. A zero ringTimeout leaves ringing calls up until someone ends them.
func New(audience presence.Audience, users store.UserDirectory, notifier notify.Notifier,
	ringTimeout time.Duration, log *zap.SugaredLogger, m *metrics.Metrics) *Machine {
	return &Machine{
		sessions:    make(map[pair]*Session),
		audience:    audience,
		users:       users,
		notifier:    notifier,
		ringTimeout: ringTimeout,
		log:         log,
		metrics:     m,
		now:         time.Now,
	}
}

// Initiate opens a session and rings every channel of the callee.
func (m *Machine) Initiate(ctx context.Context, callerID, channelID string, in model.CallInitiate) (err error) {
	defer m.observe("initiate", &err)

	if err := model.Validate(in); err != nil {
		return err
	}
	if in.CalleeID == callerID {
		return fmt.Errorf("%w: cannot call yourself", apperr.ErrValidation)
	}
	if !m.audience.Online(in.CalleeID) {
		return fmt.Errorf("call %s: %w", in.CalleeID, apperr.ErrUnreachable)
	}

	key := pairOf(callerID, in.CalleeID)
	s := &Session{
		CallerID:      callerID,
		CalleeID:      in.CalleeID,
		Kind:          in.Kind,
		Offer:         in.Offer,
		State:         Ringing,
		CallerChannel: channelID,
		StartedAt:     m.now(),
	}

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return fmt.Errorf("call with %s already %s: %w", in.CalleeID, existing.State, apperr.ErrProtocol)
	}
	m.sessions[key] = s
	if m.ringTimeout > 0 {
		s.timer = time.AfterFunc(m.ringTimeout, func() { m.expire(key, s) })
	}
	m.mu.Unlock()
	m.metrics.CallSessions.Inc()

	caller := store.ResolveAuthor(ctx, m.users, callerID)
	rang := m.send(model.EventCallIncoming, model.CallIncoming{
		CallerID:   callerID,
		CallerName: caller.DisplayName,
		Kind:       in.Kind,
		Offer:      in.Offer,
	}, in.CalleeID)
	if rang == 0 {
		// callee went away between the presence check and the push
		m.mu.Lock()
		if m.sessions[key] == s {
			m.removeLocked(key, s)
		}
		m.mu.Unlock()
		return fmt.Errorf("call %s: %w", in.CalleeID, apperr.ErrUnreachable)
	}

	m.log.Infow("call ringing", "caller", callerID, "callee", in.CalleeID, "kind", in.Kind, "channels", rang)
	return nil
}

// Answer accepts a ringing call. Anything but Ringing is a stale signal.
func (m *Machine) Answer(_ context.Context, calleeID, channelID string, in model.CallAnswer) (err error) {
	defer m.observe("answer", &err)

	if err := model.Validate(in); err != nil {
		return err
	}

	m.mu.Lock()
	s, ok := m.sessions[pairOf(calleeID, in.CallerID)]
	if !ok || s.CalleeID != calleeID || s.State != Ringing {
		m.mu.Unlock()
		return fmt.Errorf("answer from %s: %w", calleeID, apperr.ErrStaleSignal)
	}
	s.State = Connecting
	s.Answer = in.Answer
	s.CalleeChannel = channelID
	if s.timer != nil {
		s.timer.Stop()
	}
	m.mu.Unlock()

	m.send(model.EventCallAnswered, model.CallAnswered{CalleeID: calleeID, Answer: in.Answer}, in.CallerID)
	return nil
}

// Connected marks the media path up. Either party may report it once the call is Connecting.
func (m *Machine) Connected(_ context.Context, userID string, in model.CallPeer) (err error) {
	defer m.observe("connected", &err)

	if err := model.Validate(in); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[pairOf(userID, in.OtherID)]
	if !ok || !s.party(userID) || s.State != Connecting {
		return fmt.Errorf("connected from %s: %w", userID, apperr.ErrStaleSignal)
	}
	s.State = Active
	return nil
}

// RelayICE forwards a candidate to every channel of the other party. Candidates are
// not deduplicated or reordered.
func (m *Machine) RelayICE(_ context.Context, fromID string, in model.CallICE) (err error) {
	defer m.observe("ice", &err)

	if err := model.Validate(in); err != nil {
		return err
	}
	if in.ToID == "" {
		return fmt.Errorf("%w: toId: required", apperr.ErrValidation)
	}

	m.mu.Lock()
	s, ok := m.sessions[pairOf(fromID, in.ToID)]
	live := ok && s.party(fromID) && (s.State == Ringing || s.State == Connecting || s.State == Active)
	m.mu.Unlock()
	if !live {
		return fmt.Errorf("ice from %s to %s: %w", fromID, in.ToID, apperr.ErrStaleSignal)
	}

	m.send(model.EventCallICE, model.CallICE{FromID: fromID, Candidate: in.Candidate}, in.ToID)
	return nil
}

// End terminates the session between byID and in.OtherID and tells the other party.
func (m *Machine) End(_ context.Context, byID string, in model.CallPeer) (err error) {
	defer m.observe("end", &err)

	if err := model.Validate(in); err != nil {
		return err
	}

	key := pairOf(byID, in.OtherID)
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok || !s.party(byID) {
		m.mu.Unlock()
		return fmt.Errorf("no call between %s and %s: %w", byID, in.OtherID, apperr.ErrNotFound)
	}
	reason := in.Reason
	if reason == "" {
		reason = ReasonHangup
	}
	e := m.endLocked(key, s, reason, byID, false)
	m.mu.Unlock()

	m.announce(e)
	return nil
}

// ChannelClosed ends every session that was driven from channelID. When offline is
// true the user has no channels left and every session they are party to ends.
func (m *Machine) ChannelClosed(userID, channelID string, offline bool) {
	m.mu.Lock()
	var endings []ending
	for key, s := range m.sessions {
		if !s.party(userID) {
			continue
		}
		tied := (s.CallerID == userID && s.CallerChannel == channelID) ||
			(s.CalleeID == userID && s.CalleeChannel == channelID)
		if tied || offline {
			endings = append(endings, m.endLocked(key, s, ReasonDisconnect, userID, false))
		}
	}
	m.mu.Unlock()

	for _, e := range endings {
		m.metrics.Signals.WithLabelValues("disconnect", "ok").Inc()
		m.announce(e)
	}
}

func (m *Machine) expire(key pair, s *Session) {
	m.mu.Lock()
	if m.sessions[key] != s || s.State != Ringing {
		m.mu.Unlock()
		return
	}
	e := m.endLocked(key, s, ReasonTimeout, "", true)
	m.mu.Unlock()

	m.metrics.Signals.WithLabelValues("timeout", "ok").Inc()
	m.announce(e)
}

// Session returns a copy of the live session between a and b.
func (m *Machine) Session(a, b string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[pairOf(a, b)]
	if !ok {
		return Session{}, false
	}
	out := *s
	out.timer = nil
	return out, true
}

func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Machine) endLocked(key pair, s *Session, reason, by string, toBoth bool) ending {
	wasRinging := s.State == Ringing
	s.State = Ended
	m.removeLocked(key, s)
	return ending{session: *s, reason: reason, by: by, toBoth: toBoth, ringing: wasRinging}
}

func (m *Machine) removeLocked(key pair, s *Session) {
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(m.sessions, key)
	m.metrics.CallSessions.Dec()
}

// announce pushes call-ended and, for calls that were never picked up, the missed-call notification.
func (m *Machine) announce(e ending) {
	s := e.session
	if e.toBoth {
		m.send(model.EventCallEnded, model.CallEnded{OtherID: s.CalleeID, Reason: e.reason}, s.CallerID)
		m.send(model.EventCallEnded, model.CallEnded{OtherID: s.CallerID, Reason: e.reason}, s.CalleeID)
	} else {
		m.send(model.EventCallEnded, model.CallEnded{OtherID: e.by, Reason: e.reason}, s.Other(e.by))
	}
	m.log.Infow("call ended", "caller", s.CallerID, "callee", s.CalleeID, "reason", e.reason,
		"duration", m.now().Sub(s.StartedAt).Round(time.Millisecond))

	// a callee who declines has not missed anything
	if !e.ringing || e.by == s.CalleeID {
		return
	}
	ctx := context.Background()
	caller := store.ResolveAuthor(ctx, m.users, s.CallerID)
	if err := m.notifier.Enqueue(ctx, notify.MissedCallEvent(s.CallerID, caller.DisplayName, s.CalleeID, s.Kind)); err != nil {
		m.log.Warnw("missed call notification not queued", "callee", s.CalleeID, "error", err)
	}
}

func (m *Machine) send(t model.EventType, data any, userID string) int {
	frame, err := model.Encode(t, data)
	if err != nil {
		m.log.Errorw("encode frame", "type", t, "error", err)
		return 0
	}
	return m.audience.ToUsers(frame, userID)
}

func (m *Machine) observe(signal string, err *error) {
	result := "ok"
	if *err != nil {
		result = apperr.Code(*err)
		if apperr.Silent(*err) {
			m.log.Debugw("stale signal dropped", "signal", signal, "error", *err)
		}
	}
	m.metrics.Signals.WithLabelValues(signal, result).Inc()
}
