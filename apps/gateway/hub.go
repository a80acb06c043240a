package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/apperr"
	"github.com/mahaj/campus-realtime/pkg/metrics"
	"github.com/mahaj/campus-realtime/pkg/model"
	"github.com/mahaj/campus-realtime/pkg/presence"
	"github.com/mahaj/campus-realtime/pkg/relay"
	"github.com/mahaj/campus-realtime/pkg/signaling"
	"github.com/mahaj/campus-realtime/pkg/store"
)

// Mirror receives presence changes for other services. Failures are logged only.
type Mirror interface {
	Attached(ctx context.Context, userID, channelID string) error
	Detached(ctx context.Context, userID, channelID string) error
}

// Hub routes inbound frames from admitted channels to the relay and the call machine.
type Hub struct {
	registry *presence.Registry
	relay    *relay.Relay
	calls    *signaling.Machine
	users    store.UserDirectory
	mirror   Mirror
	timeout  time.Duration
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
}

func NewHub(registry *presence.Registry, r *relay.Relay, calls *signaling.Machine, users store.UserDirectory,
	mirror Mirror, timeout time.Duration, log *zap.SugaredLogger, m *metrics.Metrics) *Hub {
	return &Hub{
		registry: registry,
		relay:    r,
		calls:    calls,
		users:    users,
		mirror:   mirror,
		timeout:  timeout,
		log:      log,
		metrics:  m,
	}
}

// Dispatch handles one inbound frame. Errors go back to the originating channel only.
func (h *Hub) Dispatch(ctx context.Context, c *Client, raw []byte) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.reject(c, "", fmt.Errorf("%w: malformed frame", apperr.ErrValidation))
		return
	}
	if env.Type != model.EventJoinPresence && !c.isJoined() {
		h.reject(c, env.Type, fmt.Errorf("%w: send join-presence first", apperr.ErrForbidden))
		return
	}
	if err := h.handle(ctx, c, env); err != nil {
		h.reject(c, env.Type, err)
	}
}

func (h *Hub) handle(ctx context.Context, c *Client, env model.Envelope) error {
	userID := c.UserID()

	switch env.Type {
	case model.EventJoinPresence:
		var in model.JoinPresence
		if err := decode(env.Data, &in); err != nil {
			return err
		}
		return h.join(ctx, c, in)

	case model.EventSubmitMessage:
		var sub model.Submission
		if err := decode(env.Data, &sub); err != nil {
			return err
		}
		if sub.SenderID == "" {
			sub.SenderID = userID
		}
		if sub.SenderID != userID {
			return fmt.Errorf("%w: cannot send as %s", apperr.ErrForbidden, sub.SenderID)
		}
		_, err := h.relay.Submit(ctx, sub)
		return err

	case model.EventEditMessage:
		var in model.EditMessage
		if err := decode(env.Data, &in); err != nil {
			return err
		}
		_, err := h.relay.Edit(ctx, in.MessageID, userID, in.Content)
		return err

	case model.EventDeleteMessage:
		var in model.DeleteMessage
		if err := decode(env.Data, &in); err != nil {
			return err
		}
		return h.relay.Delete(ctx, in.MessageID, userID)

	case model.EventCallInitiate:
		var in model.CallInitiate
		if err := decode(env.Data, &in); err != nil {
			return err
		}
		return h.calls.Initiate(ctx, userID, c.ID(), in)

	case model.EventCallAnswer:
		var in model.CallAnswer
		if err := decode(env.Data, &in); err != nil {
			return err
		}
		return h.calls.Answer(ctx, userID, c.ID(), in)

	case model.EventCallConnected:
		var in model.CallPeer
		if err := decode(env.Data, &in); err != nil {
			return err
		}
		return h.calls.Connected(ctx, userID, in)

	case model.EventCallICE:
		var in model.CallICE
		if err := decode(env.Data, &in); err != nil {
			return err
		}
		return h.calls.RelayICE(ctx, userID, in)

	case model.EventCallEnd:
		var in model.CallPeer
		if err := decode(env.Data, &in); err != nil {
			return err
		}
		return h.calls.End(ctx, userID, in)
	}
	return fmt.Errorf("%w: unknown event %q", apperr.ErrProtocol, env.Type)
}

// join attaches the channel under its authenticated user. A channel cannot claim someone else.
func (h *Hub) join(ctx context.Context, c *Client, in model.JoinPresence) error {
	if err := model.Validate(in); err != nil {
		return err
	}
	if in.UserID != c.UserID() {
		return fmt.Errorf("%w: token does not belong to %s", apperr.ErrForbidden, in.UserID)
	}

	c.markJoined()
	h.registry.Attach(c.UserID(), c)
	h.metrics.Channels.Set(float64(h.registry.Len()))

	author := model.Author{ID: c.UserID(), DisplayName: c.claims.DisplayName, AvatarURL: c.claims.AvatarURL}
	if author.DisplayName == "" {
		author.DisplayName = author.ID
	}
	if err := h.users.UpsertUser(ctx, author); err != nil {
		h.log.Warnw("directory upsert failed", "user", author.ID, "error", err)
	}
	if h.mirror != nil {
		if err := h.mirror.Attached(ctx, c.UserID(), c.ID()); err != nil {
			h.log.Warnw("presence mirror attach failed", "user", c.UserID(), "error", err)
		}
	}
	h.log.Infow("channel joined", "user", c.UserID(), "channel", c.ID())

	h.reply(c, model.EventPresenceJoined, model.PresenceJoined{UserID: c.UserID(), ChannelID: c.ID()})
	return nil
}

// Detach removes a closing channel and ends the calls it was carrying.
func (h *Hub) Detach(c *Client) {
	userID, offline := h.registry.Detach(c)
	if userID == "" {
		return
	}
	h.metrics.Channels.Set(float64(h.registry.Len()))
	h.calls.ChannelClosed(userID, c.ID(), offline)

	if h.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.mirror.Detached(ctx, userID, c.ID()); err != nil {
			h.log.Warnw("presence mirror detach failed", "user", userID, "error", err)
		}
	}
	h.log.Infow("channel left", "user", userID, "channel", c.ID(), "offline", offline)
}

// RateLimited tells the channel its frame was dropped.
func (h *Hub) RateLimited(c *Client) {
	h.reply(c, model.EventError, model.ErrorEvent{Code: "rate_limited", Message: "too many frames"})
}

func (h *Hub) reject(c *Client, ref model.EventType, err error) {
	if apperr.Silent(err) {
		h.log.Debugw("signal dropped", "user", c.UserID(), "event", ref, "error", err)
		return
	}
	code := apperr.Code(err)
	message := err.Error()
	if code == "internal" {
		h.log.Errorw("event failed", "user", c.UserID(), "event", ref, "error", err)
		message = "internal error"
	} else {
		h.log.Infow("event rejected", "user", c.UserID(), "event", ref, "code", code, "error", err)
	}
	h.reply(c, model.EventError, model.ErrorEvent{Code: code, Message: message, Ref: ref})
}

func (h *Hub) reply(c *Client, t model.EventType, data any) {
	frame, err := model.Encode(t, data)
	if err != nil {
		h.log.Errorw("encode frame", "type", t, "error", err)
		return
	}
	if err := c.Send(frame); err != nil {
		h.log.Debugw("reply dropped", "channel", c.ID(), "error", err)
	}
}

func decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	return nil
}
