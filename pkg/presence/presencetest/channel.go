// Package presencetest provides an in-memory channel that records pushed frames.
package presencetest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/mahaj/campus-realtime/pkg/model"
)

var ErrClosed = errors.New("channel closed")

type Channel struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func NewChannel(id string) *Channel {
	return &Channel{id: id}
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.frames = append(c.frames, frame)
	return nil
}

// Close makes every later Send fail, like a socket that went away mid-push.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Channel) Envelopes() []model.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env model.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// Of returns the envelopes of one event type in arrival order.
func (c *Channel) Of(t model.EventType) []model.Envelope {
	var out []model.Envelope
	for _, env := range c.Envelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Decode unmarshals the data of the i-th envelope of type t into v.
func (c *Channel) Decode(t model.EventType, i int, v any) error {
	envs := c.Of(t)
	if i >= len(envs) {
		return errors.New("no such envelope")
	}
	return json.Unmarshal(envs[i].Data, v)
}

func (c *Channel) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}
