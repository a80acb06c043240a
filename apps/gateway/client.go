package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mahaj/campus-realtime/pkg/auth"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	errClosed       = errors.New("channel closed")
	errSlowConsumer = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the token, not the origin, admits a channel
	},
}

type clientOptions struct {
	maxMessageBytes int64
	sendBuffer      int
	ratePerSecond   float64
	rateBurst       int
}

// Client is one admitted websocket connection. It becomes a presence channel
// once it sends join-presence.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	claims *auth.Claims

	id      string
	limiter *rate.Limiter

	// Buffered channel of outbound frames.
	send chan []byte

	mu     sync.Mutex
	closed bool
	joined bool
}

func (c *Client) ID() string { return c.id }

func (c *Client) UserID() string { return c.claims.UserID }

// Send queues a frame without blocking. A full buffer drops the frame for this channel only.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSlowConsumer
	}
}

func (c *Client) markJoined() {
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
}

func (c *Client) isJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps frames from the websocket connection to the hub.
func (c *Client) readPump(maxMessageBytes int64) {
	defer func() {
		c.hub.Detach(c)
		c.close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Infow("channel read failed", "channel", c.id, "user", c.UserID(), "error", err)
			}
			break
		}
		if !c.limiter.Allow() {
			c.hub.RateLimited(c)
			continue
		}
		c.hub.Dispatch(context.Background(), c, message)
	}
}

// writePump pumps frames from the hub to the websocket connection, one frame per message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWs admits a websocket request carrying a valid token.
func serveWs(hub *Hub, signer *auth.Signer, opts clientOptions, w http.ResponseWriter, r *http.Request) {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		// browsers cannot set headers on a websocket handshake
		tokenString = r.URL.Query().Get("token")
	}
	if tokenString == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	claims, err := signer.ValidateToken(auth.BearerToken(tokenString))
	if err != nil {
		hub.log.Infow("channel refused", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &Client{
		hub:     hub,
		conn:    conn,
		claims:  claims,
		id:      uuid.NewString(),
		limiter: rate.NewLimiter(rate.Limit(opts.ratePerSecond), opts.rateBurst),
		send:    make(chan []byte, opts.sendBuffer),
	}
	hub.log.Debugw("channel admitted", "channel", client.id, "user", claims.UserID)

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump(opts.maxMessageBytes)
}
