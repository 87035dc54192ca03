package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/beaconlabs/beacon/internal/user"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Client couples one live WebSocket to its registration state. It
// implements presence.Conn: Deliver never blocks and Supersede only
// notifies, the peer closes itself.
type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	closeOnce sync.Once

	mu          sync.Mutex
	identity    user.ID
	displayName string
	registered  bool
	superseded  bool
}

// Deliver queues one event for the peer. Returns false when the outbound
// buffer is full or the connection is gone; the event is dropped either way.
func (c *Client) Deliver(event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	frame, err := json.Marshal(Envelope{Type: event, Data: data})
	if err != nil {
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Supersede marks the session replaced and tells the peer. The server does
// not forcibly close the transport; the peer is expected to.
func (c *Client) Supersede() {
	c.mu.Lock()
	c.superseded = true
	c.mu.Unlock()
	c.Deliver(EventSessionSuperseded, struct{}{})
}

func (c *Client) session() (user.ID, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.displayName, c.registered
}

// setRegistered installs the identity exactly once per connection lifetime.
// A second attempt reports false and leaves the mapping untouched.
func (c *Client) setRegistered(identity user.ID, displayName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return false
	}
	c.identity = identity
	c.displayName = displayName
	c.registered = true
	return true
}

func (c *Client) readLoop() {
	defer c.hub.drop(c)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		c.hub.dispatch(c, data)
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.hub.drop(c)
				return
			}
		}
	}
}

func (c *Client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		// send stays open; writeLoop exits via ctx and concurrent Deliver
		// calls must never hit a closed channel.
		c.cancel()
		_ = c.conn.Close(status, reason)
	})
}

func (c *Client) sendError(code, message string) {
	c.Deliver(EventError, errorEvent{Code: code, Message: message})
}
