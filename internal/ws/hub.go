// Package ws exposes the real-time coordination layer over one duplex
// WebSocket per client. Each connection runs its own read/write loops; all
// shared state lives behind the registry, limiter, and typing tracker.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"nhooyr.io/websocket"

	"github.com/beaconlabs/beacon/internal/history"
	"github.com/beaconlabs/beacon/internal/message"
	"github.com/beaconlabs/beacon/internal/notification"
	"github.com/beaconlabs/beacon/internal/presence"
	"github.com/beaconlabs/beacon/internal/ratelimit"
	"github.com/beaconlabs/beacon/internal/user"
)

// Limits are the per-window allowances enforced at the event surface.
type Limits struct {
	Typing int
}

type Hub struct {
	registry    *presence.Registry
	broadcaster *presence.Broadcaster
	typing      *presence.TypingTracker
	limiter     *ratelimit.Limiter
	router      *message.Router
	dispatcher  *notification.Dispatcher
	history     *history.Service
	limits      Limits
	log         *slog.Logger
	validate    *validator.Validate

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(registry *presence.Registry, broadcaster *presence.Broadcaster, typing *presence.TypingTracker, limiter *ratelimit.Limiter, router *message.Router, dispatcher *notification.Dispatcher, historyService *history.Service, limits Limits, log *slog.Logger) *Hub {
	return &Hub{
		registry:    registry,
		broadcaster: broadcaster,
		typing:      typing,
		limiter:     limiter,
		router:      router,
		dispatcher:  dispatcher,
		history:     historyService,
		limits:      limits,
		log:         log,
		validate:    validator.New(),
		clients:     make(map[*Client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes every live connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		h.teardown(c)
		c.close(websocket.StatusGoingAway, "server shutdown")
	}
}

// ClientCount reports the number of attached connections, registered or not.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := &Client{
		conn:   conn,
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go client.writeLoop()
	client.readLoop()
}

// drop detaches a dead connection: at most one presence transition per
// connection regardless of how many loops report the failure.
func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	_, attached := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !attached {
		return
	}

	h.teardown(c)
	c.close(websocket.StatusNormalClosure, "bye")
}

// teardown releases the registry entry and relays typing-stopped to anyone
// still watching an indicator from this identity.
func (h *Hub) teardown(c *Client) {
	identity, _, registered := c.session()
	if !registered {
		return
	}
	if removed := h.registry.Unregister(identity, c); removed {
		h.broadcaster.Unregistered(context.Background(), identity)
		for _, recipient := range h.typing.ClearSender(identity) {
			if conn, ok := h.registry.Lookup(recipient); ok {
				conn.Deliver(presence.EventTyping, presence.TypingStatus{SenderID: identity, RecipientID: recipient, IsTyping: false})
			}
		}
	}
}

func (h *Hub) dispatch(c *Client, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.sendError(codeInvalidInput, "malformed frame")
		return
	}

	switch env.Type {
	case eventRegister:
		h.handleRegister(c, env.Data)
	case eventSendMessage:
		h.handleSendMessage(c, env.Data)
	case eventGetHistory:
		h.handleGetHistory(c, env.Data)
	case eventMarkMessageRead:
		h.handleMarkMessageRead(c, env.Data)
	case eventSendNotification:
		h.handleSendNotification(c, env.Data)
	case eventTyping:
		h.handleTyping(c, env.Data)
	case eventHeartbeat:
		c.Deliver(EventHeartbeatAck, struct{}{})
	default:
		c.sendError(codeUnsupported, "unsupported event type")
	}
}

// decode unmarshals and validates one inbound payload. A failure is
// reported to the peer before any side effect.
func (h *Hub) decode(c *Client, data []byte, payload any) bool {
	if err := json.Unmarshal(data, payload); err != nil {
		c.sendError(codeInvalidInput, "malformed payload")
		return false
	}
	if err := h.validate.Struct(payload); err != nil {
		c.sendError(codeInvalidInput, "missing or invalid fields")
		return false
	}
	return true
}

func (h *Hub) handleRegister(c *Client, data []byte) {
	var payload registerPayload
	if !h.decode(c, data, &payload) {
		return
	}

	identity := user.ID(payload.Identity)
	if !c.setRegistered(identity, payload.DisplayName) {
		// One registration per connection lifetime; re-identifying
		// requires a reconnect.
		h.log.Warn("duplicate register ignored", "identity", identity)
		c.sendError(codeAlreadyRegistered, "connection already registered")
		return
	}

	h.registry.Register(identity, c)
	h.broadcaster.Registered(context.Background(), identity, c)

	// A write failure can drop this connection while the registration is
	// still in flight; that teardown ran before the registry entry existed
	// and removed nothing. Undo the registration here so a dead connection
	// never stays online.
	h.mu.Lock()
	_, attached := h.clients[c]
	h.mu.Unlock()
	if !attached {
		h.teardown(c)
		return
	}
	h.log.Info("client registered", "identity", identity)
}

func (h *Hub) handleSendMessage(c *Client, data []byte) {
	var payload sendMessagePayload
	if !h.decode(c, data, &payload) {
		return
	}

	_, displayName, _ := c.session()
	in := message.SendInput{
		SenderID:   user.ID(payload.SenderID),
		SenderName: displayName,
		ReceiverID: user.ID(payload.ReceiverID),
		Text:       payload.Text,
		ClientID:   message.ID(payload.ID),
	}
	if payload.SentAt != nil {
		in.ClientTime = *payload.SentAt
	}

	msg, err := h.router.Send(c.ctx, in)
	if err != nil {
		c.Deliver(EventSendAck, sendAck{Success: false, Error: sendErrorCode(err)})
		return
	}
	c.Deliver(EventSendAck, sendAck{Success: true, MessageID: string(msg.ID)})
}

func sendErrorCode(err error) string {
	switch {
	case errors.Is(err, message.ErrInvalidMessage):
		return codeInvalidInput
	case errors.Is(err, message.ErrRateLimited):
		return codeRateLimited
	default:
		return codeStorageError
	}
}

// historyResult answers a get_history request: grouped conversations for a
// full query, a flat message list for a single-partner query.
type historyResult struct {
	Identity      string                 `json:"identity"`
	PartnerID     string                 `json:"partner_id,omitempty"`
	Conversations []history.Conversation `json:"conversations,omitempty"`
	Messages      []message.Message      `json:"messages,omitempty"`
}

func (h *Hub) handleGetHistory(c *Client, data []byte) {
	var payload getHistoryPayload
	if !h.decode(c, data, &payload) {
		return
	}

	identity := user.ID(payload.Identity)
	result := historyResult{Identity: payload.Identity, PartnerID: payload.PartnerID}

	var err error
	if payload.PartnerID != "" {
		result.Messages, err = h.history.Conversation(c.ctx, identity, user.ID(payload.PartnerID))
	} else {
		result.Conversations, err = h.history.FullHistory(c.ctx, identity)
	}
	if err != nil {
		c.sendError(historyErrorCode(err), "history query failed")
		return
	}
	c.Deliver(EventHistory, result)
}

func historyErrorCode(err error) string {
	switch {
	case errors.Is(err, history.ErrRateLimited):
		return codeRateLimited
	case errors.Is(err, history.ErrInvalidQuery):
		return codeInvalidInput
	default:
		return codeStorageError
	}
}

func (h *Hub) handleMarkMessageRead(c *Client, data []byte) {
	var payload markMessageReadPayload
	if !h.decode(c, data, &payload) {
		return
	}

	if err := h.history.MarkMessageRead(c.ctx, message.ID(payload.MessageID)); err != nil {
		c.Deliver(EventMarkReadAck, markReadAck{Success: false, MessageID: payload.MessageID, Error: historyErrorCode(err)})
		return
	}
	c.Deliver(EventMarkReadAck, markReadAck{Success: true, MessageID: payload.MessageID})
}

func (h *Hub) handleSendNotification(c *Client, data []byte) {
	var payload sendNotificationPayload
	if !h.decode(c, data, &payload) {
		return
	}

	// No ack on this path: self-notifications and rate-limited sends are
	// dropped silently, and storage failures are logged server-side.
	_, err := h.dispatcher.Notify(c.ctx, notification.Notification{
		Type:           notification.Type(payload.Type),
		SenderID:       user.ID(payload.SenderID),
		SenderName:     payload.SenderName,
		RecipientID:    user.ID(payload.RecipientID),
		PostID:         payload.PostID,
		CommentText:    payload.CommentText,
		MessagePreview: payload.MessagePreview,
	})
	if err != nil && !errors.Is(err, notification.ErrSelfNotification) && !errors.Is(err, notification.ErrRateLimited) {
		h.log.Error("notification dispatch failed", "sender", payload.SenderID, "err", err)
	}
}

func (h *Hub) handleTyping(c *Client, data []byte) {
	var payload typingPayload
	if !h.decode(c, data, &payload) {
		return
	}

	sender := user.ID(payload.SenderID)
	recipient := user.ID(payload.RecipientID)
	if !h.limiter.Allow(sender, ratelimit.KindTyping, h.limits.Typing) {
		return
	}

	h.typing.Set(sender, recipient, payload.IsTyping)
	if conn, ok := h.registry.Lookup(recipient); ok {
		conn.Deliver(presence.EventTyping, presence.TypingStatus{SenderID: sender, RecipientID: recipient, IsTyping: payload.IsTyping})
	}
}
