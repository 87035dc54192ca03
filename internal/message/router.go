package message

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/beaconlabs/beacon/internal/presence"
	"github.com/beaconlabs/beacon/internal/ratelimit"
	"github.com/beaconlabs/beacon/internal/user"
)

// EventPushed carries a persisted Message to the receiver (if online) and is
// always echoed to the sender as the delivery confirmation.
const EventPushed = "message_pushed"

const previewLimit = 80

// Notifier raises the message-type notification for a delivered chat
// message. Implemented by the notification dispatcher.
type Notifier interface {
	MessageReceived(ctx context.Context, sender user.ID, senderName string, recipient user.ID, preview string)
}

// Limits are the window allowances applied by the router.
type Limits struct {
	// SendMessage caps sends per sender per window.
	SendMessage int

	// MessageNotif caps message-type notifications per (sender, receiver)
	// pair per window; deliberately much smaller than SendMessage.
	MessageNotif int
}

// Router validates, persists, and pushes point-to-point chat messages.
// Persistence is the durability boundary; pushes are best-effort on top.
type Router struct {
	repo     Repository
	registry *presence.Registry
	limiter  *ratelimit.Limiter
	notifier Notifier
	limits   Limits
	log      *slog.Logger
	idGen    func() ID
	now      func() time.Time
}

func NewRouter(repo Repository, registry *presence.Registry, limiter *ratelimit.Limiter, notifier Notifier, limits Limits, log *slog.Logger) *Router {
	return &Router{
		repo:     repo,
		registry: registry,
		limiter:  limiter,
		notifier: notifier,
		limits:   limits,
		log:      log,
		idGen: func() ID {
			return ID(uuid.NewString())
		},
		now: time.Now,
	}
}

// SendInput is one inbound send. ClientID and ClientTime are optional:
// offline-composed messages keep their client-assigned identity and clock at
// the cost of server-monotonic ordering.
type SendInput struct {
	SenderID   user.ID
	SenderName string
	ReceiverID user.ID
	Text       string
	ClientID   ID
	ClientTime time.Time
}

// Send runs the full pipeline: validate, rate-limit, persist, push to the
// receiver when online, echo to the sender, and raise the message
// notification behind its own suppression bucket. Delivery to an offline
// receiver is not an error; they recover it later by pulling history.
func (r *Router) Send(ctx context.Context, in SendInput) (Message, error) {
	if in.SenderID == "" || in.ReceiverID == "" || strings.TrimSpace(in.Text) == "" {
		return Message{}, ErrInvalidMessage
	}
	if !r.limiter.Allow(in.SenderID, ratelimit.KindSendMessage, r.limits.SendMessage) {
		r.log.Debug("send dropped by rate limit", "sender", in.SenderID)
		return Message{}, ErrRateLimited
	}

	msg := Message{
		ID:         in.ClientID,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Text:       in.Text,
		SentAt:     in.ClientTime,
	}
	if msg.ID == "" {
		msg.ID = r.idGen()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = r.now().UTC()
	}

	if err := r.repo.Save(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("store message: %w", err)
	}

	if conn, ok := r.registry.Lookup(msg.ReceiverID); ok && msg.ReceiverID != msg.SenderID {
		if !conn.Deliver(EventPushed, msg) {
			r.log.Warn("message push dropped", "message", msg.ID, "receiver", msg.ReceiverID)
		}
	}
	if conn, ok := r.registry.Lookup(msg.SenderID); ok {
		if !conn.Deliver(EventPushed, msg) {
			r.log.Warn("message echo dropped", "message", msg.ID, "sender", msg.SenderID)
		}
	}

	if r.notifier != nil && msg.ReceiverID != msg.SenderID {
		if r.limiter.Allow(msg.SenderID, ratelimit.MessageNotif(msg.ReceiverID), r.limits.MessageNotif) {
			r.notifier.MessageReceived(ctx, msg.SenderID, in.SenderName, msg.ReceiverID, preview(msg.Text))
		}
	}

	return msg, nil
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit])
}
