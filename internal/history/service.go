// Package history answers pull-based queries for conversation history and
// notification backlogs. Recovery after an outage is pull-only: the server
// never replays missed pushes itself.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/samber/lo"

	"github.com/beaconlabs/beacon/internal/message"
	"github.com/beaconlabs/beacon/internal/notification"
	"github.com/beaconlabs/beacon/internal/presence"
	"github.com/beaconlabs/beacon/internal/ratelimit"
	"github.com/beaconlabs/beacon/internal/user"
)

// EventReadReceipt names the push sent to a message's original sender when
// the other party reads it.
const EventReadReceipt = "read_receipt"

const (
	unreadNotificationCap = 50
	recentNotificationCap = 30
)

var (
	// ErrRateLimited drops a history query from a client re-requesting in a
	// tight loop.
	ErrRateLimited = errors.New("rate limited")

	ErrInvalidQuery = errors.New("invalid query")
)

// ReadReceipt tells the original sender which message was read and in which
// conversation.
type ReadReceipt struct {
	MessageID        message.ID `json:"message_id"`
	ConversationWith user.ID    `json:"conversation_with"`
}

// Conversation is the derived per-partner view of a user's messages. It is
// computed on demand and never stored.
type Conversation struct {
	PartnerID user.ID           `json:"partner_id"`
	Messages  []message.Message `json:"messages"`
}

type Service struct {
	messages      message.Repository
	notifications notification.Repository
	registry      *presence.Registry
	limiter       *ratelimit.Limiter
	queryLimit    int
	log           *slog.Logger
}

func NewService(messages message.Repository, notifications notification.Repository, registry *presence.Registry, limiter *ratelimit.Limiter, queryLimit int, log *slog.Logger) *Service {
	return &Service{
		messages:      messages,
		notifications: notifications,
		registry:      registry,
		limiter:       limiter,
		queryLimit:    queryLimit,
		log:           log,
	}
}

// FullHistory returns identity's messages grouped by conversation partner,
// each conversation ordered by timestamp ascending.
func (s *Service) FullHistory(ctx context.Context, identity user.ID) ([]Conversation, error) {
	if identity == "" {
		return nil, ErrInvalidQuery
	}
	if !s.limiter.Allow(identity, ratelimit.KindGetHistory, s.queryLimit) {
		return nil, ErrRateLimited
	}

	msgs, err := s.messages.ListForIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	grouped := lo.GroupBy(msgs, func(m message.Message) user.ID {
		if m.SenderID == identity {
			return m.ReceiverID
		}
		return m.SenderID
	})

	partners := lo.Keys(grouped)
	sort.Slice(partners, func(i, j int) bool { return partners[i] < partners[j] })

	conversations := make([]Conversation, 0, len(partners))
	for _, partner := range partners {
		conversations = append(conversations, Conversation{
			PartnerID: partner,
			Messages:  grouped[partner],
		})
	}
	return conversations, nil
}

// Conversation returns the messages between exactly a and b, timestamps
// ascending. Symmetric in its arguments; rate-limited against the caller a.
func (s *Service) Conversation(ctx context.Context, a, b user.ID) ([]message.Message, error) {
	if a == "" || b == "" {
		return nil, ErrInvalidQuery
	}
	if !s.limiter.Allow(a, ratelimit.KindGetHistory, s.queryLimit) {
		return nil, ErrRateLimited
	}

	msgs, err := s.messages.ListConversation(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	return msgs, nil
}

// UnreadNotifications returns identity's unread backlog, newest first,
// bounded to the 50 most recent.
func (s *Service) UnreadNotifications(ctx context.Context, identity user.ID) ([]notification.Notification, error) {
	if identity == "" {
		return nil, ErrInvalidQuery
	}
	if !s.limiter.Allow(identity, ratelimit.KindGetHistory, s.queryLimit) {
		return nil, ErrRateLimited
	}

	items, err := s.notifications.ListUnread(ctx, identity, unreadNotificationCap)
	if err != nil {
		return nil, fmt.Errorf("list unread notifications: %w", err)
	}
	return items, nil
}

// RecentNotifications returns identity's latest notifications regardless of
// read state, newest first, bounded to 30.
func (s *Service) RecentNotifications(ctx context.Context, identity user.ID) ([]notification.Notification, error) {
	if identity == "" {
		return nil, ErrInvalidQuery
	}
	if !s.limiter.Allow(identity, ratelimit.KindGetHistory, s.queryLimit) {
		return nil, ErrRateLimited
	}

	items, err := s.notifications.ListRecent(ctx, identity, recentNotificationCap)
	if err != nil {
		return nil, fmt.Errorf("list recent notifications: %w", err)
	}
	return items, nil
}

// MarkMessageRead flips the message's read flag and, only on the
// false-to-true transition, pushes a read receipt to the original sender if
// they are online. Repeated calls settle on the same state and push nothing
// further.
func (s *Service) MarkMessageRead(ctx context.Context, id message.ID) error {
	if id == "" {
		return ErrInvalidQuery
	}

	changed, err := s.messages.MarkRead(ctx, id)
	if err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	if !changed {
		return nil
	}

	msg, err := s.messages.Get(ctx, id)
	if err != nil {
		s.log.Warn("read receipt skipped", "message", id, "err", err)
		return nil
	}
	if conn, ok := s.registry.Lookup(msg.SenderID); ok {
		receipt := ReadReceipt{MessageID: msg.ID, ConversationWith: msg.ReceiverID}
		if !conn.Deliver(EventReadReceipt, receipt) {
			s.log.Warn("read receipt dropped", "message", id, "sender", msg.SenderID)
		}
	}
	return nil
}
