package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/beaconlabs/beacon/internal/presence"
	"github.com/beaconlabs/beacon/internal/ratelimit"
	"github.com/beaconlabs/beacon/internal/user"
)

// EventPushed carries a persisted Notification to the recipient's
// connection when they are online.
const EventPushed = "notification_pushed"

// Dispatcher persists and pushes notifications. Self-notifications are
// suppressed, and each sender's volume is capped per window.
type Dispatcher struct {
	repo      Repository
	registry  *presence.Registry
	limiter   *ratelimit.Limiter
	sendLimit int
	log       *slog.Logger
	idGen     func() ID
	now       func() time.Time
}

func NewDispatcher(repo Repository, registry *presence.Registry, limiter *ratelimit.Limiter, sendLimit int, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		registry:  registry,
		limiter:   limiter,
		sendLimit: sendLimit,
		log:       log,
		idGen: func() ID {
			return ID(uuid.NewString())
		},
		now: time.Now,
	}
}

// Notify assigns identity to n, persists it, and pushes it to the recipient
// if online. An offline recipient discovers it later through the pull-based
// backlog queries.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) (Notification, error) {
	if !n.Type.valid() || n.SenderID == "" || n.RecipientID == "" {
		return Notification{}, ErrInvalidNotification
	}
	if n.SenderID == n.RecipientID {
		return Notification{}, ErrSelfNotification
	}
	if !d.limiter.Allow(n.SenderID, ratelimit.KindSendNotification, d.sendLimit) {
		d.log.Debug("notification dropped by rate limit", "sender", n.SenderID)
		return Notification{}, ErrRateLimited
	}

	n.ID = d.idGen()
	n.Read = false
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now().UTC()
	}

	if err := d.repo.Save(ctx, n); err != nil {
		return Notification{}, fmt.Errorf("store notification: %w", err)
	}

	if conn, ok := d.registry.Lookup(n.RecipientID); ok {
		if !conn.Deliver(EventPushed, n) {
			d.log.Warn("notification push dropped", "notification", n.ID, "recipient", n.RecipientID)
		}
	}
	return n, nil
}

// MessageReceived raises the message-type notification for a delivered chat
// message. It satisfies the router's Notifier seam; push and persistence
// failures are logged here, never surfaced to the message sender.
func (d *Dispatcher) MessageReceived(ctx context.Context, sender user.ID, senderName string, recipient user.ID, preview string) {
	_, err := d.Notify(ctx, Notification{
		Type:           TypeMessage,
		SenderID:       sender,
		SenderName:     senderName,
		RecipientID:    recipient,
		MessagePreview: preview,
	})
	if err != nil {
		d.log.Debug("message notification dropped", "sender", sender, "recipient", recipient, "err", err)
	}
}

// MarkRead flips a single notification's read flag. Idempotent.
func (d *Dispatcher) MarkRead(ctx context.Context, id ID) error {
	if id == "" {
		return ErrInvalidNotification
	}
	if err := d.repo.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkAllRead flips every unread notification for recipient. Idempotent.
func (d *Dispatcher) MarkAllRead(ctx context.Context, recipient user.ID) error {
	if recipient == "" {
		return ErrInvalidNotification
	}
	if err := d.repo.MarkAllRead(ctx, recipient); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}
