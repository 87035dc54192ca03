package notification

import (
	"context"
	"errors"
	"time"

	"github.com/beaconlabs/beacon/internal/user"
)

type ID string

type Type string

const (
	TypeLike    Type = "like"
	TypeComment Type = "comment"
	TypeMessage Type = "message"
	TypeSystem  Type = "system"
)

var (
	// ErrSelfNotification marks a notification whose sender and recipient
	// are the same identity. It is dropped silently, not surfaced as a
	// failure on the wire.
	ErrSelfNotification = errors.New("self notification")

	// ErrRateLimited drops a notification that exceeded the sender's window
	// allowance.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidNotification rejects a notification missing its type,
	// sender, or recipient.
	ErrInvalidNotification = errors.New("invalid notification")
)

// Notification is one like/comment/message/system event for a recipient.
// Persisted before any push; only the read flag mutates afterwards.
type Notification struct {
	ID             ID        `json:"id"`
	Type           Type      `json:"type"`
	SenderID       user.ID   `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	RecipientID    user.ID   `json:"recipient_id"`
	PostID         string    `json:"post_id,omitempty"`
	CommentText    string    `json:"comment_text,omitempty"`
	MessagePreview string    `json:"message_preview,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
}

func (t Type) valid() bool {
	switch t {
	case TypeLike, TypeComment, TypeMessage, TypeSystem:
		return true
	}
	return false
}

type Repository interface {
	Save(ctx context.Context, n Notification) error

	// ListUnread returns up to limit unread notifications, newest first.
	ListUnread(ctx context.Context, recipient user.ID, limit int) ([]Notification, error)

	// ListRecent returns up to limit notifications regardless of read
	// state, newest first.
	ListRecent(ctx context.Context, recipient user.ID, limit int) ([]Notification, error)

	MarkRead(ctx context.Context, id ID) error
	MarkAllRead(ctx context.Context, recipient user.ID) error
}
