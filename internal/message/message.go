package message

import (
	"context"
	"errors"
	"time"

	"github.com/beaconlabs/beacon/internal/user"
)

type ID string

var (
	// ErrInvalidMessage rejects a send with a missing sender, receiver, or
	// body before any side effect.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrRateLimited drops a send that exceeded the sender's window
	// allowance. Nothing is persisted or pushed.
	ErrRateLimited = errors.New("rate limited")
)

// Message is one point-to-point chat message. It is persisted before any
// push attempt and immutable afterwards except for the read flag.
type Message struct {
	ID         ID        `json:"id"`
	SenderID   user.ID   `json:"sender_id"`
	ReceiverID user.ID   `json:"receiver_id"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
	Read       bool      `json:"read"`
}

type Repository interface {
	Save(ctx context.Context, msg Message) error
	Get(ctx context.Context, id ID) (Message, error)

	// ListForIdentity returns every message where identity is sender or
	// receiver, timestamps ascending.
	ListForIdentity(ctx context.Context, identity user.ID) ([]Message, error)

	// ListConversation returns the messages exchanged between exactly a and
	// b, timestamps ascending, regardless of argument order.
	ListConversation(ctx context.Context, a, b user.ID) ([]Message, error)

	// MarkRead flips the read flag and reports whether this call changed it.
	MarkRead(ctx context.Context, id ID) (changed bool, err error)
}
