package presence

import (
	"sync"

	"github.com/beaconlabs/beacon/internal/user"
)

const EventTyping = "typing"

// TypingStatus is relayed to the recipient when the sender starts or stops
// typing. It is never persisted.
type TypingStatus struct {
	SenderID    user.ID `json:"sender_id"`
	RecipientID user.ID `json:"recipient_id"`
	IsTyping    bool    `json:"is_typing"`
}

// TypingTracker remembers which recipients each sender is currently typing
// to, so a disconnect can clear stale indicators on the other side.
type TypingTracker struct {
	mu     sync.Mutex
	active map[user.ID]map[user.ID]struct{}
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{active: make(map[user.ID]map[user.ID]struct{})}
}

func (t *TypingTracker) Set(sender, recipient user.ID, typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if typing {
		if t.active[sender] == nil {
			t.active[sender] = make(map[user.ID]struct{})
		}
		t.active[sender][recipient] = struct{}{}
		return
	}
	if recipients := t.active[sender]; recipients != nil {
		delete(recipients, recipient)
		if len(recipients) == 0 {
			delete(t.active, sender)
		}
	}
}

// ClearSender drops all typing state for sender and returns the recipients
// that should be told the sender stopped typing.
func (t *TypingTracker) ClearSender(sender user.ID) []user.ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	recipients := make([]user.ID, 0, len(t.active[sender]))
	for recipient := range t.active[sender] {
		recipients = append(recipients, recipient)
	}
	delete(t.active, sender)
	return recipients
}
