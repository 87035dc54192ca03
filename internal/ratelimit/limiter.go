// Package ratelimit implements the per-(identity, event-kind) fixed-window
// counters that gatekeep every inbound real-time event.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/beaconlabs/beacon/internal/user"
)

// Kind names one class of inbound event. Distinct kinds carry independent
// allowances so a single looping event type cannot starve the others.
type Kind string

const (
	KindSendMessage      Kind = "send_message"
	KindSendNotification Kind = "send_notification"
	KindGetHistory       Kind = "get_history"
	KindTyping           Kind = "typing"
)

// MessageNotif is the stricter suppression bucket applied to the
// message-type notification raised for each receiver, so a burst of chat
// messages to one person does not also burst notifications.
func MessageNotif(receiver user.ID) Kind {
	return Kind("message-notif-" + string(receiver))
}

type key struct {
	identity user.ID
	kind     Kind
}

// Limiter counts events per (identity, kind). Counters are volatile and
// cleared together on a fixed global tick, independent of per-key activity.
// State is lost on restart; the limiter fails open after a crash.
type Limiter struct {
	mu     sync.Mutex
	counts map[key]int
}

func NewLimiter() *Limiter {
	return &Limiter{counts: make(map[key]int)}
}

// Allow records one event and reports whether it falls within limit for the
// current window. The counter keeps incrementing while blocked, so a
// sustained flood stays blocked until the next global reset rather than
// earning back allowance early.
func (l *Limiter) Allow(identity user.ID, kind Kind, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{identity: identity, kind: kind}
	l.counts[k]++
	return l.counts[k] <= limit
}

// Reset drops every counter, starting a fresh window for all keys.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts = make(map[key]int)
}

// Run clears all counters every interval until ctx is cancelled. Activity
// straddling a tick can briefly exceed the nominal limit; that relaxation is
// accepted in exchange for bounded memory.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Reset()
		}
	}
}
