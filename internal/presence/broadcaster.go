package presence

import (
	"context"
	"log/slog"

	"github.com/beaconlabs/beacon/internal/user"
)

const (
	EventSnapshot = "presence_snapshot"
	EventChanged  = "presence_changed"
)

// Change is the broadcast payload for one online/offline transition.
type Change struct {
	Identity user.ID `json:"identity"`
	IsOnline bool    `json:"is_online"`
}

// Snapshot is the initial presence list pushed privately to a newly
// registered connection.
type Snapshot struct {
	Online map[user.ID]bool `json:"online"`
}

// Broadcaster fans presence transitions out to every other active
// connection. Each push is independently best-effort; a dropped delivery is
// logged and never retried.
type Broadcaster struct {
	registry  *Registry
	announcer *Announcer
	log       *slog.Logger
}

func NewBroadcaster(registry *Registry, announcer *Announcer, log *slog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, announcer: announcer, log: log}
}

// Registered announces that identity came online on conn. The new
// connection privately receives the full snapshot so it can render correct
// initial state; everyone else gets the transition.
func (b *Broadcaster) Registered(ctx context.Context, identity user.ID, conn Conn) {
	snapshot := Snapshot{Online: make(map[user.ID]bool)}
	for _, id := range b.registry.Snapshot() {
		snapshot.Online[id] = true
	}
	if !conn.Deliver(EventSnapshot, snapshot) {
		b.log.Warn("presence snapshot dropped", "identity", identity)
	}

	b.fanOut(Change{Identity: identity, IsOnline: true}, conn)
	b.announcer.Online(ctx, identity)
}

// Unregistered announces that identity went offline. There is no
// originating connection left to exclude.
func (b *Broadcaster) Unregistered(ctx context.Context, identity user.ID) {
	b.fanOut(Change{Identity: identity, IsOnline: false}, nil)
	b.announcer.Offline(ctx, identity)
}

func (b *Broadcaster) fanOut(change Change, exclude Conn) {
	for id, conn := range b.registry.Connections() {
		if conn == exclude {
			continue
		}
		if !conn.Deliver(EventChanged, change) {
			b.log.Warn("presence change dropped", "identity", change.Identity, "destination", id)
		}
	}
}
