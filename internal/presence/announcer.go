package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beaconlabs/beacon/internal/user"
)

const (
	presenceKeyPrefix = "presence:"
	onlineSetKey      = "online_users"

	announceTimeout = 2 * time.Second
)

// Announcer mirrors online/offline transitions into Redis so the sibling
// CRUD services can read presence without holding a socket to the
// coordinator. A nil Announcer is a no-op; the in-memory registry remains
// the source of truth either way.
type Announcer struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

func NewAnnouncer(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *Announcer {
	return &Announcer{rdb: rdb, ttl: ttl, log: log}
}

type presenceRecord struct {
	Identity user.ID   `json:"identity"`
	IsOnline bool      `json:"is_online"`
	Since    time.Time `json:"since"`
}

func (a *Announcer) Online(ctx context.Context, identity user.ID) {
	if a == nil || a.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()

	record, err := json.Marshal(presenceRecord{Identity: identity, IsOnline: true, Since: time.Now().UTC()})
	if err != nil {
		return
	}

	pipe := a.rdb.Pipeline()
	pipe.Set(ctx, presenceKeyPrefix+string(identity), record, a.ttl)
	pipe.SAdd(ctx, onlineSetKey, string(identity))
	pipe.Expire(ctx, onlineSetKey, a.ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		a.log.Warn("presence announce failed", "identity", identity, "err", err)
	}
}

func (a *Announcer) Offline(ctx context.Context, identity user.ID) {
	if a == nil || a.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()

	pipe := a.rdb.Pipeline()
	pipe.Del(ctx, presenceKeyPrefix+string(identity))
	pipe.SRem(ctx, onlineSetKey, string(identity))
	if _, err := pipe.Exec(ctx); err != nil {
		a.log.Warn("presence retract failed", "identity", identity, "err", err)
	}
}
