package notification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beaconlabs/beacon/internal/presence"
	"github.com/beaconlabs/beacon/internal/ratelimit"
	"github.com/beaconlabs/beacon/internal/user"
)

type fakeRepo struct {
	mu      sync.Mutex
	saved   []Notification
	saveErr error
}

func (r *fakeRepo) Save(_ context.Context, n Notification) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, n)
	return nil
}

func (r *fakeRepo) ListUnread(_ context.Context, recipient user.ID, limit int) ([]Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for i := len(r.saved) - 1; i >= 0 && len(out) < limit; i-- {
		if r.saved[i].RecipientID == recipient && !r.saved[i].Read {
			out = append(out, r.saved[i])
		}
	}
	return out, nil
}

func (r *fakeRepo) ListRecent(_ context.Context, recipient user.ID, limit int) ([]Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for i := len(r.saved) - 1; i >= 0 && len(out) < limit; i-- {
		if r.saved[i].RecipientID == recipient {
			out = append(out, r.saved[i])
		}
	}
	return out, nil
}

func (r *fakeRepo) MarkRead(_ context.Context, id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.saved {
		if r.saved[i].ID == id {
			r.saved[i].Read = true
		}
	}
	return nil
}

func (r *fakeRepo) MarkAllRead(_ context.Context, recipient user.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.saved {
		if r.saved[i].RecipientID == recipient {
			r.saved[i].Read = true
		}
	}
	return nil
}

type fakeConn struct {
	mu        sync.Mutex
	delivered []Notification
}

func (c *fakeConn) Deliver(event string, payload any) bool {
	if event != EventPushed {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, payload.(Notification))
	return true
}

func (c *fakeConn) Supersede() {}

func newTestDispatcher(repo *fakeRepo, registry *presence.Registry, limit int) *Dispatcher {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(repo, registry, ratelimit.NewLimiter(), limit, log)
	d.idGen = func() ID { return "n-1" }
	d.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return d
}

func TestNotify_SelfNotificationNeverPersistsOrPushes(t *testing.T) {
	req := require.New(t)
	repo := &fakeRepo{}
	registry := presence.NewRegistry()
	conn := &fakeConn{}
	registry.Register("alice", conn)

	d := newTestDispatcher(repo, registry, 10)
	_, err := d.Notify(context.Background(), Notification{Type: TypeLike, SenderID: "alice", RecipientID: "alice"})
	req.ErrorIs(err, ErrSelfNotification)
	req.Empty(repo.saved)
	req.Empty(conn.delivered)
}

func TestNotify_InvalidInput(t *testing.T) {
	req := require.New(t)
	d := newTestDispatcher(&fakeRepo{}, presence.NewRegistry(), 10)

	_, err := d.Notify(context.Background(), Notification{Type: "poke", SenderID: "a", RecipientID: "b"})
	req.ErrorIs(err, ErrInvalidNotification)

	_, err = d.Notify(context.Background(), Notification{Type: TypeLike, RecipientID: "b"})
	req.ErrorIs(err, ErrInvalidNotification)
}

func TestNotify_PersistsThenPushesWhenOnline(t *testing.T) {
	req := require.New(t)
	repo := &fakeRepo{}
	registry := presence.NewRegistry()
	bob := &fakeConn{}
	registry.Register("bob", bob)

	d := newTestDispatcher(repo, registry, 10)
	n, err := d.Notify(context.Background(), Notification{Type: TypeComment, SenderID: "alice", RecipientID: "bob", CommentText: "nice"})
	req.NoError(err)
	req.EqualValues("n-1", n.ID)
	req.False(n.Read)
	req.Len(repo.saved, 1)
	req.Equal([]Notification{n}, bob.delivered)
}

func TestNotify_OfflineRecipientPersistsOnly(t *testing.T) {
	req := require.New(t)
	repo := &fakeRepo{}
	d := newTestDispatcher(repo, presence.NewRegistry(), 10)

	_, err := d.Notify(context.Background(), Notification{Type: TypeLike, SenderID: "alice", RecipientID: "bob"})
	req.NoError(err)
	req.Len(repo.saved, 1)
}

func TestNotify_StorageFailureSkipsPush(t *testing.T) {
	req := require.New(t)
	repo := &fakeRepo{saveErr: errors.New("disk full")}
	registry := presence.NewRegistry()
	bob := &fakeConn{}
	registry.Register("bob", bob)

	d := newTestDispatcher(repo, registry, 10)
	_, err := d.Notify(context.Background(), Notification{Type: TypeLike, SenderID: "alice", RecipientID: "bob"})
	req.Error(err)
	req.Empty(bob.delivered)
}

func TestNotify_RateLimited(t *testing.T) {
	req := require.New(t)
	repo := &fakeRepo{}
	d := newTestDispatcher(repo, presence.NewRegistry(), 2)

	for i := 0; i < 2; i++ {
		_, err := d.Notify(context.Background(), Notification{Type: TypeLike, SenderID: "alice", RecipientID: "bob"})
		req.NoError(err)
	}
	_, err := d.Notify(context.Background(), Notification{Type: TypeLike, SenderID: "alice", RecipientID: "bob"})
	req.ErrorIs(err, ErrRateLimited)
	req.Len(repo.saved, 2)
}

func TestMarkRead_Idempotent(t *testing.T) {
	req := require.New(t)
	repo := &fakeRepo{}
	d := newTestDispatcher(repo, presence.NewRegistry(), 10)

	n, err := d.Notify(context.Background(), Notification{Type: TypeLike, SenderID: "alice", RecipientID: "bob"})
	req.NoError(err)

	req.NoError(d.MarkRead(context.Background(), n.ID))
	req.NoError(d.MarkRead(context.Background(), n.ID))
	req.True(repo.saved[0].Read)

	req.NoError(d.MarkAllRead(context.Background(), "bob"))
	req.NoError(d.MarkAllRead(context.Background(), "bob"))
}
