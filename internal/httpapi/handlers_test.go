package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/beaconlabs/beacon/internal/history"
	"github.com/beaconlabs/beacon/internal/message"
	"github.com/beaconlabs/beacon/internal/notification"
	"github.com/beaconlabs/beacon/internal/presence"
	"github.com/beaconlabs/beacon/internal/ratelimit"
	"github.com/beaconlabs/beacon/internal/user"
)

type nopConn struct{}

func (nopConn) Deliver(string, any) bool { return true }
func (nopConn) Supersede()               {}

type memMessageRepo struct{}

func (memMessageRepo) Save(context.Context, message.Message) error { return nil }
func (memMessageRepo) Get(context.Context, message.ID) (message.Message, error) {
	return message.Message{}, context.Canceled
}
func (memMessageRepo) ListForIdentity(context.Context, user.ID) ([]message.Message, error) {
	return nil, nil
}
func (memMessageRepo) ListConversation(context.Context, user.ID, user.ID) ([]message.Message, error) {
	return nil, nil
}
func (memMessageRepo) MarkRead(context.Context, message.ID) (bool, error) { return false, nil }

type memNotificationRepo struct {
	mu    sync.Mutex
	saved []notification.Notification
}

func (r *memNotificationRepo) Save(_ context.Context, n notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, n)
	return nil
}

func (r *memNotificationRepo) ListUnread(_ context.Context, recipient user.ID, limit int) ([]notification.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification.Notification
	for _, n := range r.saved {
		if n.RecipientID == recipient && !n.Read && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *memNotificationRepo) ListRecent(_ context.Context, recipient user.ID, limit int) ([]notification.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification.Notification
	for _, n := range r.saved {
		if n.RecipientID == recipient && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *memNotificationRepo) MarkRead(_ context.Context, id notification.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.saved {
		if r.saved[i].ID == id {
			r.saved[i].Read = true
		}
	}
	return nil
}

func (r *memNotificationRepo) MarkAllRead(_ context.Context, recipient user.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.saved {
		if r.saved[i].RecipientID == recipient {
			r.saved[i].Read = true
		}
	}
	return nil
}

func newTestHandler(t *testing.T) (*http.ServeMux, *presence.Registry, *memNotificationRepo) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := presence.NewRegistry()
	limiter := ratelimit.NewLimiter()
	notifRepo := &memNotificationRepo{}
	dispatcher := notification.NewDispatcher(notifRepo, registry, limiter, 10, log)
	historyService := history.NewService(memMessageRepo{}, notifRepo, registry, limiter, 30, log)

	mux := http.NewServeMux()
	NewHandler(registry, historyService, dispatcher, log).Register(mux)
	return mux, registry, notifRepo
}

func doRequest(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	mux, _, _ := newTestHandler(t)

	rec := doRequest(mux, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}

	rec = doRequest(mux, http.MethodPost, "/health", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health = %d, want 405", rec.Code)
	}
}

func TestHandlePresence(t *testing.T) {
	mux, registry, _ := newTestHandler(t)
	registry.Register("alice", nopConn{})

	rec := doRequest(mux, http.MethodPost, "/presence", `{"user_ids":["alice","bob",""]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /presence = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp presenceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Statuses["alice"] || resp.Statuses["bob"] {
		t.Fatalf("unexpected statuses: %+v", resp.Statuses)
	}
	if _, ok := resp.Statuses[""]; ok {
		t.Fatalf("blank identity must be skipped")
	}

	if rec := doRequest(mux, http.MethodPost, "/presence", `{"unknown_field":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field = %d, want 400", rec.Code)
	}
}

func TestHandleNotifications(t *testing.T) {
	mux, _, repo := newTestHandler(t)
	repo.saved = []notification.Notification{
		{ID: "n1", Type: notification.TypeLike, SenderID: "alice", RecipientID: "bob"},
		{ID: "n2", Type: notification.TypeComment, SenderID: "carol", RecipientID: "bob", Read: true},
	}

	rec := doRequest(mux, http.MethodGet, "/notifications?identity=bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /notifications = %d: %s", rec.Code, rec.Body.String())
	}
	var resp notificationsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Notifications) != 1 || resp.Notifications[0].ID != "n1" {
		t.Fatalf("unread = %+v, want only n1", resp.Notifications)
	}

	rec = doRequest(mux, http.MethodGet, "/notifications?identity=bob&scope=recent", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Notifications) != 2 {
		t.Fatalf("recent = %+v, want both", resp.Notifications)
	}

	if rec := doRequest(mux, http.MethodGet, "/notifications", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing identity = %d, want 400", rec.Code)
	}
}

func TestHandleNotifications_RateLimited(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := presence.NewRegistry()
	limiter := ratelimit.NewLimiter()
	repo := &memNotificationRepo{}
	dispatcher := notification.NewDispatcher(repo, registry, limiter, 10, log)
	historyService := history.NewService(memMessageRepo{}, repo, registry, limiter, 1, log)

	mux := http.NewServeMux()
	NewHandler(registry, historyService, dispatcher, log).Register(mux)

	if rec := doRequest(mux, http.MethodGet, "/notifications?identity=bob", ""); rec.Code != http.StatusOK {
		t.Fatalf("first query = %d, want 200", rec.Code)
	}
	if rec := doRequest(mux, http.MethodGet, "/notifications?identity=bob", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second query = %d, want 429", rec.Code)
	}
}

func TestHandleNotificationsRead(t *testing.T) {
	mux, _, repo := newTestHandler(t)
	repo.saved = []notification.Notification{
		{ID: "n1", Type: notification.TypeLike, SenderID: "alice", RecipientID: "bob"},
		{ID: "n2", Type: notification.TypeLike, SenderID: "alice", RecipientID: "bob"},
	}

	rec := doRequest(mux, http.MethodPost, "/notifications/read", `{"notification_id":"n1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark one = %d: %s", rec.Code, rec.Body.String())
	}
	if !repo.saved[0].Read || repo.saved[1].Read {
		t.Fatalf("only n1 should be read: %+v", repo.saved)
	}

	rec = doRequest(mux, http.MethodPost, "/notifications/read", `{"recipient_id":"bob","all":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark all = %d: %s", rec.Code, rec.Body.String())
	}
	if !repo.saved[1].Read {
		t.Fatalf("mark all missed n2")
	}

	if rec := doRequest(mux, http.MethodPost, "/notifications/read", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty request = %d, want 400", rec.Code)
	}
	if rec := doRequest(mux, http.MethodPost, "/notifications/read", `{"all":true}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("all without recipient = %d, want 400", rec.Code)
	}
}
