package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFrame(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	data, _ := json.Marshal(payload)
	frame, _ := json.Marshal(map[string]any{"type": event, "data": json.RawMessage(data)})
	return conn.Write(ctx, websocket.MessageText, frame)
}

// wsServer runs handler for each accepted connection and serves /ws.
func wsServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBackoffIsBoundedExponential(t *testing.T) {
	req := require.New(t)
	req.Equal(2*time.Second, backoff(0))
	req.Equal(2*time.Second, backoff(1))
	req.Equal(4*time.Second, backoff(2))
	req.Equal(8*time.Second, backoff(3))
	req.Equal(32*time.Second, backoff(5))
	req.Equal(32*time.Second, backoff(9), "backoff must stop growing")
}

func TestNew_Validation(t *testing.T) {
	req := require.New(t)

	_, err := New(Config{Identity: "alice"}, testLogger())
	req.Error(err)
	_, err = New(Config{ServerURL: "http://localhost:8080"}, testLogger())
	req.Error(err)

	a, err := New(Config{ServerURL: "http://localhost:8080", Identity: "alice"}, testLogger())
	req.NoError(err)
	req.Equal(25*time.Second, a.cfg.HeartbeatInterval)
	req.Equal(StateDisconnected, a.State())
}

func TestSendBeforeRegisteredFails(t *testing.T) {
	req := require.New(t)
	a, err := New(Config{ServerURL: "http://localhost:8080", Identity: "alice"}, testLogger())
	req.NoError(err)

	req.Error(a.SendMessage(context.Background(), "bob", "hi"))
	req.Error(a.MarkMessageRead(context.Background(), "m1"))
	req.Error(a.SetTyping(context.Background(), "bob", true))
}

func TestRun_RetriesExhausted(t *testing.T) {
	req := require.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	a, err := New(Config{ServerURL: url, Identity: "alice", MaxAttempts: 1}, testLogger())
	req.NoError(err)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		req.ErrorIs(err, ErrRetriesExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the retry budget was spent")
	}
	req.Equal(StateDisconnected, a.State())
}

func TestRun_RegisterFailureConsumesRetryBudget(t *testing.T) {
	req := require.New(t)
	srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_, _, _ = conn.Read(ctx)
	})

	a, err := New(Config{ServerURL: srv.URL, Identity: "alice", MaxAttempts: 1}, testLogger())
	req.NoError(err)

	dials := 0
	a.dial = func(ctx context.Context) (*websocket.Conn, error) {
		dials++
		conn, err := a.dialServer(ctx)
		if err != nil {
			return nil, err
		}
		// Kill the transport before the agent can register on it, so the
		// handshake succeeds but the first write fails.
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return conn, nil
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		req.ErrorIs(err, ErrRetriesExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("register failures must exhaust the retry budget")
	}
	req.Equal(1, dials, "a dial that never registers must still spend the budget")
}

func TestRun_ReaderExitsWhenSessionEnds(t *testing.T) {
	req := require.New(t)
	srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		// End the session first, then flood more frames than the agent's
		// event buffer holds so the reader has a pending send when the
		// session ends.
		if err := writeFrame(ctx, conn, "session_superseded", struct{}{}); err != nil {
			return
		}
		for i := 0; i < 100; i++ {
			if err := writeFrame(ctx, conn, "message_pushed", map[string]int{"seq": i}); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(ctx)
	})

	a, err := New(Config{ServerURL: srv.URL, Identity: "alice"}, testLogger())
	req.NoError(err)

	before := runtime.NumGoroutine()
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		req.ErrorIs(err, ErrSuperseded)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate on supersession")
	}

	req.Eventually(func() bool {
		return runtime.NumGoroutine() <= before+1
	}, 3*time.Second, 50*time.Millisecond, "the connection reader must exit with the session")
}

func TestRun_SupersededIsTerminal(t *testing.T) {
	req := require.New(t)

	var mu sync.Mutex
	var forwarded []Event

	srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
		// First inbound frame is the registration.
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		_ = writeFrame(ctx, conn, "message_pushed", map[string]string{"text": "pending"})
		_ = writeFrame(ctx, conn, "session_superseded", struct{}{})
		_, _, _ = conn.Read(ctx)
	})

	a, err := New(Config{
		ServerURL: srv.URL,
		Identity:  "alice",
		Handler: func(ev Event) {
			mu.Lock()
			forwarded = append(forwarded, ev)
			mu.Unlock()
		},
	}, testLogger())
	req.NoError(err)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		req.ErrorIs(err, ErrSuperseded)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate on supersession")
	}
	req.Equal(StateSuperseded, a.State())

	mu.Lock()
	defer mu.Unlock()
	req.Len(forwarded, 1, "pushes before supersession reach the handler")
	req.Equal("message_pushed", forwarded[0].Type)
}

func TestRun_MissedHeartbeatAckTriggersReconnect(t *testing.T) {
	req := require.New(t)

	// The server drains frames and never acknowledges heartbeats.
	srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	a, err := New(Config{
		ServerURL:         srv.URL,
		Identity:          "alice",
		HeartbeatInterval: 30 * time.Millisecond,
		MaxAttempts:       1,
	}, testLogger())
	req.NoError(err)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		req.ErrorIs(err, ErrRetriesExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("silent server did not trigger a reconnect")
	}
}

func TestRun_RecoversActiveConversationAfterRegister(t *testing.T) {
	req := require.New(t)

	type inbound struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	got := make(chan inbound, 8)

	srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var frame inbound
			if json.Unmarshal(data, &frame) == nil {
				got <- frame
			}
		}
	})

	a, err := New(Config{ServerURL: srv.URL, Identity: "alice", DisplayName: "Alice"}, testLogger())
	req.NoError(err)
	a.SetActiveConversation("bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	expect := func(wantType string) inbound {
		select {
		case frame := <-got:
			req.Equal(wantType, frame.Type)
			return frame
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", wantType)
			return inbound{}
		}
	}

	reg := expect("register")
	var regPayload map[string]string
	req.NoError(json.Unmarshal(reg.Data, &regPayload))
	req.Equal("alice", regPayload["identity"])
	req.Equal("Alice", regPayload["display_name"])

	hist := expect("get_history")
	var histPayload map[string]string
	req.NoError(json.Unmarshal(hist.Data, &histPayload))
	req.Equal("bob", histPayload["partner_id"])

	// Once registered, outbound operations go through.
	req.Eventually(func() bool { return a.State() == StateRegistered }, 2*time.Second, 10*time.Millisecond)
	req.NoError(a.SendMessage(ctx, "bob", "hello again"))
	expect("send_message")

	cancel()
	select {
	case err := <-done:
		req.NoError(err, "cancellation is a clean shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit on context cancellation")
	}
}
