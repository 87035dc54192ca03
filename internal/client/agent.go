// Package client implements the consumer-side recovery agent: it keeps one
// registered connection alive against transport loss, reconnecting with
// bounded backoff and pulling back any state the server does not replay.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/beaconlabs/beacon/internal/user"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateRegistered   State = "registered"
	StateSuperseded   State = "superseded"
)

var (
	// ErrSuperseded ends the agent when the server signals that a newer
	// session replaced this one. Terminal; no reconnect is attempted.
	ErrSuperseded = errors.New("session superseded")

	// ErrRetriesExhausted surfaces a persistent connection-error state after
	// the configured reconnect budget is spent.
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
)

// Event is one server push handed to the embedding application.
type Event struct {
	Type string
	Data json.RawMessage
}

type Config struct {
	ServerURL   string
	Identity    user.ID
	DisplayName string

	// HeartbeatInterval paces keep-alives. One interval without an ack
	// triggers a proactive reconnect instead of waiting for the transport.
	HeartbeatInterval time.Duration

	// MaxAttempts bounds consecutive failed reconnects. Zero means retry
	// forever.
	MaxAttempts int

	// Handler receives every server event not consumed by the agent
	// itself. Optional.
	Handler func(Event)
}

// Agent is the reconnection state machine. At most one reconnect attempt is
// in flight at any time; a successful connection or a torn-down context
// cancels it.
type Agent struct {
	cfg  Config
	log  *slog.Logger
	dial func(ctx context.Context) (*websocket.Conn, error)

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	activePartner user.ID
}

func New(cfg Config, log *slog.Logger) (*Agent, error) {
	if cfg.ServerURL == "" || cfg.Identity == "" {
		return nil, errors.New("server url and identity are required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	a := &Agent{cfg: cfg, log: log, state: StateDisconnected}
	a.dial = a.dialServer
	return a, nil
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetActiveConversation names the partner whose history is re-requested
// after every successful registration, so messages sent during an outage
// are not missed.
func (a *Agent) SetActiveConversation(partner user.ID) {
	a.mu.Lock()
	a.activePartner = partner
	a.mu.Unlock()
}

// Run drives the state machine until ctx is cancelled, the retry budget is
// spent, or the session is superseded.
func (a *Agent) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			a.setState(StateDisconnected)
			return nil
		}

		a.setState(StateConnecting)
		conn, err := a.dial(ctx)
		if err != nil {
			a.setState(StateDisconnected)
			attempt++
			if a.cfg.MaxAttempts > 0 && attempt >= a.cfg.MaxAttempts {
				return ErrRetriesExhausted
			}
			a.log.Warn("connect failed", "attempt", attempt, "err", err)
			if !sleep(ctx, backoff(attempt)) {
				return nil
			}
			continue
		}
		a.setConn(conn)

		// The server has no memory of this connection: register first,
		// then pull whatever an outage may have dropped. A dial that never
		// reaches registration still spends the retry budget.
		if err := a.register(ctx, conn); err != nil {
			a.closeConn(conn)
			a.setState(StateDisconnected)
			attempt++
			if a.cfg.MaxAttempts > 0 && attempt >= a.cfg.MaxAttempts {
				return ErrRetriesExhausted
			}
			a.log.Warn("register failed", "attempt", attempt, "err", err)
			if !sleep(ctx, backoff(attempt)) {
				return nil
			}
			continue
		}
		attempt = 0
		a.setState(StateRegistered)
		a.recoverState(ctx, conn)

		err = a.serve(ctx, conn)
		a.closeConn(conn)
		if errors.Is(err, ErrSuperseded) {
			a.setState(StateSuperseded)
			return ErrSuperseded
		}
		if ctx.Err() != nil {
			a.setState(StateDisconnected)
			return nil
		}
		a.setState(StateDisconnected)
		attempt++
		if a.cfg.MaxAttempts > 0 && attempt >= a.cfg.MaxAttempts {
			return ErrRetriesExhausted
		}
		if !sleep(ctx, backoff(attempt)) {
			return nil
		}
	}
}

// serve reads events and paces heartbeats until the transport dies, the
// session is superseded, or a heartbeat goes unanswered.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) error {
	// The reader holds a per-connection context so it cannot outlive this
	// call: serve returning for any reason releases a reader blocked on a
	// full events buffer.
	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()

	events := make(chan Event, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			var frame struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			select {
			case events <- Event{Type: frame.Type, Data: frame.Data}:
			case <-readCtx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	ackPending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return fmt.Errorf("read: %w", err)
		case <-ticker.C:
			if ackPending {
				// One silent interval is enough: reconnect proactively
				// rather than waiting for the transport to notice.
				return errors.New("heartbeat ack missed")
			}
			if err := a.writeEvent(ctx, conn, "heartbeat", struct{}{}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			ackPending = true
		case ev := <-events:
			switch ev.Type {
			case "heartbeat_ack":
				ackPending = false
			case "session_superseded":
				return ErrSuperseded
			default:
				if a.cfg.Handler != nil {
					a.cfg.Handler(ev)
				}
			}
		}
	}
}

func (a *Agent) dialServer(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(a.cfg.ServerURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	if !strings.HasSuffix(wsURL, "/ws") {
		wsURL += "/ws"
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

func (a *Agent) register(ctx context.Context, conn *websocket.Conn) error {
	return a.writeEvent(ctx, conn, "register", map[string]string{
		"identity":     string(a.cfg.Identity),
		"display_name": a.cfg.DisplayName,
	})
}

// recoverState pulls what the server will not replay: the open
// conversation's history, if one was open when the transport dropped.
func (a *Agent) recoverState(ctx context.Context, conn *websocket.Conn) {
	a.mu.Lock()
	partner := a.activePartner
	a.mu.Unlock()
	if partner == "" {
		return
	}
	err := a.writeEvent(ctx, conn, "get_history", map[string]string{
		"identity":   string(a.cfg.Identity),
		"partner_id": string(partner),
	})
	if err != nil {
		a.log.Warn("history recovery request failed", "partner", partner, "err", err)
	}
}

// SendMessage submits one chat message over the current connection.
func (a *Agent) SendMessage(ctx context.Context, receiver user.ID, text string) error {
	conn, state := a.current()
	if state != StateRegistered {
		return fmt.Errorf("not registered (state %s)", state)
	}
	return a.writeEvent(ctx, conn, "send_message", map[string]string{
		"sender_id":   string(a.cfg.Identity),
		"receiver_id": string(receiver),
		"text":        text,
	})
}

// MarkMessageRead reports a read message, triggering the server-side read
// receipt to the original sender.
func (a *Agent) MarkMessageRead(ctx context.Context, messageID string) error {
	conn, state := a.current()
	if state != StateRegistered {
		return fmt.Errorf("not registered (state %s)", state)
	}
	return a.writeEvent(ctx, conn, "mark_message_read", map[string]string{
		"message_id": messageID,
	})
}

// SetTyping relays a typing indicator to recipient.
func (a *Agent) SetTyping(ctx context.Context, recipient user.ID, typing bool) error {
	conn, state := a.current()
	if state != StateRegistered {
		return fmt.Errorf("not registered (state %s)", state)
	}
	return a.writeEvent(ctx, conn, "typing", map[string]any{
		"sender_id":    string(a.cfg.Identity),
		"recipient_id": string(recipient),
		"is_typing":    typing,
	})
}

func (a *Agent) writeEvent(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	if conn == nil {
		return errors.New("no connection")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: event, Data: data})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Agent) setConn(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

func (a *Agent) current() (*websocket.Conn, State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn, a.state
}

func (a *Agent) closeConn(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
}

func backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		attempt = 5
	}
	return time.Duration(1<<attempt) * time.Second
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
