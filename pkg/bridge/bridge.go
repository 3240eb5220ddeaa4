package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mealmesh/mealmesh/internal/event"
)

// ErrNotConnected is returned by Send while the bridge has no live
// connection.
var ErrNotConnected = errors.New("bridge is not connected")

// ConnState is what the bridge reports to the UI about its transport.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOnline
	// StateOffline is surfaced only after the bounded reconnection attempts
	// are exhausted; the UI shows a persistent offline indicator and the
	// participant must refresh to recover.
	StateOffline
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	default:
		return "offline"
	}
}

// Options tunes the bridge. Reconnection is a small fixed number of attempts
// with a fixed delay; missed events are not replayed, so after a successful
// reconnect the OnReconnect hook should re-fetch current state from the API.
type Options struct {
	MaxAttempts int           // default 5
	RetryDelay  time.Duration // default 2s
	DialTimeout time.Duration // default 10s

	OnState     func(ConnState)
	OnReconnect func(ctx context.Context)
}

// Bridge owns exactly one active connection per signed-in session. It
// re-authenticates on every (re)connect, republishes inbound events through
// the Dispatcher, and never lets a malformed payload crash the host app.
type Bridge struct {
	logger     *slog.Logger
	url        string
	opts       Options
	dispatcher *Dispatcher

	mu     sync.Mutex
	token  string
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func New(logger *slog.Logger, url, token string, dispatcher *Dispatcher, opts Options) *Bridge {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Bridge{
		logger:     logger.With(slog.String("component", "event_bridge")),
		url:        url,
		token:      token,
		opts:       opts,
		dispatcher: dispatcher,
	}
}

// Dispatcher returns the local pub/sub for UI subscriptions.
func (b *Bridge) Dispatcher() *Dispatcher {
	return b.dispatcher
}

// Start opens the session connection and keeps it alive in the background
// until ctx is done, Close is called, or reconnection gives up.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return // already running
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.run(runCtx)
}

// Close tears the session down. Safe to call more than once.
func (b *Bridge) Close() {
	b.mu.Lock()
	cancel := b.cancel
	conn := b.conn
	done := b.done
	b.cancel = nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if done != nil {
		<-done
	}
}

// SetCredential swaps the session credential: the current connection is torn
// down and the next dial presents the new token. Used on logout/login.
func (b *Bridge) SetCredential(ctx context.Context, token string) {
	b.Close()
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
	if token != "" {
		b.Start(ctx)
	}
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)

	reconnected := false
	for {
		b.setState(StateConnecting)

		conn, err := b.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("connection attempts exhausted, going offline", slog.Any("error", err))
			b.setState(StateOffline)
			return
		}

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		b.setState(StateOnline)
		if reconnected && b.opts.OnReconnect != nil {
			// Events emitted while we were away are gone for good; pull
			// current state from the read API instead.
			b.opts.OnReconnect(ctx)
		}
		reconnected = true

		b.readLoop(ctx, conn)

		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		b.logger.Info("connection lost, reconnecting")
	}
}

// dial attempts the handshake up to MaxAttempts times with a fixed delay.
func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		b.mu.Lock()
		token := b.token
		b.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, b.opts.DialTimeout)
		conn, _, err := websocket.Dial(dialCtx, b.url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
		})
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		b.logger.Warn("dial failed",
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", b.opts.MaxAttempts),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.opts.RetryDelay):
		}
	}
	return nil, lastErr
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		b.handleFrame(data)
	}
}

// handleFrame republishes one server push locally. Unknown kinds and
// malformed envelopes are dropped, never fatal.
func (b *Bridge) handleFrame(data []byte) {
	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Debug("dropping malformed frame", slog.Any("error", err))
		return
	}
	if !env.Event.Valid() {
		b.logger.Debug("dropping unknown event kind", slog.String("kind", string(env.Event)))
		return
	}
	b.dispatcher.Publish(env.Event, env.Payload)
}

// Send pushes one client→server message (cooking progress, feedback).
func (b *Bridge) Send(ctx context.Context, eventName string, payload any) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(event.ClientMessage{Event: eventName, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, msg)
}

func (b *Bridge) setState(s ConnState) {
	b.logger.Debug("bridge state changed", slog.String("state", s.String()))
	if b.opts.OnState != nil {
		b.opts.OnState(s)
	}
}
