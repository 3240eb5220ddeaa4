package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	// PingInterval is how often the server probes the peer with a ping.
	// Liveness is judged on heartbeat responses, never on data frames: a
	// quiet listener that still answers pings is healthy.
	PingInterval time.Duration `mapstructure:"pingInterval"`
	// PingTimeout bounds the wait for each pong. A peer that misses it is
	// considered dead and torn down.
	PingTimeout time.Duration `mapstructure:"pingTimeout"`
	// SendBuffer is the outbound queue depth per connection.
	SendBuffer int `mapstructure:"sendBuffer"`
}

// Connection represents a single, thread-safe WebSocket connection.
//
// Outbound delivery is best-effort: each connection owns a bounded queue, and
// when the queue is full the oldest pending frame is evicted so a slow
// consumer can never stall a broadcaster.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = 10 * time.Second
	}
	// Account for the connection as soon as it exists so shutdown waits for
	// its cleanup even if Close is reached before Run.
	wg.Add(1)
	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendBuffer),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()
	go c.pingLoop()

	c.logger.Info("connection established")
}

// pingLoop is the keepalive: probe the peer every PingInterval and tear the
// connection down when a pong does not come back within PingTimeout. Pongs
// are consumed by the concurrent readPump, which is always blocked in Reader.
func (c *Connection) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.PingTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Warn("heartbeat failed, dropping connection", slog.Any("error", err))
				}
				c.Close(err)
				return
			}
		}
	}
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		// No deadline here: liveness is the ping loop's job. A quiet but
		// healthy peer may block this read indefinitely.
		typ, r, err := c.conn.Reader(c.ctx)
		if err != nil {
			readErr = err
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		message, err := io.ReadAll(r)
		if err != nil {
			c.logger.Warn("failed to read inbound frame", slog.Any("error", err))
			readErr = err
			return
		}
		if c.onMessage != nil {
			// Pass a connection-scoped context to the handler.
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// The send channel was closed, signal clean closure.
				c.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}
	}
}

// Send enqueues a frame for delivery. It is safe for concurrent use and never
// blocks: if the queue is full, the oldest pending frame is dropped to make
// room. Returns false only when the connection is already closed.
func (c *Connection) Send(message []byte) bool {
	for {
		select {
		case <-c.ctx.Done():
			return false
		case c.send <- message:
			return true
		default:
		}

		// Queue full: evict the oldest pending frame and retry.
		select {
		case <-c.send:
			c.logger.Warn("send queue full, dropping oldest frame")
		default:
		}
	}
}

// gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel() // Signal goroutines to stop.
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
