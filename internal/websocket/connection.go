package websocket

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"meshbridge/internal/config"
	"meshbridge/pkg/interfaces"
)

// Connection is one attached dashboard
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions.
// Only writeLoop touches the socket for data frames; everyone else enqueues
type Connection struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan []byte
	pingInterval time.Duration
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
}

var _ interfaces.Observer = (*Connection)(nil)

// NewConnection wraps an upgraded socket and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, cfg *config.WebSocketConfig) *Connection {
	c := newConnection(conn, cfg)
	go c.writeLoop()
	return c
}

func newConnection(conn *websocket.Conn, cfg *config.WebSocketConfig) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		writeCh:      make(chan []byte, cfg.BufferSize),
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (c *Connection) ID() string {
	return c.id
}

// Send enqueues an encoded event without blocking
// FUNCTIONAL DISCOVERY: A dashboard that cannot keep up is disconnected instead of
// stalling the broadcast for everyone else. Dropping a single upload frame would leave
// a silent gap in its history; on reconnect it gets a fresh init snapshot
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		slog.Warn("Observer send buffer full, closing", "observer_id", c.id)
		c.cancel()
		return ErrSendBufferFull
	}
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// writeLoop is the single writer: queued frames and keepalive pings
// TECHNICAL DISCOVERY: writeCh is never closed. Closing it here raced with Send,
// cancelling the context is the only shutdown signal
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("Observer write failed", "observer_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.sendCloseFrame()
			return
		}
	}
}

func (c *Connection) sendCloseFrame() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Close stops the writer, which sends a close frame and releases the socket.
// Safe to call more than once.
func (c *Connection) Close() error {
	c.cancel()
	return nil
}
