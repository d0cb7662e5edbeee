package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"meshbridge/internal/config"
	"meshbridge/internal/logging"
	"meshbridge/pkg/interfaces"
)

// dashboards only send keepalives, anything larger is not ours
const maxInboundMessageSize = 4096

// Attacher is the part of the session coordinator the handler needs.
type Attacher interface {
	Attach(observer interfaces.Observer) error
	Detach(observerID string)
}

// Handler upgrades dashboard requests and attaches them as observers
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from session logic;
// the handler never sees an event, it only owns the socket lifecycle
type Handler struct {
	attacher Attacher
	cfg      *config.WebSocketConfig
	upgrader websocket.Upgrader
}

func NewHandler(attacher Attacher, cfg *config.WebSocketConfig) *Handler {
	return &Handler{
		attacher: attacher,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: The dashboard is served from the workstation itself or
			// opened from a file, so origins are not checked on the LAN bridge
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// ServeHTTP upgrades the request and blocks for the lifetime of the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := NewConnection(conn, h.cfg)
	logger := logging.WithObserver(c.ID()).With("remote", r.RemoteAddr)

	// FUNCTIONAL DISCOVERY: Attach queues the init snapshot before returning, so it is
	// always the first frame the dashboard reads
	if err := h.attacher.Attach(c); err != nil {
		logger.Warn("Failed to attach observer", "error", err)
		c.Close()
		return
	}
	logger.Info("Dashboard connected")

	h.readPump(c)

	h.attacher.Detach(c.ID())
	c.Close()
	logger.Info("Dashboard disconnected")
}

// readPump drains inbound frames so control frames are processed
// TECHNICAL DISCOVERY: The read deadline is pushed forward on every pong; a dashboard
// that stops answering pings is dropped after ReadTimeout
func (h *Handler) readPump(c *Connection) {
	c.conn.SetReadLimit(maxInboundMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("WebSocket read error", "observer_id", c.ID(), "error", err)
			}
			return
		}
		slog.Debug("Ignoring dashboard message", "observer_id", c.ID(), "bytes", len(data))
	}
}
