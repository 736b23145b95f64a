package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConnector opens one WebSocket per channel against a base URL; the
// channel name rides the query string. WebSocket messages are natively
// framed, so no length prefix is needed, and TCP gives in-order delivery
// on every channel. This is the pull-based fallback transport: the decode
// scheduler runs its backlog-adaptive pacing only on channels from this
// backend.
type WSConnector struct {
	log     *slog.Logger
	baseURL string
	dialer  *websocket.Dialer

	mu    sync.Mutex
	conns []*wsChannel
}

// NewWSConnector creates a connector dialing channels against baseURL
// (e.g. "wss://host/media").
func NewWSConnector(baseURL string, log *slog.Logger) *WSConnector {
	if log == nil {
		log = slog.Default()
	}
	return &WSConnector{
		log:     log.With("component", "ws-connector"),
		baseURL: baseURL,
		dialer:  websocket.DefaultDialer,
	}
}

// OpenChannel dials a socket for name. The ordered flag is inherent to
// the transport and ignored.
func (c *WSConnector) OpenChannel(ctx context.Context, name string, _ bool) (Channel, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("channel", name)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket for %q: %w", name, err)
	}

	ch := &wsChannel{name: name, conn: conn}
	c.mu.Lock()
	c.conns = append(c.conns, ch)
	c.mu.Unlock()
	return ch, nil
}

// Close closes every channel opened through this connector.
func (c *WSConnector) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()

	var firstErr error
	for _, ch := range conns {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// wsChannel adapts one socket to the Channel contract. Binary messages
// carry media; any other message type is skipped.
type wsChannel struct {
	name    string
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

// NewWSChannel wraps an accepted server-side connection, used by peers
// that upgrade inbound HTTP requests themselves.
func NewWSChannel(name string, conn *websocket.Conn) Channel {
	return &wsChannel{name: name, conn: conn}
}

func (c *wsChannel) Name() string { return c.name }

// Polled marks the WebSocket backend as pull-based for the decode
// scheduler's pacing.
func (c *wsChannel) Polled() bool { return true }

func (c *wsChannel) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (c *wsChannel) Receive() ([]byte, error) {
	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, ErrChannelClosed
		}
		if typ == websocket.BinaryMessage || typ == websocket.TextMessage {
			return msg, nil
		}
	}
}

func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}
