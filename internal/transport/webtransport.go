package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quic-go/webtransport-go"

	"github.com/aulalive/aula/internal/wire"
)

// WTConnector opens one bidirectional stream per channel on a WebTransport
// session. Every application message on a stream is length-prefixed with
// 4 bytes big-endian; the first message a stream carries is its channel
// name, so the accepting side can route it without a side channel.
type WTConnector struct {
	log  *slog.Logger
	sess *webtransport.Session
}

// DialWebTransport establishes a WebTransport session with the given URL.
// tlsConf may carry the pinned certificate hash for self-signed deployments;
// nil uses the system roots.
func DialWebTransport(ctx context.Context, url string, tlsConf *tls.Config, log *slog.Logger) (*WTConnector, error) {
	var d webtransport.Dialer
	if tlsConf != nil {
		d.TLSClientConfig = tlsConf
	}
	rsp, sess, err := d.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("webtransport dial %s: %w", url, err)
	}
	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webtransport dial %s: status %d", url, rsp.StatusCode)
	}
	return NewWTConnector(sess, log), nil
}

// NewWTConnector wraps an established session (either side of the
// connection).
func NewWTConnector(sess *webtransport.Session, log *slog.Logger) *WTConnector {
	if log == nil {
		log = slog.Default()
	}
	return &WTConnector{
		log:  log.With("component", "wt-connector"),
		sess: sess,
	}
}

// OpenChannel opens a bidirectional stream and announces the channel name
// as the stream's first message. QUIC streams are ordered and reliable, so
// the ordered flag is inherent.
func (c *WTConnector) OpenChannel(ctx context.Context, name string, _ bool) (Channel, error) {
	stream, err := c.sess.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream for %q: %w", name, err)
	}
	if err := wire.WriteMessage(stream, []byte(name)); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("announce channel %q: %w", name, err)
	}
	return newWTChannel(name, stream), nil
}

// AcceptChannel accepts the peer's next stream and reads its announced
// channel name.
func (c *WTConnector) AcceptChannel(ctx context.Context) (Channel, error) {
	stream, err := c.sess.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept stream: %w", err)
	}
	nameMsg, err := wire.ReadMessage(stream)
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("read channel name: %w", err)
	}
	return newWTChannel(string(nameMsg), stream), nil
}

// Close closes the session and every stream on it.
func (c *WTConnector) Close() error {
	return c.sess.CloseWithError(0, "closed")
}

// wtChannel adapts one bidirectional stream to the Channel contract with
// length-delimited framing in both directions.
type wtChannel struct {
	name    string
	stream  *webtransport.Stream
	writeMu sync.Mutex
}

func newWTChannel(name string, stream *webtransport.Stream) *wtChannel {
	return &wtChannel{name: name, stream: stream}
}

func (c *wtChannel) Name() string { return c.name }

func (c *wtChannel) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteMessage(c.stream, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (c *wtChannel) Receive() ([]byte, error) {
	msg, err := wire.ReadMessage(c.stream)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrChannelClosed
		}
		return nil, err
	}
	return msg, nil
}

func (c *wtChannel) Close() error {
	c.stream.CancelRead(0)
	return c.stream.Close()
}
