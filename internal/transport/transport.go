// Package transport unifies the wire transports behind one per-channel
// send/receive contract. A channel is a logical named pipe carrying whole
// messages; backends exist for WebTransport bidirectional streams (with
// 4-byte length framing), WebRTC data channels (with backpressure-aware
// queuing), WebSocket connections (native framing), and an in-process
// pipe pair for tests and loopback wiring.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrChannelClosed is returned by Send and Receive after Close, or
	// when the peer tears the channel down.
	ErrChannelClosed = errors.New("transport: channel closed")
)

// Channel is one logical media or control stream. Send transmits one
// whole message; Receive blocks for the next inbound message and returns
// ErrChannelClosed once the channel is down. Implementations preserve
// per-channel send order on the local side; delivery-order guarantees are
// the backend's (WebRTC media channels are unordered by design).
type Channel interface {
	Name() string
	Send(msg []byte) error
	Receive() ([]byte, error)
	Close() error
}

// PolledChannel marks pull-based backends whose consumers poll for
// messages rather than being driven by the network. The decode scheduler
// applies backlog-adaptive pacing only to channels that report Polled.
type PolledChannel interface {
	Channel
	Polled() bool
}

// Connector opens named channels on an established transport connection.
// ordered requests in-order delivery where the backend distinguishes it
// (WebRTC); stream- and message-based backends are inherently ordered and
// ignore the flag.
type Connector interface {
	OpenChannel(ctx context.Context, name string, ordered bool) (Channel, error)
	Close() error
}
