package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/aulalive/aula/internal/media"
)

// Buffered-amount low-water thresholds, tiered by the channel's expected
// bitrate. A higher-resolution tier fills its socket buffer faster, so it
// gets more headroom before sends start queuing; control and audio stay
// small so their latency-sensitive messages never sit behind a deep
// buffer.
const (
	thresholdControl uint64 = 64 << 10
	thresholdAudio   uint64 = 64 << 10
	threshold360     uint64 = 256 << 10
	threshold720     uint64 = 512 << 10
	thresholdHigh    uint64 = 1 << 20
)

// bufferedAmountLowThreshold returns the tier threshold for a channel name.
func bufferedAmountLowThreshold(name string) uint64 {
	q, ok := media.QualityFor(name)
	if !ok {
		if name == media.ChannelMic {
			return thresholdAudio
		}
		return thresholdControl
	}
	switch q {
	case media.Quality360:
		return threshold360
	case media.Quality720:
		return threshold720
	default:
		return thresholdHigh
	}
}

// rtcRecvBuffer bounds inbound messages waiting for Receive. Media
// channels are lossy by design: when the consumer falls behind, the
// oldest message is dropped rather than stalling the data channel's
// event loop.
const rtcRecvBuffer = 256

// RTCConnector opens data channels on an established peer connection.
// Channels are negotiated with fixed IDs so no SDP renegotiation happens
// per channel; both sides derive the same ID from the channel name's
// registration order.
type RTCConnector struct {
	log *slog.Logger
	pc  *webrtc.PeerConnection

	mu     sync.Mutex
	nextID uint16
	ids    map[string]uint16
}

// NewRTCConnector wraps a peer connection. The caller owns offer/answer
// negotiation; the connector only creates negotiated channels on it.
func NewRTCConnector(pc *webrtc.PeerConnection, log *slog.Logger) *RTCConnector {
	if log == nil {
		log = slog.Default()
	}
	return &RTCConnector{
		log: log.With("component", "rtc-connector"),
		pc:  pc,
		ids: make(map[string]uint16),
	}
}

// OpenChannel creates a negotiated data channel for name. Media channels
// are unordered with no retransmissions (losing a packet beats delaying
// every packet behind it); the control channel is ordered and reliable
// because control intents like mute and pin must apply in send order.
func (c *RTCConnector) OpenChannel(ctx context.Context, name string, ordered bool) (Channel, error) {
	c.mu.Lock()
	id, ok := c.ids[name]
	if !ok {
		id = c.nextID
		c.nextID++
		c.ids[name] = id
	}
	c.mu.Unlock()

	negotiated := true
	init := &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	}
	if !ordered {
		zero := uint16(0)
		init.MaxRetransmits = &zero
	}

	dc, err := c.pc.CreateDataChannel(name, init)
	if err != nil {
		return nil, fmt.Errorf("create data channel %q: %w", name, err)
	}

	ch := newRTCChannel(dc, c.log)

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	select {
	case <-opened:
	case <-ctx.Done():
		_ = dc.Close()
		return nil, ctx.Err()
	}
	return ch, nil
}

// Close closes the underlying peer connection.
func (c *RTCConnector) Close() error { return c.pc.Close() }

// rtcChannel adapts one data channel to the Channel contract, with the
// tiered backpressure queue on the send side and a bounded drop-oldest
// buffer on the receive side.
type rtcChannel struct {
	name  string
	dc    *webrtc.DataChannel
	queue *sendQueue

	recv    chan []byte
	closed  chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newRTCChannel(dc *webrtc.DataChannel, log *slog.Logger) *rtcChannel {
	threshold := bufferedAmountLowThreshold(dc.Label())
	ch := &rtcChannel{
		name:   dc.Label(),
		dc:     dc,
		queue:  newSendQueue(dc, threshold),
		recv:   make(chan []byte, rtcRecvBuffer),
		closed: make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(threshold)
	dc.OnBufferedAmountLow(func() {
		if err := ch.queue.Drain(); err != nil {
			log.Warn("drain failed", "channel", ch.name, "error", err)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case ch.recv <- msg.Data:
		default:
			// Consumer is behind: drop the oldest buffered message to
			// make room, keeping the freshest media flowing.
			select {
			case <-ch.recv:
				ch.dropped.Add(1)
			default:
			}
			select {
			case ch.recv <- msg.Data:
			default:
			}
		}
	})
	dc.OnClose(func() { ch.once.Do(func() { close(ch.closed) }) })

	return ch
}

func (c *rtcChannel) Name() string { return c.name }

func (c *rtcChannel) Send(msg []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	return c.queue.Send(msg)
}

func (c *rtcChannel) Receive() ([]byte, error) {
	select {
	case msg := <-c.recv:
		return msg, nil
	case <-c.closed:
		// Drain anything that raced with close.
		select {
		case msg := <-c.recv:
			return msg, nil
		default:
			return nil, ErrChannelClosed
		}
	}
}

func (c *rtcChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.dc.Close()
}

// QueueDepth exposes the pending-send backlog, used by tests and stats.
func (c *rtcChannel) QueueDepth() int { return c.queue.Depth() }
