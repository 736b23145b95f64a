// Package session tracks the lifecycle of a media session's channels,
// providing create/lookup/remove operations used by the publish and
// subscribe pipelines. A Session owns the shared clock that keeps audio
// and video timestamps on one timeline and the per-channel packetizers
// and transports created at stream-attach time.
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucsky/cuid"

	"github.com/aulalive/aula/internal/media"
	"github.com/aulalive/aula/internal/packet"
	"github.com/aulalive/aula/internal/transport"
)

// sendQueueDepth bounds the per-channel outbox between the encoder
// callbacks and the transport write loop, in frames.
const sendQueueDepth = 256

// Channel is one attached media channel: its transport pipe, its
// packetizer (publish side), and its GOP tracking record (video only).
// Outbound frames go through a bounded outbox drained by a per-channel
// write loop, so a stalled transport backpressures its own channel only.
type Channel struct {
	Name    string
	Quality media.Quality
	Video   bool

	Packetizer *packet.Packetizer
	Transport  transport.Channel

	log    *slog.Logger
	outbox chan [][]byte

	mu           sync.Mutex
	writerClosed bool
	frameIndex   int64
	lastKeyIdx   int64
	configSent   bool
	createdAt    time.Time

	sendDrops atomic.Int64
}

// NextFrameIndex advances the channel's frame counter and returns the
// index just assigned.
func (c *Channel) NextFrameIndex() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.frameIndex
	c.frameIndex++
	return idx
}

// MarkKeyframe records a keyframe at the given frame index, starting a
// new GOP.
func (c *Channel) MarkKeyframe(idx int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastKeyIdx = idx
}

// LastKeyframe returns the frame index of the most recent keyframe.
func (c *Channel) LastKeyframe() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastKeyIdx
}

// MarkConfigSent flips the config-sent flag, returning true exactly once
// per channel lifetime. The publisher uses it to enforce the config-once
// invariant.
func (c *Channel) MarkConfigSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.configSent {
		return false
	}
	c.configSent = true
	return true
}

// ConfigSent reports whether the channel's config has been announced.
func (c *Channel) ConfigSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configSent
}

// Age reports how long the channel has been attached.
func (c *Channel) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.createdAt)
}

// EnqueueFrame hands one frame's wire messages to the channel's write
// loop. All of a frame's FEC symbols travel as one unit. Returns false
// when the outbox is full and the frame was dropped whole.
func (c *Channel) EnqueueFrame(msgs [][]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outbox == nil || c.writerClosed {
		return false
	}
	select {
	case c.outbox <- msgs:
		return true
	default:
		c.sendDrops.Add(1)
		return false
	}
}

// SendDrops reports frames dropped because the outbox was full.
func (c *Channel) SendDrops() int64 { return c.sendDrops.Load() }

func (c *Channel) writeLoop() {
	for msgs := range c.outbox {
		for _, m := range msgs {
			if err := c.Transport.Send(m); err != nil {
				c.log.Debug("channel write ended", "channel", c.Name, "error", err)
				return
			}
		}
	}
}

func (c *Channel) closeWriter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outbox != nil && !c.writerClosed {
		c.writerClosed = true
		close(c.outbox)
	}
}

// Session is the registry of a publisher's or subscriber's channels plus
// the session-wide clock. Channels are created at stream-attach time and
// torn down at stop/leave.
type Session struct {
	ID    string
	Clock *packet.Clock

	log *slog.Logger
	mu  sync.RWMutex
	chs map[string]*Channel
}

// New creates a session with a fresh cuid and a clock at the given audio
// sample rate. If log is nil, slog.Default() is used.
func New(sampleRate int, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	id := cuid.New()
	return &Session{
		ID:    id,
		Clock: packet.NewClock(sampleRate),
		log:   log.With("component", "session", "session", id),
		chs:   make(map[string]*Channel),
	}
}

// Attach registers a channel over the given transport. Returns the
// channel and true if created, or the existing one and false if the name
// is already attached.
func (s *Session) Attach(name string, tr transport.Channel) (*Channel, bool) {
	q, video := media.QualityFor(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.chs[name]; ok {
		s.log.Warn("channel already attached", "channel", name)
		return existing, false
	}

	ch := &Channel{
		Name:       name,
		Quality:    q,
		Video:      video,
		Packetizer: packet.NewPacketizer(s.Clock),
		Transport:  tr,
		log:        s.log,
		createdAt:  time.Now(),
	}
	if tr != nil {
		ch.outbox = make(chan [][]byte, sendQueueDepth)
		go ch.writeLoop()
	}
	s.chs[name] = ch
	s.log.Info("channel attached", "channel", name)
	return ch, true
}

// Get returns the named channel.
func (s *Session) Get(name string) (*Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.chs[name]
	return ch, ok
}

// Detach removes a channel and closes its transport.
func (s *Session) Detach(name string) {
	s.mu.Lock()
	ch, ok := s.chs[name]
	if ok {
		delete(s.chs, name)
	}
	s.mu.Unlock()

	if ok {
		ch.closeWriter()
		if ch.Transport != nil {
			_ = ch.Transport.Close()
		}
		s.log.Info("channel detached", "channel", name, "age", ch.Age())
	}
}

// List returns all attached channels.
func (s *Session) List() []*Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Channel, 0, len(s.chs))
	for _, ch := range s.chs {
		out = append(out, ch)
	}
	return out
}

// Dispose detaches every channel. The session object is not reusable for
// publishing afterward; a new session starts a fresh sequence space.
func (s *Session) Dispose() {
	s.mu.Lock()
	chs := s.chs
	s.chs = make(map[string]*Channel)
	s.mu.Unlock()

	for name, ch := range chs {
		ch.closeWriter()
		if ch.Transport != nil {
			_ = ch.Transport.Close()
		}
		s.log.Info("channel detached", "channel", name, "age", ch.Age())
	}
}
