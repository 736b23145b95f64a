// Package packet turns encoded media chunks into wire packets: it owns the
// session clock that puts audio and video on one timeline and the
// per-channel packetizers that stamp sequence numbers and relative
// timestamps.
package packet

import (
	"sync"
	"time"
)

// Clock is the session-wide timestamp base. All video channels share one
// base timestamp established by the first video frame; audio timestamps
// are derived from a running sample counter so they stay monotonic and
// jitter-free regardless of scheduling delays. If the session is
// audio-only, the base falls back to wall-clock at the first audio chunk.
type Clock struct {
	mu sync.Mutex

	baseSet bool
	baseUS  int64

	sampleRate  int
	samplesSent int64
}

// NewClock creates a session clock for the given audio sample rate.
func NewClock(sampleRate int) *Clock {
	return &Clock{sampleRate: sampleRate}
}

// SetVideoBase establishes the session base timestamp from the first video
// frame. Later calls are no-ops; the base is set exactly once per session.
func (c *Clock) SetVideoBase(tsUS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.baseSet {
		c.baseSet = true
		c.baseUS = tsUS
	}
}

// RelativeMS converts an absolute microsecond timestamp into the packet
// header's millisecond field: relative to the session base, clamped at
// zero for inputs that precede it, and truncated to the u32 range.
func (c *Clock) RelativeMS(tsUS int64) uint32 {
	c.mu.Lock()
	base, set := c.baseUS, c.baseSet
	c.mu.Unlock()

	if !set {
		return 0
	}
	ms := (tsUS - base) / 1000
	if ms < 0 {
		return 0
	}
	if ms > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(ms)
}

// NextAudioTimestampUS returns the absolute timestamp for the next audio
// chunk and advances the sample counter. The first call establishes the
// base from wall-clock if no video frame has set it yet.
func (c *Clock) NextAudioTimestampUS(samples int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.baseSet {
		c.baseSet = true
		c.baseUS = time.Now().UnixMicro()
	}

	ts := c.baseUS + c.samplesSent*1e6/int64(c.sampleRate)
	c.samplesSent += int64(samples)
	return ts
}

// SamplesSent returns the running audio sample count.
func (c *Clock) SamplesSent() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samplesSent
}
