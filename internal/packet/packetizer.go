package packet

import (
	"github.com/aulalive/aula/internal/media"
	"github.com/aulalive/aula/internal/wire"
)

// Packetizer stamps outbound frames for one channel. It owns the channel's
// sequence counter: packets are numbered 0..N-1 in send order, never
// reused, never reset except by a full session reset. A Packetizer is a
// pure transform apart from that counter; it is owned by the single
// goroutine emitting frames for its channel and needs no locking.
type Packetizer struct {
	clock *Clock
	seq   uint32
}

// NewPacketizer creates a packetizer bound to the session clock.
func NewPacketizer(clock *Clock) *Packetizer {
	return &Packetizer{clock: clock}
}

// Packetize wraps payload with the 9-byte publish header and returns the
// packet plus the sequence number it was assigned.
func (p *Packetizer) Packetize(payload []byte, tsUS int64, kind media.FrameKind) ([]byte, uint32) {
	seq := p.seq
	p.seq++

	h := wire.PublishHeader{
		Sequence:  seq,
		Timestamp: p.clock.RelativeMS(tsUS),
		Kind:      kind,
	}
	pkt := make([]byte, 0, wire.PublishHeaderSize+len(payload))
	pkt = wire.AppendPublish(pkt, h)
	return append(pkt, payload...), seq
}

// Sequence returns the next sequence number to be assigned.
func (p *Packetizer) Sequence() uint32 { return p.seq }
