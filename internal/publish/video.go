package publish

import (
	"context"
	"errors"
	"io"

	"github.com/aulalive/aula/internal/codec"
)

// videoLoop pulls frames from the camera source at the capture rate and
// fans each one out to every simulcast tier. Admission control is
// per-tier: a saturated encoder drops this frame for its tier only, so a
// slow 1080p encode never stalls the 360p stream or the capture loop.
func (p *Publisher) videoLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := p.cfg.Video.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			p.log.Warn("video read failed", "error", err)
			return nil
		}
		p.framesCaptured.Add(1)
		if !p.cameraEnabled.Load() {
			continue
		}

		// The first frame establishes the session base timestamp shared
		// by every channel, audio included.
		p.sess.Clock.SetVideoBase(frame.TimestampUS)

		p.mu.Lock()
		tiers := p.tiers
		p.mu.Unlock()

		for _, t := range tiers {
			p.encodeTier(t, frame)
		}
	}
}

// encodeTier submits one frame to one tier, applying admission control
// and GOP cadence.
func (p *Publisher) encodeTier(t *tier, frame codec.RawFrame) {
	if t.enc.QueueDepth() > maxEncodeBacklog {
		t.drops.Add(1)
		return
	}

	idx := t.ch.NextFrameIndex()
	forceKey := idx%gopLength == 0 || t.keyRequested.Swap(false)
	if forceKey {
		t.ch.MarkKeyframe(idx)
	}

	if err := t.enc.Encode(frame, forceKey); err != nil {
		p.log.Warn("encode failed", "tier", t.quality, "error", err)
		return
	}
	t.encoded.Add(1)
}

// handleVideoChunk is the encoder output path for one tier: config-once
// delivery, GOP bookkeeping, then packetize → FEC → transport.
func (p *Publisher) handleVideoChunk(t *tier, chunk codec.EncodedChunk) {
	if p.State() != StatePublishing {
		return
	}

	if chunk.Config != nil && t.ch.MarkConfigSent() {
		p.announceConfig(t.ch, *chunk.Config, chunk.TimestampUS)
	}

	pkt, seq := t.ch.Packetizer.Packetize(chunk.Data, chunk.TimestampUS, chunk.Kind)
	if err := sendPacket(t.ch, pkt, seq, chunk.Kind); err != nil {
		p.log.Warn("send failed", "channel", t.ch.Name, "error", err)
	}
}
