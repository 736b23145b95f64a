package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/aulalive/aula/internal/codec"
	"github.com/aulalive/aula/internal/control"
	"github.com/aulalive/aula/internal/media"
	"github.com/aulalive/aula/internal/session"
)

// audioLoop pulls 20 ms PCM chunks and timestamps them from the running
// sample counter rather than wall-clock, so audio timestamps stay
// monotonic and jitter-free no matter how the capture callbacks are
// scheduled.
func (p *Publisher) audioLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		chunk, err := p.cfg.Audio.ReadChunk(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			p.log.Warn("audio read failed", "error", err)
			return nil
		}

		chunk.TimestampUS = p.sess.Clock.NextAudioTimestampUS(chunk.Samples)
		p.audioChunks.Add(1)

		if !p.micEnabled.Load() {
			continue
		}
		if err := p.audioEnc.Encode(chunk); err != nil {
			p.log.Warn("audio encode failed", "error", err)
		}
	}
}

// handleAudioChunk is the audio encoder's output path. The first chunk
// that reports codec metadata (the codec-native container header)
// triggers the one-time config send; every chunk then travels as an
// unprotected audio packet.
func (p *Publisher) handleAudioChunk(ch *session.Channel, chunk codec.EncodedChunk) {
	if p.State() != StatePublishing {
		return
	}

	if chunk.Config != nil && ch.MarkConfigSent() {
		p.announceConfig(ch, *chunk.Config, chunk.TimestampUS)
	}

	pkt, seq := ch.Packetizer.Packetize(chunk.Data, chunk.TimestampUS, media.KindAudio)
	if err := sendPacket(ch, pkt, seq, media.KindAudio); err != nil {
		p.log.Warn("send failed", "channel", ch.Name, "error", err)
	}
}

// announceConfig delivers a channel's decoder config both ways: as a
// control message for late joiners and as an FEC-protected config packet
// on the media channel itself. Config loss is catastrophic — the receiver
// cannot decode until it arrives — hence the fixed high redundancy on the
// packet path.
func (p *Publisher) announceConfig(ch *session.Channel, cfg media.DecoderConfig, tsUS int64) {
	sc := control.NewStreamConfig(ch.Name, cfg)

	p.mu.Lock()
	ctrl := p.ctrl
	p.mu.Unlock()
	if ctrl != nil {
		if err := ctrl.Send(control.TypeStreamConfig, sc); err != nil {
			p.log.Warn("config announce failed", "channel", ch.Name, "error", err)
		}
	}

	// The packet path carries the full serialized config, so a receiver
	// that missed the control message can still configure from the media
	// channel alone.
	payload, err := json.Marshal(sc)
	if err != nil {
		p.log.Warn("config marshal failed", "channel", ch.Name, "error", err)
		return
	}

	pkt, seq := ch.Packetizer.Packetize(payload, tsUS, media.KindConfig)
	if err := sendPacket(ch, pkt, seq, media.KindConfig); err != nil {
		p.log.Warn("config packet send failed", "channel", ch.Name, "error", err)
	}
	p.log.Info("config sent", "channel", ch.Name, "codec", cfg.Codec)
}
