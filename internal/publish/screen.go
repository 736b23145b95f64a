package publish

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aulalive/aula/internal/codec"
	"github.com/aulalive/aula/internal/media"
	"github.com/aulalive/aula/internal/session"
)

// screenShare is the optional sub-pipeline for screen capture. It has its
// own channel, encoder, and capture loop, and starts and stops without
// touching camera publishing.
type screenShare struct {
	src    VideoSource
	ch     *session.Channel
	enc    codec.VideoEncoder
	cancel context.CancelFunc
	done   chan struct{}

	tier tier
}

// StartScreenShare attaches the screen channel and starts capturing from
// src. A track-ended signal from the source (the user clicking the
// browser's stop-sharing button) takes the same stop path as an explicit
// StopScreenShare call.
func (p *Publisher) StartScreenShare(ctx context.Context, src VideoSource) error {
	if p.State() != StatePublishing {
		return fmt.Errorf("publish: screen share requires an active publish session")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.screen != nil {
		p.status("already sharing screen")
		return nil
	}

	tr, err := p.cfg.Connector.OpenChannel(ctx, media.ChannelScreen, false)
	if err != nil {
		return fmt.Errorf("publish: open screen channel: %w", err)
	}
	ch, _ := p.sess.Attach(media.ChannelScreen, tr)

	ss := &screenShare{
		src:  src,
		ch:   ch,
		done: make(chan struct{}),
	}
	ss.tier = tier{quality: media.QualityScreen, ch: ch}

	enc, err := p.cfg.NewVideoEncoder(media.QualityScreen, func(chunk codec.EncodedChunk) {
		p.handleVideoChunk(&ss.tier, chunk)
	})
	if err != nil {
		p.sess.Detach(media.ChannelScreen)
		return fmt.Errorf("publish: build screen encoder: %w", err)
	}
	ss.enc = enc
	ss.tier.enc = enc

	runCtx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	p.screen = ss

	go p.screenLoop(runCtx, ss)

	p.status("screen share started")
	p.log.Info("screen share started")
	return nil
}

// StopScreenShare stops the sub-pipeline. Idempotent; camera publishing
// is unaffected.
func (p *Publisher) StopScreenShare() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopScreenLocked()
}

func (p *Publisher) stopScreenLocked() {
	ss := p.screen
	if ss == nil {
		return
	}
	p.screen = nil

	ss.cancel()
	_ = ss.enc.Close()
	p.sess.Detach(media.ChannelScreen)
	_ = ss.src.Close()

	p.status("screen share stopped")
	p.log.Info("screen share stopped")
}

// screenLoop is the screen capture loop; EOF from the source means the
// track ended and triggers the stop path.
func (p *Publisher) screenLoop(ctx context.Context, ss *screenShare) {
	defer close(ss.done)
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := ss.src.ReadFrame(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				p.log.Warn("screen read failed", "error", err)
			}
			if errors.Is(err, io.EOF) {
				p.StopScreenShare()
			}
			return
		}
		p.sess.Clock.SetVideoBase(frame.TimestampUS)
		p.encodeTier(&ss.tier, frame)
	}
}
