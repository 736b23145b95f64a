package publish

import (
	"context"

	"github.com/aulalive/aula/internal/control"
	"github.com/aulalive/aula/internal/media"
)

// controlLoop consumes inbound control messages for the publisher role:
// quality-switch requests become on-demand keyframes, pause/resume map to
// track toggles, and stop tears the session down.
func (p *Publisher) controlLoop(ctx context.Context) error {
	p.mu.Lock()
	ctrl := p.ctrl
	p.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil
		}
		env, err := ctrl.Receive()
		if err != nil {
			if ctx.Err() == nil && p.State() == StatePublishing {
				p.log.Debug("control receive ended", "error", err)
			}
			return nil
		}

		switch env.Type {
		case control.TypeSwitchQuality:
			var sw control.SwitchQuality
			if err := env.Decode(&sw); err != nil {
				p.log.Warn("bad switch request", "error", err)
				continue
			}
			if q, ok := media.QualityFor(sw.To); ok {
				p.RequestKeyframe(q)
				p.log.Info("keyframe requested", "tier", q)
			}

		case control.TypePauseStream:
			var in control.StreamIntent
			if err := env.Decode(&in); err == nil {
				p.pauseChannel(in.ChannelName, false)
			}

		case control.TypeResumeStream:
			var in control.StreamIntent
			if err := env.Decode(&in); err == nil {
				p.pauseChannel(in.ChannelName, true)
			}

		case control.TypeStopStream:
			p.log.Info("stop requested by peer")
			go func() { _ = p.Stop() }()
			return nil

		case control.TypeEvent:
			// Events are opaque to the pipeline; surface them as status.
			var ev control.Event
			if err := env.Decode(&ev); err == nil {
				p.log.Debug("event received", "event", ev.Type)
			}

		default:
			p.log.Debug("unhandled control message", "type", env.Type)
		}
	}
}

// pauseChannel maps a pause/resume intent onto the matching track toggle.
func (p *Publisher) pauseChannel(name string, enabled bool) {
	if name == media.ChannelMic {
		p.SetMicEnabled(enabled)
		return
	}
	if _, ok := media.QualityFor(name); ok {
		p.SetCameraEnabled(enabled)
	}
}
