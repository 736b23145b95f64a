// Package publish implements the capture-to-transport pipeline: it drives
// one video encoder per simulcast tier plus an audio encoder, routes
// encoded output through the packetizer, FEC, and transport layers, and
// manages per-channel sequence counters, GOP cadence, and config-frame
// delivery. Capture devices and codecs are injected; the pipeline owns
// everything between them and the wire.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aulalive/aula/internal/codec"
	"github.com/aulalive/aula/internal/control"
	"github.com/aulalive/aula/internal/fec"
	"github.com/aulalive/aula/internal/media"
	"github.com/aulalive/aula/internal/session"
	"github.com/aulalive/aula/internal/transport"
	"github.com/aulalive/aula/internal/wire"
)

// State is the publisher lifecycle position.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateInitialized
	StatePublishing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StatePublishing:
		return "publishing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotInitialized is returned by StartPublishing before a
	// successful Init.
	ErrNotInitialized = errors.New("publish: not initialized")

	// ErrDependencyLoad wraps a failed codec dependency load. Init must
	// be re-invoked after this; StartPublishing will keep failing.
	ErrDependencyLoad = errors.New("publish: dependency load failed")
)

// Fixed GOP length: a keyframe every 30 frames, plus on-demand keyframes
// when a subscriber switches onto a tier.
const gopLength = 30

// maxEncodeBacklog is the per-tier admission threshold: when a tier's
// encoder queue is deeper than this, new frames are dropped for that tier
// only, keeping the other tiers and the capture loop live.
const maxEncodeBacklog = 5

// VideoSource delivers raw frames at the capture rate. ReadFrame blocks
// until a frame is available; io.EOF signals the track ended (the user
// stopped the camera or screen share).
type VideoSource interface {
	ReadFrame(ctx context.Context) (codec.RawFrame, error)
	Close() error
}

// AudioSource delivers fixed 20 ms PCM chunks.
type AudioSource interface {
	ReadChunk(ctx context.Context) (codec.PCM, error)
	Close() error
}

// Config wires a Publisher.
type Config struct {
	// Qualities are the simulcast tiers to encode. Defaults to 360p+720p.
	Qualities []media.Quality

	// Connector opens the per-channel transports.
	Connector transport.Connector

	// LoadDependencies performs the one-time codec dependency load (the
	// encoder module, the audio encoder script). Shared across concurrent
	// Init calls; nil skips the step.
	LoadDependencies func(ctx context.Context) error

	// NewVideoEncoder builds one tier's encoder with its output callback.
	NewVideoEncoder func(q media.Quality, out func(codec.EncodedChunk)) (codec.VideoEncoder, error)

	// NewAudioEncoder builds the session's audio encoder.
	NewAudioEncoder func(out func(codec.EncodedChunk)) (codec.AudioEncoder, error)

	// Video and Audio are the capture sources. Either may be nil for a
	// video-only or audio-only session.
	Video VideoSource
	Audio AudioSource

	// SampleRate of the audio source, for the session clock.
	SampleRate int

	// OnStatus receives human-readable lifecycle messages. Optional.
	OnStatus func(msg string)

	Log *slog.Logger
}

// Publisher is the publish pipeline. Lifecycle:
//
//	uninitialized → initializing → initialized → publishing → stopped
//
// Init and StartPublishing are idempotent; Stop is terminal.
type Publisher struct {
	cfg Config
	log *slog.Logger

	state atomic.Int32
	sf    singleflight.Group

	mu       sync.Mutex
	sess     *session.Session
	ctrl     *control.Conn
	cancel   context.CancelFunc
	group    *errgroup.Group
	tiers    []*tier
	audioEnc codec.AudioEncoder

	screen *screenShare

	micEnabled    atomic.Bool
	cameraEnabled atomic.Bool

	framesCaptured atomic.Int64
	audioChunks    atomic.Int64
}

// tier is one simulcast quality's encoder and channel state.
type tier struct {
	quality media.Quality
	ch      *session.Channel
	enc     codec.VideoEncoder

	keyRequested atomic.Bool
	drops        atomic.Int64
	encoded      atomic.Int64
}

// New creates a publisher in the uninitialized state.
func New(cfg Config) *Publisher {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if len(cfg.Qualities) == 0 {
		cfg.Qualities = []media.Quality{media.Quality360, media.Quality720}
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	p := &Publisher{
		cfg: cfg,
		log: cfg.Log.With("component", "publisher"),
	}
	p.micEnabled.Store(cfg.Audio != nil)
	p.cameraEnabled.Store(cfg.Video != nil)
	return p
}

// State returns the current lifecycle state.
func (p *Publisher) State() State { return State(p.state.Load()) }

func (p *Publisher) status(msg string) {
	if p.cfg.OnStatus != nil {
		p.cfg.OnStatus(msg)
	}
}

// Init loads codec dependencies exactly once. Concurrent callers share
// the in-flight load; abandoning the call does not cancel it for other
// waiters. A failed load returns the publisher to uninitialized — the
// caller must re-invoke Init before publishing.
func (p *Publisher) Init(ctx context.Context) error {
	switch p.State() {
	case StateInitialized, StatePublishing:
		return nil
	case StateStopped:
		return fmt.Errorf("publish: init after stop")
	}

	p.state.Store(int32(StateInitializing))
	_, err, _ := p.sf.Do("deps", func() (any, error) {
		if p.cfg.LoadDependencies == nil {
			return nil, nil
		}
		return nil, p.cfg.LoadDependencies(ctx)
	})
	if err != nil {
		p.state.Store(int32(StateUninitialized))
		return fmt.Errorf("%w: %v", ErrDependencyLoad, err)
	}

	p.state.Store(int32(StateInitialized))
	return nil
}

// StartPublishing opens the transport channels, builds the encoders, and
// starts the capture loops. Requires a successful Init; calling while
// already publishing is a no-op that reports "already publishing".
func (p *Publisher) StartPublishing(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// State examined under the lock, so racing callers cannot both build
	// a session.
	switch p.State() {
	case StatePublishing:
		p.status("already publishing")
		return nil
	case StateInitialized:
	default:
		return ErrNotInitialized
	}

	sess := session.New(p.cfg.SampleRate, p.cfg.Log)
	ctrlCh, err := p.cfg.Connector.OpenChannel(ctx, media.ChannelControl, true)
	if err != nil {
		return fmt.Errorf("publish: open control channel: %w", err)
	}
	ctrl := control.NewConn(ctrlCh, p.cfg.Log)

	var names []string
	var tiers []*tier
	if p.cfg.Video != nil {
		for _, q := range p.cfg.Qualities {
			name := media.ChannelFor(q)
			tr, err := p.cfg.Connector.OpenChannel(ctx, name, false)
			if err != nil {
				_ = ctrl.Close()
				return fmt.Errorf("publish: open channel %q: %w", name, err)
			}
			ch, _ := sess.Attach(name, tr)
			tiers = append(tiers, &tier{quality: q, ch: ch})
			names = append(names, name)
		}
	}

	var micCh *session.Channel
	if p.cfg.Audio != nil {
		tr, err := p.cfg.Connector.OpenChannel(ctx, media.ChannelMic, false)
		if err != nil {
			_ = ctrl.Close()
			sess.Dispose()
			return fmt.Errorf("publish: open channel %q: %w", media.ChannelMic, err)
		}
		micCh, _ = sess.Attach(media.ChannelMic, tr)
		names = append(names, media.ChannelMic)
	}

	if err := ctrl.Send(control.TypeInitChannelStream, control.InitChannelStream{
		SessionID: sess.ID,
		Channels:  names,
	}); err != nil {
		_ = ctrl.Close()
		sess.Dispose()
		return fmt.Errorf("publish: announce channels: %w", err)
	}

	// Encoders after channels, so output callbacks always have a wire to
	// write to.
	for _, t := range tiers {
		t := t
		enc, err := p.cfg.NewVideoEncoder(t.quality, func(chunk codec.EncodedChunk) {
			p.handleVideoChunk(t, chunk)
		})
		if err != nil {
			_ = ctrl.Close()
			sess.Dispose()
			return fmt.Errorf("publish: build %v encoder: %w", t.quality, err)
		}
		t.enc = enc
	}

	var audioEnc codec.AudioEncoder
	if p.cfg.Audio != nil {
		audioEnc, err = p.cfg.NewAudioEncoder(func(chunk codec.EncodedChunk) {
			p.handleAudioChunk(micCh, chunk)
		})
		if err != nil {
			_ = ctrl.Close()
			sess.Dispose()
			return fmt.Errorf("publish: build audio encoder: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, runCtx := errgroup.WithContext(runCtx)

	p.sess = sess
	p.ctrl = ctrl
	p.cancel = cancel
	p.group = g
	p.tiers = tiers
	p.audioEnc = audioEnc
	p.state.Store(int32(StatePublishing))

	if p.cfg.Video != nil {
		g.Go(func() error { return p.videoLoop(runCtx) })
	}
	if p.cfg.Audio != nil {
		g.Go(func() error { return p.audioLoop(runCtx) })
	}
	g.Go(func() error { return p.controlLoop(runCtx) })

	p.sendPublisherStateTo(ctrl)
	p.status("publishing started")
	p.log.Info("publishing started", "tiers", len(tiers), "audio", p.cfg.Audio != nil)
	return nil
}

// Stop tears the pipeline down: encoders first so no frame is encoded
// after channels close, then transports, then the media sources.
// Idempotent.
func (p *Publisher) Stop() error {
	if p.State() != StatePublishing {
		p.state.Store(int32(StateStopped))
		return nil
	}
	p.state.Store(int32(StateStopped))

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	for _, t := range p.tiers {
		if t.enc != nil {
			_ = t.enc.Close()
		}
	}
	if p.audioEnc != nil {
		_ = p.audioEnc.Close()
	}

	if p.screen != nil {
		p.stopScreenLocked()
	}

	if p.sess != nil {
		p.sess.Dispose()
	}
	if p.ctrl != nil {
		_ = p.ctrl.Close()
	}

	if p.cfg.Video != nil {
		_ = p.cfg.Video.Close()
	}
	if p.cfg.Audio != nil {
		_ = p.cfg.Audio.Close()
	}

	if p.group != nil {
		_ = p.group.Wait()
	}

	p.status("publishing stopped")
	p.log.Info("publishing stopped")
	return nil
}

// RequestKeyframe schedules an on-demand keyframe for the tier, used when
// a subscriber switches onto it mid-GOP.
func (p *Publisher) RequestKeyframe(q media.Quality) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tiers {
		if t.quality == q {
			t.keyRequested.Store(true)
			return
		}
	}
}

// SetMicEnabled toggles the mic and announces the new publisher state.
func (p *Publisher) SetMicEnabled(on bool) {
	p.micEnabled.Store(on)
	p.sendPublisherState()
	if on {
		p.status("microphone enabled")
	} else {
		p.status("microphone muted")
	}
}

// SetCameraEnabled toggles the camera and announces the new publisher state.
func (p *Publisher) SetCameraEnabled(on bool) {
	p.cameraEnabled.Store(on)
	p.sendPublisherState()
	if on {
		p.status("camera enabled")
	} else {
		p.status("camera disabled")
	}
}

func (p *Publisher) sendPublisherState() {
	p.mu.Lock()
	ctrl := p.ctrl
	p.mu.Unlock()
	p.sendPublisherStateTo(ctrl)
}

func (p *Publisher) sendPublisherStateTo(ctrl *control.Conn) {
	if ctrl == nil {
		return
	}
	err := ctrl.Send(control.TypePublisherState, control.PublisherState{
		HasCamera:     p.cfg.Video != nil,
		HasMic:        p.cfg.Audio != nil,
		CameraEnabled: p.cameraEnabled.Load(),
		MicEnabled:    p.micEnabled.Load(),
	})
	if err != nil {
		p.log.Warn("publisher state send failed", "error", err)
	}
}

// TierDrops reports frames dropped by admission control for a tier.
func (p *Publisher) TierDrops(q media.Quality) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tiers {
		if t.quality == q {
			return t.drops.Load()
		}
	}
	return 0
}

// sendPacket routes one packetized frame through FEC (when its class is
// protected) or a regular envelope, then hands it to the channel's write
// loop. A full outbox drops the frame for this channel only; the encoder
// callbacks never block on a stalled transport.
func sendPacket(ch *session.Channel, pkt []byte, seq uint32, kind media.FrameKind) error {
	class := kind.Class()
	if class.Protected() {
		frags, err := fec.Encode(seq, class, pkt, 0)
		if err != nil {
			return fmt.Errorf("fec encode: %w", err)
		}
		ch.EnqueueFrame(frags)
		return nil
	}

	msg := make([]byte, 0, wire.EnvelopeHeaderSize+len(pkt))
	msg = wire.AppendRegular(msg, seq, media.WireTypeFor(kind, ch.Quality))
	msg = append(msg, pkt...)
	ch.EnqueueFrame([][]byte{msg})
	return nil
}
