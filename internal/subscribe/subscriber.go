// Package subscribe implements the receive-side decode scheduler: it
// consumes media channels announced by a publisher, reassembles
// FEC-protected packets, gates each video channel on its first keyframe,
// and drives one decoder state machine per channel. Pull-based transports
// get a backlog-adaptive pacing loop; push transports decode as messages
// arrive.
package subscribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aulalive/aula/internal/codec"
	"github.com/aulalive/aula/internal/control"
	"github.com/aulalive/aula/internal/fec"
	"github.com/aulalive/aula/internal/media"
	"github.com/aulalive/aula/internal/transport"
	"github.com/aulalive/aula/internal/wire"
)

// ErrNotStarted is returned by operations that require a running
// subscriber.
var ErrNotStarted = errors.New("subscribe: not started")

// chanQueueSize bounds the inbound FIFO of a paced channel.
const chanQueueSize = 256

// FrameSink receives decoded output for a channel. Video channels
// deliver pictures; the audio channel delivers PCM blocks in the frame's
// Data field.
type FrameSink func(channel string, frame codec.Frame)

// Config wires a Subscriber.
type Config struct {
	// Connector opens the per-channel transports toward the publisher.
	Connector transport.Connector

	// VideoBackends and AudioBackends pick the decode backend per
	// channel config.
	VideoBackends codec.BackendPicker
	AudioBackends codec.BackendPicker

	// InitialQuality is the simulcast tier subscribed first. Defaults
	// to 360p.
	InitialQuality media.Quality

	// OnVideo and OnAudio receive decoded output. Either may be nil.
	OnVideo FrameSink
	OnAudio FrameSink

	// OnViewerCount, OnPublisherState, and OnEvent surface control
	// traffic that is not the pipeline's business. All optional.
	OnViewerCount    func(count int)
	OnPublisherState func(state control.PublisherState)
	OnEvent          func(ev control.Event)

	Log *slog.Logger
}

// chanState is one subscribed channel: its transport, its decoder, its
// FEC assembler, and the keyframe gate.
type chanState struct {
	name  string
	video bool
	tr    transport.Channel
	asm   *fec.Assembler
	pacer *Pacer
	paced bool
	queue chan []byte

	mu           sync.Mutex
	dec          *codec.Decoder
	cfg          media.DecoderConfig
	cfgValid     bool
	keyframeSeen bool

	droppedPreKey atomic.Int64
	decodeErrors  atomic.Int64
}

func (cs *chanState) decoder() *codec.Decoder {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.dec
}

// gate admits or drops one video frame. A keyframe opens the gate;
// delta frames before the first keyframe are undecodable and dropped.
func (cs *chanState) gate(key bool) bool {
	if !cs.video {
		return true
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if key {
		cs.keyframeSeen = true
		return true
	}
	if !cs.keyframeSeen {
		cs.droppedPreKey.Add(1)
		return false
	}
	return true
}

// Subscriber is the decode scheduler for one remote publisher. Channels
// are attached as the publisher announces them; the active video tier is
// a single channel at a time, switched with SwitchQuality.
type Subscriber struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	started    bool
	stopped    bool
	ctrl       *control.Conn
	cancel     context.CancelFunc
	group      *errgroup.Group
	runCtx     context.Context
	chans      map[string]*chanState
	current    media.Quality
	pendingCfg map[string]media.DecoderConfig
}

// New creates a subscriber.
func New(cfg Config) *Subscriber {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Subscriber{
		cfg:        cfg,
		log:        cfg.Log.With("component", "subscriber"),
		chans:      make(map[string]*chanState),
		current:    cfg.InitialQuality,
		pendingCfg: make(map[string]media.DecoderConfig),
	}
}

// Start opens the control channel and begins consuming. Media channels
// attach when the publisher's channel announcement arrives.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.stopped {
		return fmt.Errorf("subscribe: start after stop")
	}

	ctrlCh, err := s.cfg.Connector.OpenChannel(ctx, media.ChannelControl, true)
	if err != nil {
		return fmt.Errorf("subscribe: open control channel: %w", err)
	}
	s.ctrl = control.NewConn(ctrlCh, s.cfg.Log)

	runCtx, cancel := context.WithCancel(context.Background())
	g, runCtx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g
	s.runCtx = runCtx
	s.started = true

	g.Go(func() error { return s.controlLoop(runCtx) })

	s.log.Info("subscriber started", "tier", s.current)
	return nil
}

// Stop tears down every channel and decoder. Idempotent.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()

	chans := s.chans
	s.chans = make(map[string]*chanState)
	ctrl := s.ctrl
	group := s.group
	s.mu.Unlock()

	for _, cs := range chans {
		_ = cs.tr.Close()
		_ = cs.decoder().Close()
	}
	if ctrl != nil {
		_ = ctrl.Close()
	}
	if group != nil {
		_ = group.Wait()
	}
	s.log.Info("subscriber stopped")
	return nil
}

// CurrentQuality returns the active video tier.
func (s *Subscriber) CurrentQuality() media.Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// DroppedPreKey reports how many delta frames a channel dropped while
// waiting for its first keyframe.
func (s *Subscriber) DroppedPreKey(channel string) int64 {
	s.mu.Lock()
	cs := s.chans[channel]
	s.mu.Unlock()
	if cs == nil {
		return 0
	}
	return cs.droppedPreKey.Load()
}

// SwitchQuality moves the active video tier: it tells the publisher (so
// a keyframe is scheduled on the target tier), detaches the old tier's
// channel, and attaches the new one with a closed keyframe gate. Frames
// from the new tier surface only once its keyframe arrives.
func (s *Subscriber) SwitchQuality(ctx context.Context, to media.Quality) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return ErrNotStarted
	}
	if to == s.current {
		return nil
	}

	from := s.current
	if err := s.ctrl.Send(control.TypeSwitchQuality, control.SwitchQuality{
		From: media.ChannelFor(from),
		To:   media.ChannelFor(to),
	}); err != nil {
		return fmt.Errorf("subscribe: request switch: %w", err)
	}

	if cs, ok := s.chans[media.ChannelFor(from)]; ok {
		delete(s.chans, cs.name)
		_ = cs.tr.Close()
		_ = cs.decoder().Close()
	}

	if err := s.attachLocked(ctx, media.ChannelFor(to)); err != nil {
		return err
	}
	s.current = to
	s.log.Info("quality switched", "from", from, "to", to)
	return nil
}

// controlLoop consumes inbound control messages for the subscriber role.
func (s *Subscriber) controlLoop(ctx context.Context) error {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil
		}
		env, err := ctrl.Receive()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("control receive ended", "error", err)
			}
			return nil
		}

		switch env.Type {
		case control.TypeInitChannelStream:
			var init control.InitChannelStream
			if err := env.Decode(&init); err != nil {
				s.log.Warn("bad channel announcement", "error", err)
				continue
			}
			s.handleAnnouncement(ctx, init)

		case control.TypeStreamConfig:
			var sc control.StreamConfig
			if err := env.Decode(&sc); err != nil {
				s.log.Warn("bad stream config", "error", err)
				continue
			}
			s.handleStreamConfig(sc)

		case control.TypeDecoderConfigs:
			var dc control.DecoderConfigs
			if err := env.Decode(&dc); err != nil {
				s.log.Warn("bad config bundle", "error", err)
				continue
			}
			for _, sc := range dc.Configs {
				s.handleStreamConfig(sc)
			}

		case control.TypePublisherState:
			var ps control.PublisherState
			if err := env.Decode(&ps); err == nil && s.cfg.OnPublisherState != nil {
				s.cfg.OnPublisherState(ps)
			}

		case control.TypeTotalViewerCount:
			var tv control.TotalViewerCount
			if err := env.Decode(&tv); err == nil && s.cfg.OnViewerCount != nil {
				s.cfg.OnViewerCount(tv.Count)
			}

		case control.TypeEvent:
			var ev control.Event
			if err := env.Decode(&ev); err == nil && s.cfg.OnEvent != nil {
				s.cfg.OnEvent(ev)
			}

		case control.TypeStopStream:
			s.log.Info("publisher stopped the stream")
			go func() { _ = s.Stop() }()
			return nil

		default:
			s.log.Debug("unhandled control message", "type", env.Type)
		}
	}
}

// handleAnnouncement attaches the announced channels: audio and screen
// always, camera tiers only the active one.
func (s *Subscriber) handleAnnouncement(ctx context.Context, init control.InitChannelStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	active := media.ChannelFor(s.current)

	for _, name := range init.Channels {
		if _, ok := s.chans[name]; ok {
			continue
		}
		if q, video := media.QualityFor(name); video && q != media.QualityScreen && name != active {
			continue
		}
		if err := s.attachLocked(ctx, name); err != nil {
			s.log.Warn("channel attach failed", "channel", name, "error", err)
		}
	}
	s.log.Info("channels announced", "session", init.SessionID, "count", len(init.Channels))
}

// attachLocked opens one channel, builds its decoder, and starts its
// consumer. Caller holds s.mu.
func (s *Subscriber) attachLocked(ctx context.Context, name string) error {
	tr, err := s.cfg.Connector.OpenChannel(ctx, name, false)
	if err != nil {
		return fmt.Errorf("subscribe: open channel %q: %w", name, err)
	}

	_, video := media.QualityFor(name)
	cs := &chanState{
		name:  name,
		video: video,
		tr:    tr,
		asm:   fec.NewAssembler(s.cfg.Log),
	}
	cs.dec = s.newDecoder(cs)

	if pc, ok := tr.(transport.PolledChannel); ok && pc.Polled() {
		cs.paced = true
		cs.queue = make(chan []byte, chanQueueSize)
		nominal := NominalVideoInterval
		if !video {
			nominal = NominalAudioInterval
		}
		cs.pacer = NewPacer(nominal)
	}

	if cfg, ok := s.pendingCfg[name]; ok {
		delete(s.pendingCfg, name)
		s.applyConfig(cs, cfg)
	}

	s.chans[name] = cs
	runCtx := s.runCtx
	if cs.paced {
		s.group.Go(func() error { return s.fillLoop(runCtx, cs) })
		s.group.Go(func() error { return s.pacedLoop(runCtx, cs) })
	} else {
		s.group.Go(func() error { return s.receiveLoop(runCtx, cs) })
	}
	s.log.Info("channel attached", "channel", name, "paced", cs.paced)
	return nil
}

// newDecoder builds a fresh decoder for the channel, routing output to
// the configured sink.
func (s *Subscriber) newDecoder(cs *chanState) *codec.Decoder {
	picker := s.cfg.VideoBackends
	sink := s.cfg.OnVideo
	if !cs.video {
		picker = s.cfg.AudioBackends
		sink = s.cfg.OnAudio
	}
	name := cs.name
	return codec.NewDecoder(picker, func(f codec.Frame) {
		if sink != nil {
			sink(name, f)
		}
	}, s.cfg.Log)
}

// handleStreamConfig applies an announced decoder config, or parks it
// until the channel attaches.
func (s *Subscriber) handleStreamConfig(sc control.StreamConfig) {
	cfg, err := sc.DecoderConfig()
	if err != nil {
		s.log.Warn("bad decoder config", "channel", sc.ChannelName, "error", err)
		return
	}

	s.mu.Lock()
	cs, ok := s.chans[sc.ChannelName]
	if !ok {
		s.pendingCfg[sc.ChannelName] = cfg
	}
	s.mu.Unlock()

	if ok {
		s.applyConfig(cs, cfg)
	}
}

// applyConfig configures the channel's decoder. The publisher delivers
// each config twice, over the control channel and as a protected packet
// on the media channel; the duplicate must not replace a live backend,
// which would park admitted frames behind a second init.
func (s *Subscriber) applyConfig(cs *chanState, cfg media.DecoderConfig) {
	cs.mu.Lock()
	if cs.cfgValid && cs.cfg.Equal(cfg) {
		cs.mu.Unlock()
		return
	}
	cs.cfg = cfg
	cs.cfgValid = true
	dec := cs.dec
	cs.mu.Unlock()

	if err := dec.Configure(cfg); err != nil {
		s.log.Warn("decoder configure failed", "channel", cs.name, "error", err)
		return
	}
	s.log.Info("decoder configured", "channel", cs.name, "codec", cfg.Codec)
}

// receiveLoop is the push-transport consumer: decode as messages arrive.
func (s *Subscriber) receiveLoop(ctx context.Context, cs *chanState) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := cs.tr.Receive()
		if err != nil {
			return nil
		}
		s.handleMessage(cs, msg)
	}
}

// fillLoop reads a paced channel's transport into its queue.
func (s *Subscriber) fillLoop(ctx context.Context, cs *chanState) error {
	defer close(cs.queue)
	for {
		msg, err := cs.tr.Receive()
		if err != nil {
			return nil
		}
		select {
		case cs.queue <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// pacedLoop drains a paced channel's queue, spacing pops by the pacer's
// backlog-adaptive interval.
func (s *Subscriber) pacedLoop(ctx context.Context, cs *chanState) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		var msg []byte
		var ok bool
		select {
		case msg, ok = <-cs.queue:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return nil
		}

		s.handleMessage(cs, msg)

		timer.Reset(cs.pacer.Interval(len(cs.queue)))
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// handleMessage processes one transport message for a channel: envelope
// parse, FEC reassembly, then decode dispatch.
func (s *Subscriber) handleMessage(cs *chanState, msg []byte) {
	env, payload, err := wire.ParseEnvelope(msg)
	if err != nil {
		s.log.Debug("bad envelope", "channel", cs.name, "error", err)
		return
	}

	pkt := payload
	if env.FEC {
		out, done, err := cs.asm.Add(env.Sequence, env.Params, payload)
		if err != nil {
			s.log.Debug("bad fec symbol", "channel", cs.name, "error", err)
			return
		}
		if !done {
			return
		}
		pkt = out
	}

	h, body, err := wire.ParsePublish(pkt)
	if err != nil {
		s.log.Debug("bad packet header", "channel", cs.name, "error", err)
		return
	}

	switch h.Kind {
	case media.KindConfig:
		var sc control.StreamConfig
		if err := json.Unmarshal(body, &sc); err != nil {
			s.log.Warn("bad config packet", "channel", cs.name, "error", err)
			return
		}
		cfg, err := sc.DecoderConfig()
		if err != nil {
			s.log.Warn("bad config packet", "channel", cs.name, "error", err)
			return
		}
		s.applyConfig(cs, cfg)

	case media.KindKey, media.KindDelta:
		key := h.Kind == media.KindKey
		if !cs.gate(key) {
			return
		}
		s.decode(cs, body, key, int64(h.Timestamp)*1000)

	case media.KindAudio:
		s.decode(cs, body, false, int64(h.Timestamp)*1000)

	default:
		// Events riding a media channel are not the pipeline's business.
		s.log.Debug("skipping packet", "channel", cs.name, "kind", h.Kind)
	}
}

// decode submits one frame to the channel's decoder, recreating a closed
// decoder transparently and retrying once through the cached config when
// the decoder reports it has none.
func (s *Subscriber) decode(cs *chanState, data []byte, key bool, tsUS int64) {
	dec := cs.decoder()
	if dec.State() == codec.StateClosed {
		dec = s.recreate(cs)
	}

	err := dec.Decode(data, key, tsUS)
	if errors.Is(err, codec.ErrUnconfigured) {
		cs.mu.Lock()
		cfg, ok := cs.cfg, cs.cfgValid
		cs.mu.Unlock()
		if ok {
			if cerr := dec.Configure(cfg); cerr == nil {
				err = dec.Decode(data, key, tsUS)
			}
		}
	}
	if err != nil {
		cs.decodeErrors.Add(1)
		s.log.Warn("decode failed", "channel", cs.name, "error", err)
	}
}

// recreate replaces a closed decoder with a fresh one carrying the
// channel's cached config, so a backend teardown never surfaces to the
// frame path.
func (s *Subscriber) recreate(cs *chanState) *codec.Decoder {
	dec := s.newDecoder(cs)

	cs.mu.Lock()
	cs.dec = dec
	cfg, ok := cs.cfg, cs.cfgValid
	cs.mu.Unlock()

	if ok {
		if err := dec.Configure(cfg); err != nil {
			s.log.Warn("decoder reconfigure failed", "channel", cs.name, "error", err)
		}
	}
	s.log.Info("decoder recreated", "channel", cs.name)
	return dec
}
