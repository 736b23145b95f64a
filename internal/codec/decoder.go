package codec

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gammazero/deque"

	"github.com/aulalive/aula/internal/media"
)

// State is the decoder lifecycle position.
type State int

const (
	StateUnconfigured State = iota
	StateAwaitingReady
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// maxDeferred bounds the FIFO of decode calls accepted while the backend
// is still initializing. When full, the oldest deferred frame is dropped;
// the keyframe gate upstream makes a dropped prefix recoverable.
const maxDeferred = 64

type deferredDecode struct {
	data []byte
	key  bool
	tsUS int64
}

// Decoder is the per-channel decode state machine:
//
//	Unconfigured → AwaitingReady → Ready → Closed
//
// Configure starts backend initialization off the caller's goroutine;
// Decode calls arriving before the backend is ready are queued in a
// bounded FIFO and flushed, in order, on the transition into Ready. A
// Decoder is owned by the single goroutine scheduling its channel, but
// the ready transition races with Decode, so state is mutex-guarded.
type Decoder struct {
	log    *slog.Logger
	picker BackendPicker
	output func(Frame)

	mu       sync.Mutex
	state    State
	backend  Backend
	cfg      media.DecoderConfig
	deferred deque.Deque[deferredDecode]
	dropped  int64
}

// NewDecoder creates an unconfigured decoder. Decoded frames arrive on
// output. If log is nil, slog.Default() is used.
func NewDecoder(picker BackendPicker, output func(Frame), log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		log:    log.With("component", "decoder"),
		picker: picker,
		output: output,
	}
}

// State returns the current lifecycle state.
func (d *Decoder) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Config returns the last applied configuration.
func (d *Decoder) Config() media.DecoderConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Configure selects a backend for cfg and begins initializing it. The
// decoder enters AwaitingReady immediately; it transitions to Ready and
// flushes any deferred decodes once initialization completes. Configuring
// a closed decoder returns ErrClosed; reconfiguring an already-configured
// decoder replaces the backend.
func (d *Decoder) Configure(cfg media.DecoderConfig) error {
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return ErrClosed
	}
	old := d.backend
	backend := d.picker.Pick(cfg, d.output)
	d.backend = backend
	d.cfg = cfg
	d.state = StateAwaitingReady
	d.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	go d.initBackend(backend, cfg)
	return nil
}

func (d *Decoder) initBackend(backend Backend, cfg media.DecoderConfig) {
	err := backend.Init(cfg)

	d.mu.Lock()
	// A Reset, Close, or newer Configure may have superseded this init.
	if d.backend != backend || d.state != StateAwaitingReady {
		d.mu.Unlock()
		return
	}
	if err != nil {
		d.state = StateUnconfigured
		d.deferred.Clear()
		d.mu.Unlock()
		d.log.Warn("backend init failed", "codec", cfg.Codec, "error", err)
		return
	}

	var flush []deferredDecode
	for d.deferred.Len() > 0 {
		flush = append(flush, d.deferred.PopFront())
	}
	d.state = StateReady
	d.mu.Unlock()

	for _, op := range flush {
		if err := backend.Decode(op.data, op.key, op.tsUS); err != nil {
			d.log.Warn("deferred decode failed", "error", err)
		}
	}
}

// Decode submits one encoded frame. In Ready it decodes immediately; in
// AwaitingReady it is queued for the flush on ready; in Unconfigured it
// returns ErrUnconfigured so the scheduler can re-apply the cached config;
// in Closed it returns ErrClosed.
func (d *Decoder) Decode(data []byte, key bool, tsUS int64) error {
	d.mu.Lock()
	switch d.state {
	case StateClosed:
		d.mu.Unlock()
		return ErrClosed
	case StateUnconfigured:
		d.mu.Unlock()
		return ErrUnconfigured
	case StateAwaitingReady:
		if d.deferred.Len() >= maxDeferred {
			d.deferred.PopFront()
			d.dropped++
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		d.deferred.PushBack(deferredDecode{data: buf, key: key, tsUS: tsUS})
		d.mu.Unlock()
		return nil
	}
	backend := d.backend
	d.mu.Unlock()

	return backend.Decode(data, key, tsUS)
}

// Reset returns the decoder to Unconfigured, dropping deferred work and
// closing the backend. The cached config survives so a later Configure
// can reuse it.
func (d *Decoder) Reset() error {
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return ErrClosed
	}
	backend := d.backend
	d.backend = nil
	d.state = StateUnconfigured
	d.deferred.Clear()
	d.mu.Unlock()

	if backend != nil {
		return backend.Close()
	}
	return nil
}

// Close moves the decoder to Closed and releases the backend. Idempotent.
func (d *Decoder) Close() error {
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return nil
	}
	backend := d.backend
	d.backend = nil
	d.state = StateClosed
	d.deferred.Clear()
	d.mu.Unlock()

	if backend != nil {
		return backend.Close()
	}
	return nil
}

// DroppedDeferred reports decode calls discarded because the deferred
// FIFO was full.
func (d *Decoder) DroppedDeferred() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}
