// Package codec defines the contracts the pipeline uses to drive encoders
// and decoders, and the decoder state machine that wraps a raw decode
// backend (hardware-accelerated or software polyfill) behind one
// well-defined lifecycle. The bit-level codecs themselves are opaque:
// callers inject backends, the pipeline only sequences them.
package codec

import (
	"errors"

	"github.com/aulalive/aula/internal/media"
)

var (
	// ErrUnconfigured marks decode attempts against a codec that has no
	// applied configuration. The scheduler reacts by re-applying the last
	// known config and retrying once.
	ErrUnconfigured = errors.New("codec: not configured")

	// ErrClosed marks operations on a closed encoder or decoder.
	ErrClosed = errors.New("codec: closed")
)

// Frame is a decoded video picture in normalized form. Backends that
// produce native frame objects and backends that produce planar YUV
// buffers both surface their output through this one shape.
type Frame struct {
	TimestampUS int64
	Width       int
	Height      int
	Data        []byte
}

// PCM is a decoded (or capture-side raw) block of audio samples.
type PCM struct {
	TimestampUS int64
	SampleRate  int
	Channels    int
	Samples     int
	Data        []byte
}

// RawFrame is an uncompressed video frame handed to an encoder.
type RawFrame struct {
	TimestampUS int64
	Width       int
	Height      int
	Data        []byte
}

// EncodedChunk is one unit of encoder output. Config is non-nil on the
// first chunk for which the encoder can report its codec metadata; the
// publisher sends it exactly once per channel.
type EncodedChunk struct {
	Kind        media.FrameKind
	TimestampUS int64
	Data        []byte
	Config      *media.DecoderConfig
}

// VideoEncoder is one simulcast tier's encoder. Encode is asynchronous:
// output arrives on the callback supplied at construction. QueueDepth
// reports frames accepted but not yet emitted, which the publisher uses
// for per-tier admission control.
type VideoEncoder interface {
	Encode(frame RawFrame, forceKey bool) error
	QueueDepth() int
	Close() error
}

// AudioEncoder consumes fixed-duration PCM chunks and emits encoded audio
// on its output callback.
type AudioEncoder interface {
	Encode(chunk PCM) error
	Close() error
}

// Backend is the raw decode primitive behind a Decoder. Init may block
// for module loading (a software polyfill fetching and compiling its
// runtime); the Decoder state machine runs it off the caller's goroutine.
// Decode output arrives on the callback supplied at construction.
type Backend interface {
	Init(cfg media.DecoderConfig) error
	Decode(data []byte, key bool, tsUS int64) error
	Close() error
}

// BackendPicker selects the decode backend for a config: the native
// implementation when the platform offers one for the codec, otherwise
// the software polyfill. Centralizing the choice here keeps call sites
// free of backend sniffing.
type BackendPicker struct {
	// NewNative returns a platform decoder for cfg, or nil when the
	// codec has no native support.
	NewNative func(cfg media.DecoderConfig, output func(Frame)) Backend
	// NewPolyfill returns the software fallback. Must not be nil.
	NewPolyfill func(cfg media.DecoderConfig, output func(Frame)) Backend
}

// Pick returns the backend for cfg.
func (p BackendPicker) Pick(cfg media.DecoderConfig, output func(Frame)) Backend {
	if p.NewNative != nil {
		if b := p.NewNative(cfg, output); b != nil {
			return b
		}
	}
	return p.NewPolyfill(cfg, output)
}
