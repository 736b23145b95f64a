package codec

import (
	"sync"
	"sync/atomic"

	"github.com/aulalive/aula/internal/media"
)

// Stub implementations used by the loopback example and by pipeline tests.
// They move bytes through the pipeline unmodified so transport, FEC, and
// scheduling behavior can be exercised without a real codec.

// StubVideoEncoder emits every input frame as an encoded chunk, marking
// keyframes when asked. The first chunk carries the decoder config.
type StubVideoEncoder struct {
	Quality media.Quality
	Output  func(EncodedChunk)

	mu         sync.Mutex
	closed     bool
	configSent bool
	queueDepth atomic.Int64
}

// Encode synchronously emits one chunk.
func (e *StubVideoEncoder) Encode(frame RawFrame, forceKey bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	first := !e.configSent
	e.configSent = true
	e.mu.Unlock()

	kind := media.KindDelta
	if forceKey {
		kind = media.KindKey
	}
	chunk := EncodedChunk{
		Kind:        kind,
		TimestampUS: frame.TimestampUS,
		Data:        frame.Data,
	}
	if first {
		chunk.Config = &media.DecoderConfig{
			Codec:       "stub.video",
			CodedWidth:  frame.Width,
			CodedHeight: frame.Height,
			FrameRate:   30,
			Description: []byte{0x01},
		}
	}
	e.Output(chunk)
	return nil
}

// QueueDepth reports the simulated backlog, settable from tests.
func (e *StubVideoEncoder) QueueDepth() int { return int(e.queueDepth.Load()) }

// SetQueueDepth overrides the reported backlog.
func (e *StubVideoEncoder) SetQueueDepth(n int) { e.queueDepth.Store(int64(n)) }

func (e *StubVideoEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// StubAudioEncoder emits every PCM chunk as encoded audio. The first
// chunk carries the decoder config, mirroring codecs whose first output
// includes the container header.
type StubAudioEncoder struct {
	SampleRate int
	Channels   int
	Output     func(EncodedChunk)

	mu         sync.Mutex
	closed     bool
	configSent bool
}

func (e *StubAudioEncoder) Encode(chunk PCM) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	first := !e.configSent
	e.configSent = true
	e.mu.Unlock()

	out := EncodedChunk{
		Kind:        media.KindAudio,
		TimestampUS: chunk.TimestampUS,
		Data:        chunk.Data,
	}
	if first {
		out.Config = &media.DecoderConfig{
			Codec:       "stub.audio",
			SampleRate:  e.SampleRate,
			Channels:    e.Channels,
			Description: []byte{0x02},
		}
	}
	e.Output(out)
	return nil
}

func (e *StubAudioEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// StubBackend is a decode backend that records calls and emits each input
// as a Frame. InitErr fails initialization; InitGate, when non-nil, blocks
// Init until closed, letting tests hold the decoder in AwaitingReady.
type StubBackend struct {
	InitErr  error
	InitGate chan struct{}
	output   func(Frame)

	mu      sync.Mutex
	inited  bool
	closed  bool
	decoded []int64 // timestamps in decode order
}

// NewStubBackend returns a picker that always selects a fresh StubBackend
// and a pointer slot through which tests can reach the most recent one.
func NewStubBackend(output func(Frame)) *StubBackend {
	return &StubBackend{output: output}
}

func (b *StubBackend) Init(cfg media.DecoderConfig) error {
	if b.InitGate != nil {
		<-b.InitGate
	}
	if b.InitErr != nil {
		return b.InitErr
	}
	b.mu.Lock()
	b.inited = true
	b.mu.Unlock()
	return nil
}

func (b *StubBackend) Decode(data []byte, key bool, tsUS int64) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if !b.inited {
		b.mu.Unlock()
		return ErrUnconfigured
	}
	b.decoded = append(b.decoded, tsUS)
	out := b.output
	b.mu.Unlock()

	if out != nil {
		buf := make([]byte, len(data))
		copy(buf, data)
		out(Frame{TimestampUS: tsUS, Data: buf})
	}
	return nil
}

func (b *StubBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Decoded returns the timestamps decoded so far, in order.
func (b *StubBackend) Decoded() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, len(b.decoded))
	copy(out, b.decoded)
	return out
}
