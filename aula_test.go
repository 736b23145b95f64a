package aula

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aulalive/aula/internal/codec"
	"github.com/aulalive/aula/internal/media"
	"github.com/aulalive/aula/internal/transport"
	"github.com/aulalive/aula/internal/wire"
)

type testVideoSource struct {
	frames chan codec.RawFrame
}

func (s *testVideoSource) ReadFrame(ctx context.Context) (codec.RawFrame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return codec.RawFrame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return codec.RawFrame{}, ctx.Err()
	}
}

func (s *testVideoSource) Close() error { return nil }

type testAudioSource struct {
	chunks chan codec.PCM
}

func (s *testAudioSource) ReadChunk(ctx context.Context) (codec.PCM, error) {
	select {
	case c, ok := <-s.chunks:
		if !ok {
			return codec.PCM{}, io.EOF
		}
		return c, nil
	case <-ctx.Done():
		return codec.PCM{}, ctx.Err()
	}
}

func (s *testAudioSource) Close() error { return nil }

// recorder collects decoded output per channel.
type recorder struct {
	mu      sync.Mutex
	entries []recorded
}

type recorded struct {
	channel string
	tsUS    int64
}

func (r *recorder) sink(channel string, f codec.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recorded{channel: channel, tsUS: f.TimestampUS})
}

func (r *recorder) forChannel(channel string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, e := range r.entries {
		if e.channel == channel {
			out = append(out, e.tsUS)
		}
	}
	return out
}

func (r *recorder) count(channel string) int { return len(r.forChannel(channel)) }

func stubPicker() codec.BackendPicker {
	return codec.BackendPicker{
		NewPolyfill: func(_ media.DecoderConfig, output func(codec.Frame)) codec.Backend {
			return codec.NewStubBackend(output)
		},
	}
}

func newLoopbackPublisher(conn transport.Connector, video *testVideoSource, audio *testAudioSource, qualities []Quality) *Publisher {
	cfg := PublisherConfig{
		Qualities: qualities,
		Connector: conn,
		NewVideoEncoder: func(q media.Quality, out func(codec.EncodedChunk)) (codec.VideoEncoder, error) {
			return &codec.StubVideoEncoder{Quality: q, Output: out}, nil
		},
		NewAudioEncoder: func(out func(codec.EncodedChunk)) (codec.AudioEncoder, error) {
			return &codec.StubAudioEncoder{SampleRate: 48000, Channels: 1, Output: out}, nil
		},
		SampleRate: 48000,
	}
	if video != nil {
		cfg.Video = video
	}
	if audio != nil {
		cfg.Audio = audio
	}
	return NewPublisher(cfg)
}

func startLoopbackSubscriber(t *testing.T, conn transport.Connector, video, audio *recorder, initial Quality) *Subscriber {
	t.Helper()
	cfg := SubscriberConfig{
		Connector:      conn,
		VideoBackends:  stubPicker(),
		AudioBackends:  stubPicker(),
		InitialQuality: initial,
	}
	if video != nil {
		cfg.OnVideo = video.sink
	}
	if audio != nil {
		cfg.OnAudio = audio.sink
	}
	sub := NewSubscriber(cfg)
	require.NoError(t, sub.Start(context.Background()))
	t.Cleanup(func() { _ = sub.Stop() })
	return sub
}

func TestLoopbackPublishSubscribe(t *testing.T) {
	t.Parallel()
	net := transport.NewPipeNetwork()
	videoOut := &recorder{}
	audioOut := &recorder{}
	sub := startLoopbackSubscriber(t, net.SideB(), videoOut, audioOut, Quality360)
	_ = sub

	video := &testVideoSource{frames: make(chan codec.RawFrame, 32)}
	audio := &testAudioSource{chunks: make(chan codec.PCM, 32)}
	pub := newLoopbackPublisher(net.SideA(), video, audio, []Quality{Quality360})

	ctx := context.Background()
	require.NoError(t, pub.Init(ctx))
	require.NoError(t, pub.StartPublishing(ctx))
	t.Cleanup(func() { _ = pub.Stop() })

	for i := 0; i < 10; i++ {
		video.frames <- codec.RawFrame{TimestampUS: int64(i) * 33_333, Width: 640, Height: 360, Data: []byte{byte(i)}}
	}
	for i := 0; i < 5; i++ {
		audio.chunks <- codec.PCM{SampleRate: 48000, Channels: 1, Samples: 960, Data: []byte{byte(i)}}
	}

	require.Eventually(t, func() bool {
		return videoOut.count(media.ChannelCam360) == 10 && audioOut.count(media.ChannelMic) == 5
	}, 5*time.Second, 5*time.Millisecond, "loopback frames never surfaced")

	ts := videoOut.forChannel(media.ChannelCam360)
	for i := 1; i < len(ts); i++ {
		require.Greaterf(t, ts[i], ts[i-1], "video out of order at %d: %v", i, ts)
	}
}

// lossyConnector drops the first two symbols of every FEC transfer the
// subscriber would receive, simulating datagram loss the erasure code
// must absorb.
type lossyConnector struct {
	inner transport.Connector
}

func (c lossyConnector) OpenChannel(ctx context.Context, name string, ordered bool) (transport.Channel, error) {
	ch, err := c.inner.OpenChannel(ctx, name, ordered)
	if err != nil {
		return nil, err
	}
	return lossyChannel{ch}, nil
}

func (c lossyConnector) Close() error { return c.inner.Close() }

type lossyChannel struct {
	transport.Channel
}

func (c lossyChannel) Receive() ([]byte, error) {
	for {
		msg, err := c.Channel.Receive()
		if err != nil {
			return nil, err
		}
		if len(msg) >= wire.FECHeaderSize+2 && msg[4] == wire.MarkerFEC {
			id := binary.BigEndian.Uint16(msg[wire.FECHeaderSize : wire.FECHeaderSize+2])
			if id < 2 {
				continue
			}
		}
		return msg, nil
	}
}

func TestFECAbsorbsSymbolLoss(t *testing.T) {
	t.Parallel()
	net := transport.NewPipeNetwork()
	videoOut := &recorder{}
	sub := startLoopbackSubscriber(t, lossyConnector{net.SideB()}, videoOut, nil, Quality360)
	_ = sub

	video := &testVideoSource{frames: make(chan codec.RawFrame, 32)}
	pub := newLoopbackPublisher(net.SideA(), video, nil, []Quality{Quality360})

	ctx := context.Background()
	require.NoError(t, pub.Init(ctx))
	require.NoError(t, pub.StartPublishing(ctx))
	t.Cleanup(func() { _ = pub.Stop() })

	// Frames large enough that the redundancy policy yields at least two
	// repair symbols per transfer, so losing two still reconstructs.
	for i := 0; i < 10; i++ {
		data := make([]byte, 6144)
		data[0] = byte(i)
		video.frames <- codec.RawFrame{TimestampUS: int64(i) * 33_333, Width: 640, Height: 360, Data: data}
	}

	require.Eventually(t, func() bool {
		return videoOut.count(media.ChannelCam360) == 10
	}, 5*time.Second, 5*time.Millisecond, "frames lost despite erasure coding")

	ts := videoOut.forChannel(media.ChannelCam360)
	for i := 1; i < len(ts); i++ {
		require.Greaterf(t, ts[i], ts[i-1], "video out of order at %d: %v", i, ts)
	}
}

func TestQualitySwitchLoopback(t *testing.T) {
	t.Parallel()
	net := transport.NewPipeNetwork()
	videoOut := &recorder{}
	sub := startLoopbackSubscriber(t, net.SideB(), videoOut, nil, Quality360)

	video := &testVideoSource{frames: make(chan codec.RawFrame, 64)}
	pub := newLoopbackPublisher(net.SideA(), video, nil, []Quality{Quality360, Quality720})

	ctx := context.Background()
	require.NoError(t, pub.Init(ctx))
	require.NoError(t, pub.StartPublishing(ctx))
	t.Cleanup(func() { _ = pub.Stop() })

	for i := 0; i < 5; i++ {
		video.frames <- codec.RawFrame{TimestampUS: int64(i) * 33_333, Data: []byte{byte(i)}}
	}
	require.Eventually(t, func() bool {
		return videoOut.count(media.ChannelCam360) == 5
	}, 5*time.Second, 5*time.Millisecond, "initial tier never decoded")
	require.Zero(t, videoOut.count(media.ChannelCam720))

	require.NoError(t, sub.SwitchQuality(ctx, Quality720))
	require.Equal(t, Quality720, sub.CurrentQuality())

	before360 := videoOut.count(media.ChannelCam360)
	for i := 5; i < 10; i++ {
		video.frames <- codec.RawFrame{TimestampUS: int64(i) * 33_333, Data: []byte{byte(i)}}
	}

	require.Eventually(t, func() bool {
		out := videoOut.forChannel(media.ChannelCam720)
		if len(out) == 0 {
			return false
		}
		return out[len(out)-1] >= 9*33_000
	}, 5*time.Second, 5*time.Millisecond, "switched tier never decoded")

	// The detached tier surfaces nothing after the switch.
	require.Equal(t, before360, videoOut.count(media.ChannelCam360))

	ts := videoOut.forChannel(media.ChannelCam720)
	for i := 1; i < len(ts); i++ {
		require.Greaterf(t, ts[i], ts[i-1], "switched tier out of order at %d: %v", i, ts)
	}
}
