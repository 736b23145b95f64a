// Command aula runs a loopback demonstration of the media pipeline: a
// publisher with synthetic capture sources and a subscriber wired
// together in-process, plus a WebTransport endpoint that pushes the same
// synthetic publish stream to any connecting session.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aulalive/aula"
	"github.com/aulalive/aula/internal/certs"
	"github.com/aulalive/aula/internal/codec"
	"github.com/aulalive/aula/internal/media"
	"github.com/aulalive/aula/internal/transport"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}

	wtAddr := envOr("WT_ADDR", ":4443")
	wtPath := envOr("WT_PATH", "/media")

	slog.Info("aula starting",
		"version", version,
		"webtransport", wtAddr,
		"path", wtPath,
		"cert_hash", cert.FingerprintBase64(),
		"cert_expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)

	wtSrv := transport.NewWTServer(wtAddr, wtPath, cert.TLSCert, func(conn *transport.WTConnector) {
		go runSessionPublisher(ctx, conn)
	}, nil)

	g.Go(func() error {
		<-ctx.Done()
		return wtSrv.Close()
	})
	g.Go(func() error {
		err := wtSrv.ListenAndServe()
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error { return runLoopback(ctx) })

	if err := g.Wait(); err != nil {
		slog.Error("shutdown with error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func stubPicker() codec.BackendPicker {
	return codec.BackendPicker{
		NewPolyfill: func(_ media.DecoderConfig, output func(codec.Frame)) codec.Backend {
			return codec.NewStubBackend(output)
		},
	}
}

// runLoopback wires a publisher and a subscriber over an in-process pipe
// and logs decode throughput once a second.
func runLoopback(ctx context.Context) error {
	net := transport.NewPipeNetwork()

	var videoFrames, audioFrames atomic.Int64
	sub := aula.NewSubscriber(aula.SubscriberConfig{
		Connector:     net.SideB(),
		VideoBackends: stubPicker(),
		AudioBackends: stubPicker(),
		OnVideo:       func(string, codec.Frame) { videoFrames.Add(1) },
		OnAudio:       func(string, codec.Frame) { audioFrames.Add(1) },
	})
	if err := sub.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sub.Stop() }()

	pub, stop, err := startSyntheticPublisher(ctx, net.SideA())
	if err != nil {
		return err
	}
	defer stop()
	defer func() { _ = pub.Stop() }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			slog.Info("loopback decoding",
				"video_frames", videoFrames.Load(),
				"audio_chunks", audioFrames.Load(),
				"tier", sub.CurrentQuality(),
			)
		}
	}
}

// runSessionPublisher pushes a synthetic publish stream over one accepted
// WebTransport session until the session or process ends.
func runSessionPublisher(ctx context.Context, conn *transport.WTConnector) {
	pub, stop, err := startSyntheticPublisher(ctx, conn)
	if err != nil {
		slog.Warn("session publisher failed", "error", err)
		_ = conn.Close()
		return
	}
	defer stop()

	<-ctx.Done()
	_ = pub.Stop()
	_ = conn.Close()
}

// startSyntheticPublisher builds a publisher fed by generated frames: a
// moving byte pattern at 30 fps and 20 ms silence chunks. The returned
// stop function halts the generators.
func startSyntheticPublisher(ctx context.Context, conn transport.Connector) (*aula.Publisher, func(), error) {
	video := &tickerVideoSource{frames: make(chan codec.RawFrame, media.VideoBufferSize)}
	audio := &tickerAudioSource{chunks: make(chan codec.PCM, media.AudioBufferSize)}

	pub := aula.NewPublisher(aula.PublisherConfig{
		Qualities: []aula.Quality{aula.Quality360, aula.Quality720},
		Connector: conn,
		NewVideoEncoder: func(q media.Quality, out func(codec.EncodedChunk)) (codec.VideoEncoder, error) {
			return &codec.StubVideoEncoder{Quality: q, Output: out}, nil
		},
		NewAudioEncoder: func(out func(codec.EncodedChunk)) (codec.AudioEncoder, error) {
			return &codec.StubAudioEncoder{SampleRate: 48000, Channels: 1, Output: out}, nil
		},
		Video:      video,
		Audio:      audio,
		SampleRate: 48000,
		OnStatus:   func(msg string) { slog.Debug("publisher status", "status", msg) },
	})

	if err := pub.Init(ctx); err != nil {
		return nil, nil, err
	}
	if err := pub.StartPublishing(ctx); err != nil {
		return nil, nil, err
	}

	genCtx, stop := context.WithCancel(ctx)
	go video.generate(genCtx)
	go audio.generate(genCtx)
	return pub, stop, nil
}

// tickerVideoSource emits a synthetic 640x360 frame every 33 ms.
type tickerVideoSource struct {
	frames chan codec.RawFrame
}

func (s *tickerVideoSource) generate(ctx context.Context) {
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()
	var n byte
	for {
		select {
		case <-ctx.Done():
			close(s.frames)
			return
		case <-ticker.C:
			data := make([]byte, 4096)
			for i := range data {
				data[i] = n
			}
			n++
			select {
			case s.frames <- codec.RawFrame{
				TimestampUS: time.Now().UnixMicro(),
				Width:       640,
				Height:      360,
				Data:        data,
			}:
			default: // generator never blocks on a stalled pipeline
			}
		}
	}
}

func (s *tickerVideoSource) ReadFrame(ctx context.Context) (codec.RawFrame, error) {
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

func (s *tickerVideoSource) Close() error { return nil }

// tickerAudioSource emits 20 ms of silence at 48 kHz per tick.
type tickerAudioSource struct {
	chunks chan codec.PCM
}

func (s *tickerAudioSource) generate(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(s.chunks)
			return
		case <-ticker.C:
			select {
			case s.chunks <- codec.PCM{
				SampleRate: 48000,
				Channels:   1,
				Samples:    960,
				Data:       make([]byte, 960*2),
			}:
			default:
			}
		}
	}
}

func (s *tickerAudioSource) ReadChunk(ctx context.Context) (codec.PCM, error) {
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

func (s *tickerAudioSource) Close() error { return nil }
