package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/aulalive/aula/internal/media"
)

func TestPipeRoundTrip(t *testing.T) {
	t.Parallel()
	net := NewPipeNetwork()
	ctx := context.Background()

	a, err := net.SideA().OpenChannel(ctx, media.ChannelCam360, false)
	if err != nil {
		t.Fatal(err)
	}
	b, err := net.SideB().OpenChannel(ctx, media.ChannelCam360, false)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if err := a.Send([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		msg, err := b.Receive()
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(msg, []byte{byte(i)}) {
			t.Fatalf("message %d = %v", i, msg)
		}
	}
}

func TestPipeChannelsIsolated(t *testing.T) {
	t.Parallel()
	net := NewPipeNetwork()
	ctx := context.Background()

	cam, _ := net.SideA().OpenChannel(ctx, media.ChannelCam360, false)
	mic, _ := net.SideA().OpenChannel(ctx, media.ChannelMic, false)
	camB, _ := net.SideB().OpenChannel(ctx, media.ChannelCam360, false)
	micB, _ := net.SideB().OpenChannel(ctx, media.ChannelMic, false)

	if err := cam.Send([]byte("video")); err != nil {
		t.Fatal(err)
	}
	if err := mic.Send([]byte("audio")); err != nil {
		t.Fatal(err)
	}

	if msg, _ := camB.Receive(); string(msg) != "video" {
		t.Fatalf("cam received %q", msg)
	}
	if msg, _ := micB.Receive(); string(msg) != "audio" {
		t.Fatalf("mic received %q", msg)
	}
}

func TestPipeCloseUnblocksReceive(t *testing.T) {
	t.Parallel()
	net := NewPipeNetwork()
	ctx := context.Background()

	a, _ := net.SideA().OpenChannel(ctx, media.ChannelControl, true)
	b, _ := net.SideB().OpenChannel(ctx, media.ChannelControl, true)

	done := make(chan error, 1)
	go func() {
		_, err := b.Receive()
		done <- err
	}()

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("receive after close = %v, want ErrChannelClosed", err)
	}
	if err := a.Send([]byte("x")); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("send after close = %v, want ErrChannelClosed", err)
	}
}

func TestBufferedAmountThresholdTiers(t *testing.T) {
	t.Parallel()
	t360 := bufferedAmountLowThreshold(media.ChannelCam360)
	t720 := bufferedAmountLowThreshold(media.ChannelCam720)
	t1080 := bufferedAmountLowThreshold(media.ChannelCam1080)
	tScreen := bufferedAmountLowThreshold(media.ChannelScreen)
	tMic := bufferedAmountLowThreshold(media.ChannelMic)
	tCtl := bufferedAmountLowThreshold(media.ChannelControl)

	if !(t360 < t720 && t720 < t1080) {
		t.Fatalf("thresholds not increasing with resolution: %d %d %d", t360, t720, t1080)
	}
	if tScreen != t1080 {
		t.Fatalf("screen threshold = %d, want high tier %d", tScreen, t1080)
	}
	if tMic > t360 || tCtl > t360 {
		t.Fatalf("audio/control thresholds too high: %d %d", tMic, tCtl)
	}
}
