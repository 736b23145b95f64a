package transport

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// fakeDC simulates a data channel's send buffer: Send appends to sent and
// grows buffered; the test drains buffered to simulate the socket flushing.
type fakeDC struct {
	mu       sync.Mutex
	sent     [][]byte
	buffered uint64
	sendErr  error
}

func (f *fakeDC) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	buf := make([]byte, len(msg))
	copy(buf, msg)
	f.sent = append(f.sent, buf)
	f.buffered += uint64(len(msg))
	return nil
}

func (f *fakeDC) BufferedAmount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *fakeDC) flush() {
	f.mu.Lock()
	f.buffered = 0
	f.mu.Unlock()
}

func msgN(i int) []byte { return []byte(fmt.Sprintf("msg-%03d", i)) }

func TestSendQueuePassThroughUnderThreshold(t *testing.T) {
	t.Parallel()
	dc := &fakeDC{}
	q := newSendQueue(dc, 1000)

	for i := 0; i < 5; i++ {
		if err := q.Send(msgN(i)); err != nil {
			t.Fatal(err)
		}
	}
	if len(dc.sent) != 5 || q.Depth() != 0 {
		t.Fatalf("sent %d queued %d, want 5/0", len(dc.sent), q.Depth())
	}
}

func TestSendQueueFIFOAcrossCongestion(t *testing.T) {
	t.Parallel()
	dc := &fakeDC{}
	q := newSendQueue(dc, 50)

	// Fill past the threshold: the first sends go straight out and push
	// bufferedAmount over 50, later ones must queue.
	var want [][]byte
	for i := 0; i < 20; i++ {
		m := msgN(i)
		want = append(want, m)
		if err := q.Send(m); err != nil {
			t.Fatal(err)
		}
	}
	if q.Depth() == 0 {
		t.Fatal("expected congestion to queue messages")
	}

	// Drain in rounds, simulating bufferedamountlow events.
	for rounds := 0; q.Depth() > 0 && rounds < 100; rounds++ {
		dc.flush()
		if err := q.Drain(); err != nil {
			t.Fatal(err)
		}
	}
	if q.Depth() != 0 {
		t.Fatal("queue never fully drained")
	}

	if len(dc.sent) != len(want) {
		t.Fatalf("delivered %d messages, want %d", len(dc.sent), len(want))
	}
	for i := range want {
		if !bytes.Equal(dc.sent[i], want[i]) {
			t.Fatalf("message %d = %q, want %q (reordered across congestion boundary)", i, dc.sent[i], want[i])
		}
	}
}

func TestSendQueueNewSendsQueueBehindBacklog(t *testing.T) {
	t.Parallel()
	dc := &fakeDC{}
	q := newSendQueue(dc, 50)

	dc.buffered = 100 // over threshold before anything is sent
	if err := q.Send(msgN(0)); err != nil {
		t.Fatal(err)
	}
	if len(dc.sent) != 0 || q.Depth() != 1 {
		t.Fatal("send above threshold must queue")
	}

	// Buffer drains below threshold, but the queue is non-empty: a new
	// send must still queue behind it, never overtake.
	dc.flush()
	if err := q.Send(msgN(1)); err != nil {
		t.Fatal(err)
	}
	if len(dc.sent) != 0 || q.Depth() != 2 {
		t.Fatalf("sent %d queued %d; new send overtook the queue", len(dc.sent), q.Depth())
	}

	if err := q.Drain(); err != nil {
		t.Fatal(err)
	}
	if len(dc.sent) != 2 {
		t.Fatalf("drained %d messages, want 2", len(dc.sent))
	}
	if !bytes.Equal(dc.sent[0], msgN(0)) || !bytes.Equal(dc.sent[1], msgN(1)) {
		t.Fatalf("drain order %q, %q", dc.sent[0], dc.sent[1])
	}
}

func TestSendQueueDrainStopsAtThreshold(t *testing.T) {
	t.Parallel()
	dc := &fakeDC{}
	q := newSendQueue(dc, 10)

	dc.buffered = 100
	for i := 0; i < 5; i++ {
		if err := q.Send(msgN(i)); err != nil {
			t.Fatal(err)
		}
	}

	dc.flush()
	if err := q.Drain(); err != nil {
		t.Fatal(err)
	}
	// Each message is 7 bytes; the first send pushes buffered to 7, the
	// second to 14 which exceeds the threshold, so draining stops there.
	if len(dc.sent) != 2 || q.Depth() != 3 {
		t.Fatalf("sent %d queued %d after partial drain", len(dc.sent), q.Depth())
	}
}

func TestSendQueueDrainErrorPreservesOrder(t *testing.T) {
	t.Parallel()
	dc := &fakeDC{}
	q := newSendQueue(dc, 10)

	dc.buffered = 100
	for i := 0; i < 3; i++ {
		if err := q.Send(msgN(i)); err != nil {
			t.Fatal(err)
		}
	}

	dc.flush()
	dc.sendErr = errors.New("transient")
	if err := q.Drain(); err == nil {
		t.Fatal("expected drain error")
	}
	if q.Depth() != 3 {
		t.Fatalf("queue depth = %d after failed drain, want 3", q.Depth())
	}

	dc.sendErr = nil
	for q.Depth() > 0 {
		dc.flush()
		if err := q.Drain(); err != nil {
			t.Fatal(err)
		}
	}
	for i := range dc.sent {
		if !bytes.Equal(dc.sent[i], msgN(i)) {
			t.Fatalf("message %d = %q after retry, want %q", i, dc.sent[i], msgN(i))
		}
	}
}
