package transport

import (
	"sync"

	"github.com/gammazero/deque"
)

// bufferedSender is the slice of a WebRTC data channel the send queue
// needs: a send call and the current socket-buffer occupancy.
type bufferedSender interface {
	Send(msg []byte) error
	BufferedAmount() uint64
}

// sendQueue implements the backpressure policy for WebRTC data channels:
// while the channel's buffered amount exceeds the low-water threshold OR
// queued messages exist, new sends enqueue instead of transmitting, and
// the drain callback (wired to bufferedamountlow) flushes the queue FIFO.
// The queue-non-empty condition is what preserves per-channel ordering
// across the congestion boundary: a message never overtakes one that was
// queued before it.
type sendQueue struct {
	sender    bufferedSender
	threshold uint64

	mu      sync.Mutex
	queue   deque.Deque[[]byte]
	queued  int64
	flushed int64
}

func newSendQueue(sender bufferedSender, threshold uint64) *sendQueue {
	return &sendQueue{sender: sender, threshold: threshold}
}

// Send transmits msg immediately when the buffer is under threshold and
// nothing is queued, otherwise enqueues it.
func (q *sendQueue) Send(msg []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queue.Len() > 0 || q.sender.BufferedAmount() > q.threshold {
		buf := make([]byte, len(msg))
		copy(buf, msg)
		q.queue.PushBack(buf)
		q.queued++
		return nil
	}
	return q.sender.Send(msg)
}

// Drain sends queued messages in FIFO order until the queue empties or
// the buffer climbs back over threshold. Wired to the data channel's
// bufferedamountlow event.
func (q *sendQueue) Drain() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.queue.Len() > 0 && q.sender.BufferedAmount() <= q.threshold {
		msg := q.queue.PopFront()
		if err := q.sender.Send(msg); err != nil {
			// Put it back so ordering survives a transient failure.
			q.queue.PushFront(msg)
			return err
		}
		q.flushed++
	}
	return nil
}

// Depth returns the number of queued messages.
func (q *sendQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}
