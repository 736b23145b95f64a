package transport

import (
	"context"
	"sync"
)

// pipeBuffer is the per-direction message capacity of an in-process pipe.
const pipeBuffer = 1024

// PipeNetwork is an in-process transport: two connectors whose channels of
// the same name are cross-wired. Everything one side sends, the other
// receives, in order. Used by the loopback example and by pipeline tests
// to run publisher and subscriber in one process without sockets.
type PipeNetwork struct {
	mu    sync.Mutex
	pairs map[string]*pipePair
}

// NewPipeNetwork creates an empty network.
func NewPipeNetwork() *PipeNetwork {
	return &PipeNetwork{pairs: make(map[string]*pipePair)}
}

// SideA returns the connector for one end of the network.
func (n *PipeNetwork) SideA() Connector { return &pipeConnector{net: n, side: 0} }

// SideB returns the connector for the other end.
func (n *PipeNetwork) SideB() Connector { return &pipeConnector{net: n, side: 1} }

type pipePair struct {
	// ab carries messages from side A to side B; ba the reverse.
	ab, ba chan []byte
	once   sync.Once
	closed chan struct{}
}

func (n *PipeNetwork) pair(name string) *pipePair {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.pairs[name]
	if !ok {
		p = &pipePair{
			ab:     make(chan []byte, pipeBuffer),
			ba:     make(chan []byte, pipeBuffer),
			closed: make(chan struct{}),
		}
		n.pairs[name] = p
	}
	return p
}

type pipeConnector struct {
	net  *PipeNetwork
	side int

	mu    sync.Mutex
	chans []Channel
}

func (c *pipeConnector) OpenChannel(_ context.Context, name string, _ bool) (Channel, error) {
	p := c.net.pair(name)
	ch := &pipeChannel{name: name, pair: p, side: c.side}
	c.mu.Lock()
	c.chans = append(c.chans, ch)
	c.mu.Unlock()
	return ch, nil
}

func (c *pipeConnector) Close() error {
	c.mu.Lock()
	chans := c.chans
	c.chans = nil
	c.mu.Unlock()
	for _, ch := range chans {
		_ = ch.Close()
	}
	return nil
}

type pipeChannel struct {
	name string
	pair *pipePair
	side int
}

func (c *pipeChannel) Name() string { return c.name }

func (c *pipeChannel) sendCh() chan []byte {
	if c.side == 0 {
		return c.pair.ab
	}
	return c.pair.ba
}

func (c *pipeChannel) recvCh() chan []byte {
	if c.side == 0 {
		return c.pair.ba
	}
	return c.pair.ab
}

func (c *pipeChannel) Send(msg []byte) error {
	buf := make([]byte, len(msg))
	copy(buf, msg)
	select {
	case <-c.pair.closed:
		return ErrChannelClosed
	case c.sendCh() <- buf:
		return nil
	}
}

func (c *pipeChannel) Receive() ([]byte, error) {
	select {
	case msg := <-c.recvCh():
		return msg, nil
	case <-c.pair.closed:
		// Drain messages that raced with close.
		select {
		case msg := <-c.recvCh():
			return msg, nil
		default:
			return nil, ErrChannelClosed
		}
	}
}

func (c *pipeChannel) Close() error {
	c.pair.once.Do(func() { close(c.pair.closed) })
	return nil
}
