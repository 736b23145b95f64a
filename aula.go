// Package aula is a real-time conferencing media pipeline: the
// publish side packetizes and erasure-codes encoded frames onto named
// transport channels, the subscribe side reassembles, gates, and decodes
// them. Capture devices and codecs are injected; aula owns everything
// between an encoder's output and a decoder's input.
//
// The transport backends (WebTransport, WebRTC data channels, WebSocket)
// live in internal/transport behind one channel contract; the in-process
// pipe backend wires a publisher and subscriber together for tests and
// local loopback.
package aula

import (
	"github.com/aulalive/aula/internal/media"
	"github.com/aulalive/aula/internal/publish"
	"github.com/aulalive/aula/internal/subscribe"
)

// Quality identifies one simulcast tier or the screen-share stream.
type Quality = media.Quality

// Simulcast tiers.
const (
	Quality360    = media.Quality360
	Quality720    = media.Quality720
	Quality1080   = media.Quality1080
	QualityScreen = media.QualityScreen
)

// Publisher is the capture-to-transport pipeline.
type Publisher = publish.Publisher

// PublisherConfig wires a Publisher.
type PublisherConfig = publish.Config

// Subscriber is the receive-side decode scheduler.
type Subscriber = subscribe.Subscriber

// SubscriberConfig wires a Subscriber.
type SubscriberConfig = subscribe.Config

// NewPublisher creates a publisher in the uninitialized state; call Init
// then StartPublishing.
func NewPublisher(cfg PublisherConfig) *Publisher { return publish.New(cfg) }

// NewSubscriber creates a subscriber; call Start to begin consuming.
func NewSubscriber(cfg SubscriberConfig) *Subscriber { return subscribe.New(cfg) }
