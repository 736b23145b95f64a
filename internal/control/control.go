// Package control implements the typed control-message contract carried
// over the ordered control channel: stream lifecycle intents, decoder
// configuration announcements, publisher capability state, and free-form
// room events. The layer transports events without interpreting them —
// mute/pin/hand-raise semantics live entirely inside the event payload.
package control

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aulalive/aula/internal/media"
	"github.com/aulalive/aula/internal/transport"
)

// Message type strings recognized on the control channel.
const (
	TypeInitChannelStream = "init_channel_stream"
	TypeMediaConfig       = "media_config"
	TypePublisherState    = "publisher_state"
	TypeStreamConfig      = "StreamConfig"
	TypeDecoderConfigs    = "DecoderConfigs"
	TypeTotalViewerCount  = "TotalViewerCount"
	TypeStartStream       = "start_stream"
	TypeStopStream        = "stop_stream"
	TypePauseStream       = "pause_stream"
	TypeResumeStream      = "resume_stream"
	TypeSwitchQuality     = "switch_quality"
	TypeEvent             = "event"
)

// ErrMalformed marks an envelope that could not be decoded.
var ErrMalformed = errors.New("control: malformed message")

// Envelope is the JSON wrapper every control message travels in.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InitChannelStream announces the channels a session is about to open so
// the peer can prepare per-channel state before media arrives.
type InitChannelStream struct {
	SessionID string   `json:"sessionId"`
	Channels  []string `json:"channels"`
}

// PublisherState carries the publisher's device capabilities and the
// current enabled flags, sent on every toggle.
type PublisherState struct {
	HasCamera     bool `json:"hasCamera"`
	HasMic        bool `json:"hasMic"`
	CameraEnabled bool `json:"cameraEnabled"`
	MicEnabled    bool `json:"micEnabled"`
}

// SwitchQuality asks the publisher side to activate a different simulcast
// tier for the requesting subscriber.
type SwitchQuality struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// StreamIntent names the channel a start/stop/pause/resume applies to.
type StreamIntent struct {
	ChannelName string `json:"channelName"`
}

// TotalViewerCount is the room-wide subscriber count broadcast.
type TotalViewerCount struct {
	Count int `json:"count"`
}

// Event is a free-form room event; Type inside the payload names the
// semantic (pin_for_everyone, mute, raise_hand, ...) and is opaque here.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConfigPayload is the wire form of a decoder config; Description is
// base64 because the blob is binary and the envelope is JSON.
type ConfigPayload struct {
	Codec            string  `json:"codec"`
	CodedWidth       int     `json:"codedWidth,omitempty"`
	CodedHeight      int     `json:"codedHeight,omitempty"`
	FrameRate        float64 `json:"frameRate,omitempty"`
	Quality          string  `json:"quality,omitempty"`
	SampleRate       int     `json:"sampleRate,omitempty"`
	NumberOfChannels int     `json:"numberOfChannels,omitempty"`
	Description      string  `json:"description,omitempty"`
}

// StreamConfig announces one channel's decoder configuration.
type StreamConfig struct {
	ChannelName string        `json:"channelName"`
	MediaType   string        `json:"mediaType"` // "video" or "audio"
	Config      ConfigPayload `json:"config"`
}

// DecoderConfigs bundles the configs of every active channel, sent to
// late joiners so they can configure decoders without waiting for
// per-channel config packets.
type DecoderConfigs struct {
	Configs []StreamConfig `json:"configs"`
}

// NewStreamConfig builds the wire form of a decoder config for a channel.
func NewStreamConfig(channel string, cfg media.DecoderConfig) StreamConfig {
	sc := StreamConfig{ChannelName: channel}
	sc.Config.Codec = cfg.Codec
	sc.Config.Description = base64.StdEncoding.EncodeToString(cfg.Description)
	if cfg.Audio() {
		sc.MediaType = "audio"
		sc.Config.SampleRate = cfg.SampleRate
		sc.Config.NumberOfChannels = cfg.Channels
	} else {
		sc.MediaType = "video"
		sc.Config.CodedWidth = cfg.CodedWidth
		sc.Config.CodedHeight = cfg.CodedHeight
		sc.Config.FrameRate = cfg.FrameRate
		if q, ok := media.QualityFor(channel); ok {
			sc.Config.Quality = q.String()
		}
	}
	return sc
}

// DecoderConfig converts the wire form back into the pipeline's config.
func (sc StreamConfig) DecoderConfig() (media.DecoderConfig, error) {
	desc, err := base64.StdEncoding.DecodeString(sc.Config.Description)
	if err != nil {
		return media.DecoderConfig{}, fmt.Errorf("%w: description: %v", ErrMalformed, err)
	}
	cfg := media.DecoderConfig{
		Codec:       sc.Config.Codec,
		Description: desc,
	}
	if sc.MediaType == "audio" {
		cfg.SampleRate = sc.Config.SampleRate
		cfg.Channels = sc.Config.NumberOfChannels
	} else {
		cfg.CodedWidth = sc.Config.CodedWidth
		cfg.CodedHeight = sc.Config.CodedHeight
		cfg.FrameRate = sc.Config.FrameRate
	}
	return cfg, nil
}

// Conn sends and receives typed control messages over an ordered channel.
// Writes are serialized; the channel's ordering guarantee carries intents
// in send order when delivered at all.
type Conn struct {
	log     *slog.Logger
	ch      transport.Channel
	writeMu sync.Mutex
}

// NewConn wraps an ordered transport channel. If log is nil,
// slog.Default() is used.
func NewConn(ch transport.Channel, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		log: log.With("component", "control", "channel", ch.Name()),
		ch:  ch,
	}
}

// Send marshals data into an envelope of the given type and transmits it.
// A nil data sends a bare envelope.
func (c *Conn) Send(msgType string, data any) error {
	env := Envelope{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("control: marshal %s: %w", msgType, err)
		}
		env.Data = raw
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("control: marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ch.Send(buf)
}

// SendEvent wraps an opaque room event.
func (c *Conn) SendEvent(eventType string, payload json.RawMessage) error {
	return c.Send(TypeEvent, Event{Type: eventType, Payload: payload})
}

// Receive blocks for the next envelope.
func (c *Conn) Receive() (Envelope, error) {
	msg, err := c.ch.Receive()
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// Decode unmarshals an envelope's data into out.
func (e Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// Close closes the underlying channel.
func (c *Conn) Close() error { return c.ch.Close() }
