// Package media defines the frame and channel vocabulary shared by every
// layer of the pipeline: frame kinds as the encoder emits them, the packet
// classes the FEC layer tags, the per-tier codes the server protocol speaks,
// and the translation between them. The translation lives here and nowhere
// else; other packages deal in exactly one of the schemes.
package media

import "fmt"

// Channel buffer sizes used by producers (encode loops) and consumers
// (decode schedulers) to decouple the two sides. Sized to absorb jitter
// without excessive memory: ~2 seconds of video, ~2.5s of audio at 20 ms
// per chunk.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
)

// FrameKind classifies an encoded frame as the publisher-side pipeline
// sees it. These values appear in the publish packet header.
type FrameKind uint8

const (
	KindKey    FrameKind = 0 // independently decodable video frame
	KindDelta  FrameKind = 1 // video frame predicted from prior frames
	KindConfig FrameKind = 2 // decoder initialization record
	KindAudio  FrameKind = 3 // one encoded audio chunk
	KindEvent  FrameKind = 4 // opaque application event riding a media channel
)

func (k FrameKind) String() string {
	switch k {
	case KindKey:
		return "key"
	case KindDelta:
		return "delta"
	case KindConfig:
		return "config"
	case KindAudio:
		return "audio"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Video reports whether the kind is a video picture (key or delta).
func (k FrameKind) Video() bool { return k == KindKey || k == KindDelta }

// PacketClass is the coarse packet classification used for FEC tagging.
// Only ClassVideo and ClassConfig are FEC-protected: audio loss is
// concealed or resent, and events are retried at a higher layer, but a
// lost video symbol stalls a whole GOP and config loss is catastrophic.
type PacketClass uint8

const (
	ClassVideo  PacketClass = 0
	ClassAudio  PacketClass = 1
	ClassConfig PacketClass = 2
	ClassEvent  PacketClass = 3
)

func (c PacketClass) String() string {
	switch c {
	case ClassVideo:
		return "video"
	case ClassAudio:
		return "audio"
	case ClassConfig:
		return "config"
	case ClassEvent:
		return "event"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Class maps a frame kind to its FEC packet class.
func (k FrameKind) Class() PacketClass {
	switch k {
	case KindKey, KindDelta:
		return ClassVideo
	case KindAudio:
		return ClassAudio
	case KindConfig:
		return ClassConfig
	default:
		return ClassEvent
	}
}

// Protected reports whether packets of this class are FEC-protected.
func (c PacketClass) Protected() bool {
	return c == ClassVideo || c == ClassConfig
}
