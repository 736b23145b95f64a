package media

import "fmt"

// WireType is the server protocol's per-tier frame code. It folds the
// frame kind and the quality tier into a single byte so the receiving
// side can dispatch a packet to the right channel without parsing the
// inner publish header. This numbering is distinct from FrameKind and
// the two must never be mixed: FrameKind is the in-pipeline scheme,
// WireType exists only at the transport boundary. WireTypeFor and
// WireType.Kind/WireType.Quality are the only translation points.
type WireType uint8

const (
	Wire360Key    WireType = 0
	Wire360Delta  WireType = 1
	Wire720Key    WireType = 2
	Wire720Delta  WireType = 3
	WireHighKey   WireType = 4 // 1080p or screen share
	WireHighDelta WireType = 5
	WireAudio     WireType = 6
	WireConfig    WireType = 7
	WireOther     WireType = 8 // events and anything non-media
)

func (w WireType) String() string {
	switch w {
	case Wire360Key:
		return "360p-key"
	case Wire360Delta:
		return "360p-delta"
	case Wire720Key:
		return "720p-key"
	case Wire720Delta:
		return "720p-delta"
	case WireHighKey:
		return "high-key"
	case WireHighDelta:
		return "high-delta"
	case WireAudio:
		return "audio"
	case WireConfig:
		return "config"
	case WireOther:
		return "other"
	default:
		return fmt.Sprintf("wiretype(%d)", uint8(w))
	}
}

// WireTypeFor translates a frame kind plus quality tier into the wire
// code. Quality is ignored for non-video kinds.
func WireTypeFor(kind FrameKind, q Quality) WireType {
	switch kind {
	case KindAudio:
		return WireAudio
	case KindConfig:
		return WireConfig
	case KindEvent:
		return WireOther
	}

	key := kind == KindKey
	switch q {
	case Quality360:
		if key {
			return Wire360Key
		}
		return Wire360Delta
	case Quality720:
		if key {
			return Wire720Key
		}
		return Wire720Delta
	default: // 1080p and screen share use the high pair
		if key {
			return WireHighKey
		}
		return WireHighDelta
	}
}

// Kind translates a wire code back to the in-pipeline frame kind.
func (w WireType) Kind() FrameKind {
	switch w {
	case Wire360Key, Wire720Key, WireHighKey:
		return KindKey
	case Wire360Delta, Wire720Delta, WireHighDelta:
		return KindDelta
	case WireAudio:
		return KindAudio
	case WireConfig:
		return KindConfig
	default:
		return KindEvent
	}
}

// Quality returns the video tier a wire code belongs to. The second
// return is false for non-video codes. WireHighKey/Delta report
// Quality1080; the channel the packet arrived on disambiguates 1080p
// from screen share.
func (w WireType) Quality() (Quality, bool) {
	switch w {
	case Wire360Key, Wire360Delta:
		return Quality360, true
	case Wire720Key, Wire720Delta:
		return Quality720, true
	case WireHighKey, WireHighDelta:
		return Quality1080, true
	default:
		return 0, false
	}
}
