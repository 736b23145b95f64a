package media

import "fmt"

// Quality identifies one simulcast tier or the screen-share stream.
type Quality int

const (
	Quality360 Quality = iota
	Quality720
	Quality1080
	QualityScreen
)

func (q Quality) String() string {
	switch q {
	case Quality360:
		return "360p"
	case Quality720:
		return "720p"
	case Quality1080:
		return "1080p"
	case QualityScreen:
		return "screen"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

// Well-known channel names. A channel is a logical named stream
// multiplexed over the transport connection; each gets its own
// sequence space, its own encoder or decoder, and its own wire pipe.
const (
	ChannelCam360  = "cam_360p"
	ChannelCam720  = "cam_720p"
	ChannelCam1080 = "cam_1080p"
	ChannelMic     = "mic_48k"
	ChannelScreen  = "screen_720p"
	ChannelControl = "meeting_control"
)

// ChannelFor returns the channel name carrying the given video quality.
func ChannelFor(q Quality) string {
	switch q {
	case Quality360:
		return ChannelCam360
	case Quality720:
		return ChannelCam720
	case Quality1080:
		return ChannelCam1080
	case QualityScreen:
		return ChannelScreen
	default:
		return ChannelCam360
	}
}

// QualityFor is the inverse of ChannelFor. The second return is false
// for non-video channels (mic, control).
func QualityFor(channel string) (Quality, bool) {
	switch channel {
	case ChannelCam360:
		return Quality360, true
	case ChannelCam720:
		return Quality720, true
	case ChannelCam1080:
		return Quality1080, true
	case ChannelScreen:
		return QualityScreen, true
	default:
		return 0, false
	}
}
