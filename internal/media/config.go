package media

import "bytes"

// DecoderConfig carries everything a decoder needs to initialize for one
// channel: the codec string, the stream geometry, and the codec-specific
// initialization record (e.g. an AVCDecoderConfigurationRecord for H.264,
// or the Opus identification header). Video fields and audio fields are
// mutually exclusive; Audio() distinguishes the two.
type DecoderConfig struct {
	Codec string

	// Video parameters.
	CodedWidth  int
	CodedHeight int
	FrameRate   float64

	// Audio parameters.
	SampleRate int
	Channels   int

	// Description is the codec-specific initialization blob, passed to
	// the decoder verbatim. Base64-encoded when it crosses the control
	// channel; raw bytes everywhere else.
	Description []byte
}

// Audio reports whether the config describes an audio stream.
func (c DecoderConfig) Audio() bool { return c.SampleRate > 0 }

// Equal reports whether two configs describe the same stream setup,
// Description bytes included.
func (c DecoderConfig) Equal(o DecoderConfig) bool {
	return c.Codec == o.Codec &&
		c.CodedWidth == o.CodedWidth &&
		c.CodedHeight == o.CodedHeight &&
		c.FrameRate == o.FrameRate &&
		c.SampleRate == o.SampleRate &&
		c.Channels == o.Channels &&
		bytes.Equal(c.Description, o.Description)
}
