package media

import "testing"

func TestDecoderConfigEqual(t *testing.T) {
	t.Parallel()
	base := DecoderConfig{
		Codec:       "avc1.42E01E",
		CodedWidth:  640,
		CodedHeight: 360,
		FrameRate:   30,
		Description: []byte{0x01, 0x64},
	}

	same := base
	same.Description = []byte{0x01, 0x64}
	if !base.Equal(same) {
		t.Fatal("identical configs reported unequal")
	}

	diff := base
	diff.Description = []byte{0x01, 0x65}
	if base.Equal(diff) {
		t.Fatal("configs with different descriptions reported equal")
	}

	audio := DecoderConfig{Codec: "opus", SampleRate: 48000, Channels: 2}
	if base.Equal(audio) {
		t.Fatal("video and audio configs reported equal")
	}
	if !audio.Audio() || base.Audio() {
		t.Fatal("Audio() misclassified a config")
	}
}
