package media

import "testing"

func TestWireTypeTranslation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		kind FrameKind
		q    Quality
		want WireType
	}{
		{KindKey, Quality360, Wire360Key},
		{KindDelta, Quality360, Wire360Delta},
		{KindKey, Quality720, Wire720Key},
		{KindDelta, Quality720, Wire720Delta},
		{KindKey, Quality1080, WireHighKey},
		{KindDelta, Quality1080, WireHighDelta},
		{KindKey, QualityScreen, WireHighKey},
		{KindDelta, QualityScreen, WireHighDelta},
		{KindAudio, Quality360, WireAudio},
		{KindConfig, Quality720, WireConfig},
		{KindEvent, Quality1080, WireOther},
	}

	for _, tc := range cases {
		got := WireTypeFor(tc.kind, tc.q)
		if got != tc.want {
			t.Errorf("WireTypeFor(%v, %v) = %v, want %v", tc.kind, tc.q, got, tc.want)
		}
		if got.Kind() != tc.kind {
			t.Errorf("%v.Kind() = %v, want %v", got, got.Kind(), tc.kind)
		}
	}
}

func TestWireTypeQuality(t *testing.T) {
	t.Parallel()
	if q, ok := Wire720Delta.Quality(); !ok || q != Quality720 {
		t.Fatalf("Wire720Delta.Quality() = %v, %v", q, ok)
	}
	if _, ok := WireAudio.Quality(); ok {
		t.Fatal("WireAudio should not report a video quality")
	}
	if _, ok := WireConfig.Quality(); ok {
		t.Fatal("WireConfig should not report a video quality")
	}
}

func TestPacketClassProtection(t *testing.T) {
	t.Parallel()
	if !KindKey.Class().Protected() || !KindDelta.Class().Protected() {
		t.Fatal("video frames must be FEC-protected")
	}
	if !KindConfig.Class().Protected() {
		t.Fatal("config frames must be FEC-protected")
	}
	if KindAudio.Class().Protected() {
		t.Fatal("audio frames must bypass FEC")
	}
	if KindEvent.Class().Protected() {
		t.Fatal("event frames must bypass FEC")
	}
}

func TestChannelQualityRoundTrip(t *testing.T) {
	t.Parallel()
	for _, q := range []Quality{Quality360, Quality720, Quality1080, QualityScreen} {
		got, ok := QualityFor(ChannelFor(q))
		if !ok || got != q {
			t.Errorf("QualityFor(ChannelFor(%v)) = %v, %v", q, got, ok)
		}
	}
	if _, ok := QualityFor(ChannelMic); ok {
		t.Fatal("mic channel must not map to a video quality")
	}
}
