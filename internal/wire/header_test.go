package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/aulalive/aula/internal/media"
)

func TestPublishHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	pkt := AppendPublish(nil, PublishHeader{Sequence: 42, Timestamp: 1234, Kind: media.KindKey})
	pkt = append(pkt, payload...)

	h, body, err := ParsePublish(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if h.Sequence != 42 || h.Timestamp != 1234 || h.Kind != media.KindKey {
		t.Fatalf("header = %+v", h)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload = %x, want %x", body, payload)
	}
}

func TestPublishHeaderShort(t *testing.T) {
	t.Parallel()
	_, _, err := ParsePublish(make([]byte, PublishHeaderSize-1))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestRegularEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	msg := AppendRegular(nil, 7, media.Wire720Key)
	msg = append(msg, 0x01, 0x02)

	e, body, err := ParseEnvelope(msg)
	if err != nil {
		t.Fatal(err)
	}
	if e.FEC {
		t.Fatal("regular envelope parsed as FEC")
	}
	if e.Sequence != 7 || e.Type != media.Wire720Key {
		t.Fatalf("envelope = %+v", e)
	}
	if len(body) != 2 {
		t.Fatalf("payload length = %d", len(body))
	}
}

func TestFECEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	params := FECParams{
		TransferLength: 4096,
		SymbolSize:     512,
		SourceBlocks:   8,
		RepairBlocks:   2,
		Alignment:      1,
	}
	msg := AppendFEC(nil, 99, media.ClassConfig, params)
	msg = append(msg, 0xAA)

	e, body, err := ParseEnvelope(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !e.FEC {
		t.Fatal("FEC envelope parsed as regular")
	}
	if e.Sequence != 99 || e.Class != media.ClassConfig {
		t.Fatalf("envelope = %+v", e)
	}
	if e.Params != params {
		t.Fatalf("params = %+v, want %+v", e.Params, params)
	}
	if len(body) != 1 || body[0] != 0xAA {
		t.Fatalf("payload = %x", body)
	}
}

func TestEnvelopeUnknownMarker(t *testing.T) {
	t.Parallel()
	msg := []byte{0, 0, 0, 1, 0x7F, 0}
	_, _, err := ParseEnvelope(msg)
	if err == nil {
		t.Fatal("expected error for unknown marker")
	}
}

func TestEnvelopeHeaderSizes(t *testing.T) {
	t.Parallel()
	if got := len(AppendRegular(nil, 0, media.WireAudio)); got != EnvelopeHeaderSize {
		t.Fatalf("regular header = %d bytes, want %d", got, EnvelopeHeaderSize)
	}
	if got := len(AppendFEC(nil, 0, media.ClassVideo, FECParams{})); got != FECHeaderSize {
		t.Fatalf("fec header = %d bytes, want %d", got, FECHeaderSize)
	}
	if got := len(AppendPublish(nil, PublishHeader{})); got != PublishHeaderSize {
		t.Fatalf("publish header = %d bytes, want %d", got, PublishHeaderSize)
	}
}
