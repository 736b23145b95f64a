package fec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/aulalive/aula/internal/media"
	"github.com/aulalive/aula/internal/wire"
)

func mustEncode(t *testing.T, seq uint32, class media.PacketClass, pkt []byte, redundancy int) [][]byte {
	t.Helper()
	frags, err := Encode(seq, class, pkt, redundancy)
	if err != nil {
		t.Fatal(err)
	}
	return frags
}

func feed(t *testing.T, a *Assembler, frag []byte) ([]byte, bool) {
	t.Helper()
	env, sym, err := wire.ParseEnvelope(frag)
	if err != nil {
		t.Fatal(err)
	}
	if !env.FEC {
		t.Fatal("fragment is not an FEC message")
	}
	pkt, done, err := a.Add(env.Sequence, env.Params, sym)
	if err != nil {
		t.Fatal(err)
	}
	return pkt, done
}

func TestRoundTripAllSourceSymbols(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 1777)
	rand.New(rand.NewSource(1)).Read(payload)

	frags := mustEncode(t, 5, media.ClassVideo, payload, 0)
	a := NewAssembler(nil)

	var got []byte
	for _, frag := range frags {
		if pkt, done := feed(t, a, frag); done {
			got = pkt
			break
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reconstructed %d bytes, want %d", len(got), len(payload))
	}
}

func TestRoundTripAnySubset(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 2000)
	rand.New(rand.NewSource(2)).Read(payload)

	frags := mustEncode(t, 1, media.ClassVideo, payload, 3)
	env, _, err := wire.ParseEnvelope(frags[0])
	if err != nil {
		t.Fatal(err)
	}
	k := int(env.Params.SourceBlocks)

	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 25; trial++ {
		perm := rng.Perm(len(frags))
		a := NewAssembler(nil)

		var got []byte
		reconstructed := false
		for i, idx := range perm[:k] {
			pkt, done := feed(t, a, frags[idx])
			if done {
				if i != k-1 {
					t.Fatalf("trial %d: reconstructed after %d symbols, want %d", trial, i+1, k)
				}
				got = pkt
				reconstructed = true
			}
		}
		if !reconstructed {
			t.Fatalf("trial %d: %d symbols did not reconstruct", trial, k)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("trial %d: payload mismatch", trial)
		}
	}
}

func TestRoundTripAllRepairMix(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 900)
	rand.New(rand.NewSource(4)).Read(payload)

	// Force enough repair symbols to replace every source symbol.
	frags := mustEncode(t, 2, media.ClassVideo, payload, 10)
	env, _, err := wire.ParseEnvelope(frags[0])
	if err != nil {
		t.Fatal(err)
	}
	k := int(env.Params.SourceBlocks)
	if k > 10 {
		t.Fatalf("test payload split into %d source blocks, want <= 10", k)
	}

	a := NewAssembler(nil)
	var got []byte
	// Feed only repair symbols.
	for _, frag := range frags[k:] {
		if pkt, done := feed(t, a, frag); done {
			got = pkt
			break
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("all-repair subset failed to reconstruct")
	}
}

func TestSubQuorumNeverReconstructs(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 1500)
	rand.New(rand.NewSource(5)).Read(payload)

	frags := mustEncode(t, 9, media.ClassVideo, payload, 2)
	env, _, err := wire.ParseEnvelope(frags[0])
	if err != nil {
		t.Fatal(err)
	}
	k := int(env.Params.SourceBlocks)

	a := NewAssembler(nil)
	for _, frag := range frags[:k-1] {
		if _, done := feed(t, a, frag); done {
			t.Fatal("reconstructed below quorum")
		}
	}
	if a.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", a.Pending())
	}
}

func TestDuplicateSymbolsDoNotCount(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 1200)
	rand.New(rand.NewSource(6)).Read(payload)

	frags := mustEncode(t, 3, media.ClassVideo, payload, 2)
	a := NewAssembler(nil)

	for i := 0; i < 10; i++ {
		if _, done := feed(t, a, frags[0]); done {
			t.Fatal("duplicates of one symbol reached quorum")
		}
	}
}

func TestReconstructExactlyOnce(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 800)
	rand.New(rand.NewSource(7)).Read(payload)

	frags := mustEncode(t, 4, media.ClassVideo, payload, 2)
	a := NewAssembler(nil)

	completions := 0
	for _, frag := range frags {
		if _, done := feed(t, a, frag); done {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("completions = %d, want 1", completions)
	}
	if a.Pending() != 0 {
		t.Fatalf("pending = %d after completion, want 0", a.Pending())
	}
}

func TestSymbolSizePolicy(t *testing.T) {
	t.Parallel()
	cases := []struct{ packetLen, want int }{
		{1, MinSymbolSize},
		{400, MinSymbolSize},   // 400/5 = 80, below floor
		{1000, 200},            // 1000/5
		{2560, MaxSymbolSize},  // 2560/5 = 512, at cap
		{50000, MaxSymbolSize}, // above cap
	}
	for _, tc := range cases {
		if got := SymbolSize(tc.packetLen); got != tc.want {
			t.Errorf("SymbolSize(%d) = %d, want %d", tc.packetLen, got, tc.want)
		}
	}
}

func TestRedundancyPolicy(t *testing.T) {
	t.Parallel()
	cases := []struct {
		blocks int
		class  media.PacketClass
		want   int
	}{
		{1, media.ClassVideo, 1},
		{5, media.ClassVideo, 1},
		{10, media.ClassVideo, 1},
		{11, media.ClassVideo, 2},
		{95, media.ClassVideo, 10},
		{200, media.ClassVideo, MaxRedundancy},
		{1, media.ClassConfig, ConfigRedundancy},
		{100, media.ClassConfig, ConfigRedundancy},
	}
	for _, tc := range cases {
		if got := RedundancyFor(tc.blocks, tc.class); got != tc.want {
			t.Errorf("RedundancyFor(%d, %v) = %d, want %d", tc.blocks, tc.class, got, tc.want)
		}
	}
}

func TestEncodeEmptyPacket(t *testing.T) {
	t.Parallel()
	if _, err := Encode(0, media.ClassVideo, nil, 0); err == nil {
		t.Fatal("expected error for empty packet")
	}
}

func TestFragmentCount(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 1000) // symSize 200, k = 5
	frags := mustEncode(t, 0, media.ClassVideo, payload, 2)
	if len(frags) != 7 {
		t.Fatalf("fragment count = %d, want 7", len(frags))
	}
	for _, frag := range frags {
		if len(frag) != wire.FECHeaderSize+symbolIDSize+200 {
			t.Fatalf("fragment length = %d", len(frag))
		}
	}
}
