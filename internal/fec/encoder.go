// Package fec splits packets into erasure-coded symbols for lossy
// transports and reassembles them on the receive side. The code is
// systematic: the first SourceBlocks symbols are the packet itself, the
// remainder are repair symbols, and any SourceBlocks of the total suffice
// to reconstruct the original. Every symbol carries the full transfer
// parameters in its header, so the receiver needs no out-of-band state.
package fec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/aulalive/aula/internal/media"
	"github.com/aulalive/aula/internal/wire"
)

// Symbol sizing policy. A packet is split into at least MinChunks symbols
// so the fixed 10% redundancy stays meaningful, with the symbol size
// clamped to keep fragments inside a single datagram-friendly MTU.
const (
	MinChunks     = 5
	MinSymbolSize = 100
	MaxSymbolSize = 512
)

// Redundancy policy: 10% of the source symbol count, at least 1, at most
// 10 — except config transfers, which always carry ConfigRedundancy
// repair symbols because the receiver cannot decode anything until the
// config arrives.
const (
	MaxRedundancy    = 10
	ConfigRedundancy = 3
)

// symbolIDSize prefixes each symbol payload with its 2-byte symbol ID,
// the index of the shard within the transfer (0..SourceBlocks-1 for
// source symbols, SourceBlocks.. for repair symbols).
const symbolIDSize = 2

var (
	ErrEmptyPacket = errors.New("fec: empty packet")
	ErrBadSymbol   = errors.New("fec: malformed symbol")
)

// SymbolSize returns the symbol size for a packet of the given length:
// roughly packetLen/MinChunks, clamped to [MinSymbolSize, MaxSymbolSize].
func SymbolSize(packetLen int) int {
	size := packetLen / MinChunks
	if size < MinSymbolSize {
		return MinSymbolSize
	}
	if size > MaxSymbolSize {
		return MaxSymbolSize
	}
	return size
}

// RedundancyFor returns the repair symbol count for a transfer of
// sourceBlocks symbols of the given class.
func RedundancyFor(sourceBlocks int, class media.PacketClass) int {
	if class == media.ClassConfig {
		return ConfigRedundancy
	}
	r := (sourceBlocks + 9) / 10
	if r < 1 {
		return 1
	}
	if r > MaxRedundancy {
		return MaxRedundancy
	}
	return r
}

// Encode splits pkt into source+repair symbols, each wrapped as a
// complete transport message: the 20-byte FEC envelope header, the 2-byte
// symbol ID, and the symbol data. seq is the packet's sequence number and
// keys reassembly on the receive side.
//
// A zero redundancy selects the policy value from RedundancyFor; tests
// and callers with special needs may pass an explicit count.
func Encode(seq uint32, class media.PacketClass, pkt []byte, redundancy int) ([][]byte, error) {
	if len(pkt) == 0 {
		return nil, ErrEmptyPacket
	}

	symSize := SymbolSize(len(pkt))
	k := (len(pkt) + symSize - 1) / symSize
	if redundancy <= 0 {
		redundancy = RedundancyFor(k, class)
	}
	if k > 255 {
		return nil, fmt.Errorf("fec: packet of %d bytes needs %d source blocks, limit 255", len(pkt), k)
	}

	enc, err := reedsolomon.New(k, redundancy)
	if err != nil {
		return nil, fmt.Errorf("fec: build coder: %w", err)
	}

	shards := make([][]byte, k+redundancy)
	for i := 0; i < k; i++ {
		shard := make([]byte, symSize)
		start := i * symSize
		end := start + symSize
		if end > len(pkt) {
			end = len(pkt)
		}
		copy(shard, pkt[start:end])
		shards[i] = shard
	}
	for i := k; i < k+redundancy; i++ {
		shards[i] = make([]byte, symSize)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: encode: %w", err)
	}

	params := wire.FECParams{
		TransferLength: uint64(len(pkt)),
		SymbolSize:     uint16(symSize),
		SourceBlocks:   uint8(k),
		RepairBlocks:   uint16(redundancy),
		Alignment:      1,
	}

	out := make([][]byte, 0, len(shards))
	for i, shard := range shards {
		msg := make([]byte, 0, wire.FECHeaderSize+symbolIDSize+symSize)
		msg = wire.AppendFEC(msg, seq, class, params)
		msg = binary.BigEndian.AppendUint16(msg, uint16(i))
		msg = append(msg, shard...)
		out = append(out, msg)
	}
	return out, nil
}
