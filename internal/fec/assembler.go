package fec

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/klauspost/reedsolomon"

	"github.com/aulalive/aula/internal/wire"
)

// maxPending bounds the number of in-flight transfers the assembler
// tracks. Transfers that never reach quorum are evicted oldest-first once
// the limit is hit; there is no retransmission in this layer, so an
// incomplete transfer is simply a lost packet.
const maxPending = 64

// Assembler accumulates FEC symbols per sequence number until enough
// arrive to reconstruct the original packet, which it returns exactly
// once. Any SourceBlocks of the transfer's symbols suffice, source or
// repair in any mix. State for a sequence number is discarded after
// reconstruction; late duplicates of a completed transfer are ignored.
type Assembler struct {
	log *slog.Logger

	mu      sync.Mutex
	pending map[uint32]*transfer
	order   []uint32 // insertion order for eviction

	// Ring of recently completed sequence numbers, so straggler symbols
	// arriving after reconstruction cannot resurrect a transfer and
	// deliver the same packet twice.
	recent    [maxPending]uint32
	recentSet map[uint32]struct{}
	recentPos int
}

type transfer struct {
	params   wire.FECParams
	shards   [][]byte
	received int
	done     bool
}

// NewAssembler creates an assembler. If log is nil, slog.Default() is used.
func NewAssembler(log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{
		log:       log.With("component", "fec-assembler"),
		pending:   make(map[uint32]*transfer),
		recentSet: make(map[uint32]struct{}),
	}
}

// Add feeds one received symbol message payload (the bytes following the
// 20-byte FEC envelope header) into the assembler. When the symbol
// completes its transfer, Add returns the reconstructed packet and true;
// otherwise nil and false. Malformed symbols return an error and are
// otherwise ignored.
func (a *Assembler) Add(seq uint32, params wire.FECParams, symbol []byte) ([]byte, bool, error) {
	if len(symbol) < symbolIDSize {
		return nil, false, ErrBadSymbol
	}
	id := int(binary.BigEndian.Uint16(symbol[:symbolIDSize]))
	data := symbol[symbolIDSize:]

	k := int(params.SourceBlocks)
	r := int(params.RepairBlocks)
	total := k + r
	if k == 0 || id >= total {
		return nil, false, fmt.Errorf("%w: symbol id %d of %d blocks", ErrBadSymbol, id, total)
	}
	if len(data) != int(params.SymbolSize) {
		return nil, false, fmt.Errorf("%w: symbol length %d, want %d", ErrBadSymbol, len(data), params.SymbolSize)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, done := a.recentSet[seq]; done {
		return nil, false, nil
	}

	tr, ok := a.pending[seq]
	if !ok {
		tr = &transfer{params: params, shards: make([][]byte, total)}
		a.pending[seq] = tr
		a.order = append(a.order, seq)
		a.evictLocked()
	}
	if tr.done || tr.shards[id] != nil {
		return nil, false, nil
	}

	shard := make([]byte, len(data))
	copy(shard, data)
	tr.shards[id] = shard
	tr.received++

	if tr.received < k {
		return nil, false, nil
	}

	dec, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, false, fmt.Errorf("fec: build decoder: %w", err)
	}
	if err := dec.ReconstructData(tr.shards); err != nil {
		// Cannot happen with received >= k matching shards; treat as a
		// lost packet rather than failing the channel.
		a.log.Warn("reconstruction failed", "seq", seq, "error", err)
		a.dropLocked(seq)
		return nil, false, nil
	}

	pkt := make([]byte, 0, params.TransferLength)
	for i := 0; i < k && uint64(len(pkt)) < params.TransferLength; i++ {
		pkt = append(pkt, tr.shards[i]...)
	}
	if uint64(len(pkt)) > params.TransferLength {
		pkt = pkt[:params.TransferLength]
	}

	tr.done = true
	a.dropLocked(seq)
	a.markCompletedLocked(seq)
	return pkt, true, nil
}

func (a *Assembler) markCompletedLocked(seq uint32) {
	if len(a.recentSet) >= maxPending {
		delete(a.recentSet, a.recent[a.recentPos])
	}
	a.recent[a.recentPos] = seq
	a.recentSet[seq] = struct{}{}
	a.recentPos = (a.recentPos + 1) % maxPending
}

// Pending returns the number of transfers awaiting quorum.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Assembler) dropLocked(seq uint32) {
	delete(a.pending, seq)
	for i, s := range a.order {
		if s == seq {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

func (a *Assembler) evictLocked() {
	for len(a.pending) > maxPending {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.pending, oldest)
		a.log.Debug("evicted incomplete transfer", "seq", oldest)
	}
}
