// Package wire implements the binary packet headers and the
// length-delimited stream framing used on every media channel.
//
// Two header families exist. The publish header is what the encoder-side
// packetizer stamps on each frame:
//
//	[sequence:u32][timestamp:u32][kind:u8]            (9 bytes, big-endian)
//
// The envelope header wraps a packet (or one FEC symbol of a packet) for
// the transport. A marker byte distinguishes the two forms:
//
//	[sequence:u32][0x00][wireType:u8]                 (6 bytes, regular)
//	[sequence:u32][0xFF][class:u8][transferLength:u64]
//	  [symbolSize:u16][sourceBlocks:u8][repairBlocks:u16]
//	  [alignment:u8]                                  (20 bytes, FEC symbol)
//
// The FEC header carries the complete erasure-code parameters so the
// receiver can reconstruct the original packet with no out-of-band state.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/aulalive/aula/internal/media"
)

// Header sizes and marker values.
const (
	PublishHeaderSize  = 9
	EnvelopeHeaderSize = 6
	FECHeaderSize      = 20

	MarkerRegular = 0x00
	MarkerFEC     = 0xFF
)

// ParseError records which header field failed to parse. It mirrors the
// receive side's need to distinguish short buffers from corrupt markers.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErrorf(field, format string, args ...any) error {
	return &ParseError{Field: field, Err: fmt.Errorf(format, args...)}
}

// PublishHeader is the 9-byte header the packetizer stamps on every
// outbound frame. Timestamp is milliseconds relative to the session base.
type PublishHeader struct {
	Sequence  uint32
	Timestamp uint32
	Kind      media.FrameKind
}

// AppendPublish appends the 9-byte publish header to dst and returns the
// extended slice.
func AppendPublish(dst []byte, h PublishHeader) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.Sequence)
	dst = binary.BigEndian.AppendUint32(dst, h.Timestamp)
	return append(dst, byte(h.Kind))
}

// ParsePublish splits a packet into its publish header and payload.
func ParsePublish(pkt []byte) (PublishHeader, []byte, error) {
	if len(pkt) < PublishHeaderSize {
		return PublishHeader{}, nil, parseErrorf("publish header", "short packet: %d bytes", len(pkt))
	}
	h := PublishHeader{
		Sequence:  binary.BigEndian.Uint32(pkt[0:4]),
		Timestamp: binary.BigEndian.Uint32(pkt[4:8]),
		Kind:      media.FrameKind(pkt[8]),
	}
	return h, pkt[PublishHeaderSize:], nil
}

// FECParams are the erasure-code parameters carried in every FEC symbol
// header. TransferLength is the original packet length in bytes (symbols
// are zero-padded to SymbolSize, so the receiver trims the joined blocks
// back to this length).
type FECParams struct {
	TransferLength uint64
	SymbolSize     uint16
	SourceBlocks   uint8
	RepairBlocks   uint16
	Alignment      uint8
}

// Envelope is the per-transport-message header. For regular messages the
// payload is a whole packet; for FEC messages it is one encoded symbol
// and Params describes the transfer.
type Envelope struct {
	Sequence uint32
	FEC      bool

	// Type is the per-tier wire code for regular messages.
	Type media.WireType
	// Class is the packet class for FEC messages.
	Class media.PacketClass

	Params FECParams // valid only when FEC
}

// AppendRegular appends a 6-byte regular envelope header to dst.
func AppendRegular(dst []byte, seq uint32, typ media.WireType) []byte {
	dst = binary.BigEndian.AppendUint32(dst, seq)
	return append(dst, MarkerRegular, byte(typ))
}

// AppendFEC appends a 20-byte FEC envelope header to dst.
func AppendFEC(dst []byte, seq uint32, class media.PacketClass, p FECParams) []byte {
	dst = binary.BigEndian.AppendUint32(dst, seq)
	dst = append(dst, MarkerFEC, byte(class))
	dst = binary.BigEndian.AppendUint64(dst, p.TransferLength)
	dst = binary.BigEndian.AppendUint16(dst, p.SymbolSize)
	dst = append(dst, p.SourceBlocks)
	dst = binary.BigEndian.AppendUint16(dst, p.RepairBlocks)
	return append(dst, p.Alignment)
}

// ParseEnvelope splits a transport message into its envelope and payload.
// The payload of an FEC envelope is a single encoded symbol prefixed with
// its 2-byte symbol ID (see the fec package).
func ParseEnvelope(msg []byte) (Envelope, []byte, error) {
	if len(msg) < EnvelopeHeaderSize {
		return Envelope{}, nil, parseErrorf("envelope", "short message: %d bytes", len(msg))
	}

	e := Envelope{Sequence: binary.BigEndian.Uint32(msg[0:4])}
	switch msg[4] {
	case MarkerRegular:
		e.Type = media.WireType(msg[5])
		return e, msg[EnvelopeHeaderSize:], nil
	case MarkerFEC:
		if len(msg) < FECHeaderSize {
			return Envelope{}, nil, parseErrorf("fec header", "short message: %d bytes", len(msg))
		}
		e.FEC = true
		e.Class = media.PacketClass(msg[5])
		e.Params = FECParams{
			TransferLength: binary.BigEndian.Uint64(msg[6:14]),
			SymbolSize:     binary.BigEndian.Uint16(msg[14:16]),
			SourceBlocks:   msg[16],
			RepairBlocks:   binary.BigEndian.Uint16(msg[17:19]),
			Alignment:      msg[19],
		}
		return e, msg[FECHeaderSize:], nil
	default:
		return Envelope{}, nil, parseErrorf("marker", "unknown marker byte 0x%02x", msg[4])
	}
}
