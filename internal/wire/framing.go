package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrIncompleteMessage is returned when a length-delimited stream ends in
// the middle of a message: the length prefix or the announced body was cut
// short. A clean EOF between messages surfaces as io.EOF instead.
var ErrIncompleteMessage = errors.New("wire: incomplete message")

// MaxMessageSize bounds a single length-delimited message. Media packets
// are at most a few hundred KB even for 1080p keyframes; anything larger
// indicates a corrupt or hostile length prefix.
const MaxMessageSize = 16 << 20

// WriteMessage writes msg to w prefixed with its 4-byte big-endian length.
// Used on byte-stream transports (WebTransport bidirectional streams) that
// have no native message framing.
func WriteMessage(w io.Writer, msg []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadMessage reads one length-delimited message from r. It buffers
// partial reads until the full body arrives. Returns io.EOF if the stream
// ends cleanly before a new message starts, ErrIncompleteMessage if it
// ends mid-message.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: length prefix: %v", ErrIncompleteMessage, err)
	}

	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("wire: message of %d bytes exceeds limit", size)
	}

	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrIncompleteMessage, err)
	}
	return msg, nil
}
