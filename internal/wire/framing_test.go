package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFramingRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	msgs := [][]byte{[]byte("first"), {}, []byte("a longer third message")}
	for _, m := range msgs {
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range msgs {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("message %d = %q, want %q", i, got, want)
		}
	}

	if _, err := ReadMessage(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after last message, got %v", err)
	}
}

func TestFramingTruncatedBody(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteMessage(&buf, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])

	_, err := ReadMessage(truncated)
	if !errors.Is(err, ErrIncompleteMessage) {
		t.Fatalf("expected ErrIncompleteMessage, got %v", err)
	}
}

func TestFramingTruncatedPrefix(t *testing.T) {
	t.Parallel()
	_, err := ReadMessage(bytes.NewReader([]byte{0, 0}))
	if !errors.Is(err, ErrIncompleteMessage) {
		t.Fatalf("expected ErrIncompleteMessage, got %v", err)
	}
}

func TestFramingOversizeRejected(t *testing.T) {
	t.Parallel()
	raw := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, err := ReadMessage(bytes.NewReader(raw))
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected size-limit error, got %v", err)
	}
}
