package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the default maximum payload size (16 MB).
	// Large enough for a 5 MB image after base64 expansion plus the
	// JSON envelope around it.
	MaxFrameSize = 16 * 1024 * 1024
)

var (
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
	ErrConnectionClosed = errors.New("connection closed by peer")
)

// EncodeFrame writes one frame to the writer: a 4-byte big-endian
// length prefix followed by exactly that many payload bytes.
func EncodeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}

	return nil
}

// DecodeFrame reads one frame from the reader using the default
// maximum payload size.
func DecodeFrame(r io.Reader) ([]byte, error) {
	return DecodeFrameLimit(r, MaxFrameSize)
}

// DecodeFrameLimit reads one frame from the reader, rejecting payloads
// larger than max. A clean close before any length byte arrives maps to
// ErrConnectionClosed; a close mid-length or mid-payload does too, since
// the stream can never resynchronize after a partial frame.
//
// An error with zero bytes consumed (other than EOF) is returned
// untouched so callers can treat read timeouts as recoverable and retry.
func DecodeFrameLimit(r io.Reader, max uint32) ([]byte, error) {
	var hdr [4]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 {
			if err == io.EOF {
				return nil, ErrConnectionClosed
			}
			return nil, err
		}
		// Partial length prefix: the frame boundary is lost.
		return nil, fmt.Errorf("%w: truncated length prefix (%d of 4 bytes)", ErrConnectionClosed, n)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length > max {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("%w: truncated payload", ErrConnectionClosed)
		}
	}

	return payload, nil
}
