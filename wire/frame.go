// Package wire implements the length-prefixed framing shared by every
// transport.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// A frame is the unit of application I/O.
//
// Wire format:
//
//	<length:4><payload:length>
//
// The length is a big-endian unsigned 32-bit integer and excludes itself.
// A zero length is a valid, empty frame. A frame whose announced length
// exceeds the receiver's maximum message size is fatal to the connection
// and is rejected before any of its payload is consumed.
const LengthPrefixSize = 4

var (
	ErrOversizeFrame = errors.New("wire: frame exceeds max message size")
	ErrShortFrame    = errors.New("wire: short frame")
)

// WriteFrame writes payload to w as a single frame. It refuses payloads
// larger than maxSize so a misconfigured sender fails locally instead of
// poisoning the remote connection.
func WriteFrame(w io.Writer, payload []byte, maxSize uint32) error {
	if uint64(len(payload)) > uint64(maxSize) {
		return ErrOversizeFrame
	}

	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))

	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}

	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame from r and returns its payload. If the length
// prefix announces more than maxSize bytes, ReadFrame returns
// ErrOversizeFrame without consuming the payload.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxSize {
		return nil, ErrOversizeFrame
	}
	if length == 0 {
		return nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}

	return payload, nil
}
