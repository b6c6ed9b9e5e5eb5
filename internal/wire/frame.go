package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderLen is the size of the big-endian length prefix.
const HeaderLen = 4

// DefaultMaxFrameSize bounds a single body unless configured otherwise.
const DefaultMaxFrameSize = 8 << 20

// Encode produces <u32 length><body> for msg.
func Encode(c Codec, msg any) ([]byte, error) {
	body, err := c.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if uint64(len(body)) > math.MaxUint32 {
		return nil, &ProtocolError{Op: "encode", Codec: c.Name(), Reason: ErrFrameTooLarge,
			Err: fmt.Errorf("%d bytes", len(body))}
	}
	frame := make([]byte, HeaderLen+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[HeaderLen:], body)
	return frame, nil
}

// Decode parses a complete frame into msg.
func Decode(c Codec, frame []byte, msg any) error {
	if len(frame) < HeaderLen {
		return &ProtocolError{Op: "decode", Reason: ErrTruncatedFrame,
			Err: fmt.Errorf("%d header bytes", len(frame))}
	}
	declared := binary.BigEndian.Uint32(frame)
	body := frame[HeaderLen:]
	switch {
	case uint64(len(body)) < uint64(declared):
		return &ProtocolError{Op: "decode", Reason: ErrTruncatedFrame,
			Err: fmt.Errorf("declared %d, have %d", declared, len(body))}
	case uint64(len(body)) > uint64(declared):
		return &ProtocolError{Op: "decode", Reason: ErrLengthMismatch,
			Err: fmt.Errorf("declared %d, have %d", declared, len(body))}
	}
	return c.Unmarshal(body, msg)
}

// WriteFrame encodes msg and writes the whole frame to w.
func WriteFrame(w io.Writer, c Codec, msg any) error {
	frame, err := Encode(c, msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// ReadFrame reads exactly one frame from r and decodes it into msg.
//
// io.EOF is returned unchanged when r ends before the first header byte, so callers can tell a
// peer that hung up from one that sent half a frame.
func ReadFrame(r io.Reader, c Codec, msg any, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return &ProtocolError{Op: "read", Reason: ErrTruncatedFrame, Err: err}
		}
		return &TransportError{Op: "read", Err: err}
	}

	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > uint64(maxSize) {
		return &ProtocolError{Op: "read", Reason: ErrFrameTooLarge,
			Err: fmt.Errorf("declared %d, limit %d", size, maxSize)}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return &ProtocolError{Op: "read", Reason: ErrTruncatedFrame, Err: err}
		}
		return &TransportError{Op: "read", Err: err}
	}
	return c.Unmarshal(body, msg)
}
