package wire

// ============================================================================
// Wire error definitions
// Purpose: classify failures so callers can decide their blast radius
// ============================================================================
//
//   ProtocolError  - malformed frame or body; scoped to one connection
//   TransportError - bind/accept/connect/read/write; fatal only for bind

import (
	"errors"
	"fmt"
)

// Predefined protocol failure causes
var (
	// ErrTruncatedFrame indicates the frame ended before the declared length
	ErrTruncatedFrame = errors.New("wire: truncated frame")

	// ErrLengthMismatch indicates the length prefix disagrees with the body size
	ErrLengthMismatch = errors.New("wire: length prefix does not match body")

	// ErrFrameTooLarge indicates the declared length exceeds the configured maximum
	ErrFrameTooLarge = errors.New("wire: frame too large")

	// ErrSchema indicates the body does not parse into the expected message
	ErrSchema = errors.New("wire: body does not match schema")

	// ErrUnsupportedMessage indicates a value that is neither a JobRequest nor a JobResponse
	ErrUnsupportedMessage = errors.New("wire: unsupported message type")

	// ErrUnknownCodec indicates a codec name with no registered implementation
	ErrUnknownCodec = errors.New("wire: unknown codec")
)

// ProtocolError reports a frame or body that could not be encoded or decoded.
type ProtocolError struct {
	Op     string // "encode", "decode", "read", "write"
	Codec  string // codec name, empty for framing failures
	Reason error  // one of the sentinels above
	Err    error  // underlying cause, may be nil
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol error: %s", e.Op)
	if e.Codec != "" {
		msg += " (" + e.Codec + ")"
	}
	msg += ": " + e.Reason.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is.
func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// TransportError reports a socket-level failure.
type TransportError struct {
	Op   string // "bind", "accept", "connect", "read", "write"
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err carries a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsTransportError reports whether err carries a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func schemaError(op, codec string, err error) error {
	return &ProtocolError{Op: op, Codec: codec, Reason: ErrSchema, Err: err}
}

func unsupported(op, codec string, msg any) error {
	return &ProtocolError{Op: op, Codec: codec, Reason: ErrUnsupportedMessage, Err: fmt.Errorf("%T", msg)}
}

// Label names the protocol failure behind err in snake case, for metric labels.
// It returns "" when err is not a ProtocolError.
func Label(err error) string {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		return ""
	}
	switch pe.Reason {
	case ErrTruncatedFrame:
		return "truncated_frame"
	case ErrLengthMismatch:
		return "length_mismatch"
	case ErrFrameTooLarge:
		return "frame_too_large"
	case ErrSchema:
		return "schema"
	case ErrUnsupportedMessage:
		return "unsupported_message"
	}
	return "other"
}
