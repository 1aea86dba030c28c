package h2

import "fmt"

// ErrorCode represents an HTTP/2 error code.
type ErrorCode uint32

// HTTP/2 error codes from RFC 7540 Section 7.
const (
	// ErrCodeNoError (0x0): Graceful shutdown.
	ErrCodeNoError ErrorCode = 0x0
	// ErrCodeProtocolError (0x1): Protocol error detected.
	ErrCodeProtocolError ErrorCode = 0x1
	// ErrCodeInternalError (0x2): Implementation fault.
	ErrCodeInternalError ErrorCode = 0x2
	// ErrCodeFlowControlError (0x3): Flow-control limits exceeded.
	ErrCodeFlowControlError ErrorCode = 0x3
	// ErrCodeSettingsTimeout (0x4): Settings not acknowledged.
	ErrCodeSettingsTimeout ErrorCode = 0x4
	// ErrCodeStreamClosed (0x5): Frame received for already closed stream.
	ErrCodeStreamClosed ErrorCode = 0x5
	// ErrCodeFrameSizeError (0x6): Frame size incorrect.
	ErrCodeFrameSizeError ErrorCode = 0x6
	// ErrCodeRefusedStream (0x7): Stream not processed.
	ErrCodeRefusedStream ErrorCode = 0x7
	// ErrCodeCancel (0x8): Stream cancelled.
	ErrCodeCancel ErrorCode = 0x8
	// ErrCodeCompressionError (0x9): Compression state not maintained.
	ErrCodeCompressionError ErrorCode = 0x9
	// ErrCodeConnectError (0xa): Connection established in error.
	ErrCodeConnectError ErrorCode = 0xa
	// ErrCodeEnhanceYourCalm (0xb): Processing capacity exceeded.
	ErrCodeEnhanceYourCalm ErrorCode = 0xb
	// ErrCodeInadequateSecurity (0xc): Negotiated TLS parameters not acceptable.
	ErrCodeInadequateSecurity ErrorCode = 0xc
	// ErrCodeHTTP11Required (0xd): Use HTTP/1.1 for the request.
	ErrCodeHTTP11Required ErrorCode = 0xd
)

// String returns the string representation of the ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrCodeNoError:
		return "NO_ERROR"
	case ErrCodeProtocolError:
		return "PROTOCOL_ERROR"
	case ErrCodeInternalError:
		return "INTERNAL_ERROR"
	case ErrCodeFlowControlError:
		return "FLOW_CONTROL_ERROR"
	case ErrCodeSettingsTimeout:
		return "SETTINGS_TIMEOUT"
	case ErrCodeStreamClosed:
		return "STREAM_CLOSED"
	case ErrCodeFrameSizeError:
		return "FRAME_SIZE_ERROR"
	case ErrCodeRefusedStream:
		return "REFUSED_STREAM"
	case ErrCodeCancel:
		return "CANCEL"
	case ErrCodeCompressionError:
		return "COMPRESSION_ERROR"
	case ErrCodeConnectError:
		return "CONNECT_ERROR"
	case ErrCodeEnhanceYourCalm:
		return "ENHANCE_YOUR_CALM"
	case ErrCodeInadequateSecurity:
		return "INADEQUATE_SECURITY"
	case ErrCodeHTTP11Required:
		return "HTTP_1_1_REQUIRED"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint32(e))
	}
}

// StreamError represents an error scoped to a single stream. The engine
// responds to it by resetting the stream; the connection continues.
type StreamError struct {
	StreamID StreamID
	Code     ErrorCode
	Msg      string
	Cause    error // Optional underlying cause
}

// Error returns a string representation of the StreamError.
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error on stream %d: %s (code %s): %s", e.StreamID, e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("stream error on stream %d: %s (code %s)", e.StreamID, e.Msg, e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// NewStreamError creates a new StreamError.
func NewStreamError(id StreamID, code ErrorCode, msg string) *StreamError {
	return &StreamError{StreamID: id, Code: code, Msg: msg}
}

// NewStreamErrorWithCause creates a new StreamError with an underlying cause.
func NewStreamErrorWithCause(id StreamID, code ErrorCode, msg string, cause error) *StreamError {
	return &StreamError{StreamID: id, Code: code, Msg: msg, Cause: cause}
}

// ConnectionError represents an error that terminates the whole connection.
type ConnectionError struct {
	LastStreamID StreamID
	Code         ErrorCode
	Msg          string
	Cause        error // Optional underlying cause
}

// Error returns a string representation of the ConnectionError.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s (code %s): %s", e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("connection error: %s (code %s)", e.Msg, e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(code ErrorCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg}
}
