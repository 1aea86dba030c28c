// Package h2 defines the contract between this module and the multiplexing
// transport engine. The engine owns frame parsing, HPACK, the stream state
// machine and flow-control window arithmetic; this package only names the
// primitives it exposes: per-stream message events, the per-stream send
// handle, out-of-band control messages and the connection-driving loop.
package h2

import (
	"context"
	"net"

	"golang.org/x/net/http2/hpack"
)

// StreamID identifies one stream within a connection's lifetime. IDs are
// issued by the engine and are opaque to this module.
type StreamID uint32

// PseudoHeaders carries the request pseudo-header fields of a HEADERS event.
// Method and Path are required for a well-formed request; Scheme and
// Authority may be empty.
type PseudoHeaders struct {
	Method    string
	Path      string
	Scheme    string
	Authority string
}

// FlowControl is the engine's receive-credit accounting handle for one
// stream. Releasing n bytes permits the peer to send n further bytes.
type FlowControl interface {
	Release(n int)
}

// MessageKind is the variant tag of a per-stream event.
type MessageKind interface {
	isMessageKind()
}

// Headers is delivered once per stream when the request header block is
// complete. EndStream reports whether the request carries no body.
type Headers struct {
	Pseudo    PseudoHeaders
	Fields    []hpack.HeaderField
	EndStream bool
}

// Data carries one chunk of request body bytes together with the credit
// consumed by receiving it.
type Data struct {
	Chunk []byte
	Flow  FlowControl
}

// Eof is the terminal event of a stream's inbound half.
type Eof struct {
	Terminal StreamEnd
}

// Other covers engine events this module does not interpret.
type Other struct{}

func (Headers) isMessageKind() {}
func (Data) isMessageKind()    {}
func (Eof) isMessageKind()     {}
func (Other) isMessageKind()   {}

// StreamEnd describes how a stream's inbound half terminated.
type StreamEnd interface {
	isStreamEnd()
}

// EndData terminates the stream with trailing body bytes (possibly none).
type EndData struct {
	Chunk []byte
}

// EndTrailers terminates the stream with a trailer block and no further
// body bytes.
type EndTrailers struct {
	Fields []hpack.HeaderField
}

// EndError terminates the stream with a receive error.
type EndError struct {
	Err error
}

func (EndData) isStreamEnd()     {}
func (EndTrailers) isStreamEnd() {}
func (EndError) isStreamEnd()    {}

// Stream is the engine's per-stream send handle. The engine serializes
// frame emission across streams; calls on one Stream must not be made
// concurrently.
type Stream interface {
	// ID returns the stream's identifier.
	ID() StreamID

	// SendResponse emits the response HEADERS frame. The engine encodes
	// the :status pseudo-header from status; fields carries the regular
	// header block.
	SendResponse(status int, fields []hpack.HeaderField, endStream bool) error

	// SendPayload emits one DATA frame. It blocks while the stream has no
	// send credit, returning early if ctx is cancelled.
	SendPayload(ctx context.Context, p []byte, endStream bool) error

	// EmptyCapacity returns a fresh receive-credit handle with no bytes
	// accounted, used to seed a request payload channel.
	EmptyCapacity() FlowControl
}

// Message is one per-stream event. Events for a connection are delivered
// serially, in the order the engine observed them.
type Message struct {
	Stream Stream
	Kind   MessageKind
}

// ID returns the identifier of the stream the message belongs to.
func (m *Message) ID() StreamID {
	return m.Stream.ID()
}

// ControlKind classifies out-of-band control messages.
type ControlKind uint8

const (
	// ControlPing is a keepalive probe.
	ControlPing ControlKind = iota
	// ControlSettings is a settings negotiation exchange.
	ControlSettings
	// ControlGoAway initiates graceful connection shutdown.
	ControlGoAway
)

// String returns the string representation of the ControlKind.
func (k ControlKind) String() string {
	switch k {
	case ControlPing:
		return "PING"
	case ControlSettings:
		return "SETTINGS"
	case ControlGoAway:
		return "GOAWAY"
	default:
		return "UNKNOWN"
	}
}

// ControlMessage is an out-of-band transport control event.
type ControlMessage struct {
	Kind ControlKind
	// Err carries the condition that triggered a GoAway, if any.
	Err error
}

// ControlResult is the handler's disposition of a control message.
type ControlResult struct {
	msg   *ControlMessage
	acked bool
}

// Ack acknowledges the control message with its default disposition.
func (m *ControlMessage) Ack() ControlResult {
	return ControlResult{msg: m, acked: true}
}

// Acked reports whether the result acknowledges its message.
func (r ControlResult) Acked() bool {
	return r.acked
}

// PublishHandler consumes per-stream events. HandleMessage is invoked
// serially per connection; implementations may process streams
// concurrently once dispatched.
type PublishHandler interface {
	HandleMessage(ctx context.Context, msg *Message) error
}

// ControlHandler consumes out-of-band control events.
type ControlHandler interface {
	HandleControl(ctx context.Context, msg *ControlMessage) (ControlResult, error)
}

// Engine drives one accepted connection to completion, delivering stream
// events to pub and control events to ctl. It returns when the connection
// closes, whether peer-initiated, protocol-fatal or by deadline.
type Engine interface {
	HandleConnection(ctx context.Context, conn net.Conn, ctl ControlHandler, pub PublishHandler) error
}
