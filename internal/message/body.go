package message

import (
	"context"
	"fmt"
	"io"
)

// BodySizeKind classifies a response body's length.
type BodySizeKind uint8

const (
	// BodyNone means the message carries no body at all (e.g. 204).
	BodyNone BodySizeKind = iota
	// BodyEmpty means the body exists but has zero length.
	BodyEmpty
	// BodySized means the body has a known byte count.
	BodySized
	// BodyStream means the body length is unknown ahead of emission.
	BodyStream
)

// BodySize is the body-size classification that drives response header
// emission.
type BodySize struct {
	Kind   BodySizeKind
	Length int64
}

// SizeNone classifies a message without a body.
func SizeNone() BodySize { return BodySize{Kind: BodyNone} }

// SizeEmpty classifies a zero-length body.
func SizeEmpty() BodySize { return BodySize{Kind: BodyEmpty} }

// Sized classifies a body with a known byte count.
func Sized(n int64) BodySize { return BodySize{Kind: BodySized, Length: n} }

// SizeStream classifies a body of unknown length.
func SizeStream() BodySize { return BodySize{Kind: BodyStream} }

// IsEOF reports whether the classified body contributes no payload frames:
// no body, an empty body, or a sized body of zero bytes.
func (s BodySize) IsEOF() bool {
	switch s.Kind {
	case BodyNone, BodyEmpty:
		return true
	case BodySized:
		return s.Length == 0
	default:
		return false
	}
}

// String returns a readable representation, for logging.
func (s BodySize) String() string {
	switch s.Kind {
	case BodyNone:
		return "none"
	case BodyEmpty:
		return "empty"
	case BodySized:
		return fmt.Sprintf("sized(%d)", s.Length)
	case BodyStream:
		return "stream"
	default:
		return "unknown"
	}
}

// MessageBody is a response body producer. NextChunk returns successive
// chunks in production order and io.EOF once the producer is exhausted.
// A chunk may be empty without ending the body.
type MessageBody interface {
	// Size reports the producer's body-size classification. It is read
	// once, before emission starts.
	Size() BodySize

	// NextChunk returns the next body chunk, io.EOF at the end of the
	// body, or the producer's failure. It may block awaiting production;
	// ctx cancellation aborts the wait.
	NextChunk(ctx context.Context) ([]byte, error)
}

// NoBody is a MessageBody with no payload at all.
var NoBody MessageBody = noBody{}

type noBody struct{}

func (noBody) Size() BodySize { return SizeNone() }

func (noBody) NextChunk(context.Context) ([]byte, error) { return nil, io.EOF }

// BytesBody is a fixed, fully buffered body.
type BytesBody struct {
	data []byte
	done bool
}

// NewBytesBody returns a sized body over b. A nil or empty b yields an
// empty classification.
func NewBytesBody(b []byte) *BytesBody {
	return &BytesBody{data: b}
}

// Size implements MessageBody.
func (b *BytesBody) Size() BodySize {
	if len(b.data) == 0 {
		return SizeEmpty()
	}
	return Sized(int64(len(b.data)))
}

// NextChunk implements MessageBody: the whole buffer in one chunk.
func (b *BytesBody) NextChunk(context.Context) ([]byte, error) {
	if b.done || len(b.data) == 0 {
		return nil, io.EOF
	}
	b.done = true
	return b.data, nil
}

// ReaderBody streams an io.Reader as a body of unknown length.
type ReaderBody struct {
	r   io.Reader
	buf []byte
}

// NewReaderBody returns a streaming body reading chunks of up to chunkSize
// bytes from r. chunkSize <= 0 selects a default of 16 KiB.
func NewReaderBody(r io.Reader, chunkSize int) *ReaderBody {
	if chunkSize <= 0 {
		chunkSize = 16 * 1024
	}
	return &ReaderBody{r: r, buf: make([]byte, chunkSize)}
}

// Size implements MessageBody.
func (b *ReaderBody) Size() BodySize { return SizeStream() }

// NextChunk implements MessageBody. Each chunk is copied out of the
// internal buffer so callers may hold it across calls.
func (b *ReaderBody) NextChunk(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := b.r.Read(b.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, b.buf[:n])
		return chunk, nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

// ChunkFunc adapts a pull function into a streaming MessageBody.
type ChunkFunc func(ctx context.Context) ([]byte, error)

// Size implements MessageBody.
func (ChunkFunc) Size() BodySize { return SizeStream() }

// NextChunk implements MessageBody.
func (f ChunkFunc) NextChunk(ctx context.Context) ([]byte, error) { return f(ctx) }
