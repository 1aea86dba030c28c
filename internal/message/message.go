// Package message holds the request/response data model shared between the
// transport adapter and the user-supplied service, together with the body
// abstractions and the cached date clock used during response emission.
package message

import (
	"context"
	"net/http"
	"net/url"
)

// Body is the consuming end of a request payload channel. ReadChunk
// returns body chunks in arrival order and io.EOF once the stream's
// terminal event has been observed and all buffered bytes drained.
type Body interface {
	ReadChunk(ctx context.Context) ([]byte, error)

	// Close releases the channel. Buffered bytes are discarded.
	Close()
}

// Request is one reconstructed request from a stream's HEADERS event.
// Body is nil when the request carries no payload.
type Request struct {
	Method string
	URI    *url.URL
	Header http.Header
	Body   Body
}

// ResponseHead is the status and header block of a response.
type ResponseHead struct {
	Status int
	Header http.Header
}

// Response pairs a response head with its body producer.
type Response struct {
	Head ResponseHead
	Body MessageBody
}

// NewResponse builds a response with the given status and body. A nil body
// is replaced with NoBody.
func NewResponse(status int, body MessageBody) *Response {
	if body == nil {
		body = NoBody
	}
	return &Response{
		Head: ResponseHead{Status: status, Header: make(http.Header)},
		Body: body,
	}
}

// Service is the user-supplied request processor. A returned error is
// converted to an HTTP error response by the adapter; it never tears down
// the stream or connection by itself.
type Service interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(ctx context.Context, req *Request) (*Response, error)

// Call implements Service.
func (f ServiceFunc) Call(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
