package server

import (
	"net/http"
	"strconv"

	"example.com/h2serve/internal/message"
)

// PrepareResponse normalizes a response head so it is legal on the
// multiplexed transport, given the body-size classification the producer
// reported. size may be rewritten; the caller must re-read it to decide
// whether payload frames follow.
//
// The rules are applied in order:
//  1. 204/100/102 can never carry a body: force size to none.
//  2. 101 switches protocols: force size to stream, drop any
//     content-length and never emit one.
//  3. Otherwise a stream-classified body never gets a content-length
//     (this transport has no chunked encoding).
//  4. Emit content-length for empty ("0") and sized bodies.
//  5. Connection and Transfer-Encoding are connection-specific and
//     forbidden here.
//  6. Insert a Date header from the cached clock, never overwriting one
//     the service set.
func PrepareResponse(dates *message.DateService, head *message.ResponseHead, size *message.BodySize) {
	if head.Header == nil {
		head.Header = make(http.Header)
	}

	skipLen := size.Kind == message.BodyStream

	switch head.Status {
	case http.StatusNoContent, http.StatusContinue, http.StatusProcessing:
		*size = message.SizeNone()
	case http.StatusSwitchingProtocols:
		skipLen = true
		*size = message.SizeStream()
		head.Header.Del("Content-Length")
	}

	switch size.Kind {
	case message.BodyNone, message.BodyStream:
	case message.BodyEmpty:
		head.Header.Set("Content-Length", "0")
	case message.BodySized:
		if !skipLen {
			head.Header.Set("Content-Length", strconv.FormatInt(size.Length, 10))
		}
	}

	head.Header.Del("Connection")
	head.Header.Del("Transfer-Encoding")

	if head.Header.Get("Date") == "" {
		head.Header.Set("Date", dates.Date())
	}
}
