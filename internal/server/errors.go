package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"example.com/h2serve/internal/message"
)

// StatusError is implemented by errors that carry their own HTTP status.
// Anything else maps to 500.
type StatusError interface {
	error
	StatusCode() int
}

// RequestErrorKind classifies request reconstruction failures.
type RequestErrorKind uint8

const (
	// MissingPseudoHeader means a required pseudo-header field was absent.
	MissingPseudoHeader RequestErrorKind = iota
	// MalformedURI means the pseudo-header fields did not compose into a
	// parseable URI.
	MalformedURI
)

// RequestError is a per-stream fatal request reconstruction failure. An
// error response is sent on the stream; the connection continues.
type RequestError struct {
	Kind  RequestErrorKind
	Field string // the missing pseudo-header, for MissingPseudoHeader
	Cause error
}

// Error returns a string representation of the RequestError.
func (e *RequestError) Error() string {
	switch e.Kind {
	case MissingPseudoHeader:
		return fmt.Sprintf("missing required pseudo-header %q", e.Field)
	case MalformedURI:
		if e.Cause != nil {
			return fmt.Sprintf("malformed request uri: %v", e.Cause)
		}
		return "malformed request uri"
	default:
		return "invalid request head"
	}
}

// Unwrap returns the underlying cause, if any.
func (e *RequestError) Unwrap() error { return e.Cause }

// StatusCode implements StatusError: reconstruction failures are the
// client's fault.
func (e *RequestError) StatusCode() int { return http.StatusBadRequest }

func missingPseudo(field string) *RequestError {
	return &RequestError{Kind: MissingPseudoHeader, Field: field}
}

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

// defaultHTMLMessages maps HTTP status codes to their default HTML messages.
var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusServiceUnavailable: {
		Title:   "503 Service Unavailable",
		Heading: "Service Unavailable",
		Message: "The server is currently unable to handle the request.",
	},
}

// PrefersJSON checks if the client prefers application/json based on the
// Accept header value.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false // Default to HTML
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool // true if not a wildcard type
		order     int  // original order in header
	}
	var offers []offer

	rawParts := strings.Split(acceptHeaderValue, ",")
	for i, partStr := range rawParts {
		partStr = strings.TrimSpace(partStr)
		mediaType := partStr
		qValue := 1.0

		if idx := strings.Index(partStr, ";"); idx != -1 {
			mediaType = strings.TrimSpace(partStr[:idx])
			paramsStr := strings.TrimSpace(partStr[idx+1:])
			for _, param := range strings.Split(paramsStr, ";") {
				param = strings.TrimSpace(param)
				if strings.HasPrefix(param, "q=") {
					if q, err := strconv.ParseFloat(param[2:], 64); err == nil && q >= 0 && q <= 1 {
						qValue = q
					} else {
						qValue = 0
					}
					break
				}
			}
		}

		// RFC 7231 Section 5.3.2: a media type with qvalue 0 is ignored.
		if qValue > 0 {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         qValue,
				specific:  !strings.HasSuffix(mediaType, "/*") && mediaType != "*/*",
				order:     i,
			})
		}
	}

	if len(offers) == 0 {
		return false
	}

	// Higher q first, then more specific, then earlier in the header.
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})

	return offers[0].mediaType == "application/json"
}

// ResponseForError converts an error from the user service (or from
// request reconstruction) into an HTTP-legal error response. reqFields is
// the request header block, consulted for content negotiation; it may be
// nil.
func ResponseForError(err error, reqFields []hpack.HeaderField) *message.Response {
	status := http.StatusInternalServerError
	var se StatusError
	if errors.As(err, &se) {
		status = se.StatusCode()
	}
	statusText := http.StatusText(status)
	if statusText == "" {
		statusText = "Error"
	}

	accept := ""
	for _, hf := range reqFields {
		if strings.ToLower(hf.Name) == "accept" {
			accept = hf.Value
			break
		}
	}

	detail := ""
	if err != nil {
		detail = err.Error()
	}

	var body []byte
	var contentType string
	if PrefersJSON(accept) {
		contentType = "application/json; charset=utf-8"
		jsonBody, marshalErr := json.Marshal(ErrorResponseJSON{
			Error: ErrorDetail{StatusCode: status, Message: statusText, Detail: detail},
		})
		if marshalErr == nil {
			body = jsonBody
		}
	}
	if body == nil {
		contentType = "text/html; charset=utf-8"
		body = htmlErrorBody(status, statusText, detail)
	}

	res := message.NewResponse(status, message.NewBytesBody(body))
	res.Head.Header.Set("Content-Type", contentType)
	res.Head.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	return res
}

// htmlErrorBody creates a simple HTML error page.
func htmlErrorBody(status int, statusText, detail string) []byte {
	var title, heading, msg string
	if known, ok := defaultHTMLMessages[status]; ok {
		title = known.Title
		heading = known.Heading
		msg = known.Message
		if detail != "" {
			msg = msg + " " + html.EscapeString(detail)
		}
	} else {
		title = fmt.Sprintf("%d %s", status, statusText)
		heading = statusText
		if detail != "" {
			msg = html.EscapeString(detail)
		} else {
			msg = "The server encountered an error processing your request."
		}
	}
	page := fmt.Sprintf("<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(heading), msg)
	return []byte(page)
}
