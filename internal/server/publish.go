package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/net/http2/hpack"

	"example.com/h2serve/internal/h2"
	"example.com/h2serve/internal/logger"
	"example.com/h2serve/internal/message"
)

// PublishHandler consumes the per-stream event sequence of one connection,
// reconstructs requests, invokes the user service and streams responses
// back through the engine. One instance exists per connection; the stream
// table it owns is never shared across connections.
type PublishHandler struct {
	cfg *DispatchConfig

	mu      sync.Mutex
	streams map[h2.StreamID]*PayloadSender
	closed  bool

	tasks sync.WaitGroup
}

// NewPublishHandler creates the publish handler for one connection.
func NewPublishHandler(cfg *DispatchConfig) *PublishHandler {
	return &PublishHandler{
		cfg:     cfg,
		streams: make(map[h2.StreamID]*PayloadSender),
	}
}

// HandleMessage implements h2.PublishHandler. Events arrive serially;
// Headers events dispatch an independent stream task, Data/Eof feed the
// stream's payload channel inline.
func (h *PublishHandler) HandleMessage(ctx context.Context, msg *h2.Message) error {
	switch kind := msg.Kind.(type) {
	case h2.Headers:
		var body *Payload
		if !kind.EndStream {
			h.cfg.Log.Debug("creating payload channel", logger.LogFields{"stream_id": msg.ID()})
			sender, payload := NewPayload(msg.Stream.EmptyCapacity())
			h.mu.Lock()
			if h.closed {
				h.mu.Unlock()
				payload.Close()
				return h2.NewStreamError(msg.ID(), h2.ErrCodeRefusedStream, "connection shutting down")
			}
			h.streams[msg.ID()] = sender
			h.mu.Unlock()
			body = payload
		}

		stream := msg.Stream
		h.tasks.Add(1)
		go func() {
			defer h.tasks.Done()
			if err := h.serveStream(ctx, stream, kind, body); err != nil {
				h.cfg.Log.Error("stream task failed", logger.LogFields{
					"stream_id": stream.ID(),
					"error":     err.Error(),
				})
			}
		}()
		return nil

	case h2.Data:
		h.mu.Lock()
		sender, ok := h.streams[msg.ID()]
		h.mu.Unlock()
		if !ok {
			// Not fatal: the stream may already have terminated locally.
			h.cfg.Log.Warn("payload channel does not exist, dropping data", logger.LogFields{
				"stream_id": msg.ID(),
				"data_len":  len(kind.Chunk),
			})
			return nil
		}
		sender.FeedData(kind.Chunk, kind.Flow)
		return nil

	case h2.Eof:
		h.mu.Lock()
		sender, ok := h.streams[msg.ID()]
		delete(h.streams, msg.ID())
		h.mu.Unlock()
		if !ok {
			return nil
		}
		switch end := kind.Terminal.(type) {
		case h2.EndData:
			sender.FeedEOF(end.Chunk)
		case h2.EndTrailers:
			sender.FeedEOF(nil)
		case h2.EndError:
			sender.SetError(end.Err)
		default:
			sender.FeedEOF(nil)
		}
		return nil

	default:
		return nil
	}
}

// serveStream is one stream's processing task: build the request, call the
// service, emit the response. Request reconstruction failures and service
// errors become error responses on this stream; emission failures abort
// the stream and propagate to the caller for logging.
func (h *PublishHandler) serveStream(ctx context.Context, stream h2.Stream, hdrs h2.Headers, body *Payload) error {
	// Release the request body channel whenever this task ends, drained
	// or not, so late Data chunks return their credit instead of
	// buffering forever.
	if body != nil {
		defer body.Close()
	}

	isHead := hdrs.Pseudo.Method == http.MethodHead

	var res *message.Response
	req, err := buildRequest(hdrs, body)
	if err != nil {
		h.cfg.Log.Warn("request reconstruction failed", logger.LogFields{
			"stream_id": stream.ID(),
			"error":     err.Error(),
		})
		res = ResponseForError(err, hdrs.Fields)
	} else {
		r, svcErr := h.cfg.Service.Call(ctx, req)
		if svcErr != nil {
			res = ResponseForError(svcErr, hdrs.Fields)
		} else {
			res = r
		}
	}
	if res.Body == nil {
		res.Body = message.NoBody
	}

	size := res.Body.Size()
	PrepareResponse(h.cfg.Dates, &res.Head, &size)
	fields := headerFields(res.Head.Header)

	h.cfg.Log.Debug("sending response", logger.LogFields{
		"stream_id": stream.ID(),
		"status":    res.Head.Status,
		"body_size": size.String(),
	})

	if size.IsEOF() || isHead {
		return stream.SendResponse(res.Head.Status, fields, true)
	}
	if err := stream.SendResponse(res.Head.Status, fields, false); err != nil {
		return err
	}

	for {
		chunk, err := res.Body.NextChunk(ctx)
		if err == io.EOF {
			// The terminal frame is always an explicit empty payload,
			// even when every produced chunk was empty-suppressed.
			return stream.SendPayload(ctx, nil, true)
		}
		if err != nil {
			return fmt.Errorf("response body producer failed on stream %d: %w", stream.ID(), err)
		}
		if len(chunk) == 0 {
			continue
		}
		if err := stream.SendPayload(ctx, chunk, false); err != nil {
			return err
		}
	}
}

// buildRequest reconstructs a request from a Headers event. body may be
// nil for bodyless requests.
func buildRequest(hdrs h2.Headers, body *Payload) (*message.Request, error) {
	if hdrs.Pseudo.Method == "" {
		return nil, missingPseudo("method")
	}
	if hdrs.Pseudo.Path == "" {
		return nil, missingPseudo("path")
	}

	var uri *url.URL
	if hdrs.Pseudo.Authority != "" {
		if hdrs.Pseudo.Scheme == "" {
			return nil, missingPseudo("scheme")
		}
		u, err := url.Parse(hdrs.Pseudo.Scheme + "://" + hdrs.Pseudo.Authority + hdrs.Pseudo.Path)
		if err != nil {
			return nil, &RequestError{Kind: MalformedURI, Cause: err}
		}
		uri = u
	} else {
		u, err := url.Parse(hdrs.Pseudo.Path)
		if err != nil {
			return nil, &RequestError{Kind: MalformedURI, Cause: err}
		}
		uri = u
	}

	header := make(http.Header, len(hdrs.Fields))
	for _, f := range hdrs.Fields {
		header.Add(f.Name, f.Value)
	}

	req := &message.Request{
		Method: hdrs.Pseudo.Method,
		URI:    uri,
		Header: header,
	}
	if body != nil {
		req.Body = body
	}
	return req, nil
}

// headerFields flattens a response header map into the engine's header
// block representation. Field names are lowercased for the wire.
func headerFields(header http.Header) []hpack.HeaderField {
	fields := make([]hpack.HeaderField, 0, len(header))
	for name, values := range header {
		lower := toLowerASCII(name)
		for _, v := range values {
			fields = append(fields, hpack.HeaderField{Name: lower, Value: v})
		}
	}
	return fields
}

func toLowerASCII(s string) string {
	hasUpper := false
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			hasUpper = true
			break
		}
	}
	if !hasUpper {
		return s
	}
	b := []byte(s)
	for i := 0; i < len(b); i++ {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// Close tears down the stream table after the connection loop has
// returned. Remaining payload channels are failed so blocked readers wake;
// stream tasks are waited for so no goroutine outlives the connection.
func (h *PublishHandler) Close(err error) {
	h.mu.Lock()
	h.closed = true
	remaining := h.streams
	h.streams = make(map[h2.StreamID]*PayloadSender)
	h.mu.Unlock()

	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	for id, sender := range remaining {
		h.cfg.Log.Debug("releasing payload channel", logger.LogFields{"stream_id": id})
		sender.SetError(err)
	}
	h.tasks.Wait()
}
