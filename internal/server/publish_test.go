package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2/hpack"

	"example.com/h2serve/internal/h2"
	"example.com/h2serve/internal/logger"
	"example.com/h2serve/internal/message"
)

// sentOp records one frame emission on a mock stream.
type sentOp struct {
	kind      string // "headers" or "payload"
	status    int
	fields    []hpack.HeaderField
	payload   []byte
	endStream bool
}

// mockStream implements h2.Stream and records every emission.
type mockStream struct {
	mu      sync.Mutex
	id      h2.StreamID
	ops     []sentOp
	flow    *mockFlow
	sendErr error
}

func newMockStream(id h2.StreamID) *mockStream {
	return &mockStream{id: id, flow: &mockFlow{}}
}

func (s *mockStream) ID() h2.StreamID { return s.id }

func (s *mockStream) SendResponse(status int, fields []hpack.HeaderField, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.ops = append(s.ops, sentOp{kind: "headers", status: status, fields: fields, endStream: endStream})
	return nil
}

func (s *mockStream) SendPayload(_ context.Context, p []byte, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	s.ops = append(s.ops, sentOp{kind: "payload", payload: buf, endStream: endStream})
	return nil
}

func (s *mockStream) EmptyCapacity() h2.FlowControl { return s.flow }

func (s *mockStream) recorded() []sentOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentOp(nil), s.ops...)
}

func fieldValue(fields []hpack.HeaderField, name string) (string, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func headersMsg(stream h2.Stream, method, path string, endStream bool, extra ...hpack.HeaderField) *h2.Message {
	return &h2.Message{
		Stream: stream,
		Kind: h2.Headers{
			Pseudo:    h2.PseudoHeaders{Method: method, Path: path, Scheme: "https", Authority: "example.com"},
			Fields:    extra,
			EndStream: endStream,
		},
	}
}

func newTestPublishHandler(t *testing.T, svc message.Service) *PublishHandler {
	t.Helper()
	cfg, err := NewDispatchConfig(svc, logger.NewNopLogger(), 0)
	if err != nil {
		t.Fatalf("NewDispatchConfig: %v", err)
	}
	return NewPublishHandler(cfg)
}

func TestPublishSizedBodyEmission(t *testing.T) {
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return message.NewResponse(http.StatusOK, message.NewBytesBody([]byte("hello"))), nil
	})
	h := newTestPublishHandler(t, svc)
	stream := newMockStream(1)

	if err := h.HandleMessage(context.Background(), headersMsg(stream, http.MethodGet, "/", true)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	h.Close(nil)

	ops := stream.recorded()
	if len(ops) != 3 {
		t.Fatalf("got %d emissions, want 3: %+v", len(ops), ops)
	}

	if ops[0].kind != "headers" || ops[0].status != http.StatusOK || ops[0].endStream {
		t.Errorf("first emission = %+v, want headers status 200 endStream=false", ops[0])
	}
	if cl, ok := fieldValue(ops[0].fields, "content-length"); !ok || cl != "5" {
		t.Errorf("content-length = %q (present=%v), want \"5\"", cl, ok)
	}
	if _, ok := fieldValue(ops[0].fields, "date"); !ok {
		t.Error("date header missing from response head")
	}

	if ops[1].kind != "payload" || string(ops[1].payload) != "hello" || ops[1].endStream {
		t.Errorf("second emission = %+v, want payload \"hello\" endStream=false", ops[1])
	}
	if ops[2].kind != "payload" || len(ops[2].payload) != 0 || !ops[2].endStream {
		t.Errorf("third emission = %+v, want empty payload endStream=true", ops[2])
	}
}

func TestPublishHeadRequestHeadersOnly(t *testing.T) {
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return message.NewResponse(http.StatusOK, message.NewBytesBody([]byte("hello"))), nil
	})
	h := newTestPublishHandler(t, svc)
	stream := newMockStream(3)

	if err := h.HandleMessage(context.Background(), headersMsg(stream, http.MethodHead, "/", true)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	h.Close(nil)

	ops := stream.recorded()
	if len(ops) != 1 {
		t.Fatalf("got %d emissions, want 1: %+v", len(ops), ops)
	}
	if ops[0].kind != "headers" || !ops[0].endStream {
		t.Errorf("emission = %+v, want headers endStream=true", ops[0])
	}
	if cl, _ := fieldValue(ops[0].fields, "content-length"); cl != "5" {
		t.Errorf("content-length = %q, want \"5\" even on a header-only response", cl)
	}
}

func TestPublishNoContentResponse(t *testing.T) {
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return message.NewResponse(http.StatusNoContent, message.NewBytesBody([]byte("dropped"))), nil
	})
	h := newTestPublishHandler(t, svc)
	stream := newMockStream(5)

	if err := h.HandleMessage(context.Background(), headersMsg(stream, http.MethodGet, "/", true)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	h.Close(nil)

	ops := stream.recorded()
	if len(ops) != 1 {
		t.Fatalf("got %d emissions, want 1: %+v", len(ops), ops)
	}
	if ops[0].status != http.StatusNoContent || !ops[0].endStream {
		t.Errorf("emission = %+v, want 204 endStream=true", ops[0])
	}
	if cl, ok := fieldValue(ops[0].fields, "content-length"); ok {
		t.Errorf("content-length = %q, want absent on 204", cl)
	}
}

func TestPublishRequestBodyDelivery(t *testing.T) {
	var (
		bodyMu sync.Mutex
		body   []byte
	)
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		if req.Body == nil {
			t.Error("request body is nil for a stream with payload")
			return message.NewResponse(http.StatusOK, nil), nil
		}
		for {
			chunk, err := req.Body.ReadChunk(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			bodyMu.Lock()
			body = append(body, chunk...)
			bodyMu.Unlock()
		}
		return message.NewResponse(http.StatusOK, nil), nil
	})
	h := newTestPublishHandler(t, svc)
	stream := newMockStream(7)
	ctx := context.Background()

	if err := h.HandleMessage(ctx, headersMsg(stream, http.MethodPost, "/upload", false)); err != nil {
		t.Fatalf("HandleMessage headers: %v", err)
	}
	if err := h.HandleMessage(ctx, &h2.Message{Stream: stream, Kind: h2.Data{Chunk: []byte("part1 "), Flow: stream.flow}}); err != nil {
		t.Fatalf("HandleMessage data: %v", err)
	}
	if err := h.HandleMessage(ctx, &h2.Message{Stream: stream, Kind: h2.Data{Chunk: []byte("part2"), Flow: stream.flow}}); err != nil {
		t.Fatalf("HandleMessage data: %v", err)
	}
	if err := h.HandleMessage(ctx, &h2.Message{Stream: stream, Kind: h2.Eof{Terminal: h2.EndData{}}}); err != nil {
		t.Fatalf("HandleMessage eof: %v", err)
	}
	h.Close(nil)

	bodyMu.Lock()
	got := string(body)
	bodyMu.Unlock()
	if got != "part1 part2" {
		t.Errorf("service saw body %q, want \"part1 part2\"", got)
	}
	if stream.flow.total() != len("part1 part2") {
		t.Errorf("released credit = %d, want %d", stream.flow.total(), len("part1 part2"))
	}
}

func TestPublishTrailersTerminateBody(t *testing.T) {
	done := make(chan string, 1)
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		var body []byte
		for {
			chunk, err := req.Body.ReadChunk(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			body = append(body, chunk...)
		}
		done <- string(body)
		return message.NewResponse(http.StatusOK, nil), nil
	})
	h := newTestPublishHandler(t, svc)
	stream := newMockStream(9)
	ctx := context.Background()

	if err := h.HandleMessage(ctx, headersMsg(stream, http.MethodPost, "/", false)); err != nil {
		t.Fatalf("HandleMessage headers: %v", err)
	}
	if err := h.HandleMessage(ctx, &h2.Message{Stream: stream, Kind: h2.Data{Chunk: []byte("data"), Flow: stream.flow}}); err != nil {
		t.Fatalf("HandleMessage data: %v", err)
	}
	trailers := h2.EndTrailers{Fields: []hpack.HeaderField{{Name: "x-checksum", Value: "abc"}}}
	if err := h.HandleMessage(ctx, &h2.Message{Stream: stream, Kind: h2.Eof{Terminal: trailers}}); err != nil {
		t.Fatalf("HandleMessage eof: %v", err)
	}
	h.Close(nil)

	select {
	case body := <-done:
		if body != "data" {
			t.Errorf("service saw body %q, want \"data\"", body)
		}
	default:
		t.Fatal("service never completed")
	}
}

func TestPublishDataForUnknownStream(t *testing.T) {
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return message.NewResponse(http.StatusOK, nil), nil
	})
	h := newTestPublishHandler(t, svc)
	stream := newMockStream(11)

	err := h.HandleMessage(context.Background(), &h2.Message{Stream: stream, Kind: h2.Data{Chunk: []byte("orphan"), Flow: stream.flow}})
	if err != nil {
		t.Errorf("data for unknown stream returned %v, want nil", err)
	}

	err = h.HandleMessage(context.Background(), &h2.Message{Stream: stream, Kind: h2.Eof{Terminal: h2.EndData{}}})
	if err != nil {
		t.Errorf("eof for unknown stream returned %v, want nil", err)
	}
	h.Close(nil)

	if ops := stream.recorded(); len(ops) != 0 {
		t.Errorf("unexpected emissions for orphan events: %+v", ops)
	}
}

func TestPublishMissingPseudoHeaders(t *testing.T) {
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		t.Error("service must not be called for a malformed request head")
		return nil, nil
	})

	tests := []struct {
		name   string
		pseudo h2.PseudoHeaders
	}{
		{"missing method", h2.PseudoHeaders{Path: "/", Scheme: "https", Authority: "example.com"}},
		{"missing path", h2.PseudoHeaders{Method: "GET", Scheme: "https", Authority: "example.com"}},
		{"missing scheme with authority", h2.PseudoHeaders{Method: "GET", Path: "/", Authority: "example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestPublishHandler(t, svc)
			stream := newMockStream(13)
			msg := &h2.Message{Stream: stream, Kind: h2.Headers{Pseudo: tt.pseudo, EndStream: true}}
			if err := h.HandleMessage(context.Background(), msg); err != nil {
				t.Fatalf("HandleMessage: %v", err)
			}
			h.Close(nil)

			ops := stream.recorded()
			if len(ops) == 0 {
				t.Fatal("no emissions, want an error response")
			}
			if ops[0].status != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", ops[0].status)
			}
		})
	}
}

func TestPublishServiceError(t *testing.T) {
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return nil, errors.New("backend exploded")
	})
	h := newTestPublishHandler(t, svc)
	stream := newMockStream(15)

	if err := h.HandleMessage(context.Background(), headersMsg(stream, http.MethodGet, "/", true)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	h.Close(nil)

	ops := stream.recorded()
	if len(ops) == 0 {
		t.Fatal("no emissions, want an error response")
	}
	if ops[0].status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", ops[0].status)
	}
	if ct, _ := fieldValue(ops[0].fields, "content-type"); ct != "text/html; charset=utf-8" {
		t.Errorf("content-type = %q, want the HTML error page default", ct)
	}
}

func TestPublishEmptyChunkSuppression(t *testing.T) {
	chunks := [][]byte{[]byte("a"), {}, []byte("b"), {}, {}}
	idx := 0
	producer := message.ChunkFunc(func(ctx context.Context) ([]byte, error) {
		if idx >= len(chunks) {
			return nil, io.EOF
		}
		c := chunks[idx]
		idx++
		return c, nil
	})
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return message.NewResponse(http.StatusOK, producer), nil
	})
	h := newTestPublishHandler(t, svc)
	stream := newMockStream(17)

	if err := h.HandleMessage(context.Background(), headersMsg(stream, http.MethodGet, "/", true)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	h.Close(nil)

	ops := stream.recorded()
	if len(ops) != 4 {
		t.Fatalf("got %d emissions, want headers + 2 payloads + terminal: %+v", len(ops), ops)
	}
	if string(ops[1].payload) != "a" || ops[1].endStream {
		t.Errorf("emission[1] = %+v, want payload \"a\"", ops[1])
	}
	if string(ops[2].payload) != "b" || ops[2].endStream {
		t.Errorf("emission[2] = %+v, want payload \"b\"", ops[2])
	}
	if len(ops[3].payload) != 0 || !ops[3].endStream {
		t.Errorf("emission[3] = %+v, want empty terminal payload", ops[3])
	}
	// A streamed body never carries a content-length.
	if cl, ok := fieldValue(ops[0].fields, "content-length"); ok {
		t.Errorf("content-length = %q, want absent for a streamed body", cl)
	}
}

func TestPublishCloseFailsPendingChannels(t *testing.T) {
	started := make(chan struct{})
	readErr := make(chan error, 1)
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		close(started)
		_, err := req.Body.ReadChunk(ctx)
		readErr <- err
		return message.NewResponse(http.StatusServiceUnavailable, nil), nil
	})
	h := newTestPublishHandler(t, svc)
	stream := newMockStream(19)

	if err := h.HandleMessage(context.Background(), headersMsg(stream, http.MethodPost, "/", false)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("stream task never started")
	}

	connErr := errors.New("connection torn down")
	h.Close(connErr)

	select {
	case err := <-readErr:
		if !errors.Is(err, connErr) {
			t.Errorf("blocked body read got %v, want the connection error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked body read never woke after Close")
	}
}

func TestPublishUnreadBodyReleasedAfterStreamTask(t *testing.T) {
	// The service ignores the request body entirely.
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return message.NewResponse(http.StatusAccepted, nil), nil
	})
	h := newTestPublishHandler(t, svc)
	stream := newMockStream(23)
	ctx := context.Background()

	if err := h.HandleMessage(ctx, headersMsg(stream, http.MethodPost, "/", false)); err != nil {
		t.Fatalf("HandleMessage headers: %v", err)
	}
	if err := h.HandleMessage(ctx, &h2.Message{Stream: stream, Kind: h2.Data{Chunk: []byte("0123456789"), Flow: stream.flow}}); err != nil {
		t.Fatalf("HandleMessage data: %v", err)
	}

	// Once the stream task finishes it releases the channel, returning
	// the undrained chunk's credit.
	deadline := time.Now().Add(2 * time.Second)
	for stream.flow.total() != 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := stream.flow.total(); got != 10 {
		t.Errorf("released credit = %d, want 10", got)
	}
	h.Close(nil)
}

func TestPublishStructLiteralResponse(t *testing.T) {
	// A service building the response by struct literal leaves Head.Header
	// nil; the emission path must tolerate that.
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return &message.Response{Head: message.ResponseHead{Status: http.StatusOK}}, nil
	})
	h := newTestPublishHandler(t, svc)
	stream := newMockStream(25)

	if err := h.HandleMessage(context.Background(), headersMsg(stream, http.MethodGet, "/", true)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	h.Close(nil)

	ops := stream.recorded()
	if len(ops) != 1 {
		t.Fatalf("got %d emissions, want 1: %+v", len(ops), ops)
	}
	if ops[0].status != http.StatusOK || !ops[0].endStream {
		t.Errorf("emission = %+v, want 200 endStream=true", ops[0])
	}
	if _, ok := fieldValue(ops[0].fields, "date"); !ok {
		t.Error("date header missing from response head")
	}
}

func TestPublishBodyProducerFailureAbortsStream(t *testing.T) {
	calls := 0
	producer := message.ChunkFunc(func(ctx context.Context) ([]byte, error) {
		calls++
		if calls == 1 {
			return []byte("partial"), nil
		}
		return nil, errors.New("disk gone")
	})
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return message.NewResponse(http.StatusOK, producer), nil
	})

	var buf bytes.Buffer
	cfg, err := NewDispatchConfig(svc, logger.NewTestLogger(&buf), 0)
	if err != nil {
		t.Fatalf("NewDispatchConfig: %v", err)
	}
	h := NewPublishHandler(cfg)
	stream := newMockStream(27)

	if err := h.HandleMessage(context.Background(), headersMsg(stream, http.MethodGet, "/", true)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	h.Close(nil)

	// The already-sent frames stand; no terminal frame follows the failure.
	ops := stream.recorded()
	if len(ops) != 2 {
		t.Fatalf("got %d emissions, want headers + one payload: %+v", len(ops), ops)
	}
	if string(ops[1].payload) != "partial" || ops[1].endStream {
		t.Errorf("emission[1] = %+v, want payload \"partial\" endStream=false", ops[1])
	}

	out := buf.String()
	if !strings.Contains(out, "stream task failed") {
		t.Errorf("log %q does not report the failed stream task", out)
	}
	if !strings.Contains(out, "disk gone") {
		t.Errorf("log %q does not carry the producer's error", out)
	}
}

func TestPublishSendFailureAbortsStream(t *testing.T) {
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return message.NewResponse(http.StatusOK, message.NewBytesBody([]byte("hello"))), nil
	})

	var buf bytes.Buffer
	cfg, err := NewDispatchConfig(svc, logger.NewTestLogger(&buf), 0)
	if err != nil {
		t.Fatalf("NewDispatchConfig: %v", err)
	}
	h := NewPublishHandler(cfg)
	stream := newMockStream(29)
	stream.sendErr = errors.New("stream reset by peer")

	if err := h.HandleMessage(context.Background(), headersMsg(stream, http.MethodGet, "/", true)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	h.Close(nil)

	if ops := stream.recorded(); len(ops) != 0 {
		t.Errorf("emissions recorded despite send failure: %+v", ops)
	}
	if out := buf.String(); !strings.Contains(out, "stream task failed") {
		t.Errorf("log %q does not report the failed stream task", out)
	}
}

func TestPublishHeadersAfterCloseRefused(t *testing.T) {
	svc := message.ServiceFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return message.NewResponse(http.StatusOK, nil), nil
	})
	h := newTestPublishHandler(t, svc)
	h.Close(nil)

	stream := newMockStream(21)
	err := h.HandleMessage(context.Background(), headersMsg(stream, http.MethodPost, "/", false))
	var se *h2.StreamError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want a stream error", err)
	}
	if se.Code != h2.ErrCodeRefusedStream {
		t.Errorf("code = %v, want REFUSED_STREAM", se.Code)
	}
}
