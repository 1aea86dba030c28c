package server

import (
	"context"
	"io"
	"sync"

	"example.com/h2serve/internal/h2"
)

// payloadChunk is one buffered request-body chunk together with the
// flow-control credit consumed by receiving it. The credit is returned to
// the engine when the chunk is handed to the consumer.
type payloadChunk struct {
	data []byte
	flow h2.FlowControl
}

// Payload is the consuming end of a per-stream request body channel. It
// implements message.Body. Exactly one Payload exists per live stream with
// a request body.
type Payload struct {
	mu     sync.Mutex
	flow   h2.FlowControl // stream credit handle, used when a chunk carries none
	chunks []payloadChunk
	eof    bool  // terminal completion observed
	err    error // terminal failure, takes precedence over buffered bytes
	closed bool  // consumer released the channel

	// notify wakes the consumer when state changes. Single consumer,
	// capacity one: a lost extra signal is harmless because the consumer
	// re-checks state before waiting.
	notify chan struct{}
}

// PayloadSender is the feeding end of a payload channel, driven by the
// publish handler as Data/Eof events arrive.
type PayloadSender struct {
	p *Payload
}

// NewPayload creates a payload channel pair for one stream. flow is the
// stream's receive-credit handle, used to return credit for chunks that
// arrive without their own handle.
func NewPayload(flow h2.FlowControl) (*PayloadSender, *Payload) {
	p := &Payload{flow: flow, notify: make(chan struct{}, 1)}
	return &PayloadSender{p: p}, p
}

func (p *Payload) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// terminal reports whether a terminal call has already been observed.
// Caller holds p.mu.
func (p *Payload) terminalLocked() bool {
	return p.eof || p.err != nil
}

// FeedData appends a body chunk and hands its flow-control credit to the
// channel. Calls after a terminal event are inert.
func (s *PayloadSender) FeedData(chunk []byte, flow h2.FlowControl) {
	p := s.p
	p.mu.Lock()
	if p.terminalLocked() {
		p.mu.Unlock()
		return
	}
	if p.closed {
		if flow == nil {
			flow = p.flow
		}
		p.mu.Unlock()
		// Consumer is gone; return the credit so the peer is not stalled
		// on a window that will never reopen.
		if flow != nil && len(chunk) > 0 {
			flow.Release(len(chunk))
		}
		return
	}
	p.chunks = append(p.chunks, payloadChunk{data: chunk, flow: flow})
	p.signal()
	p.mu.Unlock()
}

// FeedEOF appends the final chunk (possibly empty) and marks the channel
// complete. The consumer observes io.EOF only after draining all buffered
// bytes. Calls after a terminal event are inert.
func (s *PayloadSender) FeedEOF(chunk []byte) {
	p := s.p
	p.mu.Lock()
	if p.terminalLocked() {
		p.mu.Unlock()
		return
	}
	if p.closed {
		flow := p.flow
		p.eof = true
		p.mu.Unlock()
		if flow != nil && len(chunk) > 0 {
			flow.Release(len(chunk))
		}
		return
	}
	if len(chunk) > 0 {
		p.chunks = append(p.chunks, payloadChunk{data: chunk})
	}
	p.eof = true
	p.signal()
	p.mu.Unlock()
}

// SetError marks the channel failed. In-flight and subsequent reads return
// err ahead of any buffered bytes. Calls after a terminal event are inert.
func (s *PayloadSender) SetError(err error) {
	p := s.p
	p.mu.Lock()
	if p.terminalLocked() {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.signal()
	p.mu.Unlock()
}

// ReadChunk returns the next buffered chunk, releasing its byte count back
// to the engine's flow accounting. It returns io.EOF after the terminal
// event once the buffer is drained, the terminal error for a failed
// channel, or ctx's error if cancelled while waiting.
func (p *Payload) ReadChunk(ctx context.Context) ([]byte, error) {
	for {
		p.mu.Lock()
		if p.err != nil {
			err := p.err
			p.mu.Unlock()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			return nil, io.ErrClosedPipe
		}
		if len(p.chunks) > 0 {
			c := p.chunks[0]
			p.chunks = p.chunks[1:]
			if c.flow == nil {
				c.flow = p.flow
			}
			p.mu.Unlock()
			if c.flow != nil && len(c.data) > 0 {
				c.flow.Release(len(c.data))
			}
			return c.data, nil
		}
		if p.eof {
			p.mu.Unlock()
			return nil, io.EOF
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close releases the channel. Buffered bytes are discarded and their
// credit returned; a blocked ReadChunk wakes and fails. Idempotent.
func (p *Payload) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.chunks
	p.chunks = nil
	p.signal()
	p.mu.Unlock()

	for _, c := range pending {
		flow := c.flow
		if flow == nil {
			flow = p.flow
		}
		if flow != nil && len(c.data) > 0 {
			flow.Release(len(c.data))
		}
	}
}
