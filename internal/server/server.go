// Package server is the adapter between a user-supplied request/response
// service and a multiplexed stream-oriented transport engine. It owns
// per-connection stream bookkeeping, per-stream payload buffering with
// flow-control backpressure, response-header normalization and the
// optional encryption-negotiation stage in front of each connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"example.com/h2serve/internal/logger"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Server accepts connections, runs each through the acceptor chain and
// hands the negotiated connection to the dispatcher. Connections run in
// full parallel; each is an independent concurrency unit.
type Server struct {
	addr       string
	log        *logger.Logger
	dispatcher *Dispatcher
	chain      Chain

	mu           sync.Mutex
	listener     net.Listener
	activeConns  map[net.Conn]struct{}
	shuttingDown bool

	connWG sync.WaitGroup
}

// NewServer creates a Server. chain may be nil for a plain transport.
func NewServer(addr string, dispatcher *Dispatcher, chain Chain, log *logger.Logger) (*Server, error) {
	if addr == "" {
		return nil, fmt.Errorf("listen address cannot be empty")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Server{
		addr:        addr,
		log:         log,
		dispatcher:  dispatcher,
		chain:       chain,
		activeConns: make(map[net.Conn]struct{}),
	}, nil
}

// ListenAndServe listens on the configured address and serves until
// Shutdown or a fatal listener error.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until Shutdown closes it.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("accepting connections", logger.LogFields{"address": listener.Addr().String()})

	for {
		raw, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.shuttingDown
			s.mu.Unlock()
			if closing {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("transient accept error", logger.LogFields{"error": err.Error()})
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(ctx, raw)
		}()
	}
}

// handleConn negotiates and dispatches a single connection, closing it on
// exit. Rejections and connection-scoped errors are logged here; they
// never affect sibling connections.
func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := raw
	if len(s.chain) > 0 {
		negotiated, err := s.chain.Accept(ctx, raw)
		if err != nil {
			s.log.Warn("connection rejected during negotiation", logger.LogFields{
				"remote_addr": raw.RemoteAddr().String(),
				"error":       err.Error(),
			})
			raw.Close()
			return
		}
		conn = negotiated
	}

	s.trackConn(conn, true)
	defer func() {
		s.trackConn(conn, false)
		conn.Close()
	}()

	if err := s.dispatcher.ServeConn(ctx, conn); err != nil {
		s.log.Warn("connection terminated with error", logger.LogFields{
			"remote_addr": conn.RemoteAddr().String(),
			"error":       err.Error(),
		})
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.activeConns[conn] = struct{}{}
	} else {
		delete(s.activeConns, conn)
	}
}

// Shutdown stops accepting, closes active connections and waits for
// connection goroutines to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	listener := s.listener
	conns := make([]net.Conn, 0, len(s.activeConns))
	for c := range s.activeConns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
