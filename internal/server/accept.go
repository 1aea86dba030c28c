package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Acceptor is one connection-setup pipeline stage: it takes a raw accepted
// connection and returns the negotiated connection, or an error that
// rejects the connection before it reaches the dispatcher.
type Acceptor interface {
	Accept(ctx context.Context, conn net.Conn) (net.Conn, error)
}

// Chain composes acceptor stages in order. An empty chain passes the
// connection through untouched (plain transport).
type Chain []Acceptor

// Accept implements Acceptor by threading the connection through each
// stage. The first failing stage rejects the connection.
func (c Chain) Accept(ctx context.Context, conn net.Conn) (net.Conn, error) {
	var err error
	for _, stage := range c {
		conn, err = stage.Accept(ctx, conn)
		if err != nil {
			return nil, err
		}
	}
	return conn, nil
}

// ALPN identifier this transport registers during negotiation.
const alpnProtocolH2 = "h2"

// TLSAcceptor negotiates TLS with ALPN before handing the connection to
// the dispatcher. The handshake is bounded by a timeout; a handshake
// failure, timeout, or a peer that negotiated a different protocol rejects
// the connection.
type TLSAcceptor struct {
	cfg     *tls.Config
	timeout time.Duration
}

// NewTLSAcceptor builds a TLS stage from cfg. The config is cloned and
// its ALPN protocol list forced to this transport's identifier. timeout
// bounds the handshake; zero means no bound beyond ctx.
func NewTLSAcceptor(cfg *tls.Config, timeout time.Duration) (*TLSAcceptor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("tls config cannot be nil")
	}
	c := cfg.Clone()
	c.NextProtos = []string{alpnProtocolH2}
	return &TLSAcceptor{cfg: c, timeout: timeout}, nil
}

// LoadTLSConfig loads a certificate/key pair into a server tls.Config
// suitable for NewTLSAcceptor.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair from %s and %s: %w", certFile, keyFile, err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Accept implements Acceptor.
func (a *TLSAcceptor) Accept(ctx context.Context, conn net.Conn) (net.Conn, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	tlsConn := tls.Server(conn, a.cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != alpnProtocolH2 {
		return nil, fmt.Errorf("peer negotiated protocol %q, want %q", proto, alpnProtocolH2)
	}
	return tlsConn, nil
}
