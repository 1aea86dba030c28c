package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"example.com/h2serve/internal/h2"
	"example.com/h2serve/internal/logger"
	"example.com/h2serve/internal/message"
)

// DispatchConfig is the immutable per-connection bundle shared by every
// stream task of that connection: the user service, the cached date clock,
// the logger and the disconnect deadline. It outlives all stream tasks.
type DispatchConfig struct {
	Service message.Service
	Dates   *message.DateService
	Log     *logger.Logger
	// DisconnectTimeout bounds how long an idle or wedged connection may
	// live. Zero disables the deadline.
	DisconnectTimeout time.Duration
}

// NewDispatchConfig validates the bundle and fills optional fields.
func NewDispatchConfig(service message.Service, log *logger.Logger, disconnectTimeout time.Duration) (*DispatchConfig, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &DispatchConfig{
		Service:           service,
		Dates:             message.NewDateService(),
		Log:               log,
		DisconnectTimeout: disconnectTimeout,
	}, nil
}

// Dispatcher drives accepted connections through the engine's connection
// loop with this module's two handlers attached.
type Dispatcher struct {
	cfg    *DispatchConfig
	engine h2.Engine
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg *DispatchConfig, engine h2.Engine) (*Dispatcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dispatch config cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	return &Dispatcher{cfg: cfg, engine: engine}, nil
}

// ServeConn runs one accepted (and, if applicable, already negotiated)
// connection to completion and returns its single connection-scoped
// result. Stream channels are always released on exit; unsent buffered
// response bytes are discarded, not retried.
func (d *Dispatcher) ServeConn(ctx context.Context, conn net.Conn) error {
	if d.cfg.DisconnectTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(d.cfg.DisconnectTimeout)); err != nil {
			return fmt.Errorf("failed to set disconnect deadline: %w", err)
		}
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	publish := NewPublishHandler(d.cfg)
	control := NewControlHandler(d.cfg.Log)

	d.cfg.Log.Debug("connection loop starting", logger.LogFields{"remote_addr": conn.RemoteAddr().String()})
	err := d.engine.HandleConnection(connCtx, conn, control, publish)

	// Wake stream tasks blocked on body reads or backpressure, then wait
	// them out before reporting the connection result.
	cancel()
	publish.Close(err)

	if err != nil {
		d.cfg.Log.Warn("connection loop ended with error", logger.LogFields{
			"remote_addr": conn.RemoteAddr().String(),
			"error":       err.Error(),
		})
		return err
	}
	d.cfg.Log.Debug("connection loop ended", logger.LogFields{"remote_addr": conn.RemoteAddr().String()})
	return nil
}
