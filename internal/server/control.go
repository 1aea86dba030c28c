package server

import (
	"context"

	"example.com/h2serve/internal/h2"
	"example.com/h2serve/internal/logger"
)

// ControlHandler acknowledges out-of-band transport control events. It is
// stateless and always ready; control-plane failures surface as
// connection-level errors from the engine loop, not from here.
type ControlHandler struct {
	log *logger.Logger
}

// NewControlHandler creates a ControlHandler.
func NewControlHandler(log *logger.Logger) *ControlHandler {
	return &ControlHandler{log: log}
}

// HandleControl implements h2.ControlHandler: every message is
// acknowledged with its default disposition.
func (c *ControlHandler) HandleControl(_ context.Context, msg *h2.ControlMessage) (h2.ControlResult, error) {
	c.log.Debug("control message acknowledged", logger.LogFields{"kind": msg.Kind.String()})
	return msg.Ack(), nil
}
