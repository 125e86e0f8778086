package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/a-essam23/crm-dispatch/pkg/protocol"
	"github.com/a-essam23/crm-dispatch/pkg/state"
)

// ErrDisconnectRequested is returned by HandleMessage when the client asked to
// close its own connection.
var ErrDisconnectRequested = errors.New("client requested disconnect")

// HandlerContext carries everything a handler needs for one inbound message.
type HandlerContext struct {
	Ctx      context.Context
	Conn     *state.Connection
	Envelope protocol.Envelope
	Logger   *slog.Logger
}

// HandlerFunc handles one decoded envelope. A *protocol.ProtocolError is
// reported back to the sender; any other error is treated as internal.
type HandlerFunc func(hc *HandlerContext) error
