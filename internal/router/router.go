package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/a-essam23/crm-dispatch/internal/engine"
	"github.com/a-essam23/crm-dispatch/internal/metrics"
	"github.com/a-essam23/crm-dispatch/pkg/protocol"
	"github.com/a-essam23/crm-dispatch/pkg/state"
)

// Broadcaster is the subset of the broadcast engine handlers use.
type Broadcaster interface {
	Broadcast(ctx context.Context, env protocol.Envelope, workspaceID, excludeUser string) engine.Result
	BroadcastToUsers(ctx context.Context, env protocol.Envelope, workspaceID string, userIDs []string) engine.Result
	SendPersonal(ctx context.Context, env protocol.Envelope, conn *state.Connection) error
}

type EventRouter struct {
	logger      *slog.Logger
	broadcaster Broadcaster
	dashboards  state.DashboardStore
	metrics     *metrics.Metrics
	table       handlerTable
}

func NewEventRouter(logger *slog.Logger, broadcaster Broadcaster, dashboards state.DashboardStore, m *metrics.Metrics) *EventRouter {
	r := &EventRouter{
		logger:      logger.With(slog.String("component", "event_router")),
		broadcaster: broadcaster,
		dashboards:  dashboards,
		metrics:     m,
		table:       handlerTable{handlers: make(map[protocol.MessageType]HandlerFunc)},
	}
	r.registerCoreHandlers()
	return r
}

// HandleMessage decodes one inbound frame from conn and dispatches it.
//
// Protocol mistakes are answered with an error envelope to the sender and
// return nil, so the connection stays open. ErrDisconnectRequested and
// internal handler failures are returned to the caller, which closes the
// connection.
func (r *EventRouter) HandleMessage(ctx context.Context, conn *state.Connection, raw []byte) error {
	logger := r.logger.With(
		slog.String("connID", conn.ID.String()),
		slog.String("userID", conn.UserID),
		slog.String("workspaceID", conn.WorkspaceID),
	)

	env, err := protocol.Decode(raw)
	if err != nil {
		r.reject(ctx, conn, logger, err)
		return nil
	}
	r.metrics.MessageReceived(env.Type.String())

	fn, ok := r.handler(env.Type)
	if !ok {
		r.reject(ctx, conn, logger, &protocol.ProtocolError{Reason: "unsupported message type " + env.Type.String()})
		return nil
	}

	logger.Debug("Dispatching message", slog.String("type", env.Type.String()))
	err = fn(&HandlerContext{Ctx: ctx, Conn: conn, Envelope: env, Logger: logger})

	var (
		perr *protocol.ProtocolError
		derr *engine.DeliveryError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &perr):
		r.reject(ctx, conn, logger, perr)
		return nil
	case errors.As(err, &derr):
		// the engine is already tearing the transport down
		logger.Debug("Reply to sender was not delivered", slog.Any("error", err))
		return nil
	case errors.Is(err, ErrDisconnectRequested):
		return err
	default:
		logger.Error("Handler failed", slog.String("type", env.Type.String()), slog.Any("error", err))
		return err
	}
}

// reject answers a protocol mistake to the sender only.
func (r *EventRouter) reject(ctx context.Context, conn *state.Connection, logger *slog.Logger, err error) {
	r.metrics.ProtocolError()
	msg := err.Error()
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		msg = perr.Reason
	}
	logger.Warn("Rejecting inbound message", slog.String("reason", msg))

	if sendErr := r.broadcaster.SendPersonal(ctx, protocol.NewError(msg), conn); sendErr != nil {
		logger.Debug("Could not report protocol error", slog.Any("error", sendErr))
	}
}
