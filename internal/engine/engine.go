package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/a-essam23/crm-dispatch/internal/metrics"
	"github.com/a-essam23/crm-dispatch/pkg/protocol"
	"github.com/a-essam23/crm-dispatch/pkg/state"
)

// DeliveryError records a failed send to one recipient. It is logged and
// triggers cleanup of that recipient; it is never returned to the sender.
type DeliveryError struct {
	Conn *state.Connection
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to connection %s (user %s) failed: %v", e.Conn.ID, e.Conn.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Result summarizes one fan-out.
type Result struct {
	Recipients int
	Delivered  int
	Failed     []*DeliveryError
}

type Options struct {
	// Concurrency caps in-flight sends per fan-out. <= 0 means unbounded.
	Concurrency int
}

// Engine delivers envelopes to subsets of a workspace's connections on a
// best-effort basis, using the registry as the source of truth.
type Engine struct {
	registry    state.Registry
	metrics     *metrics.Metrics
	concurrency int

	cleanups sync.WaitGroup
	logger   *slog.Logger
}

func New(logger *slog.Logger, registry state.Registry, m *metrics.Metrics, opts Options) *Engine {
	return &Engine{
		registry:    registry,
		metrics:     m,
		concurrency: opts.Concurrency,
		logger:      logger.With(slog.String("component", "broadcast_engine")),
	}
}

// Broadcast delivers env to every connection in the workspace except those
// owned by excludeUser (if non-empty).
func (e *Engine) Broadcast(ctx context.Context, env protocol.Envelope, workspaceID, excludeUser string) Result {
	targets := e.recipients(workspaceID, func(userID string, _ *state.Connection) bool {
		return excludeUser == "" || userID != excludeUser
	})
	return e.deliver(ctx, env, targets)
}

// BroadcastToUsers delivers env only to the listed users' connections.
func (e *Engine) BroadcastToUsers(ctx context.Context, env protocol.Envelope, workspaceID string, userIDs []string) Result {
	wanted := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = struct{}{}
	}
	targets := e.recipients(workspaceID, func(userID string, _ *state.Connection) bool {
		_, ok := wanted[userID]
		return ok
	})
	return e.deliver(ctx, env, targets)
}

// BroadcastToRole delivers env to connections opened with the given role.
func (e *Engine) BroadcastToRole(ctx context.Context, env protocol.Envelope, workspaceID string, role state.Role) Result {
	targets := e.recipients(workspaceID, func(_ string, c *state.Connection) bool {
		return c.Role == role
	})
	return e.deliver(ctx, env, targets)
}

// SendPersonal delivers env to exactly one connection.
func (e *Engine) SendPersonal(ctx context.Context, env protocol.Envelope, conn *state.Connection) error {
	res := e.deliver(ctx, env, []*state.Connection{conn})
	if len(res.Failed) > 0 {
		return res.Failed[0]
	}
	if res.Delivered == 0 {
		return fmt.Errorf("message %s was not delivered", env.Type)
	}
	return nil
}

// Wait blocks until every scheduled cleanup of failed recipients has run.
func (e *Engine) Wait() {
	e.cleanups.Wait()
}

func (e *Engine) deliver(ctx context.Context, env protocol.Envelope, targets []*state.Connection) Result {
	res := Result{Recipients: len(targets)}
	if len(targets) == 0 {
		return res
	}
	msgBytes, err := env.Marshal()
	if err != nil {
		e.logger.Error("Failed to marshal outbound envelope", slog.Any("error", err))
		return res
	}

	// Sends must outlive the caller: a sender that disconnects mid-broadcast
	// must not cause healthy recipients to be treated as failed.
	sendCtx := context.WithoutCancel(ctx)
	start := time.Now()

	var (
		mu     sync.Mutex
		failed []*DeliveryError
	)
	var g errgroup.Group
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for _, conn := range targets {
		g.Go(func() error {
			if err := conn.Transport.Send(sendCtx, msgBytes); err != nil {
				mu.Lock()
				failed = append(failed, &DeliveryError{Conn: conn, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Failed = failed
	res.Delivered = len(targets) - len(failed)
	e.metrics.Delivered(res.Delivered, len(failed))
	e.metrics.ObserveFanout(time.Since(start).Seconds())

	// cleanup happens only after the full iteration completed
	for _, f := range failed {
		e.logger.Warn("Delivery failed, dropping recipient",
			slog.String("type", env.Type.String()),
			slog.String("connID", f.Conn.ID.String()),
			slog.String("userID", f.Conn.UserID),
			slog.Any("error", f.Err),
		)
		e.scheduleCleanup(f.Conn)
	}

	e.logger.Debug("Fan-out complete",
		slog.String("type", env.Type.String()),
		slog.Int("recipients", res.Recipients),
		slog.Int("failed", len(failed)),
	)
	return res
}

// scheduleCleanup treats a recipient whose send failed as already
// disconnected. Closing its transport unblocks its receive loop so that its
// own lifecycle runs the presence bookkeeping.
func (e *Engine) scheduleCleanup(conn *state.Connection) {
	e.cleanups.Add(1)
	go func() {
		defer e.cleanups.Done()
		e.registry.Unregister(conn.WorkspaceID, conn.UserID, conn.ID)
		if err := conn.Transport.Close(websocket.StatusGoingAway, "delivery failed"); err != nil {
			e.logger.Debug("Closing failed recipient", slog.String("connID", conn.ID.String()), slog.Any("error", err))
		}
	}()
}
