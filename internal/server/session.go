package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/a-essam23/crm-dispatch/internal/router"
	"github.com/a-essam23/crm-dispatch/internal/server/middleware"
	"github.com/a-essam23/crm-dispatch/pkg/auth"
	"github.com/a-essam23/crm-dispatch/pkg/protocol"
	"github.com/a-essam23/crm-dispatch/pkg/state"
	"github.com/a-essam23/crm-dispatch/pkg/transport"
)

const (
	StatusGenericFailure websocket.StatusCode = 4000
	StatusAuthFailed     websocket.StatusCode = 4001
	StatusNoWorkspace    websocket.StatusCode = 4002
)

// ConnState is the lifecycle phase of one connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

var (
	errSetup    = errors.New("connection setup failed")
	errShutdown = errors.New("server shutting down")
)

// closeCodeFor maps the reason a connection ended to the close frame sent to
// the client.
func closeCodeFor(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil, errors.Is(err, router.ErrDisconnectRequested):
		return websocket.StatusNormalClosure, ""
	case errors.Is(err, auth.ErrNoWorkspace):
		return StatusNoWorkspace, "user has no workspace"
	case errors.Is(err, auth.ErrAuthentication):
		return StatusAuthFailed, "authentication failed"
	case errors.Is(err, errShutdown):
		return websocket.StatusGoingAway, "server shutting down"
	case errors.Is(err, errSetup):
		return StatusGenericFailure, "connection failed"
	case websocket.CloseStatus(err) != -1, errors.Is(err, transport.ErrClosed), errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		// the peer (or another goroutine) already closed the transport
		return websocket.StatusNormalClosure, ""
	case errors.Is(err, context.DeadlineExceeded):
		return websocket.StatusGoingAway, "read timeout"
	case errors.Is(err, context.Canceled):
		return websocket.StatusGoingAway, "server shutting down"
	default:
		return websocket.StatusInternalError, "internal server error"
	}
}

// upgradeHandler is the HTTP entry point of the connection lifecycle. It runs
// for as long as the connection is open.
func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	a.wg.Add(1)
	defer a.wg.Done()

	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())

	opts := &websocket.AcceptOptions{OriginPatterns: a.config.Server.AllowedOrigins}
	if len(opts.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	wsConn, err := websocket.Accept(w, r, opts)
	if err != nil {
		a.metrics.Handshake("upgrade_failed")
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	if !ok {
		a.metrics.Handshake("internal_error")
		a.logger.Error("Request metadata missing on upgrade. Check middleware order.")
		_ = wsConn.Close(websocket.StatusInternalError, "internal server error")
		return
	}
	if !reqMeta.Authenticated() {
		authErr := reqMeta.AuthErr
		if authErr == nil {
			authErr = auth.ErrAuthentication
		}
		outcome := "auth_failed"
		if errors.Is(authErr, auth.ErrNoWorkspace) {
			outcome = "no_workspace"
		}
		a.metrics.Handshake(outcome)
		code, reason := closeCodeFor(authErr)
		a.logger.Info("Rejecting unauthenticated connection", slog.String("ip", reqMeta.IP), slog.String("outcome", outcome))
		_ = wsConn.Close(code, reason)
		return
	}

	claims := reqMeta.Claims
	conn := transport.NewConnection(wsConn, transport.ConnectionConfig(a.config.Transport), a.logger)
	s := &session{
		app:       a,
		transport: conn,
		conn: &state.Connection{
			ID:          conn.ID(),
			UserID:      claims.UserID,
			WorkspaceID: claims.WorkspaceID,
			Role:        claims.Role,
			RemoteAddr:  reqMeta.IP,
			Transport:   conn,
			CreatedAt:   time.Now(),
		},
		logger: a.logger.With(
			slog.String("connID", conn.ID().String()),
			slog.String("userID", claims.UserID),
			slog.String("workspaceID", claims.WorkspaceID),
			slog.String("remoteAddr", reqMeta.IP),
		),
	}
	s.setState(StateAuthenticated)
	a.metrics.Handshake("accepted")
	s.run(r.Context())
}

// session owns one authenticated connection from registration to cleanup.
type session struct {
	app       *App
	conn      *state.Connection
	transport *transport.Connection
	logger    *slog.Logger

	state      atomic.Int32
	registered bool
	closeOnce  sync.Once
}

func (s *session) State() ConnState {
	return ConnState(s.state.Load())
}

func (s *session) setState(st ConnState) {
	s.state.Store(int32(st))
	s.logger.Debug("Connection state changed", slog.String("state", st.String()))
}

func (s *session) run(ctx context.Context) {
	var cause error
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Connection handler panicked",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			cause = fmt.Errorf("panic: %v", p)
		}
		s.terminate(ctx, cause)
	}()

	if !s.app.track(s) {
		cause = errShutdown
		return
	}
	defer s.app.untrack(s)

	s.app.registry.Register(s.conn.WorkspaceID, s.conn.UserID, s.conn)
	s.registered = true
	s.app.metrics.ConnectionOpened()
	s.app.presence.Announce(ctx, s.conn.WorkspaceID, s.conn.UserID, state.StatusOnline)
	s.setState(StateActive)

	welcome := protocol.New(protocol.TypeConnectionEstablished, map[string]any{
		"user_id":      s.conn.UserID,
		"workspace_id": s.conn.WorkspaceID,
		"role":         string(s.conn.Role),
		"timestamp":    protocol.Timestamp(s.conn.CreatedAt),
	})
	welcome.WorkspaceID = s.conn.WorkspaceID
	if err := s.app.engine.SendPersonal(ctx, welcome, s.conn); err != nil {
		cause = fmt.Errorf("%w: %w", errSetup, err)
		return
	}
	s.logger.Info("User connection fully established", slog.String("role", string(s.conn.Role)))

	cause = s.transport.Listen(ctx, func(ctx context.Context, msg []byte) error {
		return s.app.router.HandleMessage(ctx, s.conn, msg)
	})
}

// terminate runs the Closing steps exactly once. Each step is isolated so a
// panic in one does not skip the others.
func (s *session) terminate(ctx context.Context, cause error) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		code, reason := closeCodeFor(cause)
		ctx = context.WithoutCancel(ctx)

		if s.registered {
			s.step("unregister", func() {
				s.app.registry.Unregister(s.conn.WorkspaceID, s.conn.UserID, s.conn.ID)
				s.app.metrics.ConnectionClosed()
			})
			s.step("presence", func() {
				s.app.presence.Announce(ctx, s.conn.WorkspaceID, s.conn.UserID, state.StatusOffline)
			})
		}
		s.step("close", func() {
			_ = s.transport.Close(code, reason)
		})

		s.setState(StateClosed)
		s.logger.Info("Connection closed",
			slog.String("status", code.String()),
			slog.Any("cause", cause),
		)
	})
}

func (s *session) step(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Connection cleanup step panicked", slog.String("step", name), slog.Any("panic", p))
		}
	}()
	fn()
}
