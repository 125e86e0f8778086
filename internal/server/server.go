package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/a-essam23/crm-dispatch/internal/engine"
	"github.com/a-essam23/crm-dispatch/internal/metrics"
	"github.com/a-essam23/crm-dispatch/internal/presence"
	"github.com/a-essam23/crm-dispatch/internal/router"
	"github.com/a-essam23/crm-dispatch/internal/server/middleware"
	"github.com/a-essam23/crm-dispatch/pkg/auth"
	"github.com/a-essam23/crm-dispatch/pkg/config"
	"github.com/a-essam23/crm-dispatch/pkg/state"
	"github.com/a-essam23/crm-dispatch/pkg/state/statemanager"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	logger     *slog.Logger
	registry   state.Registry
	dashboards state.DashboardStore
	engine     *engine.Engine
	presence   *presence.Tracker
	router     *router.EventRouter
	metrics    *metrics.Metrics
	gate       *auth.Gate
	wg         sync.WaitGroup
	closers    sync.WaitGroup // cycled connections still closing
	http       *http.Server

	sessionsMu sync.Mutex
	sessions   map[*session]struct{}
	draining   bool

	config     *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	m := metrics.New()
	registry := statemanager.NewInMemoryRegistry(logger)
	dashboards := statemanager.NewInMemoryDashboardStore(logger)
	eng := engine.New(logger, registry, m, engine.Options{Concurrency: cfg.Broadcast.Concurrency})

	app := &App{
		logger:     logger.With(slog.String("component", "server")),
		registry:   registry,
		dashboards: dashboards,
		engine:     eng,
		presence:   presence.NewTracker(logger, registry, eng, m),
		router:     router.NewEventRouter(logger, eng, dashboards, m),
		metrics:    m,
		gate: auth.NewGate(auth.Options{
			Secret:   cfg.Server.Auth.JWTSecret,
			Issuer:   cfg.Server.Auth.Issuer,
			Audience: cfg.Server.Auth.Audience,
			Leeway:   cfg.Server.Auth.Leeway,
		}),
		config:   cfg,
		sessions: make(map[*session]struct{}),
		ctx:      rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := middleware.UserConnectionCounter(registry.UserConnectionCount)
	// Create a cycler function that closes over the registry and logger.
	connCycler := func(workspaceID, userID string) {
		oldest, found := registry.FindOldestUserConnection(workspaceID, userID)
		if found {
			app.logger.Info("Cycling connection: closing oldest",
				slog.String("workspaceID", workspaceID),
				slog.String("userID", userID),
				slog.String("connID", oldest.ID.String()),
			)
			// the new connection must not wait on the old one's handshake
			app.closers.Add(1)
			go func() {
				defer app.closers.Done()
				_ = oldest.Transport.Close(websocket.StatusPolicyViolation, "connection cycled by new connection")
			}()
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(app.logger, app.gate),
			middleware.NewConnectionLimiter(
				app.logger,
				connCounter,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", app.healthHandler)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Handler exposes the routes without binding a listener.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

// Engine is the entry point for server-originated events (resource changes,
// notifications) raised by the rest of the backend.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

func (a *App) Registry() state.Registry {
	return a.registry
}

func (a *App) Presence() *presence.Tracker {
	return a.presence
}

func (a *App) Dashboards() state.DashboardStore {
	return a.dashboards
}

func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-a.ctx.Done():
	case err := <-errCh:
		a.logger.Error("HTTP server failed", slog.Any("error", err))
		_ = a.Shutdown()
		return err
	}
	return a.Shutdown()
}

func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": len(a.registry.AllConnections()),
	})
}

// track adds s to the live set. It reports false once shutdown has begun.
func (a *App) track(s *session) bool {
	a.sessionsMu.Lock()
	defer a.sessionsMu.Unlock()
	if a.draining {
		return false
	}
	a.sessions[s] = struct{}{}
	return true
}

func (a *App) untrack(s *session) {
	a.sessionsMu.Lock()
	delete(a.sessions, s)
	a.sessionsMu.Unlock()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	a.sessionsMu.Lock()
	a.draining = true
	live := make([]*session, 0, len(a.sessions))
	for s := range a.sessions {
		live = append(live, s)
	}
	a.sessionsMu.Unlock()
	var closing sync.WaitGroup
	for _, s := range live {
		closing.Add(1)
		go func(s *session) {
			defer closing.Done()
			_ = s.transport.Close(websocket.StatusGoingAway, "server shutting down")
		}(s)
	}
	closing.Wait()
	a.closers.Wait()

	// wait for all connection goroutines to finish their cleanup.
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		a.engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("Connections still cleaning up at shutdown deadline", slog.Int("closed", len(live)))
		return shutdownCtx.Err()
	}
	a.logger.Info("Server shut down gracefully.", slog.Int("closed", len(live)))
	return nil
}
