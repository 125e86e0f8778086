package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed for every inbound message, in arrival order. A non-nil
// error stops Listen.
type MessageHandler func(ctx context.Context, msg []byte) error

type ConnectionConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	CloseTimeout time.Duration
}

const defaultCloseTimeout = 2 * time.Second

var (
	// ErrClosed is returned by Send after the connection was closed locally.
	ErrClosed = errors.New("connection closed")
	// ErrCloseTimeout is returned by Close when the peer did not answer the
	// close frame within CloseTimeout.
	ErrCloseTimeout = errors.New("close handshake timed out")
)

// Connection represents a single WebSocket connection. Send and Close are
// safe for concurrent use; Listen must only be called by the owning goroutine.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	readMu     sync.Mutex
	cancelRead context.CancelFunc // set while a read is in flight

	logger *slog.Logger
}

func NewConnection(conn *websocket.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	id := uuid.New()
	if config.ReadLimit > 0 {
		conn.SetReadLimit(config.ReadLimit)
	}
	return &Connection{
		id:     id,
		conn:   conn,
		config: config,
		done:   make(chan struct{}),
		logger: logger.With(slog.String("connID", id.String())),
	}
}

// Listen pumps messages from the WebSocket connection to the handler until
// the connection fails, is closed, or the handler returns an error, and
// returns the terminating error.
func (c *Connection) Listen(ctx context.Context, onMessage MessageHandler) error {
	for {
		message, err := c.read(ctx)
		if err != nil {
			return err
		}
		if err := onMessage(ctx, message); err != nil {
			return err
		}
	}
}

func (c *Connection) read(ctx context.Context) ([]byte, error) {
	readCtx, cancelRead := context.WithCancel(ctx)
	if c.config.ReadTimeout > 0 {
		readCtx, cancelRead = context.WithTimeout(ctx, c.config.ReadTimeout)
	}
	c.readMu.Lock()
	c.cancelRead = cancelRead
	c.readMu.Unlock()
	defer func() {
		c.readMu.Lock()
		c.cancelRead = nil
		c.readMu.Unlock()
		cancelRead()
	}()

	// Only text and binary frames reach here; control frames are handled by
	// the websocket library.
	_, message, err := c.conn.Read(readCtx)
	if err != nil {
		return nil, err
	}
	return message, nil
}

// Send writes one message and waits for the write to complete.
func (c *Connection) Send(ctx context.Context, message []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	writeCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.config.WriteTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, c.config.WriteTimeout)
	}
	defer cancel()

	if err := c.conn.Write(writeCtx, websocket.MessageText, message); err != nil {
		return fmt.Errorf("write to %s: %w", c.id, err)
	}
	return nil
}

// Close sends a close frame with the given status and waits at most
// CloseTimeout for the peer's reply. Only the first call has an effect; later
// calls block until it finishes and return its result.
func (c *Connection) Close(code websocket.StatusCode, reason string) error {
	c.closeOnce.Do(func() {
		c.logger.Info("Transport connection closing", slog.String("status", code.String()), slog.String("reason", reason))
		close(c.done)

		result := make(chan error, 1)
		go func() { result <- c.conn.Close(code, reason) }()

		timeout := c.config.CloseTimeout
		if timeout <= 0 {
			timeout = defaultCloseTimeout
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case c.closeErr = <-result:
		case <-timer.C:
			// cancelling an in-flight read drops the socket, which unblocks
			// the handshake
			if c.abortRead() {
				<-result
			}
			c.logger.Warn("Peer did not answer close frame", slog.Duration("timeout", timeout))
			c.closeErr = ErrCloseTimeout
		}
	})
	return c.closeErr
}

func (c *Connection) abortRead() bool {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.cancelRead == nil {
		return false
	}
	c.cancelRead()
	return true
}

// returns a channel that is closed once Close has been called.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}
