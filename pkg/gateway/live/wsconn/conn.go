// Package wsconn serializes writes to a WebSocket behind a bounded queue so
// that any goroutine can send without blocking on the network.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrClosed    = errors.New("wsconn: connection closed")
	ErrQueueFull = errors.New("wsconn: outbound queue full")
)

type Config struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	QueueSize    int
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Conn owns one WebSocket. Reads happen on the caller's goroutine; writes go
// through a single writer goroutine in FIFO order.
type Conn struct {
	ws     *websocket.Conn
	id     string
	logger *slog.Logger

	queue  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	// onDrop runs for every frame dropped because the queue was full.
	onDrop func()
}

type Option func(*Conn)

// WithDropHook registers fn to run whenever a frame is dropped.
func WithDropHook(fn func()) Option {
	return func(c *Conn) { c.onDrop = fn }
}

func New(ws *websocket.Conn, cfg Config, logger *slog.Logger, opts ...Option) *Conn {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		id:     "conn_" + uuid.NewString(),
		queue:  make(chan []byte, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.logger = logger.With("conn_id", c.id)
	for _, opt := range opts {
		opt(c)
	}

	w := outboundWriter{ws: ws, ctx: ctx, cfg: cfg, frames: c.queue}
	go func() {
		defer close(c.done)
		if err := w.Run(); err != nil {
			c.logger.Debug("websocket writer stopped", "error", err)
		}
		// A failed write leaves the socket unusable; unblock the reader.
		cancel()
		_ = ws.Close()
	}()
	return c
}

func (c *Conn) ID() string { return c.id }

// SendJSON marshals v and queues it without blocking. A full queue drops the
// frame and reports ErrQueueFull.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(data)
}

func (c *Conn) send(data []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case c.queue <- data:
		return nil
	default:
		if c.onDrop != nil {
			c.onDrop()
		}
		c.logger.Warn("outbound frame dropped", "bytes", len(data))
		return ErrQueueFull
	}
}

// ReadMessage reads the next frame. Only one goroutine may read.
func (c *Conn) ReadMessage() (int, []byte, error) {
	return c.ws.ReadMessage()
}

// Close stops the writer after it flushes what is queued, sends a normal
// close frame and waits for the socket to shut.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
	})
}

// Done is closed once the writer has stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }
