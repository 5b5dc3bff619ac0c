// Package realtime maintains the voice websocket: binary audio frames and
// JSON control messages out, transcripts and synthesized speech in.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"feedbackmic/internal/domain"
	"feedbackmic/internal/metrics"
	"feedbackmic/internal/observe"
)

var (
	ErrNotOpen            = errors.New("realtime connection is not open")
	ErrReconnectExhausted = errors.New("realtime reconnection attempts exhausted")
)

// Config controls the voice socket.
type Config struct {
	URL string

	// IOSFamily enables keep-alive, visibility and memory-pressure hooks.
	IOSFamily bool

	KeepAlive         time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxReconnects     int
	WriteTimeout      time.Duration
}

// Handler receives inbound traffic and connection loss.
type Handler interface {
	HandleMessage(msg Inbound)
	// HandleDisconnect reports an abnormal closure. err is
	// ErrReconnectExhausted once retries are used up.
	HandleDisconnect(err error, willRetry bool)
	// HandleMemoryPressure is called while recording when the platform
	// reports low memory.
	HandleMemoryPressure()
}

// VisibilitySource delivers visibility changes; true means hidden.
type VisibilitySource interface {
	Subscribe() (<-chan bool, func())
}

// PressureSource delivers low-memory signals.
type PressureSource interface {
	Subscribe() (<-chan struct{}, func())
}

// Client owns the voice websocket for one session at a time.
type Client struct {
	cfg       Config
	dialer    *websocket.Dialer
	recording *observe.Value[bool]

	visibility VisibilitySource
	pressure   PressureSource

	mu           sync.Mutex
	handler      Handler
	sessionID    string
	ctx          context.Context
	cancel       context.CancelFunc
	generation   uint64
	conn         *connection
	hooks        *hookSet
	reconnecting bool
}

func NewClient(cfg Config, recording *observe.Value[bool]) *Client {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if recording == nil {
		recording = observe.NewValue(false)
	}
	return &Client{
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		recording: recording,
		handler:   noopHandler{},
	}
}

// WithPlatform wires the visibility and memory-pressure sources used by
// the iOS-family hooks. pressure may be nil.
func (c *Client) WithPlatform(visibility VisibilitySource, pressure PressureSource) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visibility = visibility
	c.pressure = pressure
	return c
}

func (c *Client) SetHandler(handler Handler) {
	if handler == nil {
		handler = noopHandler{}
	}
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Open dials the socket for sessionID, replacing any previous session.
func (c *Client) Open(ctx context.Context, sessionID string) error {
	c.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.sessionID = sessionID
	c.ctx = sessionCtx
	c.cancel = cancel
	c.mu.Unlock()

	conn, err := c.dial(sessionCtx, sessionID)
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		conn.close()
		return ErrNotOpen
	}
	c.conn = conn
	if c.cfg.IOSFamily && c.hooks == nil {
		c.hooks = c.attachHooks(gen)
	}
	c.mu.Unlock()

	go c.readLoop(gen, conn)
	log.Info().Str("session_id", sessionID).Bool("ios_hooks", c.cfg.IOSFamily).Msg("realtime connection opened")
	return nil
}

// IsOpen reports whether a socket is currently connected.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendBinary writes one audio frame without an envelope.
func (c *Client) SendBinary(frame []byte) error {
	conn := c.current()
	if conn == nil {
		return ErrNotOpen
	}
	if err := conn.write(websocket.BinaryMessage, frame, c.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("failed to send audio frame: %w", err)
	}
	metrics.ChunksSent.Inc()
	metrics.ChunkBytes.Observe(float64(len(frame)))
	return nil
}

// SendControl writes a JSON control message stamped with the session id.
func (c *Client) SendControl(kind domain.ControlKind) error {
	c.mu.Lock()
	conn := c.conn
	sessionID := c.sessionID
	c.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	payload, err := EncodeControl(kind, sessionID, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := conn.write(websocket.TextMessage, payload, c.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}
	return nil
}

// Close tears down the socket, keep-alive, and platform listeners as one
// unit. Nothing fires for the closed session afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	c.generation++
	conn := c.conn
	c.conn = nil
	hooks := c.hooks
	c.hooks = nil
	cancel := c.cancel
	c.cancel = nil
	c.reconnecting = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if hooks != nil {
		hooks.detach()
	}
	if conn != nil {
		conn.closeNormal(c.cfg.WriteTimeout)
		<-conn.done
		log.Debug().Msg("realtime connection closed")
	}
}

func (c *Client) current() *connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) dial(ctx context.Context, sessionID string) (*connection, error) {
	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	query := target.Query()
	query.Set("sessionId", sessionID)
	target.RawQuery = query.Encode()

	ws, _, err := c.dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime socket: %w", err)
	}
	return newConnection(ws), nil
}

func (c *Client) readLoop(gen uint64, conn *connection) {
	defer close(conn.done)

	for {
		kind, payload, err := conn.ws.ReadMessage()
		if err != nil {
			c.connectionLost(gen, conn, err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		msg, err := DecodeInbound(payload)
		if err != nil {
			log.Debug().Err(err).Msg("ignoring realtime frame")
			continue
		}
		metrics.InboundMessages.WithLabelValues(msg.MessageType()).Inc()

		c.mu.Lock()
		stale := c.generation != gen
		handler := c.handler
		c.mu.Unlock()
		if stale {
			continue
		}
		handler.HandleMessage(msg)
	}
}

func (c *Client) connectionLost(gen uint64, conn *connection, err error) {
	c.mu.Lock()
	if c.generation != gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	_ = conn.ws.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.mu.Unlock()
		log.Info().Msg("realtime connection closed by server")
		return
	}

	willRetry := c.cfg.MaxReconnects > 0 && c.recording.Get() && !c.reconnecting
	if willRetry {
		c.reconnecting = true
	}
	handler := c.handler
	c.mu.Unlock()

	log.Warn().Err(err).Bool("will_retry", willRetry).Msg("realtime connection lost")
	handler.HandleDisconnect(err, willRetry)
	if willRetry {
		go c.reconnectLoop(gen)
	}
}

// reconnectLoop re-dials with doubling delays while a recording is active.
func (c *Client) reconnectLoop(gen uint64) {
	c.mu.Lock()
	ctx := c.ctx
	sessionID := c.sessionID
	c.mu.Unlock()

	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		timer := time.NewTimer(backoffDelay(c.cfg.ReconnectDelay, c.cfg.MaxReconnectDelay, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !c.stillWanted(gen) {
			c.finishReconnect(gen)
			return
		}

		conn, err := c.dial(ctx, sessionID)
		if err != nil {
			metrics.Reconnects.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Int("attempt", attempt).Msg("realtime reconnect failed")
			continue
		}

		c.mu.Lock()
		if c.generation != gen || c.conn != nil {
			c.mu.Unlock()
			conn.close()
			return
		}
		c.conn = conn
		c.reconnecting = false
		c.mu.Unlock()

		metrics.Reconnects.WithLabelValues("succeeded").Inc()
		log.Info().Int("attempt", attempt).Msg("realtime connection re-established")
		go c.readLoop(gen, conn)
		return
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.reconnecting = false
	handler := c.handler
	c.mu.Unlock()

	metrics.Reconnects.WithLabelValues("exhausted").Inc()
	log.Error().Int("attempts", c.cfg.MaxReconnects).Msg("realtime reconnect attempts exhausted")
	handler.HandleDisconnect(ErrReconnectExhausted, false)
}

func (c *Client) stillWanted(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen && c.conn == nil && c.recording.Get()
}

func (c *Client) finishReconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == gen {
		c.reconnecting = false
	}
}

// resume re-dials once after the surface becomes visible again.
func (c *Client) resume(gen uint64) {
	c.mu.Lock()
	if c.generation != gen || c.conn != nil || c.reconnecting || !c.recording.Get() {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	ctx := c.ctx
	sessionID := c.sessionID
	c.mu.Unlock()

	conn, err := c.dial(ctx, sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		if conn != nil {
			conn.close()
		}
		return
	}
	c.reconnecting = false
	if err != nil {
		log.Warn().Err(err).Msg("realtime resume failed")
		return
	}
	if c.conn != nil {
		conn.close()
		return
	}
	c.conn = conn
	go c.readLoop(gen, conn)
	log.Info().Msg("realtime connection resumed after visibility change")
}

func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	return delay
}

type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

func newConnection(ws *websocket.Conn) *connection {
	return &connection{ws: ws, done: make(chan struct{})}
}

func (c *connection) write(messageType int, payload []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(messageType, payload)
}

func (c *connection) closeNormal(timeout time.Duration) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(timeout),
	)
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

// close is used for connections that never started a read loop.
func (c *connection) close() {
	_ = c.ws.Close()
	close(c.done)
}

type noopHandler struct{}

func (noopHandler) HandleMessage(Inbound)        {}
func (noopHandler) HandleDisconnect(error, bool) {}
func (noopHandler) HandleMemoryPressure()        {}
