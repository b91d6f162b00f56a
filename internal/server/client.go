package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256

	// joinTimeout bounds the password hashing a single join may wait for.
	joinTimeout = 10 * time.Second
)

// Client is one WebSocket connection. It implements presence.Sink.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	typing         *typingThrottle
	logger         *slog.Logger
}

// NewClient creates a Client for conn with a fresh connection id, using the
// active configuration for its limits.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := CurrentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()

	c := &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger:         hub.logger.With("conn", id),
	}
	c.typing = newTypingThrottle(cfg.TypingMinInterval, func(text, channel string) {
		hub.manager.SendTypingUpdate(id, text, channel)
	})
	return c
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Deliver queues frame for writing. A client that cannot keep up is
// disconnected.
func (c *Client) Deliver(frame []byte) bool {
	if c.hub.safeSend(c, frame) {
		return true
	}
	c.hub.metrics.frameDropped()
	// Deliver runs under the presence lock; unregistering re-enters it.
	go c.hub.requestUnregister(c)
	return false
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws.deadline.error", "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs err and reports whether the read loop must stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("ws.read.too_large", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("ws.read.closed", "err", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("ws.read.eof", "err", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("ws.read.unexpected_close", "err", err)
	default:
		c.logger.Warn("ws.read.error", "err", err)
	}
	return true
}

// allowFrame applies rate limiting. Typing updates bypass the token bucket;
// the typing throttle spaces them out instead.
func (c *Client) allowFrame(frameType string) bool {
	if frameType == protocol.TypeTypingUpdate {
		return true
	}
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Debug("ws.rate_limited", "type", frameType, "burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// dispatch decodes one inbound frame and hands it to the presence Manager.
func (c *Client) dispatch(raw []byte) {
	env, payload, err := protocol.Decode(raw)
	if err != nil {
		c.logger.Debug("ws.frame.invalid", "err", err)
		c.sendError(env.ID, decodeErrorMessage(err))
		return
	}

	if !c.allowFrame(env.Type) {
		c.hub.metrics.frameRateLimited(env.Type)
		c.sendError(env.ID, "rate limit exceeded")
		return
	}

	manager := c.hub.manager
	switch p := payload.(type) {
	case protocol.JoinRoom:
		ctx, cancel := context.WithTimeout(c.hub.ctx, joinTimeout)
		defer cancel()
		// Failures are acknowledged to the client by the Manager.
		_, _ = manager.Join(ctx, c.id, presence.JoinRequest{
			RequestID: env.ID,
			Name:      p.Name,
			Room:      p.Room,
			Private:   p.MakePrivate,
			Password:  p.Password,
		})
	case protocol.LeaveRoom:
		manager.Leave(c.id, env.ID)
	case protocol.SendMessage:
		// Outside a room there is no one to relay to.
		manager.SendMessage(c.id, p.Text)
	case protocol.TypingUpdate:
		c.typing.update(p.Text, p.Channel)
	}
}

func decodeErrorMessage(err error) string {
	if errors.Is(err, protocol.ErrUnknownType) {
		return "unknown frame type"
	}
	return "malformed frame"
}

func (c *Client) sendError(id, message string) {
	c.Deliver(protocol.MustEncode(protocol.TypeError, id, protocol.ErrorEvent{Message: message}))
}

func (c *Client) readPump() {
	defer func() {
		c.typing.close()
		c.hub.requestUnregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("ws.close.error", "err", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}
		c.dispatch(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("ws.close.error", "err", err)
		}
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// handleMessage writes one frame. Each frame is its own WebSocket message so
// clients can parse them independently.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("ws.deadline.error", "err", err)
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("ws.write.close_error", "err", err)
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("ws.write.error", "err", err)
		}
		return false
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("ws.deadline.error", "err", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("ws.ping.error", "err", err)
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
