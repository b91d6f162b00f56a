package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/presence"
)

// Hub owns the WebSocket clients and connects them to the presence Manager.
// Registration and unregistration are serialized through Run; frame delivery
// goes straight to each client's buffered send channel.
type Hub struct {
	manager    *presence.Manager
	logger     *slog.Logger
	metrics    *Metrics
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	running    atomic.Bool
}

// NewHub creates a Hub that reports to manager. metrics may be nil.
func NewHub(manager *presence.Manager, logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		manager:    manager,
		logger:     logger,
		metrics:    metrics,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// safeSend queues message for client without blocking. It returns false when
// the client is gone or its buffer is full.
func (h *Hub) safeSend(client *Client, message []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hub.send.panic", "conn", client.id, "panic", r)
			sent = false
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client.id]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("hub.register.nil")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client, "closed")
		}
	}
}

// Ready reports whether Run is accepting clients.
func (h *Hub) Ready() bool {
	return h.running.Load() && h.ctx.Err() == nil
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.logger.Info("ws.accept", "conn", client.id, "remote", client.addr, "clients", clientCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()

	// The greeting must be queued before the read pump can act on a frame.
	h.manager.Connect(client.id, client)

	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// removeClient forgets client, closes its send channel and ends its
// presence. Only the first call for a client has any effect.
func (h *Hub) removeClient(client *Client, reason string) {
	h.mutex.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	h.manager.Disconnect(client.id)
	h.logger.Info("ws.close", "conn", client.id, "remote", client.addr, "reason", reason, "clients", clientCount)
}

// requestUnregister asks Run to drop client. It gives up once the hub is
// shutting down.
func (h *Hub) requestUnregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) shutdownClients() {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		h.removeClient(client, "shutdown")
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.Warn("ws.close.error", "conn", client.id, "err", err)
			}
		}
	}

	h.logger.Info("hub.shutdown.clients", "closed", len(clients))
}

// Shutdown stops Run, closes every client and waits for their pumps, or
// until ctx is done.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("hub.shutdown.start")
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub.shutdown.complete")
		return nil
	case <-ctx.Done():
		h.logger.Warn("hub.shutdown.timeout")
		return ctx.Err()
	}
}
