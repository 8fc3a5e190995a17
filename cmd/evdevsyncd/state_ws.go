package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"evdevsync/axisstate"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
//   - A Hub tracks connected clients; each client has its own write pump so
//     one slow client doesn't block others.
//   - Slow clients are disconnected when their send buffer fills. A receiver
//     that missed a delta has a wrong picture; reconnecting gives it a fresh
//     state_init.
//   - Messages are JSON text frames with an envelope: {type, ts, data}.
//   - The first message on connect is "state_init" with a snapshot of every
//     device, taken by the daemon loop and queued with the deltas. A new
//     client receives no broadcasts until its state_init reaches the hub.
//
// ============================================================================

// wsStateInitData is the `data` payload of "state_init".
type wsStateInitData struct {
	Devices map[string]axisstate.Snapshot `json:"devices"`
}

// wsStateDeltaData is the `data` payload of "state_delta": {device, rel, abs, key}.
type wsStateDeltaData struct {
	Device string `json:"device"`
	axisstate.Snapshot
}

// wsDeviceResetData is the `data` payload of "device_reset".
type wsDeviceResetData struct {
	Device string `json:"device"`
	Reason string `json:"reason"`
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEnvelope(typ string, at time.Time, data any) ([]byte, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return json.Marshal(envelope{Type: typ, Ts: &at, Data: data})
}

// ============================================================================
// Hub
// ============================================================================

// hubMsg is an already-serialized JSON frame. With to set it is the
// state_init of that client only.
type hubMsg struct {
	data []byte
	to   *Client
}

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel; deltas and state_init share it so they
	// keep the order the daemon emitted them in.
	broadcast  chan hubMsg
	register   chan *Client // unbuffered: a send returns once the hub has the client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size. Zero means 32.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size. Zero means 128.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan hubMsg, bcastBuf),
		register:   make(chan *Client),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			if msg.to != nil {
				h.deliverInit(msg.to, msg.data)
				continue
			}

			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				if c.awaitingInit {
					// Its state_init snapshot will already contain this.
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// deliverInit queues the state_init of c and starts sending it broadcasts.
// Clients that already left are ignored.
func (h *Hub) deliverInit(c *Client, msg []byte) {
	h.mu.Lock()
	_, ok := h.clients[c]
	queued := false
	if ok && c.awaitingInit {
		c.awaitingInit = false
		select {
		case c.send <- msg:
			queued = true
		default:
		}
	}
	h.mu.Unlock()

	if ok && !queued {
		h.removeClient(c, "slow_client")
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		safeCloseChan(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		safeCloseChan(c.send)

		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // ignore "close of closed channel"
	}()
	close(ch)
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- hubMsg{data: msg}:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// SendInit enqueues the state_init of c. Unlike BroadcastBytes it waits for
// room in the queue: a dropped state_init would leave c without state.
func (h *Hub) SendInit(ctx context.Context, c *Client, msg []byte) error {
	select {
	case h.broadcast <- hubMsg{data: msg, to: c}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger

	// awaitingInit is owned by the hub goroutine.
	awaitingInit bool
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, sendBuf),
		remoteAddr:   remoteAddr,
		logger:       logger,
		awaitingInit: true,
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// closeStatus extracts a human-readable websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump, what string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting ("+what+" error)", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", "write", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", "ping", err)
				return
			}
		}
	}
}

// readPump reads and discards incoming messages to detect disconnects and
// handle control frames. It exits on read error, then unregisters the client.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", "read", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP handlers
// ============================================================================

// stateSource is implemented by *Daemon.
type stateSource interface {
	RequestSnapshot(ctx context.Context) (map[string]axisstate.Snapshot, error)
	Subscribe(ctx context.Context, c *Client) error
}

type Server struct {
	logger *slog.Logger
	hub    *Hub
	state  stateSource
}

type ServerOptions struct {
	Hub HubConfig
}

// NewServer constructs the state server. Register it on a mux and start hub.Run(ctx)
// and RunBroadcaster.
func NewServer(logger *slog.Logger, state stateSource, opts ServerOptions) *Server {
	return &Server{
		logger: logger,
		hub:    NewHub(logger, opts.Hub),
		state:  state,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS and plain JSON state handlers on mux.
func (s *Server) Register(mux *http.ServeMux, wsPath, statePath string) {
	mux.HandleFunc(wsPath, s.handleStateWS)
	mux.HandleFunc(statePath, s.handleState)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const snapshotTimeout = time.Second

// handleStateWS upgrades and registers a client, then asks the daemon for its
// state_init. The hub holds broadcasts back from the client until then.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()

	select {
	case s.hub.register <- client:
	case <-ctx.Done():
		s.logger.Warn("ws client register failed", "remote_addr", r.RemoteAddr, "error", ctx.Err())
		_ = conn.Close()
		return
	}

	// The pumps outlive the handler; net/http cancels r.Context() on return.
	go client.writePump(context.Background())
	go client.readPump()

	if err := s.state.Subscribe(ctx, client); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("ws subscribe failed", "error", err)
		}
		s.hub.unregister <- client
	}
}

// handleState serves the current non-zero state of every device as JSON.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()

	snaps, err := s.state.RequestSnapshot(ctx)
	if err != nil {
		http.Error(w, "state unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(wsStateInitData{Devices: snaps}); err != nil {
		s.logger.Debug("state response write failed", "error", err)
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster reads daemon broadcasts, marshals them, and broadcasts them
// to all hub clients. Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return

		case b, ok := <-src:
			if !ok {
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			if first, ok := b.(BroadcastInit); ok {
				msg, err := marshalEnvelope(msgStateInit, first.At, wsStateInitData{Devices: first.Devices})
				if err != nil {
					logger.Warn("ws state_init marshal failed", "error", err)
					hub.unregister <- first.Subscriber
					continue
				}
				if err := hub.SendInit(ctx, first.Subscriber, msg); err != nil {
					return
				}
				continue
			}

			msg, err := convertBroadcast(b)
			if err != nil {
				logger.Warn("ws broadcaster marshal failed", "error", err)
				continue
			}
			if msg != nil {
				hub.BroadcastBytes(msg)
			}
		}
	}
}

// convertBroadcast returns the WS frame for b, or nil for unknown broadcasts.
func convertBroadcast(b StateBroadcast) ([]byte, error) {
	switch ev := b.(type) {
	case BroadcastDelta:
		return marshalEnvelope(msgStateDelta, ev.At, wsStateDeltaData{Device: ev.Device, Snapshot: ev.Delta})

	case BroadcastReset:
		return marshalEnvelope(msgDeviceReset, ev.At, wsDeviceResetData{Device: ev.Device, Reason: ev.Reason})

	default:
		return nil, nil
	}
}
