package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

// WebSocketServer streams fused feed values to connected clients.
type WebSocketServer struct {
	addr     string
	logger   *logging.Logger
	upgrader websocket.Upgrader

	// Client management
	mu      sync.RWMutex
	clients map[uuid.UUID]*WebSocketClient

	// Fused value updates channel
	updates chan []feed.AggregatedPrice

	// Server control
	ctx    context.Context
	cancel context.CancelFunc
}

// WebSocketClient represents a connected WebSocket client.
type WebSocketClient struct {
	id              uuid.UUID
	conn            *websocket.Conn
	send            chan []byte
	server          *WebSocketServer
	subscribedAll   bool
	subscribedPairs map[string]bool
	mu              sync.RWMutex
}

// WebSocketMessage represents a client message.
type WebSocketMessage struct {
	Type    string   `json:"type"`    // "subscribe", "unsubscribe", "ping"
	Symbols []string `json:"symbols"` // List of symbols to subscribe to
}

// FeedUpdateMessage is sent to clients when fused values change.
type FeedUpdateMessage struct {
	Type      string      `json:"type"`      // "feed_update"
	Timestamp string      `json:"timestamp"` // ISO 8601 timestamp
	Values    []FeedValue `json:"values"`    // Fused feed values
}

// NewWebSocketServer creates a new WebSocket server.
func NewWebSocketServer(addr string, logger *logging.Logger) *WebSocketServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &WebSocketServer{
		addr:   addr,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Allow all origins (configure CORS as needed)
				return true
			},
		},
		clients: make(map[uuid.UUID]*WebSocketClient),
		updates: make(chan []feed.AggregatedPrice, 100),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the WebSocket server.
func (s *WebSocketServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start broadcast goroutine
	go s.broadcastUpdates()

	s.logger.Info("Starting WebSocket server", "addr", s.addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server error", "error", err.Error())
		}
	}()

	// Wait for cancellation
	<-s.ctx.Done()

	// Graceful shutdown with timeout based on parent context
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Stop stops the WebSocket server.
func (s *WebSocketServer) Stop() {
	s.cancel()
}

// SendUpdate queues fused values for broadcast. Never blocks the caller
// beyond a short grace window; a full channel drops the batch.
func (s *WebSocketServer) SendUpdate(values []feed.AggregatedPrice) {
	select {
	case s.updates <- values:
	case <-time.After(100 * time.Millisecond):
		s.logger.Warn("Update channel full, dropping feed update")
	}
}

// handleWebSocket handles new WebSocket connections.
func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err.Error())
		return
	}

	client := &WebSocketClient{
		id:              uuid.New(),
		conn:            conn,
		send:            make(chan []byte, 256),
		server:          s,
		subscribedAll:   true, // Subscribe to all by default
		subscribedPairs: make(map[string]bool),
	}

	s.registerClient(client)

	// Start client goroutines
	go client.writePump()
	go client.readPump()

	s.logger.Info("New WebSocket client connected",
		"client", client.id.String(),
		"remote", conn.RemoteAddr().String())
}

// registerClient adds a client to the server.
func (s *WebSocketServer) registerClient(client *WebSocketClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.id] = client
}

// unregisterClient removes a client from the server.
func (s *WebSocketServer) unregisterClient(client *WebSocketClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.id]; ok {
		delete(s.clients, client.id)
		close(client.send)
	}
}

// broadcastUpdates broadcasts fused values to all clients.
func (s *WebSocketServer) broadcastUpdates() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case values := <-s.updates:
			s.broadcast(values)
		}
	}
}

// broadcast sends one batch of fused values to all subscribed clients.
func (s *WebSocketServer) broadcast(values []feed.AggregatedPrice) {
	if len(values) == 0 {
		return
	}

	payload := make([]FeedValue, 0, len(values))
	for _, v := range values {
		payload = append(payload, FeedValue{
			Feed:           FeedID{Name: v.Symbol},
			Value:          v.Price.String(),
			Timestamp:      v.Timestamp,
			Sources:        v.Sources,
			Confidence:     v.Confidence,
			ConsensusScore: v.ConsensusScore,
		})
	}

	message := FeedUpdateMessage{
		Type:      "feed_update",
		Timestamp: time.Now().Format(time.RFC3339),
		Values:    payload,
	}

	data, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("Failed to marshal feed update", "error", err.Error())
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, client := range s.clients {
		if client.shouldReceive(values) {
			select {
			case client.send <- data:
			default:
				s.logger.Warn("Client send buffer full, skipping update", "client", id.String())
			}
		}
	}
}

// writePump sends messages to the WebSocket connection.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Channel closed
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.server.logger.Error("Failed to write message", "client", c.id.String(), "error", err.Error())
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket error", "client", c.id.String(), "error", err.Error())
			}
			break
		}

		c.handleMessage(message)
	}
}

// handleMessage processes client messages.
func (c *WebSocketClient) handleMessage(data []byte) {
	var msg WebSocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.server.logger.Warn("Invalid client message", "client", c.id.String(), "error", err.Error())
		return
	}

	switch msg.Type {
	case "subscribe":
		c.subscribe(msg.Symbols)
	case "unsubscribe":
		c.unsubscribe(msg.Symbols)
	case "ping":
		c.sendPong()
	default:
		c.server.logger.Warn("Unknown message type", "type", msg.Type)
	}
}

// subscribe subscribes to specific symbols.
func (c *WebSocketClient) subscribe(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(symbols) == 0 || (len(symbols) == 1 && symbols[0] == "*") {
		c.subscribedAll = true
		c.subscribedPairs = make(map[string]bool)
	} else {
		c.subscribedAll = false
		for _, symbol := range symbols {
			c.subscribedPairs[symbol] = true
		}
	}

	c.server.logger.Debug("Client subscribed", "client", c.id.String(), "symbols", symbols)
}

// unsubscribe unsubscribes from specific symbols.
func (c *WebSocketClient) unsubscribe(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(symbols) == 0 || (len(symbols) == 1 && symbols[0] == "*") {
		c.subscribedAll = false
		c.subscribedPairs = make(map[string]bool)
	} else {
		for _, symbol := range symbols {
			delete(c.subscribedPairs, symbol)
		}
	}

	c.server.logger.Debug("Client unsubscribed", "client", c.id.String(), "symbols", symbols)
}

// shouldReceive checks if the client subscribed to any value in a batch.
func (c *WebSocketClient) shouldReceive(values []feed.AggregatedPrice) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subscribedAll {
		return true
	}

	for _, v := range values {
		if c.subscribedPairs[v.Symbol] {
			return true
		}
	}

	return false
}

// sendPong sends a pong response.
func (c *WebSocketClient) sendPong() {
	pong := map[string]string{"type": "pong"}
	data, _ := json.Marshal(pong)
	select {
	case c.send <- data:
	default:
	}
}
