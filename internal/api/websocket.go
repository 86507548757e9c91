package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/morphine-live/morphine-core/internal/orchestrator"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans emitted decisions out to the websocket clients subscribed to
// each stream. A slow client drops messages instead of stalling the pump.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{} // stream id -> clients
	logger  *zap.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan *orchestrator.MetacognitiveDecision
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*wsClient]struct{}),
		logger:  logger,
	}
}

// Broadcast delivers a decision to every client subscribed to the stream.
func (hub *Hub) Broadcast(streamID string, decision *orchestrator.MetacognitiveDecision) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for c := range hub.clients[streamID] {
		select {
		case c.send <- decision:
		default:
			hub.logger.Debug("dropping decision for slow websocket client",
				zap.String("stream", streamID))
		}
	}
}

// Subscribers returns the number of clients watching a stream.
func (hub *Hub) Subscribers(streamID string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients[streamID])
}

func (hub *Hub) register(streamID string, c *wsClient) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.clients[streamID] == nil {
		hub.clients[streamID] = make(map[*wsClient]struct{})
	}
	hub.clients[streamID][c] = struct{}{}
}

func (hub *Hub) unregister(streamID string, c *wsClient) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if set, ok := hub.clients[streamID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(hub.clients, streamID)
		}
	}
}

// serveWS upgrades the connection and subscribes the client to the
// stream named in the query string.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	streamID := r.URL.Query().Get("stream")
	if streamID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "stream query parameter required"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan *orchestrator.MetacognitiveDecision, clientSendBuffer),
	}
	h.hub.register(streamID, client)
	h.logger.Info("websocket client subscribed", zap.String("stream", streamID))

	go h.writeLoop(streamID, client)
	go h.readLoop(streamID, client)
}

// writeLoop pushes decisions and pings until the client goes away.
func (h *Handler) writeLoop(streamID string, c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case decision, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(decision); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; it exists to notice disconnects.
func (h *Handler) readLoop(streamID string, c *wsClient) {
	defer func() {
		h.hub.unregister(streamID, c)
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
