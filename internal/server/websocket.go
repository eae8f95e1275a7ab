package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"watchtower-go/internal/events"
)

const (
	// WebSocket settings
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // 64 KB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for now - can be restricted later
		return true
	},
}

// WebSocketManager fans status-update and action-failure events out to all
// connected clients. There is no backlog: a client only sees events
// published while it is connected.
type WebSocketManager struct {
	eventBus    *events.Bus
	logger      *zap.SugaredLogger
	connections map[*websocket.Conn]*wsClient
	mu          sync.RWMutex
	register    chan *wsClient
	unregister  chan *wsClient
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// wsClient represents a WebSocket client connection
type wsClient struct {
	conn         *websocket.Conn
	send         chan []byte
	manager      *WebSocketManager
	updates      <-chan events.Event
	failures     <-chan events.Event
	filterServer string // If set, only send events for this server
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// stop signals the client's pumps to exit. The send channel is never
// closed; pumps drain out through stopChan so a late event cannot hit a
// closed channel.
func (c *wsClient) stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(eventBus *events.Bus, logger *zap.SugaredLogger) *WebSocketManager {
	manager := &WebSocketManager{
		eventBus:    eventBus,
		logger:      logger,
		connections: make(map[*websocket.Conn]*wsClient),
		register:    make(chan *wsClient),
		unregister:  make(chan *wsClient),
		stopChan:    make(chan struct{}),
	}

	go manager.run()

	return manager
}

// run manages client registration and teardown
func (m *WebSocketManager) run() {
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			m.connections[client.conn] = client
			m.mu.Unlock()
			m.logger.Infow("WebSocket client registered",
				"total_clients", m.GetActiveConnections())

		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.connections[client.conn]; ok {
				delete(m.connections, client.conn)
				client.stop()
			}
			m.mu.Unlock()
			m.logger.Infow("WebSocket client unregistered",
				"total_clients", m.GetActiveConnections())

		case <-m.stopChan:
			m.mu.Lock()
			for conn, client := range m.connections {
				client.stop()
				conn.Close()
			}
			m.connections = make(map[*websocket.Conn]*wsClient)
			m.mu.Unlock()
			return
		}
	}
}

// Stop stops the WebSocket manager and closes all connections
func (m *WebSocketManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// HandleWebSocket handles WebSocket connection upgrades. filterServer, when
// non-empty, restricts delivery to events for that server id.
func (m *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request, filterServer string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Errorw("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	client := &wsClient{
		conn:         conn,
		send:         make(chan []byte, 256),
		manager:      m,
		updates:      m.eventBus.Subscribe(events.StatusUpdate),
		failures:     m.eventBus.Subscribe(events.ActionFailure),
		filterServer: filterServer,
		stopChan:     make(chan struct{}),
	}

	select {
	case m.register <- client:
	case <-m.stopChan:
		// Manager already stopped; the run loop will never accept the
		// registration, so drop the connection instead of blocking.
		m.eventBus.Unsubscribe(events.StatusUpdate, client.updates)
		m.eventBus.Unsubscribe(events.ActionFailure, client.failures)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
	go client.eventPump()
}

// GetActiveConnections returns the number of active WebSocket connections
func (m *WebSocketManager) GetActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// readPump pumps messages from the WebSocket connection to handle pongs
// and detect disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.stop()
		select {
		case c.manager.unregister <- c:
		case <-c.manager.stopChan:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.manager.logger.Errorw("WebSocket read error", "error", err)
			}
			break
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.manager.logger.Errorw("WebSocket write error", "error", err)
				return
			}

		case <-c.stopChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// eventPump forwards bus events to the client's send channel
func (c *wsClient) eventPump() {
	defer func() {
		c.manager.eventBus.Unsubscribe(events.StatusUpdate, c.updates)
		c.manager.eventBus.Unsubscribe(events.ActionFailure, c.failures)
	}()

	for {
		var (
			event events.Event
			ok    bool
		)

		select {
		case event, ok = <-c.updates:
		case event, ok = <-c.failures:
		case <-c.stopChan:
			return
		}
		if !ok {
			// Bus closed
			return
		}

		if c.filterServer != "" && event.ServerID != c.filterServer {
			continue
		}

		data, err := json.Marshal(event)
		if err != nil {
			c.manager.logger.Errorw("Failed to marshal event", "error", err)
			continue
		}

		select {
		case c.send <- data:
		default:
			// Channel full, drop event
			c.manager.logger.Warnw("WebSocket send buffer full, dropping event",
				"event_type", string(event.Type))
		}
	}
}
