package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"device-hub/internal/types"
)

// WSMessage is the envelope for every message pushed to WebSocket clients.
type WSMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// wsClient tracks a single subscriber connection.
type wsClient struct {
	id       string
	conn     *websocket.Conn
	send     chan WSMessage
	lastPong time.Time
}

// WSManager fans device status changes out to connected WebSocket clients.
type WSManager struct {
	clients    map[string]*wsClient
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *logrus.Logger
	broadcast  chan WSMessage
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	readTimeout  time.Duration
	maxClients   int
}

// NewWSManager creates a WebSocket manager. Start must be called before
// connections are accepted.
func NewWSManager(logger *logrus.Logger) *WSManager {
	return &WSManager{
		clients: make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:       logger,
		broadcast:    make(chan WSMessage, 256),
		register:     make(chan *wsClient),
		unregister:   make(chan *wsClient),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		readTimeout:  60 * time.Second,
		maxClients:   100,
	}
}

// Start launches the manager loop.
func (m *WSManager) Start(ctx context.Context) {
	m.logger.Info("Starting WebSocket manager")
	go m.run(ctx)
}

// Stop terminates the manager loop and closes all client connections.
func (m *WSManager) Stop() {
	m.logger.Info("Stopping WebSocket manager")
	close(m.done)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	for id, client := range m.clients {
		close(client.send)
		client.conn.Close()
		delete(m.clients, id)
	}
}

// BroadcastDeviceStatus pushes a device status change to all clients.
func (m *WSManager) BroadcastDeviceStatus(device types.Device) {
	message := WSMessage{
		Type:      "device_status",
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"deviceId": device.ID,
			"name":     device.Name,
			"type":     string(device.Type),
			"status":   string(device.Status),
			"lastSeen": device.LastSeen,
		},
	}

	select {
	case m.broadcast <- message:
	case <-m.done:
	default:
		m.logger.Warn("Broadcast channel full, dropping status message")
	}
}

// ClientCount returns the number of connected clients.
func (m *WSManager) ClientCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients)
}

// HandleConnection upgrades an HTTP request and registers the client.
func (m *WSManager) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return err
	}

	client := &wsClient{
		id:       fmt.Sprintf("conn_%d", time.Now().UnixNano()),
		conn:     conn,
		send:     make(chan WSMessage, 256),
		lastPong: time.Now(),
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(m.readTimeout))
	conn.SetPongHandler(func(string) error {
		client.lastPong = time.Now()
		conn.SetReadDeadline(time.Now().Add(m.readTimeout))
		return nil
	})

	m.register <- client

	go m.writePump(client)
	go m.readPump(client)

	return nil
}

func (m *WSManager) run(ctx context.Context) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("WebSocket manager context cancelled")
			return
		case <-m.done:
			m.logger.Info("WebSocket manager stopped")
			return
		case client := <-m.register:
			m.addClient(client)
		case client := <-m.unregister:
			m.removeClient(client)
		case message := <-m.broadcast:
			m.fanOut(message)
		case <-ticker.C:
			m.pingClients()
		}
	}
}

func (m *WSManager) addClient(client *wsClient) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.clients) >= m.maxClients {
		m.logger.WithField("connectionId", client.id).Warn("Maximum WebSocket connections reached")
		client.conn.Close()
		return
	}

	m.clients[client.id] = client
	m.logger.WithFields(logrus.Fields{
		"connectionId": client.id,
		"totalConns":   len(m.clients),
	}).Info("WebSocket connection registered")

	welcome := WSMessage{
		Type:      "welcome",
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"connectionId": client.id,
		},
	}
	select {
	case client.send <- welcome:
	default:
	}
}

func (m *WSManager) removeClient(client *wsClient) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.clients[client.id]; exists {
		delete(m.clients, client.id)
		close(client.send)

		m.logger.WithFields(logrus.Fields{
			"connectionId": client.id,
			"totalConns":   len(m.clients),
		}).Info("WebSocket connection unregistered")
	}
}

func (m *WSManager) fanOut(message WSMessage) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, client := range m.clients {
		select {
		case client.send <- message:
		default:
			m.logger.WithField("connectionId", client.id).Warn("Client buffer full, dropping connection")
			go func(c *wsClient) {
				select {
				case m.unregister <- c:
				case <-m.done:
				}
			}(client)
		}
	}
}

func (m *WSManager) pingClients() {
	m.mutex.RLock()
	clients := make([]*wsClient, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.mutex.RUnlock()

	for _, client := range clients {
		if time.Since(client.lastPong) > m.pongTimeout {
			m.logger.WithField("connectionId", client.id).Warn("WebSocket connection timed out")
			select {
			case m.unregister <- client:
			case <-m.done:
			}
			continue
		}

		client.conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
		if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			m.logger.WithError(err).WithField("connectionId", client.id).Warn("Failed to send ping")
			select {
			case m.unregister <- client:
			case <-m.done:
			}
		}
	}
}

func (m *WSManager) writePump(client *wsClient) {
	defer client.conn.Close()

	for message := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
		if err := client.conn.WriteJSON(message); err != nil {
			m.logger.WithError(err).WithField("connectionId", client.id).Error("Failed to write WebSocket message")
			return
		}
	}

	client.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (m *WSManager) readPump(client *wsClient) {
	defer func() {
		select {
		case m.unregister <- client:
		case <-m.done:
		}
		client.conn.Close()
	}()

	// Clients are consumers only. Drain incoming frames so control
	// messages are processed, ignore everything else.
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.WithError(err).WithField("connectionId", client.id).Error("WebSocket connection error")
			}
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(m.readTimeout))
	}
}
