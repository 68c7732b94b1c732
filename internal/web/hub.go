package web

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Client is one websocket watcher of a room.
type Client struct {
	ID     string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *RoomHub
	mu     sync.Mutex
	closed bool
}

// Event is what watchers of a room receive.
type Event struct {
	Type   string      `json:"type"`
	RoomID string      `json:"room_id"`
	Data   interface{} `json:"data,omitempty"`
	Time   int64       `json:"time"`
}

type roomEvent struct {
	roomID string
	data   []byte
}

// RoomHub fans turn results out to the websocket watchers of each room.
type RoomHub struct {
	rooms      map[string]map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan roomEvent
	done       chan struct{}
	clients    *atomic.Int64
	mu         sync.RWMutex
	log        *zap.Logger
}

func NewRoomHub(log *zap.Logger) *RoomHub {
	return &RoomHub{
		rooms:      make(map[string]map[string]*Client),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		broadcast:  make(chan roomEvent, 1000),
		done:       make(chan struct{}),
		clients:    atomic.NewInt64(0),
		log:        log,
	}
}

// Run starts the hub's event loop. It returns after Stop.
func (h *RoomHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case ev := <-h.broadcast:
			h.deliver(ev)
		case <-h.done:
			h.closeAll()
			return
		}
	}
}

func (h *RoomHub) Stop() {
	close(h.done)
}

func (h *RoomHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[client.RoomID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[client.RoomID] = room
	}
	room[client.ID] = client
	n := h.clients.Inc()
	h.log.Debug("watcher connected", zap.String("room_id", client.RoomID), zap.String("client_id", client.ID), zap.Int64("total", n))

	go client.writePump()
}

func (h *RoomHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[client.RoomID]
	if !ok {
		return
	}
	if _, ok := room[client.ID]; !ok {
		return
	}
	delete(room, client.ID)
	if len(room) == 0 {
		delete(h.rooms, client.RoomID)
	}
	close(client.Send)
	n := h.clients.Dec()
	h.log.Debug("watcher disconnected", zap.String("room_id", client.RoomID), zap.String("client_id", client.ID), zap.Int64("total", n))
}

func (h *RoomHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, room := range h.rooms {
		for _, c := range room {
			close(c.Send)
			h.clients.Dec()
		}
		delete(h.rooms, id)
	}
}

func (h *RoomHub) deliver(ev roomEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.rooms[ev.roomID] {
		select {
		case client.Send <- ev.data:
		default:
			h.log.Warn("watcher send buffer full", zap.String("client_id", client.ID))
		}
	}
}

// Publish queues an event for every watcher of roomID. It never blocks.
func (h *RoomHub) Publish(roomID, eventType string, data interface{}) {
	payload, err := json.Marshal(Event{Type: eventType, RoomID: roomID, Data: data, Time: time.Now().Unix()})
	if err != nil {
		h.log.Error("failed to marshal room event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- roomEvent{roomID: roomID, data: payload}:
	default:
		h.log.Warn("broadcast channel full, dropping event", zap.String("room_id", roomID))
	}
}

// ClientCount returns the number of connected watchers.
func (h *RoomHub) ClientCount() int {
	return int(h.clients.Load())
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.Conn.Close()
}

// readPump only drains control frames; watchers never send turns over the socket.
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Close()
	}()

	c.Conn.SetReadLimit(512)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.Debug("unexpected websocket close", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
	}
}
