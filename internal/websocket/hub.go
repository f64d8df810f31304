package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-gateway/internal/engine"
)

const (
	sendBuffer = 32
	pingPeriod = 30 * time.Second
)

// Client is one connection subscribed to an attempt's events.
// All writes to the connection go through its send queue.
type Client struct {
	AttemptID string

	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// Send queues v for delivery. It returns false when the client is too slow
// to keep up.
func (c *Client) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

// enqueue must not be called after Leave.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// WritePump drains the send queue to the connection and keeps it alive
// with pings. It returns when the queue is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub groups clients by attempt and fans events out to them.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	log   zerolog.Logger
}

// NewHub creates an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		log:   log.With().Str("component", "ws_hub").Logger(),
	}
}

// Join subscribes conn to the events of attemptID.
func (h *Hub) Join(attemptID string, conn *websocket.Conn) *Client {
	c := &Client{AttemptID: attemptID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	room, ok := h.rooms[attemptID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[attemptID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Leave unsubscribes c and closes its send queue.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	if room, ok := h.rooms[c.AttemptID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.AttemptID)
		}
	}
	h.mu.Unlock()
	c.once.Do(func() { close(c.send) })
}

// Broadcast sends an engine event to every client of the attempt.
func (h *Hub) Broadcast(attemptID string, ev engine.Event) {
	data, err := json.Marshal(MessageFor(ev))
	if err != nil {
		h.log.Error().Err(err).Str("attempt_id", attemptID).Msg("Encode event failed")
		return
	}
	h.Deliver(attemptID, data)
}

// Deliver sends an already encoded message to every client of the attempt.
// Clients whose queue is full miss the message.
func (h *Hub) Deliver(attemptID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[attemptID] {
		if !c.enqueue(data) {
			h.log.Debug().Str("attempt_id", attemptID).Msg("Dropped message for slow client")
		}
	}
}

// Count returns the number of clients watching attemptID.
func (h *Hub) Count(attemptID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[attemptID])
}
