// Package relay pushes account-scoped events to connected websocket clients.
package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/stormcloud/internal/metrics"
)

// Event types.
const (
	EventExecutionCompleted = "execution.completed"
	EventVibeCompleted      = "vibe.completed"
)

const sendBuffer = 16

// Event is a single message delivered to an account's subscribers.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan Event
}

// Hub tracks open event connections per account.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[int64]*subscriber
	nextID int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]map[int64]*subscriber)}
}

// Register adds conn for accountID and returns its id and outbound queue.
func (h *Hub) Register(accountID string, conn *websocket.Conn) (int64, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	if _, ok := h.active[accountID]; !ok {
		h.active[accountID] = make(map[int64]*subscriber)
	}
	sub := &subscriber{conn: conn, send: make(chan Event, sendBuffer)}
	h.active[accountID][id] = sub
	metrics.EventSubscribers.Inc()

	slog.Info("Event subscriber registered", "account_id", accountID, "conn_id", id)
	return id, sub.send
}

// Unregister removes the connection and closes its queue.
func (h *Hub) Unregister(accountID string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.active[accountID]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	close(sub.send)
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.active, accountID)
	}
	metrics.EventSubscribers.Dec()
	slog.Info("Event subscriber unregistered", "account_id", accountID, "conn_id", id)
}

// Publish queues ev for every subscriber of accountID. Subscribers whose
// queue is full miss the event rather than stalling the publisher.
func (h *Hub) Publish(accountID string, ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for id, sub := range h.active[accountID] {
		select {
		case sub.send <- ev:
			delivered++
		default:
			slog.Warn("Event subscriber queue full, dropping event", "account_id", accountID, "conn_id", id, "type", ev.Type)
		}
	}
	return delivered
}

// Count returns the number of open connections for accountID.
func (h *Hub) Count(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[accountID])
}

// CloseAccount terminates every connection of accountID. It does not wait
// for the close handshakes.
func (h *Hub) CloseAccount(accountID string) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.active[accountID]))
	for _, sub := range h.active[accountID] {
		conns = append(conns, sub.conn)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		go func(c *websocket.Conn) {
			_ = c.Close(websocket.StatusNormalClosure, "session closed")
		}(c)
	}
}
