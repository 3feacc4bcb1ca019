// Package websocket pushes license transitions and backup status to
// connected admin dashboards.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukerupert/renderlicense/internal/metrics"
	"github.com/dukerupert/renderlicense/internal/model"
)

// Message is one event on the admin feed.
type Message struct {
	Type    string              `json:"type"`
	Entity  string              `json:"entity"`
	Action  string              `json:"action"`
	ID      int64               `json:"id,omitempty"`
	License *model.LicenseEvent `json:"license,omitempty"`
	Extra   map[string]any      `json:"extra,omitempty"`
}

// NewMessage builds a Message typed "<entity>_<action>".
func NewMessage(entity, action string, id int64, extra map[string]any) Message {
	return Message{
		Type:   fmt.Sprintf("%s_%s", entity, action),
		Entity: entity,
		Action: action,
		ID:     id,
		Extra:  extra,
	}
}

func LicenseMessage(e model.LicenseEvent) Message {
	msg := NewMessage("license", e.Action, e.AccountID, nil)
	msg.License = &e
	return msg
}

type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	dropped int
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.AdminFeedClients.Set(float64(n))
}

// Unregister removes c and closes its send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.AdminFeedClients.Set(float64(n))
}

// Publish broadcasts a committed license transition. It satisfies
// ledger.Publisher.
func (h *Hub) Publish(e model.LicenseEvent) {
	h.Broadcast(LicenseMessage(e))
}

// Broadcast delivers msg to every client subscribed to its entity. A
// client whose buffer is full misses the message.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "type", msg.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(msg.Entity) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropped++
			h.logger.Debug("admin feed client too slow, message dropped", "type", msg.Type)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were skipped for slow clients.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
