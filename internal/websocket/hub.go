package websocket

import (
	"encoding/json"
	"sync"
)

// BalanceUpdate is pushed to a user's connections after a ledger entry is
// created or settled.
type BalanceUpdate struct {
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
	EntryID  int64  `json:"entry_id"`
	Status   string `json:"status"`
	Type     string `json:"type"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	origins map[string]struct{}
}

// NewHub accepts connections from the given origins; "*" or no origins
// allows any.
func NewHub(allowedOrigins ...string) *Hub {
	h := &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			h.origins = nil
			break
		}
		if h.origins == nil {
			h.origins = make(map[string]struct{})
		}
		h.origins[origin] = struct{}{}
	}
	return h
}

func (h *Hub) Register(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][client] = struct{}{}
}

func (h *Hub) Unregister(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		return
	}
	delete(h.clients[userID], client)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

// Connections returns the number of live connections for a user.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// BroadcastBalance never blocks; a client whose buffer is full misses the update.
func (h *Hub) BroadcastBalance(userID string, update BalanceUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		select {
		case client.send <- payload:
		default:
		}
	}
}

func (h *Hub) originAllowed(origin string) bool {
	if h.origins == nil || origin == "" {
		return true
	}
	_, ok := h.origins[origin]
	return ok
}
