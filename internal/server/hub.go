package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joss/geocommander/internal/logging"
)

// ErrNoClients signals a broadcast with nobody listening.
var ErrNoClients = errors.New("no connected clients")

// Event is one push-channel message delivered to visualization clients.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"-"`
}

// MarshalJSON flattens Payload next to Type so clients see one object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	return json.Marshal(out)
}

const clientBuffer = 16

// Hub fans events out to subscribed push clients. Each client gets a
// buffered channel; a client too slow to drain its buffer loses events
// rather than stalling the broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan Event]struct{})}
}

// Subscribe registers a client. The returned cancel func must be called
// when the client disconnects.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, clientBuffer)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	log.Info("client_connected", map[string]interface{}{"total": total})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			remaining := len(h.clients)
			h.mu.Unlock()
			log.Info("client_disconnected", map[string]interface{}{"total": remaining})
		})
	}
	return ch, cancel
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast delivers an event to every subscriber and returns how many
// received it.
func (h *Hub) Broadcast(event Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	notified := 0
	for ch := range h.clients {
		select {
		case ch <- event:
			notified++
		default:
			// client buffer full, drop
		}
	}
	return notified
}

// BroadcastAction pushes a resolved map action to all clients. Returns
// ErrNoClients when nobody is connected.
func (h *Hub) BroadcastAction(action string, arguments map[string]any) (int, error) {
	if h.Clients() == 0 {
		logging.PushEvent(action, 0)
		return 0, ErrNoClients
	}

	notified := h.Broadcast(Event{
		Type: "action",
		Payload: map[string]any{
			"id": uuid.NewString(),
			"payload": map[string]any{
				"action":    action,
				"arguments": arguments,
			},
		},
	})
	logging.PushEvent(action, notified)
	return notified, nil
}

// BroadcastChatResponse pushes an assistant reply so every open client
// view stays in sync.
func (h *Hub) BroadcastChatResponse(message string, toolCall map[string]any, thinking string) int {
	payload := map[string]any{
		"message":   message,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if toolCall != nil {
		payload["tool_call"] = toolCall
	}
	if thinking != "" {
		payload["thinking"] = thinking
	}
	return h.Broadcast(Event{Type: "chat_response", Payload: payload})
}
