package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// Event types broadcast over /api/v1/events.
const (
	EventState   = "state.changed"
	EventTraffic = "traffic.sample"
)

// EventHub manages WebSocket subscribers of the event stream.
type EventHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewEventHub creates a new event hub.
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run distributes broadcasts until ctx is canceled. Connections still
// registered at shutdown are closed.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			var dead []*websocket.Conn
			for client := range h.clients {
				if _, err := client.Write(message); err != nil {
					dead = append(dead, client)
				}
			}
			h.mu.RUnlock()
			h.mu.Lock()
			for _, client := range dead {
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					client.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to all connected clients. Under
// backpressure a traffic sample is shed outright, while a state change
// sheds the oldest queued event and takes its slot.
func (h *EventHub) Broadcast(eventType string, data interface{}) {
	msg := map[string]interface{}{
		"type":      eventType,
		"timestamp": time.Now().Format(time.RFC3339),
		"data":      data,
	}
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if eventType != EventState {
		select {
		case h.broadcast <- jsonData:
		default:
		}
		return
	}
	for {
		select {
		case h.broadcast <- jsonData:
			return
		default:
			select {
			case <-h.broadcast:
			default:
			}
		}
	}
}

// ServeWS handles a WebSocket subscriber connection.
func (h *EventHub) ServeWS(ws *websocket.Conn) {
	h.register <- ws
	defer func() {
		h.unregister <- ws
	}()

	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
		if msg == "ping" {
			websocket.Message.Send(ws, "pong")
		}
	}
}
