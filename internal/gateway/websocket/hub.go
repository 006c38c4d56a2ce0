// Package websocket provides the live event feed gateway: daemon events
// published on the in-process bus are fanned out to connected UI
// clients over a single WebSocket route.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/events/bus"
)

// feedPattern selects every live feed event on the bus.
const feedPattern = "feed.>"

// Hub manages feed client connections and fans bus events out to them.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Event

	feed bus.EventBus

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new feed hub on the given bus.
func NewHub(feed bus.EventBus, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *bus.Event, 256),
		feed:       feed,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run subscribes to the feed and processes client traffic until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("event feed hub started")
	defer h.logger.Info("event feed hub stopped")

	if h.feed != nil {
		sub, err := h.feed.Subscribe(feedPattern, func(_ context.Context, event *bus.Event) error {
			select {
			case h.broadcast <- event:
			default:
				// A slow fanout must not stall bus publishers.
				h.logger.Warn("feed broadcast buffer full, dropping event",
					zap.String("subject", event.Subject))
			}
			return nil
		})
		if err != nil {
			h.logger.Error("failed to subscribe to feed", zap.Error(err))
		} else {
			defer func() { _ = sub.Unsubscribe() }()
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("feed client connected", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastEvent(event *bus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode feed event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.wants(event.Subject) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump will clean the client up if
			// it stays wedged.
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.Debug("feed client disconnected", zap.String("client_id", client.ID))
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
