package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/relay/subject"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Feed clients only send small filter frames
	maxMessageSize = 4 * 1024
)

// Client represents a single feed connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// filters restrict which feed subjects this client receives; empty
	// means everything.
	filters []string

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewClient creates a new feed client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// filterMessage is the only inbound frame clients send: it narrows the
// feed to the named subject patterns. An empty list resets the filter.
type filterMessage struct {
	Action   string   `json:"action"`
	Subjects []string `json:"subjects"`
}

// wants reports whether the client's filters accept a subject.
func (c *Client) wants(subj string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filters) == 0 {
		return true
	}
	for _, pattern := range c.filters {
		if subject.Matches(pattern, subj) {
			return true
		}
	}
	return false
}

// ReadPump consumes inbound frames until the peer disconnects.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("feed read error", zap.Error(err))
			}
			break
		}

		var msg filterMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("ignoring malformed feed frame", zap.Error(err))
			continue
		}
		if msg.Action != "filter" {
			continue
		}

		valid := msg.Subjects[:0]
		for _, pattern := range msg.Subjects {
			if err := subject.ValidatePattern(pattern); err != nil {
				c.logger.Debug("ignoring invalid filter pattern",
					zap.String("pattern", pattern), zap.Error(err))
				continue
			}
			valid = append(valid, pattern)
		}

		c.mu.Lock()
		c.filters = valid
		c.mu.Unlock()
	}
}

// WritePump pumps queued events to the peer and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
