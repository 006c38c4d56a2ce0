package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds to localhost; remote origins never reach it.
		return true
	},
}

// Handler upgrades feed connections.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a new feed connection handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// RegisterRoutes wires the feed route onto the router.
func RegisterRoutes(router *gin.Engine, hub *Hub, log *logger.Logger) {
	h := NewHandler(hub, log)
	router.GET("/api/events/ws", h.HandleConnection)
}

// HandleConnection upgrades HTTP to WebSocket and runs the pumps until
// the peer disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("feed connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
