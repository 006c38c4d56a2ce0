package transcript

import (
	"errors"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/logger"
)

// Handler provides the HTTP surface of the history reader.
type Handler struct {
	reader *Reader
	logger *logger.Logger
}

// NewHandler creates a new transcript handler.
func NewHandler(r *Reader, log *logger.Logger) *Handler {
	return &Handler{reader: r, logger: log}
}

// RegisterRoutes wires the transcript routes onto the router.
func RegisterRoutes(router *gin.Engine, r *Reader, log *logger.Logger) {
	h := NewHandler(r, log)
	api := router.Group("/api/transcripts")
	api.GET("", h.listSessions)
	api.GET("/:id", h.getSession)
	api.GET("/:id/messages", h.getMessages)
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.reader.ListSessions()
	if err != nil {
		h.logger.Error("failed to list session logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSession(c *gin.Context) {
	meta, err := h.reader.GetSession(c.Param("id"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("failed to read session log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session"})
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (h *Handler) getMessages(c *gin.Context) {
	messages, err := h.reader.ReadTranscript(c.Param("id"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("failed to parse transcript", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to parse transcript"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}
