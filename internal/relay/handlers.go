package relay

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/relay/envelope"
	"github.com/dork/dork/internal/relay/index"
)

// Handler provides the HTTP surface of the relay.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates a new relay handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{service: svc, logger: log}
}

// RegisterRoutes wires the relay routes onto the router.
func RegisterRoutes(router *gin.Engine, svc *Service, log *logger.Logger) {
	h := NewHandler(svc, log)
	api := router.Group("/api/relay")
	api.POST("/publish", h.publish)
	api.GET("/inbox/:subject", h.readInbox)
	api.POST("/endpoints", h.registerEndpoint)
	api.GET("/endpoints", h.listEndpoints)
	api.GET("/endpoints/:subject", h.getEndpoint)
	api.DELETE("/endpoints/:subject", h.unregisterEndpoint)
	api.GET("/messages", h.queryMessages)
	api.GET("/messages/:id", h.getMessage)
	api.GET("/metrics", h.metrics)
	api.GET("/traces/:traceId", h.getTrace)
	api.GET("/adapters", h.adapterStatuses)
}

// PublishRequest is the publish route payload.
type PublishRequest struct {
	Subject string           `json:"subject"`
	Payload json.RawMessage  `json:"payload"`
	From    string           `json:"from"`
	ReplyTo string           `json:"replyTo"`
	Budget  *envelope.Budget `json:"budget"`
}

func (h *Handler) publish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Subject == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject is required"})
		return
	}

	result, err := h.service.Publish(c.Request.Context(), req.Subject, req.Payload, PublishOptions{
		From:    req.From,
		ReplyTo: req.ReplyTo,
		Budget:  req.Budget,
	})
	if err != nil {
		// Budget rejections dead-letter the envelope but still mint an
		// id; the caller sees deliveredTo 0 alongside the code.
		if result != nil {
			c.JSON(http.StatusOK, gin.H{
				"messageId":   result.MessageID,
				"deliveredTo": result.DeliveredTo,
				"code":        ErrorCode(err),
				"error":       err.Error(),
			})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) readInbox(c *gin.Context) {
	opts := InboxOptions{
		Status: c.Query("status"),
		Cursor: c.Query("cursor"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		opts.Limit = n
	}

	page, err := h.service.ReadInbox(c.Request.Context(), c.Param("subject"), opts)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// RegisterEndpointRequest names the subject to persist.
type RegisterEndpointRequest struct {
	Subject string `json:"subject"`
}

func (h *Handler) registerEndpoint(c *gin.Context) {
	var req RegisterEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Subject == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject is required"})
		return
	}

	ep, err := h.service.RegisterEndpoint(c.Request.Context(), req.Subject)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ep)
}

func (h *Handler) listEndpoints(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"endpoints": h.service.ListEndpoints()})
}

func (h *Handler) getEndpoint(c *gin.Context) {
	ep, ok := h.service.GetEndpoint(c.Param("subject"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (h *Handler) unregisterEndpoint(c *gin.Context) {
	removed, err := h.service.UnregisterEndpoint(c.Request.Context(), c.Param("subject"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) queryMessages(c *gin.Context) {
	opts := index.QueryOptions{
		Subject: c.Query("subject"),
		Status:  c.Query("status"),
		Cursor:  c.Query("cursor"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		opts.Limit = n
	}

	messages, nextCursor, err := h.service.QueryMessages(c.Request.Context(), opts)
	if err != nil {
		h.logger.Error("failed to query messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query messages"})
		return
	}
	if messages == nil {
		messages = []index.Message{}
	}
	resp := gin.H{"messages": messages}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getMessage(c *gin.Context) {
	msg, err := h.service.GetMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) metrics(c *gin.Context) {
	m, err := h.service.GetMetrics(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to collect relay metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect metrics"})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) getTrace(c *gin.Context) {
	spans, err := h.service.GetTrace(c.Request.Context(), c.Param("traceId"))
	if err != nil {
		h.logger.Error("failed to load trace", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trace"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"spans": spans})
}

func (h *Handler) adapterStatuses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"adapters": h.service.Adapters().Statuses()})
}

// writeError maps coded relay errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	code := ErrorCode(err)
	body := gin.H{"error": err.Error()}
	if code != "" {
		body["code"] = code
	}
	switch code {
	case CodeInvalidSubject:
		c.JSON(http.StatusBadRequest, body)
	case CodeAccessDenied:
		c.JSON(http.StatusForbidden, body)
	case CodeEndpointNotFound:
		c.JSON(http.StatusNotFound, body)
	default:
		h.logger.Error("relay request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, body)
	}
}
