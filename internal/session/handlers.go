package session

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/logger"
)

// Handler provides the HTTP surface of the session manager.
type Handler struct {
	manager *Manager
	logger  *logger.Logger
}

// NewHandler creates a new session handler.
func NewHandler(m *Manager, log *logger.Logger) *Handler {
	return &Handler{manager: m, logger: log}
}

// RegisterRoutes wires the session routes onto the router.
func RegisterRoutes(router *gin.Engine, m *Manager, log *logger.Logger) {
	h := NewHandler(m, log)
	api := router.Group("/api/sessions")
	api.POST("", h.createSession)
	api.GET("", h.listSessions)
	api.GET("/:id", h.getSession)
	api.POST("/:id/messages", h.sendMessage)
	api.POST("/:id/approve", h.approve)
	api.POST("/:id/deny", h.deny)
	api.POST("/:id/submit-answers", h.submitAnswers)
}

// CreateSessionRequest seeds a new session.
type CreateSessionRequest struct {
	PermissionMode string `json:"permissionMode"`
	Cwd            string `json:"cwd"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}
	sess := h.manager.CreateSession(req.PermissionMode)
	if req.Cwd != "" {
		sess = h.manager.EnsureSession(sess.ID, EnsureOptions{PermissionMode: req.PermissionMode, Cwd: req.Cwd})
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.List())
}

func (h *Handler) getSession(c *gin.Context) {
	sess, ok := h.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// SendMessageRequest is one user turn.
type SendMessageRequest struct {
	Content        string `json:"content"`
	PermissionMode string `json:"permissionMode"`
	Cwd            string `json:"cwd"`
}

// sendMessage streams one agent turn as server-sent events. Each event
// is a single data: line; a terminal done event always fires unless the
// client disconnects first, which cancels the upstream turn.
func (h *Handler) sendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	var opts *SendOptions
	if req.PermissionMode != "" || req.Cwd != "" {
		opts = &SendOptions{PermissionMode: req.PermissionMode, Cwd: req.Cwd}
	}

	events := h.manager.SendMessage(c.Request.Context(), c.Param("id"), req.Content, opts)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("failed to encode stream event", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			// Client went away; the request context cancellation stops
			// the turn upstream.
			return
		}
		c.Writer.Flush()
	}
}

// GateRequest names a parked tool call.
type GateRequest struct {
	ToolCallID string `json:"toolCallId"`
}

func (h *Handler) approve(c *gin.Context) {
	h.resolveApproval(c, true)
}

func (h *Handler) deny(c *gin.Context) {
	h.resolveApproval(c, false)
}

func (h *Handler) resolveApproval(c *gin.Context, approve bool) {
	var req GateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ToolCallID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if !h.manager.ApproveTool(c.Param("id"), req.ToolCallID, approve) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No pending approval"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// SubmitAnswersRequest resolves a parked question block. Answers are
// keyed by question index.
type SubmitAnswersRequest struct {
	ToolCallID string            `json:"toolCallId"`
	Answers    map[string]string `json:"answers"`
}

func (h *Handler) submitAnswers(c *gin.Context) {
	var req SubmitAnswersRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ToolCallID == "" || len(req.Answers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if !h.manager.SubmitAnswers(c.Param("id"), req.ToolCallID, req.Answers) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No pending question"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
