package mesh

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/boundary"
	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/mesh/registry"
)

// Handler provides the HTTP surface of the mesh.
type Handler struct {
	service *Service
	bound   *boundary.Validator
	logger  *logger.Logger
}

// NewHandler creates a new mesh handler.
func NewHandler(svc *Service, bound *boundary.Validator, log *logger.Logger) *Handler {
	return &Handler{service: svc, bound: bound, logger: log}
}

// RegisterRoutes wires the mesh routes onto the router.
func RegisterRoutes(router *gin.Engine, svc *Service, bound *boundary.Validator, log *logger.Logger) {
	h := NewHandler(svc, bound, log)
	api := router.Group("/api/mesh")
	api.POST("/discover", h.discover)
	api.POST("/agents", h.registerAgent)
	api.GET("/agents", h.listAgents)
	api.GET("/agents/:id", h.getAgent)
	api.GET("/agents/:id/inspect", h.inspectAgent)
	api.PATCH("/agents/:id", h.updateAgent)
	api.DELETE("/agents/:id", h.removeAgent)
	api.POST("/agents/:id/health", h.updateHealth)
	api.POST("/deny", h.deny)
	api.GET("/denied", h.listDenied)
	api.DELETE("/denied/:path", h.allow)
	api.GET("/status", h.status)
	api.GET("/topology", h.topology)
}

// DiscoverRequest names the roots to scan.
type DiscoverRequest struct {
	Roots    []string `json:"roots"`
	MaxDepth int      `json:"maxDepth"`
}

func (h *Handler) discover(c *gin.Context) {
	var req DiscoverRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Roots) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed"})
		return
	}

	roots := make([]string, 0, len(req.Roots))
	for _, root := range req.Roots {
		canonical, err := h.bound.Validate(root)
		if err != nil {
			h.writeBoundaryError(c, err)
			return
		}
		roots = append(roots, canonical)
	}

	candidates, err := h.service.Discover(c.Request.Context(), roots, DiscoverOptions{MaxDepth: req.MaxDepth})
	if err != nil {
		h.logger.Error("discovery failed to start", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "discovery failed"})
		return
	}

	// Drain the stream; client disconnects cancel the walk through the
	// request context.
	out := []Candidate{}
	for cand := range candidates {
		out = append(out, cand)
	}
	c.JSON(http.StatusOK, gin.H{"candidates": out})
}

// RegisterAgentRequest is the agent registration payload.
type RegisterAgentRequest struct {
	Path      string    `json:"path"`
	Overrides Overrides `json:"overrides"`
	Approver  string    `json:"approver"`
}

func (h *Handler) registerAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}

	canonical, err := h.bound.Validate(req.Path)
	if err != nil {
		h.writeBoundaryError(c, err)
		return
	}

	agent, err := h.service.RegisterByPath(c.Request.Context(), canonical, req.Overrides, req.Approver)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h *Handler) listAgents(c *gin.Context) {
	filter := registry.ListFilter{
		Runtime:    c.Query("runtime"),
		Capability: c.Query("capability"),
		Namespace:  c.Query("namespace"),
	}
	agents, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *Handler) getAgent(c *gin.Context) {
	agent, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handler) inspectAgent(c *gin.Context) {
	info, err := h.service.Inspect(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// UpdateAgentRequest patches a manifest; absent fields stay unchanged.
type UpdateAgentRequest struct {
	Name         *string          `json:"name"`
	Description  *string          `json:"description"`
	Capabilities []string         `json:"capabilities"`
	Behavior     *string          `json:"behavior"`
	Budget       *registry.Budget `json:"budget"`
	Namespace    *string          `json:"namespace"`
	ScanRoot     *string          `json:"scanRoot"`
}

func (h *Handler) updateAgent(c *gin.Context) {
	var req UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	agent, err := h.service.Update(c.Request.Context(), c.Param("id"), registry.AgentUpdate{
		Name:         req.Name,
		Description:  req.Description,
		Capabilities: req.Capabilities,
		Behavior:     req.Behavior,
		Budget:       req.Budget,
		Namespace:    req.Namespace,
		ScanRoot:     req.ScanRoot,
	})
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handler) removeAgent(c *gin.Context) {
	removed, err := h.service.Remove(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// HealthEventRequest names the observed health event.
type HealthEventRequest struct {
	Event string `json:"event"`
}

func (h *Handler) updateHealth(c *gin.Context) {
	var req HealthEventRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Event == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event is required"})
		return
	}
	if err := h.service.UpdateHealth(c.Request.Context(), c.Param("id"), req.Event); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DenyRequest excludes a path from scans.
type DenyRequest struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
	Denier string `json:"denier"`
}

func (h *Handler) deny(c *gin.Context) {
	var req DenyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}

	canonical, err := h.bound.Validate(req.Path)
	if err != nil {
		h.writeBoundaryError(c, err)
		return
	}

	denial, err := h.service.Deny(c.Request.Context(), canonical, req.Reason, req.Denier)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, denial)
}

func (h *Handler) listDenied(c *gin.Context) {
	denied, err := h.service.ListDenials(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list denials", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list denials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"denied": denied})
}

func (h *Handler) allow(c *gin.Context) {
	path, err := url.PathUnescape(c.Param("path"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path encoding"})
		return
	}
	// Removing a stale denial is idempotent.
	if _, err := h.service.Allow(c.Request.Context(), path); err != nil {
		h.logger.Error("failed to remove denial", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove denial"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) status(c *gin.Context) {
	st, err := h.service.GetStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to compute mesh status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute status"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) topology(c *gin.Context) {
	topo, err := h.service.GetTopology(c.Request.Context(), c.Query("namespace"))
	if err != nil {
		h.logger.Error("failed to compute topology", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute topology"})
		return
	}
	c.JSON(http.StatusOK, topo)
}

// writeBoundaryError maps boundary violations onto 403 with the coded
// body the UI understands.
func (h *Handler) writeBoundaryError(c *gin.Context, err error) {
	var berr *boundary.Error
	if errors.As(err, &berr) {
		c.JSON(http.StatusForbidden, gin.H{"error": berr.Error(), "code": berr.Code})
		return
	}
	c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
}

// writeDomainError maps validation to 400 and conflicts to 422.
func (h *Handler) writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrConflict):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.Error("mesh request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
