package git

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/boundary"
	"github.com/dork/dork/internal/common/logger"
)

// Handler provides the HTTP surface of the inspector.
type Handler struct {
	inspector *Inspector
	bound     *boundary.Validator
	logger    *logger.Logger
}

// NewHandler creates a new git handler.
func NewHandler(i *Inspector, bound *boundary.Validator, log *logger.Logger) *Handler {
	return &Handler{inspector: i, bound: bound, logger: log}
}

// RegisterRoutes wires the git routes onto the router.
func RegisterRoutes(router *gin.Engine, i *Inspector, bound *boundary.Validator, log *logger.Logger) {
	h := NewHandler(i, bound, log)
	router.GET("/api/git/status", h.status)
}

func (h *Handler) status(c *gin.Context) {
	dir := c.Query("dir")
	if dir == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dir is required"})
		return
	}

	canonical, err := h.bound.Validate(dir)
	if err != nil {
		var berr *boundary.Error
		if errors.As(err, &berr) {
			c.JSON(http.StatusForbidden, gin.H{"error": berr.Error(), "code": berr.Code})
			return
		}
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	st, err := h.inspector.Status(c.Request.Context(), canonical)
	if err != nil {
		if errors.Is(err, ErrNotRepo) {
			c.JSON(http.StatusOK, gin.H{"error": "not_git_repo"})
			return
		}
		h.logger.Error("git status failed", zap.String("dir", canonical), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "git status failed"})
		return
	}
	c.JSON(http.StatusOK, st)
}
