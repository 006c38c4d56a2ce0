package pulse

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/boundary"
	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/pulse/store"
)

// Handler provides the HTTP surface of the scheduler.
type Handler struct {
	scheduler *Scheduler
	bound     *boundary.Validator
	logger    *logger.Logger
}

// NewHandler creates a new pulse handler.
func NewHandler(s *Scheduler, bound *boundary.Validator, log *logger.Logger) *Handler {
	return &Handler{scheduler: s, bound: bound, logger: log}
}

// RegisterRoutes wires the pulse routes onto the router.
func RegisterRoutes(router *gin.Engine, s *Scheduler, bound *boundary.Validator, log *logger.Logger) {
	h := NewHandler(s, bound, log)
	api := router.Group("/api/pulse")
	api.POST("/schedules", h.createSchedule)
	api.GET("/schedules", h.listSchedules)
	api.GET("/schedules/:id", h.getSchedule)
	api.PATCH("/schedules/:id", h.updateSchedule)
	api.DELETE("/schedules/:id", h.deleteSchedule)
	api.POST("/schedules/:id/trigger", h.triggerRun)
	api.GET("/schedules/:id/next-run", h.nextRun)
	api.GET("/runs", h.listRuns)
	api.GET("/runs/:id", h.getRun)
	api.POST("/runs/:id/cancel", h.cancelRun)
}

func (h *Handler) createSchedule(c *gin.Context) {
	var input store.ScheduleInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if input.Cwd != "" {
		canonical, err := h.bound.Validate(input.Cwd)
		if err != nil {
			h.writeBoundaryError(c, err)
			return
		}
		input.Cwd = canonical
	}

	sched, err := h.scheduler.CreateSchedule(c.Request.Context(), input, false)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

func (h *Handler) listSchedules(c *gin.Context) {
	schedules, err := h.scheduler.ListSchedules(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list schedules", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list schedules"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

func (h *Handler) getSchedule(c *gin.Context) {
	sched, err := h.scheduler.GetSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (h *Handler) updateSchedule(c *gin.Context) {
	var upd store.ScheduleUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if upd.Cwd != nil && *upd.Cwd != "" {
		canonical, err := h.bound.Validate(*upd.Cwd)
		if err != nil {
			h.writeBoundaryError(c, err)
			return
		}
		upd.Cwd = &canonical
	}

	sched, err := h.scheduler.UpdateSchedule(c.Request.Context(), c.Param("id"), upd)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (h *Handler) deleteSchedule(c *gin.Context) {
	removed, err := h.scheduler.DeleteSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) triggerRun(c *gin.Context) {
	run, err := h.scheduler.TriggerManualRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (h *Handler) nextRun(c *gin.Context) {
	next, err := h.scheduler.NextRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if next == nil {
		c.JSON(http.StatusOK, gin.H{"nextRun": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nextRun": next.UTC().Format(time.RFC3339)})
}

func (h *Handler) listRuns(c *gin.Context) {
	opts := store.ListRunsOptions{
		ScheduleID: c.Query("scheduleId"),
		Status:     c.Query("status"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		opts.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		opts.Offset = n
	}

	runs, err := h.scheduler.ListRuns(c.Request.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *Handler) getRun(c *gin.Context) {
	run, err := h.scheduler.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) cancelRun(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": h.scheduler.CancelRun(c.Param("id"))})
}

func (h *Handler) writeBoundaryError(c *gin.Context, err error) {
	var berr *boundary.Error
	if errors.As(err, &berr) {
		c.JSON(http.StatusForbidden, gin.H{"error": berr.Error(), "code": berr.Code})
		return
	}
	c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
}

// writeError maps scheduler sentinels onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrTooManyRuns):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		h.logger.Error("pulse request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
