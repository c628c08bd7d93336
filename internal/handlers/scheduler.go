package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/usageguard/internal/app/maintenance"
	"github.com/charlesng35/usageguard/pkg/response"
)

// ResetController is the slice of the reset scheduler the admin API drives.
type ResetController interface {
	Trigger(ctx context.Context, force bool) (*maintenance.RunResult, error)
	Start() error
	Stop() context.Context
	Status(ctx context.Context) (*maintenance.SchedulerStatus, error)
}

type SchedulerHandler struct {
	scheduler ResetController
}

type triggerRequest struct {
	Force bool `json:"force"`
}

func NewSchedulerHandler(scheduler ResetController) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler}
}

// GET /api/admin/scheduler
func (h *SchedulerHandler) Status(c *gin.Context) {
	status, err := h.scheduler.Status(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, status)
}

// POST /api/admin/scheduler/start
func (h *SchedulerHandler) Start(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		response.Error(c, err)
		return
	}
	h.Status(c)
}

// POST /api/admin/scheduler/stop
func (h *SchedulerHandler) Stop(c *gin.Context) {
	if done := h.scheduler.Stop().Done(); done != nil {
		<-done
	}
	h.Status(c)
}

// POST /api/admin/scheduler/trigger
func (h *SchedulerHandler) Trigger(c *gin.Context) {
	var body triggerRequest
	if c.Request.ContentLength > 0 && !bindAndValidate(c, &body) {
		return
	}
	h.run(c, body.Force)
}

// POST /api/admin/usage/reset-all
//
// Always forces the reset, even when today's reset already ran.
func (h *SchedulerHandler) ResetAll(c *gin.Context) {
	h.run(c, true)
}

func (h *SchedulerHandler) run(c *gin.Context, force bool) {
	result, err := h.scheduler.Trigger(requestContext(c), force)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}
