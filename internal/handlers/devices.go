package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/usageguard/internal/models"
	"github.com/charlesng35/usageguard/internal/services"
	"github.com/charlesng35/usageguard/pkg/response"
)

type DeviceHandler struct {
	fingerprints *services.FingerprintStore
}

type suspicionRequest struct {
	Kind  string `json:"kind" validate:"required,oneof=rapid_location_changes unusual_usage_hours simultaneous_activity"`
	Delta int    `json:"delta" validate:"gte=0,lte=100"`
}

type verifyDeviceRequest struct {
	Verified *bool `json:"verified" validate:"required"`
}

func NewDeviceHandler(fingerprints *services.FingerprintStore) *DeviceHandler {
	return &DeviceHandler{fingerprints: fingerprints}
}

// POST /api/devices/:id/suspicion
func (h *DeviceHandler) ReportSuspicion(c *gin.Context) {
	var body suspicionRequest
	if !bindAndValidate(c, &body) {
		return
	}

	device, err := h.fingerprints.IncrementSuspicion(requestContext(c), c.Param("id"), models.SuspicionKind(body.Kind), body.Delta)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, device)
}

// GET /api/admin/accounts/:id/devices
func (h *DeviceHandler) ListForAccount(c *gin.Context) {
	devices, err := h.fingerprints.ListForAccount(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, devices)
}

// GET /api/admin/devices/:id
func (h *DeviceHandler) Get(c *gin.Context) {
	device, err := h.fingerprints.Get(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, device)
}

// POST /api/admin/devices/:id/verify
func (h *DeviceHandler) Verify(c *gin.Context) {
	var body verifyDeviceRequest
	if !bindAndValidate(c, &body) {
		return
	}

	device, err := h.fingerprints.Verify(requestContext(c), c.Param("id"), *body.Verified, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, device)
}
