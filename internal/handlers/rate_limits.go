package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/usageguard/internal/services"
	"github.com/charlesng35/usageguard/pkg/response"
)

// RateLimitHandler serves the admin console for the rate limit configuration and the quota ledger.
type RateLimitHandler struct {
	configs *services.RateLimitConfigService
	ledger  *services.QuotaLedger
}

type resetUsageRequest struct {
	Date string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

type usageBlockRequest struct {
	Date    string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Blocked *bool  `json:"blocked" validate:"required"`
	Reason  string `json:"reason" validate:"max=500"`
}

func NewRateLimitHandler(configs *services.RateLimitConfigService, ledger *services.QuotaLedger) *RateLimitHandler {
	return &RateLimitHandler{configs: configs, ledger: ledger}
}

// GET /api/admin/rate-limits/config
func (h *RateLimitHandler) GetConfig(c *gin.Context) {
	cfg, err := h.configs.Current(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, cfg)
}

// PATCH /api/admin/rate-limits/config
//
// Only the supplied fields change; validation happens on the merged configuration.
func (h *RateLimitHandler) UpdateConfig(c *gin.Context) {
	var body services.RateLimitConfigUpdate
	if !bindAndValidate(c, &body) {
		return
	}

	cfg, err := h.configs.Update(requestContext(c), body, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, cfg)
}

// GET /api/admin/usage/stats?date=YYYY-MM-DD
func (h *RateLimitHandler) Stats(c *gin.Context) {
	stats, err := h.ledger.Stats(requestContext(c), strings.TrimSpace(c.Query("date")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, stats)
}

// GET /api/admin/accounts/:id/usage?date=YYYY-MM-DD
func (h *RateLimitHandler) AccountUsage(c *gin.Context) {
	record, err := h.ledger.Usage(requestContext(c), c.Param("id"), strings.TrimSpace(c.Query("date")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, record)
}

// POST /api/admin/accounts/:id/usage/reset
func (h *RateLimitHandler) ResetAccount(c *gin.Context) {
	var body resetUsageRequest
	if c.Request.ContentLength > 0 && !bindAndValidate(c, &body) {
		return
	}

	record, err := h.ledger.ResetForAccount(requestContext(c), c.Param("id"), body.Date, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"reset": record != nil, "record": record})
}

// POST /api/admin/accounts/:id/usage/block
func (h *RateLimitHandler) SetBlocked(c *gin.Context) {
	var body usageBlockRequest
	if !bindAndValidate(c, &body) {
		return
	}

	record, err := h.ledger.SetBlocked(requestContext(c), c.Param("id"), body.Date, *body.Blocked, body.Reason, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, record)
}
