package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/usageguard/internal/models"
	"github.com/charlesng35/usageguard/internal/services"
	"github.com/charlesng35/usageguard/pkg/errors"
	"github.com/charlesng35/usageguard/pkg/response"
)

type BlockHandler struct {
	blocks *services.BlockManager
}

type appealRequest struct {
	AccountID string `json:"account_id" validate:"max=64"`
	Reason    string `json:"reason" validate:"required,max=2000"`
}

type createBlockRequest struct {
	AccountID     string                `json:"account_id" validate:"required,max=64"`
	BlockType     string                `json:"block_type" validate:"required,oneof=TEMPORARY PERMANENT RESTRICTED"`
	Reason        string                `json:"reason" validate:"required,max=500"`
	DurationHours int                   `json:"duration_hours" validate:"gte=0,lte=87600"`
	Evidence      *models.BlockEvidence `json:"evidence"`
}

type unblockRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type reviewAppealRequest struct {
	Approved *bool  `json:"approved" validate:"required"`
	Notes    string `json:"notes" validate:"max=2000"`
}

func NewBlockHandler(blocks *services.BlockManager) *BlockHandler {
	return &BlockHandler{blocks: blocks}
}

// POST /api/blocks/:id/appeal
func (h *BlockHandler) Appeal(c *gin.Context) {
	var body appealRequest
	if !bindAndValidate(c, &body) {
		return
	}

	account := accountID(c, body.AccountID)
	if account == "" {
		response.Error(c, errors.NewBadRequest("account id is required"))
		return
	}

	block, err := h.blocks.FileAppeal(requestContext(c), c.Param("id"), account, body.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, block)
}

// GET /api/admin/blocks
func (h *BlockHandler) List(c *gin.Context) {
	filter := services.BlockFilter{
		AccountID: strings.TrimSpace(c.Query("account_id")),
		Status:    models.BlockStatus(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
		Type:      models.BlockType(strings.ToUpper(strings.TrimSpace(c.Query("type")))),
		Page:      parseIntQuery(c, "page", 1),
		PerPage:   parseIntQuery(c, "per_page", 20),
	}

	page, err := h.blocks.List(requestContext(c), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, page.Blocks, response.NewMeta(page.Page, page.PerPage, page.Total))
}

// GET /api/admin/blocks/:id
func (h *BlockHandler) Get(c *gin.Context) {
	block, err := h.blocks.Get(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, block)
}

// POST /api/admin/blocks
func (h *BlockHandler) Create(c *gin.Context) {
	var body createBlockRequest
	if !bindAndValidate(c, &body) {
		return
	}

	result, err := h.blocks.CreateBlock(requestContext(c), services.CreateBlockInput{
		AccountID: body.AccountID,
		BlockType: models.BlockType(body.BlockType),
		Reason:    body.Reason,
		Duration:  time.Duration(body.DurationHours) * time.Hour,
		Evidence:  body.Evidence,
	}, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	response.Success(c, status, result)
}

// POST /api/admin/blocks/:id/unblock
func (h *BlockHandler) Unblock(c *gin.Context) {
	var body unblockRequest
	if !bindAndValidate(c, &body) {
		return
	}

	block, err := h.blocks.AdminUnblock(requestContext(c), c.Param("id"), body.Reason, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, block)
}

// POST /api/admin/blocks/:id/appeal/review
func (h *BlockHandler) ReviewAppeal(c *gin.Context) {
	var body reviewAppealRequest
	if !bindAndValidate(c, &body) {
		return
	}

	block, err := h.blocks.ReviewAppeal(requestContext(c), c.Param("id"), *body.Approved, body.Notes, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, block)
}
