package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/relaypanel/backend/internal/middleware"
	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/pkg/logger"
	"github.com/relaypanel/backend/pkg/utils"
)

// InviteHandler mints and lists the invite codes that registration redeems.
// Admin only.
type InviteHandler struct {
	DB *gorm.DB
}

func NewInviteHandler(db *gorm.DB) *InviteHandler {
	return &InviteHandler{DB: db}
}

type createInviteRequest struct {
	Code    string `json:"code"`
	MaxUses int    `json:"maxUses"`
}

func (h *InviteHandler) Create(c *fiber.Ctx) error {
	admin := middleware.GetCurrentUser(c)
	if admin == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req createInviteRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		req.Code = utils.RandomHex(8)
	}
	if len(req.Code) > 32 {
		return utils.Error(c, fiber.StatusBadRequest, "code must be at most 32 characters")
	}
	if req.MaxUses < 0 {
		return utils.Error(c, fiber.StatusBadRequest, "maxUses must not be negative")
	}

	invite := models.InviteCode{
		Code:    req.Code,
		OwnerID: &admin.ID,
		MaxUses: req.MaxUses,
	}
	if err := h.DB.Create(&invite).Error; err != nil {
		return utils.Error(c, fiber.StatusConflict, "code already exists")
	}

	logger.InfoWithUser(admin.ID.String(), "invite_code_created", map[string]interface{}{
		"code":     invite.Code,
		"max_uses": invite.MaxUses,
	})

	return utils.Success(c, fiber.StatusCreated, invite)
}

func (h *InviteHandler) List(c *fiber.Ctx) error {
	p := utils.ParsePagination(c)

	var total int64
	if err := h.DB.Model(&models.InviteCode{}).Count(&total).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing invite codes")
	}

	var invites []models.InviteCode
	if err := utils.ApplyPagination(h.DB.Order("created_at DESC"), p).Find(&invites).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing invite codes")
	}

	return utils.Paginated(c, invites, p.Page, p.Limit, total)
}

type updateInviteRequest struct {
	Disabled bool `json:"disabled"`
}

// Update toggles a code. Disabling takes effect on the next redemption
// attempt; past registrations are untouched.
func (h *InviteHandler) Update(c *fiber.Ctx) error {
	inviteID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid invite ID")
	}

	var req updateInviteRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	result := h.DB.Model(&models.InviteCode{}).
		Where("id = ?", inviteID).
		Update("disabled", req.Disabled)
	if result.Error != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating invite code")
	}
	if result.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusNotFound, "invite code not found")
	}

	var invite models.InviteCode
	h.DB.First(&invite, "id = ?", inviteID)

	return utils.Success(c, fiber.StatusOK, invite)
}
