package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/relaypanel/backend/internal/middleware"
	"github.com/relaypanel/backend/internal/services"
	"github.com/relaypanel/backend/pkg/utils"
)

type TrustedDeviceHandler struct {
	Devices *services.TrustedDeviceService
}

func NewTrustedDeviceHandler(devices *services.TrustedDeviceService) *TrustedDeviceHandler {
	return &TrustedDeviceHandler{Devices: devices}
}

func (h *TrustedDeviceHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	devices, err := h.Devices.List(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing trusted devices")
	}

	return utils.Success(c, fiber.StatusOK, devices)
}

func (h *TrustedDeviceHandler) Revoke(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	deviceID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid device ID")
	}

	if err := h.Devices.Revoke(user.ID, deviceID); err != nil {
		if errors.Is(err, services.ErrTrustedDeviceNotFound) {
			return utils.Error(c, fiber.StatusNotFound, "trusted device not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed revoking trusted device")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "trusted device revoked"})
}

func (h *TrustedDeviceHandler) RevokeAll(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	if err := h.Devices.RevokeAll(user.ID); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed revoking trusted devices")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "all trusted devices revoked"})
}
