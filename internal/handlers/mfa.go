package handlers

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/relaypanel/backend/internal/middleware"
	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/internal/services"
	"github.com/relaypanel/backend/internal/store"
	"github.com/relaypanel/backend/pkg/logger"
	"github.com/relaypanel/backend/pkg/utils"
)

type MFAHandler struct {
	DB             *gorm.DB
	Store          store.Store
	Sessions       *services.SessionService
	TwoFactor      *services.TwoFactorService
	TrustedDevices *services.TrustedDeviceService
	LoginLogs      *services.LoginLogService
}

func NewMFAHandler(db *gorm.DB, st store.Store, sessions *services.SessionService, twoFactor *services.TwoFactorService, devices *services.TrustedDeviceService, logs *services.LoginLogService) *MFAHandler {
	return &MFAHandler{
		DB:             db,
		Store:          st,
		Sessions:       sessions,
		TwoFactor:      twoFactor,
		TrustedDevices: devices,
		LoginLogs:      logs,
	}
}

func (h *MFAHandler) Status(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var backupCodesLeft int
	if user.TwoFactorBackupCodes != "" {
		var hashes []string
		if err := json.Unmarshal([]byte(user.TwoFactorBackupCodes), &hashes); err == nil {
			backupCodesLeft = len(hashes)
		}
	}

	var passkeyCount int64
	h.DB.Model(&models.WebAuthnCredential{}).Where("user_id = ?", user.ID).Count(&passkeyCount)

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"status":          user.TwoFactorStatus(),
		"backupCodesLeft": backupCodesLeft,
		"passkeys":        passkeyCount,
	})
}

// Setup starts TOTP enrollment. The secret is returned once for the
// authenticator app; nothing is active until Confirm.
func (h *MFAHandler) Setup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	secret, uri, err := h.TwoFactor.BeginSetup(user)
	if err != nil {
		if errors.Is(err, services.ErrTwoFactorAlreadyEnabled) {
			return utils.Error(c, fiber.StatusConflict, "two-factor authentication is already enabled")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed to start two-factor setup")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"secret":          secret,
		"provisioningURI": uri,
	})
}

type confirmTwoFactorRequest struct {
	Code string `json:"code"`
}

func (h *MFAHandler) Confirm(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req confirmTwoFactorRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	codes, err := h.TwoFactor.ConfirmSetup(user, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTwoFactorAlreadyEnabled):
			return utils.Error(c, fiber.StatusConflict, "two-factor authentication is already enabled")
		case errors.Is(err, services.ErrTwoFactorNotPending):
			return utils.Error(c, fiber.StatusBadRequest, "two-factor setup has not been started")
		case errors.Is(err, services.ErrInvalidTwoFactorCode):
			return utils.Error(c, fiber.StatusBadRequest, "invalid two-factor code")
		default:
			return utils.Error(c, fiber.StatusInternalServerError, "failed to confirm two-factor setup")
		}
	}

	// Only moment the plaintext backup codes exist outside the client.
	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"backupCodes": codes,
	})
}

type disableTwoFactorRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

func (h *MFAHandler) Disable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req disableTwoFactorRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.TwoFactor.Disable(user, req.Password, req.Code); err != nil {
		switch {
		case errors.Is(err, services.ErrTwoFactorNotEnabled):
			return utils.Error(c, fiber.StatusBadRequest, "two-factor authentication is not enabled")
		case errors.Is(err, services.ErrInvalidPassword):
			return utils.Error(c, fiber.StatusBadRequest, "password is incorrect")
		case errors.Is(err, services.ErrInvalidTwoFactorCode):
			return utils.Error(c, fiber.StatusBadRequest, "invalid two-factor code")
		default:
			return utils.Error(c, fiber.StatusInternalServerError, "failed to disable two-factor authentication")
		}
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "two-factor authentication disabled"})
}

func (h *MFAHandler) RegenerateBackupCodes(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req disableTwoFactorRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	codes, err := h.TwoFactor.RegenerateBackupCodes(user, req.Password, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTwoFactorNotEnabled):
			return utils.Error(c, fiber.StatusBadRequest, "two-factor authentication is not enabled")
		case errors.Is(err, services.ErrInvalidPassword):
			return utils.Error(c, fiber.StatusBadRequest, "password is incorrect")
		case errors.Is(err, services.ErrInvalidTwoFactorCode):
			return utils.Error(c, fiber.StatusBadRequest, "invalid two-factor code")
		default:
			return utils.Error(c, fiber.StatusInternalServerError, "failed to regenerate backup codes")
		}
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"backupCodes": codes})
}

type verifyTwoFactorRequest struct {
	ChallengeToken string `json:"challengeToken"`
	Code           string `json:"code"`
	RememberDevice bool   `json:"rememberDevice"`
	DeviceName     string `json:"deviceName"`
}

// VerifyChallenge completes a login whose password stage demanded a second
// factor. A wrong code leaves the challenge alive for another try within its
// TTL; a correct code consumes it atomically so it cannot finish two logins.
func (h *MFAHandler) VerifyChallenge(c *fiber.Ctx) error {
	var req verifyTwoFactorRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.ChallengeToken == "" || req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "challengeToken and code are required")
	}

	data, err := h.Store.Get(c.Context(), mfaChallengePrefix+req.ChallengeToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return utils.Error(c, fiber.StatusUnauthorized, "challenge is invalid or expired")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading challenge")
	}

	var challenge mfaChallenge
	if err := json.Unmarshal(data, &challenge); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading challenge")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", challenge.UserID).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "challenge is invalid or expired")
	}

	factor, ok, err := h.TwoFactor.VerifyCode(&user, req.Code)
	if err != nil {
		if errors.Is(err, services.ErrTwoFactorNotEnabled) {
			return utils.Error(c, fiber.StatusUnauthorized, "challenge is invalid or expired")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed verifying code")
	}
	if !ok {
		h.LoginLogs.Record(models.LoginLog{
			UserID:    &user.ID,
			Email:     user.Email,
			Method:    challenge.Method,
			Success:   false,
			Reason:    "invalid_code",
			IPAddress: c.IP(),
			UserAgent: c.Get("User-Agent"),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid two-factor code")
	}

	// Consume after verification; losing this race means another request
	// already finished the login with this challenge.
	if _, err := h.Store.GetDelete(c.Context(), mfaChallengePrefix+req.ChallengeToken); err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "challenge is invalid or expired")
	}

	extra := fiber.Map{}
	if req.RememberDevice {
		name := req.DeviceName
		if name == "" {
			name = "Trusted device"
		}
		trustToken, device, err := h.TrustedDevices.Issue(&user, name, c.Get("User-Agent"))
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed issuing trusted device")
		}
		extra["trustToken"] = trustToken
		extra["trustTokenExpiresAt"] = device.ExpiresAt
	}

	// The login-log row keeps the method the login started with; the factor
	// that cleared the challenge goes to the action log.
	logger.InfoWithUser(user.ID.String(), "second_factor_verified", map[string]interface{}{
		"factor": string(factor),
		"ip":     c.IP(),
	})

	return completeLogin(c, h.DB, h.Sessions, h.LoginLogs, &user, challenge.Method, challenge.Remember, extra)
}
