package handlers

import (
	"errors"
	"net/mail"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/relaypanel/backend/internal/middleware"
	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/internal/services"
	"github.com/relaypanel/backend/internal/store"
	"github.com/relaypanel/backend/pkg/logger"
	"github.com/relaypanel/backend/pkg/utils"
)

type AuthHandler struct {
	DB             *gorm.DB
	Store          store.Store
	Sessions       *services.SessionService
	TwoFactor      *services.TwoFactorService
	TrustedDevices *services.TrustedDeviceService
	LoginLogs      *services.LoginLogService
	Email          services.EmailSender
}

func NewAuthHandler(db *gorm.DB, st store.Store, sessions *services.SessionService, twoFactor *services.TwoFactorService, devices *services.TrustedDeviceService, logs *services.LoginLogService, email services.EmailSender) *AuthHandler {
	return &AuthHandler{
		DB:             db,
		Store:          st,
		Sessions:       sessions,
		TwoFactor:      twoFactor,
		TrustedDevices: devices,
		LoginLogs:      logs,
		Email:          email,
	}
}

type registerRequest struct {
	Email      string `json:"email"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	InviteCode string `json:"inviteCode"`
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Username = strings.TrimSpace(req.Username)

	if _, err := mail.ParseAddress(req.Email); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid email")
	}
	if len(req.Password) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "password must be at least 8 characters")
	}
	if len(req.Username) < 3 {
		return utils.Error(c, fiber.StatusBadRequest, "username must be at least 3 characters")
	}

	var existing models.User
	if err := h.DB.First(&existing, "email = ? OR username = ?", req.Email, req.Username).Error; err == nil {
		return utils.Error(c, fiber.StatusConflict, "email or username already registered")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking existing user")
	}

	passwordHash, err := utils.HashPassword(req.Password)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to hash password")
	}

	user := models.User{
		Email:             req.Email,
		Username:          req.Username,
		PasswordHash:      passwordHash,
		Role:              models.UserRoleUser,
		SubscriptionToken: utils.RandomHex(16),
	}

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if req.InviteCode != "" {
			if err := services.ConsumeInviteCode(tx, req.InviteCode); err != nil {
				return err
			}
			code := strings.TrimSpace(req.InviteCode)
			user.InviteCode = &code
		}
		return tx.Create(&user).Error
	})
	if err != nil {
		if errors.Is(err, services.ErrInviteCodeInvalid) {
			return utils.Error(c, fiber.StatusBadRequest, "invite code is invalid or exhausted")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed creating user")
	}

	logger.Info("user_registered", map[string]interface{}{
		"user_id": user.ID.String(),
		"email":   user.Email,
	})
	services.SendWelcomeEmail(h.Email, user.Email, user.Username)

	token, err := h.Sessions.Issue(c.Context(), &user, false)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating session")
	}

	return utils.Success(c, fiber.StatusCreated, fiber.Map{"token": token, "user": user})
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	Remember   bool   `json:"remember"`
	TrustToken string `json:"trustToken"`
}

// Login runs the password stage. Accounts with an active second factor get a
// short-lived challenge token instead of a session unless a valid trusted
// device token accompanies the request.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	if req.Email == "" || req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email and password are required")
	}

	var user models.User
	if err := h.DB.First(&user, "email = ?", req.Email).Error; err != nil {
		h.LoginLogs.Record(models.LoginLog{
			Email:     req.Email,
			Method:    models.LoginMethodPassword,
			Success:   false,
			Reason:    "user_not_found",
			IPAddress: c.IP(),
			UserAgent: c.Get("User-Agent"),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	if !utils.CheckPassword(req.Password, user.PasswordHash) {
		h.LoginLogs.Record(models.LoginLog{
			UserID:    &user.ID,
			Email:     req.Email,
			Method:    models.LoginMethodPassword,
			Success:   false,
			Reason:    "invalid_password",
			IPAddress: c.IP(),
			UserAgent: c.Get("User-Agent"),
		})
		logger.Warn("login_failed_invalid_password", map[string]interface{}{
			"user_id": user.ID.String(),
			"ip":      c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	return finishPrimaryFactor(c, h.DB, h.Store, h.Sessions, h.TrustedDevices, h.LoginLogs, &user, models.LoginMethodPassword, req.Remember, req.TrustToken, nil)
}

// Logout deletes the session mirror. The JWT is not touched; it simply
// stops validating.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	if err := h.Sessions.Revoke(c.Context(), middleware.GetSessionToken(c)); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed revoking session")
	}

	logger.InfoWithUser(user.ID.String(), "user_logout", nil)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "logged out"})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"user":            user,
		"twoFactorStatus": user.TwoFactorStatus(),
	})
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if len(req.NewPassword) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "newPassword must be at least 8 characters")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", currentUser.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading user")
	}

	if !utils.CheckPassword(req.OldPassword, user.PasswordHash) {
		return utils.Error(c, fiber.StatusBadRequest, "oldPassword is incorrect")
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed hashing password")
	}

	if err := h.DB.Model(&models.User{}).Where("id = ?", user.ID).Update("password_hash", hash).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating password")
	}

	logger.InfoWithUser(user.ID.String(), "password_changed", nil)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "password updated"})
}

// ListLoginLogs returns the caller's own authentication history.
func (h *AuthHandler) ListLoginLogs(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	p := utils.ParsePagination(c)
	logs, total, err := h.LoginLogs.ListForUser(user.ID, p)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing login logs")
	}

	return utils.Paginated(c, logs, p.Page, p.Limit, total)
}
