package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/internal/services"
	"github.com/relaypanel/backend/internal/store"
	"github.com/relaypanel/backend/pkg/utils"
)

type OAuthHandler struct {
	DB             *gorm.DB
	Store          store.Store
	OAuth          *services.OAuthService
	Sessions       *services.SessionService
	TrustedDevices *services.TrustedDeviceService
	LoginLogs      *services.LoginLogService
}

func NewOAuthHandler(db *gorm.DB, st store.Store, oauth *services.OAuthService, sessions *services.SessionService, devices *services.TrustedDeviceService, logs *services.LoginLogService) *OAuthHandler {
	return &OAuthHandler{
		DB:             db,
		Store:          st,
		OAuth:          oauth,
		Sessions:       sessions,
		TrustedDevices: devices,
		LoginLogs:      logs,
	}
}

type googleLoginRequest struct {
	Credential string `json:"credential"`
	Remember   bool   `json:"remember"`
	TrustToken string `json:"trustToken"`
}

func (h *OAuthHandler) GoogleLogin(c *fiber.Ctx) error {
	var req googleLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Credential == "" {
		return utils.Error(c, fiber.StatusBadRequest, "credential is required")
	}

	profile, err := h.OAuth.VerifyGoogleIDToken(c.Context(), req.Credential)
	if err != nil {
		return h.oauthVerifyError(c, models.LoginMethodGoogle, err)
	}

	return h.resolveProfile(c, profile, req.Remember, req.TrustToken)
}

type githubLoginRequest struct {
	Code       string `json:"code"`
	Remember   bool   `json:"remember"`
	TrustToken string `json:"trustToken"`
}

func (h *OAuthHandler) GitHubLogin(c *fiber.Ctx) error {
	var req githubLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}

	profile, err := h.OAuth.ExchangeGitHubCode(c.Context(), req.Code)
	if err != nil {
		return h.oauthVerifyError(c, models.LoginMethodGitHub, err)
	}

	return h.resolveProfile(c, profile, req.Remember, req.TrustToken)
}

func (h *OAuthHandler) oauthVerifyError(c *fiber.Ctx, method models.LoginMethod, err error) error {
	switch {
	case errors.Is(err, services.ErrOAuthProviderDisabled):
		return utils.Error(c, fiber.StatusBadRequest, "provider is not enabled")
	case errors.Is(err, services.ErrOAuthEmailUnverified):
		h.LoginLogs.Record(models.LoginLog{
			Method:    method,
			Success:   false,
			Reason:    "email_unverified",
			IPAddress: c.IP(),
			UserAgent: c.Get("User-Agent"),
		})
		return utils.Error(c, fiber.StatusForbidden, "account has no verified email")
	case errors.Is(err, services.ErrOAuthTokenInvalid):
		h.LoginLogs.Record(models.LoginLog{
			Method:    method,
			Success:   false,
			Reason:    "token_invalid",
			IPAddress: c.IP(),
			UserAgent: c.Get("User-Agent"),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "could not verify identity")
	default:
		return utils.Error(c, fiber.StatusInternalServerError, "identity verification failed")
	}
}

// resolveProfile continues a verified identity: existing accounts log in
// (through the second factor when one is active), unknown identities get a
// short-lived registration token instead of an account.
func (h *OAuthHandler) resolveProfile(c *fiber.Ctx, profile *services.OAuthProfile, remember bool, trustToken string) error {
	user, pendingToken, err := h.OAuth.Authenticate(c.Context(), profile)
	if err != nil {
		if errors.Is(err, services.ErrOAuthAccountConflict) {
			h.LoginLogs.Record(models.LoginLog{
				Email:     profile.Email,
				Method:    profile.Provider,
				Success:   false,
				Reason:    "identity_conflict",
				IPAddress: c.IP(),
				UserAgent: c.Get("User-Agent"),
			})
			return utils.Error(c, fiber.StatusConflict, "email already linked to a different identity")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed resolving identity")
	}

	if pendingToken != "" {
		return utils.Success(c, fiber.StatusOK, fiber.Map{
			"registrationRequired": true,
			"registrationToken":    pendingToken,
			"email":                profile.Email,
		})
	}

	// An OAuth identity proves possession of the provider account, not of
	// the second factor; active 2FA still gates the session. Provider
	// details ride along so a deferred finalize keeps its origin.
	meta := map[string]string{"providerUserID": profile.ProviderUserID}
	if profile.Name != "" {
		meta["name"] = profile.Name
	}
	if profile.Login != "" {
		meta["login"] = profile.Login
	}

	return finishPrimaryFactor(c, h.DB, h.Store, h.Sessions, h.TrustedDevices, h.LoginLogs, user, profile.Provider, remember, trustToken, meta)
}

type completeRegistrationRequest struct {
	RegistrationToken string `json:"registrationToken"`
	InviteCode        string `json:"inviteCode"`
	Remember          bool   `json:"remember"`
}

// CompleteRegistration redeems a pending-registration token for a new
// account and a session.
func (h *OAuthHandler) CompleteRegistration(c *fiber.Ctx) error {
	var req completeRegistrationRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.RegistrationToken == "" {
		return utils.Error(c, fiber.StatusBadRequest, "registrationToken is required")
	}

	user, err := h.OAuth.CompleteRegistration(c.Context(), req.RegistrationToken, req.InviteCode)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrPendingRegistrationExpired):
			return utils.Error(c, fiber.StatusUnauthorized, "registration token is invalid or expired")
		case errors.Is(err, services.ErrInviteCodeInvalid):
			return utils.Error(c, fiber.StatusBadRequest, "invite code is invalid or exhausted")
		default:
			return utils.Error(c, fiber.StatusInternalServerError, "failed completing registration")
		}
	}

	method := models.LoginMethodGoogle
	if user.OAuthProvider != nil && *user.OAuthProvider == string(models.LoginMethodGitHub) {
		method = models.LoginMethodGitHub
	}

	return completeLogin(c, h.DB, h.Sessions, h.LoginLogs, user, method, req.Remember, nil)
}
