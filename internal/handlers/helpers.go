package handlers

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/internal/services"
	"github.com/relaypanel/backend/internal/store"
	"github.com/relaypanel/backend/pkg/logger"
	"github.com/relaypanel/backend/pkg/utils"
)

const (
	mfaChallengePrefix = "mfa:"
	// A second-factor challenge outlives wrong codes but not the clock.
	mfaChallengeTTL = 5 * time.Minute
)

// mfaChallenge is the store payload between a verified primary factor and a
// verified second factor. It carries everything needed to resume the exact
// finalize step: the originating method so the audit trail records how the
// login began, the client context it was issued under, and any pass-through
// metadata from an OAuth primary. The session is not issued until the
// challenge is consumed.
type mfaChallenge struct {
	UserID    uuid.UUID          `json:"userID"`
	Email     string             `json:"email"`
	Method    models.LoginMethod `json:"method"`
	Remember  bool               `json:"remember"`
	IPAddress string             `json:"ipAddress"`
	UserAgent string             `json:"userAgent"`
	Meta      map[string]string  `json:"meta,omitempty"`
}

func getRequestID(c *fiber.Ctx) string {
	if id := c.Locals("requestID"); id != nil {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

func parseUUID(raw string) (uuid.UUID, error) {
	return uuid.Parse(raw)
}

func issueMFAChallenge(c *fiber.Ctx, st store.Store, user *models.User, method models.LoginMethod, remember bool, meta map[string]string) (string, error) {
	payload, err := json.Marshal(mfaChallenge{
		UserID:    user.ID,
		Email:     user.Email,
		Method:    method,
		Remember:  remember,
		IPAddress: c.IP(),
		UserAgent: c.Get("User-Agent"),
		Meta:      meta,
	})
	if err != nil {
		return "", err
	}

	token := utils.RandomHex(32)
	if err := st.Set(c.Context(), mfaChallengePrefix+token, payload, mfaChallengeTTL); err != nil {
		return "", err
	}
	return token, nil
}

// finishPrimaryFactor is the single decision point every verified primary
// factor (password, OAuth, passkey) runs through. Account expiry hard-fails
// here, before any second-factor work, so an expired account cannot burn a
// backup code. Active 2FA without a valid trusted-device token yields a
// challenge instead of a session.
func finishPrimaryFactor(c *fiber.Ctx, db *gorm.DB, st store.Store, sessions *services.SessionService, devices *services.TrustedDeviceService, logs *services.LoginLogService, user *models.User, method models.LoginMethod, remember bool, trustToken string, meta map[string]string) error {
	if user.IsExpired() {
		logs.Record(models.LoginLog{
			UserID:    &user.ID,
			Email:     user.Email,
			Method:    method,
			Success:   false,
			Reason:    "account_expired",
			IPAddress: c.IP(),
			UserAgent: c.Get("User-Agent"),
		})
		return utils.Error(c, fiber.StatusForbidden, "account has expired")
	}

	if user.TwoFactorStatus() == models.TwoFactorActive {
		if trustToken != "" {
			trusted, err := devices.Validate(user.ID, trustToken)
			if err != nil {
				return utils.Error(c, fiber.StatusInternalServerError, "failed validating trusted device")
			}
			if trusted {
				return completeLogin(c, db, sessions, logs, user, models.LoginMethodTrustedDevice, remember, nil)
			}
		}

		challengeToken, err := issueMFAChallenge(c, st, user, method, remember, meta)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed creating challenge")
		}
		return utils.Success(c, fiber.StatusOK, fiber.Map{
			"twoFactorRequired": true,
			"challengeToken":    challengeToken,
		})
	}

	return completeLogin(c, db, sessions, logs, user, method, remember, nil)
}

// completeLogin is the single exit point of every successful credential
// path: password, second factor, passkey, OAuth and trusted device all
// funnel through here. Account expiry is rechecked at the door so no path
// can skip it.
func completeLogin(c *fiber.Ctx, db *gorm.DB, sessions *services.SessionService, logs *services.LoginLogService, user *models.User, method models.LoginMethod, remember bool, extra fiber.Map) error {
	if user.IsExpired() {
		logs.Record(models.LoginLog{
			UserID:    &user.ID,
			Email:     user.Email,
			Method:    method,
			Success:   false,
			Reason:    "account_expired",
			IPAddress: c.IP(),
			UserAgent: c.Get("User-Agent"),
		})
		return utils.Error(c, fiber.StatusForbidden, "account has expired")
	}

	now := time.Now()
	if err := db.Model(user).Updates(map[string]interface{}{
		"last_login_at": now,
		"last_login_ip": c.IP(),
	}).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating login state")
	}

	token, err := sessions.Issue(c.Context(), user, remember)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating session")
	}

	logs.Record(models.LoginLog{
		UserID:    &user.ID,
		Email:     user.Email,
		Method:    method,
		Success:   true,
		IPAddress: c.IP(),
		UserAgent: c.Get("User-Agent"),
	})

	logger.InfoWithUser(user.ID.String(), "user_login", map[string]interface{}{
		"method":     string(method),
		"ip":         c.IP(),
		"request_id": getRequestID(c),
	})

	payload := fiber.Map{
		"token": token,
		"user":  user,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return utils.Success(c, fiber.StatusOK, payload)
}
