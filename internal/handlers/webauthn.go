package handlers

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaypanel/backend/internal/middleware"
	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/internal/services"
	"github.com/relaypanel/backend/internal/store"
	"github.com/relaypanel/backend/pkg/logger"
	"github.com/relaypanel/backend/pkg/utils"
)

const (
	webauthnRegisterPrefix = "webauthn:register:"
	webauthnLoginPrefix    = "webauthn:login:"
	webauthnCeremonyTTL    = 5 * time.Minute
)

type WebAuthnHandler struct {
	DB             *gorm.DB
	WebAuthn       *webauthn.WebAuthn
	Store          store.Store
	Sessions       *services.SessionService
	TrustedDevices *services.TrustedDeviceService
	LoginLogs      *services.LoginLogService
}

func NewWebAuthnHandler(db *gorm.DB, wa *webauthn.WebAuthn, st store.Store, sessions *services.SessionService, devices *services.TrustedDeviceService, logs *services.LoginLogService) *WebAuthnHandler {
	return &WebAuthnHandler{DB: db, WebAuthn: wa, Store: st, Sessions: sessions, TrustedDevices: devices, LoginLogs: logs}
}

type webAuthnUser struct {
	user  models.User
	creds []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	b, _ := u.user.ID.MarshalBinary()
	return b
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.user.Email
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.user.Username
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

func (h *WebAuthnHandler) loadWebAuthnUser(userID uuid.UUID) (*webAuthnUser, error) {
	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		return nil, err
	}

	var dbCreds []models.WebAuthnCredential
	h.DB.Where("user_id = ?", userID).Find(&dbCreds)

	creds := make([]webauthn.Credential, len(dbCreds))
	for i, dc := range dbCreds {
		var transports []protocol.AuthenticatorTransport
		if dc.Transports != "" {
			var ts []string
			json.Unmarshal([]byte(dc.Transports), &ts)
			for _, t := range ts {
				transports = append(transports, protocol.AuthenticatorTransport(t))
			}
		}
		creds[i] = webauthn.Credential{
			ID:              dc.CredentialID,
			PublicKey:       dc.PublicKey,
			AttestationType: dc.AttestationType,
			Authenticator: webauthn.Authenticator{
				AAGUID:    dc.AAGUID,
				SignCount: dc.SignCount,
			},
			Transport: transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: dc.BackupEligible,
				BackupState:    dc.BackupState,
			},
		}
	}

	return &webAuthnUser{user: user, creds: creds}, nil
}

// RegisterBegin opens a passkey registration ceremony for the signed-in
// user. Starting a new ceremony replaces any unfinished one.
func (h *WebAuthnHandler) RegisterBegin(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	waUser, err := h.loadWebAuthnUser(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	options, session, err := h.WebAuthn.BeginRegistration(waUser)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin registration")
	}

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save ceremony")
	}
	if err := h.Store.Set(c.Context(), webauthnRegisterPrefix+user.ID.String(), sessionJSON, webauthnCeremonyTTL); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save ceremony")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"options": options})
}

type registerFinishRequest struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// RegisterFinish consumes the ceremony regardless of outcome; a failed
// attestation requires a fresh RegisterBegin.
func (h *WebAuthnHandler) RegisterFinish(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req registerFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		req.Name = "Passkey"
	}

	sessionJSON, err := h.Store.GetDelete(c.Context(), webauthnRegisterPrefix+user.ID.String())
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "no pending registration ceremony")
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(sessionJSON, &session); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load ceremony")
	}

	waUser, err := h.loadWebAuthnUser(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	parsedResponse, err := protocol.ParseCredentialCreationResponseBody(strings.NewReader(string(req.Response)))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential response")
	}

	credential, err := h.WebAuthn.CreateCredential(waUser, session, parsedResponse)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "failed to verify credential")
	}

	// Credential IDs are globally unique across all users; a duplicate
	// means this authenticator is already enrolled somewhere.
	var existing int64
	h.DB.Model(&models.WebAuthnCredential{}).Where("credential_id = ?", credential.ID).Count(&existing)
	if existing > 0 {
		return utils.Error(c, fiber.StatusConflict, "credential already registered")
	}

	var transportsJSON []byte
	if len(credential.Transport) > 0 {
		ts := make([]string, len(credential.Transport))
		for i, t := range credential.Transport {
			ts[i] = string(t)
		}
		transportsJSON, _ = json.Marshal(ts)
	}

	dbCred := models.WebAuthnCredential{
		UserID:          user.ID,
		CredentialID:    credential.ID,
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		AAGUID:          credential.Authenticator.AAGUID,
		RPID:            h.WebAuthn.Config.RPID,
		SignCount:       credential.Authenticator.SignCount,
		Name:            req.Name,
		Transports:      string(transportsJSON),
		BackupEligible:  credential.Flags.BackupEligible,
		BackupState:     credential.Flags.BackupState,
	}
	if err := h.DB.Create(&dbCred).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save credential")
	}

	logger.InfoWithUser(user.ID.String(), "passkey_registered", map[string]interface{}{
		"credential_id": dbCred.ID.String(),
		"name":          dbCred.Name,
	})

	return utils.Success(c, fiber.StatusCreated, fiber.Map{"credential": dbCred})
}

type loginBeginRequest struct {
	Email string `json:"email"`
}

// loginCeremony binds the pending assertion to the user it was issued for,
// so the finish step verifies against that user's credentials only.
type loginCeremony struct {
	UserID  uuid.UUID            `json:"userID"`
	Session webauthn.SessionData `json:"session"`
}

// LoginBegin opens a passkey login ceremony for the account behind the given
// email. The challenge is scoped to that user's registered credential ids.
func (h *WebAuthnHandler) LoginBegin(c *fiber.Ctx) error {
	var req loginBeginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email is required")
	}

	var user models.User
	if err := h.DB.First(&user, "email = ?", req.Email).Error; err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "no passkeys registered for this account")
	}

	waUser, err := h.loadWebAuthnUser(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}
	if len(waUser.creds) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "no passkeys registered for this account")
	}

	options, session, err := h.WebAuthn.BeginLogin(waUser)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin passkey login")
	}

	ceremonyJSON, err := json.Marshal(loginCeremony{UserID: user.ID, Session: *session})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save ceremony")
	}

	ceremonyID := utils.RandomHex(16)
	if err := h.Store.Set(c.Context(), webauthnLoginPrefix+ceremonyID, ceremonyJSON, webauthnCeremonyTTL); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save ceremony")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"options":    options,
		"ceremonyID": ceremonyID,
	})
}

type loginFinishRequest struct {
	CeremonyID string          `json:"ceremonyID"`
	Remember   bool            `json:"remember"`
	TrustToken string          `json:"trustToken"`
	Response   json.RawMessage `json:"response"`
}

// LoginFinish verifies the assertion and issues a session. The ceremony is
// consumed up front: success and failure both burn it.
func (h *WebAuthnHandler) LoginFinish(c *fiber.Ctx) error {
	var req loginFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.CeremonyID == "" {
		return utils.Error(c, fiber.StatusBadRequest, "ceremonyID is required")
	}

	ceremonyJSON, err := h.Store.GetDelete(c.Context(), webauthnLoginPrefix+req.CeremonyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return utils.Error(c, fiber.StatusBadRequest, "no pending login ceremony")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load ceremony")
	}

	var ceremony loginCeremony
	if err := json.Unmarshal(ceremonyJSON, &ceremony); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load ceremony")
	}

	parsedResponse, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(string(req.Response)))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid assertion response")
	}

	waUser, err := h.loadWebAuthnUser(ceremony.UserID)
	if err != nil {
		h.LoginLogs.Record(models.LoginLog{
			Method:    models.LoginMethodPasskey,
			Success:   false,
			Reason:    "user_not_found",
			IPAddress: c.IP(),
			UserAgent: c.Get("User-Agent"),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	}

	credential, err := h.WebAuthn.ValidateLogin(waUser, ceremony.Session, parsedResponse)
	if err != nil {
		h.LoginLogs.Record(models.LoginLog{
			UserID:    &waUser.user.ID,
			Email:     waUser.user.Email,
			Method:    models.LoginMethodPasskey,
			Success:   false,
			Reason:    "assertion_failed",
			IPAddress: c.IP(),
			UserAgent: c.Get("User-Agent"),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	}

	reported := parsedResponse.Response.AuthenticatorData.Counter
	if err := h.applySignCount(c, &waUser.user, credential.ID, reported); err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	}

	// A passkey proves the primary factor only; active 2FA still gates the
	// session like any other login.
	return finishPrimaryFactor(c, h.DB, h.Store, h.Sessions, h.TrustedDevices, h.LoginLogs, &waUser.user, models.LoginMethodPasskey, req.Remember, req.TrustToken, nil)
}

// nextSignCount decides the counter update for an assertion. Both counters
// at zero means the authenticator does not implement counters. A reported
// value below the stored one indicates a cloned credential and is rejected;
// equal values are fine, some authenticators never increment.
func nextSignCount(stored, reported uint32) (uint32, bool) {
	if stored == 0 && reported == 0 {
		return 0, true
	}
	if reported < stored {
		return stored, false
	}
	return reported, true
}

// applySignCount persists the counter policy verdict. On regression the
// stored counter never decreases and the login fails with a security log.
func (h *WebAuthnHandler) applySignCount(c *fiber.Ctx, user *models.User, credentialID []byte, reported uint32) error {
	var stored models.WebAuthnCredential
	if err := h.DB.Where("user_id = ? AND credential_id = ?", user.ID, credentialID).First(&stored).Error; err != nil {
		return err
	}

	newCount, ok := nextSignCount(stored.SignCount, reported)
	if !ok {
		logger.WarnWithUser(user.ID.String(), "passkey_counter_regression", map[string]interface{}{
			"credential_id": stored.ID.String(),
			"stored_count":  stored.SignCount,
			"new_count":     reported,
			"ip":            c.IP(),
		})
		h.LoginLogs.Record(models.LoginLog{
			UserID:    &user.ID,
			Email:     user.Email,
			Method:    models.LoginMethodPasskey,
			Success:   false,
			Reason:    "counter_regression",
			IPAddress: c.IP(),
			UserAgent: c.Get("User-Agent"),
		})
		return errors.New("sign counter regression")
	}

	now := time.Now()
	return h.DB.Model(&stored).Updates(map[string]interface{}{
		"sign_count":   newCount,
		"last_used_at": now,
	}).Error
}

func (h *WebAuthnHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var creds []models.WebAuthnCredential
	h.DB.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&creds)

	return utils.Success(c, fiber.StatusOK, creds)
}

type renamePasskeyRequest struct {
	Name string `json:"name"`
}

func (h *WebAuthnHandler) Rename(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential ID")
	}

	var req renamePasskeyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return utils.Error(c, fiber.StatusBadRequest, "name is required")
	}

	result := h.DB.Model(&models.WebAuthnCredential{}).
		Where("id = ? AND user_id = ?", credID, user.ID).
		Update("name", req.Name)
	if result.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	}

	var cred models.WebAuthnCredential
	h.DB.First(&cred, "id = ?", credID)

	return utils.Success(c, fiber.StatusOK, cred)
}

func (h *WebAuthnHandler) Delete(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential ID")
	}

	var cred models.WebAuthnCredential
	if err := h.DB.First(&cred, "id = ? AND user_id = ?", credID, user.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	}

	if err := h.DB.Unscoped().Delete(&cred).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to delete passkey")
	}

	logger.InfoWithUser(user.ID.String(), "passkey_deleted", map[string]interface{}{
		"credential_id": credID.String(),
		"name":          cred.Name,
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "passkey removed"})
}
