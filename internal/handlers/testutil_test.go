package handlers

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"

	"github.com/relaypanel/backend/internal/config"
	"github.com/relaypanel/backend/internal/database"
	"github.com/relaypanel/backend/internal/middleware"
	"github.com/relaypanel/backend/internal/models"
	"github.com/relaypanel/backend/internal/services"
	"github.com/relaypanel/backend/internal/store"
	"github.com/relaypanel/backend/pkg/logger"
	"github.com/relaypanel/backend/pkg/utils"
)

type testEnv struct {
	app       *fiber.App
	db        *gorm.DB
	store     *store.MemoryStore
	sessions  *services.SessionService
	twoFactor *services.TwoFactorService
	devices   *services.TrustedDeviceService
	logs      *services.LoginLogService
	oauth     *services.OAuthService
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret")
		utils.ConfigureEncryption("test-secret")
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	memStore := store.NewMemoryStore()
	t.Cleanup(memStore.Close)

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          "localhost",
		RPDisplayName: "Relay Panel Test",
		RPOrigins:     []string{"http://localhost:3001"},
	})
	if err != nil {
		t.Fatalf("failed initializing webauthn: %v", err)
	}

	emailSender := &services.LogSender{}
	sessionService := services.NewSessionService(memStore)
	twoFactorService := services.NewTwoFactorService(db)
	trustedDeviceService := services.NewTrustedDeviceService(db)
	loginLogService := services.NewLoginLogService(db)
	oauthService := services.NewOAuthService(db, memStore, emailSender, config.SSOConfig{
		Google: config.OAuthProviderConfig{Enabled: true, ClientID: "test-google-client"},
		GitHub: config.OAuthProviderConfig{Enabled: true, ClientID: "test-github-client", ClientSecret: "test-github-secret"},
	})

	authHandler := NewAuthHandler(db, memStore, sessionService, twoFactorService, trustedDeviceService, loginLogService, emailSender)
	mfaHandler := NewMFAHandler(db, memStore, sessionService, twoFactorService, trustedDeviceService, loginLogService)
	webauthnHandler := NewWebAuthnHandler(db, wa, memStore, sessionService, trustedDeviceService, loginLogService)
	oauthHandler := NewOAuthHandler(db, memStore, oauthService, sessionService, trustedDeviceService, loginLogService)
	deviceHandler := NewTrustedDeviceHandler(trustedDeviceService)
	inviteHandler := NewInviteHandler(db)

	authMiddleware := middleware.NewAuthMiddleware(db, sessionService)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS("http://localhost:3001"))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/register", authHandler.Register)
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Post("/login/2fa", mfaHandler.VerifyChallenge)
	authRoutes.Post("/logout", authMiddleware.RequireAuth, authHandler.Logout)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Put("/password", authMiddleware.RequireAuth, authHandler.ChangePassword)
	authRoutes.Get("/login-logs", authMiddleware.RequireAuth, authHandler.ListLoginLogs)

	authRoutes.Post("/google", oauthHandler.GoogleLogin)
	authRoutes.Post("/github", oauthHandler.GitHubLogin)
	authRoutes.Post("/oauth/complete", oauthHandler.CompleteRegistration)

	mfaRoutes := api.Group("/mfa", authMiddleware.RequireAuth)
	mfaRoutes.Get("/status", mfaHandler.Status)
	mfaRoutes.Post("/setup", mfaHandler.Setup)
	mfaRoutes.Post("/confirm", mfaHandler.Confirm)
	mfaRoutes.Post("/disable", mfaHandler.Disable)
	mfaRoutes.Post("/backup-codes", mfaHandler.RegenerateBackupCodes)

	passkeyRoutes := api.Group("/passkeys")
	passkeyRoutes.Post("/register/begin", authMiddleware.RequireAuth, webauthnHandler.RegisterBegin)
	passkeyRoutes.Post("/register/finish", authMiddleware.RequireAuth, webauthnHandler.RegisterFinish)
	passkeyRoutes.Post("/login/begin", webauthnHandler.LoginBegin)
	passkeyRoutes.Post("/login/finish", webauthnHandler.LoginFinish)
	passkeyRoutes.Get("/", authMiddleware.RequireAuth, webauthnHandler.List)
	passkeyRoutes.Put("/:id", authMiddleware.RequireAuth, webauthnHandler.Rename)
	passkeyRoutes.Delete("/:id", authMiddleware.RequireAuth, webauthnHandler.Delete)

	deviceRoutes := api.Group("/trusted-devices", authMiddleware.RequireAuth)
	deviceRoutes.Get("/", deviceHandler.List)
	deviceRoutes.Delete("/:id", deviceHandler.Revoke)
	deviceRoutes.Delete("/", deviceHandler.RevokeAll)

	inviteRoutes := api.Group("/invites", authMiddleware.RequireAuth, middleware.AdminOnly)
	inviteRoutes.Post("/", inviteHandler.Create)
	inviteRoutes.Get("/", inviteHandler.List)
	inviteRoutes.Patch("/:id", inviteHandler.Update)

	return &testEnv{
		app:       app,
		db:        db,
		store:     memStore,
		sessions:  sessionService,
		twoFactor: twoFactorService,
		devices:   trustedDeviceService,
		logs:      loginLogService,
		oauth:     oauthService,
	}
}

func createTestUser(t *testing.T, env *testEnv, email, password string, role models.UserRole) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	user := &models.User{
		Email:             email,
		Username:          usernameFromEmail(email),
		PasswordHash:      hash,
		Role:              role,
		SubscriptionToken: utils.RandomHex(16),
	}
	if err := env.db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := env.sessions.Issue(t.Context(), user, false)
	if err != nil {
		t.Fatalf("failed issuing session: %v", err)
	}

	return user, token
}

func usernameFromEmail(email string) string {
	for i := 0; i < len(email); i++ {
		if email[i] == '@' {
			return email[:i]
		}
	}
	return email
}

// enableTOTP walks the real setup and confirm flow and returns the shared
// secret plus the plaintext backup codes.
func enableTOTP(t *testing.T, env *testEnv, token string) (string, []string) {
	t.Helper()

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/mfa/setup", map[string]interface{}{}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	body := decodeJSONMap(t, resp)
	data := body["data"].(map[string]interface{})
	secret := data["secret"].(string)
	if secret == "" {
		t.Fatal("expected non-empty secret")
	}

	code := totpCode(t, secret)
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/mfa/confirm", map[string]interface{}{
		"code": code,
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	body = decodeJSONMap(t, resp)
	data = body["data"].(map[string]interface{})
	rawCodes := data["backupCodes"].([]interface{})

	codes := make([]string, len(rawCodes))
	for i, rc := range rawCodes {
		codes[i] = rc.(string)
	}
	return secret, codes
}

func totpCode(t *testing.T, secret string) string {
	t.Helper()

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("failed generating TOTP code: %v", err)
	}
	return code
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
