package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/relaypanel/backend/internal/config"
	"github.com/relaypanel/backend/internal/database"
	"github.com/relaypanel/backend/internal/handlers"
	"github.com/relaypanel/backend/internal/middleware"
	"github.com/relaypanel/backend/internal/services"
	"github.com/relaypanel/backend/internal/store"
	"github.com/relaypanel/backend/pkg/logger"
	"github.com/relaypanel/backend/pkg/utils"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret)
	utils.ConfigureEncryption(cfg.JWT.Secret)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	var challengeStore store.Store
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		challengeStore = store.NewRedisStore(client)
	} else {
		memStore := store.NewMemoryStore()
		defer memStore.Close()
		challengeStore = memStore
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		log.Fatalf("webauthn initialization failed: %v", err)
	}

	emailSender := services.NewEmailSender(cfg.SMTP)
	sessionService := services.NewSessionService(challengeStore)
	twoFactorService := services.NewTwoFactorService(db)
	trustedDeviceService := services.NewTrustedDeviceService(db)
	loginLogService := services.NewLoginLogService(db)
	oauthService := services.NewOAuthService(db, challengeStore, emailSender, cfg.SSO)

	authHandler := handlers.NewAuthHandler(db, challengeStore, sessionService, twoFactorService, trustedDeviceService, loginLogService, emailSender)
	mfaHandler := handlers.NewMFAHandler(db, challengeStore, sessionService, twoFactorService, trustedDeviceService, loginLogService)
	webauthnHandler := handlers.NewWebAuthnHandler(db, wa, challengeStore, sessionService, trustedDeviceService, loginLogService)
	oauthHandler := handlers.NewOAuthHandler(db, challengeStore, oauthService, sessionService, trustedDeviceService, loginLogService)
	deviceHandler := handlers.NewTrustedDeviceHandler(trustedDeviceService)
	inviteHandler := handlers.NewInviteHandler(db)

	authMiddleware := middleware.NewAuthMiddleware(db, sessionService)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.FrontendURL))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

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

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
