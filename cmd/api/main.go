package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autographhq/gatekeeper/internal/audit"
	"github.com/autographhq/gatekeeper/internal/auth"
	"github.com/autographhq/gatekeeper/internal/background"
	"github.com/autographhq/gatekeeper/internal/cache"
	"github.com/autographhq/gatekeeper/internal/config"
	"github.com/autographhq/gatekeeper/internal/database"
	"github.com/autographhq/gatekeeper/internal/handlers"
	"github.com/autographhq/gatekeeper/internal/idempotency"
	"github.com/autographhq/gatekeeper/internal/models"
	"github.com/autographhq/gatekeeper/internal/ratelimit"
	"github.com/autographhq/gatekeeper/internal/repositories"
	"github.com/autographhq/gatekeeper/internal/routes"
	"github.com/autographhq/gatekeeper/internal/services"
	pkgauth "github.com/autographhq/gatekeeper/pkg/auth"
	pkghttp "github.com/autographhq/gatekeeper/pkg/http"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Run migrations before opening the pool
	if err := database.Migrate(cfg.Database.DSN()); err != nil {
		logger.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize shared Redis store
	store, err := cache.NewStore(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	revokeRepo := repositories.NewTokenRevocationRepository(db)
	emailVerificationRepo := repositories.NewEmailVerificationRepository(db)
	mfaRepo := repositories.NewMFARepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)

	// Initialize cleanup manager
	cleanupManager := background.NewCleanupManager(
		revokeRepo,
		emailVerificationRepo,
		mfaRepo,
		auditRepo,
		cfg.Audit.RetentionDays,
		logger,
		cfg.Auth.CleanupInterval,
	)

	// Initialize token manager
	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}

	// Gatekeeper services on the shared Redis store
	auditor := audit.NewService(auditRepo, ipConfig, logger)
	limiter := ratelimit.NewLimiter(store, ratelimit.Config{
		MaxFailures: cfg.RateLimit.LoginMaxFailures,
		Window:      cfg.RateLimit.LoginWindow,
	}, logger)
	idempotencyStore := idempotency.NewStore(store, cfg.Idempotency.TTL, cfg.Idempotency.PendingTimeout)

	// AWS SES email service
	emailService, err := services.NewAWSSESEmailService(
		cfg.Email.AWSRegion,
		cfg.Email.FromAddress,
		cfg.Email.VerificationURLBase,
		logger,
	)
	if err != nil {
		logger.Error("failed to initialize email service", slog.Any("error", err))
		os.Exit(1)
	}

	// Email verification service
	emailVerificationService := services.NewEmailVerificationService(
		emailVerificationRepo,
		userRepo,
		emailService,
		auditor,
		logger,
		time.Duration(cfg.Email.TokenExpiryHours)*time.Hour,
	)

	// MFA service
	totpManager := auth.NewTOTPManager(cfg.Auth.MFAIssuer)
	mfaService := services.NewMFAService(mfaRepo, userRepo, totpManager, auditor, logger)

	// Auth service
	authService := services.NewAuthService(
		userRepo,
		revokeRepo,
		tokenManager,
		limiter,
		mfaService,
		emailVerificationService,
		auditor,
		logger,
	)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService, emailVerificationService, ipConfig)
	mfaHandler := handlers.NewMFAHandler(mfaService, ipConfig)
	auditHandler := handlers.NewAuditHandler(auditor)
	healthHandler := handlers.NewHealthHandler(db, store)

	// Bootstrap first admin user if configured
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminUser(ctx, userRepo, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	cancel()

	router := routes.NewRouter(routes.Deps{
		Config:           cfg,
		Logger:           logger,
		AuthHandler:      authHandler,
		MFAHandler:       mfaHandler,
		AuditHandler:     auditHandler,
		HealthHandler:    healthHandler,
		TokenManager:     tokenManager,
		RevocationCheck:  revokeRepo,
		IdempotencyStore: idempotencyStore,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// ensureAdminUser creates the first admin user if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminUser(ctx context.Context, userRepo *repositories.UserRepository, logger *slog.Logger) error {
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	_, err := userRepo.GetByEmail(ctx, adminEmail)
	if err == nil {
		logger.Info("admin user already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	hashedPassword, err := pkgauth.HashPassword(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	admin := &models.User{
		Email:         adminEmail,
		PasswordHash:  hashedPassword,
		Name:          "Admin",
		Role:          "admin",
		Status:        "active",
		EmailVerified: true,
	}

	if _, err := userRepo.Create(ctx, admin); err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logger.Info("admin user created successfully")
	return nil
}
