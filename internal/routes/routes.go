package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/autographhq/gatekeeper/internal/auth"
	"github.com/autographhq/gatekeeper/internal/config"
	"github.com/autographhq/gatekeeper/internal/handlers"
	"github.com/autographhq/gatekeeper/internal/idempotency"
	"github.com/autographhq/gatekeeper/internal/middleware"
)

// Deps carries everything the router needs wired in.
type Deps struct {
	Config           *config.Config
	Logger           *slog.Logger
	AuthHandler      *handlers.AuthHandler
	MFAHandler       *handlers.MFAHandler
	AuditHandler     *handlers.AuditHandler
	HealthHandler    *handlers.HealthHandler
	TokenManager     *auth.TokenManager
	RevocationCheck  auth.TokenRevocationChecker
	IdempotencyStore *idempotency.Store
}

// NewRouter builds the full middleware chain and route table. Order matters:
// idempotency replay must run before the edge limiter so a retried request
// that already succeeded never consumes limiter budget.
func NewRouter(deps Deps) chi.Router {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(chimiddleware.Timeout(60 * time.Second))
	router.Use(middleware.SecureLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{Env: deps.Config.Server.Env}))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(deps.Config.Server.AllowedOrigins)))
	router.Use(idempotency.Middleware(deps.IdempotencyStore, deps.Config.Idempotency.MaxBodyBytes, deps.Logger))

	edgeLimit := middleware.RateLimitByIP(middleware.RateLimitConfig{
		RequestsPerMinute: deps.Config.RateLimit.EdgePerMinute,
	})

	router.Get("/health", deps.HealthHandler.Check)

	// Public routes. Login carries its own failed-attempt limiter inside the
	// service; register and refresh only get the coarse edge limit.
	router.Post("/login", deps.AuthHandler.Login)
	router.With(edgeLimit).Post("/register", deps.AuthHandler.Register)
	router.With(edgeLimit).Post("/refresh", deps.AuthHandler.RefreshToken)
	router.With(edgeLimit).Post("/verify-email", deps.AuthHandler.VerifyEmail)

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(deps.TokenManager, deps.RevocationCheck))

		r.Post("/logout", deps.AuthHandler.Logout)
		r.Post("/mfa/setup", deps.MFAHandler.Setup)
		r.Post("/mfa/enable", deps.MFAHandler.Enable)

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole("admin"))
			r.Get("/admin/audit-logs", deps.AuditHandler.List)
			r.Get("/admin/audit-logs/export/csv", deps.AuditHandler.ExportCSV)
			r.Get("/admin/audit-logs/export/json", deps.AuditHandler.ExportJSON)
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"Resource not found"}`))
	})

	return router
}
