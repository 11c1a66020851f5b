package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/autographhq/gatekeeper/internal/auth"
	"github.com/autographhq/gatekeeper/internal/models"
	"github.com/autographhq/gatekeeper/internal/ratelimit"
	"github.com/autographhq/gatekeeper/internal/services"
	pkghttp "github.com/autographhq/gatekeeper/pkg/http"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Login(ctx context.Context, meta services.RequestMeta, email, password, totpCode string) (*services.AuthResponse, error)
	Register(ctx context.Context, meta services.RequestMeta, email, password, name string) (*services.UserResponse, error)
	RefreshToken(ctx context.Context, meta services.RequestMeta, refreshToken string) (*services.AuthResponse, error)
	Logout(ctx context.Context, meta services.RequestMeta, claims *models.TokenClaims) error
}

// EmailVerificationServiceInterface defines the interface for email verification
type EmailVerificationServiceInterface interface {
	VerifyEmail(ctx context.Context, meta services.RequestMeta, plainToken string) (string, error)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service             AuthServiceInterface
	verificationService EmailVerificationServiceInterface
	ipConfig            *pkghttp.IPConfig
}

func NewAuthHandler(service AuthServiceInterface, verificationService EmailVerificationServiceInterface, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		service:             service,
		verificationService: verificationService,
		ipConfig:            ipConfig,
	}
}

// Request DTOs

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	TOTPCode string `json:"totp_code" validate:"omitempty,max=16"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"required,min=1,max=255"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type VerifyEmailRequest struct {
	Token string `json:"token" validate:"required"`
}

// requestMeta extracts the client identity for rate limiting and auditing
func (h *AuthHandler) requestMeta(r *http.Request) services.RequestMeta {
	return services.RequestMeta{
		IP:        pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: r.Header.Get("User-Agent"),
	}
}

// Login handles user login. Blocked IPs get 429 before credentials are ever
// checked; all account-state failures share one generic 401.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	authResp, err := h.service.Login(r.Context(), h.requestMeta(r), req.Email, req.Password, req.TOTPCode)
	if err != nil {
		var blocked *ratelimit.BlockedError
		switch {
		case errors.As(err, &blocked):
			pkghttp.WriteRateLimited(w, blocked.RetryAfter)
		case errors.Is(err, models.ErrMFARequired):
			pkghttp.WriteError(w, http.StatusUnauthorized, "mfa_required", "Multi-factor authentication code required")
		case errors.Is(err, models.ErrUnauthorized),
			errors.Is(err, models.ErrMFAInvalidCode),
			errors.Is(err, models.ErrAccountDisabled),
			errors.Is(err, models.ErrAccountSuspended),
			errors.Is(err, models.ErrEmailNotVerified):
			// One body for every credential and account-state failure
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, authResp)
}

// Register handles user registration
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	user, err := h.service.Register(r.Context(), h.requestMeta(r), req.Email, req.Password, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteConflict(w, "Email is already registered")
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteBadRequest(w, err.Error())
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user":    user,
		"message": "Registration successful. Check your email to verify your account.",
	})
}

// RefreshToken handles token refresh
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	authResp, err := h.service.RefreshToken(r.Context(), h.requestMeta(r), req.RefreshToken)
	if err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			pkghttp.WriteUnauthorized(w, "Authentication failed")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, authResp)
}

// Logout revokes the presented access token. Requires auth middleware.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	if err := h.service.Logout(r.Context(), h.requestMeta(r), claims); err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			pkghttp.WriteUnauthorized(w, "Authentication failed")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// VerifyEmail consumes an emailed verification token
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if _, err := h.verificationService.VerifyEmail(r.Context(), h.requestMeta(r), req.Token); err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			pkghttp.WriteUnauthorized(w, "Invalid or expired verification token")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Email verified successfully. You can now log in.",
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
