package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/autographhq/gatekeeper/internal/audit"
	"github.com/autographhq/gatekeeper/internal/auth"
	"github.com/autographhq/gatekeeper/internal/models"
	"github.com/autographhq/gatekeeper/internal/ratelimit"
	pkgauth "github.com/autographhq/gatekeeper/pkg/auth"
)

// RequestMeta carries the client identity extracted at the HTTP layer so
// services can attribute audit rows and rate-limit counters without holding
// the request itself.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// TokenRevocationRepository defines the interface for token revocation operations
type TokenRevocationRepository interface {
	RevokeToken(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, reason string) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// MFAVerifier checks a login-time MFA code for a user
type MFAVerifier interface {
	VerifyLoginCode(ctx context.Context, user *models.User, code string) (string, error)
}

// VerificationMailer sends the post-registration verification email
type VerificationMailer interface {
	SendVerificationEmail(ctx context.Context, userID, email string) error
}

const rateLimitActionLogin = "login"

// AuthService owns the authentication flows and the gatekeeper semantics
// around them: the failed-login limiter is consulted before credentials are
// checked, every attempt lands in the audit log, and a successful login
// resets its IP's counter.
type AuthService struct {
	userRepo   UserRepository
	revokeRepo TokenRevocationRepository
	tm         *auth.TokenManager
	limiter    *ratelimit.Limiter
	mfa        MFAVerifier
	mailer     VerificationMailer
	auditor    *audit.Service
	logger     *slog.Logger
}

func NewAuthService(
	userRepo UserRepository,
	revokeRepo TokenRevocationRepository,
	tm *auth.TokenManager,
	limiter *ratelimit.Limiter,
	mfa MFAVerifier,
	mailer VerificationMailer,
	auditor *audit.Service,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		userRepo:   userRepo,
		revokeRepo: revokeRepo,
		tm:         tm,
		limiter:    limiter,
		mfa:        mfa,
		mailer:     mailer,
		auditor:    auditor,
		logger:     logger,
	}
}

// UserResponse represents a user in the HTTP response
type UserResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	EmailVerified bool   `json:"email_verified"`
	Role          string `json:"role"`
	MFAEnabled    bool   `json:"mfa_enabled"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// AuthResponse represents the response from auth operations
type AuthResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	User         *UserResponse `json:"user"`
}

// Login authenticates a user and returns tokens.
//
// The limiter runs first: a blocked IP gets 429 before any credential work,
// even if the password would have been correct. Failed attempts of any kind
// count against the IP's window; a success clears it.
func (s *AuthService) Login(ctx context.Context, meta RequestMeta, email, password, totpCode string) (*AuthResponse, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	decision := s.limiter.Check(ctx, rateLimitActionLogin, meta.IP)
	if !decision.Allowed() {
		s.recordLoginFailure(ctx, meta, nil, "rate_limited")
		return nil, &ratelimit.BlockedError{RetryAfter: decision.RetryAfter}
	}

	if email == "" {
		return nil, s.failLogin(ctx, meta, nil, "invalid_credentials", models.ErrUnauthorized)
	}

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Same cost and same response as a wrong password: user
			// enumeration gains nothing.
			return nil, s.failLogin(ctx, meta, nil, "invalid_credentials", models.ErrUnauthorized)
		}
		s.logger.Error("failed to get user by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := validateAccountState(user); err != nil {
		return nil, s.failLogin(ctx, meta, user, "account_blocked", err)
	}

	if !user.EmailVerified {
		return nil, s.failLogin(ctx, meta, user, "email_not_verified", models.ErrEmailNotVerified)
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, s.failLogin(ctx, meta, user, "invalid_credentials", models.ErrUnauthorized)
	}

	if user.MFAEnabled {
		if totpCode == "" {
			// Prompt, not a failure: the password was right, the client just
			// needs to supply the second factor.
			return nil, models.ErrMFARequired
		}
		method, err := s.mfa.VerifyLoginCode(ctx, user, totpCode)
		if err != nil {
			if errors.Is(err, models.ErrMFAInvalidCode) {
				return nil, s.failLogin(ctx, meta, user, "invalid_mfa_code", models.ErrMFAInvalidCode)
			}
			return nil, models.ErrInternalServer
		}
		if method == MFAMethodBackupCode {
			s.auditor.Record(ctx, nil, audit.Entry{
				UserID:    audit.UserRef(user.ID),
				Action:    models.AuditActionMFABackupCodeUsed,
				IPAddress: meta.IP,
				UserAgent: meta.UserAgent,
			})
		}
	}

	pair, err := s.tm.GeneratePair(user)
	if err != nil {
		s.logger.Error("failed to generate tokens",
			slog.String("user_id", user.ID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.limiter.Reset(ctx, rateLimitActionLogin, meta.IP); err != nil {
		s.logger.Error("failed to reset login failure counter", slog.Any("error", err))
	}

	s.auditor.Record(ctx, nil, audit.Entry{
		UserID:    audit.UserRef(user.ID),
		Action:    models.AuditActionLoginSuccess,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})
	s.logger.Info("user logged in", slog.String("user_id", user.ID))

	return &AuthResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         userModelToResponse(user),
	}, nil
}

// failLogin counts the attempt against the IP's window, audits it, and
// returns the caller-facing error unchanged.
func (s *AuthService) failLogin(ctx context.Context, meta RequestMeta, user *models.User, reason string, cause error) error {
	if _, err := s.limiter.RecordFailure(ctx, rateLimitActionLogin, meta.IP); err != nil {
		s.logger.Error("failed to record login failure", slog.Any("error", err))
	}
	s.recordLoginFailure(ctx, meta, user, reason)
	s.logger.Info("login failed", slog.String("reason", reason))
	return cause
}

func (s *AuthService) recordLoginFailure(ctx context.Context, meta RequestMeta, user *models.User, reason string) {
	entry := audit.Entry{
		Action:    models.AuditActionLoginFailed,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
		ExtraData: models.AuditExtraData{"reason": reason},
	}
	if user != nil {
		entry.UserID = audit.UserRef(user.ID)
	}
	s.auditor.Record(ctx, nil, entry)
}

// Register creates a new user account and sends the verification email
func (s *AuthService) Register(ctx context.Context, meta RequestMeta, email, password, name string) (*UserResponse, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	name = strings.TrimSpace(name)

	if email == "" {
		return nil, fmt.Errorf("%w: email is required", models.ErrBadRequest)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", models.ErrBadRequest)
	}
	if err := pkgauth.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrBadRequest, err.Error())
	}

	hashedPassword, err := pkgauth.HashPassword(password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hashedPassword,
		Name:         name,
		Role:         "user",
		Status:       "active",
	}

	created, err := s.userRepo.Create(ctx, user)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			s.logger.Info("registration failed: email already registered")
			return nil, models.ErrConflict
		}
		s.logger.Error("failed to create user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.mailer.SendVerificationEmail(ctx, created.ID, created.Email); err != nil {
		// The account exists; the user can request a fresh email later
		s.logger.Error("failed to send verification email",
			slog.String("user_id", created.ID),
			slog.Any("error", err))
	}

	s.auditor.Record(ctx, nil, audit.Entry{
		UserID:    audit.UserRef(created.ID),
		Action:    models.AuditActionRegistrationSuccess,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})
	s.logger.Info("user registered", slog.String("user_id", created.ID))

	return userModelToResponse(created), nil
}

// RefreshToken generates a new token pair from a refresh token
func (s *AuthService) RefreshToken(ctx context.Context, meta RequestMeta, refreshTokenString string) (*AuthResponse, error) {
	if refreshTokenString = strings.TrimSpace(refreshTokenString); refreshTokenString == "" {
		return nil, models.ErrUnauthorized
	}

	claims, err := s.tm.ValidateTokenOfType(refreshTokenString, auth.TokenTypeRefresh)
	if err != nil {
		s.logger.Info("refresh token validation failed", slog.Any("error", err))
		return nil, models.ErrUnauthorized
	}

	if claims.ID != "" {
		revoked, err := s.revokeRepo.IsTokenRevoked(ctx, claims.ID)
		if err != nil {
			s.logger.Error("failed to check token revocation", slog.Any("error", err))
		} else if revoked {
			return nil, models.ErrUnauthorized
		}
	}

	user, err := s.userRepo.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to get user for token refresh", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := validateAccountState(user); err != nil {
		return nil, models.ErrUnauthorized
	}

	pair, err := s.tm.GeneratePair(user)
	if err != nil {
		s.logger.Error("failed to generate tokens",
			slog.String("user_id", user.ID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditor.Record(ctx, nil, audit.Entry{
		UserID:    audit.UserRef(user.ID),
		Action:    models.AuditActionTokenRefresh,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})
	s.logger.Info("token refreshed", slog.String("user_id", user.ID))

	return &AuthResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         userModelToResponse(user),
	}, nil
}

// Logout revokes the presented access token and audits the event
func (s *AuthService) Logout(ctx context.Context, meta RequestMeta, claims *models.TokenClaims) error {
	if claims == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return models.ErrUnauthorized
	}

	err := s.revokeRepo.RevokeToken(ctx, claims.ID, claims.UserID, claims.Type, claims.ExpiresAt.Time, "logout")
	if err != nil {
		s.logger.Error("failed to revoke token",
			slog.String("jti", claims.ID),
			slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.auditor.Record(ctx, nil, audit.Entry{
		UserID:    audit.UserRef(claims.UserID),
		Action:    models.AuditActionLogout,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})
	s.logger.Info("user logged out", slog.String("user_id", claims.UserID))
	return nil
}

// validateAccountState checks if a user account may authenticate
func validateAccountState(user *models.User) error {
	switch user.Status {
	case "disabled":
		return models.ErrAccountDisabled
	case "suspended":
		return models.ErrAccountSuspended
	case "active":
		return nil
	default:
		return fmt.Errorf("unknown account status: %s", user.Status)
	}
}

func userModelToResponse(user *models.User) *UserResponse {
	return &UserResponse{
		ID:            user.ID,
		Email:         user.Email,
		Name:          user.Name,
		EmailVerified: user.EmailVerified,
		Role:          user.Role,
		MFAEnabled:    user.MFAEnabled,
		CreatedAt:     user.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     user.UpdatedAt.Format(time.RFC3339),
	}
}
