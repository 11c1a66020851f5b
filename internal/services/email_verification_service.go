package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/autographhq/gatekeeper/internal/audit"
	"github.com/autographhq/gatekeeper/internal/models"
)

// EmailVerificationRepository defines the interface for verification token operations
type EmailVerificationRepository interface {
	Create(ctx context.Context, verification *models.EmailVerification) error
	ConsumeByTokenHash(ctx context.Context, tokenHash string) (string, error)
}

// UserRepository is the user persistence surface the services need
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	MarkEmailVerified(ctx context.Context, userID string) error
	EnableMFA(ctx context.Context, userID, secret string) error
}

// EmailVerificationService handles email verification business logic
type EmailVerificationService struct {
	verificationRepo EmailVerificationRepository
	userRepo         UserRepository
	emailService     EmailService
	auditor          *audit.Service
	logger           *slog.Logger
	tokenExpiry      time.Duration
}

func NewEmailVerificationService(
	verificationRepo EmailVerificationRepository,
	userRepo UserRepository,
	emailService EmailService,
	auditor *audit.Service,
	logger *slog.Logger,
	tokenExpiry time.Duration,
) *EmailVerificationService {
	return &EmailVerificationService{
		verificationRepo: verificationRepo,
		userRepo:         userRepo,
		emailService:     emailService,
		auditor:          auditor,
		logger:           logger,
		tokenExpiry:      tokenExpiry,
	}
}

// SendVerificationEmail generates a token and sends a verification email.
// Only the sha256 of the token is stored; the plain token exists in the email
// alone.
func (s *EmailVerificationService) SendVerificationEmail(ctx context.Context, userID, email string) error {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	plainToken := base64.URLEncoding.EncodeToString(tokenBytes)

	expiresAt := time.Now().Add(s.tokenExpiry)
	verification := &models.EmailVerification{
		UserID:    userID,
		TokenHash: hashVerificationToken(plainToken),
		ExpiresAt: expiresAt,
	}

	if err := s.verificationRepo.Create(ctx, verification); err != nil {
		s.logger.Error("failed to create email verification token",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return fmt.Errorf("failed to create token: %w", err)
	}

	if err := s.emailService.SendVerificationEmail(ctx, email, plainToken, expiresAt); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("verification email sent", slog.String("user_id", userID))
	return nil
}

// VerifyEmail consumes a token and marks the user's email as verified.
// Unknown, expired, and reused tokens are indistinguishable to the caller.
func (s *EmailVerificationService) VerifyEmail(ctx context.Context, meta RequestMeta, plainToken string) (string, error) {
	if plainToken == "" {
		return "", models.ErrUnauthorized
	}

	userID, err := s.verificationRepo.ConsumeByTokenHash(ctx, hashVerificationToken(plainToken))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("verification token not found, expired, or reused")
			return "", models.ErrUnauthorized
		}
		s.logger.Error("failed to consume verification token", slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	if err := s.userRepo.MarkEmailVerified(ctx, userID); err != nil {
		s.logger.Error("failed to mark email verified",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	s.auditor.Record(ctx, nil, audit.Entry{
		UserID:    audit.UserRef(userID),
		Action:    models.AuditActionEmailVerified,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})
	s.logger.Info("email verified", slog.String("user_id", userID))
	return userID, nil
}

func hashVerificationToken(plainToken string) string {
	hash := sha256.Sum256([]byte(plainToken))
	return hex.EncodeToString(hash[:])
}
