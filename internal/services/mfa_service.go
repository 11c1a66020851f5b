package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/autographhq/gatekeeper/internal/audit"
	"github.com/autographhq/gatekeeper/internal/auth"
	"github.com/autographhq/gatekeeper/internal/models"
)

// MFARepository defines the persistence surface for MFA enrollments and codes
type MFARepository interface {
	CreateEnrollment(ctx context.Context, enrollment *models.MFAEnrollment) error
	GetPendingEnrollment(ctx context.Context, userID string) (*models.MFAEnrollment, error)
	DeleteEnrollment(ctx context.Context, userID string) error
	ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string) error
	GetUnusedBackupCodes(ctx context.Context, userID string) ([]*models.MFABackupCode, error)
	ConsumeBackupCode(ctx context.Context, codeID string) (bool, error)
}

const (
	backupCodeCount  = 10
	backupCodeCost   = 12
	enrollmentExpiry = 15 * time.Minute
)

// MFA verification methods reported to callers
const (
	MFAMethodTOTP       = "totp"
	MFAMethodBackupCode = "backup_code"
)

// MFAService handles TOTP enrollment, confirmation, and login-time verification
type MFAService struct {
	mfaRepo  MFARepository
	userRepo UserRepository
	totpMgr  *auth.TOTPManager
	auditor  *audit.Service
	logger   *slog.Logger
}

func NewMFAService(
	mfaRepo MFARepository,
	userRepo UserRepository,
	totpMgr *auth.TOTPManager,
	auditor *audit.Service,
	logger *slog.Logger,
) *MFAService {
	return &MFAService{
		mfaRepo:  mfaRepo,
		userRepo: userRepo,
		totpMgr:  totpMgr,
		auditor:  auditor,
		logger:   logger,
	}
}

// MFASetupResult is the provisioning material returned from InitiateSetup
type MFASetupResult struct {
	Secret    string `json:"secret"`
	URL       string `json:"otpauth_url"`
	QRDataURL string `json:"qr_code"`
}

// InitiateSetup provisions a pending TOTP enrollment. The secret only takes
// effect once ConfirmSetup sees a valid code from the authenticator.
func (s *MFAService) InitiateSetup(ctx context.Context, meta RequestMeta, userID string) (*MFASetupResult, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthorized
		}
		return nil, models.ErrInternalServer
	}
	if user.MFAEnabled {
		return nil, models.ErrConflict
	}

	provisioned, err := s.totpMgr.GenerateSecret(user.Email)
	if err != nil {
		s.logger.Error("failed to generate TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	enrollment := &models.MFAEnrollment{
		UserID:    userID,
		Secret:    provisioned.Secret,
		ExpiresAt: time.Now().Add(enrollmentExpiry),
	}
	if err := s.mfaRepo.CreateEnrollment(ctx, enrollment); err != nil {
		s.logger.Error("failed to create MFA enrollment",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditor.Record(ctx, nil, audit.Entry{
		UserID:    audit.UserRef(userID),
		Action:    models.AuditActionMFASetup,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})

	s.logger.Info("MFA setup initiated", slog.String("user_id", userID))
	return &MFASetupResult{
		Secret:    provisioned.Secret,
		URL:       provisioned.URL,
		QRDataURL: provisioned.QRDataURL,
	}, nil
}

// ConfirmSetup validates the first code from the authenticator, enables MFA on
// the user, and issues one-time backup codes. The plain codes are returned
// exactly once; only bcrypt hashes are stored.
func (s *MFAService) ConfirmSetup(ctx context.Context, meta RequestMeta, userID, code string) ([]string, error) {
	enrollment, err := s.mfaRepo.GetPendingEnrollment(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrBadRequest
		}
		return nil, models.ErrInternalServer
	}

	valid, err := s.totpMgr.ValidateCode(enrollment.Secret, code)
	if err != nil {
		s.logger.Error("failed to validate TOTP code", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !valid {
		return nil, models.ErrMFAInvalidCode
	}

	if err := s.userRepo.EnableMFA(ctx, userID, enrollment.Secret); err != nil {
		s.logger.Error("failed to enable MFA",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.mfaRepo.DeleteEnrollment(ctx, userID); err != nil {
		s.logger.Error("failed to delete confirmed enrollment",
			slog.String("user_id", userID),
			slog.Any("error", err))
	}

	backupCodes, err := s.totpMgr.GenerateBackupCodes(backupCodeCount)
	if err != nil {
		s.logger.Error("failed to generate backup codes", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	hashes := make([]string, len(backupCodes))
	for i, backupCode := range backupCodes {
		hash, err := bcrypt.GenerateFromPassword([]byte(backupCode), backupCodeCost)
		if err != nil {
			s.logger.Error("failed to hash backup code", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		hashes[i] = string(hash)
	}
	if err := s.mfaRepo.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		s.logger.Error("failed to store backup codes",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditor.Record(ctx, nil, audit.Entry{
		UserID:    audit.UserRef(userID),
		Action:    models.AuditActionMFAEnabled,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})

	s.logger.Info("MFA enabled", slog.String("user_id", userID))
	return backupCodes, nil
}

// VerifyLoginCode checks a login-time MFA code: first as TOTP against the
// user's secret, then as a backup code. Backup codes are consumed on use.
// Returns the method that matched.
func (s *MFAService) VerifyLoginCode(ctx context.Context, user *models.User, code string) (string, error) {
	if user.MFASecret != nil {
		valid, err := s.totpMgr.ValidateCode(*user.MFASecret, code)
		if err != nil {
			s.logger.Error("failed to validate TOTP code", slog.Any("error", err))
			return "", models.ErrInternalServer
		}
		if valid {
			return MFAMethodTOTP, nil
		}
	}

	codes, err := s.mfaRepo.GetUnusedBackupCodes(ctx, user.ID)
	if err != nil {
		s.logger.Error("failed to load backup codes",
			slog.String("user_id", user.ID),
			slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	for _, backupCode := range codes {
		if bcrypt.CompareHashAndPassword([]byte(backupCode.CodeHash), []byte(code)) != nil {
			continue
		}
		consumed, err := s.mfaRepo.ConsumeBackupCode(ctx, backupCode.ID)
		if err != nil {
			s.logger.Error("failed to consume backup code",
				slog.String("user_id", user.ID),
				slog.Any("error", err))
			return "", models.ErrInternalServer
		}
		if !consumed {
			// Lost a race with a concurrent login spending the same code
			continue
		}
		return MFAMethodBackupCode, nil
	}

	return "", models.ErrMFAInvalidCode
}
