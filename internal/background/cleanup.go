package background

import (
	"context"
	"log/slog"
	"time"
)

// CleanupStores groups the purge operations the manager drives. Each narrow
// interface matches one repository.
type RevokedTokenCleaner interface {
	CleanupExpiredTokens(ctx context.Context) (int64, error)
}

type VerificationCleaner interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

type EnrollmentCleaner interface {
	DeleteExpiredEnrollments(ctx context.Context) (int64, error)
}

type AuditRetentionCleaner interface {
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

// CleanupManager periodically purges expired revoked tokens, stale email
// verifications, abandoned MFA enrollments, and audit logs past retention.
type CleanupManager struct {
	revokedTokens      RevokedTokenCleaner
	verifications      VerificationCleaner
	enrollments        EnrollmentCleaner
	auditLogs          AuditRetentionCleaner
	auditRetentionDays int
	logger             *slog.Logger
	interval           time.Duration
	stopCh             chan struct{}
}

func NewCleanupManager(
	revokedTokens RevokedTokenCleaner,
	verifications VerificationCleaner,
	enrollments EnrollmentCleaner,
	auditLogs AuditRetentionCleaner,
	auditRetentionDays int,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	return &CleanupManager{
		revokedTokens:      revokedTokens,
		verifications:      verifications,
		enrollments:        enrollments,
		auditLogs:          auditLogs,
		auditRetentionDays: auditRetentionDays,
		logger:             logger,
		interval:           interval,
		stopCh:             make(chan struct{}),
	}
}

// Start begins the periodic cleanup task. Blocks until Stop or ctx cancel.
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cm.runOne(cleanupCtx, "revoked tokens", cm.revokedTokens.CleanupExpiredTokens)
	cm.runOne(cleanupCtx, "email verifications", cm.verifications.DeleteExpired)
	cm.runOne(cleanupCtx, "mfa enrollments", cm.enrollments.DeleteExpiredEnrollments)
	cm.runOne(cleanupCtx, "audit logs", func(ctx context.Context) (int64, error) {
		return cm.auditLogs.Cleanup(ctx, cm.auditRetentionDays)
	})
}

func (cm *CleanupManager) runOne(ctx context.Context, name string, purge func(context.Context) (int64, error)) {
	rowsDeleted, err := purge(ctx)
	if err != nil {
		cm.logger.Error("cleanup failed",
			slog.String("target", name),
			slog.Any("error", err))
		return
	}
	if rowsDeleted > 0 {
		cm.logger.Info("cleanup completed",
			slog.String("target", name),
			slog.Int64("rows_deleted", rowsDeleted))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
