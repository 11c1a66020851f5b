package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autographhq/gatekeeper/internal/database"
	"github.com/autographhq/gatekeeper/internal/models"
)

type MFARepository struct {
	pool *pgxpool.Pool
}

func NewMFARepository(db *database.DB) *MFARepository {
	return &MFARepository{pool: db.Pool}
}

// CreateEnrollment stores a pending TOTP enrollment, replacing any previous
// pending enrollment for the same user.
func (r *MFARepository) CreateEnrollment(ctx context.Context, enrollment *models.MFAEnrollment) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM mfa_enrollments WHERE user_id = $1`, enrollment.UserID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO mfa_enrollments (user_id, secret, expires_at) VALUES ($1, $2, $3)`,
			enrollment.UserID, enrollment.Secret, enrollment.ExpiresAt,
		)
		return err
	})
}

// GetPendingEnrollment returns the unexpired enrollment for a user
func (r *MFARepository) GetPendingEnrollment(ctx context.Context, userID string) (*models.MFAEnrollment, error) {
	query := `
		SELECT id, user_id, secret, created_at, expires_at
		FROM mfa_enrollments
		WHERE user_id = $1 AND expires_at > CURRENT_TIMESTAMP
	`

	var enrollment models.MFAEnrollment
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&enrollment.ID, &enrollment.UserID, &enrollment.Secret,
		&enrollment.CreatedAt, &enrollment.ExpiresAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &enrollment, nil
}

// DeleteEnrollment removes a user's pending enrollment
func (r *MFARepository) DeleteEnrollment(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM mfa_enrollments WHERE user_id = $1`, userID)
	return database.MapPostgresError(err)
}

// ReplaceBackupCodes deletes all of a user's backup codes and inserts hashes
// for a fresh set.
func (r *MFARepository) ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
			return err
		}
		for _, hash := range codeHashes {
			if _, err := tx.Exec(ctx,
				`INSERT INTO mfa_backup_codes (user_id, code_hash) VALUES ($1, $2)`,
				userID, hash,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetUnusedBackupCodes returns the hashes of a user's unused backup codes
func (r *MFARepository) GetUnusedBackupCodes(ctx context.Context, userID string) ([]*models.MFABackupCode, error) {
	query := `
		SELECT id, user_id, code_hash, created_at, used_at
		FROM mfa_backup_codes
		WHERE user_id = $1 AND used_at IS NULL
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query backup codes: %w", err)
	}
	defer rows.Close()

	codes := make([]*models.MFABackupCode, 0)
	for rows.Next() {
		var code models.MFABackupCode
		if err := rows.Scan(&code.ID, &code.UserID, &code.CodeHash, &code.CreatedAt, &code.UsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup code: %w", err)
		}
		codes = append(codes, &code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backup code rows: %w", err)
	}

	return codes, nil
}

// ConsumeBackupCode marks a backup code as used. The used_at guard makes the
// consume atomic: two concurrent logins cannot both spend the same code.
func (r *MFARepository) ConsumeBackupCode(ctx context.Context, codeID string) (bool, error) {
	query := `
		UPDATE mfa_backup_codes
		SET used_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND used_at IS NULL
	`

	tag, err := r.pool.Exec(ctx, query, codeID)
	if err != nil {
		return false, database.MapPostgresError(err)
	}

	return tag.RowsAffected() > 0, nil
}

// DeleteExpiredEnrollments removes pending enrollments past their expiry
func (r *MFARepository) DeleteExpiredEnrollments(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM mfa_enrollments WHERE expires_at < $1`, time.Now())
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

func (r *MFARepository) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return database.MapPostgresError(err)
	}

	return tx.Commit(ctx)
}
