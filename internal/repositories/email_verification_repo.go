package repositories

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autographhq/gatekeeper/internal/database"
	"github.com/autographhq/gatekeeper/internal/models"
)

type EmailVerificationRepository struct {
	pool *pgxpool.Pool
}

func NewEmailVerificationRepository(db *database.DB) *EmailVerificationRepository {
	return &EmailVerificationRepository{pool: db.Pool}
}

// Create stores a new verification token hash for a user
func (r *EmailVerificationRepository) Create(ctx context.Context, verification *models.EmailVerification) error {
	query := `
		INSERT INTO email_verifications (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`

	_, err := r.pool.Exec(ctx, query, verification.UserID, verification.TokenHash, verification.ExpiresAt)
	return database.MapPostgresError(err)
}

// ConsumeByTokenHash marks an unexpired, unused verification as used and
// returns its user id. Returns models.ErrNotFound for unknown, expired, or
// already-used tokens.
func (r *EmailVerificationRepository) ConsumeByTokenHash(ctx context.Context, tokenHash string) (string, error) {
	query := `
		UPDATE email_verifications
		SET used_at = CURRENT_TIMESTAMP
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > CURRENT_TIMESTAMP
		RETURNING user_id
	`

	var userID string
	err := r.pool.QueryRow(ctx, query, tokenHash).Scan(&userID)
	if err != nil {
		return "", database.MapPostgresError(err)
	}

	return userID, nil
}

// DeleteExpired removes verification tokens past their expiry
func (r *EmailVerificationRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM email_verifications WHERE expires_at < $1`

	result, err := r.pool.Exec(ctx, query, time.Now())
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return result.RowsAffected(), nil
}
