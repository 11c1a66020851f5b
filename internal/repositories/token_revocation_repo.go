package repositories

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autographhq/gatekeeper/internal/database"
)

type TokenRevocationRepository struct {
	pool *pgxpool.Pool
}

func NewTokenRevocationRepository(db *database.DB) *TokenRevocationRepository {
	return &TokenRevocationRepository{pool: db.Pool}
}

// RevokeToken adds a token to the revocation blacklist
func (r *TokenRevocationRepository) RevokeToken(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, reason string) error {
	query := `
		INSERT INTO revoked_tokens (jti, user_id, token_type, expires_at, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (jti) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query, jti, userID, tokenType, expiresAt, reason)
	return database.MapPostgresError(err)
}

// IsTokenRevoked checks if a token is in the revocation blacklist
func (r *TokenRevocationRepository) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti = $1)`

	var exists bool
	err := r.pool.QueryRow(ctx, query, jti).Scan(&exists)
	if err != nil {
		return false, database.MapPostgresError(err)
	}

	return exists, nil
}

// CleanupExpiredTokens removes revoked tokens whose natural expiry has passed
func (r *TokenRevocationRepository) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	query := `DELETE FROM revoked_tokens WHERE expires_at < $1`

	result, err := r.pool.Exec(ctx, query, time.Now())
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return result.RowsAffected(), nil
}
