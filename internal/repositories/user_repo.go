package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autographhq/gatekeeper/internal/database"
	"github.com/autographhq/gatekeeper/internal/models"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{pool: db.Pool}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const userColumns = `id, email, password_hash, name, email_verified, role, status, mfa_enabled, mfa_secret, created_at, updated_at`

// scanUserRow handles nullable fields and populates a User model from a database row
func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User

	err := scanner.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Name,
		&user.EmailVerified, &user.Role, &user.Status,
		&user.MFAEnabled, &user.MFASecret,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	return scanUserRow(r.pool.QueryRow(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	return scanUserRow(r.pool.QueryRow(ctx, query, email))
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	query := `
		INSERT INTO users (email, password_hash, name, email_verified, role, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + userColumns

	created, err := scanUserRow(r.pool.QueryRow(
		ctx, query,
		user.Email, user.PasswordHash, user.Name,
		user.EmailVerified, user.Role, user.Status,
	))
	if err != nil {
		return nil, err
	}

	return created, nil
}

// MarkEmailVerified flips the email_verified flag for a user
func (r *UserRepository) MarkEmailVerified(ctx context.Context, userID string) error {
	query := `UPDATE users SET email_verified = TRUE, updated_at = CURRENT_TIMESTAMP WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// EnableMFA promotes a confirmed enrollment secret onto the user record
func (r *UserRepository) EnableMFA(ctx context.Context, userID, secret string) error {
	query := `
		UPDATE users SET mfa_enabled = TRUE, mfa_secret = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, userID, secret)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}
