package models

import "time"

// EmailVerification is an outstanding verification token for a registered user.
// TokenHash is the sha256 of the plain token sent by email.
type EmailVerification struct {
	ID        string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}
