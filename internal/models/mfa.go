package models

import "time"

// MFAEnrollment is a pending TOTP enrollment. The secret is only promoted onto
// the user once a valid code confirms the authenticator was provisioned.
type MFAEnrollment struct {
	ID        string
	UserID    string
	Secret    string // base32 TOTP secret
	CreatedAt time.Time
	ExpiresAt time.Time
}

// MFABackupCode is a one-time recovery code. Only the bcrypt hash is stored;
// UsedAt is set the moment the code is consumed.
type MFABackupCode struct {
	ID        string
	UserID    string
	CodeHash  string
	CreatedAt time.Time
	UsedAt    *time.Time
}
