package models

import (
	"time"
)

type User struct {
	ID            string
	Email         string
	PasswordHash  string
	Name          string
	EmailVerified bool
	Role          string // "user", "admin"
	Status        string // "active", "suspended", "disabled"
	MFAEnabled    bool
	MFASecret     *string // base32 TOTP secret, set once enrollment completes
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
