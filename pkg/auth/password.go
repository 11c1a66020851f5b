package auth

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost     = 12
	MinPasswordLen = 8
	MaxPasswordLen = 128
)

// Common weak passwords to reject outright
var commonPasswords = map[string]bool{
	"password":    true,
	"12345678":    true,
	"qwertyuiop":  true,
	"password123": true,
	"letmein1":    true,
	"welcome1":    true,
	"passw0rd":    true,
	"iloveyou":    true,
}

// HashPassword hashes a plaintext password with bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// ComparePassword checks a plaintext password against a bcrypt hash
func ComparePassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// ValidatePassword enforces minimum complexity. The error message stays
// generic so requirements cannot be probed through registration responses.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLen || len(password) > MaxPasswordLen {
		return fmt.Errorf("invalid password")
	}

	if commonPasswords[strings.ToLower(password)] {
		return fmt.Errorf("invalid password")
	}

	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}

	if !hasUpper || !hasLower || !hasDigit {
		return fmt.Errorf("invalid password")
	}

	return nil
}
