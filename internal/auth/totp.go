package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

// TOTPManager handles TOTP secret generation and code validation
type TOTPManager struct {
	issuer string
}

func NewTOTPManager(issuer string) *TOTPManager {
	return &TOTPManager{issuer: issuer}
}

// ProvisionedSecret is a freshly generated TOTP secret plus the material an
// authenticator app needs to enroll it.
type ProvisionedSecret struct {
	Secret    string
	URL       string
	QRDataURL string
}

// GenerateSecret creates a new TOTP secret for an account and renders the
// provisioning QR code as a PNG data URL.
func (tm *TOTPManager) GenerateSecret(accountEmail string) (*ProvisionedSecret, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountEmail,
		SecretSize:  32,
		Period:      30,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Highest)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}

	qrImage, err := qr.PNG(200)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &ProvisionedSecret{
		Secret:    key.Secret(),
		URL:       key.URL(),
		QRDataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrImage),
	}, nil
}

// ValidateCode checks a 6-digit code against a secret, allowing one time step
// of clock drift on either side.
func (tm *TOTPManager) ValidateCode(secret, code string) (bool, error) {
	valid, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		// Malformed input (wrong length, non-digits) is just an invalid code
		return false, nil
	}
	return valid, nil
}

// Backup code charset excludes ambiguous characters (0/O, 1/I/L)
const backupCodeCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const backupCodeLength = 8

// GenerateBackupCodes generates count random one-time recovery codes
func (tm *TOTPManager) GenerateBackupCodes(count int) ([]string, error) {
	codes := make([]string, count)
	buf := make([]byte, backupCodeLength)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		code := make([]byte, backupCodeLength)
		for j, b := range buf {
			code[j] = backupCodeCharset[int(b)%len(backupCodeCharset)]
		}
		codes[i] = string(code)
	}
	return codes, nil
}
