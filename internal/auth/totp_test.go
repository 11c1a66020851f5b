package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTOTPManager_GenerateSecret(t *testing.T) {
	tm := NewTOTPManager("AutoGraph")

	provisioned, err := tm.GenerateSecret("user@example.com")
	require.NoError(t, err)

	assert.NotEmpty(t, provisioned.Secret)
	assert.Contains(t, provisioned.URL, "otpauth://totp/")
	assert.Contains(t, provisioned.URL, "AutoGraph")
	assert.True(t, strings.HasPrefix(provisioned.QRDataURL, "data:image/png;base64,"))
}

func TestTOTPManager_ValidateCode(t *testing.T) {
	tm := NewTOTPManager("AutoGraph")

	provisioned, err := tm.GenerateSecret("user@example.com")
	require.NoError(t, err)

	code, err := totp.GenerateCode(provisioned.Secret, time.Now())
	require.NoError(t, err)

	valid, err := tm.ValidateCode(provisioned.Secret, code)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = tm.ValidateCode(provisioned.Secret, "000000")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestTOTPManager_GenerateBackupCodes(t *testing.T) {
	tm := NewTOTPManager("AutoGraph")

	codes, err := tm.GenerateBackupCodes(10)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := make(map[string]bool)
	for _, code := range codes {
		assert.Len(t, code, backupCodeLength)
		for _, c := range code {
			assert.Contains(t, backupCodeCharset, string(c))
		}
		assert.False(t, seen[code], "backup codes must be unique")
		seen[code] = true
	}
}
