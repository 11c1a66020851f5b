package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	pkgauth "github.com/autographhq/gatekeeper/pkg/auth"
)

func TestHashAndComparePassword(t *testing.T) {
	hash, err := pkgauth.HashPassword("Sup3rSecret")
	assert.NoError(t, err)
	assert.NotEqual(t, "Sup3rSecret", hash)

	assert.NoError(t, pkgauth.ComparePassword(hash, "Sup3rSecret"))
	assert.Error(t, pkgauth.ComparePassword(hash, "wrong-password"))
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid", "Sup3rSecret", false},
		{"too short", "Ab1", true},
		{"no uppercase", "sup3rsecret", true},
		{"no lowercase", "SUP3RSECRET", true},
		{"no digit", "SuperSecret", true},
		{"common password", "password123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pkgauth.ValidatePassword(tt.password)
			if tt.wantErr {
				assert.Error(t, err)
				// Generic message only, never specific requirements
				assert.Equal(t, "invalid password", err.Error())
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
