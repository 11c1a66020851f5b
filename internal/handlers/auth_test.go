package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autographhq/gatekeeper/internal/auth"
	"github.com/autographhq/gatekeeper/internal/models"
	"github.com/autographhq/gatekeeper/internal/ratelimit"
	"github.com/autographhq/gatekeeper/internal/services"
	pkghttp "github.com/autographhq/gatekeeper/pkg/http"
)

type fakeAuthService struct {
	loginResp    *services.AuthResponse
	loginErr     error
	registerResp *services.UserResponse
	registerErr  error
	refreshResp  *services.AuthResponse
	refreshErr   error
	logoutErr    error

	gotEmail string
	gotTOTP  string
	gotMeta  services.RequestMeta
}

func (f *fakeAuthService) Login(_ context.Context, meta services.RequestMeta, email, _, totpCode string) (*services.AuthResponse, error) {
	f.gotMeta = meta
	f.gotEmail = email
	f.gotTOTP = totpCode
	return f.loginResp, f.loginErr
}

func (f *fakeAuthService) Register(_ context.Context, meta services.RequestMeta, _, _, _ string) (*services.UserResponse, error) {
	f.gotMeta = meta
	return f.registerResp, f.registerErr
}

func (f *fakeAuthService) RefreshToken(_ context.Context, meta services.RequestMeta, _ string) (*services.AuthResponse, error) {
	f.gotMeta = meta
	return f.refreshResp, f.refreshErr
}

func (f *fakeAuthService) Logout(_ context.Context, meta services.RequestMeta, _ *models.TokenClaims) error {
	f.gotMeta = meta
	return f.logoutErr
}

type fakeVerificationService struct {
	userID string
	err    error
}

func (f *fakeVerificationService) VerifyEmail(_ context.Context, _ services.RequestMeta, _ string) (string, error) {
	return f.userID, f.err
}

func newAuthHandler(service *fakeAuthService) *AuthHandler {
	return NewAuthHandler(service, &fakeVerificationService{userID: "user-1"}, &pkghttp.IPConfig{})
}

func postJSON(t *testing.T, handler http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:51000"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestLoginHandler_Success(t *testing.T) {
	service := &fakeAuthService{
		loginResp: &services.AuthResponse{
			AccessToken:  "access",
			RefreshToken: "refresh",
			User:         &services.UserResponse{Email: "user@example.com"},
		},
	}
	handler := newAuthHandler(service)

	rec := postJSON(t, handler.Login, "/login",
		`{"email":"User@Example.com","password":"CorrectHorse9","totp_code":"123456"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "123456", service.gotTOTP)
	assert.Equal(t, "203.0.113.7", service.gotMeta.IP)

	var resp services.AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "access", resp.AccessToken)
}

func TestLoginHandler_InvalidCredentials(t *testing.T) {
	service := &fakeAuthService{loginErr: models.ErrUnauthorized}
	handler := newAuthHandler(service)

	rec := postJSON(t, handler.Login, "/login", `{"email":"user@example.com","password":"wrong"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authentication failed")
}

func TestLoginHandler_AccountStateUniformBody(t *testing.T) {
	for _, cause := range []error{
		models.ErrEmailNotVerified,
		models.ErrAccountDisabled,
		models.ErrAccountSuspended,
		models.ErrMFAInvalidCode,
	} {
		service := &fakeAuthService{loginErr: cause}
		handler := newAuthHandler(service)

		rec := postJSON(t, handler.Login, "/login", `{"email":"user@example.com","password":"pw"}`)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "cause: %v", cause)
		assert.Contains(t, rec.Body.String(), "Authentication failed", "cause: %v", cause)
	}
}

func TestLoginHandler_RateLimited(t *testing.T) {
	service := &fakeAuthService{loginErr: &ratelimit.BlockedError{RetryAfter: 90 * time.Second}}
	handler := newAuthHandler(service)

	rec := postJSON(t, handler.Login, "/login", `{"email":"user@example.com","password":"CorrectHorse9"}`)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "Please retry in 90 seconds.")
}

func TestLoginHandler_MFARequired(t *testing.T) {
	service := &fakeAuthService{loginErr: models.ErrMFARequired}
	handler := newAuthHandler(service)

	rec := postJSON(t, handler.Login, "/login", `{"email":"user@example.com","password":"pw"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "mfa_required")
}

func TestLoginHandler_BadRequests(t *testing.T) {
	handler := newAuthHandler(&fakeAuthService{})

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"missing email", `{"password":"pw"}`},
		{"invalid email", `{"email":"not-an-email","password":"pw"}`},
		{"missing password", `{"email":"user@example.com"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, handler.Login, "/login", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRegisterHandler_Created(t *testing.T) {
	service := &fakeAuthService{
		registerResp: &services.UserResponse{Email: "new@example.com", Role: "user"},
	}
	handler := newAuthHandler(service)

	rec := postJSON(t, handler.Register, "/register",
		`{"email":"new@example.com","password":"CorrectHorse9","name":"New User"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "new@example.com")
}

func TestRegisterHandler_Conflict(t *testing.T) {
	service := &fakeAuthService{registerErr: models.ErrConflict}
	handler := newAuthHandler(service)

	rec := postJSON(t, handler.Register, "/register",
		`{"email":"dup@example.com","password":"CorrectHorse9","name":"Dup"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRefreshHandler_Unauthorized(t *testing.T) {
	service := &fakeAuthService{refreshErr: models.ErrUnauthorized}
	handler := newAuthHandler(service)

	rec := postJSON(t, handler.RefreshToken, "/refresh", `{"refresh_token":"expired"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutHandler_NoContent(t *testing.T) {
	service := &fakeAuthService{}
	handler := newAuthHandler(service)

	claims := &models.TokenClaims{
		Type:   auth.TokenTypeAccess,
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req = req.WithContext(context.WithValue(req.Context(), auth.UserContextKey, claims))
	rec := httptest.NewRecorder()
	handler.Logout(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLogoutHandler_MissingClaims(t *testing.T) {
	handler := newAuthHandler(&fakeAuthService{})

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	rec := httptest.NewRecorder()
	handler.Logout(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyEmailHandler(t *testing.T) {
	t.Run("valid token", func(t *testing.T) {
		handler := NewAuthHandler(&fakeAuthService{}, &fakeVerificationService{userID: "user-1"}, &pkghttp.IPConfig{})
		rec := postJSON(t, handler.VerifyEmail, "/verify-email", `{"token":"some-token"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		handler := NewAuthHandler(&fakeAuthService{}, &fakeVerificationService{err: models.ErrUnauthorized}, &pkghttp.IPConfig{})
		rec := postJSON(t, handler.VerifyEmail, "/verify-email", `{"token":"bogus"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		handler := NewAuthHandler(&fakeAuthService{}, &fakeVerificationService{}, &pkghttp.IPConfig{})
		rec := postJSON(t, handler.VerifyEmail, "/verify-email", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
