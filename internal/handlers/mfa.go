package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/autographhq/gatekeeper/internal/auth"
	"github.com/autographhq/gatekeeper/internal/models"
	"github.com/autographhq/gatekeeper/internal/services"
	pkghttp "github.com/autographhq/gatekeeper/pkg/http"
)

// MFAServiceInterface defines the MFA enrollment surface
type MFAServiceInterface interface {
	InitiateSetup(ctx context.Context, meta services.RequestMeta, userID string) (*services.MFASetupResult, error)
	ConfirmSetup(ctx context.Context, meta services.RequestMeta, userID, code string) ([]string, error)
}

// MFAHandler handles TOTP enrollment endpoints. Requires auth middleware.
type MFAHandler struct {
	service  MFAServiceInterface
	ipConfig *pkghttp.IPConfig
}

func NewMFAHandler(service MFAServiceInterface, ipConfig *pkghttp.IPConfig) *MFAHandler {
	return &MFAHandler{service: service, ipConfig: ipConfig}
}

type EnableMFARequest struct {
	Code string `json:"code" validate:"required,len=6"`
}

// EnableMFAResponse carries the one-time backup codes issued on enablement
type EnableMFAResponse struct {
	BackupCodes []string `json:"backup_codes"`
	Message     string   `json:"message"`
}

func (h *MFAHandler) requestMeta(r *http.Request) services.RequestMeta {
	return services.RequestMeta{
		IP:        pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: r.Header.Get("User-Agent"),
	}
}

// Setup provisions a pending TOTP secret and returns the QR material
func (h *MFAHandler) Setup(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	result, err := h.service.InitiateSetup(r.Context(), h.requestMeta(r), claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteConflict(w, "MFA is already enabled")
		case errors.Is(err, models.ErrUnauthorized):
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Enable confirms the authenticator with its first code and returns backup codes
func (h *MFAHandler) Enable(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req EnableMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	backupCodes, err := h.service.ConfirmSetup(r.Context(), h.requestMeta(r), claims.UserID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrMFAInvalidCode):
			pkghttp.WriteUnauthorized(w, "Invalid verification code")
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteBadRequest(w, "No pending MFA setup. Start with /mfa/setup.")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, EnableMFAResponse{
		BackupCodes: backupCodes,
		Message:     "MFA enabled. Store these backup codes securely; they are shown only once.",
	})
}
