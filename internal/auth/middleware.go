package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/autographhq/gatekeeper/internal/models"
	pkghttp "github.com/autographhq/gatekeeper/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

// UserContextKey is the key for storing user claims in context
const UserContextKey contextKey = "user"

// TokenRevocationChecker defines the interface for checking if tokens are revoked
type TokenRevocationChecker interface {
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Middleware validates Bearer tokens and injects the claims into context.
// Revoked tokens are rejected; a failing revocation check fails open so a
// blacklist outage does not take authentication down with it.
func Middleware(tm *TokenManager, revocationChecker TokenRevocationChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				pkghttp.WriteUnauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				pkghttp.WriteUnauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := tm.ValidateToken(parts[1])
			if err != nil {
				pkghttp.WriteUnauthorized(w, "Invalid or expired token")
				return
			}

			// Refresh tokens only work against the refresh endpoint
			if claims.Type != TokenTypeAccess {
				pkghttp.WriteUnauthorized(w, "Invalid or expired token")
				return
			}

			if revocationChecker != nil && claims.ID != "" {
				revoked, err := revocationChecker.IsTokenRevoked(r.Context(), claims.ID)
				if err == nil && revoked {
					pkghttp.WriteUnauthorized(w, "Token has been revoked")
					return
				}
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole enforces role-based access after Middleware has run. The check
// uses the role baked into the token claims, so the body is uniform and leaks
// nothing about the protected resource.
func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetUserFromContext(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "Authentication required")
				return
			}

			if claims.Role != role {
				pkghttp.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(UserContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}
