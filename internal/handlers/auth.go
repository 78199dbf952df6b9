// Package handlers exposes the auth endpoints: token refresh and logout.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/makrx/gateway/internal/apierr"
	"github.com/makrx/gateway/internal/auth"
	"github.com/makrx/gateway/internal/middleware"
	"github.com/makrx/gateway/internal/utils"
)

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /auth/refresh: exchanges the refresh token in the
// body for a fresh access token.
func Refresh(svc *auth.RefreshService) middleware.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		var body refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return &apierr.APIError{
				Message: "Request body must be valid JSON",
				Code:    apierr.CodeInvalidInput,
				Status:  http.StatusBadRequest,
			}
		}

		if errs := utils.ValidateRequiredFields(map[string]any{"refresh_token": body.RefreshToken}, []string{"refresh_token"}); len(errs) > 0 {
			return &apierr.APIError{
				Message:     "Refresh token is required",
				Code:        "missing_refresh_token",
				Status:      http.StatusBadRequest,
				FieldErrors: errs,
			}
		}

		requestID := middleware.RequestIDFromContext(r.Context())
		info, err := svc.RefreshAccessToken(r.Context(), utils.SanitizeString(body.RefreshToken, 0), requestID)
		if err != nil {
			return err
		}

		w.Header().Set("X-Token-Expires-In", strconv.Itoa(info.ExpiresIn))
		w.Header().Set("X-Token-Type", info.TokenType)
		if !info.ExpiresAt.IsZero() {
			w.Header().Set("X-Token-Expires-At", info.ExpiresAt.Format(time.RFC3339))
		}

		return writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  info.AccessToken,
			"token_type":    info.TokenType,
			"expires_in":    info.ExpiresIn,
			"refresh_token": info.RefreshToken,
			"scope":         info.Scope,
		})
	}
}

// Logout handles POST /auth/logout: revokes the refresh token when one is
// supplied. Revocation failures never fail the logout.
func Logout(svc *auth.RefreshService) middleware.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		var body refreshRequest
		_ = json.NewDecoder(r.Body).Decode(&body)

		if body.RefreshToken != "" {
			requestID := middleware.RequestIDFromContext(r.Context())
			svc.RevokeRefreshToken(r.Context(), body.RefreshToken, requestID)
		}

		return writeJSON(w, http.StatusOK, map[string]any{
			"message": "Logged out successfully",
		})
	}
}

// Me returns the normalized user record for the validated token. Guarded by
// the authenticator.
func Me() middleware.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		claims := middleware.ClaimsFromContext(r.Context())
		if claims == nil {
			return apierr.Unauthorized("")
		}
		return writeJSON(w, http.StatusOK, auth.ExtractUserInfo(claims))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}
