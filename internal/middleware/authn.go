package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/makrx/gateway/internal/auth"
	"github.com/makrx/gateway/internal/security"
)

type claimsKey struct{}

// ClaimsFromContext returns the validated claims set by Authenticator.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims
}

// requestMeta builds the validator's request context from the envelope.
func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		Origin:    OriginFromContext(r.Context()),
		UserAgent: r.UserAgent(),
		RequestID: RequestIDFromContext(r.Context()),
	}
}

// Authenticator guards handlers behind bearer token validation.
type Authenticator struct {
	validator *auth.Validator
}

func NewAuthenticator(validator *auth.Validator) *Authenticator {
	return &Authenticator{validator: validator}
}

// Require validates the bearer token and stores the claims in the request
// context before invoking the handler.
func (a *Authenticator) Require(next Handler) Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		meta := requestMeta(r)

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			return a.validator.Reject(security.KindMissingToken, meta, "", "", nil)
		}

		claims, err := a.validator.ValidateToken(r.Context(), strings.TrimPrefix(header, "Bearer "), meta)
		if err != nil {
			return err
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		return next(w, r.WithContext(ctx))
	}
}

// RequireRole additionally demands one of the given realm roles. Must be
// composed inside Require.
func (a *Authenticator) RequireRole(roles []string, next Handler) Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		claims := ClaimsFromContext(r.Context())
		if claims == nil || !auth.HasAnyRole(claims, roles) {
			meta := requestMeta(r)
			userID := ""
			if claims != nil {
				userID = claims.Subject
			}
			return a.validator.Reject(security.KindInsufficientPrivileges, meta, userID, "", map[string]any{"required_roles": roles})
		}
		return next(w, r)
	}
}

// RequireAdmin demands an administrative role.
func (a *Authenticator) RequireAdmin(next Handler) Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		claims := ClaimsFromContext(r.Context())
		if claims == nil || !auth.IsAdmin(claims) {
			meta := requestMeta(r)
			userID := ""
			if claims != nil {
				userID = claims.Subject
			}
			return a.validator.Reject(security.KindInsufficientPrivileges, meta, userID, "", nil)
		}
		return next(w, r)
	}
}

// ProactiveRefresh refreshes the access token when it is close to expiry and
// a refresh token accompanies the request. The fresh token is exposed via
// X-New-Access-Token; failures never affect the request.
func ProactiveRefresh(svc *auth.RefreshService) func(Handler) Handler {
	return func(next Handler) Handler {
		return func(w http.ResponseWriter, r *http.Request) error {
			if info := svc.CheckAndRefresh(r, RequestIDFromContext(r.Context())); info != nil {
				w.Header().Set("X-New-Access-Token", info.AccessToken)
				w.Header().Set("X-Token-Expires-In", strconv.Itoa(info.ExpiresIn))
			}
			return next(w, r)
		}
	}
}
