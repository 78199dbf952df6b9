package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/makrx/gateway/internal/apierr"
	"github.com/makrx/gateway/internal/security"
)

// Key provider failure sentinels. Providers wrap these so validation can map
// infrastructure faults to the right event kind and a 503.
var (
	// ErrKeyNotFound means the token's key id is unknown to the provider.
	ErrKeyNotFound = errors.New("verification key not found")
	// ErrJWKSUnavailable means the key set could not be fetched.
	ErrJWKSUnavailable = errors.New("jwks unavailable")
	// ErrNetwork is a transport fault talking to the key provider.
	ErrNetwork = errors.New("network error")
)

// AuthError is an authentication or authorization failure classified into a
// JWT event kind. It renders through the envelope as a generic message with
// the kind in the code field.
type AuthError struct {
	Kind      security.EventKind
	RequestID string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed: %s", e.Kind)
}

// APIError converts the classified failure into the wire error variant.
func (e *AuthError) APIError() *apierr.APIError {
	status := statusForKind(e.Kind)
	headers := map[string]string{}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		headers["WWW-Authenticate"] = "Bearer"
	}
	return &apierr.APIError{
		Message: messageForKind(e.Kind),
		Code:    string(e.Kind),
		Status:  status,
		Headers: headers,
	}
}

// statusForKind maps event kinds to HTTP status codes. Infrastructure faults
// are 503, authorization faults 403, everything else 401.
func statusForKind(kind security.EventKind) int {
	switch kind {
	case security.KindJWKSFetchError, security.KindNetworkError:
		return http.StatusServiceUnavailable
	case security.KindInsufficientPrivileges, security.KindScopeMismatch, security.KindTenantMismatch:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// messageForKind maps event kinds to user-visible messages. Messages stay
// generic; the classification is carried only in the code field and in logs.
func messageForKind(kind security.EventKind) string {
	switch kind {
	case security.KindMissingToken:
		return "Authentication required"
	case security.KindExpiredToken:
		return "Authentication token has expired"
	case security.KindTokenNotYetValid:
		return "Authentication token not yet valid"
	case security.KindInvalidTokenType:
		return "Invalid authentication token type"
	case security.KindRevokedToken:
		return "Authentication token has been revoked"
	case security.KindInsufficientPrivileges:
		return "Insufficient privileges"
	case security.KindScopeMismatch, security.KindTenantMismatch:
		return "Access denied"
	case security.KindJWKSFetchError, security.KindNetworkError:
		return "Authentication service unavailable"
	default:
		return "Invalid authentication token"
	}
}

// classifyParseError maps a golang-jwt parse failure to an event kind.
func classifyParseError(err error) security.EventKind {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return security.KindExpiredToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return security.KindInvalidSignature
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return security.KindInvalidIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return security.KindInvalidAudience
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return security.KindTokenNotYetValid
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return security.KindInvalidIssuedAt
	case errors.Is(err, ErrKeyNotFound):
		return security.KindKeyNotFound
	case errors.Is(err, ErrJWKSUnavailable):
		return security.KindJWKSFetchError
	case errors.Is(err, ErrNetwork):
		return security.KindNetworkError
	default:
		return security.KindMalformedToken
	}
}
