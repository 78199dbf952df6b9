// Package auth validates bearer tokens against the identity provider and
// mediates token refresh. Verification keys are injected through KeyProvider;
// the package performs no JWKS retrieval of its own.
package auth

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/makrx/gateway/internal/apierr"
	"github.com/makrx/gateway/internal/security"
)

// JWT security configuration. Only RS256 is accepted; everything else is an
// algorithm downgrade attempt.
const (
	allowedAlgorithm = "RS256"
	leeway           = 30 * time.Second
	maxTokenAge      = 24 * time.Hour
	minTokenLifetime = 5 * time.Minute
	minSubjectLen    = 8
)

var requiredClaims = []string{"sub", "iat", "exp", "iss", "aud"}

// KeyProvider returns the public verification key for a token's key id.
type KeyProvider interface {
	VerificationKey(ctx context.Context, keyID string) (crypto.PublicKey, error)
}

// StaticKeyProvider serves a single fixed key regardless of key id.
type StaticKeyProvider struct {
	Key crypto.PublicKey
}

func (p StaticKeyProvider) VerificationKey(_ context.Context, _ string) (crypto.PublicKey, error) {
	if p.Key == nil {
		return nil, ErrKeyNotFound
	}
	return p.Key, nil
}

// RequestMeta is the per-request context the validator needs for block-list
// checks and security event attribution. The request id always comes from
// the envelope middleware.
type RequestMeta struct {
	Origin    string
	UserAgent string
	RequestID string
}

// ValidatorConfig holds the validator's collaborators and identity settings.
type ValidatorConfig struct {
	// KeycloakURL and Realm derive the expected issuer.
	KeycloakURL string
	Realm       string
	// Audience is the primary accepted audience.
	Audience string

	Keys      KeyProvider
	Events    *security.Logger
	BlockList *security.BlockList
	Logger    *slog.Logger
	// Now provides the current time for token validation.
	Now func() time.Time
}

// Validator verifies bearer tokens with strict semantic checks and produces
// classified failures that feed the threat detector.
type Validator struct {
	issuer   string
	audience string

	keys      KeyProvider
	events    *security.Logger
	blocklist *security.BlockList
	log       *slog.Logger
	now       func() time.Time
}

// NewValidator creates a validator. The issuer is derived as
// <keycloak_url>/realms/<realm>.
func NewValidator(cfg ValidatorConfig) *Validator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{
		issuer:    fmt.Sprintf("%s/realms/%s", cfg.KeycloakURL, cfg.Realm),
		audience:  cfg.Audience,
		keys:      cfg.Keys,
		events:    cfg.Events,
		blocklist: cfg.BlockList,
		log:       cfg.Logger,
		now:       now,
	}
}

// ValidateToken verifies the token's signature and claims and returns the
// typed payload. Every rejection is logged as exactly one security event and
// surfaced as an *AuthError; a blocked origin short-circuits with 429.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string, meta RequestMeta, additionalAudiences ...string) (*Claims, error) {
	if v.blocklist != nil && v.blocklist.IsBlocked(meta.Origin) {
		return nil, &apierr.APIError{
			Message: "Too many authentication failures. Try again later.",
			Code:    apierr.CodeRateLimited,
			Status:  http.StatusTooManyRequests,
			Headers: map[string]string{"Retry-After": "3600"},
		}
	}

	header, err := parseHeader(tokenString)
	if err != nil {
		return nil, v.Reject(security.KindMalformedToken, meta, "", "", map[string]any{"reason": "Invalid token header"})
	}

	algorithm, _ := header["alg"].(string)
	tokenID, _ := header["jti"].(string)

	if algorithm != allowedAlgorithm {
		return nil, v.Reject(security.KindInvalidAlgorithm, meta, "", tokenID, map[string]any{
			"algorithm": algorithm,
			"allowed":   []string{allowedAlgorithm},
		})
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{allowedAlgorithm}),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuedAt(),
	)

	claims := &Claims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		keyID, _ := t.Header["kid"].(string)
		return v.keys.VerificationKey(ctx, keyID)
	})
	if err != nil {
		kind := classifyParseError(err)
		userID, jti := unverifiedIdentity(tokenString)
		if tokenID == "" {
			tokenID = jti
		}
		return nil, v.Reject(kind, meta, userID, tokenID, map[string]any{"jwt_error": err.Error()})
	}
	if tokenID == "" {
		tokenID = claims.ID
	}

	if missing := missingClaims(claims); len(missing) > 0 {
		return nil, v.Reject(security.KindMissingClaims, meta, claims.Subject, tokenID, map[string]any{"missing": missing})
	}

	if claims.Issuer != v.issuer {
		return nil, v.Reject(security.KindInvalidIssuer, meta, claims.Subject, tokenID, map[string]any{"issuer": claims.Issuer})
	}

	if !audienceAllowed(claims.Audience, v.audience, additionalAudiences) {
		return nil, v.Reject(security.KindInvalidAudience, meta, claims.Subject, tokenID, map[string]any{"audience": []string(claims.Audience)})
	}

	// A present typ claim must be "bearer". Keycloak access tokens carry
	// typ=Bearer; the usual JWT typ=JWT is rejected here on purpose.
	if claims.Type != "" && !strings.EqualFold(claims.Type, "bearer") {
		return nil, v.Reject(security.KindInvalidTokenType, meta, claims.Subject, tokenID, map[string]any{"typ": claims.Type})
	}

	now := v.now().UTC()
	issuedAt := claims.IssuedAt.Time
	if now.Sub(issuedAt) > maxTokenAge {
		return nil, v.Reject(security.KindTokenTooOld, meta, claims.Subject, tokenID, map[string]any{
			"issued_at": issuedAt.Format(time.RFC3339),
			"max_age":   maxTokenAge.String(),
		})
	}

	if lifetime := claims.ExpiresAt.Time.Sub(issuedAt); lifetime < minTokenLifetime {
		v.log.Warn("token with unusually short lifetime",
			"lifetime_seconds", int(lifetime.Seconds()),
			"request_id", meta.RequestID)
	}

	if len(claims.Subject) < minSubjectLen {
		v.log.Warn("token with suspicious subject format",
			"subject", claims.Subject,
			"request_id", meta.RequestID)
	}

	claims.Extra = extraClaims(tokenString)

	v.log.Info("jwt validation successful",
		"subject", claims.Subject,
		"request_id", meta.RequestID)

	return claims, nil
}

// ValidateServiceToken validates a service-to-service token that may be
// addressed to additional service audiences.
func (v *Validator) ValidateServiceToken(ctx context.Context, tokenString string, meta RequestMeta, serviceAudiences []string) (*Claims, error) {
	return v.ValidateToken(ctx, tokenString, meta, serviceAudiences...)
}

// Reject logs a security event for the failure and returns the classified
// error. The response code carries the kind as classified here, even when
// the detector reclassifies the logged event.
func (v *Validator) Reject(kind security.EventKind, meta RequestMeta, userID, tokenID string, details map[string]any) error {
	v.events.LogError(kind, meta.Origin, meta.UserAgent, meta.RequestID, userID, tokenID, details)
	return &AuthError{Kind: kind, RequestID: meta.RequestID}
}

// parseHeader decodes the token header without verifying anything.
func parseHeader(tokenString string) (map[string]any, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("token has %d segments, want 3", len(parts))
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	header := map[string]any{}
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	return header, nil
}

func missingClaims(claims *Claims) []string {
	var missing []string
	for _, name := range requiredClaims {
		switch name {
		case "sub":
			if claims.Subject == "" {
				missing = append(missing, name)
			}
		case "iat":
			if claims.IssuedAt == nil {
				missing = append(missing, name)
			}
		case "exp":
			if claims.ExpiresAt == nil {
				missing = append(missing, name)
			}
		case "iss":
			if claims.Issuer == "" {
				missing = append(missing, name)
			}
		case "aud":
			if len(claims.Audience) == 0 {
				missing = append(missing, name)
			}
		}
	}
	return missing
}

func audienceAllowed(audience jwt.ClaimStrings, primary string, additional []string) bool {
	allowed := map[string]bool{primary: true}
	for _, aud := range additional {
		allowed[aud] = true
	}
	for _, aud := range audience {
		if allowed[aud] {
			return true
		}
	}
	return false
}

// unverifiedIdentity pulls sub and jti from an unverified payload for event
// attribution on failures. Errors are ignored; attribution is best effort.
func unverifiedIdentity(tokenString string) (userID, tokenID string) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return "", ""
	}
	userID, _ = claims["sub"].(string)
	tokenID, _ = claims["jti"].(string)
	return userID, tokenID
}

// recognizedClaims are the payload keys captured by the typed Claims fields.
var recognizedClaims = map[string]bool{
	"sub": true, "iat": true, "exp": true, "iss": true, "aud": true,
	"nbf": true, "jti": true, "typ": true,
	"preferred_username": true, "email": true, "email_verified": true,
	"given_name": true, "family_name": true, "realm_access": true,
	"groups": true, "makerspace_id": true, "provider_id": true,
}

// extraClaims collects claims outside the recognized set. Called only after
// the token has been verified.
func extraClaims(tokenString string) map[string]any {
	all := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, all); err != nil {
		return nil
	}
	extra := map[string]any{}
	for key, value := range all {
		if !recognizedClaims[key] {
			extra[key] = value
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}
