package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makrx/gateway/internal/apierr"
	"github.com/makrx/gateway/internal/security"
)

type validatorFixture struct {
	key       *rsa.PrivateKey
	validator *Validator
	blocklist *security.BlockList
	logbuf    *bytes.Buffer
	now       time.Time
	meta      RequestMeta
}

func newValidatorFixture(t *testing.T) *validatorFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "Should generate a test signing key")

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	blocklist := security.NewBlockList(clock)
	detector := security.NewThreatDetector(nil, clock)
	events := security.NewLogger(logger, detector, blocklist, clock)

	validator := NewValidator(ValidatorConfig{
		KeycloakURL: "https://auth.makrx.org",
		Realm:       "makrx",
		Audience:    "makrcave-api",
		Keys:        StaticKeyProvider{Key: &key.PublicKey},
		Events:      events,
		BlockList:   blocklist,
		Logger:      logger,
		Now:         clock,
	})

	return &validatorFixture{
		key:       key,
		validator: validator,
		blocklist: blocklist,
		logbuf:    buf,
		now:       now,
		meta:      RequestMeta{Origin: "198.51.100.10", UserAgent: "go-test", RequestID: "req-1"},
	}
}

func (f *validatorFixture) baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "f47ac10b-58cc-4372-a567-0e02b2c3d479",
		"iss": "https://auth.makrx.org/realms/makrx",
		"aud": "makrcave-api",
		"iat": f.now.Add(-time.Minute).Unix(),
		"exp": f.now.Add(14 * time.Minute).Unix(),
		"typ": "Bearer",
		"jti": "token-1",
	}
}

func (f *validatorFixture) mint(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.key)
	require.NoError(t, err, "Should sign test token")
	return token
}

func requireKind(t *testing.T, err error, kind security.EventKind) *AuthError {
	t.Helper()
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr, "Failure should be a classified auth error")
	assert.Equal(t, kind, authErr.Kind, "Failure should be classified as %s", kind)
	return authErr
}

func TestValidator_ValidToken(t *testing.T) {
	f := newValidatorFixture(t)

	claims := f.baseClaims()
	claims["preferred_username"] = "maker1"
	claims["email"] = "maker1@makrx.org"
	claims["email_verified"] = true
	claims["realm_access"] = map[string]any{"roles": []string{"maker", "makerspace-admin"}}
	claims["groups"] = []string{"workshop-a"}
	claims["session_state"] = "abc-123"

	result, err := f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	require.NoError(t, err, "A well-formed token should validate")

	assert.Equal(t, "f47ac10b-58cc-4372-a567-0e02b2c3d479", result.Subject)
	assert.Equal(t, "maker1", result.PreferredUsername)
	assert.Equal(t, []string{"maker", "makerspace-admin"}, result.RealmAccess.Roles)
	assert.Equal(t, "abc-123", result.Extra["session_state"], "Unrecognized claims should land in Extra")

	assert.True(t, HasRole(result, "maker"))
	assert.True(t, IsAdmin(result), "makerspace-admin should count as an admin role")

	info := ExtractUserInfo(result)
	assert.Equal(t, result.Subject, info.ID)
	assert.Equal(t, "maker1@makrx.org", info.Email)
	assert.Equal(t, []string{"workshop-a"}, info.Groups)
	assert.True(t, info.EmailVerified)
}

func TestValidator_ExpiredToken(t *testing.T) {
	f := newValidatorFixture(t)

	claims := f.baseClaims()
	claims["iat"] = f.now.Add(-time.Hour).Unix()
	claims["exp"] = f.now.Add(-10 * time.Minute).Unix()

	_, err := f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	authErr := requireKind(t, err, security.KindExpiredToken)

	apiErr := authErr.APIError()
	assert.Equal(t, 401, apiErr.Status)
	assert.Equal(t, "EXPIRED_TOKEN", apiErr.Code)
	assert.Equal(t, "Bearer", apiErr.Headers["WWW-Authenticate"])
	assert.Contains(t, f.logbuf.String(), "EXPIRED_TOKEN", "Rejection should be logged as a security event")
}

func TestValidator_ClockSkewTolerance(t *testing.T) {
	f := newValidatorFixture(t)

	claims := f.baseClaims()
	claims["exp"] = f.now.Add(-29 * time.Second).Unix()
	_, err := f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	assert.NoError(t, err, "Expiry within the 30s leeway should be tolerated")

	claims = f.baseClaims()
	claims["exp"] = f.now.Add(-31 * time.Second).Unix()
	_, err = f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	requireKind(t, err, security.KindExpiredToken)
}

func TestValidator_TokenAge(t *testing.T) {
	f := newValidatorFixture(t)

	claims := f.baseClaims()
	claims["iat"] = f.now.Add(-24 * time.Hour).Unix()
	claims["exp"] = f.now.Add(10 * time.Minute).Unix()
	_, err := f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	assert.NoError(t, err, "A token exactly 24h old should still be accepted")

	claims = f.baseClaims()
	claims["iat"] = f.now.Add(-24*time.Hour - time.Second).Unix()
	claims["exp"] = f.now.Add(10 * time.Minute).Unix()
	_, err = f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	requireKind(t, err, security.KindTokenTooOld)
}

func TestValidator_RejectsNonRS256(t *testing.T) {
	f := newValidatorFixture(t)

	hmacToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, f.baseClaims()).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = f.validator.ValidateToken(context.Background(), hmacToken, f.meta)
	requireKind(t, err, security.KindInvalidAlgorithm)
	assert.Contains(t, f.logbuf.String(), `"algorithm":"HS256"`, "The offending algorithm should be in the event details")
	assert.Contains(t, f.logbuf.String(), `"threat_level":"HIGH"`, "Algorithm attacks should be HIGH")

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, f.baseClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = f.validator.ValidateToken(context.Background(), noneToken, f.meta)
	requireKind(t, err, security.KindInvalidAlgorithm)
}

func TestValidator_InvalidSignature(t *testing.T) {
	f := newValidatorFixture(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodRS256, f.baseClaims()).SignedString(otherKey)
	require.NoError(t, err)

	_, err = f.validator.ValidateToken(context.Background(), forged, f.meta)
	requireKind(t, err, security.KindInvalidSignature)
}

func TestValidator_MalformedToken(t *testing.T) {
	f := newValidatorFixture(t)

	for _, token := range []string{"", "garbage", "a.b", "!!!.???.###"} {
		_, err := f.validator.ValidateToken(context.Background(), token, f.meta)
		requireKind(t, err, security.KindMalformedToken)
	}
}

func TestValidator_MissingClaims(t *testing.T) {
	f := newValidatorFixture(t)

	for _, claim := range []string{"sub", "iat", "exp", "iss", "aud"} {
		claims := f.baseClaims()
		delete(claims, claim)
		_, err := f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
		requireKind(t, err, security.KindMissingClaims)
	}
}

func TestValidator_IssuerAndAudience(t *testing.T) {
	f := newValidatorFixture(t)

	claims := f.baseClaims()
	claims["iss"] = "https://evil.example/realms/makrx"
	_, err := f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	requireKind(t, err, security.KindInvalidIssuer)

	claims = f.baseClaims()
	claims["aud"] = "some-other-api"
	_, err = f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	requireKind(t, err, security.KindInvalidAudience)

	// Multi-valued audiences pass as long as one entry is accepted.
	claims = f.baseClaims()
	claims["aud"] = []string{"some-other-api", "makrcave-api"}
	_, err = f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	assert.NoError(t, err)
}

func TestValidator_ServiceTokenAudiences(t *testing.T) {
	f := newValidatorFixture(t)

	claims := f.baseClaims()
	claims["aud"] = "makrx-events"
	_, err := f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	requireKind(t, err, security.KindInvalidAudience)

	result, err := f.validator.ValidateServiceToken(context.Background(), f.mint(t, claims), f.meta, []string{"makrx-events"})
	require.NoError(t, err, "Service audiences should extend the accepted set")
	assert.Equal(t, jwt.ClaimStrings{"makrx-events"}, result.Audience)
}

func TestValidator_TokenType(t *testing.T) {
	f := newValidatorFixture(t)

	claims := f.baseClaims()
	claims["typ"] = "JWT"
	_, err := f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	requireKind(t, err, security.KindInvalidTokenType)

	for _, typ := range []string{"Bearer", "bearer", ""} {
		claims = f.baseClaims()
		if typ == "" {
			delete(claims, "typ")
		} else {
			claims["typ"] = typ
		}
		_, err = f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
		assert.NoError(t, err, "typ=%q should be accepted", typ)
	}
}

func TestValidator_NotYetValid(t *testing.T) {
	f := newValidatorFixture(t)

	claims := f.baseClaims()
	claims["nbf"] = f.now.Add(2 * time.Minute).Unix()
	_, err := f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	requireKind(t, err, security.KindTokenNotYetValid)
}

func TestValidator_BlockedOrigin(t *testing.T) {
	f := newValidatorFixture(t)
	f.blocklist.Insert(f.meta.Origin, time.Hour)

	_, err := f.validator.ValidateToken(context.Background(), f.mint(t, f.baseClaims()), f.meta)

	var apiErr *apierr.APIError
	require.ErrorAs(t, err, &apiErr, "Blocked origins should be refused with an API error")
	assert.Equal(t, 429, apiErr.Status)
	assert.Equal(t, apierr.CodeRateLimited, apiErr.Code)
	assert.Equal(t, "3600", apiErr.Headers["Retry-After"])
}

func TestValidator_ShortLifetimeWarning(t *testing.T) {
	f := newValidatorFixture(t)

	claims := f.baseClaims()
	claims["iat"] = f.now.Add(-10 * time.Second).Unix()
	claims["exp"] = f.now.Add(50 * time.Second).Unix()

	_, err := f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	require.NoError(t, err, "Short lifetime is a warning, not a rejection")
	assert.Contains(t, f.logbuf.String(), "unusually short lifetime")
}

func TestValidator_ShortSubjectWarning(t *testing.T) {
	f := newValidatorFixture(t)

	claims := f.baseClaims()
	claims["sub"] = "u-1"

	_, err := f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	require.NoError(t, err, "Suspicious subject is a warning, not a rejection")
	assert.Contains(t, f.logbuf.String(), "suspicious subject format")
}

func TestValidator_KeyProviderFailure(t *testing.T) {
	f := newValidatorFixture(t)
	f.validator.keys = StaticKeyProvider{} // no key configured

	_, err := f.validator.ValidateToken(context.Background(), f.mint(t, f.baseClaims()), f.meta)
	authErr := requireKind(t, err, security.KindKeyNotFound)
	assert.Equal(t, 401, authErr.APIError().Status)
}

func TestValidator_EventCountPerRejection(t *testing.T) {
	f := newValidatorFixture(t)

	claims := f.baseClaims()
	claims["exp"] = f.now.Add(-time.Hour).Unix()
	_, err := f.validator.ValidateToken(context.Background(), f.mint(t, claims), f.meta)
	require.Error(t, err)

	events := 0
	for _, line := range strings.Split(f.logbuf.String(), "\n") {
		if strings.Contains(line, `"event":"jwt_security"`) {
			events++
		}
	}
	assert.Equal(t, 1, events, "Each rejection should log exactly one security event")
}
