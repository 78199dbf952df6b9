package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"

	"github.com/makrx/gateway/internal/apierr"
)

// Token refresh configuration.
const (
	// refreshThresholdSeconds triggers proactive refresh when fewer seconds
	// remain until expiry.
	refreshThresholdSeconds = 300
	defaultExpiresIn        = 900
	requestTimeout          = 10 * time.Second
	maxRefreshAttempts      = 3
	defaultRetryDelay       = 1 * time.Second
	clientUserAgent         = "MakrX-Backend/1.0"
)

// errRefreshTimeout marks an attempt that timed out, so exhausted retries
// can surface token_service_timeout instead of token_service_unavailable.
var errRefreshTimeout = errors.New("token endpoint timeout")

// TokenInfo is the materialized result of a successful token exchange.
type TokenInfo struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope,omitempty"`

	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// tokenResponse is the identity provider's token endpoint payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    *int   `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// RefreshServiceConfig configures the token refresh client.
type RefreshServiceConfig struct {
	KeycloakURL  string
	Realm        string
	ClientID     string
	ClientSecret string

	Logger *slog.Logger
	Now    func() time.Time
	// HTTPClient overrides the default 10s-timeout client (tests).
	HTTPClient *http.Client
	// RetryDelay overrides the 1s delay between attempts (tests).
	RetryDelay time.Duration
}

// RefreshService exchanges refresh tokens for fresh access tokens at the
// identity provider, with bounded retries, and revokes them on logout.
type RefreshService struct {
	tokenEndpoint  string
	revokeEndpoint string
	clientID       string
	clientSecret   string

	client     *http.Client
	log        *slog.Logger
	now        func() time.Time
	retryDelay time.Duration
}

// NewRefreshService creates a refresh client for the configured realm.
func NewRefreshService(cfg RefreshServiceConfig) *RefreshService {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	base := fmt.Sprintf("%s/realms/%s/protocol/openid-connect", cfg.KeycloakURL, cfg.Realm)
	return &RefreshService{
		tokenEndpoint:  base + "/token",
		revokeEndpoint: base + "/revoke",
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		client:         client,
		log:            cfg.Logger,
		now:            now,
		retryDelay:     delay,
	}
}

// RefreshAccessToken exchanges a refresh token for a new TokenInfo.
// 400 and 401 from the provider are terminal; other statuses and timeouts
// are retried up to 3 attempts with a constant delay.
func (s *RefreshService) RefreshAccessToken(ctx context.Context, refreshToken, requestID string) (*TokenInfo, error) {
	s.log.Info("attempting token refresh", "request_id", requestID)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
	}

	var info *TokenInfo
	backoff := retry.WithMaxRetries(maxRefreshAttempts-1, retry.NewConstant(s.retryDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := s.postForm(ctx, s.tokenEndpoint, form)
		if err != nil {
			if isTimeout(err) {
				s.log.Error("token refresh timeout", "request_id", requestID)
				return retry.RetryableError(fmt.Errorf("%w: %v", errRefreshTimeout, err))
			}
			s.log.Error("token refresh transport error", "error", err, "request_id", requestID)
			return &apierr.APIError{
				Message: "Token refresh failed due to internal error",
				Code:    "token_refresh_failed",
				Status:  http.StatusInternalServerError,
			}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			parsed, err := s.parseTokenResponse(resp)
			if err != nil {
				s.log.Error("token refresh response unreadable", "error", err, "request_id", requestID)
				return &apierr.APIError{
					Message: "Token refresh failed due to internal error",
					Code:    "token_refresh_failed",
					Status:  http.StatusInternalServerError,
				}
			}
			info = parsed
			return nil

		case resp.StatusCode == http.StatusBadRequest:
			s.log.Warn("token refresh failed: invalid refresh token", "request_id", requestID)
			return &apierr.APIError{
				Message: "Refresh token is invalid or expired",
				Code:    "invalid_refresh_token",
				Status:  http.StatusUnauthorized,
			}

		case resp.StatusCode == http.StatusUnauthorized:
			s.log.Warn("token refresh failed: refresh token expired", "request_id", requestID)
			return &apierr.APIError{
				Message: "Refresh token has expired, please login again",
				Code:    "refresh_token_expired",
				Status:  http.StatusUnauthorized,
			}

		default:
			s.log.Warn("token refresh attempt failed",
				"status", resp.StatusCode,
				"request_id", requestID)
			return retry.RetryableError(fmt.Errorf("token endpoint status %d", resp.StatusCode))
		}
	})
	if err != nil {
		var apiErr *apierr.APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		if errors.Is(err, errRefreshTimeout) {
			return nil, &apierr.APIError{
				Message: "Token refresh service timeout",
				Code:    "token_service_timeout",
				Status:  http.StatusServiceUnavailable,
			}
		}
		return nil, &apierr.APIError{
			Message: "Token refresh service temporarily unavailable",
			Code:    "token_service_unavailable",
			Status:  http.StatusServiceUnavailable,
		}
	}
	return info, nil
}

// CheckTokenExpiration decodes the access token without verification and
// reports whether it needs refresh along with the seconds remaining.
func (s *RefreshService) CheckTokenExpiration(token string) (bool, int) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true, 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true, 0
	}
	remaining := int(exp.Time.Sub(s.now()).Seconds())
	if remaining <= 0 {
		return true, 0
	}
	return remaining <= refreshThresholdSeconds, remaining
}

// ExtractRefreshToken pulls the refresh token from the request, in order:
// Authorization "Refresh" scheme, X-Refresh-Token header, refresh_token
// cookie.
func (s *RefreshService) ExtractRefreshToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Refresh ") {
		return strings.TrimPrefix(auth, "Refresh ")
	}
	if header := r.Header.Get("X-Refresh-Token"); header != "" {
		return header
	}
	if cookie, err := r.Cookie("refresh_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// RevokeRefreshToken revokes the token at the identity provider. Failures
// are logged but never fail the caller's logout path.
func (s *RefreshService) RevokeRefreshToken(ctx context.Context, refreshToken, requestID string) bool {
	s.log.Info("revoking refresh token", "request_id", requestID)

	form := url.Values{
		"token":         {refreshToken},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
	}

	resp, err := s.postForm(ctx, s.revokeEndpoint, form)
	if err != nil {
		s.log.Error("token revocation error", "error", err, "request_id", requestID)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.log.Warn("token revocation failed", "status", resp.StatusCode, "request_id", requestID)
		return false
	}
	return true
}

// CheckAndRefresh implements the proactive refresh check: when the request's
// access token is within the refresh threshold and a refresh token is
// available, it performs the exchange. Any failure returns nil; proactive
// refresh never fails the request.
func (s *RefreshService) CheckAndRefresh(r *http.Request, requestID string) *TokenInfo {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil
	}
	accessToken := strings.TrimPrefix(auth, "Bearer ")

	needsRefresh, remaining := s.CheckTokenExpiration(accessToken)
	if !needsRefresh {
		return nil
	}

	refreshToken := s.ExtractRefreshToken(r)
	if refreshToken == "" {
		s.log.Warn("no refresh token available for automatic refresh", "request_id", requestID)
		return nil
	}

	s.log.Info("token expiring, attempting refresh",
		"seconds_remaining", remaining,
		"request_id", requestID)

	info, err := s.RefreshAccessToken(r.Context(), refreshToken, requestID)
	if err != nil {
		s.log.Warn("automatic token refresh failed", "error", err, "request_id", requestID)
		return nil
	}
	return info
}

func (s *RefreshService) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", clientUserAgent)
	return s.client.Do(req)
}

func (s *RefreshService) parseTokenResponse(resp *http.Response) (*TokenInfo, error) {
	var data tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if data.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}

	expiresIn := defaultExpiresIn
	if data.ExpiresIn != nil {
		expiresIn = *data.ExpiresIn
	}
	tokenType := data.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	issuedAt := s.now().UTC()
	return &TokenInfo{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresIn:    expiresIn,
		TokenType:    tokenType,
		Scope:        data.Scope,
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt.Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
