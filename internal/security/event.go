// Package security tracks authentication failures, detects abuse patterns
// and keeps the in-process block list of offending origins. All state is
// process-wide and in memory; a restart clears counters and blocks.
package security

import "time"

// EventKind is the closed set of JWT security event kinds. The string values
// are stable: they appear verbatim in log records and response codes.
type EventKind string

const (
	// Token structure errors
	KindMalformedToken EventKind = "MALFORMED_TOKEN"
	KindInvalidHeader  EventKind = "INVALID_HEADER"
	KindMissingClaims  EventKind = "MISSING_CLAIMS"

	// Security validation errors
	KindExpiredToken     EventKind = "EXPIRED_TOKEN"
	KindInvalidSignature EventKind = "INVALID_SIGNATURE"
	KindInvalidIssuer    EventKind = "INVALID_ISSUER"
	KindInvalidAudience  EventKind = "INVALID_AUDIENCE"
	KindInvalidAlgorithm EventKind = "INVALID_ALGORITHM"

	// Timing validation errors
	KindTokenNotYetValid EventKind = "TOKEN_NOT_YET_VALID"
	KindTokenTooOld      EventKind = "TOKEN_TOO_OLD"
	KindInvalidIssuedAt  EventKind = "INVALID_ISSUED_AT"

	// Authentication errors
	KindMissingToken     EventKind = "MISSING_TOKEN"
	KindInvalidTokenType EventKind = "INVALID_TOKEN_TYPE"
	KindRevokedToken     EventKind = "REVOKED_TOKEN"

	// Authorization errors
	KindInsufficientPrivileges EventKind = "INSUFFICIENT_PRIVILEGES"
	KindScopeMismatch          EventKind = "SCOPE_MISMATCH"
	KindTenantMismatch         EventKind = "TENANT_MISMATCH"

	// Network and infrastructure errors
	KindJWKSFetchError EventKind = "JWKS_FETCH_ERROR"
	KindKeyNotFound    EventKind = "KEY_NOT_FOUND"
	KindNetworkError   EventKind = "NETWORK_ERROR"

	// Attack indicators
	KindReplayAttack      EventKind = "REPLAY_ATTACK"
	KindBruteForceAttempt EventKind = "BRUTE_FORCE_ATTEMPT"
	KindSuspiciousPattern EventKind = "SUSPICIOUS_PATTERN"
)

// ThreatLevel is the ordered severity assigned to a security event.
// Escalation never lowers a level.
type ThreatLevel int

const (
	ThreatLow ThreatLevel = iota
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (l ThreatLevel) String() string {
	switch l {
	case ThreatCritical:
		return "CRITICAL"
	case ThreatHigh:
		return "HIGH"
	case ThreatMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// maxLevel keeps the escalation monotonic.
func maxLevel(a, b ThreatLevel) ThreatLevel {
	if a > b {
		return a
	}
	return b
}

const maxUserAgentLen = 100

// Event is one security-relevant occurrence. It is constructed once by the
// classifier and not mutated after logging; the detector may reclassify Kind
// and raise Level during analysis, before the record is emitted.
type Event struct {
	Timestamp time.Time
	Kind      EventKind
	Origin    string
	UserAgent string
	RequestID string
	UserID    string
	TokenID   string
	Details   map[string]any
	Level     ThreatLevel
}

// NewEvent builds an event with the user agent truncated to 100 characters.
func NewEvent(at time.Time, kind EventKind, origin, userAgent, requestID string) *Event {
	if len(userAgent) > maxUserAgentLen {
		userAgent = userAgent[:maxUserAgentLen]
	}
	return &Event{
		Timestamp: at,
		Kind:      kind,
		Origin:    origin,
		UserAgent: userAgent,
		RequestID: requestID,
		Level:     ThreatLow,
	}
}
