package security

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestNewThreatDetector(t *testing.T) {
	detector := NewThreatDetector(nil, nil)

	require.NotNil(t, detector, "Detector should not be nil")
	assert.NotNil(t, detector.originEvents, "Origin events map should be initialized")
	assert.NotNil(t, detector.userFailures, "User failures map should be initialized")
	assert.NotNil(t, detector.patterns, "Pattern cache should be initialized")
	assert.Equal(t, 100, detector.limits.OriginLogCapacity, "Origin log capacity should default to 100")
	assert.Equal(t, 50, detector.limits.UserLogCapacity, "User log capacity should default to 50")
}

func TestLimits_Validate(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())

	bad := DefaultLimits()
	bad.BruteForce = 0
	assert.Error(t, bad.Validate(), "Zero brute-force threshold should be invalid")
}

func TestThreatDetector_BruteForceEscalation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	detector := NewThreatDetector(nil, fixedClock(now))

	origin := "203.0.113.7"
	var last *Event
	for i := 0; i < 11; i++ {
		last = NewEvent(now, KindExpiredToken, origin, "curl/8.0", fmt.Sprintf("req-%d", i))
		detector.Analyze(last)
	}

	assert.Equal(t, KindBruteForceAttempt, last.Kind, "Event past the brute-force threshold should be reclassified")
	assert.Equal(t, ThreatHigh, last.Level, "Brute-force events should be HIGH")
}

func TestThreatDetector_PatternReclassification(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	detector := NewThreatDetector(nil, fixedClock(now))

	origin := "198.51.100.4"
	var last *Event
	for i := 0; i < 6; i++ {
		last = NewEvent(now, KindInvalidAudience, origin, "curl/8.0", "req")
		detector.Analyze(last)
	}

	assert.Equal(t, KindSuspiciousPattern, last.Kind, "Repeated pattern should be reclassified")
	assert.Equal(t, ThreatMedium, last.Level, "Pattern events should be at least MEDIUM")
}

func TestThreatDetector_SignatureAlwaysHigh(t *testing.T) {
	detector := NewThreatDetector(nil, nil)

	event := NewEvent(time.Now(), KindInvalidSignature, "192.0.2.1", "ua", "req")
	level := detector.Analyze(event)
	assert.Equal(t, ThreatHigh, level, "First invalid-signature event should already be HIGH")

	event = NewEvent(time.Now(), KindInvalidAlgorithm, "192.0.2.2", "ua", "req")
	level = detector.Analyze(event)
	assert.Equal(t, ThreatHigh, level, "Algorithm attacks should always be HIGH")
}

func TestThreatDetector_SuspiciousOriginEscalation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	detector := NewThreatDetector(nil, fixedClock(now))

	// Vary kinds so the pattern threshold alone cannot explain the level.
	kinds := []EventKind{KindMalformedToken, KindInvalidIssuer, KindInvalidAudience, KindMissingClaims, KindTokenTooOld}
	origin := "198.51.100.9"
	var last *Event
	for i := 0; i < 21; i++ {
		last = NewEvent(now, kinds[i%len(kinds)], origin, "ua", "req")
		detector.Analyze(last)
	}

	assert.GreaterOrEqual(t, last.Level, ThreatMedium, "Noisy origins should escalate to at least MEDIUM")
	assert.False(t, detector.ShouldBlock(origin), "Non-eligible kinds should not trigger a block")
}

func TestThreatDetector_ShouldBlock(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	detector := NewThreatDetector(nil, fixedClock(now))

	origin := "203.0.113.50"
	for i := 0; i < 20; i++ {
		detector.Analyze(NewEvent(now, KindExpiredToken, origin, "ua", "req"))
	}
	assert.False(t, detector.ShouldBlock(origin), "At 2x threshold the origin is not yet blocked")

	detector.Analyze(NewEvent(now, KindInvalidSignature, origin, "ua", "req"))
	assert.True(t, detector.ShouldBlock(origin), "Past 2x threshold the origin should be blocked")
}

func TestThreatDetector_EscalationNeverLowers(t *testing.T) {
	detector := NewThreatDetector(nil, nil)

	event := NewEvent(time.Now(), KindExpiredToken, "192.0.2.9", "ua", "req")
	event.Level = ThreatCritical
	detector.Analyze(event)
	assert.Equal(t, ThreatCritical, event.Level, "Analysis must not lower a pre-set level")
}

func TestThreatDetector_LogCapacities(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	detector := NewThreatDetector(nil, fixedClock(now))

	origin := "203.0.113.99"
	for i := 0; i < 150; i++ {
		event := NewEvent(now, KindMalformedToken, origin, "ua", "req")
		event.UserID = "user-abc"
		detector.Analyze(event)
	}

	assert.LessOrEqual(t, len(detector.originEvents[origin]), 100, "Origin log should never exceed capacity")
	assert.LessOrEqual(t, len(detector.userFailures["user-abc"]), 50, "User log should never exceed capacity")
}

func TestThreatDetector_WindowExpiry(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	detector := NewThreatDetector(nil, func() time.Time { return current })

	origin := "203.0.113.12"
	for i := 0; i < 15; i++ {
		detector.Analyze(NewEvent(current, KindExpiredToken, origin, "ua", "req"))
	}
	assert.True(t, detector.countEligibleLocked(origin, current) > 10, "Events inside the window should count")

	current = current.Add(2 * time.Hour)
	assert.Equal(t, 0, detector.countEligibleLocked(origin, current), "Events outside the window should not count")
	assert.False(t, detector.ShouldBlock(origin), "Stale events should not keep an origin blockable")
}

func TestThreatLevel_Ordering(t *testing.T) {
	assert.True(t, ThreatLow < ThreatMedium)
	assert.True(t, ThreatMedium < ThreatHigh)
	assert.True(t, ThreatHigh < ThreatCritical)
	assert.Equal(t, "LOW", ThreatLow.String())
	assert.Equal(t, "CRITICAL", ThreatCritical.String())
}

func TestNewEvent_TruncatesUserAgent(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}

	event := NewEvent(time.Now(), KindMalformedToken, "192.0.2.1", string(long), "req")
	assert.Len(t, event.UserAgent, 100, "User agent should be truncated to 100 characters")
}
