package security

import (
	"fmt"
	"sync"
	"time"
)

// Limits bounds the detector's in-memory tracking and sets the abuse
// thresholds. All thresholds are evaluated over Window per origin.
type Limits struct {
	OriginLogCapacity int           `json:"origin_log_capacity"`
	UserLogCapacity   int           `json:"user_log_capacity"`
	BruteForce        int           `json:"brute_force_threshold"`
	SuspiciousOrigin  int           `json:"suspicious_origin_threshold"`
	Pattern           int           `json:"pattern_threshold"`
	Window            time.Duration `json:"window"`
	BlockDuration     time.Duration `json:"block_duration"`
}

// DefaultLimits returns the production thresholds.
func DefaultLimits() *Limits {
	return &Limits{
		OriginLogCapacity: 100,
		UserLogCapacity:   50,
		BruteForce:        10,
		SuspiciousOrigin:  20,
		Pattern:           5,
		Window:            time.Hour,
		BlockDuration:     time.Hour,
	}
}

// Validate rejects limits that would disable tracking entirely.
func (l *Limits) Validate() error {
	if l.OriginLogCapacity <= 0 {
		return fmt.Errorf("OriginLogCapacity must be positive")
	}
	if l.UserLogCapacity <= 0 {
		return fmt.Errorf("UserLogCapacity must be positive")
	}
	if l.BruteForce <= 0 {
		return fmt.Errorf("BruteForce must be positive")
	}
	if l.SuspiciousOrigin <= 0 {
		return fmt.Errorf("SuspiciousOrigin must be positive")
	}
	if l.Pattern <= 0 {
		return fmt.Errorf("Pattern must be positive")
	}
	if l.Window <= 0 {
		return fmt.Errorf("Window must be positive")
	}
	return nil
}

// originEvent records when an event happened and what kind it arrived as,
// before any reclassification.
type originEvent struct {
	at   time.Time
	kind EventKind
}

// bruteForceEligible are the kinds counted toward the brute-force threshold.
func bruteForceEligible(kind EventKind) bool {
	return kind == KindExpiredToken || kind == KindInvalidSignature
}

// ThreatDetector maintains sliding-window failure counters per origin and
// per user and assigns a threat level to each event.
type ThreatDetector struct {
	mu sync.Mutex

	limits *Limits
	now    func() time.Time

	originEvents map[string][]originEvent
	userFailures map[string][]time.Time
	patterns     map[string]int
}

// NewThreatDetector creates a detector. Nil limits or clock fall back to
// defaults.
func NewThreatDetector(limits *Limits, now func() time.Time) *ThreatDetector {
	if limits == nil {
		limits = DefaultLimits()
	}
	if now == nil {
		now = time.Now
	}
	return &ThreatDetector{
		limits:       limits,
		now:          now,
		originEvents: make(map[string][]originEvent),
		userFailures: make(map[string][]time.Time),
		patterns:     make(map[string]int),
	}
}

// Analyze records the event in the tracking structures and computes its
// threat level, reclassifying the kind when an attack pattern is detected.
// The brute-force reclassification takes precedence over the pattern one so
// a sustained run of expired/bad-signature tokens surfaces as
// BRUTE_FORCE_ATTEMPT rather than a generic suspicious pattern.
func (d *ThreatDetector) Analyze(event *Event) ThreatLevel {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	incoming := event.Kind

	d.recordLocked(incoming, event.Origin, event.UserID, now)

	patternKey := string(incoming) + ":" + event.Origin
	d.patterns[patternKey]++

	level := ThreatLow

	if d.patterns[patternKey] > d.limits.Pattern {
		level = maxLevel(level, ThreatMedium)
		event.Kind = KindSuspiciousPattern
	}

	if d.countOriginLocked(event.Origin, now) > d.limits.SuspiciousOrigin {
		level = maxLevel(level, ThreatMedium)
	}

	if bruteForceEligible(incoming) && d.countEligibleLocked(event.Origin, now) > d.limits.BruteForce {
		level = maxLevel(level, ThreatHigh)
		event.Kind = KindBruteForceAttempt
	}

	// Signature and algorithm attacks are always at least HIGH.
	if incoming == KindInvalidSignature || incoming == KindInvalidAlgorithm {
		level = maxLevel(level, ThreatHigh)
	}

	event.Level = maxLevel(event.Level, level)
	return event.Level
}

// ShouldBlock reports whether the origin has accumulated enough brute-force
// eligible failures in the window to be denied outright.
func (d *ThreatDetector) ShouldBlock(origin string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.countEligibleLocked(origin, d.now()) > d.limits.BruteForce*2
}

// Limits returns the detector's configured limits.
func (d *ThreatDetector) Limits() *Limits {
	return d.limits
}

// recordLocked appends to the bounded origin and user logs, evicting the
// oldest entry when a log is at capacity.
func (d *ThreatDetector) recordLocked(kind EventKind, origin, userID string, now time.Time) {
	events := d.originEvents[origin]
	if len(events) >= d.limits.OriginLogCapacity {
		events = events[1:]
	}
	d.originEvents[origin] = append(events, originEvent{at: now, kind: kind})

	if userID != "" {
		failures := d.userFailures[userID]
		if len(failures) >= d.limits.UserLogCapacity {
			failures = failures[1:]
		}
		d.userFailures[userID] = append(failures, now)
	}
}

func (d *ThreatDetector) countOriginLocked(origin string, now time.Time) int {
	cutoff := now.Add(-d.limits.Window)
	count := 0
	for _, ev := range d.originEvents[origin] {
		if ev.at.After(cutoff) {
			count++
		}
	}
	return count
}

func (d *ThreatDetector) countEligibleLocked(origin string, now time.Time) int {
	cutoff := now.Add(-d.limits.Window)
	count := 0
	for _, ev := range d.originEvents[origin] {
		if ev.at.After(cutoff) && bruteForceEligible(ev.kind) {
			count++
		}
	}
	return count
}

// Stats used by the security logger's monitoring snapshot.

func (d *ThreatDetector) eventsInWindow() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.limits.Window)
	total := 0
	for _, events := range d.originEvents {
		for _, ev := range events {
			if ev.at.After(cutoff) {
				total++
			}
		}
	}
	return total
}

func (d *ThreatDetector) activeOrigins() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.limits.Window)
	active := 0
	for _, events := range d.originEvents {
		for _, ev := range events {
			if ev.at.After(cutoff) {
				active++
				break
			}
		}
	}
	return active
}

func (d *ThreatDetector) trackedPatterns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.patterns)
}
