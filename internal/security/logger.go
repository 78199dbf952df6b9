package security

import (
	"context"
	"log/slog"
	"time"
)

// LevelCritical extends slog's levels for CRITICAL threat events.
const LevelCritical = slog.LevelError + 4

// Logger emits one structured record per security event and drives the
// threat detector and block list. HIGH and CRITICAL events additionally
// produce an alert record for downstream alerting integration.
type Logger struct {
	log       *slog.Logger
	detector  *ThreatDetector
	blocklist *BlockList
	now       func() time.Time
}

// NewLogger wires the security event pipeline together.
func NewLogger(log *slog.Logger, detector *ThreatDetector, blocklist *BlockList, now func() time.Time) *Logger {
	if now == nil {
		now = time.Now
	}
	return &Logger{
		log:       log,
		detector:  detector,
		blocklist: blocklist,
		now:       now,
	}
}

// LogError records a JWT failure: it builds the event, runs threat analysis
// (which may reclassify the kind and raise the level), blocks the origin when
// the detector says so, and emits the structured record(s). The returned
// event reflects any reclassification.
func (l *Logger) LogError(kind EventKind, origin, userAgent, requestID, userID, tokenID string, details map[string]any) *Event {
	event := NewEvent(l.now().UTC(), kind, origin, userAgent, requestID)
	event.UserID = userID
	event.TokenID = tokenID
	event.Details = details

	l.detector.Analyze(event)

	if l.blocklist != nil && l.detector.ShouldBlock(origin) && !l.blocklist.IsBlocked(origin) {
		l.blockOrigin(event)
	}

	l.emit(event)

	if event.Level >= ThreatHigh {
		l.alert(event)
	}

	return event
}

// blockOrigin inserts the origin into the block list and emits the block
// event escalated to HIGH.
func (l *Logger) blockOrigin(cause *Event) {
	until := l.blocklist.Insert(cause.Origin, l.detector.Limits().BlockDuration)

	blockEvent := NewEvent(l.now().UTC(), cause.Kind, cause.Origin, cause.UserAgent, cause.RequestID)
	blockEvent.UserID = cause.UserID
	blockEvent.Level = ThreatHigh
	blockEvent.Details = map[string]any{
		"reason":      "excessive_jwt_errors",
		"block_until": until.UTC().Format(time.RFC3339),
	}
	l.emit(blockEvent)
}

func (l *Logger) emit(event *Event) {
	attrs := []slog.Attr{
		slog.String("event", "jwt_security"),
		slog.String("event_type", string(event.Kind)),
		slog.String("threat_level", event.Level.String()),
		slog.String("client_ip", event.Origin),
		slog.String("user_agent", event.UserAgent),
		slog.String("request_id", event.RequestID),
		slog.String("timestamp", event.Timestamp.Format(time.RFC3339Nano)),
	}
	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.TokenID != "" {
		attrs = append(attrs, slog.String("token_jti", event.TokenID))
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, slog.Any("error_details", event.Details))
	}

	l.log.LogAttrs(context.Background(), sinkLevel(event.Level), "jwt security event", attrs...)
}

func (l *Logger) alert(event *Event) {
	l.log.LogAttrs(context.Background(), LevelCritical, "jwt security incident",
		slog.Bool("alert", true),
		slog.String("alert_type", "jwt_security_incident"),
		slog.String("severity", event.Level.String()),
		slog.String("event_type", string(event.Kind)),
		slog.String("client_ip", event.Origin),
		slog.String("timestamp", event.Timestamp.Format(time.RFC3339Nano)),
		slog.String("user_id", event.UserID),
		slog.Any("details", event.Details),
	)
}

func sinkLevel(level ThreatLevel) slog.Level {
	switch level {
	case ThreatCritical:
		return LevelCritical
	case ThreatHigh:
		return slog.LevelError
	case ThreatMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Stats is a monitoring snapshot of the security subsystem.
type Stats struct {
	Timestamp      string `json:"timestamp"`
	BlockedOrigins int    `json:"blocked_ips"`
	EventsLastHour int    `json:"events_last_hour"`
	ActiveOrigins  int    `json:"unique_ips_last_hour"`
	ThreatPatterns int    `json:"threat_patterns"`
}

// Stats returns current counters for monitoring endpoints.
func (l *Logger) Stats() Stats {
	return Stats{
		Timestamp:      l.now().UTC().Format(time.RFC3339),
		BlockedOrigins: l.blocklist.Len(),
		EventsLastHour: l.detector.eventsInWindow(),
		ActiveOrigins:  l.detector.activeOrigins(),
		ThreatPatterns: l.detector.trackedPatterns(),
	}
}
