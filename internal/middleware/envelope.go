// Package middleware implements the request envelope and the authentication
// chain. Middleware here transforms error-returning handlers into
// http.Handlers; chains are composed explicitly at wiring time.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/makrx/gateway/internal/apierr"
)

// Handler is an HTTP handler that reports failures instead of writing them;
// the envelope converts the returned error into the unified response shape.
type Handler func(http.ResponseWriter, *http.Request) error

type contextKey int

const (
	requestIDKey contextKey = iota
	originKey
)

// RequestIDFromContext returns the request identifier assigned by the
// envelope, or "unknown" outside of one.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// OriginFromContext returns the resolved client origin.
func OriginFromContext(ctx context.Context) string {
	if origin, ok := ctx.Value(originKey).(string); ok {
		return origin
	}
	return "unknown"
}

// ClientOrigin resolves the network identity of a request: first value of
// X-Forwarded-For, then X-Real-IP, then the direct connection peer.
func ClientOrigin(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// Envelope assigns a request identifier and timing to every request and
// converts handler failures into the unified JSON error response.
type Envelope struct {
	log        *slog.Logger
	production bool
	now        func() time.Time
}

// NewEnvelope creates the request envelope. In production mode internal
// error details are suppressed from responses.
func NewEnvelope(log *slog.Logger, production bool, now func() time.Time) *Envelope {
	if now == nil {
		now = time.Now
	}
	return &Envelope{log: log, production: production, now: now}
}

// Wrap turns an error-returning handler into an http.Handler. Every response
// carries X-Request-ID and X-Response-Time; panics become 500s and are never
// propagated.
func (e *Envelope) Wrap(h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := e.now()

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		ctx = context.WithValue(ctx, originKey, ClientOrigin(r))
		r = r.WithContext(ctx)

		ew := &envelopeWriter{
			ResponseWriter: w,
			requestID:      requestID,
			start:          start,
			now:            e.now,
		}

		defer func() {
			if rv := recover(); rv != nil {
				e.handlePanic(ew, r, requestID, rv)
			}
		}()

		if err := h(ew, r); err != nil {
			e.writeError(ew, r, requestID, err)
		}
	})
}

// envelopeWriter injects the envelope headers right before the first write.
type envelopeWriter struct {
	http.ResponseWriter
	requestID   string
	start       time.Time
	now         func() time.Time
	wroteHeader bool
}

func (w *envelopeWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Set("X-Request-ID", w.requestID)
		elapsed := float64(w.now().Sub(w.start).Microseconds()) / 1000
		w.Header().Set("X-Response-Time", fmt.Sprintf("%.2fms", elapsed))
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *envelopeWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// apiConvertible lets domain errors (auth failures) supply their own wire
// representation without this package importing theirs.
type apiConvertible interface {
	APIError() *apierr.APIError
}

// writeError classifies the failure into one of the error variants and
// renders the unified shape.
func (e *Envelope) writeError(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	timestamp := float64(e.now().UnixNano()) / float64(time.Second)

	var conv apiConvertible
	if errors.As(err, &conv) {
		e.writeAPIError(w, r, requestID, timestamp, conv.APIError())
		return
	}

	var apiErr *apierr.APIError
	if errors.As(err, &apiErr) {
		e.writeAPIError(w, r, requestID, timestamp, apiErr)
		return
	}

	var valErr *apierr.ValidationError
	if errors.As(err, &valErr) {
		e.log.Warn("validation error",
			"field_errors", len(valErr.FieldErrors),
			"method", r.Method, "path", r.URL.Path,
			"request_id", requestID)
		apierr.Write(w, http.StatusUnprocessableEntity, apierr.Body{
			Message:     "Request validation failed",
			Code:        apierr.CodeValidationError,
			RequestID:   requestID,
			Timestamp:   timestamp,
			FieldErrors: valErr.FieldErrors,
		}, nil)
		return
	}

	var httpErr *apierr.HTTPError
	if errors.As(err, &httpErr) {
		e.log.Warn("http error",
			"status", httpErr.Status, "detail", httpErr.Detail,
			"method", r.Method, "path", r.URL.Path,
			"request_id", requestID)
		apierr.Write(w, httpErr.Status, apierr.Body{
			Message:   httpErr.Detail,
			Code:      apierr.CodeForStatus(httpErr.Status),
			RequestID: requestID,
			Timestamp: timestamp,
		}, nil)
		return
	}

	e.writeUnexpected(w, r, requestID, timestamp, err, nil)
}

func (e *Envelope) writeAPIError(w http.ResponseWriter, r *http.Request, requestID string, timestamp float64, apiErr *apierr.APIError) {
	e.log.Warn("api error",
		"error", apiErr.Message,
		"code", apiErr.Code,
		"method", r.Method, "path", r.URL.Path,
		"request_id", requestID)
	apierr.Write(w, apiErr.Status, apierr.Body{
		Message:     apiErr.Message,
		Code:        apiErr.Code,
		RequestID:   requestID,
		Timestamp:   timestamp,
		FieldErrors: apiErr.FieldErrors,
		Details:     apiErr.Details,
	}, apiErr.Headers)
}

func (e *Envelope) handlePanic(w http.ResponseWriter, r *http.Request, requestID string, rv any) {
	timestamp := float64(e.now().UnixNano()) / float64(time.Second)
	err, ok := rv.(error)
	if !ok {
		err = fmt.Errorf("%v", rv)
	}
	e.writeUnexpected(w, r, requestID, timestamp, err, debug.Stack())
}

// writeUnexpected renders the fixed internal-error response. The stack trace
// is logged but never returned; exception details appear in the body only
// outside production.
func (e *Envelope) writeUnexpected(w http.ResponseWriter, r *http.Request, requestID string, timestamp float64, err error, stack []byte) {
	if stack == nil {
		stack = debug.Stack()
	}
	e.log.Error("unexpected error",
		"error", err.Error(),
		"type", fmt.Sprintf("%T", err),
		"method", r.Method, "path", r.URL.Path,
		"request_id", requestID,
		"stack", string(stack))

	var details map[string]any
	if !e.production {
		details = map[string]any{
			"exception_type":    fmt.Sprintf("%T", err),
			"exception_message": err.Error(),
		}
	}

	apierr.Write(w, http.StatusInternalServerError, apierr.Body{
		Message:   "An internal server error occurred",
		Code:      apierr.CodeInternalError,
		RequestID: requestID,
		Timestamp: timestamp,
		Details:   details,
	}, nil)
}
