package handlers

import (
	"net/http"

	"github.com/makrx/gateway/internal/middleware"
	"github.com/makrx/gateway/internal/security"
)

// SecurityStats returns the security subsystem's monitoring snapshot.
// Admin-only; guarded at wiring time.
func SecurityStats(events *security.Logger) middleware.Handler {
	return func(w http.ResponseWriter, _ *http.Request) error {
		return writeJSON(w, http.StatusOK, events.Stats())
	}
}
