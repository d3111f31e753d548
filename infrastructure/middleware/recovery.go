// Package middleware provides HTTP middleware for the collector's query API.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

// Recovery recovers from panics in a handler and returns API.InternalError
// instead of crashing the request-serving pool.
type Recovery struct {
	log *logger.Logger
}

// NewRecovery creates a new recovery middleware.
func NewRecovery(log *logger.Logger) *Recovery {
	return &Recovery{log: log}
}

// Handler returns the recovery middleware handler.
func (m *Recovery) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				m.log.WithFields(map[string]interface{}{
					"panic":       fmt.Sprintf("%v", rec),
					"stack":       string(debug.Stack()),
					"path":        r.URL.Path,
					"method":      r.Method,
					"remote_addr": r.RemoteAddr,
				}).Error("panic recovered in API handler")

				svcErr := errInternal("internal server error", fmt.Errorf("%v", rec))
				WriteError(w, svcErr)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
