// Package middleware provides HTTP middleware for the collector's query API.
package middleware

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

// BasicAuth enforces HTTP Basic authentication when enabled. Disabling it is
// explicit: Enabled=false makes Handler a pass-through, and that bypass is
// logged once at construction so it shows up in startup logs.
type BasicAuth struct {
	enabled      bool
	username     string
	passwordHash []byte
	realm        string
	log          *logger.Logger
}

// NewBasicAuth hashes password once at startup with bcrypt so the hot path
// only does a constant-time compare.
func NewBasicAuth(log *logger.Logger, enabled bool, username, password, realm string) *BasicAuth {
	b := &BasicAuth{enabled: enabled, username: username, realm: realm, log: log}
	if realm == "" {
		b.realm = "fl-collector"
	}
	if enabled {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			log.WithError(err).Error("failed to hash API password, disabling basic auth")
			b.enabled = false
			return b
		}
		b.passwordHash = hash
	} else {
		log.Warn("API authentication disabled (API_AUTH_ENABLED=false)")
	}
	return b
}

// Handler returns the auth-checking middleware.
func (b *BasicAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.enabled {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(b.username)) != 1 ||
			bcrypt.CompareHashAndPassword(b.passwordHash, []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+b.realm+`"`)
			WriteError(w, errUnauthorized("missing or invalid credentials"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
