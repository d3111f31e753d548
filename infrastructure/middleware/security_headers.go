// Package middleware provides HTTP middleware for the collector's query API.
package middleware

import "net/http"

// DefaultSecurityHeaders returns the response headers applied to every
// query API response.
func DefaultSecurityHeaders() map[string]string {
	return map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
		"Content-Security-Policy":  "default-src 'self'",
		"Permissions-Policy":        "geolocation=(), microphone=(), camera=()",
	}
}

// SecurityHeaders sets a fixed set of response headers on every request.
func SecurityHeaders(headers map[string]string) func(http.Handler) http.Handler {
	if headers == nil {
		headers = DefaultSecurityHeaders()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}
