// Package middleware provides HTTP middleware for the collector's query API.
package middleware

import (
	"context"
	"net/http"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

// Timeout bounds how long a handler may run before the request context is
// canceled, so a stalled pass-through call to the FL server, Policy Engine,
// or SDN controller cannot hold a query API worker indefinitely.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, `{"status":"error","message":"request timed out"}`)
	}
}

// WithTimeout returns a context bound to timeout alongside its cancel func,
// for handlers that need to bound an individual outbound call rather than
// the whole request.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
