// Package middleware provides HTTP middleware for the collector's query API.
package middleware

import "net/http"

const defaultMaxRequestBodyBytes int64 = 1 << 20 // 1MiB; the query API has no large-payload endpoints

// BodyLimit caps request bodies at maxBytes via http.MaxBytesReader, so a
// malformed or hostile client can't force a handler to buffer an unbounded
// body.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteError(w, ErrBadRequest("request body too large"))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
