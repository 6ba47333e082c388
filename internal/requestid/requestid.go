// Package requestid assigns a stable X-Request-ID to every inbound request,
// the same "ensure, then read" contract as the teacher's
// internal/proxy/requestId.go ensureRequestID/getRequestID, except IDs are
// generated with github.com/google/uuid instead of a time.Now().UnixNano() +
// atomic counter pair.
package requestid

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const Header = "X-Request-ID"

// Ensure sets Header on r if the client didn't already supply one, and
// returns the effective ID either way.
func Ensure(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(Header))
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(Header, id)
	}
	return id
}

// Get reads the existing request ID without generating one, matching the
// teacher's getRequestID.
func Get(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}

// Middleware wraps next so every request carries a request ID before any
// engine handles it, and echoes it back on the response for client-side
// correlation.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Ensure(r)
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r)
	})
}
