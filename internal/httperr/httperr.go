// Package httperr renders the minimal error surface spec.md §7 requires: a
// short plain-text body naming the error class, never echoing internal paths
// or secret values, with Connection: close set when the stream is no longer
// usable. Every engine funnels its HTTP error responses through here instead
// of calling http.Error ad hoc, so the surface stays consistent.
package httperr

import (
	"fmt"
	"net/http"
)

type Class string

const (
	ClassProtocol Class = "protocol"
	ClassAuth     Class = "auth"
	ClassRouting  Class = "routing"
	ClassUpstream Class = "upstream"
	ClassRateLimit Class = "ratelimit"
	ClassInternal Class = "internal"
)

// Write renders status with a minimal plain-text body and closes the
// connection when closeConn is true (protocol errors, fatal parse failures).
func Write(w http.ResponseWriter, status int, class Class, message string, closeConn bool) {
	if closeConn {
		w.Header().Set("Connection", "close")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s: %s\n", class, message)
}

// NotFound renders the 404 "no route matched" surface (§4.1).
func NotFound(w http.ResponseWriter) {
	Write(w, http.StatusNotFound, ClassRouting, "no matching route", false)
}

// ServiceUnavailable renders the 503 "no healthy target" surface (§4.2).
func ServiceUnavailable(w http.ResponseWriter) {
	Write(w, http.StatusServiceUnavailable, ClassRouting, "no healthy upstream target", false)
}

// BadGateway renders a 502 upstream connect/handshake/response failure (§7).
func BadGateway(w http.ResponseWriter, detail string) {
	Write(w, http.StatusBadGateway, ClassUpstream, detail, false)
}

// ProxyAuthRequired renders 407 with the required Proxy-Authenticate header (§4.3).
func ProxyAuthRequired(w http.ResponseWriter, realm string) {
	w.Header().Set("Proxy-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
	Write(w, http.StatusProxyAuthRequired, ClassAuth, "proxy authentication required", true)
}

// Forbidden renders 403 for WebSocket origin/protocol validation failures (§7).
func Forbidden(w http.ResponseWriter, detail string) {
	Write(w, http.StatusForbidden, ClassAuth, detail, true)
}

// TooManyRequests renders 429 with Retry-After, in seconds, per §4.7/§4.4.
func TooManyRequests(w http.ResponseWriter, retryAfterSeconds int) {
	if retryAfterSeconds < 0 {
		retryAfterSeconds = 0
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
	Write(w, http.StatusTooManyRequests, ClassRateLimit, "rate limit exceeded", false)
}

// BadRequest renders 400 for malformed inbound requests (§7).
func BadRequest(w http.ResponseWriter, detail string) {
	Write(w, http.StatusBadRequest, ClassProtocol, detail, true)
}

// MethodNotAllowed renders 405 with the Allow header (§4.6).
func MethodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	Write(w, http.StatusMethodNotAllowed, ClassProtocol, "method not allowed", false)
}

// RequestEntityTooLarge renders 413 for oversized headers/bodies (§7).
func RequestEntityTooLarge(w http.ResponseWriter, detail string) {
	Write(w, http.StatusRequestEntityTooLarge, ClassProtocol, detail, true)
}

// Internal renders 500 for unexpected internal/invariant failures (§7); the
// affected connection is closed, the listener and pool continue.
func Internal(w http.ResponseWriter) {
	Write(w, http.StatusInternalServerError, ClassInternal, "internal error", true)
}
