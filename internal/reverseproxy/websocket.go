package reverseproxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"bifrostbridge/internal/applog"
	"bifrostbridge/internal/httperr"
	"bifrostbridge/internal/metrics"
	"bifrostbridge/internal/routing"
	"bifrostbridge/internal/tlsutil"
)

func isWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// serveWebSocket validates Origin and Sec-WebSocket-Protocol against the
// configured allow-lists, selects a target (no retry: "WebSocket upgrades
// are never retried", spec.md §4.4), forwards the handshake, and relays raw
// bytes until either side closes or the connection idles past
// websocket.idle_timeout_secs.
func (e *Engine) serveWebSocket(w http.ResponseWriter, r *http.Request, route *routing.CompiledRoute, rt *routeRuntime, start time.Time) {
	if !originAllowed(e.ws.AllowedOrigins, r.Header.Get("Origin")) {
		httperr.Forbidden(w, "origin not allowed")
		metrics.ObserveRequest(engineName, r.Method, http.StatusForbidden, time.Since(start))
		return
	}
	if !protocolAllowed(e.ws.SupportedProtocols, r.Header.Get("Sec-WebSocket-Protocol")) {
		httperr.Forbidden(w, "subprotocol not supported")
		metrics.ObserveRequest(engineName, r.Method, http.StatusForbidden, time.Since(start))
		return
	}

	target := rt.sel.Select(w, r, nil)
	if target == nil {
		httperr.ServiceUnavailable(w)
		metrics.ObserveRequest(engineName, r.Method, http.StatusServiceUnavailable, time.Since(start))
		return
	}

	outbound := e.buildOutbound(r, route.Source, target, nil)

	destConn, err := net.DialTimeout("tcp", ensureHostPort(outbound.URL), 10*time.Second)
	if err != nil {
		httperr.BadGateway(w, "could not reach destination")
		metrics.ObserveRequest(engineName, r.Method, http.StatusBadGateway, time.Since(start))
		return
	}
	if outbound.URL.Scheme == "https" {
		tlsConn := tls.Client(destConn, tlsutil.ClientConfig())
		if err := tlsConn.Handshake(); err != nil {
			destConn.Close()
			httperr.BadGateway(w, "tls handshake with destination failed")
			return
		}
		destConn = tlsConn
	}

	if err := outbound.Write(destConn); err != nil {
		destConn.Close()
		httperr.BadGateway(w, "failed writing handshake upstream")
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		destConn.Close()
		httperr.Internal(w)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		destConn.Close()
		return
	}

	metrics.ObserveRequest(engineName, r.Method, http.StatusSwitchingProtocols, time.Since(start))
	applog.LogReverse(route.Source.ID, target.ID, r.Method, http.StatusSwitchingProtocols, time.Since(start))

	idleTimeout := time.Duration(e.ws.IdleTimeoutSecs) * time.Second
	relay(clientConn, destConn, idleTimeout)
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	if origin == "" {
		return false
	}
	for _, pattern := range allowed {
		if pattern == "*" || strings.EqualFold(pattern, origin) {
			return true
		}
		if matched, _ := path.Match(pattern, origin); matched {
			return true
		}
	}
	return false
}

func protocolAllowed(supported []string, requested string) bool {
	if len(supported) == 0 {
		return true
	}
	if requested == "" {
		return true
	}
	for _, want := range strings.Split(requested, ",") {
		want = strings.TrimSpace(want)
		for _, s := range supported {
			if strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

// relay performs raw bidirectional copy until either side closes or the
// connection sits idle past timeout. Identical idiom to forwardproxy's
// relay (CONNECT tunnel and WebSocket relay share the same raw-byte-pump
// shape per spec.md §4.3/§4.4).
func relay(a, b net.Conn, idleTimeout time.Duration) {
	defer a.Close()
	defer b.Close()

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			if idleTimeout > 0 {
				src.SetReadDeadline(time.Now().Add(idleTimeout))
			}
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}
	go pipe(a, b)
	go pipe(b, a)
	<-done
}
