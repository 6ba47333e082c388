// Package forwardproxy implements the ForwardProxyEngine state machine from
// spec.md §4.3: Accepted -> HeaderParse -> {Authorized|407} -> MethodDispatch
// -> {HttpForward | ConnectTunnel | WebSocketRelay}. The hop-by-hop header
// list, transport construction and directRequest-style rewriting are
// grounded on the teacher's internal/proxy/proxy.go and headers.go; CONNECT
// tunneling and WebSocket relay use the same raw io.Copy idiom. Basic proxy
// auth is constant-time compared via crypto/subtle, which is stdlib because
// no pack library implements constant-time comparison any more safely than
// the standard library's audited primitive (DESIGN.md).
package forwardproxy

import (
	"bufio"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"bifrostbridge/internal/applog"
	"bifrostbridge/internal/config"
	"bifrostbridge/internal/httperr"
	"bifrostbridge/internal/metrics"
	"bifrostbridge/internal/ratelimit"
	"bifrostbridge/internal/tlsutil"
)

// hopHeaders are stripped before forwarding in either direction, per
// spec.md §4.3.
var hopHeaders = []string{
	"Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

const engineName = "forwardproxy"

// Engine is the http.Handler installed for forward-proxy mode. Ordinary
// requests (absolute-URI GET/POST/...) flow through ServeHTTP; CONNECT is
// special-cased because it must hijack the connection.
type Engine struct {
	cfg         config.ForwardProxyConfig
	ws          config.WebSocketConfig
	transport   *http.Transport
	idleTimeout time.Duration
	limiter     *ratelimit.Limiter
}

func New(cfg config.ForwardProxyConfig, ws config.WebSocketConfig, idleTimeout time.Duration, limiter *ratelimit.Limiter) *Engine {
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	return &Engine{
		cfg: cfg,
		ws:  ws,
		transport: &http.Transport{
			Proxy:                 nil,
			TLSClientConfig:       tlsutil.ClientConfig(),
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     false,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		idleTimeout: idleTimeout,
		limiter:     limiter,
	}
}

// ServeHTTP evaluates authorization before the rate limiter, deliberately:
// an unauthenticated client must not be able to burn through another
// client's rate-limit budget by hammering the proxy with bad credentials
// (spec.md §4.3 Accepted -> HeaderParse -> {Authorized|407} -> ...).
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !e.authorize(w, r) {
		metrics.ObserveRequest(engineName, r.Method, http.StatusProxyAuthRequired, time.Since(start))
		return
	}

	if e.limiter != nil {
		if allowed, retryAfter := e.limiter.Allow(r); !allowed {
			httperr.TooManyRequests(w, retryAfter)
			metrics.ObserveRequest(engineName, r.Method, http.StatusTooManyRequests, time.Since(start))
			return
		}
	}

	if r.Method == http.MethodConnect {
		e.serveConnect(w, r)
		return
	}

	if isWebSocketUpgrade(r) {
		e.serveWebSocketRelay(w, r)
		return
	}

	e.serveHTTPForward(w, r, start)
}

func (e *Engine) authorize(w http.ResponseWriter, r *http.Request) bool {
	if e.cfg.ProxyUsername == "" && e.cfg.ProxyPassword == "" {
		return true
	}
	user, pass, ok := parseProxyAuth(r.Header.Get("Proxy-Authorization"))
	valid := ok &&
		subtle.ConstantTimeCompare([]byte(user), []byte(e.cfg.ProxyUsername)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(e.cfg.ProxyPassword)) == 1
	if !valid {
		httperr.ProxyAuthRequired(w, "Proxy Server")
		return false
	}
	r.Header.Del("Proxy-Authorization")
	return true
}

func parseProxyAuth(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func basicAuthHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func (e *Engine) serveHTTPForward(w http.ResponseWriter, r *http.Request, start time.Time) {
	outbound := r.Clone(r.Context())
	outbound.RequestURI = ""
	stripHopHeaders(outbound.Header)

	if e.cfg.Relay != nil {
		if err := applyRelay(outbound, e.cfg.Relay); err != nil {
			httperr.BadGateway(w, "relay configuration error")
			metrics.ObserveRequest(engineName, r.Method, http.StatusBadGateway, time.Since(start))
			return
		}
	}

	resp, err := e.transport.RoundTrip(outbound)
	if err != nil {
		httperr.BadGateway(w, "upstream connect failed")
		metrics.IncError(engineName, "upstream")
		metrics.ObserveRequest(engineName, r.Method, http.StatusBadGateway, time.Since(start))
		applog.LogForward(r.RemoteAddr, r.Method, r.URL.Host, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	stripHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	metrics.AddBytes(engineName, "out", int(n))
	metrics.ObserveRequest(engineName, r.Method, resp.StatusCode, time.Since(start))
	applog.LogForward(r.RemoteAddr, r.Method, r.URL.Host, resp.StatusCode)
}

// applyRelay rewrites outbound to go through the configured relay proxy
// instead of directly to origin, inserting the relay's own
// Proxy-Authorization header (spec.md §4.3: "Chained relay").
func applyRelay(outbound *http.Request, relay *config.RelayConfig) error {
	relayURL, err := url.Parse(relay.URL)
	if err != nil {
		return err
	}
	if relayURL.Scheme == "" || relayURL.Host == "" {
		return errNotAbsoluteURL
	}
	if relay.Username != "" || relay.Password != "" {
		outbound.Header.Set("Proxy-Authorization", basicAuthHeader(relay.Username, relay.Password))
	}
	outbound.URL.Scheme = relayURL.Scheme
	outbound.URL.Host = relayURL.Host
	return nil
}

func (e *Engine) serveConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	destConn, err := e.dialConnectTarget(r)
	if err != nil {
		httperr.BadGateway(w, "could not reach destination")
		metrics.ObserveRequest(engineName, r.Method, http.StatusBadGateway, time.Since(start))
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

	clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	metrics.ObserveRequest(engineName, r.Method, http.StatusOK, time.Since(start))
	applog.LogForward(r.RemoteAddr, r.Method, r.Host, http.StatusOK)

	relay(clientConn, destConn, e.idleTimeout)
}

// dialConnectTarget opens the tunnel's far end: directly to r.Host, or, when
// a relay is configured, by issuing a CONNECT through the relay first and
// handing back the already-tunneled connection (spec.md §4.3: "send the
// original request (or CONNECT) through the relay").
func (e *Engine) dialConnectTarget(r *http.Request) (net.Conn, error) {
	if e.cfg.Relay == nil {
		return net.DialTimeout("tcp", r.Host, 10*time.Second)
	}
	return dialThroughRelay(e.cfg.Relay, r.Host)
}

func dialThroughRelay(relay *config.RelayConfig, target string) (net.Conn, error) {
	relayURL, err := url.Parse(relay.URL)
	if err != nil {
		return nil, err
	}
	if relayURL.Scheme == "" || relayURL.Host == "" {
		return nil, errNotAbsoluteURL
	}

	relayConn, err := net.DialTimeout("tcp", relayURL.Host, 10*time.Second)
	if err != nil {
		return nil, err
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if relay.Username != "" || relay.Password != "" {
		connectReq.Header.Set("Proxy-Authorization", basicAuthHeader(relay.Username, relay.Password))
	}
	if err := connectReq.Write(relayConn); err != nil {
		relayConn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(relayConn), connectReq)
	if err != nil {
		relayConn.Close()
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		relayConn.Close()
		return nil, fmt.Errorf("forwardproxy: relay refused CONNECT: %s", resp.Status)
	}
	return relayConn, nil
}

func (e *Engine) serveWebSocketRelay(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

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

	destConn, err := e.dialConnectTarget(r)
	if err != nil {
		httperr.BadGateway(w, "could not reach destination")
		metrics.ObserveRequest(engineName, r.Method, http.StatusBadGateway, time.Since(start))
		return
	}

	if err := r.Write(destConn); err != nil {
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
	relay(clientConn, destConn, e.idleTimeout)
}

// originAllowed and protocolAllowed mirror internal/reverseproxy/websocket.go
// so both engines enforce spec.md §4.3/§4.4's WebSocket allow-lists
// identically.
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

// isWebSocketUpgrade uses gorilla/websocket only for upgrade-header
// detection, never for frame parsing: after the handshake, traffic is
// relayed byte-for-byte exactly like a CONNECT tunnel (spec.md §4.3).
func isWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// relay performs raw bidirectional copy until either side closes or the
// connection sits idle past timeout, then closes both ends. Grounded on the
// teacher's single-purpose io.Copy tunnel idiom (no tunnel existed in the
// teacher verbatim, but its transport/dialer construction follows the same
// shape as internal/proxy/proxy.go's NewReverseProxy).
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

func stripHopHeaders(h http.Header) {
	for _, header := range hopHeaders {
		h.Del(header)
	}
}

var errNotAbsoluteURL = errors.New("forwardproxy: relay url must be absolute")
