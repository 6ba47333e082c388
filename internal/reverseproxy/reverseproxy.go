// Package reverseproxy implements the ReverseProxyEngine contract from
// spec.md §4.4: consult RateLimiter, run RouteMatcher, invoke TargetSelector,
// apply strip_path_prefix, stamp forwarding headers, remove hop-by-hop
// headers, lease a connection from ConnectionPool keyed by the selected
// target's origin, send the request, stream the response back. Header
// stamping and path rewriting are grounded on the teacher's
// internal/proxy/proxy.go directRequest/singleJoiningSlash; retry looping and
// WebSocket upgrade are new per SPEC_FULL.md and built in the same idiom.
package reverseproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bifrostbridge/internal/applog"
	"bifrostbridge/internal/config"
	"bifrostbridge/internal/httperr"
	"bifrostbridge/internal/metrics"
	"bifrostbridge/internal/pool"
	"bifrostbridge/internal/ratelimit"
	"bifrostbridge/internal/routing"
	"bifrostbridge/internal/selector"
	"bifrostbridge/internal/tlsutil"
)

const engineName = "reverseproxy"

// hopHeaders mirrors forwardproxy's list (RFC 7230 §6.1); kept local since
// the two engines may diverge independently over time.
var hopHeaders = []string{
	"Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// maxBufferedBodyBytes is the implementation limit spec.md §4.4 calls for,
// used when a route's retry block sets no max_body_buffer_bytes: request
// bodies larger than the limit in force disable retry for that request rather
// than risk unbounded memory growth buffering for replay.
const maxBufferedBodyBytes = 4 << 20 // 4 MiB

type routeRuntime struct {
	sel    *selector.Selector
	health *pool.HealthChecker
}

// Engine is the http.Handler installed for reverse-proxy mode.
type Engine struct {
	matcher  *routing.Matcher
	routes   map[string]*routeRuntime
	pool     *pool.Pool
	limiter  *ratelimit.Limiter
	ws       config.WebSocketConfig
	notFound string
}

// New compiles cfg's routes (or synthesizes a single catch-all route from
// cfg.TargetURL when Routes is empty, the single-target shorthand) and wires
// a Selector and optional HealthChecker per route, sharing one ConnectionPool
// and one RateLimiter across all routes. limiter may be nil when rate
// limiting is not configured.
func New(cfg config.ReverseProxyConfig, wsCfg config.WebSocketConfig, poolCfg config.PoolConfig, limiter *ratelimit.Limiter) (*Engine, error) {
	routes := cfg.Routes
	if len(routes) == 0 && cfg.TargetURL != "" {
		routes = []config.Route{{
			ID:            "default",
			LoadBalancing: config.LBRoundRobin,
			Target:        &config.Target{ID: "default", URL: cfg.TargetURL, Weight: 1, Enabled: true},
		}}
	}

	matcher, err := routing.Compile(routes)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		matcher:  matcher,
		routes:   make(map[string]*routeRuntime, len(routes)),
		pool:     pool.New(poolCfg),
		limiter:  limiter,
		ws:       wsCfg,
		notFound: cfg.NotFoundBody,
	}

	for i := range routes {
		route := &routes[i]
		rt := &routeRuntime{}
		if route.HealthCheck != nil && route.HealthCheck.Enabled {
			targets := route.Targets
			if route.Target != nil {
				targets = []config.Target{*route.Target}
			}
			rt.health = pool.NewHealthChecker(route.HealthCheck, targets)
		}
		var health selector.HealthView = selector.AlwaysHealthy{}
		if rt.health != nil {
			health = rt.health
		}
		rt.sel = selector.New(route, health)
		e.routes[route.ID] = rt
	}
	return e, nil
}

// Start launches every route's active health prober. Callers (cmd/bifrost's
// dispatch) should cancel ctx on shutdown.
func (e *Engine) Start(ctx context.Context) {
	for _, rt := range e.routes {
		if rt.health != nil {
			rt.health.Start(ctx)
		}
	}
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if e.limiter != nil {
		if allowed, retryAfter := e.limiter.Allow(r); !allowed {
			httperr.TooManyRequests(w, retryAfter)
			metrics.ObserveRequest(engineName, r.Method, http.StatusTooManyRequests, time.Since(start))
			return
		}
	}

	compiled, attrs := e.matcher.Match(r)
	if compiled == nil {
		if e.notFound != "" {
			httperr.Write(w, http.StatusNotFound, httperr.ClassRouting, e.notFound, false)
		} else {
			httperr.NotFound(w)
		}
		metrics.ObserveRequest(engineName, r.Method, http.StatusNotFound, time.Since(start))
		applog.LogRoute("", false, nil)
		return
	}
	applog.LogRoute(compiled.Source.ID, true, nil)
	rt := e.routes[compiled.Source.ID]

	if isWebSocketUpgrade(r) {
		e.serveWebSocket(w, r, compiled, rt, start)
		return
	}

	e.serveHTTP(w, r, compiled, rt, attrs, start)
}

func (e *Engine) serveHTTP(w http.ResponseWriter, r *http.Request, route *routing.CompiledRoute, rt *routeRuntime, attrs *routing.AttributeBag, start time.Time) {
	retry := route.Source.Retry
	maxAttempts := 1
	var bufferedBody []byte
	bodyBuffered := false

	if retry != nil && retryMethodAllowed(retry.Methods, r.Method) {
		limit := retry.MaxBodyBufferBytes
		if limit <= 0 {
			limit = maxBufferedBodyBytes
		}
		if r.Body != nil && r.ContentLength >= 0 && r.ContentLength <= limit {
			data, err := io.ReadAll(r.Body)
			if err == nil {
				bufferedBody = data
				bodyBuffered = true
				maxAttempts = retry.MaxAttempts
				if maxAttempts < 1 {
					maxAttempts = 1
				}
			}
		}
	}

	tried := map[string]bool{}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		target := rt.sel.Select(w, r, tried)
		if target == nil {
			httperr.ServiceUnavailable(w)
			metrics.ObserveRequest(engineName, r.Method, http.StatusServiceUnavailable, time.Since(start))
			return
		}

		outbound := e.buildOutbound(r, route.Source, target, attrs)
		if bodyBuffered {
			outbound.Body = io.NopCloser(bytes.NewReader(bufferedBody))
			outbound.ContentLength = int64(len(bufferedBody))
		}

		release := rt.sel.Acquire(target.ID)
		resp, err := e.doRequest(outbound)
		release()

		if err != nil {
			tried[target.ID] = true
			if bodyBuffered && retry.RetryOnConnectError && attempt < maxAttempts {
				metrics.IncRetry(route.Source.ID)
				applog.LogReverse(route.Source.ID, target.ID, r.Method, 0, time.Since(start))
				continue
			}
			httperr.BadGateway(w, "upstream connect failed")
			metrics.IncError(engineName, "upstream")
			metrics.ObserveRequest(engineName, r.Method, http.StatusBadGateway, time.Since(start))
			applog.LogReverse(route.Source.ID, target.ID, r.Method, http.StatusBadGateway, time.Since(start))
			return
		}

		if bodyBuffered && attempt < maxAttempts && statusRetriable(resp.StatusCode, retry.RetryOnStatuses) {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			tried[target.ID] = true
			metrics.IncRetry(route.Source.ID)
			applog.LogReverse(route.Source.ID, target.ID, r.Method, resp.StatusCode, time.Since(start))
			continue
		}

		stripHopHeaders(resp.Header)
		for k, vv := range resp.Header {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		n, _ := io.Copy(w, resp.Body)
		resp.Body.Close()
		metrics.AddBytes(engineName, "out", int(n))
		metrics.ObserveRequest(engineName, r.Method, resp.StatusCode, time.Since(start))
		applog.LogReverse(route.Source.ID, target.ID, r.Method, resp.StatusCode, time.Since(start))
		return
	}
}

func retryMethodAllowed(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func statusRetriable(status int, statuses []int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// buildOutbound clones the inbound request into an upstream-bound one:
// strip_path_prefix, URL rewrite, hop-by-hop removal, and X-Forwarded-*/
// X-Proxy-Server stamping (spec.md §4.4), grounded on the teacher's
// directRequest.
func (e *Engine) buildOutbound(r *http.Request, route *config.Route, target *config.Target, attrs *routing.AttributeBag) *http.Request {
	outbound := r.Clone(r.Context())
	outbound.RequestURI = ""

	targetURL, err := url.Parse(target.URL)
	if err != nil {
		targetURL = &url.URL{Scheme: "http", Host: target.URL}
	}

	path := outbound.URL.Path
	if route.StripPathPrefix != "" {
		path = strings.TrimPrefix(path, route.StripPathPrefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	outbound.URL.Scheme = targetURL.Scheme
	outbound.URL.Host = targetURL.Host
	outbound.URL.Path = singleJoiningSlash(targetURL.Path, path)

	stripHopHeaders(outbound.Header)

	if clientIP, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil && clientIP != "" {
		if xff := outbound.Header.Get("X-Forwarded-For"); xff == "" {
			outbound.Header.Set("X-Forwarded-For", clientIP)
		} else {
			outbound.Header.Set("X-Forwarded-For", xff+", "+clientIP)
		}
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	outbound.Header.Set("X-Forwarded-Proto", proto)
	outbound.Header.Set("X-Forwarded-Host", r.Host)
	outbound.Header.Set("X-Proxy-Server", "bifrost-bridge")
	outbound.Host = targetURL.Host

	return outbound
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	default:
		return a + b
	}
}

// doRequest leases a pooled connection for target's origin, writes outbound
// over it, and reads the response framed by http.ReadResponse. This follows
// spec.md §4.5's explicit lease/send/release contract rather than relying on
// http.Transport's internal (and contract-opaque) pooling.
func (e *Engine) doRequest(outbound *http.Request) (*http.Response, error) {
	address := ensureHostPort(outbound.URL)
	origin := pool.OriginKey(outbound.URL.Scheme, outbound.URL.Host)

	handle, err := e.pool.Lease(outbound.Context(), origin, "tcp", address)
	if err != nil {
		return nil, err
	}

	if outbound.URL.Scheme == "https" && handle.Fresh() {
		tlsConn := tls.Client(handle.Conn, clientTLSConfigFor(outbound.URL.Hostname()))
		if err := tlsConn.HandshakeContext(outbound.Context()); err != nil {
			handle.Release(false)
			return nil, err
		}
		handle.Conn = tlsConn
	}

	if err := outbound.Write(handle.Conn); err != nil {
		handle.Release(false)
		return nil, err
	}

	resp, err := http.ReadResponse(newBufReader(handle.Conn), outbound)
	if err != nil {
		handle.Release(false)
		return nil, err
	}

	resp.Body = &releasingBody{ReadCloser: resp.Body, handle: handle, reusable: !resp.Close}
	return resp, nil
}

func clientTLSConfigFor(serverName string) *tls.Config {
	cfg := tlsutil.ClientConfig().Clone()
	cfg.ServerName = serverName
	return cfg
}

func ensureHostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func stripHopHeaders(h http.Header) {
	for _, header := range hopHeaders {
		h.Del(header)
	}
}
