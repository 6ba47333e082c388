package reverseproxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"bifrostbridge/internal/config"
	"bifrostbridge/internal/ratelimit"
)

func newTestPoolConfig() config.PoolConfig {
	return config.PoolConfig{Enabled: true, MaxIdlePerHost: 4, IdleTimeoutSecs: 30, ConnectTimeoutSecs: 2}
}

func TestSingleTargetShorthandForwardsAndStampsHeaders(t *testing.T) {
	var gotPath, gotXFF, gotXFP, gotXFH, gotXPS string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotXFP = r.Header.Get("X-Forwarded-Proto")
		gotXFH = r.Header.Get("X-Forwarded-Host")
		gotXPS = r.Header.Get("X-Proxy-Server")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer backend.Close()

	engine, err := New(config.ReverseProxyConfig{TargetURL: backend.URL}, config.WebSocketConfig{}, newTestPoolConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://client.example/widgets", nil)
	req.RemoteAddr = "198.51.100.7:4242"
	req.Host = "client.example"
	rec := httptest.NewRecorder()

	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("body = %q, want hello", rec.Body.String())
	}
	if gotPath != "/widgets" {
		t.Fatalf("upstream path = %q, want /widgets", gotPath)
	}
	if gotXFF != "198.51.100.7" {
		t.Fatalf("X-Forwarded-For = %q, want 198.51.100.7", gotXFF)
	}
	if gotXFP != "http" {
		t.Fatalf("X-Forwarded-Proto = %q, want http", gotXFP)
	}
	if gotXFH != "client.example" {
		t.Fatalf("X-Forwarded-Host = %q, want client.example", gotXFH)
	}
	if gotXPS != "bifrost-bridge" {
		t.Fatalf("X-Proxy-Server = %q, want bifrost-bridge", gotXPS)
	}
}

func TestStripPathPrefixRewritesUpstreamPath(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	backendURL, _ := url.Parse(backend.URL)
	cfg := config.ReverseProxyConfig{
		Routes: []config.Route{{
			ID:              "api",
			StripPathPrefix: "/api",
			LoadBalancing:   config.LBRoundRobin,
			Target:          &config.Target{ID: "api-1", URL: backendURL.String(), Weight: 1, Enabled: true},
		}},
	}
	engine, err := New(cfg, config.WebSocketConfig{}, newTestPoolConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://client.example/api/widgets", nil)
	req.RemoteAddr = "198.51.100.7:4242"
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if gotPath != "/widgets" {
		t.Fatalf("upstream path = %q, want /widgets", gotPath)
	}
}

func TestNoMatchingRouteReturns404(t *testing.T) {
	engine, err := New(config.ReverseProxyConfig{Routes: []config.Route{{
		ID: "only",
		Predicates: []config.Predicate{{
			Kind:         config.PredPath,
			PathPatterns: []string{"/only"},
		}},
		LoadBalancing: config.LBRoundRobin,
		Target:        &config.Target{ID: "t1", URL: "http://127.0.0.1:1", Weight: 1, Enabled: true},
	}}}, config.WebSocketConfig{}, newTestPoolConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://client.example/nope", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRetryOnStatusFailsOverToSecondTarget(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok-from-second-target"))
	}))
	defer good.Close()

	cfg := config.ReverseProxyConfig{
		Routes: []config.Route{{
			ID:            "flaky",
			LoadBalancing: config.LBRoundRobin,
			Retry: &config.RetryPolicy{
				MaxAttempts:     2,
				RetryOnStatuses: []int{http.StatusServiceUnavailable},
				Methods:         []string{"GET"},
			},
			Targets: []config.Target{
				{ID: "bad", URL: bad.URL, Weight: 1, Enabled: true},
				{ID: "good", URL: good.URL, Weight: 1, Enabled: true},
			},
		}},
	}
	engine, err := New(cfg, config.WebSocketConfig{}, newTestPoolConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://client.example/x", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after failing over; body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "ok-from-second-target" {
		t.Fatalf("body = %q, want response from the second target", rec.Body.String())
	}
}

func TestRateLimiterRejectsBeforeRouting(t *testing.T) {
	var backendHit bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	limiter := ratelimit.New(config.RateLimitConfig{Default: &config.RateRule{ID: "deny-all", Limit: 0, WindowSecs: 60}})
	engine, err := New(config.ReverseProxyConfig{TargetURL: backend.URL}, config.WebSocketConfig{}, newTestPoolConfig(), limiter)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://client.example/widgets", nil)
	req.RemoteAddr = "203.0.113.9:1"
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if backendHit {
		t.Fatal("backend should never be contacted when the rate limiter rejects the request")
	}
	if _, err := strconv.Atoi(rec.Header().Get("Retry-After")); err != nil {
		t.Fatalf("Retry-After header missing or not numeric: %q", rec.Header().Get("Retry-After"))
	}
}
