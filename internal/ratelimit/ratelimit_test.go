package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bifrostbridge/internal/config"
)

func newReq(remote string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = remote
	return r
}

func TestAllowWithinLimit(t *testing.T) {
	l := New(config.RateLimitConfig{Default: &config.RateRule{ID: "default", Limit: 3, WindowSecs: 60}})
	req := newReq("203.0.113.1:1234")
	for i := 0; i < 3; i++ {
		ok, _ := l.Allow(req)
		if !ok {
			t.Fatalf("request %d should be admitted", i)
		}
	}
	ok, retry := l.Allow(req)
	if ok {
		t.Fatal("4th request should be rejected")
	}
	if retry <= 0 {
		t.Fatalf("expected positive retry-after, got %d", retry)
	}
}

func TestDifferentIPsHaveIndependentBuckets(t *testing.T) {
	l := New(config.RateLimitConfig{Default: &config.RateRule{ID: "default", Limit: 1, WindowSecs: 60}})
	if ok, _ := l.Allow(newReq("203.0.113.1:1")); !ok {
		t.Fatal("first client's first request should be admitted")
	}
	if ok, _ := l.Allow(newReq("203.0.113.1:1")); ok {
		t.Fatal("first client's second request should be rejected")
	}
	if ok, _ := l.Allow(newReq("203.0.113.2:1")); !ok {
		t.Fatal("second client should have its own independent bucket")
	}
}

func TestNamedRulePathPrefixFilter(t *testing.T) {
	l := New(config.RateLimitConfig{
		Rules: []config.RateRule{{ID: "api", Limit: 1, WindowSecs: 60, PathPrefix: "/api"}},
	})
	apiReq := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	apiReq.RemoteAddr = "203.0.113.5:1"
	otherReq := httptest.NewRequest(http.MethodGet, "/other", nil)
	otherReq.RemoteAddr = "203.0.113.5:1"

	if ok, _ := l.Allow(apiReq); !ok {
		t.Fatal("first /api request should be admitted")
	}
	if ok, _ := l.Allow(apiReq); ok {
		t.Fatal("second /api request should be rejected by the api rule")
	}
	if ok, _ := l.Allow(otherReq); !ok {
		t.Fatal("/other request should not be subject to the api rule")
	}
}

func TestWindowBoundaryResetsCounter(t *testing.T) {
	l := New(config.RateLimitConfig{Default: &config.RateRule{ID: "default", Limit: 1, WindowSecs: 1}})
	req := newReq("203.0.113.9:1")
	if ok, _ := l.Allow(req); !ok {
		t.Fatal("first request in window should be admitted")
	}
	if ok, _ := l.Allow(req); ok {
		t.Fatal("second request in same window should be rejected")
	}
	time.Sleep(1100 * time.Millisecond)
	if ok, _ := l.Allow(req); !ok {
		t.Fatal("request in the next window should be admitted")
	}
}
