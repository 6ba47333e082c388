package dispatch

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bifrostbridge/internal/config"
)

func TestCombinedModePrefersStaticMountOverReverseProxy(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("static hit"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("reverse hit"))
	}))
	defer backend.Close()

	snapshot := &config.Snapshot{
		Mode: config.ModeCombined,
		StaticFiles: config.StaticFilesConfig{Mounts: []config.Mount{{
			URLPrefix: "/static", RootDir: dir, IndexFiles: []string{"index.html"},
		}}},
		ReverseProxy:   config.ReverseProxyConfig{TargetURL: backend.URL},
		ConnectionPool: config.PoolConfig{Enabled: true, MaxIdlePerHost: 4, IdleTimeoutSecs: 30, ConnectTimeoutSecs: 2},
	}

	d, err := New(snapshot)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/static/index.html", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	if rec.Body.String() != "static hit" {
		t.Fatalf("body = %q, want static mount to win", rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/anything", nil)
	rec2 := httptest.NewRecorder()
	d.ServeHTTP(rec2, req2)
	if rec2.Body.String() != "reverse hit" {
		t.Fatalf("body = %q, want fallthrough to reverse engine", rec2.Body.String())
	}
}

func TestDispatcherStampsRequestID(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	snapshot := &config.Snapshot{
		Mode:           config.ModeReverse,
		ReverseProxy:   config.ReverseProxyConfig{TargetURL: backend.URL},
		ConnectionPool: config.PoolConfig{Enabled: true, MaxIdlePerHost: 4, IdleTimeoutSecs: 30, ConnectTimeoutSecs: 2},
	}
	d, err := New(snapshot)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if req.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected dispatcher to stamp X-Request-ID before invoking the engine")
	}
}

func TestAdmissionControlRejectsWhenQueueFull(t *testing.T) {
	blocked := make(chan struct{})
	release := make(chan struct{})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(blocked)
		<-release
		w.WriteHeader(http.StatusOK)
	})

	handler := withAdmissionControl(inner, 1, 1)

	go func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	}()
	<-blocked

	go func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	}()
	// Give the second request time to occupy the one queue slot before the
	// third arrives; the queue send itself is the first, non-blocking thing
	// the handler does, so this is generous rather than tight.
	time.Sleep(50 * time.Millisecond)

	rejected := httptest.NewRecorder()
	handler.ServeHTTP(rejected, httptest.NewRequest(http.MethodGet, "/", nil))

	close(release)

	if rejected.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 when queue is full", rejected.Code)
	}
}

func TestAdmissionControlDisabledWhenWorkerThreadsUnset(t *testing.T) {
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := withAdmissionControl(inner, 0, 0)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !called {
		t.Fatal("expected unwrapped handler to be invoked directly when worker_threads is unset")
	}
}
