package staticfiles

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bifrostbridge/internal/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	full := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return full
}

func TestServesRegularFileWithPublicCacheControl(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.js", "console.log('hi')")

	e := New(config.StaticFilesConfig{Mounts: []config.Mount{{
		URLPrefix: "/assets", RootDir: dir, CacheMillis: 60000,
	}}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/assets/app.js", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "console.log('hi')" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=60" {
		t.Fatalf("Cache-Control = %q", got)
	}
}

func TestRejectsDotDotTraversal(t *testing.T) {
	dir := t.TempDir()
	e := New(config.StaticFilesConfig{Mounts: []config.Mount{{URLPrefix: "/assets", RootDir: dir}}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/assets/../../etc/passwd", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound && rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 404 or 400 for traversal attempt", rec.Code)
	}
}

func TestSPAFallbackServedForUnknownRouteWithoutAssetExtension(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<app/>")

	e := New(config.StaticFilesConfig{Mounts: []config.Mount{{
		URLPrefix: "/", RootDir: dir, SPAMode: true, SPAFallbackFile: "index.html",
		IndexFiles: []string{"index.html"},
	}}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/dashboard/settings", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 fallback", rec.Code)
	}
	if rec.Body.String() != "<app/>" {
		t.Fatalf("body = %q, want fallback content", rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache, no-store, must-revalidate" {
		t.Fatalf("Cache-Control = %q, want no-cache for SPA fallback", got)
	}
}

func TestSPAFallbackNotServedForMissingAssetExtension(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<app/>")

	e := New(config.StaticFilesConfig{Mounts: []config.Mount{{
		URLPrefix: "/", RootDir: dir, SPAMode: true, SPAFallbackFile: "index.html",
	}}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/missing.js", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for missing static asset", rec.Code)
	}
}

func TestMethodNotAllowedForPost(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.js", "x")
	e := New(config.StaticFilesConfig{Mounts: []config.Mount{{URLPrefix: "/assets", RootDir: dir}}}, nil)

	req := httptest.NewRequest(http.MethodPost, "/assets/app.js", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") != "GET, HEAD" {
		t.Fatalf("Allow = %q", rec.Header().Get("Allow"))
	}
}

func TestNoCacheFilesPatternAppliesNoStore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "service-worker.js", "self.addEventListener")

	e := New(config.StaticFilesConfig{Mounts: []config.Mount{{
		URLPrefix: "/assets", RootDir: dir, CacheMillis: 60000,
		NoCacheFiles: []string{"service-worker.js"},
	}}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/assets/service-worker.js", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("Cache-Control"); got != "no-cache, no-store, must-revalidate" {
		t.Fatalf("Cache-Control = %q, want no-cache for explicit no_cache_files match", got)
	}
}

func TestDirectoryListingWhenEnabledAndNoIndex(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "a")
	writeFile(t, dir, "b.txt", "b")

	e := New(config.StaticFilesConfig{Mounts: []config.Mount{{
		URLPrefix: "/files", RootDir: dir, EnableDirectoryListing: true,
	}}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/files/", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 listing", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "a.txt") || !strings.Contains(rec.Body.String(), "b.txt") {
		t.Fatalf("listing body missing entries: %s", rec.Body.String())
	}
}

func TestNoMountMatchedReturns404(t *testing.T) {
	e := New(config.StaticFilesConfig{Mounts: []config.Mount{{URLPrefix: "/assets", RootDir: t.TempDir()}}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/other/thing", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unmatched mount", rec.Code)
	}
}
