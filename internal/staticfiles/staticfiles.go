// Package staticfiles implements the StaticFileEngine contract from spec.md
// §4.6: resolve a request path against an ordered list of mounts, stream the
// matched file chunk-wise from disk, classify the response for Cache-Control,
// and fall back to SPA routing or a directory listing when appropriate. No
// pack example implements a static file server, so the streaming path follows
// stdlib net/http.ServeContent directly; the cache-control-by-classification
// shape ("decide a class, then pick one header value") is the teacher's
// internal/proxy/cache.go isCacheableResponse idiom applied to files instead
// of proxied responses.
package staticfiles

import (
	"html/template"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"bifrostbridge/internal/applog"
	"bifrostbridge/internal/config"
	"bifrostbridge/internal/httperr"
	"bifrostbridge/internal/metrics"
	"bifrostbridge/internal/ratelimit"
)

const engineName = "staticfiles"

// staticAssetExtensions are never served via SPA fallback: a missing file
// with one of these extensions is a genuine 404, not a client-side route.
var staticAssetExtensions = map[string]bool{
	".js": true, ".css": true, ".png": true, ".jpg": true, ".jpeg": true,
	".gif": true, ".svg": true, ".ico": true, ".woff": true, ".woff2": true,
	".ttf": true, ".eot": true, ".pdf": true, ".zip": true, ".json": true,
	".xml": true, ".mp4": true, ".webm": true, ".mp3": true, ".wav": true,
}

type mount struct {
	cfg    config.Mount
	prefix string // url_prefix with trailing slashes trimmed
}

// Engine serves one or more static mounts. In combined mode, a nil result
// from Match tells the dispatcher to fall through to the reverse engine
// instead of returning 404 directly.
type Engine struct {
	mounts  []mount
	limiter *ratelimit.Limiter
}

func New(cfg config.StaticFilesConfig, limiter *ratelimit.Limiter) *Engine {
	e := &Engine{mounts: make([]mount, 0, len(cfg.Mounts)), limiter: limiter}
	for _, m := range cfg.Mounts {
		e.mounts = append(e.mounts, mount{cfg: m, prefix: strings.TrimRight(m.URLPrefix, "/")})
	}
	return e
}

// Match returns the mount whose url_prefix is a path-segment prefix of p, or
// nil if none matches (spec.md §4.6 "Mount resolution").
func (e *Engine) Match(p string) *config.Mount {
	for i := range e.mounts {
		m := &e.mounts[i]
		if m.prefix == "" || m.prefix == "/" {
			return &m.cfg
		}
		if p == m.prefix || strings.HasPrefix(p, m.prefix+"/") {
			return &m.cfg
		}
	}
	return nil
}

// ServeHTTP serves a request that has already been matched to a mount, or
// replies 404 when no mount matches (static-only mode).
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if e.limiter != nil {
		if allowed, retryAfter := e.limiter.Allow(r); !allowed {
			httperr.TooManyRequests(w, retryAfter)
			metrics.ObserveRequest(engineName, r.Method, http.StatusTooManyRequests, time.Since(start))
			return
		}
	}
	m := e.Match(r.URL.Path)
	if m == nil {
		httperr.NotFound(w)
		metrics.ObserveRequest(engineName, r.Method, http.StatusNotFound, time.Since(start))
		return
	}
	e.serveMount(w, r, m, start)
}

func (e *Engine) serveMount(w http.ResponseWriter, r *http.Request, m *config.Mount, start time.Time) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httperr.MethodNotAllowed(w, "GET, HEAD")
		metrics.ObserveRequest(engineName, r.Method, http.StatusMethodNotAllowed, time.Since(start))
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, strings.TrimRight(m.URLPrefix, "/"))
	rel = strings.TrimPrefix(rel, "/")
	if !safeRelPath(rel) {
		httperr.BadRequest(w, "invalid path")
		metrics.ObserveRequest(engineName, r.Method, http.StatusBadRequest, time.Since(start))
		return
	}

	full := filepath.Join(m.RootDir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err == nil && info.IsDir() {
		e.serveDir(w, r, m, full, rel, start)
		return
	}
	if err != nil {
		if m.SPAMode && !hasStaticAssetExtension(r.URL.Path) {
			e.serveSPAFallback(w, r, m, start)
			return
		}
		httperr.NotFound(w)
		metrics.ObserveRequest(engineName, r.Method, http.StatusNotFound, time.Since(start))
		applog.LogStatic(m.URLPrefix, r.URL.Path, http.StatusNotFound)
		return
	}

	e.serveFile(w, r, m, full, filepath.Base(full), false, start)
}

func (e *Engine) serveDir(w http.ResponseWriter, r *http.Request, m *config.Mount, dir, rel string, start time.Time) {
	for _, idx := range m.IndexFiles {
		candidate := filepath.Join(dir, idx)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			e.serveFile(w, r, m, candidate, idx, true, start)
			return
		}
	}
	if m.EnableDirectoryListing {
		e.serveListing(w, r, m, dir, rel, start)
		return
	}
	if m.SPAMode {
		e.serveSPAFallback(w, r, m, start)
		return
	}
	httperr.NotFound(w)
	metrics.ObserveRequest(engineName, r.Method, http.StatusNotFound, time.Since(start))
}

func (e *Engine) serveSPAFallback(w http.ResponseWriter, r *http.Request, m *config.Mount, start time.Time) {
	if m.SPAFallbackFile == "" {
		httperr.NotFound(w)
		metrics.ObserveRequest(engineName, r.Method, http.StatusNotFound, time.Since(start))
		return
	}
	full := filepath.Join(m.RootDir, m.SPAFallbackFile)
	if _, err := os.Stat(full); err != nil {
		httperr.NotFound(w)
		metrics.ObserveRequest(engineName, r.Method, http.StatusNotFound, time.Since(start))
		return
	}
	e.serveFile(w, r, m, full, filepath.Base(full), true, start)
}

// serveFile streams full chunk-wise via http.ServeContent (never buffers the
// whole file) and stamps the cache classification computed in cache.go.
func (e *Engine) serveFile(w http.ResponseWriter, r *http.Request, m *config.Mount, full, name string, forcedNoCache bool, start time.Time) {
	f, err := os.Open(full)
	if err != nil {
		httperr.NotFound(w)
		metrics.ObserveRequest(engineName, r.Method, http.StatusNotFound, time.Since(start))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		httperr.Internal(w)
		return
	}

	if ct := contentTypeFor(name, m.CustomMimeTypes); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", cacheControlFor(m, name, forcedNoCache))

	http.ServeContent(w, r, name, info.ModTime(), f)

	metrics.ObserveRequest(engineName, r.Method, http.StatusOK, time.Since(start))
	applog.LogStatic(m.URLPrefix, r.URL.Path, http.StatusOK)
}

func safeRelPath(rel string) bool {
	if strings.ContainsRune(rel, 0) {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

func hasStaticAssetExtension(p string) bool {
	return staticAssetExtensions[strings.ToLower(path.Ext(p))]
}

func contentTypeFor(name string, custom map[string]string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if custom != nil {
		if ct, ok := custom[ext]; ok {
			return ct
		}
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// --- directory listing ---

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html><head><title>Index of {{.Path}}</title></head>
<body><h1>Index of {{.Path}}</h1><ul>
{{if .HasParent}}<li><a href="../">../</a></li>{{end}}
{{range .Entries}}<li><a href="{{.Href}}">{{.Name}}</a></li>
{{end}}</ul></body></html>
`))

type listingEntry struct {
	Name string
	Href string
}

type listingData struct {
	Path      string
	HasParent bool
	Entries   []listingEntry
}

func (e *Engine) serveListing(w http.ResponseWriter, r *http.Request, m *config.Mount, dir, rel string, start time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		httperr.Internal(w)
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	data := listingData{Path: r.URL.Path, HasParent: rel != ""}
	for _, d := range entries {
		name := d.Name()
		href := name
		if d.IsDir() {
			href += "/"
		}
		data.Entries = append(data.Entries, listingEntry{Name: name, Href: href})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	listingTemplate.Execute(w, data)
	metrics.ObserveRequest(engineName, r.Method, http.StatusOK, time.Since(start))
	applog.LogStatic(m.URLPrefix, r.URL.Path, http.StatusOK)
}
