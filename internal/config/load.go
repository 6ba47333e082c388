package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// rawDocument mirrors the JSON config file shape from spec.md §6 field for
// field. Unknown fields are rejected by DisallowUnknownFields in Load, which
// is the stdlib mechanism that directly satisfies "Unknown fields are
// rejected at load to prevent silent typos."
type rawDocument struct {
	Mode       string `json:"mode"`
	ListenAddr string `json:"listen_addr"`

	PrivateKey  string `json:"private_key"`
	Certificate string `json:"certificate"`

	ProxyUsername string        `json:"proxy_username"`
	ProxyPassword string        `json:"proxy_password"`
	Relay         *rawRelay     `json:"relay"`

	ReverseProxyTarget string     `json:"reverse_proxy_target"`
	ReverseProxyRoutes []rawRoute `json:"reverse_proxy_routes"`
	NotFoundBody       string     `json:"not_found_body"`

	StaticFiles *rawStaticFiles `json:"static_files"`

	RateLimiting *rawRateLimiting `json:"rate_limiting"`

	WebSocket *rawWebSocket `json:"websocket"`

	ConnectionPoolEnabled     *bool `json:"connection_pool_enabled"`
	PoolMaxIdlePerHost        *int  `json:"pool_max_idle_per_host"`
	ConnectTimeoutSecs        *int  `json:"connect_timeout_secs"`
	IdleTimeoutSecs           *int  `json:"idle_timeout_secs"`
	MaxConnectionLifetimeSecs *int  `json:"max_connection_lifetime_secs"`

	// Legacy field, mapped onto ConnectTimeoutSecs when the latter is absent.
	TimeoutSecs *int `json:"timeout_secs"`

	MaxHeaderSize int `json:"max_header_size"`
	WorkerThreads int `json:"worker_threads"`

	Logging    *rawLogging    `json:"logging"`
	Monitoring *rawMonitoring `json:"monitoring"`

	SecretDir string `json:"secret_dir"`
}

type rawRelay struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type rawRoute struct {
	ID              string           `json:"id"`
	Priority        int              `json:"priority"`
	Predicates      []rawPredicate   `json:"predicates"`
	StripPathPrefix string           `json:"strip_path_prefix"`
	Retry           *rawRetry        `json:"retry"`
	Sticky          *rawSticky       `json:"sticky_session"`
	HeaderOverride  *rawHeaderOv     `json:"header_override"`
	LoadBalancing   string           `json:"load_balancing"`
	Target          *rawTarget       `json:"target"`
	Targets         []rawTarget      `json:"targets"`
	HealthCheck     *rawHealthCheck  `json:"health_check"`
}

type rawPredicate struct {
	Type               string   `json:"type"`
	Patterns           []string `json:"patterns"`
	MatchTrailingSlash bool     `json:"match_trailing_slash"`
	Methods            []string `json:"methods"`
	CIDRs              []string `json:"cidrs"`
	Name               string   `json:"name"`
	Value              string   `json:"value"`
	Regex              string   `json:"regex"`
	After              string   `json:"after"`
	Before             string   `json:"before"`
	Group              string   `json:"group"`
	Weight             int      `json:"weight"`
}

type rawRetry struct {
	MaxAttempts         int      `json:"max_attempts"`
	RetryOnConnectError bool     `json:"retry_on_connect_error"`
	RetryOnStatuses     []int    `json:"retry_on_statuses"`
	Methods             []string `json:"methods"`
	MaxBodyBufferBytes  int64    `json:"max_body_buffer_bytes"`
}

type rawSticky struct {
	Mode       string `json:"mode"`
	CookieName string `json:"cookie_name"`
	HeaderName string `json:"header_name"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type rawHeaderOv struct {
	HeaderName    string              `json:"header_name"`
	AllowedValues map[string]string   `json:"allowed_values"`
	AllowedGroups map[string][]string `json:"allowed_groups"`
}

type rawTarget struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Weight  int    `json:"weight"`
	Enabled *bool  `json:"enabled"`
}

type rawHealthCheck struct {
	Enabled      bool   `json:"enabled"`
	Mode         string `json:"mode"`
	Endpoint     string `json:"endpoint"`
	IntervalSecs int    `json:"interval_secs"`
	TimeoutSecs  int    `json:"timeout_secs"`
}

type rawStaticFiles struct {
	Mounts []rawMount `json:"mounts"`
}

type rawMount struct {
	URLPrefix              string            `json:"url_prefix"`
	RootDir                string            `json:"root_dir"`
	IndexFiles             []string          `json:"index_files"`
	EnableDirectoryListing bool              `json:"enable_directory_listing"`
	SPAMode                bool              `json:"spa_mode"`
	SPAFallbackFile        string            `json:"spa_fallback_file"`
	NoCacheFiles           []string          `json:"no_cache_files"`
	CacheMillis            int64             `json:"cache_millisecs"`
	CustomMimeTypes        map[string]string `json:"custom_mime_types"`
}

type rawRateLimiting struct {
	Default *rawRateRule  `json:"default"`
	Rules   []rawRateRule `json:"rules"`
}

type rawRateRule struct {
	ID         string   `json:"id"`
	Limit      int      `json:"limit"`
	WindowSecs int      `json:"window_secs"`
	PathPrefix string   `json:"path_prefix"`
	Methods    []string `json:"methods"`
}

type rawWebSocket struct {
	AllowedOrigins     []string `json:"allowed_origins"`
	SupportedProtocols []string `json:"supported_protocols"`
	IdleTimeoutSecs    int      `json:"idle_timeout_secs"`
}

type rawLogging struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type rawMonitoring struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// CLIOverrides carries the runtime flags from spec.md §6 that override the
// loaded document. Zero values mean "not set" (string "", int 0). SPA is a
// pointer so "not passed" is distinguishable from "set false";
// NoConnectionPool is a plain bool that can only turn pooling off.
type CLIOverrides struct {
	Listen                string
	Mode                  string
	Target                string
	StaticDir             string
	SPA                   *bool
	SPAFallback           string
	WorkerThreads         int
	ConnectTimeoutSecs    int
	IdleTimeoutSecs       int
	MaxConnectionLifetimeSecs int
	ProxyUsername         string
	ProxyPassword         string
	PrivateKey            string
	Certificate           string
	NoConnectionPool      bool
	PoolMaxIdle           int
	LogLevel              string
	LogFormat             string
	MaxHeaderSize         int
	Mounts                []string // "prefix:dir"
	MimeTypes             map[string]string
}

const (
	defaultListenAddr    = ":8080"
	defaultMaxHeaderSize = 1 << 20 // 1 MiB
	defaultWorkerThreads = 0       // 0 => no admission limit in dispatch
	defaultConnectTimeout = 10
	defaultIdleTimeout    = 90
	defaultMaxConnLifetime = 0 // 0 => unbounded
	defaultPoolMaxIdle    = 10
)

// Load reads, validates and compiles the JSON document at path, applies CLI
// overrides, and returns an immutable Snapshot. This generalizes the
// teacher's env-driven config.Load() into a file+flags loader while keeping
// its "typed sub-structs with explicit defaults" style.
func Load(path string, overrides CLIOverrides) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc rawDocument
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	snap, err := convert(&doc)
	if err != nil {
		return nil, err
	}

	applyOverrides(snap, overrides)

	if err := Validate(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func convert(doc *rawDocument) (*Snapshot, error) {
	snap := &Snapshot{
		Mode:          Mode(doc.Mode),
		ListenAddr:    doc.ListenAddr,
		MaxHeaderSize: doc.MaxHeaderSize,
		WorkerThreads: doc.WorkerThreads,
		SecretDir:     doc.SecretDir,
	}
	if snap.ListenAddr == "" {
		snap.ListenAddr = defaultListenAddr
	}
	if snap.MaxHeaderSize == 0 {
		snap.MaxHeaderSize = defaultMaxHeaderSize
	}

	snap.TLS = TLSConfig{
		Enabled:     doc.PrivateKey != "" && doc.Certificate != "",
		PrivateKey:  doc.PrivateKey,
		Certificate: doc.Certificate,
	}

	snap.ForwardProxy = ForwardProxyConfig{
		ProxyUsername: doc.ProxyUsername,
		ProxyPassword: doc.ProxyPassword,
	}
	if doc.Relay != nil {
		snap.ForwardProxy.Relay = &RelayConfig{URL: doc.Relay.URL, Username: doc.Relay.Username, Password: doc.Relay.Password}
	}

	routes := make([]Route, 0, len(doc.ReverseProxyRoutes))
	for _, rr := range doc.ReverseProxyRoutes {
		route, err := convertRoute(rr)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	snap.ReverseProxy = ReverseProxyConfig{
		TargetURL:    doc.ReverseProxyTarget,
		Routes:       routes,
		NotFoundBody: doc.NotFoundBody,
	}

	if doc.StaticFiles != nil {
		mounts := make([]Mount, 0, len(doc.StaticFiles.Mounts))
		for _, m := range doc.StaticFiles.Mounts {
			cache := m.CacheMillis
			if cache == 0 {
				cache = 3600000
			}
			mounts = append(mounts, Mount{
				URLPrefix:              m.URLPrefix,
				RootDir:                m.RootDir,
				IndexFiles:             m.IndexFiles,
				EnableDirectoryListing: m.EnableDirectoryListing,
				SPAMode:                m.SPAMode,
				SPAFallbackFile:        m.SPAFallbackFile,
				NoCacheFiles:           m.NoCacheFiles,
				CacheMillis:            cache,
				CustomMimeTypes:        m.CustomMimeTypes,
			})
		}
		snap.StaticFiles = StaticFilesConfig{Mounts: mounts}
	}

	if doc.RateLimiting != nil {
		rl := RateLimitConfig{}
		if doc.RateLimiting.Default != nil {
			d := convertRateRule(*doc.RateLimiting.Default, "default")
			rl.Default = &d
		}
		for i, r := range doc.RateLimiting.Rules {
			id := r.ID
			if id == "" {
				id = fmt.Sprintf("rule-%d", i)
			}
			rl.Rules = append(rl.Rules, convertRateRule(r, id))
		}
		snap.RateLimiting = rl
	}

	if doc.WebSocket != nil {
		snap.WebSocket = WebSocketConfig{
			AllowedOrigins:     doc.WebSocket.AllowedOrigins,
			SupportedProtocols: doc.WebSocket.SupportedProtocols,
			IdleTimeoutSecs:    doc.WebSocket.IdleTimeoutSecs,
		}
	}
	if snap.WebSocket.IdleTimeoutSecs == 0 {
		snap.WebSocket.IdleTimeoutSecs = 60
	}

	connectTimeout := defaultConnectTimeout
	if doc.TimeoutSecs != nil {
		connectTimeout = *doc.TimeoutSecs
	}
	if doc.ConnectTimeoutSecs != nil {
		connectTimeout = *doc.ConnectTimeoutSecs
	}
	idleTimeout := defaultIdleTimeout
	if doc.IdleTimeoutSecs != nil {
		idleTimeout = *doc.IdleTimeoutSecs
	}
	maxIdle := defaultPoolMaxIdle
	if doc.PoolMaxIdlePerHost != nil {
		maxIdle = *doc.PoolMaxIdlePerHost
	}
	poolEnabled := true
	if doc.ConnectionPoolEnabled != nil {
		poolEnabled = *doc.ConnectionPoolEnabled
	}
	maxLifetime := defaultMaxConnLifetime
	if doc.MaxConnectionLifetimeSecs != nil {
		maxLifetime = *doc.MaxConnectionLifetimeSecs
	}
	snap.ConnectionPool = PoolConfig{
		Enabled:                   poolEnabled && maxIdle != 0,
		MaxIdlePerHost:            maxIdle,
		IdleTimeoutSecs:           idleTimeout,
		ConnectTimeoutSecs:        connectTimeout,
		MaxConnectionLifetimeSecs: maxLifetime,
	}

	if doc.Logging != nil {
		snap.Logging = LoggingConfig{Level: doc.Logging.Level, Format: doc.Logging.Format}
	}
	if snap.Logging.Level == "" {
		snap.Logging.Level = "info"
	}
	if doc.Monitoring != nil {
		snap.Monitoring = MonitoringConfig{Enabled: doc.Monitoring.Enabled, Addr: doc.Monitoring.Addr}
	}
	if snap.SecretDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			snap.SecretDir = home + "/.bifrost"
		}
	}

	return snap, nil
}

func convertRoute(rr rawRoute) (Route, error) {
	route := Route{
		ID:              rr.ID,
		Priority:        rr.Priority,
		StripPathPrefix: rr.StripPathPrefix,
		LoadBalancing:   LBPolicy(rr.LoadBalancing),
	}
	if route.LoadBalancing == "" {
		route.LoadBalancing = LBRoundRobin
	}
	for _, p := range rr.Predicates {
		pred, err := convertPredicate(p)
		if err != nil {
			return Route{}, fmt.Errorf("route %s: %w", rr.ID, err)
		}
		route.Predicates = append(route.Predicates, pred)
	}
	if rr.Retry != nil {
		route.Retry = &RetryPolicy{
			MaxAttempts:         rr.Retry.MaxAttempts,
			RetryOnConnectError: rr.Retry.RetryOnConnectError,
			RetryOnStatuses:     rr.Retry.RetryOnStatuses,
			Methods:             rr.Retry.Methods,
			MaxBodyBufferBytes:  rr.Retry.MaxBodyBufferBytes,
		}
		if route.Retry.MaxBodyBufferBytes == 0 {
			route.Retry.MaxBodyBufferBytes = 1 << 20
		}
	}
	if rr.Sticky != nil {
		route.Sticky = &StickyConfig{
			Mode:       StickyMode(rr.Sticky.Mode),
			CookieName: rr.Sticky.CookieName,
			HeaderName: rr.Sticky.HeaderName,
			TTLSeconds: rr.Sticky.TTLSeconds,
		}
	}
	if rr.HeaderOverride != nil {
		route.HeaderOverride = &HeaderOverrideConfig{
			HeaderName:    rr.HeaderOverride.HeaderName,
			AllowedValues: rr.HeaderOverride.AllowedValues,
			AllowedGroups: rr.HeaderOverride.AllowedGroups,
		}
	}
	if rr.Target != nil {
		t := convertTarget(*rr.Target)
		route.Target = &t
	}
	for _, t := range rr.Targets {
		route.Targets = append(route.Targets, convertTarget(t))
	}
	if rr.HealthCheck != nil {
		route.HealthCheck = &HealthCheckConfig{
			Enabled:      rr.HealthCheck.Enabled,
			Mode:         rr.HealthCheck.Mode,
			Endpoint:     rr.HealthCheck.Endpoint,
			IntervalSecs: rr.HealthCheck.IntervalSecs,
			TimeoutSecs:  rr.HealthCheck.TimeoutSecs,
		}
		if route.HealthCheck.IntervalSecs == 0 {
			route.HealthCheck.IntervalSecs = 10
		}
		if route.HealthCheck.TimeoutSecs == 0 {
			route.HealthCheck.TimeoutSecs = 2
		}
	}
	return route, nil
}

func convertTarget(t rawTarget) Target {
	enabled := true
	if t.Enabled != nil {
		enabled = *t.Enabled
	}
	weight := t.Weight
	if weight == 0 {
		weight = 1
	}
	return Target{ID: t.ID, URL: t.URL, Weight: weight, Enabled: enabled}
}

func convertPredicate(p rawPredicate) (Predicate, error) {
	pred := Predicate{
		Kind:               PredicateKind(p.Type),
		PathPatterns:       p.Patterns,
		MatchTrailingSlash: p.MatchTrailingSlash,
		HostPatterns:       p.Patterns,
		Methods:            p.Methods,
		CIDRs:              p.CIDRs,
		Name:               p.Name,
		MatchValue:         p.Value,
		MatchRegex:         p.Regex,
		WeightGroup:        p.Group,
		Weight:             p.Weight,
	}
	if p.After != "" {
		t, err := time.Parse(time.RFC3339, p.After)
		if err != nil {
			return Predicate{}, fmt.Errorf("predicate %s: invalid after: %w", p.Type, err)
		}
		pred.After = t
	}
	if p.Before != "" {
		t, err := time.Parse(time.RFC3339, p.Before)
		if err != nil {
			return Predicate{}, fmt.Errorf("predicate %s: invalid before: %w", p.Type, err)
		}
		pred.Before = t
	}
	return pred, nil
}

func convertRateRule(r rawRateRule, id string) RateRule {
	return RateRule{ID: id, Limit: r.Limit, WindowSecs: r.WindowSecs, PathPrefix: r.PathPrefix, Methods: r.Methods}
}

func applyOverrides(snap *Snapshot, o CLIOverrides) {
	if o.Listen != "" {
		snap.ListenAddr = o.Listen
	}
	if o.Mode != "" {
		snap.Mode = Mode(o.Mode)
	}
	if o.Target != "" {
		snap.ReverseProxy.TargetURL = o.Target
	}
	if o.StaticDir != "" {
		snap.StaticFiles.Mounts = append(snap.StaticFiles.Mounts, Mount{URLPrefix: "/", RootDir: o.StaticDir})
	}
	if o.SPA != nil && *o.SPA && len(snap.StaticFiles.Mounts) > 0 {
		last := len(snap.StaticFiles.Mounts) - 1
		snap.StaticFiles.Mounts[last].SPAMode = true
		if o.SPAFallback != "" {
			snap.StaticFiles.Mounts[last].SPAFallbackFile = o.SPAFallback
		} else if snap.StaticFiles.Mounts[last].SPAFallbackFile == "" {
			snap.StaticFiles.Mounts[last].SPAFallbackFile = "index.html"
		}
	}
	for _, spec := range o.Mounts {
		for i := 0; i < len(spec); i++ {
			if spec[i] == ':' {
				snap.StaticFiles.Mounts = append(snap.StaticFiles.Mounts, Mount{URLPrefix: spec[:i], RootDir: spec[i+1:]})
				break
			}
		}
	}
	if o.WorkerThreads != 0 {
		snap.WorkerThreads = o.WorkerThreads
	}
	if o.ConnectTimeoutSecs != 0 {
		snap.ConnectionPool.ConnectTimeoutSecs = o.ConnectTimeoutSecs
	}
	if o.IdleTimeoutSecs != 0 {
		snap.ConnectionPool.IdleTimeoutSecs = o.IdleTimeoutSecs
	}
	if o.MaxConnectionLifetimeSecs != 0 {
		snap.ConnectionPool.MaxConnectionLifetimeSecs = o.MaxConnectionLifetimeSecs
	}
	if o.ProxyUsername != "" {
		snap.ForwardProxy.ProxyUsername = o.ProxyUsername
	}
	if o.ProxyPassword != "" {
		snap.ForwardProxy.ProxyPassword = o.ProxyPassword
	}
	if o.PrivateKey != "" {
		snap.TLS.PrivateKey = o.PrivateKey
		snap.TLS.Enabled = true
	}
	if o.Certificate != "" {
		snap.TLS.Certificate = o.Certificate
		snap.TLS.Enabled = true
	}
	if o.NoConnectionPool {
		snap.ConnectionPool.Enabled = false
		snap.ConnectionPool.MaxIdlePerHost = 0
	}
	if o.PoolMaxIdle != 0 {
		snap.ConnectionPool.MaxIdlePerHost = o.PoolMaxIdle
	}
	if o.LogLevel != "" {
		snap.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		snap.Logging.Format = o.LogFormat
	}
	if o.MaxHeaderSize != 0 {
		snap.MaxHeaderSize = o.MaxHeaderSize
	}
	if len(o.MimeTypes) > 0 {
		for i := range snap.StaticFiles.Mounts {
			if snap.StaticFiles.Mounts[i].CustomMimeTypes == nil {
				snap.StaticFiles.Mounts[i].CustomMimeTypes = map[string]string{}
			}
			for k, v := range o.MimeTypes {
				snap.StaticFiles.Mounts[i].CustomMimeTypes[k] = v
			}
		}
	}
}
