// Package config loads and validates the Bifrost Bridge JSON configuration
// document (spec.md §6) and produces an immutable Snapshot shared by every
// engine. The struct shapes below generalize the teacher's small typed
// config sub-structs (CacheConfig, QueueConfig) to the full domain model.
package config

import "time"

type Mode string

const (
	ModeForward  Mode = "forward"
	ModeReverse  Mode = "reverse"
	ModeStatic   Mode = "static"
	ModeCombined Mode = "combined"
)

// Snapshot is the immutable, fully-validated configuration held by the
// engine for the lifetime of a process. Routes, targets, and compiled
// predicates are shared by reference across the matcher, selector, and
// health prober (spec.md §9).
type Snapshot struct {
	Mode       Mode
	ListenAddr string

	TLS TLSConfig

	ForwardProxy  ForwardProxyConfig
	ReverseProxy  ReverseProxyConfig
	StaticFiles   StaticFilesConfig
	RateLimiting  RateLimitConfig
	WebSocket     WebSocketConfig
	ConnectionPool PoolConfig

	Logging    LoggingConfig
	Monitoring MonitoringConfig

	MaxHeaderSize int
	WorkerThreads int

	SecretDir string
}

type TLSConfig struct {
	Enabled     bool
	PrivateKey  string
	Certificate string
}

type ForwardProxyConfig struct {
	ProxyUsername string
	ProxyPassword string
	Relay         *RelayConfig
}

type RelayConfig struct {
	URL      string
	Username string
	Password string
}

type ReverseProxyConfig struct {
	// Either TargetURL (single-target shorthand) or Routes is populated.
	TargetURL string
	Routes    []Route
	NotFoundBody string
}

// Route mirrors spec.md §3's Route entity. Either Target xor Targets is set.
type Route struct {
	ID               string
	Priority         int
	Predicates       []Predicate
	StripPathPrefix  string
	Retry            *RetryPolicy
	Sticky           *StickyConfig
	HeaderOverride   *HeaderOverrideConfig
	LoadBalancing    LBPolicy
	Target           *Target
	Targets          []Target
	HealthCheck      *HealthCheckConfig
}

type LBPolicy string

const (
	LBRoundRobin         LBPolicy = "round_robin"
	LBWeightedRoundRobin LBPolicy = "weighted_round_robin"
	LBLeastConnections   LBPolicy = "least_connections"
	LBRandom             LBPolicy = "random"
)

type Target struct {
	ID      string
	URL     string
	Weight  int
	Enabled bool
}

type RetryPolicy struct {
	MaxAttempts          int
	RetryOnConnectError  bool
	RetryOnStatuses      []int
	Methods              []string
	MaxBodyBufferBytes   int64
}

type StickyMode string

const (
	StickyCookie   StickyMode = "cookie"
	StickyHeader   StickyMode = "header"
	StickySourceIP StickyMode = "source_ip"
)

type StickyConfig struct {
	Mode       StickyMode
	CookieName string
	HeaderName string
	TTLSeconds int
}

type HeaderOverrideConfig struct {
	HeaderName    string
	AllowedValues map[string]string   // header value -> target id
	AllowedGroups map[string][]string // header value -> target ids
}

type HealthCheckConfig struct {
	Enabled      bool
	Mode         string // "tcp" | "http"
	Endpoint     string // for http mode
	IntervalSecs int
	TimeoutSecs  int
}

type PredicateKind string

const (
	PredPath       PredicateKind = "path"
	PredHost       PredicateKind = "host"
	PredMethod     PredicateKind = "method"
	PredHeader     PredicateKind = "header"
	PredQuery      PredicateKind = "query"
	PredCookie     PredicateKind = "cookie"
	PredRemoteAddr PredicateKind = "remote_addr"
	PredAfter      PredicateKind = "after"
	PredBefore     PredicateKind = "before"
	PredBetween    PredicateKind = "between"
	PredWeight     PredicateKind = "weight"
)

// Predicate is the closed tagged-variant shape spec.md §3 and §9 call for:
// one struct carrying every predicate kind's fields, with only the fields
// relevant to Kind populated. Compilation into an evaluator happens in
// internal/routing.
type Predicate struct {
	Kind PredicateKind

	// Path
	PathPatterns       []string
	MatchTrailingSlash bool

	// Host / Method / RemoteAddr
	HostPatterns []string
	Methods      []string
	CIDRs        []string

	// Header / Query / Cookie
	Name       string
	MatchValue string
	MatchRegex string

	// After / Before / Between
	After  time.Time
	Before time.Time

	// Weight
	WeightGroup string
	Weight      int
}

type StaticFilesConfig struct {
	Mounts []Mount
}

type Mount struct {
	URLPrefix               string
	RootDir                 string
	IndexFiles              []string
	EnableDirectoryListing  bool
	SPAMode                 bool
	SPAFallbackFile         string
	NoCacheFiles            []string
	CacheMillis             int64
	CustomMimeTypes         map[string]string
}

type RateLimitConfig struct {
	Default *RateRule
	Rules   []RateRule
}

type RateRule struct {
	ID         string
	Limit      int
	WindowSecs int
	PathPrefix string
	Methods    []string
}

type WebSocketConfig struct {
	AllowedOrigins      []string
	SupportedProtocols  []string
	IdleTimeoutSecs     int
}

type PoolConfig struct {
	Enabled              bool
	MaxIdlePerHost       int
	IdleTimeoutSecs      int
	ConnectTimeoutSecs   int
	MaxConnectionLifetimeSecs int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type MonitoringConfig struct {
	Enabled bool
	Addr    string
}
