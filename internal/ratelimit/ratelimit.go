// Package ratelimit enforces spec.md §3/§8's fixed-window rate limiting:
// compound key (rule id, client IP), counter, window-start timestamp, and
// the invariant that a request is admitted iff every applicable rule's
// counter strictly precedes its limit within its current window. This is
// deliberately hand-rolled on a per-rule sync.Mutex rather than built on
// didip/tollbooth (reachable transitively through the Nehonix-Team-XyPriss
// example): tollbooth is a token-bucket limiter and cannot express the exact
// window-boundary invariant spec.md §8 tests ("a request that crosses a
// window boundary is counted in the new window; no request is counted in
// two windows") without smoothing that token buckets are designed to avoid.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tomasen/realip"

	"bifrostbridge/internal/applog"
	"bifrostbridge/internal/config"
	"bifrostbridge/internal/metrics"
)

// Limiter evaluates every applicable rate rule for a request: the default
// rule (always applicable) plus any named rule whose path_prefix and
// methods filters match.
type Limiter struct {
	defaultRule *rule
	rules       []*rule
}

type rule struct {
	cfg     config.RateRule
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	windowStart time.Time
	count       int
}

func New(cfg config.RateLimitConfig) *Limiter {
	l := &Limiter{}
	if cfg.Default != nil {
		l.defaultRule = newRule(*cfg.Default)
	}
	for _, r := range cfg.Rules {
		l.rules = append(l.rules, newRule(r))
	}
	return l
}

func newRule(cfg config.RateRule) *rule {
	return &rule{cfg: cfg, buckets: map[string]*bucket{}}
}

// Allow reports whether r is admitted, and if not, how many seconds until
// the client may retry (Retry-After).
func (l *Limiter) Allow(req *http.Request) (allowed bool, retryAfterSeconds int) {
	ip := realip.FromRequest(req)

	applicable := make([]*rule, 0, len(l.rules)+1)
	for _, rl := range l.rules {
		if ruleApplies(rl.cfg, req) {
			applicable = append(applicable, rl)
		}
	}
	if l.defaultRule != nil {
		applicable = append(applicable, l.defaultRule)
	}

	for _, rl := range applicable {
		ok, retry := rl.admit(ip)
		applog.LogRateLimit(rl.cfg.ID, ip, !ok)
		if !ok {
			metrics.IncRateLimitRejection(rl.cfg.ID)
			return false, retry
		}
	}
	return true, 0
}

func ruleApplies(cfg config.RateRule, req *http.Request) bool {
	if cfg.PathPrefix != "" && !strings.HasPrefix(req.URL.Path, cfg.PathPrefix) {
		return false
	}
	if len(cfg.Methods) > 0 {
		match := false
		for _, m := range cfg.Methods {
			if strings.EqualFold(m, req.Method) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

// admit applies the fixed-window check+increment atomically under the
// rule's lock: compute the current window start, reset the bucket if the
// client has moved into a new window, then admit iff count < limit.
func (r *rule) admit(ip string) (bool, int) {
	window := time.Duration(r.cfg.WindowSecs) * time.Second
	if window <= 0 {
		window = time.Second
	}
	now := time.Now()
	windowStart := now.Truncate(window)

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[ip]
	if !ok || b.windowStart != windowStart {
		b = &bucket{windowStart: windowStart}
		r.buckets[ip] = b
	}

	if b.count >= r.cfg.Limit {
		retryAfter := int(windowStart.Add(window).Sub(now).Seconds()) + 1
		return false, retryAfter
	}
	b.count++
	return true, 0
}
