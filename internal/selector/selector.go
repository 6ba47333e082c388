package selector

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"bifrostbridge/internal/config"
)

// HealthView reports liveness for targets, populated by internal/pool's
// health prober. A target absent from the view (or unknown) is treated as
// healthy so a freshly started target is usable before its first probe runs
// (spec.md §9 Open Question: "unknown == healthy until proven otherwise").
type HealthView interface {
	IsHealthy(targetID string) bool
}

// AlwaysHealthy is the default HealthView used when no health checker is
// configured for a route.
type AlwaysHealthy struct{}

func (AlwaysHealthy) IsHealthy(string) bool { return true }

// Selector runs the full target-selection pipeline for one route: header
// override, then sticky session, then the route's load-balancing policy,
// each excluding unhealthy and already-tried targets (spec.md §3, §4.2).
type Selector struct {
	route   *config.Route
	lb      Balancer
	health  HealthView
	sticky  *stickyStore
}

func New(route *config.Route, health HealthView) *Selector {
	if health == nil {
		health = AlwaysHealthy{}
	}
	s := &Selector{route: route, health: health}
	targets := route.Targets
	if route.Target != nil {
		targets = []config.Target{*route.Target}
	}
	s.lb = NewBalancer(route.LoadBalancing, targets)
	if route.Sticky != nil {
		s.sticky = newStickyStore(route.Sticky.TTLSeconds)
	}
	return s
}

// Select runs the pipeline and returns the chosen target, or nil if every
// candidate is excluded or unhealthy (caller responds 503).
func (s *Selector) Select(w http.ResponseWriter, r *http.Request, alreadyTried map[string]bool) *config.Target {
	excluded := map[string]bool{}
	for id, v := range alreadyTried {
		if v {
			excluded[id] = true
		}
	}
	for _, t := range s.lb.Targets() {
		if !s.health.IsHealthy(t.ID) {
			excluded[t.ID] = true
		}
	}

	if s.route.HeaderOverride != nil {
		if t := s.selectByHeaderOverride(r, excluded); t != nil {
			return t
		}
	}

	if s.sticky != nil {
		if t := s.selectBySticky(w, r, excluded); t != nil {
			return t
		}
	}

	return s.lb.Pick(excluded)
}

func (s *Selector) Acquire(targetID string) func() { return s.lb.Acquire(targetID) }

func (s *Selector) findTarget(id string) *config.Target {
	for _, t := range s.lb.Targets() {
		if t.ID == id {
			return &t
		}
	}
	return nil
}

func (s *Selector) selectByHeaderOverride(r *http.Request, excluded map[string]bool) *config.Target {
	ov := s.route.HeaderOverride
	v := r.Header.Get(ov.HeaderName)
	if v == "" {
		return nil
	}
	if targetID, ok := ov.AllowedValues[v]; ok {
		if t := s.findTarget(targetID); t != nil && !excluded[t.ID] {
			return t
		}
		return nil
	}
	if group, ok := ov.AllowedGroups[v]; ok {
		for _, id := range group {
			if t := s.findTarget(id); t != nil && !excluded[t.ID] {
				return t
			}
		}
	}
	return nil
}

func (s *Selector) selectBySticky(w http.ResponseWriter, r *http.Request, excluded map[string]bool) *config.Target {
	cfg := s.route.Sticky
	key := stickyKey(cfg, r)

	if key != "" {
		if targetID, ok := s.sticky.get(key); ok {
			if t := s.findTarget(targetID); t != nil && !excluded[t.ID] {
				return t
			}
			// Disabled or unhealthy sticky target: hard exclusion, fall through
			// to the load-balancing policy below, which re-pins the key (or, in
			// cookie mode, reissues the cookie) to the newly picked target
			// (Open Question decided in SPEC_FULL.md §D).
		}
	} else if cfg.Mode != config.StickyCookie {
		// Header/source-IP modes have no session to pin to when the key is
		// empty (request carries no header / cannot be hashed); only cookie
		// mode can manufacture one by issuing a fresh cookie below.
		return nil
	}

	picked := s.lb.Pick(excluded)
	if picked == nil {
		return nil
	}
	if cfg.Mode == config.StickyCookie {
		// A cookie miss (key == "") still runs the policy above and must
		// still pin the choice: the cookie's own value becomes the sticky
		// key for subsequent requests (spec.md §4.2).
		s.sticky.put(picked.ID, picked.ID)
		http.SetCookie(w, &http.Cookie{
			Name:   cfg.CookieName,
			Value:  picked.ID,
			Path:   "/",
			MaxAge: cfg.TTLSeconds,
		})
	} else {
		s.sticky.put(key, picked.ID)
	}
	return picked
}

func stickyKey(cfg *config.StickyConfig, r *http.Request) string {
	switch cfg.Mode {
	case config.StickyCookie:
		c, err := r.Cookie(cfg.CookieName)
		if err != nil {
			return ""
		}
		return c.Value
	case config.StickyHeader:
		return r.Header.Get(cfg.HeaderName)
	case config.StickySourceIP:
		host := r.RemoteAddr
		if i := strings.LastIndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		sum := sha256.Sum256([]byte(host))
		return hex.EncodeToString(sum[:8])
	default:
		return ""
	}
}

// stickyStore is a minimal TTL map: cookie/header/source-ip keys are
// request-controlled, so entries expire instead of growing unbounded.
type stickyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]stickyEntry
}

type stickyEntry struct {
	targetID string
	expires  time.Time
}

func newStickyStore(ttlSeconds int) *stickyStore {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &stickyStore{ttl: ttl, entries: map[string]stickyEntry{}}
}

func (s *stickyStore) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expires) {
		delete(s.entries, key)
		return "", false
	}
	return e.targetID, true
}

func (s *stickyStore) put(key, targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = stickyEntry{targetID: targetID, expires: time.Now().Add(s.ttl)}
}
