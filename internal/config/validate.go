package config

import (
	"fmt"
	"regexp"
	"regexp/syntax"
)

// Validate enforces the structural invariants spec.md §3/§6/§9 require beyond
// what JSON decoding already checks (DisallowUnknownFields handles the
// unknown-field rejection). It is deliberately flat rather than spread across
// per-type Validate() methods, mirroring the teacher's single validate() pass
// over its config.Config.
func Validate(s *Snapshot) error {
	switch s.Mode {
	case ModeForward, ModeReverse, ModeStatic, ModeCombined:
	default:
		return fmt.Errorf("config: mode %q must be one of forward, reverse, static, combined", s.Mode)
	}

	if s.MaxHeaderSize <= 0 {
		return fmt.Errorf("config: max_header_size must be positive")
	}
	if s.ConnectionPool.ConnectTimeoutSecs < 0 {
		return fmt.Errorf("config: connect_timeout_secs must not be negative")
	}
	if s.ConnectionPool.IdleTimeoutSecs < 0 {
		return fmt.Errorf("config: idle_timeout_secs must not be negative")
	}
	if s.ConnectionPool.MaxIdlePerHost < 0 {
		return fmt.Errorf("config: pool_max_idle_per_host must not be negative")
	}

	if s.Mode == ModeForward || s.Mode == ModeCombined {
		if s.ForwardProxy.Relay != nil && s.ForwardProxy.Relay.URL == "" {
			return fmt.Errorf("config: relay configured without a url")
		}
	}

	if s.Mode == ModeReverse || s.Mode == ModeCombined {
		if s.ReverseProxy.TargetURL == "" && len(s.ReverseProxy.Routes) == 0 {
			return fmt.Errorf("config: reverse proxy mode requires reverse_proxy_target or reverse_proxy_routes")
		}
		if err := validateRoutes(s.ReverseProxy.Routes); err != nil {
			return err
		}
	}

	if s.Mode == ModeStatic || s.Mode == ModeCombined {
		if len(s.StaticFiles.Mounts) == 0 {
			return fmt.Errorf("config: static mode requires at least one mount")
		}
		if err := validateMounts(s.StaticFiles.Mounts); err != nil {
			return err
		}
	}

	if err := validateRateLimiting(s.RateLimiting); err != nil {
		return err
	}

	if s.TLS.Enabled && (s.TLS.PrivateKey == "" || s.TLS.Certificate == "") {
		return fmt.Errorf("config: tls enabled requires both private_key and certificate")
	}

	return nil
}

func validateRoutes(routes []Route) error {
	seenRoute := map[string]bool{}
	for _, r := range routes {
		if r.ID == "" {
			return fmt.Errorf("config: route missing id")
		}
		if seenRoute[r.ID] {
			return fmt.Errorf("config: duplicate route id %q", r.ID)
		}
		seenRoute[r.ID] = true

		if (r.Target == nil) == (len(r.Targets) == 0) {
			return fmt.Errorf("config: route %s must set exactly one of target or targets", r.ID)
		}

		if r.Target != nil && r.Target.URL == "" {
			return fmt.Errorf("config: route %s target missing url", r.ID)
		}

		if len(r.Targets) > 0 {
			seenTarget := map[string]bool{}
			weightGroupTotal := 0
			for _, t := range r.Targets {
				if t.URL == "" {
					return fmt.Errorf("config: route %s has a target missing url", r.ID)
				}
				if t.ID != "" {
					if seenTarget[t.ID] {
						return fmt.Errorf("config: route %s has duplicate target id %q", r.ID, t.ID)
					}
					seenTarget[t.ID] = true
				}
				if t.Weight < 0 {
					return fmt.Errorf("config: route %s target %s has negative weight", r.ID, t.ID)
				}
				weightGroupTotal += t.Weight
			}
			if r.LoadBalancing == LBWeightedRoundRobin && weightGroupTotal == 0 {
				return fmt.Errorf("config: route %s uses weighted_round_robin but every target has weight 0", r.ID)
			}
		}

		switch r.LoadBalancing {
		case "", LBRoundRobin, LBWeightedRoundRobin, LBLeastConnections, LBRandom:
		default:
			return fmt.Errorf("config: route %s has unknown load_balancing %q", r.ID, r.LoadBalancing)
		}

		if r.Retry != nil && r.Retry.MaxAttempts < 1 {
			return fmt.Errorf("config: route %s retry.max_attempts must be >= 1", r.ID)
		}

		if r.Sticky != nil {
			switch r.Sticky.Mode {
			case StickyCookie, StickyHeader, StickySourceIP:
			default:
				return fmt.Errorf("config: route %s sticky_session has unknown mode %q", r.ID, r.Sticky.Mode)
			}
			if r.Sticky.Mode == StickyCookie && r.Sticky.CookieName == "" {
				return fmt.Errorf("config: route %s sticky_session cookie mode requires cookie_name", r.ID)
			}
			if r.Sticky.Mode == StickyHeader && r.Sticky.HeaderName == "" {
				return fmt.Errorf("config: route %s sticky_session header mode requires header_name", r.ID)
			}
		}

		weightGroups := map[string]int{}
		for _, p := range r.Predicates {
			if err := validatePredicate(r.ID, p); err != nil {
				return err
			}
			if p.Kind == PredWeight {
				weightGroups[p.WeightGroup] += p.Weight
			}
		}
		for group, total := range weightGroups {
			if total <= 0 {
				return fmt.Errorf("config: route %s weight group %q sums to zero; every weight predicate group must have positive total weight", r.ID, group)
			}
		}
	}
	return nil
}

func validatePredicate(routeID string, p Predicate) error {
	switch p.Kind {
	case PredPath:
		if len(p.PathPatterns) == 0 {
			return fmt.Errorf("config: route %s path predicate has no patterns", routeID)
		}
	case PredHost:
		if len(p.HostPatterns) == 0 {
			return fmt.Errorf("config: route %s host predicate has no patterns", routeID)
		}
	case PredMethod:
		if len(p.Methods) == 0 {
			return fmt.Errorf("config: route %s method predicate has no methods", routeID)
		}
	case PredHeader, PredQuery, PredCookie:
		if p.Name == "" {
			return fmt.Errorf("config: route %s %s predicate missing name", routeID, p.Kind)
		}
		if p.MatchRegex != "" {
			if err := checkRegexSafety(p.MatchRegex); err != nil {
				return fmt.Errorf("config: route %s %s predicate on %s: %w", routeID, p.Kind, p.Name, err)
			}
		}
	case PredRemoteAddr:
		if len(p.CIDRs) == 0 {
			return fmt.Errorf("config: route %s remote_addr predicate has no cidrs", routeID)
		}
	case PredAfter, PredBefore, PredBetween:
		// time fields validated at JSON decode (RFC3339 parse failure there).
	case PredWeight:
		if p.WeightGroup == "" {
			return fmt.Errorf("config: route %s weight predicate missing group", routeID)
		}
		if p.Weight < 0 {
			return fmt.Errorf("config: route %s weight predicate has negative weight", routeID)
		}
	default:
		return fmt.Errorf("config: route %s has unknown predicate type %q", routeID, p.Kind)
	}
	return nil
}

// checkRegexSafety rejects patterns regexp would compile into an exponential
// construction before they ever see a request. Go's RE2 engine (regexp/
// regexp/syntax) is linear-time by construction, so this is a coarse nesting
// check against accidental pathological patterns rather than a defense
// against true backtracking blowup, which RE2 cannot exhibit. No example repo
// in the pack ships a hardened-regex library, so this stays on stdlib
// regexp/syntax per DESIGN.md.
func checkRegexSafety(pattern string) error {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	if nestedQuantifierDepth(re) > 3 {
		return fmt.Errorf("regex nesting too deep, rejected to bound evaluation cost")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}

func nestedQuantifierDepth(re *syntax.Regexp) int {
	isQuant := re.Op == syntax.OpStar || re.Op == syntax.OpPlus || re.Op == syntax.OpQuest || re.Op == syntax.OpRepeat
	best := 0
	for _, sub := range re.Sub {
		d := nestedQuantifierDepth(sub)
		if d > best {
			best = d
		}
	}
	if isQuant {
		return best + 1
	}
	return best
}

func validateMounts(mounts []Mount) error {
	seenPrefix := map[string]bool{}
	for _, m := range mounts {
		if m.URLPrefix == "" {
			return fmt.Errorf("config: mount missing url_prefix")
		}
		if m.RootDir == "" {
			return fmt.Errorf("config: mount %s missing root_dir", m.URLPrefix)
		}
		if seenPrefix[m.URLPrefix] {
			return fmt.Errorf("config: duplicate mount url_prefix %q", m.URLPrefix)
		}
		seenPrefix[m.URLPrefix] = true
		if m.SPAMode && m.SPAFallbackFile == "" {
			return fmt.Errorf("config: mount %s spa_mode requires spa_fallback_file", m.URLPrefix)
		}
	}
	return nil
}

func validateRateLimiting(rl RateLimitConfig) error {
	seen := map[string]bool{}
	check := func(r RateRule) error {
		if r.Limit <= 0 {
			return fmt.Errorf("config: rate rule %s limit must be positive", r.ID)
		}
		if r.WindowSecs <= 0 {
			return fmt.Errorf("config: rate rule %s window_secs must be positive", r.ID)
		}
		if seen[r.ID] {
			return fmt.Errorf("config: duplicate rate rule id %q", r.ID)
		}
		seen[r.ID] = true
		return nil
	}
	if rl.Default != nil {
		if err := check(*rl.Default); err != nil {
			return err
		}
	}
	for _, r := range rl.Rules {
		if err := check(r); err != nil {
			return err
		}
	}
	return nil
}
