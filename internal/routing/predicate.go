package routing

import (
	"crypto/sha256"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"bifrostbridge/internal/config"
)

// compiledPredicate is the evaluator for one config.Predicate. cost ranks
// how expensive evaluation is, cheapest first, so compileRoute can reorder
// AND terms and short-circuit on the first failure (spec.md §9: "predicate
// evaluation should be cheap-first ordered").
type compiledPredicate struct {
	kind  config.PredicateKind
	cost  int
	eval  func(r *http.Request, bag *AttributeBag) bool
}

const (
	costMethod     = 0
	costPath       = 1
	costHost       = 1
	costHeader     = 2
	costQuery      = 2
	costCookie     = 2
	costRemoteAddr = 3
	costTime       = 1
	costWeight     = 4 // evaluated last: probabilistic, stateful per request hash
)

// AttributeBag carries values derived while evaluating one request's
// predicates so path captures survive into route dispatch (strip_path_prefix
// uses the raw path, but a future extension could read {name} captures).
type AttributeBag struct {
	PathCaptures map[string]string
}

func compilePredicate(p config.Predicate) (compiledPredicate, error) {
	switch p.Kind {
	case config.PredPath:
		patterns := p.PathPatterns
		trailing := p.MatchTrailingSlash
		return compiledPredicate{kind: p.Kind, cost: costPath, eval: func(r *http.Request, bag *AttributeBag) bool {
			ok, captures := matchAnyPath(patterns, r.URL.Path, trailing)
			if ok {
				bag.PathCaptures = captures
			}
			return ok
		}}, nil

	case config.PredHost:
		patterns := p.HostPatterns
		return compiledPredicate{kind: p.Kind, cost: costHost, eval: func(r *http.Request, _ *AttributeBag) bool {
			return matchAnyHost(patterns, r.Host)
		}}, nil

	case config.PredMethod:
		methods := map[string]bool{}
		for _, m := range p.Methods {
			methods[strings.ToUpper(m)] = true
		}
		return compiledPredicate{kind: p.Kind, cost: costMethod, eval: func(r *http.Request, _ *AttributeBag) bool {
			return methods[r.Method]
		}}, nil

	case config.PredHeader:
		name, value, re, err := compileNameValueMatch(p)
		if err != nil {
			return compiledPredicate{}, err
		}
		return compiledPredicate{kind: p.Kind, cost: costHeader, eval: func(r *http.Request, _ *AttributeBag) bool {
			return matchValues(r.Header.Values(name), value, re)
		}}, nil

	case config.PredQuery:
		name, value, re, err := compileNameValueMatch(p)
		if err != nil {
			return compiledPredicate{}, err
		}
		return compiledPredicate{kind: p.Kind, cost: costQuery, eval: func(r *http.Request, _ *AttributeBag) bool {
			return matchValues(r.URL.Query()[name], value, re)
		}}, nil

	case config.PredCookie:
		name, value, re, err := compileNameValueMatch(p)
		if err != nil {
			return compiledPredicate{}, err
		}
		return compiledPredicate{kind: p.Kind, cost: costCookie, eval: func(r *http.Request, _ *AttributeBag) bool {
			c, err := r.Cookie(name)
			if err != nil {
				return false
			}
			return matchValues([]string{c.Value}, value, re)
		}}, nil

	case config.PredRemoteAddr:
		nets := make([]*net.IPNet, 0, len(p.CIDRs))
		for _, c := range p.CIDRs {
			_, n, err := net.ParseCIDR(c)
			if err != nil {
				return compiledPredicate{}, err
			}
			nets = append(nets, n)
		}
		return compiledPredicate{kind: p.Kind, cost: costRemoteAddr, eval: func(r *http.Request, _ *AttributeBag) bool {
			host := r.RemoteAddr
			if i := strings.LastIndexByte(host, ':'); i >= 0 {
				host = host[:i]
			}
			ip := net.ParseIP(strings.Trim(host, "[]"))
			if ip == nil {
				return false
			}
			for _, n := range nets {
				if n.Contains(ip) {
					return true
				}
			}
			return false
		}}, nil

	case config.PredAfter:
		after := p.After
		return compiledPredicate{kind: p.Kind, cost: costTime, eval: func(*http.Request, *AttributeBag) bool {
			return time.Now().After(after)
		}}, nil

	case config.PredBefore:
		before := p.Before
		return compiledPredicate{kind: p.Kind, cost: costTime, eval: func(*http.Request, *AttributeBag) bool {
			return time.Now().Before(before)
		}}, nil

	case config.PredBetween:
		after, before := p.After, p.Before
		return compiledPredicate{kind: p.Kind, cost: costTime, eval: func(*http.Request, *AttributeBag) bool {
			now := time.Now()
			return now.After(after) && now.Before(before)
		}}, nil

	case config.PredWeight:
		// Weight predicates need the route's full weight-group totals and
		// per-predicate cumulative offsets to evaluate; compileRoute builds
		// their eval closures directly via compileWeightPredicate instead of
		// going through this generic path.
		return compiledPredicate{}, errWeightNeedsRouteContext

	}
	return compiledPredicate{}, errUnknownPredicate(p.Kind)
}

var errWeightNeedsRouteContext = errUnknownPredicate("weight")

// compileWeightPredicate builds the eval closure for one weight predicate
// given its group's total weight and this predicate's cumulative offset
// within that group (both computed once per route at compile time).
func compileWeightPredicate(group string, weight, offset, total int) compiledPredicate {
	return compiledPredicate{kind: config.PredWeight, cost: costWeight, eval: func(r *http.Request, _ *AttributeBag) bool {
		return weightGroupSelects(group, weight, offset, total, r)
	}}
}

func compileNameValueMatch(p config.Predicate) (name, value string, re *regexp.Regexp, err error) {
	name = p.Name
	value = p.MatchValue
	if p.MatchRegex != "" {
		re, err = regexp.Compile(p.MatchRegex)
		if err != nil {
			return "", "", nil, err
		}
	}
	return name, value, re, nil
}

func matchValues(values []string, exact string, re *regexp.Regexp) bool {
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		if re != nil {
			if re.MatchString(v) {
				return true
			}
			continue
		}
		if exact == "" || v == exact {
			return true
		}
	}
	return false
}

type errUnknownPredicate config.PredicateKind

func (e errUnknownPredicate) Error() string { return "routing: unknown predicate kind " + string(e) }

// weightGroupSelects deterministically hashes the request (group name, remote
// addr, path, and X-Request-ID, which is empty when absent) into [0,total) and
// reports whether that falls within this predicate's cumulative
// [offset, offset+weight) slice. Determinism per request means retries of
// the same logical request re-evaluate identically; distribution across
// distinct requests follows the configured weight ratios.
func weightGroupSelects(group string, weight, offset, total int, r *http.Request) bool {
	if total <= 0 || weight <= 0 {
		return false
	}
	h := sha256.Sum256([]byte(group + "|" + r.RemoteAddr + "|" + r.URL.Path + "|" + requestNonce(r)))
	bucket := int(h[0])<<8 | int(h[1])
	bucket %= total
	return bucket >= offset && bucket < offset+weight
}

// requestNonce returns X-Request-ID if present so weight-group selection is
// stable across retries of the same logical request; otherwise RemoteAddr
// and Path alone provide a coarse per-client stability.
func requestNonce(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}
