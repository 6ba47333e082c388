// Package routing compiles spec.md §3's Route/Predicate config into an
// evaluator and matches inbound requests against it. Predicate evaluation is
// cheap-first ordered at compile time and short-circuits on the first
// failing AND term (spec.md §9). The ant-style path matcher (`*`, `**`,
// `{name}` captures) is grounded on the teacher's singleJoiningSlash/path
// handling idiom in internal/proxy/headers.go, generalized to full segment
// pattern matching since the teacher only ever joins two literal paths.
package routing

import "strings"

// matchPath reports whether path matches an ant-style pattern:
//   - a literal segment must match exactly
//   - "*" matches exactly one path segment
//   - "**" matches zero or more trailing path segments
//   - "{name}" matches exactly one path segment and captures it
//
// "**" is only meaningful as the final pattern segment; a pattern with "**"
// elsewhere is compiled to treat it as matching the rest of the path greedily
// from that position, matching the common ant/Spring convention.
func matchPath(pattern, path string, matchTrailingSlash bool) (bool, map[string]string) {
	trailingSlash := len(path) > 1 && strings.HasSuffix(path, "/")
	trimmedPath := path
	if trailingSlash {
		trimmedPath = strings.TrimSuffix(path, "/")
	}

	patternSegs := splitSegments(pattern)
	pathSegs := splitSegments(trimmedPath)

	captures := map[string]string{}
	if !matchSegments(patternSegs, pathSegs, captures) {
		return false, nil
	}
	// A trailing-slash request only matches a pattern without its own
	// trailing "/" when match_trailing_slash is explicitly set (spec.md §8:
	// "/api/**" matches "/api/" iff match_trailing_slash=true).
	if trailingSlash && !strings.HasSuffix(pattern, "/") && !matchTrailingSlash {
		return false, nil
	}
	return true, captures
}

func splitSegments(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string, captures map[string]string) bool {
	for i := 0; i < len(pattern); i++ {
		seg := pattern[i]
		if seg == "**" {
			// "**" consumes everything remaining, including zero segments.
			return true
		}
		if i >= len(path) {
			return false
		}
		switch {
		case seg == "*":
			// matches any single segment, no capture
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			name := seg[1 : len(seg)-1]
			captures[name] = path[i]
		default:
			if seg != path[i] {
				return false
			}
		}
	}
	return len(path) == len(pattern)
}

// matchAnyPath reports whether path matches any of patterns.
func matchAnyPath(patterns []string, path string, matchTrailingSlash bool) (bool, map[string]string) {
	for _, p := range patterns {
		if ok, captures := matchPath(p, path, matchTrailingSlash); ok {
			return true, captures
		}
	}
	return false, nil
}

// matchAnyHost reports whether host matches any of the glob-ish host
// patterns; "*" here matches one DNS label, same semantics as path segments
// but split on ".".
func matchAnyHost(patterns []string, host string) bool {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	hostSegs := strings.Split(host, ".")
	for _, pattern := range patterns {
		patternSegs := strings.Split(pattern, ".")
		if len(patternSegs) != len(hostSegs) {
			continue
		}
		matched := true
		for i, seg := range patternSegs {
			if seg != "*" && !strings.EqualFold(seg, hostSegs[i]) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}
