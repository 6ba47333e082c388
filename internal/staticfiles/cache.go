package staticfiles

import (
	"fmt"
	"path/filepath"
	"strings"

	"bifrostbridge/internal/config"
)

// cacheControlFor decides a Cache-Control value the same way the teacher's
// isCacheableResponse decides cacheability: classify first, then emit one
// header value for the classification, rather than building the header
// incrementally from scattered conditions.
func cacheControlFor(m *config.Mount, name string, forcedNoCache bool) string {
	if forcedNoCache || isIndexFile(m, name) || matchesNoCachePattern(m.NoCacheFiles, name) {
		return "no-cache, no-store, must-revalidate"
	}
	millis := m.CacheMillis
	if millis <= 0 {
		millis = 3600000
	}
	return fmt.Sprintf("public, max-age=%d", millis/1000)
}

func isIndexFile(m *config.Mount, name string) bool {
	if !m.SPAMode {
		return false
	}
	for _, idx := range m.IndexFiles {
		if strings.EqualFold(idx, name) {
			return true
		}
	}
	return false
}

// matchesNoCachePattern supports "*.<ext>" and exact-filename forms, both
// case-insensitive, per spec.md §4.6.
func matchesNoCachePattern(patterns []string, name string) bool {
	lowerName := strings.ToLower(name)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "*.") {
			if strings.ToLower(filepath.Ext(name)) == p[1:] {
				return true
			}
			continue
		}
		if p == lowerName {
			return true
		}
	}
	return false
}
