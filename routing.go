// Package edgeproxy provides request routing from path patterns to services.
package edgeproxy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// routeEntry is one compiled route pattern bound to a service.
type routeEntry struct {
	service string
	pattern string
	prefix  string // literal part of the pattern before any glob metacharacter
	matcher glob.Glob
}

// PathMatcher maps request paths to services using glob patterns. Patterns
// with longer literal prefixes win when several match.
type PathMatcher struct {
	entries []routeEntry
}

// NewPathMatcher creates a new PathMatcher instance with no routes.
func NewPathMatcher() *PathMatcher {
	return &PathMatcher{}
}

// AddRoute registers a glob path pattern (for example "/accounts/**") that
// should be routed to the given service.
func (pm *PathMatcher) AddRoute(service, pattern string) error {
	matcher, err := glob.Compile(pattern, '/')
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRoutePattern, pattern, err)
	}

	pm.entries = append(pm.entries, routeEntry{
		service: service,
		pattern: pattern,
		prefix:  literalPrefix(pattern),
		matcher: matcher,
	})

	// Longest literal prefix first so the most specific route wins.
	sort.SliceStable(pm.entries, func(i, j int) bool {
		return len(pm.entries[i].prefix) > len(pm.entries[j].prefix)
	})

	return nil
}

// Match returns the service owning the path together with the matched
// pattern's literal prefix, which the gateway can strip before forwarding.
func (pm *PathMatcher) Match(path string) (service string, prefix string, ok bool) {
	for _, entry := range pm.entries {
		if entry.matcher.Match(path) {
			return entry.service, entry.prefix, true
		}
	}
	return "", "", false
}

// Patterns returns the registered patterns keyed by service.
func (pm *PathMatcher) Patterns() map[string][]string {
	out := make(map[string][]string)
	for _, entry := range pm.entries {
		out[entry.service] = append(out[entry.service], entry.pattern)
	}
	return out
}

// literalPrefix returns the part of a glob pattern before the first
// metacharacter, trimmed to the last full path segment.
func literalPrefix(pattern string) string {
	idx := strings.IndexAny(pattern, "*?[{")
	if idx < 0 {
		return pattern
	}
	prefix := pattern[:idx]
	if slash := strings.LastIndex(prefix, "/"); slash >= 0 {
		prefix = prefix[:slash]
	}
	return prefix
}
