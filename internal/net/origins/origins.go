// Package origins extracts the origins (hostnames) a tool call targets and
// matches them against suffix patterns.
package origins

import (
	"net/url"
	"sort"
	"strings"
)

// URL-shaped argument keys. A single "url" string and each element of a
// "urls" array are interpreted as targets; nothing else is.
const (
	ArgURL  = "url"
	ArgURLs = "urls"
)

// URLsFromArgs returns the raw URL strings found in args, in argument order.
// Non-string values are ignored.
func URLsFromArgs(args map[string]any) []string {
	if args == nil {
		return nil
	}
	var out []string
	if s, ok := args[ArgURL].(string); ok && s != "" {
		out = append(out, s)
	}
	switch list := args[ArgURLs].(type) {
	case []any:
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range list {
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// BatchSize reports the length of the "urls" array argument, or 0 when args
// has no array-shaped URL argument.
func BatchSize(args map[string]any) int {
	if args == nil {
		return 0
	}
	switch list := args[ArgURLs].(type) {
	case []any:
		return len(list)
	case []string:
		return len(list)
	}
	return 0
}

// Hostname parses raw as an absolute URL and returns its normalized
// hostname. ok is false when raw is not URL-shaped.
func Hostname(raw string) (host string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return "", false
	}
	host = Normalize(u.Hostname())
	if host == "" {
		return "", false
	}
	return host, true
}

// FromArgs returns the deduplicated, sorted set of hostnames referenced by
// URL-shaped arguments. Values that do not parse as URLs are skipped.
func FromArgs(args map[string]any) []string {
	seen := make(map[string]struct{})
	for _, raw := range URLsFromArgs(args) {
		if host, ok := Hostname(raw); ok {
			seen[host] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Dedupe normalizes, deduplicates and sorts origins lexicographically.
// Empty entries are dropped.
func Dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	for _, o := range in {
		if n := Normalize(o); n != "" {
			seen[n] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Normalize lowercases a hostname, trims whitespace and a trailing dot, and
// unwraps IPv6 brackets.
func Normalize(hostname string) string {
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	normalized = strings.TrimSuffix(normalized, ".")
	if strings.HasPrefix(normalized, "[") && strings.HasSuffix(normalized, "]") {
		normalized = normalized[1 : len(normalized)-1]
	}
	return normalized
}

// MatchSuffix reports whether host equals pattern or is a subdomain of it.
// Matching respects label boundaries: "example.com" matches
// "api.example.com" but not "notexample.com". A leading "." or "*." on the
// pattern is ignored.
func MatchSuffix(host, pattern string) bool {
	host = Normalize(host)
	pattern = normalizePattern(pattern)
	if host == "" || pattern == "" {
		return false
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// MatchAny reports whether host matches at least one pattern.
func MatchAny(host string, patterns []string) bool {
	for _, p := range patterns {
		if MatchSuffix(host, p) {
			return true
		}
	}
	return false
}

// LongestSuffix returns the longest pattern in patterns that matches host.
func LongestSuffix(host string, patterns []string) (string, bool) {
	best := ""
	found := false
	for _, p := range patterns {
		if !MatchSuffix(host, p) {
			continue
		}
		if n := normalizePattern(p); !found || len(n) > len(normalizePattern(best)) {
			best = p
			found = true
		}
	}
	return best, found
}

func normalizePattern(p string) string {
	p = Normalize(p)
	p = strings.TrimPrefix(p, "*")
	return strings.TrimPrefix(p, ".")
}
