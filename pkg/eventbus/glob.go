package eventbus

import "strings"

// MatchAny reports whether rid matches any pattern. An empty pattern list
// matches everything.
func MatchAny(patterns []string, rid string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if MatchGlob(p, rid) {
			return true
		}
	}
	return false
}

// MatchGlob matches rid against a glob where * spans any characters,
// including the / that appears inside RID identifier parts.
func MatchGlob(pattern, rid string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == rid
	}

	if !strings.HasPrefix(rid, parts[0]) {
		return false
	}
	rid = rid[len(parts[0]):]

	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(rid, part)
		if idx < 0 {
			return false
		}
		rid = rid[idx+len(part):]
	}
	return strings.HasSuffix(rid, last)
}
