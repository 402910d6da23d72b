package utils

// Match checks a concrete value against a pattern. Patterns support:
//   - "*" which matches any value,
//   - a trailing '*' which matches any value sharing the literal prefix,
//   - otherwise exact string equality.
//
// The same grammar is used for subjects, resources, and actions in both the
// RBAC wildcard permissions and the policy scope lists.
func Match(value, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(value) >= len(prefix) && value[:len(prefix)] == prefix
	}
	return value == pattern
}

// MatchAny reports whether the value matches at least one of the patterns.
func MatchAny(value string, patterns []string) bool {
	for _, p := range patterns {
		if Match(value, p) {
			return true
		}
	}
	return false
}

// MatchPair checks a (resource, action) query against a permission's
// (resource, action) patterns. Either side may be wildcarded independently.
func MatchPair(resource, action, resourcePattern, actionPattern string) bool {
	return Match(resource, resourcePattern) && Match(action, actionPattern)
}
