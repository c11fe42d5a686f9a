package config

import (
	"fmt"
	"strings"
)

// Matcher is a compiled `PathPrefix(/a)|PathPrefix(/b)` expression.
type Matcher struct {
	prefixes []string
}

// ParseMatch compiles a match expression. Only PathPrefix(...) terms are supported.
func ParseMatch(expr string) (Matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Matcher{}, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return Matcher{}, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return Matcher{}, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, inside)
	}
	if len(out) == 0 {
		return Matcher{}, fmt.Errorf("no valid matchers")
	}
	return Matcher{prefixes: out}, nil
}

// PrefixMatcher builds a Matcher from literal prefixes.
func PrefixMatcher(prefixes ...string) Matcher {
	return Matcher{prefixes: append([]string(nil), prefixes...)}
}

func (m Matcher) Match(path string) bool {
	for _, p := range m.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (m Matcher) Prefixes() []string {
	return append([]string(nil), m.prefixes...)
}
