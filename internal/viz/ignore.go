package viz

import (
	"path"
)

// Matcher matches span names against glob patterns (path.Match syntax).
// A malformed pattern only matches a name equal to it. The nil Matcher
// matches nothing.
type Matcher struct {
	patterns []string
}

func NewMatcher(patterns []string) *Matcher {
	if len(patterns) == 0 {
		return nil
	}
	return &Matcher{patterns: append([]string(nil), patterns...)}
}

func (m *Matcher) Match(name string) bool {
	if m == nil {
		return false
	}
	for _, p := range m.patterns {
		ok, err := path.Match(p, name)
		if err != nil {
			ok = p == name
		}
		if ok {
			return true
		}
	}
	return false
}
