package crawler

import (
	"net/url"
	"path"
	"strings"
)

// pathBlocklist holds the configured path exclusions. Patterns ending in
// "/*" or "*" match by prefix; anything else goes through path.Match.
type pathBlocklist struct {
	prefixes []string
	globs    []string
}

func newPathBlocklist(patterns []string) *pathBlocklist {
	b := &pathBlocklist{}
	for _, raw := range patterns {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if strings.HasSuffix(value, "*") && !strings.ContainsAny(strings.TrimSuffix(value, "*"), "*?[") {
			b.prefixes = append(b.prefixes, strings.TrimSuffix(value, "*"))
			continue
		}
		b.globs = append(b.globs, value)
	}
	if len(b.prefixes) == 0 && len(b.globs) == 0 {
		return nil
	}
	return b
}

// IsBlocked reports whether rawURL's path matches an exclusion.
func (b *pathBlocklist) IsBlocked(rawURL string) bool {
	if b == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	for _, prefix := range b.prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	for _, glob := range b.globs {
		if ok, err := path.Match(glob, p); err == nil && ok {
			return true
		}
	}
	return false
}
