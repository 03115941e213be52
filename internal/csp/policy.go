package csp

import (
	"slices"
	"sort"
	"strings"
)

// Fetch directives the analyzer attributes requests to.
const (
	DefaultSrc  = "default-src"
	ScriptSrc   = "script-src"
	StyleSrc    = "style-src"
	ImgSrc      = "img-src"
	FontSrc     = "font-src"
	MediaSrc    = "media-src"
	ConnectSrc  = "connect-src"
	FrameSrc    = "frame-src"
	ManifestSrc = "manifest-src"
)

// Self is the source expression for the page's own origin.
const Self = "'self'"

// canonicalOrder fixes the rendering order of well-known directives. Other
// directives follow alphabetically.
var canonicalOrder = []string{
	DefaultSrc, ScriptSrc, StyleSrc, ImgSrc, FontSrc, ConnectSrc, MediaSrc, FrameSrc, ManifestSrc,
}

// Policy maps a directive name to its source list.
type Policy map[string][]string

// ParsePolicy splits a serialized policy into directives. Directive names
// are lowercased; a repeated directive is ignored, as browsers do.
func ParsePolicy(raw string) Policy {
	p := Policy{}
	for _, part := range strings.Split(raw, ";") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		name := strings.ToLower(fields[0])
		if _, dup := p[name]; dup {
			continue
		}
		p[name] = append([]string{}, fields[1:]...)
	}
	return p
}

// Directives returns the directive names in rendering order.
func (p Policy) Directives() []string {
	names := make([]string, 0, len(p))
	var rest []string
	for _, name := range canonicalOrder {
		if _, ok := p[name]; ok {
			names = append(names, name)
		}
	}
	for name := range p {
		if !slices.Contains(canonicalOrder, name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// Sources returns the effective source list for directive, falling back to
// default-src for fetch directives that are not set.
func (p Policy) Sources(directive string) []string {
	if sources, ok := p[directive]; ok {
		return sources
	}
	if slices.Contains(canonicalOrder, directive) {
		return p[DefaultSrc]
	}
	return nil
}

// Add appends source to directive unless it is already present.
func (p Policy) Add(directive, source string) {
	if slices.Contains(p[directive], source) {
		return
	}
	p[directive] = append(p[directive], source)
}

// Clone returns a deep copy.
func (p Policy) Clone() Policy {
	out := make(Policy, len(p))
	for k, v := range p {
		out[k] = append([]string{}, v...)
	}
	return out
}

// String serializes the policy as a header value.
func (p Policy) String() string {
	parts := make([]string, 0, len(p))
	for _, name := range p.Directives() {
		if sources := p[name]; len(sources) > 0 {
			parts = append(parts, name+" "+strings.Join(sources, " "))
		} else {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "; ")
}
