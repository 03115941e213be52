package csp

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
)

const defaultTemplate = `# Suggested Content-Security-Policy for {{ .Origin }}
# Built from {{ .Pages }} crawled pages and {{ len .Sources }} third-party sources.
{{- range .Directives }}
#   {{ .Name }}:{{ range .Sources }} {{ . }}{{ end }}
{{- end }}
Content-Security-Policy: {{ .Header }}
`

// TemplateData is what policy templates are executed with.
type TemplateData struct {
	Origin     string
	Pages      int
	Sources    []ExternalSource
	Directives []DirectiveSources
	Header     string
}

// DirectiveSources is one rendered directive.
type DirectiveSources struct {
	Name    string
	Sources []string
}

// BuildPolicy merges the observed third-party sources into base. Every
// directive that gains a source also allows 'self'. A nil base starts from
// default-src 'self'.
func BuildPolicy(f Findings, base Policy) Policy {
	p := base.Clone()
	if _, ok := p[DefaultSrc]; !ok {
		p[DefaultSrc] = []string{Self}
	}
	for _, src := range f.Sources {
		if _, ok := p[src.Directive]; !ok {
			p[src.Directive] = []string{Self}
		}
		p.Add(src.Directive, src.Origin)
	}
	for name, sources := range p {
		p[name] = orderSources(sources)
	}
	return p
}

// orderSources keeps quoted keywords first in their given order and sorts
// host sources after them.
func orderSources(sources []string) []string {
	var keywords, hosts []string
	for _, s := range sources {
		if strings.HasPrefix(s, "'") {
			keywords = append(keywords, s)
		} else {
			hosts = append(hosts, s)
		}
	}
	sort.Strings(hosts)
	return append(keywords, hosts...)
}

// DefaultTemplate returns the built-in policy template.
func DefaultTemplate() *template.Template {
	return template.Must(template.New("policy").Parse(defaultTemplate))
}

// LoadTemplate parses a user-supplied policy template.
func LoadTemplate(path string) (*template.Template, error) {
	body, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read policy template: %w", err)
	}
	tmpl, err := template.New(filepath.Base(path)).Option("missingkey=error").Parse(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse policy template %s: %w", path, err)
	}
	return tmpl, nil
}

// RenderPolicy executes tmpl, or the default template when tmpl is nil.
func RenderPolicy(w io.Writer, f Findings, p Policy, tmpl *template.Template) error {
	if tmpl == nil {
		tmpl = DefaultTemplate()
	}
	data := TemplateData{
		Origin:  f.Origin,
		Pages:   len(f.Pages),
		Sources: f.Sources,
		Header:  p.String(),
	}
	for _, name := range p.Directives() {
		data.Directives = append(data.Directives, DirectiveSources{Name: name, Sources: p[name]})
	}
	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("render policy: %w", err)
	}
	return nil
}
