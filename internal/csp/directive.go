package csp

import "github.com/mostlyserious/csp-crawler/internal/crawler"

// DirectiveFor names the fetch directive that governs a request of kind.
// Top-level navigations are not governed by a fetch directive and return "".
func DirectiveFor(kind crawler.ResourceType, navigation bool) string {
	switch kind {
	case crawler.ResourceDocument:
		if navigation {
			return ""
		}
		return FrameSrc
	case crawler.ResourceScript:
		return ScriptSrc
	case crawler.ResourceStylesheet:
		return StyleSrc
	case crawler.ResourceImage:
		return ImgSrc
	case crawler.ResourceFont:
		return FontSrc
	case crawler.ResourceMedia:
		return MediaSrc
	case crawler.ResourceXHR, crawler.ResourceFetch, crawler.ResourceWebSocket,
		crawler.ResourceEventSource, crawler.ResourcePing:
		return ConnectSrc
	case crawler.ResourceManifest:
		return ManifestSrc
	default:
		return DefaultSrc
	}
}
