package crawler

import (
	"net/url"
	"path"
	"strings"
)

// skippedExtensions are document types never enqueued as pages.
var skippedExtensions = map[string]struct{}{
	".pdf":  {},
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".svg":  {},
	".webp": {},
	".ico":  {},
	".bmp":  {},
	".avif": {},
	".tif":  {},
	".tiff": {},
}

// LinkSet is the outcome of filtering one page's anchors.
type LinkSet struct {
	Links     []string
	Truncated bool
	// Dropped counts eligible links cut by the per-page cap.
	Dropped int
}

// FilterLinks keeps the anchors worth crawling: http(s) only, same origin,
// no pdf or image targets, normalized with NormalizeURL, de-duplicated on
// that key, and capped at maxLinks when maxLinks > 0. Order of first
// appearance is preserved.
func FilterLinks(hrefs []string, origin string, maxLinks int) LinkSet {
	var set LinkSet
	seen := make(map[string]struct{}, len(hrefs))
	for _, href := range hrefs {
		link, ok := eligibleLink(href, origin)
		if !ok {
			continue
		}
		link = NormalizeURL(link)
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		if maxLinks > 0 && len(set.Links) >= maxLinks {
			set.Truncated = true
			set.Dropped++
			continue
		}
		set.Links = append(set.Links, link)
	}
	return set
}

func eligibleLink(href, origin string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "tel:") || strings.HasPrefix(lower, "mailto:") {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" || originOf(u) != origin {
		return "", false
	}
	if _, skip := skippedExtensions[strings.ToLower(path.Ext(u.Path))]; skip {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}
