package crawler

import (
	"net/url"
	"strings"
)

// trackingParams are stripped from every URL before it enters the frontier.
var trackingParams = []string{
	"utm_source",
	"utm_medium",
	"utm_campaign",
	"utm_term",
	"utm_content",
	"ref",
	"fbclid",
	"gclid",
}

// NormalizeURL canonicalizes a URL so equivalent forms collapse to one key.
// It lowercases the scheme and host, removes default ports, strips trailing
// slashes and tracking parameters, sorts the query, and drops the fragment.
// Unparseable input, including a query url.ParseQuery rejects, is
// returned unchanged.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	if u.Host != "" && u.Path == "" {
		u.Path = "/"
	}
	u.Path = trimTrailingSlash(u.Path)
	u.RawPath = trimTrailingSlash(u.RawPath)

	if u.RawQuery != "" {
		q, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			return rawURL
		}
		for _, p := range trackingParams {
			q.Del(p)
		}
		u.RawQuery = q.Encode()
	}
	u.ForceQuery = false

	u.Fragment = ""
	u.RawFragment = ""

	return u.String()
}

func trimTrailingSlash(p string) string {
	if len(p) <= 1 || !strings.HasSuffix(p, "/") {
		return p
	}
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

// originOf returns scheme://host[:port] with default ports removed.
func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http":
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https":
		host = strings.TrimSuffix(host, ":443")
	}
	return scheme + "://" + host
}

// Origin returns the origin of rawURL, or "" when it cannot be parsed.
func Origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return originOf(u)
}
