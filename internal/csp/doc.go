// Package csp analyzes Content-Security-Policy coverage during a crawl.
//
// Collector plugs into the crawler as its Hooks implementation. It records
// the policies each page delivers by header or meta tag, the third-party
// origins each page loads grouped by the directive that governs them, and
// the violation messages the browser prints to the console. BuildPolicy
// turns those observations into a suggested policy, and RenderPolicy writes
// it through a text template.
package csp
